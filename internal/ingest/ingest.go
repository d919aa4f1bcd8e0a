// Package ingest implements the single public send() operation of the
// Ingest Pipeline (spec.md §4.E): validate, authorize, rate limit,
// deduplicate and sequence a message, then hand it to the Session Hub as a
// fire-and-forget notification.
package ingest

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/apperr"
	"github.com/relaywire/core/internal/cache"
	"github.com/relaywire/core/internal/eventbus"
	"github.com/relaywire/core/internal/model"
	"github.com/relaywire/core/internal/ratelimit"
	"github.com/relaywire/core/internal/sequencer"
	"github.com/relaywire/core/internal/store"
)

// AuthContext is what the external JWT collaborator (internal/auth) resolves
// a request down to before the pipeline ever sees it.
type AuthContext struct {
	UserID    uuid.UUID
	AccountID uuid.UUID
	DeviceID  string
	SessionID string
}

// SendCommand is the validated-shape request body of POST /v1/messages.
type SendCommand struct {
	ConversationID      uuid.UUID
	SenderID            uuid.UUID
	Type                model.MessageType
	EncryptedContentB64 string
	PayloadSizeBytes    int
	IdempotencyKey      string
}

// Event is what Send hands to the Hub once a message is durably persisted.
// It is fire-and-forget: Publish must not block Send, and any error inside
// Publish is the Hub's problem to log, never the caller's.
type Event struct {
	Message        model.Message
	ConversationID uuid.UUID
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// BusPublisher is the narrow eventbus surface used to fan MessagePersisted
// out to other nodes. A nil BusPublisher means this process has no NATS
// connection, so fan-out stays process-local (hub.Publish) only.
type BusPublisher interface {
	PublishMessagePersisted(ev eventbus.MessagePersistedEvent) error
}

// participantCache is the narrow cache surface the authz step uses.
type participantCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, nowMs int64)
}

const participantCacheTTL = 5 * time.Minute

type Pipeline struct {
	conversations store.ConversationsRead
	events        store.ConversationsEvents
	seq           *sequencer.Sequencer
	limiter       *ratelimit.Limiter
	cache         participantCache
	hub           Publisher
	bus           BusPublisher
	log           zerolog.Logger
}

func New(conversations store.ConversationsRead, events store.ConversationsEvents, seq *sequencer.Sequencer, limiter *ratelimit.Limiter, c *cache.Cache, hub Publisher, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		conversations: conversations,
		events:        events,
		seq:           seq,
		limiter:       limiter,
		cache:         c,
		hub:           hub,
		log:           log.With().Str("component", "ingest").Logger(),
	}
}

// WithBus wires the cross-node fan-out bus after construction, since the
// NATS connection and this pipeline are built independently in main and
// either may fail to come up. Returns p for chaining at the call site.
func (p *Pipeline) WithBus(bus BusPublisher) *Pipeline {
	p.bus = bus
	return p
}

// Send runs the full pipeline and reports whether the call is an idempotent
// replay (caller maps that to HTTP 200 vs 201).
func (p *Pipeline) Send(ctx context.Context, cmd SendCommand, auth AuthContext) (model.Message, bool, error) {
	content, err := p.validate(cmd)
	if err != nil {
		return model.Message{}, false, err
	}

	if err := p.authorize(ctx, cmd, auth); err != nil {
		return model.Message{}, false, err
	}

	nowMs := time.Now().UnixMilli()
	if err := p.rateLimit(ctx, auth, nowMs); err != nil {
		return model.Message{}, false, err
	}

	msg, replayed, err := p.seq.Append(ctx, store.AppendInput{
		ID:               uuid.New(),
		ConversationID:   cmd.ConversationID,
		SenderID:         cmd.SenderID,
		Type:             cmd.Type,
		EncryptedContent: content,
		PayloadSizeBytes: cmd.PayloadSizeBytes,
		CreatedAt:        time.Now(),
	}, cmd.IdempotencyKey)
	if err != nil {
		return model.Message{}, false, err
	}

	if !replayed {
		if p.events != nil {
			if err := p.events.OnMessagePersisted(ctx, cmd.ConversationID, msg.ID, messagePreview(cmd.Type), msg.CreatedAt); err != nil {
				p.log.Warn().Err(err).Str("conversationId", cmd.ConversationID.String()).
					Msg("failed to update conversation preview, denormalized fields may be stale")
			}
		}
		if p.hub != nil {
			go p.hub.Publish(context.WithoutCancel(ctx), Event{Message: msg, ConversationID: cmd.ConversationID})
		}
		if p.bus != nil {
			if err := p.bus.PublishMessagePersisted(eventbus.MessagePersistedEvent{
				ConversationID: cmd.ConversationID,
				MessageID:      msg.ID,
				Seq:            msg.Seq,
				SenderID:       msg.SenderID,
				TSMs:           msg.CreatedAt.UnixMilli(),
			}); err != nil {
				p.log.Warn().Err(err).Str("conversationId", cmd.ConversationID.String()).
					Msg("failed to publish cross-node message-persisted event, other nodes will not see this message")
			}
		}
	}

	return msg, replayed, nil
}

// messagePreview is spec.md §3's "opaque hint, ciphertext-safe" for
// Conversation.lastMessagePreview: it never touches encryptedContent, so
// there is nothing in it to leak.
func messagePreview(t model.MessageType) string {
	return string(t) + " message"
}

func (p *Pipeline) validate(cmd SendCommand) ([]byte, error) {
	if cmd.ConversationID == uuid.Nil {
		return nil, apperr.Validationf("invalid_conversation_id", "conversationId must be a valid UUID")
	}
	if cmd.SenderID == uuid.Nil {
		return nil, apperr.Validationf("invalid_sender_id", "senderId must be a valid UUID")
	}
	if !model.ValidMessageType(cmd.Type) {
		return nil, apperr.Validationf("invalid_message_type", "unrecognized message type %q", cmd.Type)
	}
	if len(cmd.IdempotencyKey) > 128 {
		return nil, apperr.Validationf("invalid_idempotency_key", "idempotencyKey must be <= 128 bytes")
	}
	content, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(cmd.EncryptedContentB64)
	if err != nil {
		// Fall back to standard base64url with padding — clients disagree
		// on trailing '=' handling and the spec only requires "valid base64url".
		content, err = base64.URLEncoding.DecodeString(cmd.EncryptedContentB64)
		if err != nil {
			return nil, apperr.Validationf("invalid_payload_encoding", "encryptedContent must be valid base64url")
		}
	}
	if len(content) > model.MaxPayloadBytes {
		return nil, apperr.New(apperr.PayloadTooLarge, "payload_too_large", "encryptedContent exceeds 1 MiB")
	}
	return content, nil
}

func (p *Pipeline) authorize(ctx context.Context, cmd SendCommand, auth AuthContext) error {
	if cmd.SenderID != auth.UserID {
		return apperr.New(apperr.Forbidden, "sender_mismatch", "senderId must match the authenticated user")
	}
	ok, err := p.isActiveParticipant(ctx, cmd.ConversationID, cmd.SenderID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.Forbidden, "not_a_participant", "sender is not a current participant of this conversation")
	}
	return nil
}

// isActiveParticipant is cache-read-through with a store fallback, per
// spec.md §4.E step 2. A cache miss or error never fails the call — it
// just means the authoritative check runs against the store.
func (p *Pipeline) isActiveParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	key := participantCacheKey(conversationID, userID)
	if p.cache != nil {
		if v, ok := p.cache.Get(ctx, key); ok {
			return len(v) == 1 && v[0] == 1, nil
		}
	}

	conv, err := p.conversations.FindConversationByID(ctx, conversationID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, apperr.New(apperr.NotFound, "conversation_not_found", "conversation does not exist")
		}
		return false, apperr.Wrap(apperr.Internal, "conversation_lookup_failed", "failed to load conversation", err)
	}
	active := conv.IsParticipant(userID)

	if p.cache != nil {
		v := []byte{0}
		if active {
			v = []byte{1}
		}
		p.cache.Set(ctx, key, v, participantCacheTTL, time.Now().UnixMilli())
	}
	return active, nil
}

func participantCacheKey(conversationID, userID uuid.UUID) string {
	return "participant:" + conversationID.String() + ":" + userID.String()
}

// rateLimit checks the device, session and account buckets under the
// "send" route (spec.md §4.E step 3 names all three identifiers); the
// first bucket to reject wins.
func (p *Pipeline) rateLimit(ctx context.Context, auth AuthContext, nowMs int64) error {
	if p.limiter == nil {
		return nil
	}
	buckets := map[string]string{
		"device:":  auth.DeviceID,
		"session:": auth.SessionID,
		"account:": auth.AccountID.String(),
	}
	for prefix, raw := range buckets {
		if raw == "" || raw == uuid.Nil.String() {
			continue
		}
		if err := p.limiter.Allow(ctx, "send", prefix+raw, nowMs); err != nil {
			return err
		}
	}
	return nil
}
