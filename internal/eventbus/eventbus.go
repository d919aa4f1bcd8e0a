// Package eventbus wraps nats-io/nats.go as the cross-node transport for
// two concerns: cache invalidation fan-out (internal/cache) and the
// MessagePersisted notification the Session Hub subscribes to so a message
// appended on one node reaches subscribers connected to another (spec.md
// §4.D/§4.G).
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	subjectCacheInvalidate = "cache.invalidate"
	subjectMessagePrefix   = "msg.persisted."
)

// InvalidationEnvelope is published whenever a node writes or deletes a
// cache key, so every other node's near-cache can purge the stale entry.
// NodeID lets a receiving node ignore its own publications (self-suppression).
type InvalidationEnvelope struct {
	Key    string `json:"key"`
	NodeID string `json:"nodeId"`
	TSMs   int64  `json:"ts"`
}

// MessagePersistedEvent is published after a message commits, carrying just
// enough for a remote Hub to decide whether to fetch and fan it out; the
// encrypted payload itself is never put on the bus. NodeID lets a receiving
// node ignore its own publications, same as InvalidationEnvelope.
type MessagePersistedEvent struct {
	ConversationID uuid.UUID `json:"conversationId"`
	MessageID      uuid.UUID `json:"messageId"`
	Seq            uint64    `json:"seq"`
	SenderID       uuid.UUID `json:"senderId"`
	NodeID         string    `json:"nodeId"`
	TSMs           int64     `json:"ts"`
}

// Bus is the narrow surface the rest of the module depends on.
type Bus struct {
	nc     *nats.Conn
	nodeID string
	log    zerolog.Logger
}

func Connect(url, nodeID string, log zerolog.Logger) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("relaywire-core/"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}
	return &Bus{nc: nc, nodeID: nodeID, log: log.With().Str("component", "eventbus").Logger()}, nil
}

func (b *Bus) NodeID() string { return b.nodeID }

func (b *Bus) Close() {
	b.nc.Drain()
}

// PublishInvalidation fans out key to every other node. TSMs should be
// caller-supplied (time.Now().UnixMilli()) since this package never calls
// time.Now() itself to keep behavior deterministic for tests that inject a
// clock.
func (b *Bus) PublishInvalidation(env InvalidationEnvelope) error {
	env.NodeID = b.nodeID
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(subjectCacheInvalidate, data)
}

// SubscribeInvalidation delivers envelopes from OTHER nodes only; envelopes
// this node itself published are filtered out before handler is called,
// since this node already purged its own near-cache entry synchronously.
func (b *Bus) SubscribeInvalidation(handler func(InvalidationEnvelope)) (*nats.Subscription, error) {
	return b.nc.Subscribe(subjectCacheInvalidate, func(msg *nats.Msg) {
		var env InvalidationEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.log.Warn().Err(err).Msg("invalidation envelope decode failed")
			return
		}
		if env.NodeID == b.nodeID {
			return
		}
		handler(env)
	})
}

func messageSubject(conversationID uuid.UUID) string {
	return subjectMessagePrefix + conversationID.String()
}

func (b *Bus) PublishMessagePersisted(ev MessagePersistedEvent) error {
	ev.NodeID = b.nodeID
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.nc.Publish(messageSubject(ev.ConversationID), data)
}

func (b *Bus) SubscribeMessagePersisted(conversationID uuid.UUID, handler func(MessagePersistedEvent)) (*nats.Subscription, error) {
	return b.nc.Subscribe(messageSubject(conversationID), func(msg *nats.Msg) {
		var ev MessagePersistedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Warn().Err(err).Msg("message-persisted envelope decode failed")
			return
		}
		if ev.NodeID == b.nodeID {
			return
		}
		handler(ev)
	})
}

// SubscribeAllMessagePersisted subscribes with a wildcard, used by the Hub
// when it fans out across every conversation a node currently has live
// subscribers for rather than one subscription per conversation. Envelopes
// this node itself published are filtered out — it already fanned the
// message out to its own local sessions synchronously inside Send.
func (b *Bus) SubscribeAllMessagePersisted(handler func(MessagePersistedEvent)) (*nats.Subscription, error) {
	return b.nc.Subscribe(subjectMessagePrefix+"*", func(msg *nats.Msg) {
		var ev MessagePersistedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Warn().Err(err).Msg("message-persisted envelope decode failed")
			return
		}
		if ev.NodeID == b.nodeID {
			return
		}
		handler(ev)
	})
}
