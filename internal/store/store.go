// Package store defines the narrow, operation-level ports the rest of the
// pipeline programs against (Design Notes "Port/adapter pattern for
// storage"): MessagesRead/MessagesWrite for the append-only message log,
// ConversationsRead/ConversationsWrite/ConversationsEvents for conversation
// and participant state. Two adapters implement these ports: memstore (the
// deterministic in-memory adapter used by default in tests) and pgstore
// (jackc/pgx, used when STORAGE_DRIVER=postgres).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/relaywire/core/internal/model"
)

// ErrSeqConflict is returned by Append when a concurrent writer on the same
// conversation raced the seq assignment; internal/sequencer retries on this
// with bounded, backed-off attempts (spec.md §4.C).
var ErrSeqConflict = errors.New("store: seq conflict, retry")

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Cursor is the opaque (createdAt, id) pagination position for list(),
// encoded/decoded the same base64("ts|id") way as internal/syncx.Cursor.
type Cursor struct {
	CreatedAtMs int64
	ID          uuid.UUID
}

// AppendInput is the write side of a message append. Seq is never supplied
// by the caller — it is assigned atomically by the adapter as part of
// Append, together with the idempotency reservation.
type AppendInput struct {
	ID               uuid.UUID
	ConversationID   uuid.UUID
	SenderID         uuid.UUID
	Type             model.MessageType
	EncryptedContent []byte
	PayloadSizeBytes int
	CreatedAt        time.Time
}

// MessagesRead is the read side of the Message Store (spec.md §4.A).
type MessagesRead interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Message, error)
	// List returns items ordered by (createdAt, id) ascending, bounded by
	// limit in [1, 200], and the opaque cursor for the next page (nil when
	// exhausted).
	List(ctx context.Context, filter model.ListFilter, cursor *Cursor, limit int) ([]model.Message, *Cursor, error)
	// TipSeq returns the highest persisted seq for a conversation, or 0 if
	// the conversation has no messages yet.
	TipSeq(ctx context.Context, conversationID uuid.UUID) (uint64, error)
	// RangeAfter streams messages with seq in (lo, hi] ascending, in pages
	// of at most batchSize — used by the Replay Engine (spec.md §4.H).
	RangeAfter(ctx context.Context, conversationID uuid.UUID, lo, hi uint64, batchSize int) ([]model.Message, error)
}

// MessagesWrite is the write side of the Message Store.
type MessagesWrite interface {
	// Append assigns the next seq for in.ConversationID and inserts the
	// message, and — if idempotencyKey is non-empty — reserves
	// (SenderID, idempotencyKey) in the same atomic unit (spec.md §4.B).
	// If the key already exists, Append returns the previously persisted
	// message with replayed=true and performs no new write.
	// Concurrent callers that raced the seq assignment get ErrSeqConflict;
	// the caller (internal/sequencer) retries with a fresh attempt.
	Append(ctx context.Context, in AppendInput, idempotencyKey string) (msg model.Message, replayed bool, err error)
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus, at time.Time) error
	MarkManyRead(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// ConversationsRead/Write/Events split conversation access per Design Notes.
type ConversationsRead interface {
	FindConversationByID(ctx context.Context, id uuid.UUID) (*model.Conversation, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error)
}

type ConversationsWrite interface {
	Create(ctx context.Context, conv model.Conversation) (model.Conversation, error)
	AddParticipant(ctx context.Context, conversationID uuid.UUID, p model.Participant) error
	RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error
	UpdateParticipantRole(ctx context.Context, conversationID, userID uuid.UUID, role model.ParticipantRole) error
	MarkRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error
	SoftDeleteConversation(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ConversationsEvents lets the store reflect a just-persisted message back
// onto the conversation's denormalized last-message fields, without the
// conversation aggregate needing to know about the message store.
type ConversationsEvents interface {
	OnMessagePersisted(ctx context.Context, conversationID uuid.UUID, messageID uuid.UUID, preview string, at time.Time) error
}

// Store bundles every port a single adapter implements; callers that only
// need a subset should depend on the narrower interface above.
type Store interface {
	MessagesRead
	MessagesWrite
	ConversationsRead
	ConversationsWrite
	ConversationsEvents
}
