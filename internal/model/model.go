// Package model holds the domain types shared across the message pipeline:
// messages, conversations, participants and the small value types used to
// key idempotency and delivery state.
package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the opaque payload kinds the store tracks. The
// server never inspects encryptedContent regardless of type.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// MessageStatus transitions monotonically in this order.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders the monotonic status progression; Failed is terminal and
// reachable from any non-terminal state.
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether moving from `from` to `to` respects the
// monotonic status ordering (failed is reachable from every status except
// read).
func CanTransition(from, to MessageStatus) bool {
	if to == StatusFailed {
		return from != StatusRead
	}
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return tr >= fr
}

// MaxPayloadBytes bounds encryptedContent per spec.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// Message is immutable once persisted except for status and the delivery
// timestamps and deletedAt.
type Message struct {
	ID               uuid.UUID
	ConversationID   uuid.UUID
	SenderID         uuid.UUID
	Type             MessageType
	EncryptedContent []byte
	PayloadSizeBytes int
	Seq              uint64
	Status           MessageStatus
	CreatedAt        time.Time
	DeliveredAt      *time.Time
	ReadAt           *time.Time
	DeletedAt        *time.Time
}

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

type Participant struct {
	UserID     uuid.UUID
	Role       ParticipantRole
	JoinedAt   time.Time
	LeftAt     *time.Time
	LastReadAt *time.Time
}

// Active reports whether the participant currently receives deliveries.
func (p Participant) Active() bool {
	return p.LeftAt == nil
}

type ConversationSettings struct {
	WhoCanAddParticipants ParticipantRole
}

type Conversation struct {
	ID                  uuid.UUID
	Type                ConversationType
	Participants        []Participant
	Settings            ConversationSettings
	LastMessageID       *uuid.UUID
	LastMessagePreview  string
	LastMessageAt       *time.Time
	DeletedAt           *time.Time
}

// Participant looks up a participant by user ID.
func (c *Conversation) Participant(userID uuid.UUID) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// IsParticipant reports whether userID is a current (non-left) participant.
func (c *Conversation) IsParticipant(userID uuid.UUID) bool {
	p, ok := c.Participant(userID)
	return ok && p.Active()
}

// ListFilter narrows Message Store reads.
type ListFilter struct {
	ConversationID *uuid.UUID
	SenderID       *uuid.UUID
	Type           *MessageType
	Before         *time.Time
	After          *time.Time
	IncludeDeleted bool
}
