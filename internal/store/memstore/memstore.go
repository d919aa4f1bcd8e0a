// Package memstore is the deterministic in-memory Store adapter: the
// default STORAGE_DRIVER=memory backend and the one every unit test in this
// module runs against. It mirrors pgstore's atomicity contract (Append
// assigns seq and reserves the idempotency key as one unit) with a single
// store-wide mutex standing in for a transaction.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaywire/core/internal/apperr"
	"github.com/relaywire/core/internal/model"
	"github.com/relaywire/core/internal/store"
)

type idemKey struct {
	senderID uuid.UUID
	key      string
}

// Store implements store.Store entirely in memory, guarded by a single
// RWMutex. It is intentionally not sharded by conversation: correctness
// over throughput, since this adapter only backs tests and local dev.
type Store struct {
	mu sync.RWMutex

	messages map[uuid.UUID]model.Message
	// seqTip tracks the highest assigned seq per conversation.
	seqTip map[uuid.UUID]uint64
	idem   map[idemKey]uuid.UUID

	conversations map[uuid.UUID]model.Conversation
}

func New() *Store {
	return &Store{
		messages:      make(map[uuid.UUID]model.Message),
		seqTip:        make(map[uuid.UUID]uint64),
		idem:          make(map[idemKey]uuid.UUID),
		conversations: make(map[uuid.UUID]model.Conversation),
	}
}

func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (s *Store) List(ctx context.Context, filter model.ListFilter, cursor *store.Cursor, limit int) ([]model.Message, *store.Cursor, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	s.mu.RLock()
	all := make([]model.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if !matches(m, filter) {
			continue
		}
		all = append(all, m)
	}
	s.mu.RUnlock()

	// Order at millisecond precision, the same precision the cursor and
	// afterCursor use, so a page boundary never splits or repeats items.
	sort.Slice(all, func(i, j int) bool {
		mi, mj := all[i].CreatedAt.UnixMilli(), all[j].CreatedAt.UnixMilli()
		if mi == mj {
			return all[i].ID.String() < all[j].ID.String()
		}
		return mi < mj
	})

	start := 0
	if cursor != nil {
		for i, m := range all {
			if afterCursor(m, *cursor) {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start >= len(all) {
		return nil, nil, nil
	}
	end := start + limit
	var next *store.Cursor
	if end < len(all) {
		last := all[end-1]
		next = &store.Cursor{CreatedAtMs: last.CreatedAt.UnixMilli(), ID: last.ID}
	} else {
		end = len(all)
	}
	return all[start:end], next, nil
}

func afterCursor(m model.Message, c store.Cursor) bool {
	ms := m.CreatedAt.UnixMilli()
	if ms != c.CreatedAtMs {
		return ms > c.CreatedAtMs
	}
	return m.ID.String() > c.ID.String()
}

func matches(m model.Message, f model.ListFilter) bool {
	if f.ConversationID != nil && m.ConversationID != *f.ConversationID {
		return false
	}
	if f.SenderID != nil && m.SenderID != *f.SenderID {
		return false
	}
	if f.Type != nil && m.Type != *f.Type {
		return false
	}
	if f.Before != nil && !m.CreatedAt.Before(*f.Before) {
		return false
	}
	if f.After != nil && !m.CreatedAt.After(*f.After) {
		return false
	}
	if !f.IncludeDeleted && m.DeletedAt != nil {
		return false
	}
	return true
}

func (s *Store) TipSeq(ctx context.Context, conversationID uuid.UUID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seqTip[conversationID], nil
}

func (s *Store) RangeAfter(ctx context.Context, conversationID uuid.UUID, lo, hi uint64, batchSize int) ([]model.Message, error) {
	if batchSize <= 0 || batchSize > 200 {
		batchSize = 200
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, 0, batchSize)
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.Seq > lo && m.Seq <= hi {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > batchSize {
		out = out[:batchSize]
	}
	return out, nil
}

// Append assigns the next seq for in.ConversationID and reserves the
// idempotency key under a single critical section, matching the atomicity
// pgstore gets from a transaction. Because the whole operation holds the
// store-wide mutex, ErrSeqConflict is unreachable here — internal/sequencer's
// retry loop never fires against this adapter. It fires against pgstore,
// where two pods can race the same conversation's seq.

func (s *Store) Append(ctx context.Context, in store.AppendInput, idempotencyKey string) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if existingID, ok := s.idem[idemKey{senderID: in.SenderID, key: idempotencyKey}]; ok {
			if existing, ok := s.messages[existingID]; ok {
				return existing, true, nil
			}
		}
	}

	nextSeq := s.seqTip[in.ConversationID] + 1
	msg := model.Message{
		ID:               in.ID,
		ConversationID:   in.ConversationID,
		SenderID:         in.SenderID,
		Type:             in.Type,
		EncryptedContent: in.EncryptedContent,
		PayloadSizeBytes: in.PayloadSizeBytes,
		Seq:              nextSeq,
		Status:           model.StatusSent,
		CreatedAt:        in.CreatedAt,
	}
	s.messages[msg.ID] = msg
	s.seqTip[in.ConversationID] = nextSeq
	if idempotencyKey != "" {
		s.idem[idemKey{senderID: in.SenderID, key: idempotencyKey}] = msg.ID
	}
	return msg, false, nil
}

func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	m.DeletedAt = &t
	s.messages[id] = m
	return nil
}

func (s *Store) MarkStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	if !model.CanTransition(m.Status, status) {
		return apperr.New(apperr.Conflict, "invalid_status_transition", "cannot move message status backward")
	}
	m.Status = status
	switch status {
	case model.StatusDelivered:
		m.DeliveredAt = &at
	case model.StatusRead:
		m.ReadAt = &at
	}
	s.messages[id] = m
	return nil
}

func (s *Store) MarkManyRead(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok {
			continue
		}
		if !model.CanTransition(m.Status, model.StatusRead) {
			continue
		}
		m.Status = model.StatusRead
		m.ReadAt = &at
		s.messages[id] = m
	}
	return nil
}

func (s *Store) FindConversationByID(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListForUser(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Conversation
	for _, c := range s.conversations {
		if c.DeletedAt != nil {
			continue
		}
		if c.IsParticipant(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].LastMessageAt, out[j].LastMessageAt
		if ai == nil && aj == nil {
			return out[i].ID.String() < out[j].ID.String()
		}
		if ai == nil {
			return false
		}
		if aj == nil {
			return true
		}
		return ai.After(*aj)
	})
	return out, nil
}

func (s *Store) Create(ctx context.Context, conv model.Conversation) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *Store) AddParticipant(ctx context.Context, conversationID uuid.UUID, p model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	for i, existing := range c.Participants {
		if existing.UserID == p.UserID {
			c.Participants[i] = p
			s.conversations[conversationID] = c
			return nil
		}
	}
	c.Participants = append(c.Participants, p)
	s.conversations[conversationID] = c
	return nil
}

func (s *Store) RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	for i, p := range c.Participants {
		if p.UserID == userID {
			t := at
			p.LeftAt = &t
			c.Participants[i] = p
			s.conversations[conversationID] = c
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) UpdateParticipantRole(ctx context.Context, conversationID, userID uuid.UUID, role model.ParticipantRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	for i, p := range c.Participants {
		if p.UserID == userID {
			p.Role = role
			c.Participants[i] = p
			s.conversations[conversationID] = c
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	for i, p := range c.Participants {
		if p.UserID == userID {
			p.LastReadAt = &at
			c.Participants[i] = p
			s.conversations[conversationID] = c
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) SoftDeleteConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	c.DeletedAt = &t
	s.conversations[id] = c
	return nil
}

func (s *Store) OnMessagePersisted(ctx context.Context, conversationID uuid.UUID, messageID uuid.UUID, preview string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	id := messageID
	t := at
	c.LastMessageID = &id
	c.LastMessagePreview = preview
	c.LastMessageAt = &t
	s.conversations[conversationID] = c
	return nil
}

var _ store.Store = (*Store)(nil)
