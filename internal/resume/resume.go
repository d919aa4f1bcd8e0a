// Package resume persists per-device DeviceSession state (spec.md §4.G) so
// a reconnecting device recovers without loss. It is a thin codec over the
// Distributed Cache, namespaced "resume:<deviceId>", TTL 7 days.
package resume

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/hub"
)

// SharedCache is the narrow cache surface this package needs.
type SharedCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, nowMs int64)
	Delete(ctx context.Context, key string, nowMs int64)
}

// maxUndelivered bounds the per-device undelivered ring; spec.md §4.F calls
// this "bounded — when full, drop oldest and set missed=true".
const maxUndelivered = 500

type wireState struct {
	AckedCursors map[string]uint64        `json:"ackedCursors"`
	Undelivered  []wireUndeliveredFrame   `json:"undelivered"`
	Missed       bool                     `json:"missed"`
}

type wireUndeliveredFrame struct {
	ConversationID string    `json:"conversationId"`
	Frame          hub.Frame `json:"frame"`
}

// Store implements hub.ResumeStore. Cache round-trips are not atomic
// (Get-then-Set), so a process-local mutex serializes writers against the
// same device; cross-node races on the same device are rare (a device has
// one live connection) and, per spec.md §4.D, cache writes are best-effort
// regardless.
type Store struct {
	mu    sync.Mutex
	cache SharedCache
	ttl   time.Duration
	log   zerolog.Logger
}

func New(cache SharedCache, ttl time.Duration, log zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{cache: cache, ttl: ttl, log: log.With().Str("component", "resume").Logger()}
}

func key(deviceID string) string {
	return "resume:" + deviceID
}

func (s *Store) Load(ctx context.Context, deviceID string) (hub.ResumeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, deviceID)
}

func (s *Store) loadLocked(ctx context.Context, deviceID string) (hub.ResumeState, error) {
	v, ok := s.cache.Get(ctx, key(deviceID))
	if !ok {
		return hub.ResumeState{AckedCursors: make(map[uuid.UUID]uint64)}, nil
	}
	var w wireState
	if err := json.Unmarshal(v, &w); err != nil {
		s.log.Warn().Err(err).Str("deviceId", deviceID).Msg("corrupt resume state, treating as empty")
		return hub.ResumeState{AckedCursors: make(map[uuid.UUID]uint64)}, nil
	}
	return fromWire(w), nil
}

func (s *Store) Persist(ctx context.Context, deviceID string, state hub.ResumeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(toWire(state))
	if err != nil {
		return err
	}
	s.cache.Set(ctx, key(deviceID), data, s.ttl, time.Now().UnixMilli())
	return nil
}

func (s *Store) Drop(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(ctx, key(deviceID), time.Now().UnixMilli())
	return nil
}

// PushUndelivered appends frame to deviceID's ring for conversationID,
// dropping the oldest entry (across all conversations, FIFO) and setting
// missed=true when the ring is already at capacity.
func (s *Store) PushUndelivered(ctx context.Context, deviceID string, conversationID uuid.UUID, frame hub.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(ctx, deviceID)
	if err != nil {
		return false
	}
	dropped := false
	if len(state.Undelivered) >= maxUndelivered {
		state.Undelivered = state.Undelivered[1:]
		dropped = true
		state.Missed = true
	}
	state.Undelivered = append(state.Undelivered, hub.UndeliveredFrame{ConversationID: conversationID, Frame: frame})

	data, err := json.Marshal(toWire(state))
	if err != nil {
		s.log.Warn().Err(err).Str("deviceId", deviceID).Msg("failed to encode resume state")
		return dropped
	}
	s.cache.Set(ctx, key(deviceID), data, s.ttl, time.Now().UnixMilli())
	return dropped
}

func toWire(state hub.ResumeState) wireState {
	w := wireState{
		AckedCursors: make(map[string]uint64, len(state.AckedCursors)),
		Missed:       state.Missed,
	}
	for k, v := range state.AckedCursors {
		w.AckedCursors[k.String()] = v
	}
	for _, u := range state.Undelivered {
		w.Undelivered = append(w.Undelivered, wireUndeliveredFrame{
			ConversationID: u.ConversationID.String(),
			Frame:          u.Frame,
		})
	}
	return w
}

func fromWire(w wireState) hub.ResumeState {
	state := hub.ResumeState{
		AckedCursors: make(map[uuid.UUID]uint64, len(w.AckedCursors)),
		Missed:       w.Missed,
	}
	for k, v := range w.AckedCursors {
		if id, err := uuid.Parse(k); err == nil {
			state.AckedCursors[id] = v
		}
	}
	for _, u := range w.Undelivered {
		id, err := uuid.Parse(u.ConversationID)
		if err != nil {
			continue
		}
		state.Undelivered = append(state.Undelivered, hub.UndeliveredFrame{ConversationID: id, Frame: u.Frame})
	}
	return state
}

var _ hub.ResumeStore = (*Store)(nil)
