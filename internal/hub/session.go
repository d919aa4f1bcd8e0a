// Package hub owns the set of live device connections (spec.md §4.F): the
// Session Hub. A Session is the per-connection state; the Hub below is the
// process-wide registry and fan-out router.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the connection lifecycle state machine: Handshaking →
// Authenticated → (Resuming | Live) → Draining → Closed.
type State int

const (
	Handshaking State = iota
	Authenticated
	Resuming
	Live
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Authenticated:
		return "authenticated"
	case Resuming:
		return "resuming"
	case Live:
		return "live"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameType enumerates the outbound/inbound WS frame kinds (spec.md §6).
type FrameType string

const (
	FrameHello   FrameType = "hello"
	FrameMessage FrameType = "message"
	FrameAck     FrameType = "ack"
	FramePing    FrameType = "ping"
	FramePong    FrameType = "pong"
	FrameEvent   FrameType = "event"
)

// CloseCode mirrors the WS close codes in spec.md §6.
type CloseCode int

const (
	CloseAuthTimeout   CloseCode = 4001
	CloseAuthFailed    CloseCode = 4002
	CloseSlowConsumer  CloseCode = 4003
	CloseHeartbeatLost CloseCode = 4004
	CloseGoingAway     CloseCode = 1001
)

// Frame is the envelope the Hub enqueues on a session's outbound queue and
// the wsapi writer pump serializes to JSON.
type Frame struct {
	Type           FrameType `json:"type"`
	Seq            uint64    `json:"seq,omitempty"`
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	Replay         bool      `json:"replay,omitempty"`

	// event-only fields, flattened rather than nested so wsapi can encode
	// ws_replay_complete frames with the exact shape spec.md §6 shows.
	Name         string `json:"name,omitempty"`
	ReplayCount  int    `json:"replayCount,omitempty"`
	Batches      int    `json:"batches,omitempty"`
	ServerTimeMs int64  `json:"serverTime,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
}

// MessagePayload is the data carried by a "message" frame.
type MessagePayload struct {
	Data MessagePayloadData `json:"data"`
}

type MessagePayloadData struct {
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
	SenderID       uuid.UUID `json:"senderId"`
	Type           string    `json:"type"`
	Content        []byte    `json:"encryptedContent"`
	Seq            uint64    `json:"seq"`
	CreatedAtMs    int64     `json:"createdAt"`
}

// outboundQueueSize bounds each session's mailbox; exceeding it triggers
// the drop-oldest-then-disconnect backpressure policy in Session.enqueue.
const outboundQueueSize = 1024

// slowConsumerThreshold is the number of dropped frames that forces a
// SLOW_CONSUMER close.
const slowConsumerThreshold = 16

// Session is one device's live connection. It references the Hub only
// through the bounded Outbound channel it owns — never a back-pointer —
// so an abruptly closed connection can never leak through a reference the
// Hub still holds (Design Notes "cyclic references").
type Session struct {
	DeviceID  string
	SessionID string
	UserID    uuid.UUID
	AccountID uuid.UUID

	Outbound chan Frame

	mu             sync.Mutex
	state          State
	subscriptions  map[uuid.UUID]struct{}
	ackedCursor    map[uuid.UUID]uint64
	outboundCursor uint64
	dropped        int
	missed         bool
	dirty          bool
	resumeBuffer   []Frame

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(deviceID, sessionID string, userID, accountID uuid.UUID, cancel context.CancelFunc) *Session {
	return &Session{
		DeviceID:      deviceID,
		SessionID:     sessionID,
		UserID:        userID,
		AccountID:     accountID,
		Outbound:      make(chan Frame, outboundQueueSize),
		state:         Handshaking,
		subscriptions: make(map[uuid.UUID]struct{}),
		ackedCursor:   make(map[uuid.UUID]uint64),
		cancel:        cancel,
		closed:        make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transitionTable enumerates the only legal moves; anything else is a bug
// in the caller, not a runtime condition to recover from gracefully.
var transitionTable = map[State]map[State]bool{
	Handshaking:   {Authenticated: true, Closed: true},
	Authenticated: {Resuming: true, Live: true, Closed: true},
	Resuming:      {Live: true, Draining: true, Closed: true},
	Live:          {Draining: true, Closed: true},
	Draining:      {Closed: true},
}

func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !transitionTable[s.state][to] {
		return false
	}
	s.state = to
	return true
}

func (s *Session) subscribe(conversationID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[conversationID] = struct{}{}
}

func (s *Session) unsubscribe(conversationID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, conversationID)
	delete(s.ackedCursor, conversationID)
}

func (s *Session) subscribedTo(conversationID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[conversationID]
	return ok
}

func (s *Session) subscribedConversations() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.subscriptions))
	for c := range s.subscriptions {
		out = append(out, c)
	}
	return out
}

func (s *Session) ack(conversationID uuid.UUID, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// "An ack for seq=N implicitly acks all seq<N of the same conversation"
	// — a monotonic max is exactly that, so later acks simply raise the bar.
	if seq > s.ackedCursor[conversationID] {
		s.ackedCursor[conversationID] = seq
	}
	s.dirty = true
}

func (s *Session) ackedCursorFor(conversationID uuid.UUID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackedCursor[conversationID]
}

func (s *Session) nextOutboundSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboundCursor++
	return s.outboundCursor
}

func (s *Session) markMissed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missed = true
	s.dirty = true
}

func (s *Session) isDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Session) clearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// enqueue implements the backpressure policy (spec.md §4.F): never block.
// A full queue drops the oldest frame, flags missed, and reports whether
// the session just crossed the slow-consumer threshold.
func (s *Session) enqueue(f Frame) (slowConsumer bool) {
	for {
		select {
		case s.Outbound <- f:
			return false
		default:
		}
		select {
		case <-s.Outbound:
			s.mu.Lock()
			s.dropped++
			s.missed = true
			s.dirty = true
			exceeded := s.dropped > slowConsumerThreshold
			s.mu.Unlock()
			if exceeded {
				return true
			}
		default:
			// Another goroutine drained concurrently; retry the send.
		}
	}
}

// close cancels the session's context (aborting in-flight enqueues for it
// alone) and closes the Outbound channel exactly once so the writer pump's
// range loop terminates cleanly.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.closed)
		close(s.Outbound)
	})
}

func (s *Session) done() <-chan struct{} {
	return s.closed
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
