package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/ingest"
)

// ResumeStore is the narrow surface the Hub needs from internal/resume —
// named here (not there) so the Hub's port is the one that matters to its
// own tests; internal/resume.Store satisfies it.
type ResumeStore interface {
	Load(ctx context.Context, deviceID string) (ResumeState, error)
	Persist(ctx context.Context, deviceID string, state ResumeState) error
	Drop(ctx context.Context, deviceID string) error
	PushUndelivered(ctx context.Context, deviceID string, conversationID uuid.UUID, frame Frame) (droppedOldest bool)
}

// ResumeState mirrors spec.md §3's DeviceSession/ResumeState split: the
// Hub owns the live DeviceSession (Session, in session.go); this is its persisted
// snapshot shape.
type ResumeState struct {
	AckedCursors map[uuid.UUID]uint64
	Undelivered  []UndeliveredFrame
	Missed       bool
}

type UndeliveredFrame struct {
	ConversationID uuid.UUID
	Frame          Frame
}

// Config tunes the timers and bounds spec.md §4.F/§5 fix as defaults.
type Config struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DrainTimeout      time.Duration
}

// Hub is the process-wide registry of live device connections (spec.md
// §4.F). It never touches the network directly — internal/wsapi owns the
// actual coder/websocket connection and pumps frames through a Session's
// Outbound channel.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // deviceId -> session
	subsIdx  map[uuid.UUID]map[string]bool  // conversationId -> connected deviceIds
	known    map[uuid.UUID]map[string]bool  // conversationId -> every deviceId ever subscribed (for offline buffering)

	resume ResumeStore
	cfg    Config
	log    zerolog.Logger
}

func New(resume ResumeStore, cfg Config, log zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		subsIdx:  make(map[uuid.UUID]map[string]bool),
		known:    make(map[uuid.UUID]map[string]bool),
		resume:   resume,
		cfg:      cfg,
		log:      log.With().Str("component", "hub").Logger(),
	}
}

// Register creates and stores a new Session in Handshaking state. The
// caller (wsapi) is responsible for moving it to Authenticated once the
// auth collaborator validates the token, within cfg.HandshakeTimeout.
func (h *Hub) Register(deviceID, sessionID string, userID, accountID uuid.UUID, cancel context.CancelFunc) *Session {
	s := newSession(deviceID, sessionID, userID, accountID, cancel)
	h.mu.Lock()
	if existing, ok := h.sessions[deviceID]; ok {
		// A device reconnecting without cleanly closing its previous
		// socket: the new connection wins, the old one is forced closed.
		h.mu.Unlock()
		h.closeSession(existing, CloseGoingAway)
		h.mu.Lock()
	}
	h.sessions[deviceID] = s
	h.mu.Unlock()
	return s
}

// Authenticate moves Handshaking → Authenticated.
func (h *Hub) Authenticate(s *Session) bool {
	return s.transition(Authenticated)
}

// Subscribe adds conversationID to both the session's own subscription set
// and the Hub's inverted index, which is keyed by device ID (never a
// session pointer) precisely so an abruptly-closed session can't leak
// through the index (Design Notes "cyclic references").
func (h *Hub) Subscribe(s *Session, conversationID uuid.UUID) {
	s.subscribe(conversationID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subsIdx[conversationID] == nil {
		h.subsIdx[conversationID] = make(map[string]bool)
	}
	h.subsIdx[conversationID][s.DeviceID] = true
	if h.known[conversationID] == nil {
		h.known[conversationID] = make(map[string]bool)
	}
	h.known[conversationID][s.DeviceID] = true
}

func (h *Hub) Unsubscribe(s *Session, conversationID uuid.UUID) {
	s.unsubscribe(conversationID)
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subsIdx[conversationID], s.DeviceID)
}

// BeginResume moves Authenticated → Resuming. The caller (wsapi, driven by
// internal/replay) is responsible for suppressing new live frames on this
// session's subscribed conversations until CompleteResume is called —
// Publish below checks the session's state and buffers accordingly.
func (h *Hub) BeginResume(s *Session) bool {
	return s.transition(Resuming)
}

// CompleteResume atomically switches Resuming → Live and drains any frames
// the session buffered (in deliverToSession's Resuming branch) while replay was running,
// preserving per-conversation seq order.
func (h *Hub) CompleteResume(s *Session) {
	if !s.transition(Live) {
		return
	}
	s.mu.Lock()
	buffered := s.resumeBuffer
	s.resumeBuffer = nil
	s.mu.Unlock()
	for _, f := range buffered {
		if slow := s.enqueue(f); slow {
			h.closeSession(s, CloseSlowConsumer)
			return
		}
	}
}

// GoLive is used by connections that reconnect without a resume token —
// there is nothing to replay, so they go straight to Live.
func (h *Hub) GoLive(s *Session) bool {
	return s.transition(Live)
}

// Publish implements ingest.Publisher: fan a just-persisted message out to
// every subscribed, connected device, and buffer it for subscribed devices
// that are currently offline (spec.md §4.F "Fan-out on MessagePersisted").
func (h *Hub) Publish(ctx context.Context, ev ingest.Event) {
	h.mu.RLock()
	connected := h.subsIdx[ev.ConversationID]
	known := h.known[ev.ConversationID]
	var sessions []*Session
	var offline []string
	for deviceID := range known {
		if connected[deviceID] {
			if s, ok := h.sessions[deviceID]; ok {
				sessions = append(sessions, s)
				continue
			}
		}
		offline = append(offline, deviceID)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		h.deliverToSession(s, ev)
	}
	for _, deviceID := range offline {
		h.bufferOffline(ctx, deviceID, ev)
	}
}

func (h *Hub) deliverToSession(s *Session, ev ingest.Event) {
	if s.UserID == ev.Message.SenderID {
		// "D1 receives nothing over the hub (echo suppressed)" — S2.
		return
	}
	frame := messageFrame(s, ev)

	switch s.State() {
	case Resuming:
		s.mu.Lock()
		s.resumeBuffer = append(s.resumeBuffer, frame)
		s.mu.Unlock()
		return
	case Live:
		if slow := s.enqueue(frame); slow {
			h.closeSession(s, CloseSlowConsumer)
		}
	default:
		// Handshaking/Authenticated/Draining/Closed: treat as offline.
		s.markMissed()
	}
}

func (h *Hub) bufferOffline(ctx context.Context, deviceID string, ev ingest.Event) {
	if h.resume == nil {
		return
	}
	frame := Frame{
		Type: FrameMessage,
		ID:   ev.Message.ID.String(),
		Payload: MessagePayload{Data: MessagePayloadData{
			MessageID:      ev.Message.ID,
			ConversationID: ev.ConversationID,
			SenderID:       ev.Message.SenderID,
			Type:           string(ev.Message.Type),
			Content:        ev.Message.EncryptedContent,
			Seq:            ev.Message.Seq,
			CreatedAtMs:    ev.Message.CreatedAt.UnixMilli(),
		}},
	}
	if dropped := h.resume.PushUndelivered(ctx, deviceID, ev.ConversationID, frame); dropped {
		h.log.Info().Str("deviceId", deviceID).Msg("undelivered ring full, dropped oldest frame")
	}
}

func messageFrame(s *Session, ev ingest.Event) Frame {
	return Frame{
		Type:           FrameMessage,
		Seq:            s.nextOutboundSeq(),
		ID:             ev.Message.ID.String(),
		ConversationID: ev.ConversationID.String(),
		Payload: MessagePayload{Data: MessagePayloadData{
			MessageID:      ev.Message.ID,
			ConversationID: ev.ConversationID,
			SenderID:       ev.Message.SenderID,
			Type:           string(ev.Message.Type),
			Content:        ev.Message.EncryptedContent,
			Seq:            ev.Message.Seq,
			CreatedAtMs:    ev.Message.CreatedAt.UnixMilli(),
		}},
	}
}

// Ack records a client ack against the session's per-conversation cursor.
func (h *Hub) Ack(s *Session, conversationID uuid.UUID, seq uint64) {
	s.ack(conversationID, seq)
}

// AckedCursor exposes the session's per-conversation acked cursor to
// internal/replay without letting it reach into Session's unexported state.
func (h *Hub) AckedCursor(s *Session, conversationID uuid.UUID) uint64 {
	return s.ackedCursorFor(conversationID)
}

// EnqueueReplayFrame delivers a single replay-tagged frame, applying the
// same backpressure policy as live fan-out: a full queue drops the oldest
// and forces a SLOW_CONSUMER close once the threshold is crossed.
func (h *Hub) EnqueueReplayFrame(s *Session, f Frame) {
	f.Replay = true
	f.Seq = s.nextOutboundSeq()
	if slow := s.enqueue(f); slow {
		h.closeSession(s, CloseSlowConsumer)
	}
}

// EmitEvent enqueues a non-message event frame (e.g. ws_replay_complete).
func (h *Hub) EmitEvent(s *Session, f Frame) {
	f.Type = FrameEvent
	if slow := s.enqueue(f); slow {
		h.closeSession(s, CloseSlowConsumer)
	}
}

// BeginDraining moves Live/Resuming → Draining, used for both graceful
// client-initiated close and server shutdown.
func (h *Hub) BeginDraining(s *Session) bool {
	return s.transition(Draining)
}

// Drain flushes whatever is already queued, bounded by cfg.DrainTimeout,
// then snapshots ResumeState and closes the session.
func (h *Hub) Drain(ctx context.Context, s *Session) {
	deadline := time.NewTimer(h.cfg.drainTimeout())
	defer deadline.Stop()
drain:
	for {
		select {
		case <-deadline.C:
			break drain
		case <-s.Outbound:
		default:
			break drain
		}
	}
	h.snapshotResume(ctx, s)
	h.closeSession(s, CloseGoingAway)
}

func (c Config) drainTimeout() time.Duration {
	if c.DrainTimeout <= 0 {
		return 5 * time.Second
	}
	return c.DrainTimeout
}

// snapshotResume persists the session's ResumeState; called on graceful
// disconnect, Draining entry, and the periodic 15s tick (spec.md §4.G).
func (h *Hub) snapshotResume(ctx context.Context, s *Session) {
	if h.resume == nil {
		return
	}
	s.mu.Lock()
	cursors := make(map[uuid.UUID]uint64, len(s.ackedCursor))
	for k, v := range s.ackedCursor {
		cursors[k] = v
	}
	missed := s.missed
	s.mu.Unlock()

	if err := h.resume.Persist(ctx, s.DeviceID, ResumeState{AckedCursors: cursors, Missed: missed}); err != nil {
		h.log.Warn().Err(err).Str("deviceId", s.DeviceID).Msg("failed to persist resume state")
		return
	}
	s.clearDirty()
}

// PersistDirtySessions is the periodic-15s tick entry point: persist every
// live session with state dirty since its last snapshot.
func (h *Hub) PersistDirtySessions(ctx context.Context) {
	h.mu.RLock()
	var dirty []*Session
	for _, s := range h.sessions {
		if s.State() == Live && s.isDirty() {
			dirty = append(dirty, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range dirty {
		h.snapshotResume(ctx, s)
	}
}

// Unregister removes a session from every index. Called once the
// connection is fully closed (after Drain, or immediately on an ungraceful
// disconnect).
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.DeviceID]; ok && cur == s {
		delete(h.sessions, s.DeviceID)
	}
	for _, conv := range s.subscribedConversations() {
		delete(h.subsIdx[conv], s.DeviceID)
	}
	h.mu.Unlock()
	s.close()
}

func (h *Hub) closeSession(s *Session, code CloseCode) {
	s.transition(Draining)
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	h.Unregister(s)
	h.log.Info().Str("deviceId", s.DeviceID).Int("code", int(code)).Msg("session closed")
}

// Broadcast moves every live session into Draining, used ahead of
// Shutdown to stop accepting new live frames before the drain deadline.
func (h *Hub) Broadcast(code CloseCode, reason string) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		h.BeginDraining(s)
	}
}

// Shutdown drains every live session with the shared deadline from
// spec.md §5 ("drains existing sessions for up to 30 s, then force-closes").
func (h *Hub) Shutdown(ctx context.Context, timeout time.Duration) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			h.BeginDraining(s)
			h.Drain(ctx, s)
		}(s)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		h.mu.RLock()
		remaining := make([]*Session, 0, len(h.sessions))
		for _, s := range h.sessions {
			remaining = append(remaining, s)
		}
		h.mu.RUnlock()
		for _, s := range remaining {
			h.closeSession(s, CloseGoingAway)
		}
	}
}

// SessionCount reports the number of currently-registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

var _ ingest.Publisher = (*Hub)(nil)
