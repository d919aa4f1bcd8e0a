// Package wsapi is the /ws HTTP handler: it owns the actual coder/websocket
// connection and pumps frames between it and a hub.Session's Outbound
// channel. The Hub itself never touches the network (Design Notes); this
// is the only package that does.
package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/apperr"
	"github.com/relaywire/core/internal/hub"
	"github.com/relaywire/core/internal/ratelimit"
	"github.com/relaywire/core/internal/replay"
	"github.com/relaywire/core/internal/store"
)

// writeDeadline bounds every outbound frame write (spec.md §5).
const writeDeadline = 10 * time.Second

// Verifier is the external JWT collaborator (spec.md §1 "out of scope");
// internal/auth.Middleware implements the HTTP-side equivalent, this is the
// WS-side hook since there is no per-request middleware chain on a single
// long-lived connection.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID uuid.UUID, accountID uuid.UUID, err error)
}

type Handler struct {
	hub           *hub.Hub
	replay        *replay.Engine
	conversations store.ConversationsRead
	verifier      Verifier
	limiter       *ratelimit.Limiter
	cfg           hub.Config
	log           zerolog.Logger
}

func New(h *hub.Hub, r *replay.Engine, conversations store.ConversationsRead, verifier Verifier, limiter *ratelimit.Limiter, cfg hub.Config, log zerolog.Logger) *Handler {
	return &Handler{
		hub:           h,
		replay:        r,
		conversations: conversations,
		verifier:      verifier,
		limiter:       limiter,
		cfg:           cfg,
		log:           log.With().Str("component", "wsapi").Logger(),
	}
}

// inboundFrame is the union of every client→server frame shape in §6.
type inboundFrame struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	Seq            uint64 `json:"seq"`
	Nonce          string `json:"nonce"`
	ConversationID string `json:"conversationId"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("x-device-id")
	sessionID := r.Header.Get("x-session-id")
	if deviceID == "" || sessionID == "" {
		http.Error(w, "x-device-id and x-session-id are required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"bearer"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := h.hub.Register(deviceID, sessionID, uuid.Nil, uuid.Nil, cancel)

	handshakeCtx, handshakeCancel := context.WithTimeout(ctx, h.handshakeTimeout())
	defer handshakeCancel()

	userID, accountID, err := h.authenticate(handshakeCtx, r, conn)
	if err != nil {
		h.log.Info().Str("deviceId", deviceID).Err(err).Msg("authentication failed")
		code := websocket.StatusCode(hub.CloseAuthFailed)
		if handshakeCtx.Err() != nil {
			code = websocket.StatusCode(hub.CloseAuthTimeout)
		}
		conn.Close(code, "auth failed")
		h.hub.Unregister(session)
		cancel()
		return
	}
	session.UserID = userID
	session.AccountID = accountID
	h.hub.Authenticate(session)

	go h.writePump(ctx, conn, session)
	h.readPump(ctx, conn, session, r)
}

func (h *Handler) handshakeTimeout() time.Duration {
	if h.cfg.HandshakeTimeout <= 0 {
		return 10 * time.Second
	}
	return h.cfg.HandshakeTimeout
}

// authenticate resolves the bearer token from Authorization or the ws
// subprotocol, per spec.md §6 "Authorization (or subprotocol)".
func (h *Handler) authenticate(ctx context.Context, r *http.Request, conn *websocket.Conn) (uuid.UUID, uuid.UUID, error) {
	token := bearerToken(r)
	if token == "" {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.Auth, "missing_token", "no bearer token presented")
	}
	return h.verifier.Verify(ctx, token)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	for _, proto := range websocketProtocols(r) {
		if strings.HasPrefix(proto, "bearer.") {
			return strings.TrimPrefix(proto, "bearer.")
		}
	}
	return ""
}

func websocketProtocols(r *http.Request) []string {
	h := r.Header.Get("Sec-WebSocket-Protocol")
	if h == "" {
		return nil
	}
	parts := strings.Split(h, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// writePump serializes Session.Outbound frames to the wire and drives the
// heartbeat ticker, mirroring the select-loop shape of a conventional
// WS writer pump: one goroutine per connection, never blocking on a slow
// peer longer than writeDeadline.
func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, session *hub.Session) {
	ticker := time.NewTicker(h.heartbeatInterval())
	defer ticker.Stop()

	h.sendHello(ctx, conn)

	for {
		select {
		case frame, ok := <-session.Outbound:
			if !ok {
				return
			}
			if err := h.writeFrame(ctx, conn, frame); err != nil {
				h.log.Debug().Err(err).Str("deviceId", session.DeviceID).Msg("write failed, closing")
				return
			}
		case <-ticker.C:
			if err := h.writeFrame(ctx, conn, hub.Frame{Type: hub.FramePing}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) sendHello(ctx context.Context, conn *websocket.Conn) {
	_ = h.writeFrame(ctx, conn, hub.Frame{Type: hub.FrameHello, ServerTimeMs: time.Now().UnixMilli()})
}

func (h *Handler) writeFrame(ctx context.Context, conn *websocket.Conn, frame hub.Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (h *Handler) heartbeatInterval() time.Duration {
	if h.cfg.HeartbeatInterval <= 0 {
		return 25 * time.Second
	}
	return h.cfg.HeartbeatInterval
}

func (h *Handler) heartbeatTimeout() time.Duration {
	if h.cfg.HeartbeatTimeout <= 0 {
		return 55 * time.Second
	}
	return h.cfg.HeartbeatTimeout
}

// readPump owns the session end-to-end: it resolves subscriptions, kicks
// off resume-or-live, reads inbound frames until the connection drops, and
// always ends by draining and unregistering the session.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, session *hub.Session, r *http.Request) {
	defer func() {
		h.hub.BeginDraining(session)
		h.hub.Drain(context.WithoutCancel(ctx), session)
	}()

	conversations, err := h.conversations.ListForUser(ctx, session.UserID)
	if err != nil {
		h.log.Warn().Err(err).Str("deviceId", session.DeviceID).Msg("failed to resolve subscriptions")
	}
	convIDs := make([]uuid.UUID, 0, len(conversations))
	for _, c := range conversations {
		h.hub.Subscribe(session, c.ID)
		convIDs = append(convIDs, c.ID)
	}

	if r.Header.Get("x-resume-token") != "" && h.hub.BeginResume(session) {
		go h.replay.Resume(context.WithoutCancel(ctx), session, convIDs)
	} else {
		h.hub.GoLive(session)
	}

	lastPong := time.Now()
	for {
		readCtx, cancel := context.WithTimeout(ctx, h.heartbeatTimeout())
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if time.Since(lastPong) > h.heartbeatTimeout() {
				conn.Close(websocket.StatusCode(hub.CloseHeartbeatLost), "heartbeat lost")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "pong":
			lastPong = time.Now()
		case "ping":
			_ = h.writeFrame(ctx, conn, hub.Frame{Type: hub.FramePong, Nonce: frame.Nonce})
		case "ack":
			h.handleAck(session, frame)
		}
	}
}

// handleAck raises the session's per-conversation acked cursor. An ack for
// seq=N implicitly acks every seq<N of the same conversation (spec.md
// §4.F); Session.ack already treats the stored cursor as a monotonic max,
// so a rejected ack (status="rejected") is simply not applied here — the
// gap it represents will surface again on the next resume's replay.
func (h *Handler) handleAck(session *hub.Session, frame inboundFrame) {
	if frame.Status != "accepted" || frame.ConversationID == "" {
		return
	}
	convID, err := uuid.Parse(frame.ConversationID)
	if err != nil {
		return
	}
	h.hub.Ack(session, convID, frame.Seq)
}
