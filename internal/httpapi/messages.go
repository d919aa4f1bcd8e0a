package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaywire/core/internal/apperr"
	"github.com/relaywire/core/internal/auth"
	"github.com/relaywire/core/internal/ingest"
	"github.com/relaywire/core/internal/model"
	"github.com/relaywire/core/internal/store"
	"github.com/relaywire/core/internal/syncx"
)

// postMessageReq is the POST /v1/messages body per spec.md §6.
type postMessageReq struct {
	ConversationID   uuid.UUID         `json:"conversationId"`
	SenderID         uuid.UUID         `json:"senderId"`
	Type             model.MessageType `json:"type"`
	EncryptedContent string            `json:"encryptedContent"`
	PayloadSizeBytes int               `json:"payloadSizeBytes"`
}

type postMessageResp struct {
	ID        uuid.UUID `json:"id"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// PostMessage implements POST /v1/messages. Status is 201 on new persist,
// 200 on idempotent replay (spec.md §4.E, the "Open question" this spec
// resolves in favor of that split).
func (s *Server) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, r, apperr.Validationf("invalid_json", "request body is not valid JSON"))
		return
	}

	cmd := ingest.SendCommand{
		ConversationID:      req.ConversationID,
		SenderID:            req.SenderID,
		Type:                req.Type,
		EncryptedContentB64: req.EncryptedContent,
		PayloadSizeBytes:    req.PayloadSizeBytes,
		IdempotencyKey:      r.Header.Get("Idempotency-Key"),
	}
	authCtx := ingest.AuthContext{
		UserID:    auth.UserID(r.Context()),
		AccountID: auth.AccountID(r.Context()),
		DeviceID:  GetDeviceID(r.Context()),
		SessionID: GetSessionID(r.Context()),
	}

	start := time.Now()
	msg, replayed, err := s.Ingest.Send(r.Context(), cmd, authCtx)
	if s.Metrics != nil {
		s.Metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
		if s.Metrics != nil {
			s.Metrics.MessagesReplayed.WithLabelValues("send").Inc()
		}
	} else if s.Metrics != nil {
		s.Metrics.MessagesIngested.Inc()
	}

	writeJSON(w, status, postMessageResp{ID: msg.ID, Seq: msg.Seq, CreatedAt: msg.CreatedAt})
}

type listMessagesResp struct {
	Items      []messageDTO `json:"items"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

type messageDTO struct {
	ID               uuid.UUID  `json:"id"`
	ConversationID   uuid.UUID  `json:"conversationId"`
	SenderID         uuid.UUID  `json:"senderId"`
	Type             string     `json:"type"`
	EncryptedContent []byte     `json:"encryptedContent"`
	PayloadSizeBytes int        `json:"payloadSizeBytes"`
	Seq              uint64     `json:"seq"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
	ReadAt           *time.Time `json:"readAt,omitempty"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
}

func toMessageDTO(m model.Message) messageDTO {
	return messageDTO{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		Type:             string(m.Type),
		EncryptedContent: m.EncryptedContent,
		PayloadSizeBytes: m.PayloadSizeBytes,
		Seq:              m.Seq,
		Status:           string(m.Status),
		CreatedAt:        m.CreatedAt,
		DeliveredAt:      m.DeliveredAt,
		ReadAt:           m.ReadAt,
		DeletedAt:        m.DeletedAt,
	}
}

// ListConversationMessages implements
// GET /v1/messages/conversation/{id}?limit&cursor&before&after&type&includeDeleted
// (spec.md §4.A list / §6). The wire cursor is opaque base64, decoded via
// internal/syncx — the same codec the teacher's REST list handlers use for
// (updated_at_ms, uid) pagination, here keying on (createdAt, id) instead.
func (s *Server) ListConversationMessages(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, apperr.Validationf("invalid_conversation_id", "id must be a valid UUID"))
		return
	}

	conv, err := s.Conversations.FindConversationByID(r.Context(), convID)
	if err != nil {
		writeAppError(w, r, notFoundOrInternal(err, "conversation_not_found", "conversation does not exist"))
		return
	}
	userID := auth.UserID(r.Context())
	if !conv.IsParticipant(userID) {
		writeAppError(w, r, apperr.New(apperr.Forbidden, "not_a_participant", "caller is not a current participant of this conversation"))
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)
	filter := model.ListFilter{
		ConversationID: &convID,
		IncludeDeleted: r.URL.Query().Get("includeDeleted") == "true",
	}
	if t := model.MessageType(r.URL.Query().Get("type")); t != "" {
		filter.Type = &t
	}
	if before, ok := parseTimeParam(r.URL.Query().Get("before")); ok {
		filter.Before = &before
	}
	if after, ok := parseTimeParam(r.URL.Query().Get("after")); ok {
		filter.After = &after
	}

	var cursor *store.Cursor
	if c, ok := syncx.DecodeCursor(r.URL.Query().Get("cursor")); ok {
		cursor = &store.Cursor{CreatedAtMs: c.Ms, ID: c.UID}
	}

	items, next, err := s.Messages.List(r.Context(), filter, cursor, limit)
	if err != nil {
		writeAppError(w, r, apperr.Wrap(apperr.Internal, "list_failed", "failed to list messages", err))
		return
	}

	dtos := make([]messageDTO, len(items))
	for i, m := range items {
		dtos[i] = toMessageDTO(m)
	}
	resp := listMessagesResp{Items: dtos}
	if next != nil {
		resp.NextCursor = syncx.EncodeCursor(syncx.Cursor{Ms: next.CreatedAtMs, UID: next.ID})
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseTimeParam(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func notFoundOrInternal(err error, code, msg string) error {
	if err == store.ErrNotFound {
		return apperr.New(apperr.NotFound, code, msg)
	}
	return apperr.Wrap(apperr.Internal, "lookup_failed", "failed to load resource", err)
}
