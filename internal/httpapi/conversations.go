package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaywire/core/internal/apperr"
	"github.com/relaywire/core/internal/auth"
	"github.com/relaywire/core/internal/model"
)

type participantDTO struct {
	UserID     uuid.UUID  `json:"userId"`
	Role       string     `json:"role"`
	JoinedAt   time.Time  `json:"joinedAt"`
	LeftAt     *time.Time `json:"leftAt,omitempty"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

type conversationDTO struct {
	ID                 uuid.UUID        `json:"id"`
	Type               string           `json:"type"`
	Participants       []participantDTO `json:"participants"`
	WhoCanAddPartipant string           `json:"whoCanAddParticipants"`
	LastMessageID      *uuid.UUID       `json:"lastMessageId,omitempty"`
	LastMessagePreview string           `json:"lastMessagePreview,omitempty"`
	LastMessageAt      *time.Time       `json:"lastMessageAt,omitempty"`
	DeletedAt          *time.Time       `json:"deletedAt,omitempty"`
}

func toConversationDTO(c model.Conversation) conversationDTO {
	participants := make([]participantDTO, len(c.Participants))
	for i, p := range c.Participants {
		participants[i] = participantDTO{
			UserID: p.UserID, Role: string(p.Role), JoinedAt: p.JoinedAt,
			LeftAt: p.LeftAt, LastReadAt: p.LastReadAt,
		}
	}
	return conversationDTO{
		ID: c.ID, Type: string(c.Type), Participants: participants,
		WhoCanAddPartipant: string(c.Settings.WhoCanAddParticipants),
		LastMessageID:      c.LastMessageID,
		LastMessagePreview: c.LastMessagePreview,
		LastMessageAt:      c.LastMessageAt,
		DeletedAt:          c.DeletedAt,
	}
}

type createConversationReq struct {
	Type                  model.ConversationType `json:"type"`
	ParticipantUserIDs    []uuid.UUID            `json:"participantUserIds"`
	WhoCanAddParticipants model.ParticipantRole  `json:"whoCanAddParticipants"`
}

// CreateConversation implements POST /v1/conversations (spec.md §3): the
// caller is always seeded as the owner; direct conversations must name
// exactly one other participant, giving exactly two distinct members.
func (s *Server) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, r, apperr.Validationf("invalid_json", "request body is not valid JSON"))
		return
	}
	if req.Type != model.ConversationDirect && req.Type != model.ConversationGroup {
		writeAppError(w, r, apperr.Validationf("invalid_type", "type must be %q or %q", model.ConversationDirect, model.ConversationGroup))
		return
	}
	if req.Type == model.ConversationDirect && len(req.ParticipantUserIDs) != 1 {
		writeAppError(w, r, apperr.Validationf("invalid_direct_participants", "direct conversations require exactly one other participant"))
		return
	}

	owner := auth.UserID(r.Context())
	now := time.Now().UTC()
	seen := map[uuid.UUID]bool{owner: true}
	participants := []model.Participant{{UserID: owner, Role: model.RoleOwner, JoinedAt: now}}
	for _, uid := range req.ParticipantUserIDs {
		if uid == uuid.Nil || seen[uid] {
			continue
		}
		seen[uid] = true
		participants = append(participants, model.Participant{UserID: uid, Role: model.RoleMember, JoinedAt: now})
	}
	if req.Type == model.ConversationDirect && len(participants) != 2 {
		writeAppError(w, r, apperr.Validationf("invalid_direct_participants", "direct conversations require exactly two distinct participants"))
		return
	}

	whoCanAdd := req.WhoCanAddParticipants
	if whoCanAdd == "" {
		whoCanAdd = model.RoleMember
	}

	conv, err := s.ConvWrite.Create(r.Context(), model.Conversation{
		Type:         req.Type,
		Participants: participants,
		Settings:     model.ConversationSettings{WhoCanAddParticipants: whoCanAdd},
	})
	if err != nil {
		writeAppError(w, r, apperr.Wrap(apperr.Internal, "create_failed", "failed to create conversation", err))
		return
	}
	writeJSON(w, http.StatusCreated, toConversationDTO(conv))
}

// GetConversation implements GET /v1/conversations/{id}; only current
// participants may read it.
func (s *Server) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadParticipantConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toConversationDTO(*conv))
}

// ListConversations implements GET /v1/conversations for the caller.
func (s *Server) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	convs, err := s.Conversations.ListForUser(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, apperr.Wrap(apperr.Internal, "list_failed", "failed to list conversations", err))
		return
	}
	dtos := make([]conversationDTO, len(convs))
	for i, c := range convs {
		dtos[i] = toConversationDTO(c)
	}
	writeJSON(w, http.StatusOK, struct {
		Items []conversationDTO `json:"items"`
	}{Items: dtos})
}

type addParticipantReq struct {
	UserID uuid.UUID             `json:"userId"`
	Role   model.ParticipantRole `json:"role"`
}

// AddParticipant implements POST /v1/conversations/{id}/participants.
// Direct conversations are immutable in membership (spec.md §3 invariant);
// who may add is gated by the conversation's whoCanAddParticipants setting.
func (s *Server) AddParticipant(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadParticipantConversation(w, r)
	if !ok {
		return
	}
	if conv.Type == model.ConversationDirect {
		writeAppError(w, r, apperr.New(apperr.Forbidden, "direct_immutable", "direct conversation membership cannot change"))
		return
	}
	caller, _ := conv.Participant(auth.UserID(r.Context()))
	if !roleAtLeast(caller.Role, conv.Settings.WhoCanAddParticipants) {
		writeAppError(w, r, apperr.New(apperr.Forbidden, "insufficient_role", "caller's role cannot add participants"))
		return
	}

	var req addParticipantReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == uuid.Nil {
		writeAppError(w, r, apperr.Validationf("invalid_json", "userId is required"))
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleMember
	}

	if err := s.ConvWrite.AddParticipant(r.Context(), conv.ID, model.Participant{
		UserID: req.UserID, Role: role, JoinedAt: time.Now().UTC(),
	}); err != nil {
		writeAppError(w, r, apperr.Wrap(apperr.Internal, "add_participant_failed", "failed to add participant", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveParticipant implements DELETE
// /v1/conversations/{id}/participants/{userId}. Owners cannot be removed
// (spec.md §3 invariant).
func (s *Server) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadParticipantConversation(w, r)
	if !ok {
		return
	}
	if conv.Type == model.ConversationDirect {
		writeAppError(w, r, apperr.New(apperr.Forbidden, "direct_immutable", "direct conversation membership cannot change"))
		return
	}
	target, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		writeAppError(w, r, apperr.Validationf("invalid_user_id", "userId must be a valid UUID"))
		return
	}
	targetParticipant, ok2 := conv.Participant(target)
	if ok2 && targetParticipant.Role == model.RoleOwner {
		writeAppError(w, r, apperr.New(apperr.Forbidden, "owner_immutable", "the conversation owner cannot be removed"))
		return
	}

	if err := s.ConvWrite.RemoveParticipant(r.Context(), conv.ID, target, time.Now().UTC()); err != nil {
		writeAppError(w, r, notFoundOrInternal(err, "participant_not_found", "participant not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateParticipantRole implements PUT
// /v1/conversations/{id}/participants/{userId}/role.
func (s *Server) UpdateParticipantRole(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadParticipantConversation(w, r)
	if !ok {
		return
	}
	target, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		writeAppError(w, r, apperr.Validationf("invalid_user_id", "userId must be a valid UUID"))
		return
	}
	var req struct {
		Role model.ParticipantRole `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Role == "" {
		writeAppError(w, r, apperr.Validationf("invalid_json", "role is required"))
		return
	}

	if err := s.ConvWrite.UpdateParticipantRole(r.Context(), conv.ID, target, req.Role); err != nil {
		writeAppError(w, r, notFoundOrInternal(err, "participant_not_found", "participant not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead implements POST /v1/conversations/{id}/read, advancing the
// caller's lastReadAt.
func (s *Server) MarkRead(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.loadParticipantConversation(w, r)
	if !ok {
		return
	}
	if err := s.ConvWrite.MarkRead(r.Context(), conv.ID, auth.UserID(r.Context()), time.Now().UTC()); err != nil {
		writeAppError(w, r, apperr.Wrap(apperr.Internal, "mark_read_failed", "failed to mark conversation read", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadParticipantConversation resolves the {id} URL param and checks that
// the caller is a current participant, writing the appropriate error and
// returning ok=false otherwise.
func (s *Server) loadParticipantConversation(w http.ResponseWriter, r *http.Request) (*model.Conversation, bool) {
	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, apperr.Validationf("invalid_conversation_id", "id must be a valid UUID"))
		return nil, false
	}
	conv, err := s.Conversations.FindConversationByID(r.Context(), convID)
	if err != nil {
		writeAppError(w, r, notFoundOrInternal(err, "conversation_not_found", "conversation does not exist"))
		return nil, false
	}
	if !conv.IsParticipant(auth.UserID(r.Context())) {
		writeAppError(w, r, apperr.New(apperr.Forbidden, "not_a_participant", "caller is not a current participant of this conversation"))
		return nil, false
	}
	return conv, true
}

// roleAtLeast reports whether role meets or exceeds the minimum required
// role in the owner > admin > member ordering spec.md §3 implies.
func roleAtLeast(role, min model.ParticipantRole) bool {
	rank := map[model.ParticipantRole]int{model.RoleMember: 0, model.RoleAdmin: 1, model.RoleOwner: 2}
	return rank[role] >= rank[min]
}
