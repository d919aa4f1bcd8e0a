// Package httpapi is the HTTP transport for spec.md §6: POST/GET
// /v1/messages, conversation and participant CRUD, /health and /metrics.
// Message validation lives in internal/ingest; the conversation and
// participant rules are enforced by this package's handlers, on top of
// plain store CRUD. The rest is request decoding, auth/rate-limit
// middleware wiring, and apperr→HTTP mapping.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/auth"
	"github.com/relaywire/core/internal/hub"
	"github.com/relaywire/core/internal/ingest"
	"github.com/relaywire/core/internal/metrics"
	"github.com/relaywire/core/internal/ratelimit"
	"github.com/relaywire/core/internal/store"
)

// Server holds every dependency the HTTP handlers need. Everything here is
// an interface or a concrete pipeline type constructed once in cmd/server
// and shared across requests — there is no per-request state beyond what
// context.Context carries.
type Server struct {
	Ingest        *ingest.Pipeline
	Conversations store.ConversationsRead
	ConvWrite     store.ConversationsWrite
	Messages      store.MessagesRead
	Limiter       *ratelimit.Limiter
	Auth          *auth.Verifier
	Hub           *hub.Hub
	Metrics       *metrics.Metrics
	WS            http.Handler
	Log           zerolog.Logger
}

func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes builds the full router. Unauthenticated: /health, /metrics.
// /ws is mounted outside the middleware group and authenticates during its
// own handshake. Everything else requires s.Auth.Middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.Health)
	r.Handle("/metrics", s.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware)
		r.Use(DeviceMiddleware)

		r.Post("/v1/messages", s.PostMessage)
		r.Get("/v1/messages/conversation/{id}", s.ListConversationMessages)

		r.Post("/v1/conversations", s.CreateConversation)
		r.Get("/v1/conversations/{id}", s.GetConversation)
		r.Get("/v1/conversations", s.ListConversations)
		r.Post("/v1/conversations/{id}/participants", s.AddParticipant)
		r.Delete("/v1/conversations/{id}/participants/{userId}", s.RemoveParticipant)
		r.Put("/v1/conversations/{id}/participants/{userId}/role", s.UpdateParticipantRole)
		r.Post("/v1/conversations/{id}/read", s.MarkRead)
	})

	r.Handle("/ws", s.WS)

	return r
}
