package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/relaywire/core/internal/apperr"
)

// errorResponse mirrors the teacher's correlation-id-bearing error shape,
// adding the machine-readable `code` spec.md §7 requires clients be able to
// branch on.
type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// statusFor maps spec.md §7's transport-neutral error kinds onto the HTTP
// status codes §6 enumerates per endpoint.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Auth:
		return http.StatusUnauthorized
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict, apperr.SequencerContention:
		return http.StatusConflict
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError translates any error into the HTTP response spec.md §7
// describes: Validation/Auth surface verbatim with their code; anything
// that isn't an *apperr.Error is treated as Internal and logged with a
// correlation id, never the raw error text, to the client.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := err.(*apperr.Error)
	if !ok {
		appErr = apperr.Wrap(apperr.Internal, "internal_error", "unexpected error", err)
	}

	correlationID := GetCorrelationID(r.Context())
	if appErr.Kind == apperr.RateLimited && appErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfterSeconds))
	}

	if appErr.Kind == apperr.Internal {
		log.Ctx(r.Context()).Error().Err(appErr).Str("correlation_id", correlationID).Msg("internal error")
	}

	writeJSON(w, statusFor(appErr.Kind), errorResponse{
		Error:         appErr.Message,
		Code:          appErr.Code,
		CorrelationID: correlationID,
	})
}
