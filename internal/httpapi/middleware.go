package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	deviceIDKey      contextKey = "deviceId"
	sessionIDKey     contextKey = "sessionId"
	correlationIDKey contextKey = "correlationId"
)

// DeviceMiddleware reads the x-device-id/x-session-id headers spec.md §6
// requires on POST /v1/messages (the HTTP-side equivalent of the WS
// handshake headers wsapi reads) and adds them to context so handlers and
// internal/ingest's rate-limit keys can reach them without re-parsing
// headers.
func DeviceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get("x-device-id")
		sessionID := r.Header.Get("x-session-id")

		ctx := r.Context()
		if deviceID != "" {
			ctx = context.WithValue(ctx, deviceIDKey, deviceID)
		}
		if sessionID != "" {
			ctx = context.WithValue(ctx, sessionIDKey, sessionID)
		}
		if deviceID != "" || sessionID != "" {
			logger := log.Ctx(ctx).With().Str("deviceId", deviceID).Str("sessionId", sessionID).Logger()
			ctx = logger.WithContext(ctx)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetDeviceID retrieves the x-device-id header value from context.
func GetDeviceID(ctx context.Context) string {
	if deviceID, ok := ctx.Value(deviceIDKey).(string); ok {
		return deviceID
	}
	return ""
}

// GetSessionID retrieves the x-session-id header value from context.
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(sessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// CorrelationMiddleware reads X-Correlation-ID header and adds it to context
// Generates a new correlation ID if client doesn't provide one
// This enables end-to-end request tracing across client and server logs
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Extract correlation ID from request header
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			// Generate one if client didn't provide it
			correlationID = uuid.New().String()
		}

		// Add to response headers for client verification
		w.Header().Set("X-Correlation-ID", correlationID)

		// Store in context for downstream handlers
		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)

		// Add to logger context for all logs in this request
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		r = r.WithContext(ctx)
		next.ServeHTTP(w, r)
	})
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}
