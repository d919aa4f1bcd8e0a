// Package auth validates the bearer tokens spec.md treats as coming from an
// external collaborator (§1 Non-goals: "JWT verification" is out of scope
// as a product concern, but the pipeline still needs something that turns a
// token into a userId/accountId — this is that pluggable boundary,
// grounded on the teacher's RS256/HS256 dual-mode Middleware).
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/apperr"
)

type ctxKey string

const (
	ctxUserID    ctxKey = "relaywire-userId"
	ctxAccountID ctxKey = "relaywire-accountId"
)

// Config holds the two supported verification modes: RS256 against a
// single static public key (the normal, production path — no JWKS
// discovery, since the teacher's dynamic-IdP/WorkOS tenant resolution is
// exactly the piece spec.md's Non-goals exclude) and HS256 against a
// shared secret (dev/testing, same as the teacher's JWTCfg.HS256Secret).
type Config struct {
	PublicKeyPEM string
	HS256Secret  string
	DevMode      bool
}

// Claims is the minimal shape this system's tokens are expected to carry.
// userId/accountId are spec.md's AuthContext/DeviceSession fields (§3, §4.E);
// everything else about the token (issuer, audience, tenant resolution) is
// the external collaborator's concern, not this package's.
type Claims struct {
	jwt.RegisteredClaims
	AccountID string `json:"accountId"`
}

// Verifier implements wsapi.Verifier and backs the HTTP Middleware below —
// one validation path for both transports, per Design Notes.
type Verifier struct {
	cfg    Config
	pubKey *rsa.PublicKey
	log    zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) (*Verifier, error) {
	v := &Verifier{cfg: cfg, log: log.With().Str("component", "auth").Logger()}
	if cfg.PublicKeyPEM != "" {
		key, err := parseRSAPublicKey(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("auth: parse JWT_PUBLIC_KEY: %w", err)
		}
		v.pubKey = key
	}
	return v, nil
}

// parseRSAPublicKey accepts either a literal PEM block or one flattened into
// a single env-var-safe line with "\n" escapes (common for JWT_PUBLIC_KEY
// in container envs where real newlines are awkward to set).
func parseRSAPublicKey(raw string) (*rsa.PublicKey, error) {
	normalized := strings.ReplaceAll(raw, `\n`, "\n")
	return jwt.ParseRSAPublicKeyFromPEM([]byte(normalized))
}

// Verify validates tokenString and returns the userId/accountId claims.
// Both wsapi (the WS handshake) and Middleware (HTTP) call through here so
// RS256/HS256 handling lives in exactly one place.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (userID, accountID uuid.UUID, err error) {
	if tokenString == "" {
		return uuid.Nil, uuid.Nil, apperr.New(apperr.Auth, "missing_token", "no bearer token presented")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA:
			if v.pubKey == nil {
				return nil, errors.New("RS256 not configured (JWT_PUBLIC_KEY unset)")
			}
			return v.pubKey, nil
		case *jwt.SigningMethodHMAC:
			if v.cfg.HS256Secret == "" {
				return nil, errors.New("HS256 not configured")
			}
			return []byte(v.cfg.HS256Secret), nil
		default:
			return nil, fmt.Errorf("unsupported signing method: %v", t.Header["alg"])
		}
	})
	if err != nil || !token.Valid {
		return uuid.Nil, uuid.Nil, apperr.Wrap(apperr.Auth, "invalid_token", "token validation failed", err)
	}

	userID, err = uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.Wrap(apperr.Auth, "invalid_subject", "sub claim is not a uuid", err)
	}
	accountID, err = uuid.Parse(claims.AccountID)
	if err != nil {
		return uuid.Nil, uuid.Nil, apperr.Wrap(apperr.Auth, "invalid_account", "accountId claim is not a uuid", err)
	}
	return userID, accountID, nil
}

// Middleware is the HTTP-side equivalent of Verifier.Verify: resolves the
// bearer token (or, in DevMode, an X-Debug-User/X-Debug-Account pair for
// local testing without a real IdP — same escape hatch shape as the
// teacher's DevMode, scoped to two uuid headers instead of a raw subject),
// and stores userId/accountId in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var userID, accountID uuid.UUID
		var err error

		tok := bearerToken(r)
		switch {
		case tok != "":
			userID, accountID, err = v.Verify(r.Context(), tok)
		case v.cfg.DevMode:
			userID, err = uuid.Parse(r.Header.Get("X-Debug-User"))
			if err == nil {
				accountID, err = uuid.Parse(r.Header.Get("X-Debug-Account"))
			}
		default:
			err = apperr.New(apperr.Auth, "missing_token", "no bearer token presented")
		}

		if err != nil {
			v.log.Info().Err(err).Msg("authentication failed")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxAccountID, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// UserID extracts the authenticated user ID set by Middleware.
func UserID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(ctxUserID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// AccountID extracts the authenticated account ID set by Middleware.
func AccountID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(ctxAccountID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
