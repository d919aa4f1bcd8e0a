package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func mustRSAKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, string(pemBytes)
}

func issueRS256(t *testing.T, priv *rsa.PrivateKey, userID, accountID uuid.UUID, expiry time.Duration) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
		AccountID: accountID.String(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestVerifyRS256ValidToken(t *testing.T) {
	priv, pub := mustRSAKeyPair(t)
	v, err := New(Config{PublicKeyPEM: pub}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wantUser, wantAccount := uuid.New(), uuid.New()
	tok := issueRS256(t, priv, wantUser, wantAccount, time.Hour)

	gotUser, gotAccount, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if gotUser != wantUser || gotAccount != wantAccount {
		t.Fatalf("got (%s,%s), want (%s,%s)", gotUser, gotAccount, wantUser, wantAccount)
	}
}

func TestVerifyRS256ExpiredTokenRejected(t *testing.T) {
	priv, pub := mustRSAKeyPair(t)
	v, err := New(Config{PublicKeyPEM: pub}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok := issueRS256(t, priv, uuid.New(), uuid.New(), -time.Hour)

	if _, _, err := v.Verify(context.Background(), tok); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifyHS256DevToken(t *testing.T) {
	v, err := New(Config{HS256Secret: "test-secret"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wantUser, wantAccount := uuid.New(), uuid.New()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: wantUser.String(), ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		AccountID:        wantAccount.String(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	gotUser, gotAccount, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if gotUser != wantUser || gotAccount != wantAccount {
		t.Fatalf("got (%s,%s), want (%s,%s)", gotUser, gotAccount, wantUser, wantAccount)
	}
}

func TestVerifyWrongKeyRejected(t *testing.T) {
	priv, _ := mustRSAKeyPair(t)
	_, otherPub := mustRSAKeyPair(t)
	v, err := New(Config{PublicKeyPEM: otherPub}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok := issueRS256(t, priv, uuid.New(), uuid.New(), time.Hour)

	if _, _, err := v.Verify(context.Background(), tok); err == nil {
		t.Fatal("expected token signed by a different key to be rejected")
	}
}

func TestVerifyMissingTokenRejected(t *testing.T) {
	v, _ := New(Config{HS256Secret: "s"}, zerolog.Nop())
	if _, _, err := v.Verify(context.Background(), ""); err == nil {
		t.Fatal("expected empty token to be rejected")
	}
}

func TestMiddlewareDevModeAcceptsDebugHeaders(t *testing.T) {
	v, _ := New(Config{DevMode: true}, zerolog.Nop())
	wantUser, wantAccount := uuid.New(), uuid.New()

	var gotUser, gotAccount uuid.UUID
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserID(r.Context())
		gotAccount = AccountID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Debug-User", wantUser.String())
	r.Header.Set("X-Debug-Account", wantAccount.String())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotUser != wantUser || gotAccount != wantAccount {
		t.Fatalf("got (%s,%s), want (%s,%s)", gotUser, gotAccount, wantUser, wantAccount)
	}
}

func TestMiddlewareRejectsMissingAuth(t *testing.T) {
	v, _ := New(Config{HS256Secret: "s"}, zerolog.Nop())
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
