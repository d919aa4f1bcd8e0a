package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/apperr"
	"github.com/relaywire/core/internal/model"
	"github.com/relaywire/core/internal/ratelimit"
	"github.com/relaywire/core/internal/sequencer"
	"github.com/relaywire/core/internal/store"
	"github.com/relaywire/core/internal/store/memstore"
)

type capturingHub struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func newCapturingHub() *capturingHub {
	return &capturingHub{done: make(chan struct{}, 16)}
}

func (h *capturingHub) Publish(ctx context.Context, ev Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *capturingHub) waitForOne(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for hub publish")
	}
}

func setup(t *testing.T) (*Pipeline, *memstore.Store, *capturingHub, uuid.UUID, uuid.UUID) {
	t.Helper()
	s := memstore.New()
	ctx := context.Background()
	sender := uuid.New()
	conv, err := s.Create(ctx, model.Conversation{
		Type: model.ConversationGroup,
		Participants: []model.Participant{
			{UserID: sender, Role: model.RoleMember, JoinedAt: time.Now()},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	seq := sequencer.New(s, zerolog.Nop())
	limiter := ratelimit.New(map[string]ratelimit.Rule{
		"send": {RatePerSecond: 1000, Burst: 1000, Window: time.Second},
	}, ratelimit.Rule{RatePerSecond: 1000, Burst: 1000}, nil)
	hub := newCapturingHub()
	p := New(s, s, seq, limiter, nil, hub, zerolog.Nop())
	return p, s, hub, conv.ID, sender
}

func b64(s string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(s))
}

func TestSendNewMessagePersistsAndNotifiesHub(t *testing.T) {
	p, _, hub, convID, sender := setup(t)
	ctx := context.Background()

	msg, replayed, err := p.Send(ctx, SendCommand{
		ConversationID:      convID,
		SenderID:            sender,
		Type:                model.MessageText,
		EncryptedContentB64: b64("hello"),
		PayloadSizeBytes:    5,
		IdempotencyKey:      "key-1",
	}, AuthContext{UserID: sender, DeviceID: "d1"})
	if err != nil {
		t.Fatal(err)
	}
	if replayed {
		t.Fatal("first send should not be a replay")
	}
	if msg.Seq != 1 {
		t.Fatalf("seq = %d, want 1", msg.Seq)
	}

	hub.waitForOne(t)
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.events) != 1 || hub.events[0].Message.ID != msg.ID {
		t.Fatalf("hub events = %+v, want one event for %s", hub.events, msg.ID)
	}
}

func TestSendIdempotentReplayDoesNotRenotifyHub(t *testing.T) {
	p, _, hub, convID, sender := setup(t)
	ctx := context.Background()

	cmd := SendCommand{
		ConversationID:      convID,
		SenderID:            sender,
		Type:                model.MessageText,
		EncryptedContentB64: b64("hello"),
		PayloadSizeBytes:    5,
		IdempotencyKey:      "key-2",
	}
	auth := AuthContext{UserID: sender, DeviceID: "d1"}

	first, _, err := p.Send(ctx, cmd, auth)
	if err != nil {
		t.Fatal(err)
	}
	hub.waitForOne(t)

	second, replayed, err := p.Send(ctx, cmd, auth)
	if err != nil {
		t.Fatal(err)
	}
	if !replayed {
		t.Fatal("second send with same idempotency key should be a replay")
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned %s, want %s", second.ID, first.ID)
	}

	select {
	case <-hub.done:
		t.Fatal("hub should not be notified again for a replay")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendRejectsNonParticipant(t *testing.T) {
	p, _, _, convID, _ := setup(t)
	outsider := uuid.New()

	_, _, err := p.Send(context.Background(), SendCommand{
		ConversationID:      convID,
		SenderID:            outsider,
		Type:                model.MessageText,
		EncryptedContentB64: b64("hi"),
		PayloadSizeBytes:    2,
	}, AuthContext{UserID: outsider, DeviceID: "d2"})
	if err == nil {
		t.Fatal("expected forbidden error for non-participant")
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.Forbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestSendRejectsSenderAuthMismatch(t *testing.T) {
	p, _, _, convID, sender := setup(t)
	impostor := uuid.New()

	_, _, err := p.Send(context.Background(), SendCommand{
		ConversationID:      convID,
		SenderID:            sender,
		Type:                model.MessageText,
		EncryptedContentB64: b64("hi"),
		PayloadSizeBytes:    2,
	}, AuthContext{UserID: impostor, DeviceID: "d2"})
	if err == nil {
		t.Fatal("expected forbidden error for sender/auth mismatch")
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.Forbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	p, _, _, convID, sender := setup(t)
	big := make([]byte, model.MaxPayloadBytes+1)
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(big)

	_, _, err := p.Send(context.Background(), SendCommand{
		ConversationID:      convID,
		SenderID:            sender,
		Type:                model.MessageText,
		EncryptedContentB64: encoded,
		PayloadSizeBytes:    len(big),
	}, AuthContext{UserID: sender, DeviceID: "d1"})
	if err == nil {
		t.Fatal("expected payload-too-large error")
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.PayloadTooLarge {
		t.Fatalf("expected PayloadTooLarge, got %v", err)
	}
}

func TestSendRejectsUnknownType(t *testing.T) {
	p, _, _, convID, sender := setup(t)
	_, _, err := p.Send(context.Background(), SendCommand{
		ConversationID:      convID,
		SenderID:            sender,
		Type:                model.MessageType("bogus"),
		EncryptedContentB64: b64("hi"),
		PayloadSizeBytes:    2,
	}, AuthContext{UserID: sender, DeviceID: "d1"})
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.Validation {
		t.Fatalf("expected Validation error, got %v", err)
	}
}

var _ store.ConversationsRead = (*memstore.Store)(nil)
