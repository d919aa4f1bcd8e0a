package hub

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/ingest"
	"github.com/relaywire/core/internal/model"
)

type fakeResume struct {
	persisted map[string]ResumeState
	dropped   map[string]int
}

func newFakeResume() *fakeResume {
	return &fakeResume{persisted: make(map[string]ResumeState), dropped: make(map[string]int)}
}

func (f *fakeResume) Load(ctx context.Context, deviceID string) (ResumeState, error) {
	return f.persisted[deviceID], nil
}

func (f *fakeResume) Persist(ctx context.Context, deviceID string, state ResumeState) error {
	f.persisted[deviceID] = state
	return nil
}

func (f *fakeResume) Drop(ctx context.Context, deviceID string) error {
	delete(f.persisted, deviceID)
	return nil
}

func (f *fakeResume) PushUndelivered(ctx context.Context, deviceID string, conversationID uuid.UUID, frame Frame) bool {
	f.dropped[deviceID]++
	return false
}

func newTestHub() (*Hub, *fakeResume) {
	r := newFakeResume()
	return New(r, Config{DrainTimeout: 50 * time.Millisecond}, zerolog.Nop()), r
}

func connectDevice(h *Hub, deviceID string, userID uuid.UUID, conv uuid.UUID) *Session {
	s := h.Register(deviceID, "sess-"+deviceID, userID, uuid.New(), func() {})
	h.Authenticate(s)
	h.Subscribe(s, conv)
	h.GoLive(s)
	return s
}

func TestPublishFanoutToSubscribersExceptSender(t *testing.T) {
	h, _ := newTestHub()
	conv := uuid.New()
	sender := uuid.New()
	d1 := connectDevice(h, "d1", sender, conv)
	d2 := connectDevice(h, "d2", uuid.New(), conv)
	d3 := connectDevice(h, "d3", uuid.New(), conv)

	msg := model.Message{ID: uuid.New(), ConversationID: conv, SenderID: sender, Seq: 1, Type: model.MessageText}
	h.Publish(context.Background(), ingest.Event{Message: msg, ConversationID: conv})

	select {
	case f := <-d1.Outbound:
		t.Fatalf("sender should not receive its own message over the hub, got %+v", f)
	default:
	}

	for _, d := range []*Session{d2, d3} {
		select {
		case f := <-d.Outbound:
			if f.ID != msg.ID.String() {
				t.Fatalf("frame id = %s, want %s", f.ID, msg.ID)
			}
		default:
			t.Fatal("expected a frame for subscribed device")
		}
	}
}

func TestPublishBuffersForOfflineDevice(t *testing.T) {
	h, resume := newTestHub()
	conv := uuid.New()
	sender := uuid.New()
	offline := connectDevice(h, "offline-device", uuid.New(), conv)
	h.Unregister(offline) // still "known" in the subscription history, now disconnected

	msg := model.Message{ID: uuid.New(), ConversationID: conv, SenderID: sender, Seq: 1, Type: model.MessageText}
	h.Publish(context.Background(), ingest.Event{Message: msg, ConversationID: conv})

	if resume.dropped["offline-device"] != 1 {
		t.Fatalf("expected one undelivered push for offline device, got %d", resume.dropped["offline-device"])
	}
}

func TestSlowConsumerClosesAfterThreshold(t *testing.T) {
	h, _ := newTestHub()
	conv := uuid.New()
	sender := uuid.New()
	// Do not drain d2's Outbound at all — every enqueue beyond its
	// capacity plus the slow-consumer threshold should trip a close.
	d2 := connectDevice(h, "d2", uuid.New(), conv)

	total := outboundQueueSize + slowConsumerThreshold + 2
	for i := 0; i < total; i++ {
		msg := model.Message{ID: uuid.New(), ConversationID: conv, SenderID: sender, Seq: uint64(i + 1), Type: model.MessageText}
		h.Publish(context.Background(), ingest.Event{Message: msg, ConversationID: conv})
	}

	if d2.State() != Closed {
		t.Fatalf("expected session closed after exceeding slow-consumer threshold, state=%s", d2.State())
	}
}

func TestAckCursorIsMonotonicMax(t *testing.T) {
	h, _ := newTestHub()
	conv := uuid.New()
	s := connectDevice(h, "d1", uuid.New(), conv)

	h.Ack(s, conv, 5)
	h.Ack(s, conv, 3) // out-of-order/duplicate ack must not regress the cursor
	if got := h.AckedCursor(s, conv); got != 5 {
		t.Fatalf("ackedCursor = %d, want 5", got)
	}
	h.Ack(s, conv, 9)
	if got := h.AckedCursor(s, conv); got != 9 {
		t.Fatalf("ackedCursor = %d, want 9", got)
	}
}

func TestResumingSessionBuffersLiveFramesUntilComplete(t *testing.T) {
	h, _ := newTestHub()
	conv := uuid.New()
	sender := uuid.New()
	s := h.Register("d1", "sess-d1", uuid.New(), uuid.New(), func() {})
	h.Authenticate(s)
	h.Subscribe(s, conv)
	h.BeginResume(s)

	msg := model.Message{ID: uuid.New(), ConversationID: conv, SenderID: sender, Seq: 1, Type: model.MessageText}
	h.Publish(context.Background(), ingest.Event{Message: msg, ConversationID: conv})

	select {
	case <-s.Outbound:
		t.Fatal("live frame should be buffered, not delivered, while Resuming")
	default:
	}

	h.CompleteResume(s)
	select {
	case f := <-s.Outbound:
		if f.ID != msg.ID.String() {
			t.Fatalf("drained frame id = %s, want %s", f.ID, msg.ID)
		}
	default:
		t.Fatal("expected buffered frame to drain once resume completes")
	}
	if s.State() != Live {
		t.Fatalf("state = %s, want live", s.State())
	}
}

func TestUnregisterRemovesFromSubscriptionIndex(t *testing.T) {
	h, _ := newTestHub()
	conv := uuid.New()
	s := connectDevice(h, "d1", uuid.New(), conv)

	h.Unregister(s)

	h.mu.RLock()
	_, stillThere := h.subsIdx[conv][s.DeviceID]
	h.mu.RUnlock()
	if stillThere {
		t.Fatal("expected device removed from subscription index after unregister")
	}
}

func TestShutdownDrainsAllSessions(t *testing.T) {
	h, _ := newTestHub()
	conv := uuid.New()
	connectDevice(h, "d1", uuid.New(), conv)
	connectDevice(h, "d2", uuid.New(), conv)

	h.Shutdown(context.Background(), time.Second)

	if h.SessionCount() != 0 {
		t.Fatalf("expected 0 sessions after shutdown, got %d", h.SessionCount())
	}
}
