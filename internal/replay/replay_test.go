package replay

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/hub"
	"github.com/relaywire/core/internal/model"
	"github.com/relaywire/core/internal/store"
	"github.com/relaywire/core/internal/store/memstore"
)

type fakeHub struct {
	acked     map[uuid.UUID]uint64
	enqueued  []hub.Frame
	events    []hub.Frame
	completed bool
}

func newFakeHub(acked map[uuid.UUID]uint64) *fakeHub {
	return &fakeHub{acked: acked}
}

func (f *fakeHub) AckedCursor(s *hub.Session, conversationID uuid.UUID) uint64 {
	return f.acked[conversationID]
}

func (f *fakeHub) EnqueueReplayFrame(s *hub.Session, fr hub.Frame) {
	f.enqueued = append(f.enqueued, fr)
}

func (f *fakeHub) EmitEvent(s *hub.Session, fr hub.Frame) {
	f.events = append(f.events, fr)
}

func (f *fakeHub) CompleteResume(s *hub.Session) {
	f.completed = true
}

func seedMessages(t *testing.T, n int) (*memstore.Store, uuid.UUID) {
	t.Helper()
	s := memstore.New()
	ctx := context.Background()
	conv := uuid.New()
	sender := uuid.New()
	for i := 0; i < n; i++ {
		_, _, err := s.Append(ctx, store.AppendInput{
			ID:             uuid.New(),
			ConversationID: conv,
			SenderID:       sender,
			Type:           model.MessageText,
			CreatedAt:      time.Now(),
		}, "")
		if err != nil {
			t.Fatal(err)
		}
	}
	return s, conv
}

func TestResumeConversationDeliversGapInOrder(t *testing.T) {
	s, conv := seedMessages(t, 8)
	fh := newFakeHub(map[uuid.UUID]uint64{conv: 5})
	e := New(s, fh, 200, zerolog.Nop())

	count, batches, err := e.ResumeConversation(context.Background(), nil, conv)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("replayCount = %d, want 3 (seq 6,7,8)", count)
	}
	if batches != 1 {
		t.Fatalf("batches = %d, want 1", batches)
	}
	if len(fh.enqueued) != 3 {
		t.Fatalf("enqueued %d frames, want 3", len(fh.enqueued))
	}
	for i, f := range fh.enqueued {
		data := f.Payload.(hub.MessagePayload).Data
		if data.Seq != uint64(6+i) {
			t.Fatalf("frame %d seq = %d, want %d", i, data.Seq, 6+i)
		}
	}
}

func TestResumeConversationRespectsBatchSize(t *testing.T) {
	s, conv := seedMessages(t, 10)
	fh := newFakeHub(map[uuid.UUID]uint64{conv: 0})
	e := New(s, fh, 4, zerolog.Nop())

	count, batches, err := e.ResumeConversation(context.Background(), nil, conv)
	if err != nil {
		t.Fatal(err)
	}
	if count != 10 {
		t.Fatalf("replayCount = %d, want 10", count)
	}
	if batches != 3 {
		t.Fatalf("batches = %d, want 3 (4+4+2)", batches)
	}
}

func TestResumeEmitsCompleteEventAndFlipsLive(t *testing.T) {
	s, conv := seedMessages(t, 3)
	fh := newFakeHub(map[uuid.UUID]uint64{conv: 0})
	e := New(s, fh, 200, zerolog.Nop())

	e.Resume(context.Background(), nil, []uuid.UUID{conv})

	if !fh.completed {
		t.Fatal("expected CompleteResume to be called")
	}
	if len(fh.events) != 1 || fh.events[0].Name != "ws_replay_complete" {
		t.Fatalf("events = %+v", fh.events)
	}
	if fh.events[0].ReplayCount != 3 || fh.events[0].Batches != 1 {
		t.Fatalf("event = %+v, want replayCount=3 batches=1", fh.events[0])
	}
}

func TestResumeConversationNoOpWhenCaughtUp(t *testing.T) {
	s, conv := seedMessages(t, 5)
	fh := newFakeHub(map[uuid.UUID]uint64{conv: 5})
	e := New(s, fh, 200, zerolog.Nop())

	count, batches, err := e.ResumeConversation(context.Background(), nil, conv)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 || batches != 0 {
		t.Fatalf("count=%d batches=%d, want 0,0", count, batches)
	}
}
