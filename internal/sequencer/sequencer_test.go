package sequencer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/apperr"
	"github.com/relaywire/core/internal/model"
	"github.com/relaywire/core/internal/store"
)

type flakyWriter struct {
	failures int
	calls    int
	final    model.Message
}

func (f *flakyWriter) Append(ctx context.Context, in store.AppendInput, idempotencyKey string) (model.Message, bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return model.Message{}, false, store.ErrSeqConflict
	}
	return f.final, false, nil
}

func (f *flakyWriter) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error { return nil }
func (f *flakyWriter) MarkStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus, at time.Time) error {
	return nil
}
func (f *flakyWriter) MarkManyRead(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	return nil
}

func TestSequencerRetriesOnConflictThenSucceeds(t *testing.T) {
	want := model.Message{ID: uuid.New(), Seq: 4}
	w := &flakyWriter{failures: 3, final: want}
	seq := New(w, zerolog.Nop())

	got, replayed, err := seq.Append(context.Background(), store.AppendInput{ConversationID: uuid.New()}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replayed {
		t.Fatal("expected non-replay result")
	}
	if got.ID != want.ID {
		t.Fatalf("got %v, want %v", got, want)
	}
	if w.calls != 4 {
		t.Fatalf("writer called %d times, want 4 (3 conflicts + 1 success)", w.calls)
	}
}

func TestSequencerExhaustsRetriesIntoContention(t *testing.T) {
	w := &flakyWriter{failures: 1000}
	seq := New(w, zerolog.Nop())

	_, _, err := seq.Append(context.Background(), store.AppendInput{ConversationID: uuid.New()}, "")
	if err == nil {
		t.Fatal("expected sequencer contention error")
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *apperr.Error, got %T: %v", err, err)
	}
	if appErr.Kind != apperr.SequencerContention {
		t.Fatalf("kind = %s, want %s", appErr.Kind, apperr.SequencerContention)
	}
	if w.calls != maxAttempts {
		t.Fatalf("writer called %d times, want %d", w.calls, maxAttempts)
	}
}

func TestSequencerPropagatesNonConflictErrorImmediately(t *testing.T) {
	w := &stubErrWriter{err: apperr.New(apperr.Validation, "bad_payload", "too large")}
	seq := New(w, zerolog.Nop())

	_, _, err := seq.Append(context.Background(), store.AppendInput{ConversationID: uuid.New()}, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if w.calls != 1 {
		t.Fatalf("writer called %d times, want 1 (no retry on non-conflict errors)", w.calls)
	}
}

type stubErrWriter struct {
	err   error
	calls int
}

func (s *stubErrWriter) Append(ctx context.Context, in store.AppendInput, idempotencyKey string) (model.Message, bool, error) {
	s.calls++
	return model.Message{}, false, s.err
}
func (s *stubErrWriter) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error { return nil }
func (s *stubErrWriter) MarkStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus, at time.Time) error {
	return nil
}
func (s *stubErrWriter) MarkManyRead(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	return nil
}

var _ store.MessagesWrite = (*flakyWriter)(nil)
var _ store.MessagesWrite = (*stubErrWriter)(nil)
