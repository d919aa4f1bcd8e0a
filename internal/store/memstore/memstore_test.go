package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/relaywire/core/internal/model"
	"github.com/relaywire/core/internal/store"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()
	sender := uuid.New()

	for i := 1; i <= 5; i++ {
		msg, replayed, err := s.Append(ctx, store.AppendInput{
			ID:             uuid.New(),
			ConversationID: convID,
			SenderID:       sender,
			Type:           model.MessageText,
			CreatedAt:      time.Now(),
		}, "")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if replayed {
			t.Fatalf("append %d: unexpected replay", i)
		}
		if msg.Seq != uint64(i) {
			t.Fatalf("append %d: got seq %d, want %d", i, msg.Seq, i)
		}
	}

	tip, err := s.TipSeq(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	if tip != 5 {
		t.Fatalf("tip seq = %d, want 5", tip)
	}
}

func TestAppendIdempotentReplay(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()
	sender := uuid.New()

	in := store.AppendInput{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderID:       sender,
		Type:           model.MessageText,
		CreatedAt:      time.Now(),
	}
	first, replayed, err := s.Append(ctx, in, "idem-key-1")
	if err != nil {
		t.Fatal(err)
	}
	if replayed {
		t.Fatal("first append should not be a replay")
	}

	// A retried call with a different message ID but the same
	// (sender, idempotencyKey) must return the original message, not insert
	// a second one.
	retryIn := in
	retryIn.ID = uuid.New()
	second, replayed, err := s.Append(ctx, retryIn, "idem-key-1")
	if err != nil {
		t.Fatal(err)
	}
	if !replayed {
		t.Fatal("retried append with same idempotency key should be flagged as replay")
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned different message: %s != %s", second.ID, first.ID)
	}

	tip, _ := s.TipSeq(ctx, convID)
	if tip != 1 {
		t.Fatalf("tip seq = %d, want 1 (no second insert)", tip)
	}
}

func TestAppendConcurrentSameConversationNoDuplicateSeq(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := s.Append(ctx, store.AppendInput{
				ID:             uuid.New(),
				ConversationID: convID,
				SenderID:       uuid.New(),
				Type:           model.MessageText,
				CreatedAt:      time.Now(),
			}, "")
			if err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	tip, _ := s.TipSeq(ctx, convID)
	if tip != n {
		t.Fatalf("tip seq = %d, want %d", tip, n)
	}

	seen := make(map[uint64]bool)
	msgs, _, err := s.List(ctx, model.ListFilter{ConversationID: &convID}, nil, 200)
	if err != nil {
		t.Fatal(err)
	}
	total := len(msgs)
	for _, m := range msgs {
		if seen[m.Seq] {
			t.Fatalf("duplicate seq %d", m.Seq)
		}
		seen[m.Seq] = true
	}
	// List is paginated at 200 which covers all 100 inserted messages.
	if total != n {
		t.Fatalf("listed %d messages, want %d", total, n)
	}
}

func TestMarkStatusRejectsBackwardsTransition(t *testing.T) {
	s := New()
	ctx := context.Background()
	msg, _, err := s.Append(ctx, store.AppendInput{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		SenderID:       uuid.New(),
		Type:           model.MessageText,
		CreatedAt:      time.Now(),
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkStatus(ctx, msg.ID, model.StatusRead, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkStatus(ctx, msg.ID, model.StatusDelivered, time.Now()); err == nil {
		t.Fatal("expected error moving status backward from read to delivered")
	}
}

func TestListPagination(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()
	sender := uuid.New()

	base := time.Now()
	for i := 0; i < 10; i++ {
		_, _, err := s.Append(ctx, store.AppendInput{
			ID:             uuid.New(),
			ConversationID: convID,
			SenderID:       sender,
			Type:           model.MessageText,
			CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
		}, "")
		if err != nil {
			t.Fatal(err)
		}
	}

	page1, cursor, err := s.List(ctx, model.ListFilter{ConversationID: &convID}, nil, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 4 || cursor == nil {
		t.Fatalf("page1: got %d items, cursor=%v", len(page1), cursor)
	}

	page2, cursor2, err := s.List(ctx, model.ListFilter{ConversationID: &convID}, cursor, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 4 || cursor2 == nil {
		t.Fatalf("page2: got %d items, cursor=%v", len(page2), cursor2)
	}

	page3, cursor3, err := s.List(ctx, model.ListFilter{ConversationID: &convID}, cursor2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(page3) != 2 || cursor3 != nil {
		t.Fatalf("page3: got %d items, cursor=%v, want 2 items and nil cursor", len(page3), cursor3)
	}

	for i, m := range append(append(page1, page2...), page3...) {
		if m.Seq != uint64(i+1) {
			t.Fatalf("item %d: seq %d, want %d", i, m.Seq, i+1)
		}
	}
}

func TestRangeAfterStreamsInSeqOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	convID := uuid.New()
	for i := 0; i < 10; i++ {
		_, _, err := s.Append(ctx, store.AppendInput{
			ID:             uuid.New(),
			ConversationID: convID,
			SenderID:       uuid.New(),
			Type:           model.MessageText,
			CreatedAt:      time.Now(),
		}, "")
		if err != nil {
			t.Fatal(err)
		}
	}

	batch, err := s.RangeAfter(ctx, convID, 3, 10, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 4 {
		t.Fatalf("got %d messages, want 4 (batch capped)", len(batch))
	}
	for i, m := range batch {
		if m.Seq != uint64(4+i) {
			t.Fatalf("batch[%d].Seq = %d, want %d", i, m.Seq, 4+i)
		}
	}
}

func TestConversationParticipantLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	owner := uuid.New()
	member := uuid.New()

	conv, err := s.Create(ctx, model.Conversation{
		Type: model.ConversationGroup,
		Participants: []model.Participant{
			{UserID: owner, Role: model.RoleOwner, JoinedAt: time.Now()},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.AddParticipant(ctx, conv.ID, model.Participant{UserID: member, Role: model.RoleMember, JoinedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindConversationByID(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsParticipant(member) {
		t.Fatal("member should be an active participant")
	}

	if err := s.RemoveParticipant(ctx, conv.ID, member, time.Now()); err != nil {
		t.Fatal(err)
	}
	got, _ = s.FindConversationByID(ctx, conv.ID)
	if got.IsParticipant(member) {
		t.Fatal("member should no longer be active after removal")
	}

	list, err := s.ListForUser(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != conv.ID {
		t.Fatalf("ListForUser(owner) = %+v, want [%s]", list, conv.ID)
	}
}

func TestOnMessagePersistedUpdatesConversationPreview(t *testing.T) {
	s := New()
	ctx := context.Background()
	conv, err := s.Create(ctx, model.Conversation{Type: model.ConversationDirect})
	if err != nil {
		t.Fatal(err)
	}
	msgID := uuid.New()
	now := time.Now()
	if err := s.OnMessagePersisted(ctx, conv.ID, msgID, "hello", now); err != nil {
		t.Fatal(err)
	}
	got, err := s.FindConversationByID(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessageID == nil || *got.LastMessageID != msgID {
		t.Fatalf("LastMessageID = %v, want %s", got.LastMessageID, msgID)
	}
	if got.LastMessagePreview != "hello" {
		t.Fatalf("LastMessagePreview = %q, want %q", got.LastMessagePreview, "hello")
	}
}
