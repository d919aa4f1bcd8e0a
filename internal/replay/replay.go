// Package replay implements the Replay Engine (spec.md §4.H): on a
// resuming connection, stream every message a device missed while offline,
// every seq above its acked cursor up to and including the tip, before the session
// is allowed back into ordinary live delivery.
package replay

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/hub"
	"github.com/relaywire/core/internal/model"
	"github.com/relaywire/core/internal/store"
)

const defaultBatchSize = 200

// HubPort is the narrow slice of *hub.Hub the engine drives.
type HubPort interface {
	AckedCursor(s *hub.Session, conversationID uuid.UUID) uint64
	EnqueueReplayFrame(s *hub.Session, f hub.Frame)
	EmitEvent(s *hub.Session, f hub.Frame)
	CompleteResume(s *hub.Session)
}

type Engine struct {
	messages  store.MessagesRead
	hub       HubPort
	batchSize int
	log       zerolog.Logger
}

func New(messages store.MessagesRead, h HubPort, batchSize int, log zerolog.Logger) *Engine {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Engine{messages: messages, hub: h, batchSize: batchSize, log: log.With().Str("component", "replay").Logger()}
}

// ResumeConversation replays everything in (ackedCursor, tip] for one
// conversation the session was subscribed to, in ascending seq, never
// interleaved with live frames (the Hub buffers those while the session
// is in the Resuming state).
func (e *Engine) ResumeConversation(ctx context.Context, s *hub.Session, conversationID uuid.UUID) (replayCount, batches int, err error) {
	lo := e.hub.AckedCursor(s, conversationID)
	hi, err := e.messages.TipSeq(ctx, conversationID)
	if err != nil {
		return 0, 0, err
	}

	for lo < hi {
		batch, err := e.messages.RangeAfter(ctx, conversationID, lo, hi, e.batchSize)
		if err != nil {
			return replayCount, batches, err
		}
		if len(batch) == 0 {
			break
		}
		for _, msg := range batch {
			e.hub.EnqueueReplayFrame(s, messageFrame(conversationID, msg))
			replayCount++
			lo = msg.Seq
		}
		batches++
	}
	return replayCount, batches, nil
}

// Resume drives every conversation the session is subscribed to through
// ResumeConversation, then emits ws_replay_complete and flips the session
// to Live via Hub.CompleteResume (spec.md §4.H step 3).
func (e *Engine) Resume(ctx context.Context, s *hub.Session, conversations []uuid.UUID) {
	totalCount, totalBatches := 0, 0
	for _, conv := range conversations {
		n, b, err := e.ResumeConversation(ctx, s, conv)
		if err != nil {
			e.log.Warn().Err(err).Str("conversationId", conv.String()).Msg("replay failed for conversation")
			continue
		}
		totalCount += n
		totalBatches += b
	}
	e.hub.EmitEvent(s, hub.Frame{
		Name:        "ws_replay_complete",
		ReplayCount: totalCount,
		Batches:     totalBatches,
	})
	e.hub.CompleteResume(s)
}

func messageFrame(conversationID uuid.UUID, msg model.Message) hub.Frame {
	return hub.Frame{
		Type:           hub.FrameMessage,
		ID:             msg.ID.String(),
		ConversationID: conversationID.String(),
		Payload: hub.MessagePayload{Data: hub.MessagePayloadData{
			MessageID:      msg.ID,
			ConversationID: conversationID,
			SenderID:       msg.SenderID,
			Type:           string(msg.Type),
			Content:        msg.EncryptedContent,
			Seq:            msg.Seq,
			CreatedAtMs:    msg.CreatedAt.UnixMilli(),
		}},
	}
}
