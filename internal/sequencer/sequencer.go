// Package sequencer retries store.MessagesWrite.Append across the bounded,
// backed-off window spec.md §4.C requires: the seq increment and the
// message insert commit as one atomic unit inside the store adapter, and
// this package is only responsible for re-attempting that unit when two
// writers race the same conversation.
package sequencer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/apperr"
	"github.com/relaywire/core/internal/model"
	"github.com/relaywire/core/internal/store"
)

const (
	maxAttempts  = 8
	initialDelay = 2 * time.Millisecond
	maxDelay     = 200 * time.Millisecond
)

// Sequencer wraps a store.MessagesWrite with the retry policy from
// spec.md §4.C. It holds no state of its own: the authoritative seq tip
// lives in the store adapter.
type Sequencer struct {
	writer store.MessagesWrite
	log    zerolog.Logger
}

func New(writer store.MessagesWrite, log zerolog.Logger) *Sequencer {
	return &Sequencer{writer: writer, log: log.With().Str("component", "sequencer").Logger()}
}

// Append retries writer.Append on store.ErrSeqConflict with exponential
// backoff capped at maxDelay, up to maxAttempts. Exhausting the budget
// surfaces apperr.SequencerContention so the caller (internal/ingest) can
// tell the client to retry the whole send.
func (s *Sequencer) Append(ctx context.Context, in store.AppendInput, idempotencyKey string) (model.Message, bool, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialDelay
	bo.MaxInterval = maxDelay
	bo.MaxElapsedTime = 0 // bounded by attempts, not wall-clock

	var (
		msg      model.Message
		replayed bool
	)

	attempt := 0
	operation := func() error {
		attempt++
		var err error
		msg, replayed, err = s.writer.Append(ctx, in, idempotencyKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrSeqConflict) {
			if attempt >= maxAttempts {
				return backoff.Permanent(err)
			}
			s.log.Warn().
				Str("conversationId", in.ConversationID.String()).
				Int("attempt", attempt).
				Msg("seq conflict, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err != nil {
		if errors.Is(err, store.ErrSeqConflict) {
			return model.Message{}, false, apperr.New(
				apperr.SequencerContention,
				"sequencer_contention",
				"too many concurrent writers on this conversation, retry the send",
			)
		}
		return model.Message{}, false, err
	}
	return msg, replayed, nil
}
