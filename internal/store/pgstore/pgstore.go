// Package pgstore is the PostgreSQL adapter for internal/store's ports
// (jackc/pgx/v5, used when STORAGE_DRIVER=postgres). It is grounded on
// internal/service/syncservice's query/scan style: one concrete struct
// wrapping *pgxpool.Pool, hand-written SQL, pgx.ErrNoRows mapped to
// store.ErrNotFound.
package pgstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/relaywire/core/internal/model"
	"github.com/relaywire/core/internal/store"
)

// pgSerializationFailure/pgDeadlock are the Postgres error codes Append
// treats as a seq race (store.ErrSeqConflict); every other pgconn error
// propagates unchanged (spec.md §4.C bounded-retry only applies to
// contention, not to genuine failures).
const (
	pgSerializationFailure = "40001"
	pgDeadlock             = "40P01"
)

type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func New(pool *pgxpool.Pool, log zerolog.Logger) *Store {
	return &Store{pool: pool, log: log.With().Str("component", "pgstore").Logger()}
}

// Append assigns the next seq and inserts the message inside a single
// SERIALIZABLE transaction (spec.md §4.B/§4.C "same transaction"): the seq
// bump, the idempotency reservation and the insert all commit atomically,
// and a concurrent writer racing the same conversation's seq_tip row
// surfaces as a Postgres serialization failure, translated to
// store.ErrSeqConflict for internal/sequencer to retry.
func (s *Store) Append(ctx context.Context, in store.AppendInput, idempotencyKey string) (model.Message, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return model.Message{}, false, err
	}
	defer tx.Rollback(ctx)

	if idempotencyKey != "" {
		var existingID uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT message_id FROM idempotency_keys
			WHERE sender_id = $1 AND idempotency_key = $2
		`, in.SenderID, idempotencyKey).Scan(&existingID)
		if err == nil {
			msg, ferr := findMessageTx(ctx, tx, existingID)
			if ferr != nil {
				return model.Message{}, false, ferr
			}
			return *msg, true, tx.Commit(ctx)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, false, mapConflict(err)
		}
	}

	var nextSeq uint64
	err = tx.QueryRow(ctx, `
		UPDATE conversations SET seq_tip = seq_tip + 1
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING seq_tip
	`, in.ConversationID).Scan(&nextSeq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, false, store.ErrNotFound
		}
		return model.Message{}, false, mapConflict(err)
	}

	msg := model.Message{
		ID:               in.ID,
		ConversationID:   in.ConversationID,
		SenderID:         in.SenderID,
		Type:             in.Type,
		EncryptedContent: in.EncryptedContent,
		PayloadSizeBytes: in.PayloadSizeBytes,
		Seq:              nextSeq,
		Status:           model.StatusSent,
		CreatedAt:        in.CreatedAt,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO messages
			(id, conversation_id, sender_id, type, encrypted_content, payload_size_bytes, seq, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Type, msg.EncryptedContent,
		msg.PayloadSizeBytes, msg.Seq, msg.Status, msg.CreatedAt)
	if err != nil {
		return model.Message{}, false, mapConflict(err)
	}

	if idempotencyKey != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO idempotency_keys (sender_id, idempotency_key, message_id)
			VALUES ($1,$2,$3)
		`, in.SenderID, idempotencyKey, msg.ID)
		if err != nil {
			return model.Message{}, false, mapConflict(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Message{}, false, mapConflict(err)
	}
	return msg, false, nil
}

func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlock) {
		return store.ErrSeqConflict
	}
	return err
}

func findMessageTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.Message, error) {
	row := tx.QueryRow(ctx, messageSelectColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	row := s.pool.QueryRow(ctx, messageSelectColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

const messageSelectColumns = `
	SELECT id, conversation_id, sender_id, type, encrypted_content, payload_size_bytes,
	       seq, status, created_at, delivered_at, read_at, deleted_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.EncryptedContent,
		&m.PayloadSizeBytes, &m.Seq, &m.Status, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt, &m.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// List returns messages ordered by (createdAt, id) ascending, the same
// deterministic pagination shape as internal/syncx.Cursor uses for sync
// pull pages.
func (s *Store) List(ctx context.Context, filter model.ListFilter, cursor *store.Cursor, limit int) ([]model.Message, *store.Cursor, error) {
	cms, cid := int64(0), uuid.Nil
	if cursor != nil {
		cms, cid = cursor.CreatedAtMs, cursor.ID
	}
	query := messageSelectColumns + ` FROM messages WHERE (created_at, id) > (to_timestamp($1::double precision / 1000.0), $2::uuid)`
	args := []any{cms, cid}
	n := 3
	if filter.ConversationID != nil {
		query += ` AND conversation_id = $` + strconv.Itoa(n)
		args = append(args, *filter.ConversationID)
		n++
	}
	if filter.SenderID != nil {
		query += ` AND sender_id = $` + strconv.Itoa(n)
		args = append(args, *filter.SenderID)
		n++
	}
	if filter.Type != nil {
		query += ` AND type = $` + strconv.Itoa(n)
		args = append(args, *filter.Type)
		n++
	}
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY created_at, id LIMIT $` + strconv.Itoa(n)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *store.Cursor
	if len(out) == limit {
		last := out[len(out)-1]
		next = &store.Cursor{CreatedAtMs: last.CreatedAt.UnixMilli(), ID: last.ID}
	}
	return out, next, nil
}

func (s *Store) TipSeq(ctx context.Context, conversationID uuid.UUID) (uint64, error) {
	var tip uint64
	err := s.pool.QueryRow(ctx, `SELECT seq_tip FROM conversations WHERE id = $1`, conversationID).Scan(&tip)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return tip, err
}

func (s *Store) RangeAfter(ctx context.Context, conversationID uuid.UUID, lo, hi uint64, batchSize int) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, messageSelectColumns+`
		FROM messages
		WHERE conversation_id = $1 AND seq > $2 AND seq <= $3 AND deleted_at IS NULL
		ORDER BY seq
		LIMIT $4
	`, conversationID, lo, hi, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus, at time.Time) error {
	var current model.MessageStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !model.CanTransition(current, status) {
		return errors.New("pgstore: invalid status transition")
	}

	var col string
	switch status {
	case model.StatusDelivered:
		col = "delivered_at"
	case model.StatusRead:
		col = "read_at"
	}
	if col != "" {
		_, err = s.pool.Exec(ctx, `UPDATE messages SET status = $2, `+col+` = $3 WHERE id = $1`, id, status, at)
	} else {
		_, err = s.pool.Exec(ctx, `UPDATE messages SET status = $2 WHERE id = $1`, id, status)
	}
	return err
}

func (s *Store) MarkManyRead(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $2, read_at = $3
		WHERE id = ANY($1) AND status <> $4
	`, ids, model.StatusRead, at, model.StatusRead)
	return err
}

func (s *Store) FindConversationByID(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	var c model.Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, type, who_can_add, last_message_id, last_message_preview, last_message_at, deleted_at
		FROM conversations WHERE id = $1
	`, id).Scan(&c.ID, &c.Type, &c.Settings.WhoCanAddParticipants, &c.LastMessageID, &c.LastMessagePreview, &c.LastMessageAt, &c.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	participants, err := s.loadParticipants(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Participants = participants
	return &c, nil
}

func (s *Store) loadParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, role, joined_at, left_at, last_read_at
		FROM participants WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt, &p.LastReadAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListForUser(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1 AND p.left_at IS NULL AND c.deleted_at IS NULL
	`, userID)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.FindConversationByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, conv model.Conversation) (model.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Conversation{}, err
	}
	defer tx.Rollback(ctx)

	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, type, who_can_add)
		VALUES ($1,$2,$3)
	`, conv.ID, conv.Type, conv.Settings.WhoCanAddParticipants)
	if err != nil {
		return model.Conversation{}, err
	}
	for _, p := range conv.Participants {
		if p.JoinedAt.IsZero() {
			p.JoinedAt = time.Now().UTC()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO participants (conversation_id, user_id, role, joined_at)
			VALUES ($1,$2,$3,$4)
		`, conv.ID, p.UserID, p.Role, p.JoinedAt)
		if err != nil {
			return model.Conversation{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Conversation{}, err
	}
	created, err := s.FindConversationByID(ctx, conv.ID)
	if err != nil {
		return model.Conversation{}, err
	}
	return *created, nil
}

func (s *Store) AddParticipant(ctx context.Context, conversationID uuid.UUID, p model.Participant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participants (conversation_id, user_id, role, joined_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET left_at = NULL, role = EXCLUDED.role
	`, conversationID, p.UserID, p.Role, p.JoinedAt)
	return err
}

func (s *Store) RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE participants SET left_at = $3
		WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL
	`, conversationID, userID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateParticipantRole(ctx context.Context, conversationID, userID uuid.UUID, role model.ParticipantRole) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE participants SET role = $3
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE participants SET last_read_at = $3
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, at)
	return err
}

func (s *Store) SoftDeleteConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// OnMessagePersisted reflects a just-appended message onto the conversation's
// denormalized preview fields (spec.md §4.D), called by internal/ingest
// after a successful Append.
func (s *Store) OnMessagePersisted(ctx context.Context, conversationID uuid.UUID, messageID uuid.UUID, preview string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET last_message_id = $2, last_message_preview = $3, last_message_at = $4
		WHERE id = $1
	`, conversationID, messageID, preview, at)
	return err
}

var _ store.Store = (*Store)(nil)
