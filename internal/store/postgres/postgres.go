// Package postgres implements the persistence gateway on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventmarket/messaging/internal/model"
	"github.com/eventmarket/messaging/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_threads (
	id                    UUID PRIMARY KEY,
	customer_id           TEXT NOT NULL,
	vendor_id             TEXT NOT NULL,
	booking_id            TEXT,
	last_message          TEXT,
	last_message_time     TIMESTAMPTZ,
	customer_unread_count INTEGER NOT NULL DEFAULT 0 CHECK (customer_unread_count >= 0),
	vendor_unread_count   INTEGER NOT NULL DEFAULT 0 CHECK (vendor_unread_count >= 0),
	is_archived           BOOLEAN NOT NULL DEFAULT FALSE,
	is_blocked            BOOLEAN NOT NULL DEFAULT FALSE,
	blocked_by            TEXT CHECK (blocked_by IN ('CUSTOMER', 'VENDOR')),
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);

ALTER TABLE chat_threads ADD COLUMN IF NOT EXISTS blocked_by TEXT;

CREATE UNIQUE INDEX IF NOT EXISTS chat_threads_active_pair
	ON chat_threads (customer_id, vendor_id) WHERE NOT is_archived;
CREATE INDEX IF NOT EXISTS chat_threads_customer ON chat_threads (customer_id);
CREATE INDEX IF NOT EXISTS chat_threads_vendor ON chat_threads (vendor_id);

CREATE TABLE IF NOT EXISTS chat_messages (
	id          UUID PRIMARY KEY,
	thread_id   UUID NOT NULL REFERENCES chat_threads (id),
	sender_id   TEXT NOT NULL,
	sender_type TEXT NOT NULL CHECK (sender_type IN ('CUSTOMER', 'VENDOR')),
	content     TEXT,
	attachments JSONB NOT NULL DEFAULT '[]',
	is_read     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL,
	CHECK (content IS NOT NULL OR jsonb_array_length(attachments) > 0)
);

CREATE INDEX IF NOT EXISTS chat_messages_thread_created ON chat_messages (thread_id, created_at, id);
CREATE INDEX IF NOT EXISTS chat_messages_unread ON chat_messages (thread_id, sender_type) WHERE NOT is_read;
`

const threadColumns = `id::text, customer_id, vendor_id, booking_id, last_message, last_message_time,
	customer_unread_count, vendor_unread_count, is_archived, is_blocked, created_at, updated_at, blocked_by`

// uniqueViolation is the SQLSTATE of a unique index conflict.
const uniqueViolation = "23505"

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Connect creates a pgx connection pool using the provided DSN and verifies the connection with a ping.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = 60 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates the chat tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// GetThread returns the thread with id.
func (s *Store) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM chat_threads WHERE id = $1::uuid`, id)
	return scanThread(row)
}

// FindOrCreateThread inserts t unless an active thread for the pair exists.
func (s *Store) FindOrCreateThread(ctx context.Context, t *model.Thread) (*model.Thread, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO chat_threads (id, customer_id, vendor_id, booking_id, created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $5)
		ON CONFLICT (customer_id, vendor_id) WHERE NOT is_archived DO NOTHING
		RETURNING `+threadColumns,
		t.ID, t.CustomerID, t.VendorID, t.BookingID, t.CreatedAt,
	)
	created, err := scanThread(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	row = s.pool.QueryRow(ctx, `
		SELECT `+threadColumns+` FROM chat_threads
		WHERE customer_id = $1 AND vendor_id = $2 AND NOT is_archived`,
		t.CustomerID, t.VendorID,
	)
	existing, err := scanThread(row)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ListThreads returns the identity's threads, most recently active first.
func (s *Store) ListThreads(ctx context.Context, id model.Identity, includeArchived bool) ([]model.Thread, error) {
	column := "customer_id"
	if id.UserType == model.UserTypeVendor {
		column = "vendor_id"
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+threadColumns+` FROM chat_threads
		WHERE `+column+` = $1 AND ($2 OR NOT is_archived)
		ORDER BY COALESCE(last_message_time, created_at) DESC, id DESC`,
		id.UserID, includeArchived,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list threads: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list threads: %w", err)
	}
	return threads, nil
}

// UpdateThreadFlags sets the given flags.
func (s *Store) UpdateThreadFlags(ctx context.Context, id string, upd store.FlagUpdate, at time.Time) (*model.Thread, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE chat_threads
		SET is_archived = COALESCE($2, is_archived),
		    is_blocked  = COALESCE($3, is_blocked),
		    blocked_by  = CASE
		        WHEN $3::boolean IS NULL THEN blocked_by
		        WHEN $3::boolean THEN COALESCE(blocked_by, $4::text)
		        ELSE NULL
		    END,
		    updated_at  = $5
		WHERE id = $1::uuid
		RETURNING `+threadColumns,
		id, upd.Archived, upd.Blocked, string(upd.By), at,
	)
	thread, err := scanThread(row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, store.ErrConflict
	}
	return thread, err
}

// ListMessages returns the thread's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, thread_id::text, sender_id, sender_type, content, attachments, is_read, created_at
		FROM chat_messages
		WHERE thread_id = $1::uuid
		ORDER BY created_at ASC, id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0)
	for rows.Next() {
		var (
			msg         model.Message
			senderType  string
			attachments []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.SenderID, &senderType, &msg.Content, &attachments, &msg.Read, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		msg.SenderType = model.UserType(senderType)
		if msg.Attachments, err = decodeAttachments(attachments); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	return messages, nil
}

// CreateMessage inserts msg and bumps the recipient's counter in one transaction.
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message, preview string) (*model.Thread, error) {
	attachments, err := encodeAttachments(msg.Attachments)
	if err != nil {
		return nil, err
	}

	counter := store.UnreadColumn(msg.SenderType.Other())

	var thread *model.Thread
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO chat_messages (id, thread_id, sender_id, sender_type, content, attachments, is_read, created_at)
			VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6::jsonb, FALSE, $7)`,
			msg.ID, msg.ThreadID, msg.SenderID, string(msg.SenderType), msg.Content, attachments, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert message: %w", err)
		}

		row := tx.QueryRow(ctx, `
			UPDATE chat_threads
			SET `+counter+` = `+counter+` + 1,
			    last_message = $2,
			    last_message_time = $3,
			    updated_at = $3
			WHERE id = $1::uuid
			RETURNING `+threadColumns,
			msg.ThreadID, preview, msg.CreatedAt,
		)
		thread, err = scanThread(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// MarkRead flips read flags and zeroes the reader's counter in one transaction.
func (s *Store) MarkRead(ctx context.Context, threadID string, reader model.UserType, messageIDs []string, at time.Time) (int, *model.Thread, error) {
	var (
		updated int
		thread  *model.Thread
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE chat_messages SET is_read = TRUE
			WHERE thread_id = $1::uuid AND sender_type = $2 AND NOT is_read`
		args := []any{threadID, string(reader.Other())}
		if len(messageIDs) > 0 {
			query += ` AND id::text = ANY($3::text[])`
			args = append(args, messageIDs)
		}

		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("postgres: mark read: %w", err)
		}
		updated = int(tag.RowsAffected())

		counter := store.UnreadColumn(reader)
		row := tx.QueryRow(ctx, `
			UPDATE chat_threads SET `+counter+` = 0, updated_at = $2
			WHERE id = $1::uuid
			RETURNING `+threadColumns,
			threadID, at,
		)
		thread, err = scanThread(row)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return updated, thread, nil
}

func scanThread(row pgx.Row) (*model.Thread, error) {
	var t model.Thread
	var blockedBy *string
	err := row.Scan(
		&t.ID, &t.CustomerID, &t.VendorID, &t.BookingID, &t.LastMessage, &t.LastMessageTime,
		&t.CustomerUnreadCount, &t.VendorUnreadCount, &t.IsArchived, &t.IsBlocked, &t.CreatedAt, &t.UpdatedAt,
		&blockedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan thread: %w", err)
	}
	if blockedBy != nil {
		side := model.UserType(*blockedBy)
		t.BlockedBy = &side
	}
	return &t, nil
}

func encodeAttachments(attachments []model.Attachment) ([]byte, error) {
	if attachments == nil {
		attachments = []model.Attachment{}
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode attachments: %w", err)
	}
	return data, nil
}

func decodeAttachments(data []byte) ([]model.Attachment, error) {
	attachments := []model.Attachment{}
	if len(data) == 0 {
		return attachments, nil
	}
	if err := json.Unmarshal(data, &attachments); err != nil {
		return nil, fmt.Errorf("postgres: decode attachments: %w", err)
	}
	return attachments, nil
}

// normalizeDSN converts known non-pgx DSN variants to a pgx-compatible DSN.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	s = strings.Replace(s, "postgresql+asyncpg://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+asyncpg://", "postgres://", 1)
	s = strings.Replace(s, "postgresql+pgx://", "postgresql://", 1)
	s = strings.Replace(s, "postgres+pgx://", "postgres://", 1)
	return s
}
