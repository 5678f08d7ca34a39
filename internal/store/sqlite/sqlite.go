// Package sqlite implements the persistence gateway on an embedded SQLite
// database. It backs local development and the test suite; production
// deployments use the postgres package.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/eventmarket/messaging/internal/model"
	"github.com/eventmarket/messaging/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_threads (
	id                    TEXT PRIMARY KEY,
	customer_id           TEXT NOT NULL,
	vendor_id             TEXT NOT NULL,
	booking_id            TEXT,
	last_message          TEXT,
	last_message_time     INTEGER,
	customer_unread_count INTEGER NOT NULL DEFAULT 0 CHECK (customer_unread_count >= 0),
	vendor_unread_count   INTEGER NOT NULL DEFAULT 0 CHECK (vendor_unread_count >= 0),
	is_archived           INTEGER NOT NULL DEFAULT 0,
	is_blocked            INTEGER NOT NULL DEFAULT 0,
	blocked_by            TEXT CHECK (blocked_by IN ('CUSTOMER', 'VENDOR')),
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS chat_threads_active_pair
	ON chat_threads (customer_id, vendor_id) WHERE is_archived = 0;

CREATE TABLE IF NOT EXISTS chat_messages (
	id          TEXT PRIMARY KEY,
	thread_id   TEXT NOT NULL REFERENCES chat_threads (id),
	sender_id   TEXT NOT NULL,
	sender_type TEXT NOT NULL CHECK (sender_type IN ('CUSTOMER', 'VENDOR')),
	content     TEXT,
	attachments TEXT NOT NULL DEFAULT '[]',
	is_read     INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS chat_messages_thread_created ON chat_messages (thread_id, created_at);
`

const threadColumns = `id, customer_id, vendor_id, booking_id, last_message, last_message_time,
	customer_unread_count, vendor_unread_count, is_archived, is_blocked, created_at, updated_at, blocked_by`

// Config holds the parameters for opening the database.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int
}

// Store is a SQLite-backed store.Store.
type Store struct {
	pool *sqlitex.Pool
	path string
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: Path is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, path: cfg.Path}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}

	// Databases created before blocked_by existed gain the column here.
	hasBlockedBy := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM pragma_table_info('chat_threads') WHERE name = 'blocked_by'`,
		&sqlitex.ExecOptions{
			ResultFunc: func(*sqlite.Stmt) error {
				hasBlockedBy = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("sqlite: inspect schema: %w", err)
	}
	if !hasBlockedBy {
		if err := sqlitex.ExecuteTransient(conn, `ALTER TABLE chat_threads ADD COLUMN blocked_by TEXT`, nil); err != nil {
			return fmt.Errorf("sqlite: add blocked_by: %w", err)
		}
	}
	return nil
}

// Ping verifies a connection can be taken and used.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

// Close closes all connections.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite: closing %s: %w", s.path, err)
	}
	return nil
}

// GetThread returns the thread with id.
func (s *Store) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	return getThread(conn, id)
}

// FindOrCreateThread inserts t unless an active thread for the pair exists.
func (s *Store) FindOrCreateThread(ctx context.Context, t *model.Thread) (thread *model.Thread, created bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO chat_threads (id, customer_id, vendor_id, booking_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (customer_id, vendor_id) WHERE is_archived = 0 DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{t.ID, t.CustomerID, t.VendorID, nullableText(t.BookingID), unixNano(t.CreatedAt), unixNano(t.CreatedAt)},
		})
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: insert thread: %w", err)
	}

	if conn.Changes() > 0 {
		thread, err = getThread(conn, t.ID)
		return thread, true, err
	}

	var found bool
	err = sqlitex.Execute(conn, `
		SELECT `+threadColumns+` FROM chat_threads
		WHERE customer_id = ? AND vendor_id = ? AND is_archived = 0`,
		&sqlitex.ExecOptions{
			Args: []any{t.CustomerID, t.VendorID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				thread = readThread(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: select thread: %w", err)
	}
	if !found {
		return nil, false, store.ErrNotFound
	}
	return thread, false, nil
}

// ListThreads returns the identity's threads, most recently active first.
func (s *Store) ListThreads(ctx context.Context, id model.Identity, includeArchived bool) ([]model.Thread, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	column := "customer_id"
	if id.UserType == model.UserTypeVendor {
		column = "vendor_id"
	}

	var threads []model.Thread
	err = sqlitex.Execute(conn, `
		SELECT `+threadColumns+` FROM chat_threads
		WHERE `+column+` = ? AND (? = 1 OR is_archived = 0)
		ORDER BY COALESCE(last_message_time, created_at) DESC, id DESC`,
		&sqlitex.ExecOptions{
			Args: []any{id.UserID, boolInt(includeArchived)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				threads = append(threads, *readThread(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite: list threads: %w", err)
	}
	return threads, nil
}

// UpdateThreadFlags sets the given flags.
func (s *Store) UpdateThreadFlags(ctx context.Context, id string, upd store.FlagUpdate, at time.Time) (thread *model.Thread, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		UPDATE chat_threads
		SET is_archived = COALESCE(?1, is_archived),
		    is_blocked  = COALESCE(?2, is_blocked),
		    blocked_by  = CASE
		        WHEN ?2 IS NULL THEN blocked_by
		        WHEN ?2 = 1 THEN COALESCE(blocked_by, ?3)
		        ELSE NULL
		    END,
		    updated_at  = ?4
		WHERE id = ?5`,
		&sqlitex.ExecOptions{
			Args: []any{nullableBool(upd.Archived), nullableBool(upd.Blocked), string(upd.By), unixNano(at), id},
		})
	if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: update thread: %w", err)
	}
	if conn.Changes() == 0 {
		return nil, store.ErrNotFound
	}
	return getThread(conn, id)
}

// ListMessages returns the thread's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	messages := make([]model.Message, 0)
	err = sqlitex.Execute(conn, `
		SELECT id, thread_id, sender_id, sender_type, content, attachments, is_read, created_at
		FROM chat_messages
		WHERE thread_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		&sqlitex.ExecOptions{
			Args: []any{threadID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				msg := model.Message{
					ID:         stmt.ColumnText(0),
					ThreadID:   stmt.ColumnText(1),
					SenderID:   stmt.ColumnText(2),
					SenderType: model.UserType(stmt.ColumnText(3)),
					Read:       stmt.ColumnInt(6) != 0,
					CreatedAt:  fromUnixNano(stmt.ColumnInt64(7)),
				}
				if !stmt.ColumnIsNull(4) {
					content := stmt.ColumnText(4)
					msg.Content = &content
				}
				attachments := []model.Attachment{}
				if err := json.Unmarshal([]byte(stmt.ColumnText(5)), &attachments); err != nil {
					return fmt.Errorf("sqlite: decode attachments: %w", err)
				}
				msg.Attachments = attachments
				messages = append(messages, msg)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	return messages, nil
}

// CreateMessage inserts msg and bumps the recipient's counter in one transaction.
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message, preview string) (thread *model.Thread, err error) {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []model.Attachment{}
	}
	encoded, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode attachments: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO chat_messages (id, thread_id, sender_id, sender_type, content, attachments, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{msg.ID, msg.ThreadID, msg.SenderID, string(msg.SenderType), nullableText(msg.Content), string(encoded), unixNano(msg.CreatedAt)},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert message: %w", err)
	}

	counter := store.UnreadColumn(msg.SenderType.Other())
	err = sqlitex.Execute(conn, `
		UPDATE chat_threads
		SET `+counter+` = `+counter+` + 1,
		    last_message = ?,
		    last_message_time = ?,
		    updated_at = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{preview, unixNano(msg.CreatedAt), unixNano(msg.CreatedAt), msg.ThreadID},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite: update thread: %w", err)
	}
	if conn.Changes() == 0 {
		return nil, store.ErrNotFound
	}

	return getThread(conn, msg.ThreadID)
}

// MarkRead flips read flags and zeroes the reader's counter in one transaction.
func (s *Store) MarkRead(ctx context.Context, threadID string, reader model.UserType, messageIDs []string, at time.Time) (updated int, thread *model.Thread, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, nil, fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	query := `UPDATE chat_messages SET is_read = 1
		WHERE thread_id = ? AND sender_type = ? AND is_read = 0`
	args := []any{threadID, string(reader.Other())}
	if len(messageIDs) > 0 {
		query += ` AND id IN (` + strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",") + `)`
		for _, id := range messageIDs {
			args = append(args, id)
		}
	}

	if err = sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, nil, fmt.Errorf("sqlite: mark read: %w", err)
	}
	updated = conn.Changes()

	counter := store.UnreadColumn(reader)
	err = sqlitex.Execute(conn, `UPDATE chat_threads SET `+counter+` = 0, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{unixNano(at), threadID}})
	if err != nil {
		return 0, nil, fmt.Errorf("sqlite: reset counter: %w", err)
	}
	if conn.Changes() == 0 {
		return 0, nil, store.ErrNotFound
	}

	thread, err = getThread(conn, threadID)
	if err != nil {
		return 0, nil, err
	}
	return updated, thread, nil
}

func getThread(conn *sqlite.Conn, id string) (*model.Thread, error) {
	var thread *model.Thread
	err := sqlitex.Execute(conn, `SELECT `+threadColumns+` FROM chat_threads WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				thread = readThread(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite: get thread: %w", err)
	}
	if thread == nil {
		return nil, store.ErrNotFound
	}
	return thread, nil
}

func readThread(stmt *sqlite.Stmt) *model.Thread {
	t := &model.Thread{
		ID:                  stmt.ColumnText(0),
		CustomerID:          stmt.ColumnText(1),
		VendorID:            stmt.ColumnText(2),
		CustomerUnreadCount: stmt.ColumnInt(6),
		VendorUnreadCount:   stmt.ColumnInt(7),
		IsArchived:          stmt.ColumnInt(8) != 0,
		IsBlocked:           stmt.ColumnInt(9) != 0,
		CreatedAt:           fromUnixNano(stmt.ColumnInt64(10)),
		UpdatedAt:           fromUnixNano(stmt.ColumnInt64(11)),
	}
	if !stmt.ColumnIsNull(3) {
		booking := stmt.ColumnText(3)
		t.BookingID = &booking
	}
	if !stmt.ColumnIsNull(4) {
		last := stmt.ColumnText(4)
		t.LastMessage = &last
	}
	if !stmt.ColumnIsNull(5) {
		at := fromUnixNano(stmt.ColumnInt64(5))
		t.LastMessageTime = &at
	}
	if !stmt.ColumnIsNull(12) {
		side := model.UserType(stmt.ColumnText(12))
		t.BlockedBy = &side
	}
	return t
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolInt(*b)
}

func nullableText(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
