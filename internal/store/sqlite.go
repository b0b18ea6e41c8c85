// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Durable per-account conversation storage with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "backend", "sqlite")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is a separate database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			owner      TEXT NOT NULL,
			id         TEXT NOT NULL,
			title      TEXT NOT NULL,
			model      TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (owner, id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_recency
			ON conversations(owner, updated_at DESC, id DESC);

		CREATE TABLE IF NOT EXISTS messages (
			owner           TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			id              TEXT NOT NULL,
			position        INTEGER NOT NULL,
			role            TEXT NOT NULL,
			role_rank       INTEGER NOT NULL,
			timestamp       INTEGER NOT NULL,
			body            TEXT NOT NULL,
			PRIMARY KEY (owner, conversation_id, id),
			FOREIGN KEY (owner, conversation_id) REFERENCES conversations(owner, id) ON DELETE CASCADE,
			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_order
			ON messages(owner, conversation_id, timestamp, role_rank, position);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('conversations') WHERE name = 'provenance'`,
			apply:  `ALTER TABLE conversations ADD COLUMN provenance TEXT NOT NULL DEFAULT 'server'`,
			column: "provenance",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to conversations: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "conversations")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveConversation upserts the conversation and its messages. Stored
// messages missing from conv are kept, so a partially loaded conversation
// can be saved without losing its older pages.
func (s *SQLiteStore) SaveConversation(ctx context.Context, owner string, conv *Conversation) error {
	msgs := append([]Message(nil), conv.Messages...)
	SortMessages(msgs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (owner, id, title, model, provenance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, id) DO UPDATE SET
			title = excluded.title,
			model = excluded.model,
			provenance = excluded.provenance,
			updated_at = excluded.updated_at
	`,
		owner,
		conv.ID,
		conv.Title,
		conv.Model,
		string(conv.Provenance),
		conv.CreatedAt.UnixMilli(),
		conv.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}

	// position is assigned once per message and never rewritten, so saving a
	// partial snapshot cannot reorder messages that share a timestamp.
	var next int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM messages
		WHERE owner = ? AND conversation_id = ?
	`, owner, conv.ID).Scan(&next)
	if err != nil {
		return fmt.Errorf("reading message sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (owner, conversation_id, id, position, role, role_rank, timestamp, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, conversation_id, id) DO UPDATE SET
			role = excluded.role,
			role_rank = excluded.role_rank,
			timestamp = excluded.timestamp,
			body = excluded.body
	`)
	if err != nil {
		return fmt.Errorf("preparing message insert: %w", err)
	}
	defer stmt.Close()

	for i := range msgs {
		body, err := json.Marshal(&msgs[i])
		if err != nil {
			return fmt.Errorf("encoding message %s: %w", msgs[i].ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			owner,
			conv.ID,
			msgs[i].ID,
			next+int64(i),
			string(msgs[i].Role),
			msgs[i].Role.rank(),
			msgs[i].Timestamp.UnixMilli(),
			string(body),
		); err != nil {
			return fmt.Errorf("inserting message %s: %w", msgs[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("saved conversation", "id", conv.ID, "owner", owner, "messages", len(msgs))
	return nil
}

// LoadConversationsPage returns conversation summaries ordered by most recent update.
func (s *SQLiteStore) LoadConversationsPage(ctx context.Context, owner string, pageSize int, cursor string) (*ConversationPage, error) {
	pageSize = clampPageSize(pageSize, defaultConversationPageSize)

	query := `
		SELECT id, title, model, provenance, created_at, updated_at
		FROM conversations
		WHERE owner = ?
	`
	args := []any{owner}

	if cursor != "" {
		c, err := decodeConversationCursor(cursor)
		if err != nil {
			return nil, err
		}
		query += ` AND (updated_at < ? OR (updated_at = ? AND id < ?))`
		args = append(args, c.UpdatedMs, c.UpdatedMs, c.ID)
	}

	// Fetch limit+1 to detect if there are more results
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, pageSize+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	page := &ConversationPage{Conversations: convs}
	if len(convs) > pageSize {
		page.Conversations = convs[:pageSize]
		page.HasMore = true
		last := page.Conversations[pageSize-1]
		page.Cursor = conversationCursor{UpdatedMs: last.UpdatedAt.UnixMilli(), ID: last.ID}.encode()
	}
	if page.Conversations == nil {
		page.Conversations = []*Conversation{}
	}
	return page, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var provenance string
	var createdMs, updatedMs int64
	if err := row.Scan(&conv.ID, &conv.Title, &conv.Model, &provenance, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	conv.Provenance = Provenance(provenance)
	conv.CreatedAt = time.UnixMilli(createdMs).UTC()
	conv.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	conv.Messages = []Message{}
	return &conv, nil
}

// LoadMessagesPage returns the most recent pageSize messages older than the cursor,
// in chronological order. An unknown conversation yields an empty page.
func (s *SQLiteStore) LoadMessagesPage(ctx context.Context, owner, conversationID string, pageSize int, cursor string) (*MessagePage, error) {
	pageSize = clampPageSize(pageSize, defaultMessagePageSize)

	query := `
		SELECT body, role_rank, position
		FROM messages
		WHERE owner = ? AND conversation_id = ?
	`
	args := []any{owner, conversationID}

	if cursor != "" {
		c, err := decodeMessageCursor(cursor)
		if err != nil {
			return nil, err
		}
		query += ` AND (timestamp < ? OR (timestamp = ? AND (role_rank < ? OR (role_rank = ? AND position < ?))))`
		args = append(args, c.TimestampMs, c.TimestampMs, c.Rank, c.Rank, c.Position)
	}

	query += ` ORDER BY timestamp DESC, role_rank DESC, position DESC LIMIT ?`
	args = append(args, pageSize+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	type keyed struct {
		msg  Message
		rank int
		pos  int
	}
	var newestFirst []keyed
	for rows.Next() {
		var body string
		var k keyed
		if err := rows.Scan(&body, &k.rank, &k.pos); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &k.msg); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		newestFirst = append(newestFirst, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	page := &MessagePage{}
	if len(newestFirst) > pageSize {
		newestFirst = newestFirst[:pageSize]
		page.HasMore = true
		oldest := newestFirst[pageSize-1]
		page.Cursor = messageCursor{
			TimestampMs: oldest.msg.Timestamp.UnixMilli(),
			Rank:        oldest.rank,
			Position:    oldest.pos,
		}.encode()
	}

	page.Messages = make([]Message, len(newestFirst))
	for i, k := range newestFirst {
		page.Messages[len(newestFirst)-1-i] = k.msg
	}
	return page, nil
}

// LoadConversation retrieves a conversation with all of its messages.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) LoadConversation(ctx context.Context, owner, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, model, provenance, created_at, updated_at
		FROM conversations
		WHERE owner = ? AND id = ?
	`, owner, id)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM messages
		WHERE owner = ? AND conversation_id = ?
		ORDER BY timestamp ASC, role_rank ASC, position ASC
	`, owner, id)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		var msg Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return conv, nil
}

// DeleteConversation removes a conversation and its messages.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, owner, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE owner = ? AND conversation_id = ?`, owner, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE owner = ? AND id = ?`, owner, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted conversation", "id", id, "owner", owner)
	return nil
}
