package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/relay/pkg/models"
)

// SQLite is a Gateway backed by a sqlite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
// ":memory:" gives a private in-process database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent streams.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so other stores can share the database.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			item_id         TEXT NOT NULL,
			output_index    INTEGER NOT NULL,
			content         TEXT NOT NULL,
			updated_at      TIMESTAMP NOT NULL,
			PRIMARY KEY (conversation_id, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			conversation_id TEXT NOT NULL,
			id              TEXT NOT NULL,
			name            TEXT NOT NULL DEFAULT '',
			server          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			arguments       TEXT,
			result          TEXT,
			error           TEXT,
			output_index    INTEGER NOT NULL,
			updated_at      TIMESTAMP NOT NULL,
			PRIMARY KEY (conversation_id, id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// EnsureConversation creates the conversation row if it does not exist.
func (s *SQLite) EnsureConversation(ctx context.Context, id, title string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		id, title, now, now)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// UpsertMessage inserts or replaces a message by item ID.
func (s *SQLite) UpsertMessage(ctx context.Context, conversationID string, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, item_id, output_index, content, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, item_id) DO UPDATE SET
			content = excluded.content,
			output_index = excluded.output_index,
			updated_at = excluded.updated_at`,
		conversationID, m.ItemID, m.OutputIndex, m.Content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// UpsertToolCall inserts or replaces a tool call by its ID.
func (s *SQLite) UpsertToolCall(ctx context.Context, conversationID string, tc *models.ToolCall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (conversation_id, id, name, server, status, arguments, result, error, output_index, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, id) DO UPDATE SET
			name = excluded.name,
			server = excluded.server,
			status = excluded.status,
			arguments = excluded.arguments,
			result = excluded.result,
			error = excluded.error,
			output_index = excluded.output_index,
			updated_at = excluded.updated_at`,
		conversationID, tc.ID, tc.Name, tc.Server, tc.Status,
		string(tc.Arguments), tc.Result, tc.Error, tc.OutputIndex, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert tool call: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
