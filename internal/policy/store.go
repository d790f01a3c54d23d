// Package policy stores per-tool approval policies.
package policy

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Decision is the configured behavior for a (server, tool) pair.
type Decision string

const (
	// DecisionAsk requires a human approval before every execution. It is
	// the default when no policy is configured.
	DecisionAsk Decision = "ask"

	// DecisionAllow executes without asking.
	DecisionAllow Decision = "allow"

	// DecisionDeny refuses execution without asking.
	DecisionDeny Decision = "deny"
)

// Store looks up and records tool policies.
type Store interface {
	// Get returns the decision for a (server, tool) pair. Missing entries
	// return DecisionAsk.
	Get(ctx context.Context, server, tool string) (Decision, error)

	// Set upserts the decision for a (server, tool) pair.
	Set(ctx context.Context, server, tool string, d Decision) error
}

// Memory is an in-memory Store.
type Memory struct {
	mu       sync.RWMutex
	policies map[string]Decision
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{policies: make(map[string]Decision)}
}

func key(server, tool string) string {
	return server + "\x00" + tool
}

// Get returns the decision for a (server, tool) pair.
func (m *Memory) Get(_ context.Context, server, tool string) (Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.policies[key(server, tool)]; ok {
		return d, nil
	}
	return DecisionAsk, nil
}

// Set upserts the decision for a (server, tool) pair.
func (m *Memory) Set(_ context.Context, server, tool string, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[key(server, tool)] = d
	return nil
}

// SQL is a Store backed by a SQL database.
type SQL struct {
	db *sql.DB
}

// NewSQL creates a SQL-backed store and ensures its schema.
func NewSQL(ctx context.Context, db *sql.DB) (*SQL, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tool_policies (
			server      TEXT NOT NULL,
			tool        TEXT NOT NULL,
			decision    TEXT NOT NULL,
			updated_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (server, tool)
		)`)
	if err != nil {
		return nil, fmt.Errorf("create tool_policies table: %w", err)
	}
	return &SQL{db: db}, nil
}

// Get returns the decision for a (server, tool) pair.
func (s *SQL) Get(ctx context.Context, server, tool string) (Decision, error) {
	var d Decision
	err := s.db.QueryRowContext(ctx,
		`SELECT decision FROM tool_policies WHERE server = ? AND tool = ?`,
		server, tool).Scan(&d)
	if err == sql.ErrNoRows {
		return DecisionAsk, nil
	}
	if err != nil {
		return DecisionAsk, fmt.Errorf("get policy: %w", err)
	}
	return d, nil
}

// Set upserts the decision for a (server, tool) pair.
func (s *SQL) Set(ctx context.Context, server, tool string, d Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_policies (server, tool, decision, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (server, tool) DO UPDATE SET
			decision = excluded.decision,
			updated_at = excluded.updated_at`,
		server, tool, d, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set policy: %w", err)
	}
	return nil
}
