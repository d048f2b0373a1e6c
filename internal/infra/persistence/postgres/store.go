// Package postgres provides a Postgres-backed execution store that mirrors
// the in-memory semantics, writing each execution as a JSONB row after every
// successful save.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"protocolcore/internal/infra/persistence/memory"
	"protocolcore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.ExecutionStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenExecutionStore defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/protocolcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sql.Open hook for tests. The returned function
// restores the previous hook.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

// Store layers Postgres persistence over the in-memory store.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the executions table exists, and hydrates the
// in-memory store from existing rows.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		payload JSONB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create executions table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM executions ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("select executions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var snap memory.Snapshot
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var exec domain.TestExecution
		if err := json.Unmarshal(payload, &exec); err != nil {
			return fmt.Errorf("decode execution: %w", err)
		}
		snap.Executions = append(snap.Executions, exec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate executions: %w", err)
	}
	s.Store.ImportState(snap)
	return nil
}

// Save persists to memory, then writes the execution row through to Postgres.
func (s *Store) Save(ctx context.Context, execution domain.TestExecution) error {
	if err := s.Store.Save(ctx, execution); err != nil {
		return err
	}
	payload, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO executions (id, payload) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		execution.ID, payload)
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }
