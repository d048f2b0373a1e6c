// Package sqlite persists execution snapshots to an embedded SQLite file,
// mirroring the in-memory semantics and writing each execution as a JSON row
// after every successful save.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"protocolcore/internal/infra/persistence/memory"
	"protocolcore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.ExecutionStore = (*Store)(nil)

// Store layers SQLite persistence over the in-memory store. Reads are served
// from memory; every Save writes through to the executions table.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the SQLite file at path and hydrates the
// in-memory state from any existing rows. An empty path defaults to
// protocolcore.db in the working directory.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "protocolcore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create executions table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT payload FROM executions ORDER BY seq`)
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

// Save persists to memory, then writes the execution row through to SQLite.
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
	_, err = s.db.ExecContext(ctx, `INSERT INTO executions (id, seq, payload)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM executions), ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		execution.ID, payload)
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the SQLite file location.
func (s *Store) Path() string { return s.path }
