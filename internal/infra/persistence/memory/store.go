// Package memory provides an in-memory implementation of the execution
// store used for tests and ephemeral environments. The durable sqlite and
// postgres stores layer their snapshotting on top of it.
package memory

import (
	"context"
	"sync"

	"protocolcore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.ExecutionStore = (*Store)(nil)

// Snapshot captures a point-in-time clone of the store state, ordered by
// creation.
type Snapshot struct {
	Executions []domain.TestExecution `json:"executions"`
}

// Store keeps execution snapshots in memory, cloned on every boundary
// crossing so callers can never alias internal state.
type Store struct {
	mu         sync.RWMutex
	executions map[string]domain.TestExecution
	order      []string
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{executions: make(map[string]domain.TestExecution)}
}

// Save persists the execution, replacing any prior snapshot for its id.
func (s *Store) Save(_ context.Context, execution domain.TestExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[execution.ID]; !ok {
		s.order = append(s.order, execution.ID)
	}
	s.executions[execution.ID] = execution.Clone()
	return nil
}

// Load retrieves one execution by id.
func (s *Store) Load(_ context.Context, id string) (domain.TestExecution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return domain.TestExecution{}, false, nil
	}
	return exec.Clone(), true, nil
}

// List returns all executions in the order they were first saved.
func (s *Store) List(_ context.Context) ([]domain.TestExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TestExecution, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.executions[id].Clone())
	}
	return out, nil
}

// ExportState clones the full store state for snapshot persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Executions: make([]domain.TestExecution, 0, len(s.order))}
	for _, id := range s.order {
		snap.Executions = append(snap.Executions, s.executions[id].Clone())
	}
	return snap
}

// ImportState replaces the store state with the snapshot contents.
func (s *Store) ImportState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = make(map[string]domain.TestExecution, len(snap.Executions))
	s.order = s.order[:0]
	for _, exec := range snap.Executions {
		s.executions[exec.ID] = exec.Clone()
		s.order = append(s.order, exec.ID)
	}
}
