package core

import (
	"sync"

	"protocolcore/pkg/domain"
)

// Registry tracks all in-flight and completed executions. It mediates
// concurrent access to the set of executions; mutation of any one execution
// stays with its state machine's single-writer lock. Registries are
// explicitly constructed and injected, never process-wide singletons, so
// parallel tests can run isolated instances.
type Registry struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	order      []string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{executions: make(map[string]*Execution)}
}

// Add registers an execution. Adding a duplicate id is a programming error
// reported to the caller.
func (r *Registry) Add(e *Execution) error {
	id := e.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executions[id]; ok {
		return domain.ConflictError{Kind: "execution", ID: id}
	}
	r.executions[id] = e
	r.order = append(r.order, id)
	return nil
}

// Get returns the execution with the given id.
func (r *Registry) Get(id string) (*Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executions[id]
	return e, ok
}

// List returns all registered executions in creation order.
func (r *Registry) List() []*Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Execution, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.executions[id])
	}
	return out
}

// ListByProtocol returns the executions referencing the given protocol id, in
// creation order.
func (r *Registry) ListByProtocol(protocolID string) []*Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Execution
	for _, id := range r.order {
		e := r.executions[id]
		if e.Snapshot().ProtocolID == protocolID {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the number of registered executions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executions)
}
