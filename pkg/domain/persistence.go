package domain

import "context"

// ExecutionStore is the minimal abstraction over durable backends consumed by
// the registry. The core never performs I/O itself; implementations live
// under internal/infra.
type ExecutionStore interface {
	// Save persists the full execution state, replacing any prior snapshot.
	Save(ctx context.Context, execution TestExecution) error
	// Load retrieves one execution by id; ok is false when absent.
	Load(ctx context.Context, id string) (TestExecution, bool, error)
	// List returns all persisted executions ordered by creation time.
	List(ctx context.Context) ([]TestExecution, error)
}

// DefinitionSource resolves validated protocol definitions by id and version.
// Implementations must reject malformed documents at load time; the execution
// engine treats the returned Definition as opaque validated input.
type DefinitionSource interface {
	LoadDefinition(ctx context.Context, id, version string) (*Definition, error)
}
