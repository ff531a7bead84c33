package state

import (
	"context"
	"io"
)

// RunWriter persists finished runs.
type RunWriter interface {
	SaveRun(ctx context.Context, run Run) error
}

// RunReader reads run history.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	AgentFailures(ctx context.Context, agentID string, limit int) ([]Failure, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store is the full history backend.
type Store interface {
	io.Closer
	Migrator
	RunWriter
	RunReader
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store     = (*DB)(nil)
	_ RunWriter = (*DB)(nil)
	_ RunReader = (*DB)(nil)
)
