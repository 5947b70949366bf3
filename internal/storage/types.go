package storage

import (
	"context"
	"errors"
	"time"

	"cronflow/internal/core"
)

var (
	// ErrNotFound means no record exists for the given ID.
	ErrNotFound = errors.New("storage: not found")

	// ErrExists means a create collided with an existing ID.
	ErrExists = errors.New("storage: already exists")

	// ErrVersionMismatch means an update lost an optimistic-concurrency race.
	ErrVersionMismatch = errors.New("storage: version mismatch")

	// ErrFinalized means an execution already reached a terminal status.
	ErrFinalized = errors.New("storage: execution already finalized")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): process-local store
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskStore persists workflows and scheduled tasks.
//
// UpdateWorkflow is a compare-and-set: it applies w only when the stored
// version equals prevVersion, otherwise ErrVersionMismatch. PutTask is a
// plain upsert; scheduled tasks carry no draft/version machinery.
type TaskStore interface {
	CreateWorkflow(ctx context.Context, w *core.Workflow) error
	UpdateWorkflow(ctx context.Context, w *core.Workflow, prevVersion int64) error
	GetWorkflow(ctx context.Context, id string) (*core.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	ListWorkflowsByOwner(ctx context.Context, owner string) ([]*core.Workflow, error)

	PutTask(ctx context.Context, t *core.ScheduledTask) error
	GetTask(ctx context.Context, id string) (*core.ScheduledTask, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasksByOwner(ctx context.Context, owner string) ([]*core.ScheduledTask, error)

	// DueWorkflows and DueTasks return active, pending work whose
	// NextRun is at or before now.
	DueWorkflows(ctx context.Context, now time.Time) ([]*core.Workflow, error)
	DueTasks(ctx context.Context, now time.Time) ([]*core.ScheduledTask, error)
}

// ExecutionStore persists execution records.
//
// Finalize is a compare-and-set against the running status: exactly one
// finalization wins; later attempts get ErrFinalized.
type ExecutionStore interface {
	PutExecution(ctx context.Context, e *core.Execution) error
	GetExecution(ctx context.Context, id string) (*core.Execution, error)
	ListRunning(ctx context.Context) ([]*core.Execution, error)
	ListByTask(ctx context.Context, taskID string, limit int) ([]*core.Execution, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]*core.Execution, error)
	FinalizeExecution(ctx context.Context, id string, status core.ExecStatus, endTime time.Time, output, errMsg string) error
}

// Store is the full persistence API.
type Store interface {
	TaskStore
	ExecutionStore
	Close() error
}
