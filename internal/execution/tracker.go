// Package execution tracks run records for workflows and scheduled tasks.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cronflow/internal/core"
	"cronflow/internal/storage"
	logx "cronflow/pkg/logx"
)

var (
	ErrNotFound = errors.New("execution: not found")

	// ErrAlreadyFinalized means another writer reached the terminal state
	// first; the record was not changed.
	ErrAlreadyFinalized = errors.New("execution: already finalized")
)

// Config controls the tracker.
type Config struct {
	// Now injects the time source for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Tracker records execution lifecycles in the store. Finalization goes
// through the store's compare-and-set, so concurrent Complete calls for
// the same run resolve to exactly one winner.
type Tracker struct {
	store storage.ExecutionStore
	cfg   Config
	log   logx.Logger
}

func New(store storage.ExecutionStore, cfg Config, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{store: store, cfg: cfg.withDefaults(), log: log}
}

// Start opens a running execution record. execCtx is copied in; callers
// may reuse their map.
func (t *Tracker) Start(ctx context.Context, taskID, owner string, execCtx map[string]string) (*core.Execution, error) {
	if taskID == "" {
		return nil, fmt.Errorf("execution: task id is required")
	}
	e := &core.Execution{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Owner:     owner,
		Status:    core.ExecRunning,
		StartTime: t.cfg.Now().UTC(),
	}
	if len(execCtx) > 0 {
		e.Context = make(map[string]string, len(execCtx))
		for k, v := range execCtx {
			e.Context[k] = v
		}
	}
	if err := t.store.PutExecution(ctx, e); err != nil {
		return nil, err
	}
	t.log.Debug("execution started",
		logx.String("exec_id", e.ID),
		logx.String("task_id", taskID))
	return core.CloneExecution(e), nil
}

// Complete finalizes a running execution. status must be terminal.
func (t *Tracker) Complete(ctx context.Context, id string, status core.ExecStatus, output, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("execution: %q is not a terminal status", status)
	}
	err := t.store.FinalizeExecution(ctx, id, status, t.cfg.Now().UTC(), output, errMsg)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrFinalized):
		return ErrAlreadyFinalized
	case err != nil:
		return err
	}
	t.log.Debug("execution finalized",
		logx.String("exec_id", id),
		logx.String("status", string(status)))
	return nil
}

// Annotate merges extra metadata into an execution's context.
func (t *Tracker) Annotate(ctx context.Context, id string, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	e, err := t.store.GetExecution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if e.Context == nil {
		e.Context = make(map[string]string, len(kv))
	}
	for k, v := range kv {
		e.Context[k] = v
	}
	return t.store.PutExecution(ctx, e)
}

// Get returns one execution record.
func (t *Tracker) Get(ctx context.Context, id string) (*core.Execution, error) {
	e, err := t.store.GetExecution(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return e, err
}

// ListRunning returns all currently running executions, newest first.
func (t *Tracker) ListRunning(ctx context.Context) ([]*core.Execution, error) {
	return t.store.ListRunning(ctx)
}

// ListByTask returns up to limit executions of one task, newest first.
// limit <= 0 means no limit.
func (t *Tracker) ListByTask(ctx context.Context, taskID string, limit int) ([]*core.Execution, error) {
	return t.store.ListByTask(ctx, taskID, limit)
}

// ListByOwner returns up to limit executions across an owner's tasks,
// newest first. limit <= 0 means no limit.
func (t *Tracker) ListByOwner(ctx context.Context, owner string, limit int) ([]*core.Execution, error) {
	return t.store.ListByOwner(ctx, owner, limit)
}
