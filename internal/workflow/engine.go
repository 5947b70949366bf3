package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cronflow/internal/core"
	"cronflow/internal/cronspec"
	"cronflow/internal/eventbus"
	"cronflow/internal/execution"
	"cronflow/internal/storage"
	logx "cronflow/pkg/logx"
)

// ExecMode tags how a run was triggered.
type ExecMode string

const (
	ModeManual   ExecMode = "manual"
	ModeSchedule ExecMode = "schedule"
	ModeTest     ExecMode = "test"
)

// Config controls the engine.
type Config struct {
	// RunTimeout bounds one full workflow run. 0 disables the bound.
	RunTimeout time.Duration

	// Now injects the time source for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Engine owns the workflow lifecycle: CRUD with optimistic versioning,
// activation, execution and cancellation. Execution records go through the
// tracker; lifecycle events are published on the bus.
type Engine struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.TaskStore
	tracker *execution.Tracker
	eval    *cronspec.Evaluator
	runner  StepRunner

	runMu   sync.Mutex
	running map[string]map[string]context.CancelFunc // task id -> exec id -> cancel
}

func New(store storage.TaskStore, tracker *execution.Tracker, eval *cronspec.Evaluator, runner StepRunner, bus eventbus.Bus, cfg Config, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("svc", "workflow")),
		bus:     bus,
		store:   store,
		tracker: tracker,
		eval:    eval,
		runner:  runner,
		running: map[string]map[string]context.CancelFunc{},
	}
}

func (e *Engine) validate(w *core.Workflow) error {
	if strings.TrimSpace(w.Name) == "" {
		return invalidf("name is required")
	}
	if strings.TrimSpace(w.Owner) == "" {
		return invalidf("owner is required")
	}
	switch w.Trigger.Kind {
	case core.TriggerManual:
		if w.Trigger.CronExpr != "" {
			return invalidf("manual trigger must not carry a cron expression")
		}
	case core.TriggerSchedule:
		if _, err := e.eval.NextRun(w.Trigger.CronExpr); err != nil {
			return fmt.Errorf("%w: trigger: %v", ErrInvalid, err)
		}
	default:
		return invalidf("unknown trigger kind %q", w.Trigger.Kind)
	}
	return ValidateSteps(w.Steps)
}

// Create stores a new workflow. New workflows start as inactive drafts;
// Activate makes them eligible for dispatch. NextRun is computed for
// schedule triggers so callers can see when the workflow would fire.
func (e *Engine) Create(ctx context.Context, w *core.Workflow) (*core.Workflow, error) {
	if err := e.validate(w); err != nil {
		return nil, err
	}
	now := e.cfg.Now().UTC()

	nw := core.CloneWorkflow(w)
	if nw.ID == "" {
		nw.ID = uuid.NewString()
	}
	nw.Version = 1
	nw.IsDraft = true
	nw.IsActive = false
	nw.Status = core.StatusPending
	nw.LastRun = time.Time{}
	nw.CreatedAt = now
	nw.UpdatedAt = now
	nw.NextRun = time.Time{}
	if nw.Trigger.Kind == core.TriggerSchedule {
		next, err := e.eval.NextRunAfter(nw.Trigger.CronExpr, now)
		if err != nil {
			return nil, fmt.Errorf("%w: trigger: %v", ErrInvalid, err)
		}
		nw.NextRun = next
	}

	if err := e.store.CreateWorkflow(ctx, nw); err != nil {
		return nil, err
	}
	e.publish(eventbus.WorkflowCreated, nw)
	e.log.Info("workflow created",
		logx.String("id", nw.ID),
		logx.String("name", nw.Name),
		logx.String("owner", nw.Owner))
	return nw, nil
}

// Update replaces the stored workflow. w.Version must be the version the
// caller read; a stale version yields ErrConcurrentModification. NextRun
// is recomputed when the cron expression changed.
func (e *Engine) Update(ctx context.Context, w *core.Workflow) (*core.Workflow, error) {
	if err := e.validate(w); err != nil {
		return nil, err
	}
	cur, err := e.Get(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	now := e.cfg.Now().UTC()

	nw := core.CloneWorkflow(w)
	nw.Version = w.Version + 1
	nw.CreatedAt = cur.CreatedAt
	nw.UpdatedAt = now
	if nw.Trigger.Kind != core.TriggerSchedule {
		nw.NextRun = time.Time{}
	} else if nw.Trigger.CronExpr != cur.Trigger.CronExpr || cur.NextRun.IsZero() {
		next, err := e.eval.NextRunAfter(nw.Trigger.CronExpr, now)
		if err != nil {
			return nil, fmt.Errorf("%w: trigger: %v", ErrInvalid, err)
		}
		nw.NextRun = next
	}

	if err := e.store.UpdateWorkflow(ctx, nw, w.Version); err != nil {
		return nil, mapStoreErr(err)
	}
	e.publish(eventbus.WorkflowUpdated, nw)
	return nw, nil
}

// Activate makes a workflow eligible for dispatch. Activating a draft
// implicitly clears the draft flag. Completed or disabled workflows go
// back to pending with a fresh NextRun.
func (e *Engine) Activate(ctx context.Context, id string) (*core.Workflow, error) {
	now := e.cfg.Now().UTC()
	w, err := e.transition(ctx, id, func(w *core.Workflow) error {
		w.IsDraft = false
		w.IsActive = true
		if w.Status != core.StatusRunning {
			w.Status = core.StatusPending
		}
		if w.Trigger.Kind == core.TriggerSchedule {
			next, err := e.eval.NextRunAfter(w.Trigger.CronExpr, now)
			if err != nil {
				return fmt.Errorf("%w: trigger: %v", ErrInvalid, err)
			}
			w.NextRun = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(eventbus.WorkflowActivated, w)
	return w, nil
}

// Deactivate takes a workflow out of dispatch without deleting it.
func (e *Engine) Deactivate(ctx context.Context, id string) (*core.Workflow, error) {
	w, err := e.transition(ctx, id, func(w *core.Workflow) error {
		w.IsActive = false
		if w.Status != core.StatusRunning {
			w.Status = core.StatusDisabled
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(eventbus.WorkflowDeactivated, w)
	return w, nil
}

// Delete removes a workflow. Past executions are kept as history.
func (e *Engine) Delete(ctx context.Context, id string) error {
	w, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteWorkflow(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	e.publish(eventbus.WorkflowDeleted, w)
	e.log.Info("workflow deleted", logx.String("id", id), logx.String("owner", w.Owner))
	return nil
}

func (e *Engine) Get(ctx context.Context, id string) (*core.Workflow, error) {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return w, nil
}

func (e *Engine) ListByOwner(ctx context.Context, owner string) ([]*core.Workflow, error) {
	return e.store.ListWorkflowsByOwner(ctx, owner)
}

// Execute runs a workflow now. Test runs are tagged in the execution
// context and leave the workflow's scheduling state untouched.
func (e *Engine) Execute(ctx context.Context, id string, mode ExecMode) (*core.Execution, error) {
	w, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	execCtx := map[string]string{"trigger": string(mode)}
	if mode == ModeTest {
		execCtx["test"] = "true"
	}
	rec, err := e.tracker.Start(ctx, w.ID, w.Owner, execCtx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if e.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
	}
	e.trackRun(w.ID, rec.ID, cancel)
	defer func() {
		e.untrackRun(w.ID, rec.ID)
		cancel()
	}()

	e.publish(eventbus.ExecutionStarted, rec)
	if mode != ModeTest {
		// Best effort; a conflict here only delays the status flip.
		if _, err := e.transition(ctx, w.ID, func(w *core.Workflow) error {
			w.Status = core.StatusRunning
			return nil
		}); err != nil {
			e.log.Warn("could not mark workflow running", logx.String("id", w.ID), logx.Err(err))
		}
	}

	out, runErr := runSteps(runCtx, e.runner, w)
	status, errMsg := outcome(runCtx, runErr)

	// Finalization must survive the caller's cancellation.
	finCtx := context.WithoutCancel(ctx)
	if err := e.tracker.Complete(finCtx, rec.ID, status, out, errMsg); err != nil && !errors.Is(err, execution.ErrAlreadyFinalized) {
		e.log.Error("finalize failed", logx.String("exec_id", rec.ID), logx.Err(err))
	}
	var stepErr *StepError
	if errors.As(runErr, &stepErr) {
		if err := e.tracker.Annotate(finCtx, rec.ID, map[string]string{"failed_step_id": stepErr.StepID}); err != nil {
			e.log.Warn("could not record failed step", logx.String("exec_id", rec.ID), logx.Err(err))
		}
	}
	if mode != ModeTest {
		if err := e.settle(finCtx, w.ID, status); err != nil {
			e.log.Warn("post-run settle failed", logx.String("id", w.ID), logx.Err(err))
		}
	}

	final, err := e.tracker.Get(finCtx, rec.ID)
	if err != nil {
		return nil, err
	}
	e.publish(eventbus.ExecutionFinished, final)
	e.log.Info("workflow run finished",
		logx.String("id", w.ID),
		logx.String("exec_id", rec.ID),
		logx.String("status", string(final.Status)))
	return final, nil
}

// Stop cancels every running execution of the workflow. It returns how
// many runs were signalled; ErrNothingToStop if there were none.
func (e *Engine) Stop(ctx context.Context, id string) (int, error) {
	e.runMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.running[id]))
	for _, c := range e.running[id] {
		cancels = append(cancels, c)
	}
	e.runMu.Unlock()

	if len(cancels) == 0 {
		return 0, ErrNothingToStop
	}
	for _, c := range cancels {
		c()
	}
	e.log.Info("workflow stopped", logx.String("id", id), logx.Int("runs", len(cancels)))
	return len(cancels), nil
}

// settle applies the post-run scheduling state.
func (e *Engine) settle(ctx context.Context, id string, status core.ExecStatus) error {
	now := e.cfg.Now().UTC()
	_, err := e.transition(ctx, id, func(w *core.Workflow) error {
		w.LastRun = now
		switch {
		case status == core.ExecFailed:
			// Keep the overdue NextRun: a requeue must be picked up by
			// the next cycle, not wait for the next cron fire.
			w.Status = core.StatusFailed
		case status == core.ExecSucceeded && w.DoOnlyOnce:
			// One-shots retire after a successful run.
			w.Status = core.StatusCompleted
			w.IsActive = false
			w.NextRun = time.Time{}
		default:
			w.Status = core.StatusPending
			if w.Trigger.Kind == core.TriggerSchedule {
				next, err := e.eval.NextRunAfter(w.Trigger.CronExpr, now)
				if err != nil {
					return err
				}
				w.NextRun = next
			} else {
				w.NextRun = time.Time{}
			}
		}
		return nil
	})
	return err
}

// Requeue marks a failed workflow pending again so the dispatcher can
// retry it in a later cycle.
func (e *Engine) Requeue(ctx context.Context, id string) error {
	_, err := e.transition(ctx, id, func(w *core.Workflow) error {
		if w.Status == core.StatusFailed {
			w.Status = core.StatusPending
		}
		return nil
	})
	return err
}

// transition is a load-mutate-save loop with a bounded number of
// optimistic retries.
func (e *Engine) transition(ctx context.Context, id string, mutate func(*core.Workflow) error) (*core.Workflow, error) {
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := e.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		prev := cur.Version
		if err := mutate(cur); err != nil {
			return nil, err
		}
		cur.Version = prev + 1
		cur.UpdatedAt = e.cfg.Now().UTC()
		err = e.store.UpdateWorkflow(ctx, cur, prev)
		if errors.Is(err, storage.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, mapStoreErr(err)
		}
		return cur, nil
	}
	return nil, ErrConcurrentModification
}

func (e *Engine) trackRun(taskID, execID string, cancel context.CancelFunc) {
	e.runMu.Lock()
	m := e.running[taskID]
	if m == nil {
		m = map[string]context.CancelFunc{}
		e.running[taskID] = m
	}
	m[execID] = cancel
	e.runMu.Unlock()
}

func (e *Engine) untrackRun(taskID, execID string) {
	e.runMu.Lock()
	if m := e.running[taskID]; m != nil {
		delete(m, execID)
		if len(m) == 0 {
			delete(e.running, taskID)
		}
	}
	e.runMu.Unlock()
}

func (e *Engine) publish(t eventbus.Type, data any) {
	if e.bus == nil {
		return
	}
	owner := ""
	switch v := data.(type) {
	case *core.Workflow:
		owner = v.Owner
	case *core.Execution:
		owner = v.Owner
	}
	e.bus.Publish(eventbus.Event{Type: t, Owner: owner, Data: data})
}

// outcome maps a run error to the execution's terminal status.
func outcome(runCtx context.Context, runErr error) (core.ExecStatus, string) {
	switch {
	case runErr == nil:
		return core.ExecSucceeded, ""
	case errors.Is(runErr, context.Canceled), errors.Is(runCtx.Err(), context.Canceled):
		return core.ExecCancelled, runErr.Error()
	default:
		return core.ExecFailed, runErr.Error()
	}
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrVersionMismatch):
		return ErrConcurrentModification
	default:
		return err
	}
}
