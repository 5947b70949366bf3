// Package dispatch is the scheduling loop: every interval it loads due
// workflows and scheduled tasks, ranks them by priority, and executes as
// many as the concurrency budget allows.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"cronflow/internal/core"
	"cronflow/internal/cronspec"
	"cronflow/internal/eventbus"
	"cronflow/internal/execution"
	"cronflow/internal/schedule"
	"cronflow/internal/storage"
	"cronflow/internal/workflow"
	logx "cronflow/pkg/logx"

	rtsup "cronflow/internal/runtime/supervisor"
)

// Config controls the dispatcher.
type Config struct {
	Enabled  bool
	Interval time.Duration // default 30s
	Workers  int           // default 4

	// MaxAttempts bounds failure requeueing per task.
	MaxAttempts int

	// Now injects the time source for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = schedule.MaxAttempts
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Dispatcher runs due work. Workflows go through the engine; scheduled
// tasks are single-step runs executed directly against the tracker.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store   storage.Store
	engine  *workflow.Engine
	tracker *execution.Tracker
	eval    *cronspec.Evaluator
	runner  workflow.StepRunner
	bus     eventbus.Bus

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// attempts tracks consecutive failures per task id.
	amu      sync.Mutex
	attempts map[string]int
}

func New(store storage.Store, engine *workflow.Engine, tracker *execution.Tracker, eval *cronspec.Evaluator, runner workflow.StepRunner, bus eventbus.Bus, cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("svc", "dispatch")),
		store:    store,
		engine:   engine,
		tracker:  tracker,
		eval:     eval,
		runner:   runner,
		bus:      bus,
		attempts: map[string]int{},
	}
}

// Start launches the dispatch loop. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.stopCh != nil || !d.cfg.Enabled {
		d.mu.Unlock()
		return
	}
	d.stopCh = make(chan struct{})
	d.stopDone = make(chan struct{})
	stopCh := d.stopCh
	stopDone := d.stopDone
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	sup := d.sup
	d.mu.Unlock()

	sup.GoRestart("dispatch.loop", func(ctx context.Context) error {
		defer close(stopDone)
		return d.loop(ctx, stopCh)
	})
	d.log.Info("dispatcher started",
		logx.Duration("interval", d.cfg.Interval),
		logx.Int("workers", d.cfg.Workers))
}

// Stop halts the loop and waits for the current cycle. Idempotent.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	stopCh := d.stopCh
	stopDone := d.stopDone
	sup := d.sup
	d.stopCh = nil
	d.stopDone = nil
	d.sup = nil
	d.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-stopDone:
	case <-ctx.Done():
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	d.log.Info("dispatcher stopped")
}

// Apply reconfigures the dispatcher, restarting the loop when it is
// running. Safe to call at any time.
func (d *Dispatcher) Apply(ctx context.Context, cfg Config) {
	d.mu.Lock()
	if cfg.Now == nil {
		cfg.Now = d.cfg.Now
	}
	cfg = cfg.withDefaults()
	running := d.stopCh != nil
	d.mu.Unlock()

	if running {
		d.Stop(ctx)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	if cfg.Enabled {
		d.Start(ctx)
	}
}

func (d *Dispatcher) loop(ctx context.Context, stopCh <-chan struct{}) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	// First cycle runs immediately so a restart doesn't delay due work.
	d.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

type candidate struct {
	id    string
	wf    *core.Workflow
	task  *core.ScheduledTask
	state schedule.State
}

// runCycle loads due work, ranks it, and executes it with a bounded
// worker pool. The cycle waits for its own runs to finish so cycles
// never overlap.
func (d *Dispatcher) runCycle(ctx context.Context) {
	now := d.cfg.Now().UTC()

	wfs, err := d.store.DueWorkflows(ctx, now)
	if err != nil {
		d.log.Error("due workflow scan failed", logx.Err(err))
		return
	}
	tasks, err := d.store.DueTasks(ctx, now)
	if err != nil {
		d.log.Error("due task scan failed", logx.Err(err))
		return
	}
	if len(wfs) == 0 && len(tasks) == 0 {
		return
	}

	byID := make(map[string]candidate, len(wfs)+len(tasks))
	cands := make([]schedule.Candidate, 0, len(wfs)+len(tasks))
	for _, w := range wfs {
		c := candidate{id: w.ID, wf: w, state: w.ScheduleState()}
		byID[w.ID] = c
		cands = append(cands, schedule.Candidate{ID: w.ID, State: c.state, Attempt: d.attemptCount(w.ID)})
	}
	for _, tk := range tasks {
		c := candidate{id: tk.ID, task: tk, state: tk.ScheduleState()}
		byID[tk.ID] = c
		cands = append(cands, schedule.Candidate{ID: tk.ID, State: c.state, Attempt: d.attemptCount(tk.ID)})
	}
	ranked := schedule.Rank(cands, now)

	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.DispatchCycle, Data: map[string]int{
			"due": len(ranked),
		}})
	}

	permits := make(chan struct{}, d.cfg.Workers)
	var wg sync.WaitGroup
	for _, rc := range ranked {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case permits <- struct{}{}:
		}
		c := byID[rc.ID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-permits }()
			if c.wf != nil {
				d.runWorkflow(ctx, c.wf)
			} else {
				d.runTask(ctx, c.task)
			}
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) runWorkflow(ctx context.Context, w *core.Workflow) {
	rec, err := d.engine.Execute(ctx, w.ID, workflow.ModeSchedule)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return // deleted between scan and run
		}
		d.log.Error("workflow run failed to start", logx.String("id", w.ID), logx.Err(err))
		return
	}
	d.settleAttempts(ctx, w.ID, rec.Status, true)
}

// runTask executes a single-action scheduled task as a synthetic
// one-step run, then applies the same post-run scheduling rules the
// engine applies to workflows.
func (d *Dispatcher) runTask(ctx context.Context, tk *core.ScheduledTask) {
	rec, err := d.tracker.Start(ctx, tk.ID, tk.Owner, map[string]string{"trigger": "schedule"})
	if err != nil {
		d.log.Error("task run failed to start", logx.String("id", tk.ID), logx.Err(err))
		return
	}

	step := core.Step{ID: tk.ID, Name: tk.Name, Kind: tk.Kind, Instruction: tk.Instruction}
	res := d.runner.RunStep(ctx, nil, step)

	status := core.ExecSucceeded
	errMsg := ""
	if !res.Success {
		status = core.ExecFailed
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
	}
	if err := d.tracker.Complete(context.WithoutCancel(ctx), rec.ID, status, res.Output, errMsg); err != nil {
		d.log.Error("task finalize failed", logx.String("exec_id", rec.ID), logx.Err(err))
	}

	now := d.cfg.Now().UTC()
	tk.LastRun = now
	switch {
	case status == core.ExecFailed:
		// Keep the overdue NextRun so a requeue is due next cycle.
		tk.Status = core.StatusFailed
	case tk.DoOnlyOnce:
		tk.Status = core.StatusCompleted
		tk.Enabled = false
		tk.NextRun = time.Time{}
	default:
		tk.Status = core.StatusPending
		if next, err := d.eval.NextRunAfter(tk.CronExpr, now); err == nil {
			tk.NextRun = next
		} else {
			tk.NextRun = time.Time{}
		}
	}
	if err := d.store.PutTask(ctx, tk); err != nil {
		d.log.Error("task state update failed", logx.String("id", tk.ID), logx.Err(err))
	}
	d.settleAttempts(ctx, tk.ID, status, false)
}

// settleAttempts applies the bounded-retry rule: a failed run goes back
// to pending until the attempt budget is spent, then stays failed.
func (d *Dispatcher) settleAttempts(ctx context.Context, id string, status core.ExecStatus, isWorkflow bool) {
	if status != core.ExecFailed {
		d.amu.Lock()
		delete(d.attempts, id)
		d.amu.Unlock()
		return
	}

	d.amu.Lock()
	d.attempts[id]++
	n := d.attempts[id]
	d.amu.Unlock()

	if n >= d.cfg.MaxAttempts {
		d.log.Warn("retry budget exhausted",
			logx.String("id", id),
			logx.Int("attempts", n))
		return
	}

	if isWorkflow {
		if err := d.engine.Requeue(ctx, id); err != nil {
			d.log.Error("requeue failed", logx.String("id", id), logx.Err(err))
		}
		return
	}
	tk, err := d.store.GetTask(ctx, id)
	if err != nil {
		return
	}
	if tk.Status == core.StatusFailed {
		tk.Status = core.StatusPending
		if err := d.store.PutTask(ctx, tk); err != nil {
			d.log.Error("task requeue failed", logx.String("id", id), logx.Err(err))
		}
	}
}

func (d *Dispatcher) attemptCount(id string) int {
	d.amu.Lock()
	defer d.amu.Unlock()
	return d.attempts[id]
}
