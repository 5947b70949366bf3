package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"cronflow/internal/core"
)

// Memory is the in-process store. Records are cloned on the way in and out
// so callers cannot alias store-internal state.
type Memory struct {
	mu         sync.RWMutex
	workflows  map[string]*core.Workflow
	tasks      map[string]*core.ScheduledTask
	executions map[string]*core.Execution
}

func NewMemory() *Memory {
	return &Memory{
		workflows:  map[string]*core.Workflow{},
		tasks:      map[string]*core.ScheduledTask{},
		executions: map[string]*core.Execution{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateWorkflow(ctx context.Context, w *core.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.ID]; ok {
		return ErrExists
	}
	m.workflows[w.ID] = core.CloneWorkflow(w)
	return nil
}

func (m *Memory) UpdateWorkflow(ctx context.Context, w *core.Workflow, prevVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.workflows[w.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != prevVersion {
		return ErrVersionMismatch
	}
	m.workflows[w.ID] = core.CloneWorkflow(w)
	return nil
}

func (m *Memory) GetWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return core.CloneWorkflow(w), nil
}

func (m *Memory) DeleteWorkflow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(m.workflows, id)
	return nil
}

func (m *Memory) ListWorkflowsByOwner(ctx context.Context, owner string) ([]*core.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Workflow
	for _, w := range m.workflows {
		if owner == "" || w.Owner == owner {
			out = append(out, core.CloneWorkflow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) PutTask(ctx context.Context, t *core.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*core.ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) ListTasksByOwner(ctx context.Context, owner string) ([]*core.ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.ScheduledTask
	for _, t := range m.tasks {
		if owner == "" || t.Owner == owner {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DueWorkflows(ctx context.Context, now time.Time) ([]*core.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Workflow
	for _, w := range m.workflows {
		if workflowDue(w, now) {
			out = append(out, core.CloneWorkflow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out, nil
}

func (m *Memory) DueTasks(ctx context.Context, now time.Time) ([]*core.ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.ScheduledTask
	for _, t := range m.tasks {
		if taskDue(t, now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out, nil
}

func workflowDue(w *core.Workflow, now time.Time) bool {
	return w.IsActive && !w.IsDraft &&
		w.Status == core.StatusPending &&
		!w.NextRun.IsZero() && !w.NextRun.After(now)
}

func taskDue(t *core.ScheduledTask, now time.Time) bool {
	return t.Enabled &&
		t.Status == core.StatusPending &&
		!t.NextRun.IsZero() && !t.NextRun.After(now)
}

func (m *Memory) PutExecution(ctx context.Context, e *core.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = core.CloneExecution(e)
	return nil
}

func (m *Memory) GetExecution(ctx context.Context, id string) (*core.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return core.CloneExecution(e), nil
}

func (m *Memory) ListRunning(ctx context.Context) ([]*core.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Execution
	for _, e := range m.executions {
		if e.Status == core.ExecRunning {
			out = append(out, core.CloneExecution(e))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) ListByTask(ctx context.Context, taskID string, limit int) ([]*core.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Execution
	for _, e := range m.executions {
		if e.TaskID == taskID {
			out = append(out, core.CloneExecution(e))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (m *Memory) ListByOwner(ctx context.Context, owner string, limit int) ([]*core.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Execution
	for _, e := range m.executions {
		if e.Owner == owner {
			out = append(out, core.CloneExecution(e))
		}
	}
	sortNewestFirst(out)
	return clip(out, limit), nil
}

func (m *Memory) FinalizeExecution(ctx context.Context, id string, status core.ExecStatus, endTime time.Time, output, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != core.ExecRunning {
		return ErrFinalized
	}
	e.Status = status
	e.EndTime = endTime
	e.Output = output
	e.Error = errMsg
	return nil
}

func sortNewestFirst(es []*core.Execution) {
	sort.Slice(es, func(i, j int) bool { return es[i].StartTime.After(es[j].StartTime) })
}

func clip(es []*core.Execution, limit int) []*core.Execution {
	if limit > 0 && len(es) > limit {
		return es[:limit]
	}
	return es
}
