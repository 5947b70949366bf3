// Package core holds the domain entities shared by the engine, the stores
// and the dispatcher. Behavior lives in the packages that own it; core is
// types and small derived views only.
package core

import (
	"time"

	"cronflow/internal/schedule"
)

// TriggerKind selects how a workflow is started.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerSchedule TriggerKind = "schedule"
)

// Trigger describes when a workflow runs. CronExpr is a 5-field UTC
// expression and is required when Kind is TriggerSchedule.
type Trigger struct {
	Kind     TriggerKind `json:"kind"`
	CronExpr string      `json:"cron_expr,omitempty"`
}

// StepKind selects what a step does when executed.
type StepKind string

const (
	StepPrompt   StepKind = "prompt"
	StepCommand  StepKind = "command"
	StepAPI      StepKind = "api"
	StepReminder StepKind = "reminder"
	StepTool     StepKind = "tool"
)

// Step is one node in a workflow. OnSuccess names the next step's ID;
// empty OnSuccess marks the terminal step.
type Step struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Kind        StepKind `json:"kind"`
	Instruction string   `json:"instruction,omitempty"`
	ToolRef     string   `json:"tool_ref,omitempty"`
	OnSuccess   string   `json:"on_success,omitempty"`
}

// TaskStatus is the lifecycle state shared by workflows and scheduled tasks.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusDisabled  TaskStatus = "disabled"
	StatusFailed    TaskStatus = "failed"
	StatusCompleted TaskStatus = "completed"
)

// Workflow is a multi-step unit of scheduled work.
type Workflow struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Owner       string     `json:"owner"`
	Version     int64      `json:"version"`
	IsDraft     bool       `json:"is_draft"`
	IsActive    bool       `json:"is_active"`
	Trigger     Trigger    `json:"trigger"`
	Steps       []Step     `json:"steps"`
	Status      TaskStatus `json:"status"`
	DoOnlyOnce  bool       `json:"do_only_once"`
	LastRun     time.Time  `json:"last_run,omitempty"`
	NextRun     time.Time  `json:"next_run,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ScheduledTask is a single-action scheduled task: the same scheduling
// state as a workflow, without steps or draft machinery.
type ScheduledTask struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Owner       string     `json:"owner"`
	Kind        StepKind   `json:"kind"`
	Instruction string     `json:"instruction,omitempty"`
	CronExpr    string     `json:"cron_expr,omitempty"`
	Status      TaskStatus `json:"status"`
	Enabled     bool       `json:"enabled"`
	DoOnlyOnce  bool       `json:"do_only_once"`
	LastRun     time.Time  `json:"last_run,omitempty"`
	NextRun     time.Time  `json:"next_run,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ScheduleState projects a workflow into the scorer's view.
func (w *Workflow) ScheduleState() schedule.State {
	return schedule.State{
		NextRun:    w.NextRun,
		LastRun:    w.LastRun,
		DoOnlyOnce: w.DoOnlyOnce,
		Failed:     w.Status == StatusFailed,
	}
}

// ScheduleState projects a scheduled task into the scorer's view.
func (t *ScheduledTask) ScheduleState() schedule.State {
	return schedule.State{
		NextRun:    t.NextRun,
		LastRun:    t.LastRun,
		DoOnlyOnce: t.DoOnlyOnce,
		Failed:     t.Status == StatusFailed,
	}
}

// ExecStatus is the terminal-or-running state of one execution.
type ExecStatus string

const (
	ExecRunning   ExecStatus = "running"
	ExecSucceeded ExecStatus = "succeeded"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecStatus) Terminal() bool {
	return s == ExecSucceeded || s == ExecFailed || s == ExecCancelled
}

// Execution records one run of a workflow or scheduled task. Context
// carries run metadata (trigger source, test flag, failed step).
type Execution struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	Owner     string            `json:"owner"`
	Status    ExecStatus        `json:"status"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Output    string            `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// CloneWorkflow deep-copies w so callers can mutate the copy freely.
func CloneWorkflow(w *Workflow) *Workflow {
	if w == nil {
		return nil
	}
	out := *w
	out.Steps = append([]Step(nil), w.Steps...)
	return &out
}

// CloneExecution deep-copies e.
func CloneExecution(e *Execution) *Execution {
	if e == nil {
		return nil
	}
	out := *e
	if e.Context != nil {
		out.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			out.Context[k] = v
		}
	}
	return &out
}
