package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"cronflow/internal/core"
	logx "cronflow/pkg/logx"
)

var storeNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// backends returns every store implementation under test.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cronflow.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func wf(id string, version int64) *core.Workflow {
	return &core.Workflow{
		ID:        id,
		Name:      "report " + id,
		Owner:     "alice",
		Version:   version,
		IsActive:  true,
		Trigger:   core.Trigger{Kind: core.TriggerSchedule, CronExpr: "0 9 * * *"},
		Steps:     []core.Step{{ID: "s1", Name: "gen", Kind: core.StepPrompt, Instruction: "write it"}},
		Status:    core.StatusPending,
		NextRun:   storeNow.Add(-time.Minute),
		CreatedAt: storeNow.Add(-time.Hour),
		UpdatedAt: storeNow.Add(-time.Hour),
	}
}

func TestWorkflowCRUDAndVersioning(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			w := wf("wf-1", 1)
			if err := st.CreateWorkflow(ctx, w); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.CreateWorkflow(ctx, w); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate create err = %v, want ErrExists", err)
			}

			got, err := st.GetWorkflow(ctx, "wf-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Name != w.Name || got.Version != 1 || len(got.Steps) != 1 {
				t.Fatalf("round trip mismatch: %+v", got)
			}

			// CAS update: stale prevVersion loses.
			up := wf("wf-1", 2)
			up.Name = "report v2"
			if err := st.UpdateWorkflow(ctx, up, 1); err != nil {
				t.Fatalf("update: %v", err)
			}
			stale := wf("wf-1", 2)
			if err := st.UpdateWorkflow(ctx, stale, 1); !errors.Is(err, ErrVersionMismatch) {
				t.Fatalf("stale update err = %v, want ErrVersionMismatch", err)
			}
			if err := st.UpdateWorkflow(ctx, wf("ghost", 2), 1); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing update err = %v, want ErrNotFound", err)
			}

			got, _ = st.GetWorkflow(ctx, "wf-1")
			if got.Name != "report v2" || got.Version != 2 {
				t.Fatalf("post-update state: %+v", got)
			}

			if err := st.DeleteWorkflow(ctx, "wf-1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := st.GetWorkflow(ctx, "wf-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get after delete err = %v, want ErrNotFound", err)
			}
			if err := st.DeleteWorkflow(ctx, "wf-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("double delete err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestDueWorkflowFiltering(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			due := wf("due", 1)
			future := wf("future", 1)
			future.NextRun = storeNow.Add(time.Hour)
			draft := wf("draft", 1)
			draft.IsDraft = true
			inactive := wf("inactive", 1)
			inactive.IsActive = false
			running := wf("running", 1)
			running.Status = core.StatusRunning
			unscheduled := wf("unscheduled", 1)
			unscheduled.NextRun = time.Time{}

			for _, w := range []*core.Workflow{due, future, draft, inactive, running, unscheduled} {
				if err := st.CreateWorkflow(ctx, w); err != nil {
					t.Fatalf("create %s: %v", w.ID, err)
				}
			}

			got, err := st.DueWorkflows(ctx, storeNow)
			if err != nil {
				t.Fatalf("DueWorkflows: %v", err)
			}
			if len(got) != 1 || got[0].ID != "due" {
				ids := make([]string, len(got))
				for i, w := range got {
					ids[i] = w.ID
				}
				t.Fatalf("due set = %v, want [due]", ids)
			}
		})
	}
}

func TestScheduledTaskCRUDAndDue(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			mk := func(id string, enabled bool, next time.Time) *core.ScheduledTask {
				return &core.ScheduledTask{
					ID: id, Name: id, Owner: "bob",
					Kind: core.StepReminder, CronExpr: "*/5 * * * *",
					Status: core.StatusPending, Enabled: enabled,
					NextRun: next, CreatedAt: storeNow,
				}
			}
			if err := st.PutTask(ctx, mk("t1", true, storeNow.Add(-time.Minute))); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := st.PutTask(ctx, mk("t2", false, storeNow.Add(-time.Minute))); err != nil {
				t.Fatalf("put: %v", err)
			}

			got, err := st.GetTask(ctx, "t1")
			if err != nil || got.Kind != core.StepReminder {
				t.Fatalf("get: %+v, %v", got, err)
			}

			due, err := st.DueTasks(ctx, storeNow)
			if err != nil {
				t.Fatalf("DueTasks: %v", err)
			}
			if len(due) != 1 || due[0].ID != "t1" {
				t.Fatalf("due tasks = %+v, want only t1", due)
			}

			// Upsert replaces.
			up := mk("t1", true, storeNow.Add(time.Hour))
			if err := st.PutTask(ctx, up); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			due, _ = st.DueTasks(ctx, storeNow)
			if len(due) != 0 {
				t.Fatalf("due after reschedule = %+v, want empty", due)
			}

			if err := st.DeleteTask(ctx, "t1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := st.GetTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get after delete err = %v", err)
			}
		})
	}
}

func TestExecutionHistoryOrderAndLimit(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				e := &core.Execution{
					ID:        fmt.Sprintf("e%d", i),
					TaskID:    "task-1",
					Owner:     "alice",
					Status:    core.ExecSucceeded,
					StartTime: storeNow.Add(time.Duration(i) * time.Minute),
					EndTime:   storeNow.Add(time.Duration(i)*time.Minute + 30*time.Second),
				}
				if err := st.PutExecution(ctx, e); err != nil {
					t.Fatalf("put %d: %v", i, err)
				}
			}

			got, err := st.ListByTask(ctx, "task-1", 3)
			if err != nil {
				t.Fatalf("ListByTask: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("limit ignored: %d results", len(got))
			}
			// Newest first.
			if got[0].ID != "e4" || got[1].ID != "e3" || got[2].ID != "e2" {
				t.Fatalf("order = %s %s %s, want e4 e3 e2", got[0].ID, got[1].ID, got[2].ID)
			}

			byOwner, err := st.ListByOwner(ctx, "alice", 0)
			if err != nil {
				t.Fatalf("ListByOwner: %v", err)
			}
			if len(byOwner) != 5 {
				t.Fatalf("owner listing = %d, want 5", len(byOwner))
			}
		})
	}
}

func TestFinalizeExecutionCAS(t *testing.T) {
	t.Parallel()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			e := &core.Execution{
				ID: "run-1", TaskID: "task-1", Owner: "alice",
				Status: core.ExecRunning, StartTime: storeNow,
				Context: map[string]string{"trigger": "manual"},
			}
			if err := st.PutExecution(ctx, e); err != nil {
				t.Fatalf("put: %v", err)
			}

			running, err := st.ListRunning(ctx)
			if err != nil || len(running) != 1 {
				t.Fatalf("ListRunning = %v, %v", running, err)
			}

			end := storeNow.Add(time.Minute)
			if err := st.FinalizeExecution(ctx, "run-1", core.ExecSucceeded, end, "done", ""); err != nil {
				t.Fatalf("finalize: %v", err)
			}
			// Second finalization loses, whatever the status.
			if err := st.FinalizeExecution(ctx, "run-1", core.ExecCancelled, end, "", "late"); !errors.Is(err, ErrFinalized) {
				t.Fatalf("double finalize err = %v, want ErrFinalized", err)
			}
			if err := st.FinalizeExecution(ctx, "ghost", core.ExecFailed, end, "", ""); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing finalize err = %v, want ErrNotFound", err)
			}

			got, err := st.GetExecution(ctx, "run-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != core.ExecSucceeded || got.Output != "done" {
				t.Fatalf("final state: %+v", got)
			}
			if !got.EndTime.Equal(end) {
				t.Fatalf("end time = %v, want %v", got.EndTime, end)
			}
			if got.Context["trigger"] != "manual" {
				t.Fatalf("context lost in finalize: %+v", got.Context)
			}

			running, _ = st.ListRunning(ctx)
			if len(running) != 0 {
				t.Fatalf("still running after finalize: %+v", running)
			}
		})
	}
}
