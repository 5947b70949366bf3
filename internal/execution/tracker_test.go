package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cronflow/internal/core"
	"cronflow/internal/storage"
	logx "cronflow/pkg/logx"
)

var trackNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTracker() *Tracker {
	return New(storage.NewMemory(), Config{Now: func() time.Time { return trackNow }}, logx.Nop())
}

func TestStartAndComplete(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	ctx := context.Background()

	e, err := tr.Start(ctx, "task-1", "alice", map[string]string{"trigger": "manual"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.ID == "" || e.Status != core.ExecRunning || !e.StartTime.Equal(trackNow) {
		t.Fatalf("started record: %+v", e)
	}

	running, err := tr.ListRunning(ctx)
	if err != nil || len(running) != 1 {
		t.Fatalf("ListRunning = %v, %v", running, err)
	}

	if err := tr.Complete(ctx, e.ID, core.ExecSucceeded, "output", ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := tr.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != core.ExecSucceeded || got.Output != "output" || !got.EndTime.Equal(trackNow) {
		t.Fatalf("final record: %+v", got)
	}
	if got.Context["trigger"] != "manual" {
		t.Fatalf("context dropped: %+v", got.Context)
	}
}

func TestCompleteRejectsNonTerminal(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	e, _ := tr.Start(context.Background(), "task-1", "alice", nil)
	if err := tr.Complete(context.Background(), e.ID, core.ExecRunning, "", ""); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestExactlyOneFinalizationWins(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	ctx := context.Background()
	e, err := tr.Start(ctx, "task-1", "alice", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := core.ExecSucceeded
			if i%2 == 1 {
				status = core.ExecCancelled
			}
			errs[i] = tr.Complete(ctx, e.ID, status, "", "")
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyFinalized):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("%d finalizations won, want exactly 1", wins)
	}

	got, _ := tr.Get(ctx, e.ID)
	if !got.Status.Terminal() || got.EndTime.IsZero() {
		t.Fatalf("record not terminal after race: %+v", got)
	}
}

func TestCompleteMissing(t *testing.T) {
	t.Parallel()
	tr := newTracker()
	if err := tr.Complete(context.Background(), "ghost", core.ExecFailed, "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := tr.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get err = %v, want ErrNotFound", err)
	}
}

func TestHistoryQueries(t *testing.T) {
	t.Parallel()
	tr := New(storage.NewMemory(), Config{}, logx.Nop())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		e, err := tr.Start(ctx, "task-1", "alice", nil)
		if err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		if err := tr.Complete(ctx, e.ID, core.ExecSucceeded, "", ""); err != nil {
			t.Fatalf("Complete %d: %v", i, err)
		}
	}

	byTask, err := tr.ListByTask(ctx, "task-1", 2)
	if err != nil || len(byTask) != 2 {
		t.Fatalf("ListByTask = %d records, %v; want 2", len(byTask), err)
	}
	byOwner, err := tr.ListByOwner(ctx, "alice", 0)
	if err != nil || len(byOwner) != 4 {
		t.Fatalf("ListByOwner = %d records, %v; want 4", len(byOwner), err)
	}
}
