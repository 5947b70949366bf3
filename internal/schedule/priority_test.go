package schedule

import (
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestScoreOverdueMonotonic(t *testing.T) {
	t.Parallel()
	prev := -1 << 30
	for _, overdue := range []time.Duration{0, time.Minute, 10 * time.Minute, time.Hour, 48 * time.Hour} {
		s := Score(State{NextRun: testNow.Add(-overdue)}, testNow)
		if s < prev {
			t.Fatalf("score decreased with overdue %v: %d < %d", overdue, s, prev)
		}
		prev = s
	}
}

func TestScoreFutureIsZeroBase(t *testing.T) {
	t.Parallel()
	if s := Score(State{NextRun: testNow.Add(time.Hour)}, testNow); s != 0 {
		t.Fatalf("future task score = %d, want 0", s)
	}
}

func TestScoreOneShotPreempts(t *testing.T) {
	t.Parallel()
	overdue := testNow.Add(-10 * time.Minute)
	recurring := Score(State{NextRun: overdue}, testNow)
	oneShot := Score(State{NextRun: overdue, DoOnlyOnce: true}, testNow)
	if oneShot != recurring+100 {
		t.Fatalf("one-shot = %d, recurring = %d, want +100", oneShot, recurring)
	}
}

func TestScoreFailedDeprioritized(t *testing.T) {
	t.Parallel()
	overdue := testNow.Add(-10 * time.Minute)
	ok := Score(State{NextRun: overdue}, testNow)
	failed := Score(State{NextRun: overdue, Failed: true}, testNow)
	if failed != ok-50 {
		t.Fatalf("failed = %d, ok = %d, want -50", failed, ok)
	}

	// Failed tasks are not starved: enough overdue accrual wins anyway.
	veryOverdue := Score(State{NextRun: testNow.Add(-2 * time.Hour), Failed: true}, testNow)
	if veryOverdue <= ok {
		t.Fatalf("very overdue failed task %d should outrank fresh task %d", veryOverdue, ok)
	}
}

func TestScoreStarvationBound(t *testing.T) {
	t.Parallel()
	overdue := testNow.Add(-5 * time.Minute)
	stale := Score(State{NextRun: overdue, LastRun: testNow.Add(-8 * 24 * time.Hour)}, testNow)
	fresh := Score(State{NextRun: overdue, LastRun: testNow.Add(-time.Hour)}, testNow)
	if stale < fresh+20 {
		t.Fatalf("stale = %d, fresh = %d, want at least +20", stale, fresh)
	}
}

func TestScoreNeverRanGetsNoBonus(t *testing.T) {
	t.Parallel()
	overdue := testNow.Add(-5 * time.Minute)
	neverRan := Score(State{NextRun: overdue}, testNow)
	recent := Score(State{NextRun: overdue, LastRun: testNow.Add(-time.Hour)}, testNow)
	if neverRan != recent {
		t.Fatalf("never-ran = %d, recent = %d, want equal", neverRan, recent)
	}
}

func TestRetryScoreDecaysBounded(t *testing.T) {
	t.Parallel()
	st := State{NextRun: testNow.Add(-30 * time.Minute)}
	base := Score(st, testNow)

	for attempt := 0; attempt <= MaxAttempts; attempt++ {
		got := RetryScore(st, attempt, testNow)
		if got != base-attempt*10 {
			t.Fatalf("attempt %d: RetryScore = %d, want %d", attempt, got, base-attempt*10)
		}
	}
	// Past the cap the score stops sinking.
	if got := RetryScore(st, 100, testNow); got != base-MaxAttempts*10 {
		t.Fatalf("over-cap RetryScore = %d, want %d", got, base-MaxAttempts*10)
	}
}

func TestRankStableDescending(t *testing.T) {
	t.Parallel()
	cands := []Candidate{
		{ID: "a", State: State{NextRun: testNow.Add(-time.Minute)}},
		{ID: "b", State: State{NextRun: testNow.Add(-time.Hour)}},
		{ID: "c", State: State{NextRun: testNow.Add(-time.Minute)}},
		{ID: "d", State: State{NextRun: testNow.Add(-time.Hour), DoOnlyOnce: true}},
	}
	got := Rank(cands, testNow)

	order := make([]string, len(got))
	for i, c := range got {
		order[i] = c.ID
	}
	// d: 60+100, b: 60, then a and c tied at 1 in insertion order.
	want := []string{"d", "b", "a", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rank order = %v, want %v", order, want)
		}
	}
	// Input must not be mutated.
	if cands[0].ID != "a" {
		t.Fatal("Rank mutated its input")
	}
}
