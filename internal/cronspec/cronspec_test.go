package cronspec

import (
	"errors"
	"testing"
	"time"
)

func fixedEval(t *testing.T, at string) *Evaluator {
	t.Helper()
	now, err := time.Parse(time.RFC3339, at)
	if err != nil {
		t.Fatalf("bad test instant %q: %v", at, err)
	}
	return New(WithNow(func() time.Time { return now }))
}

func TestNextRunDaily(t *testing.T) {
	t.Parallel()

	// Before 09:00 UTC: fires today.
	e := fixedEval(t, "2026-03-02T08:00:00Z")
	next, err := e.NextRun("0 9 * * *")
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", next, want)
	}

	// After 09:00 UTC: fires tomorrow.
	e = fixedEval(t, "2026-03-02T10:00:00Z")
	next, err = e.NextRun("0 9 * * *")
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	want = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", next, want)
	}
}

func TestNextRunDeterministic(t *testing.T) {
	t.Parallel()
	e := fixedEval(t, "2026-06-15T03:04:05Z")
	first, err := e.NextRun("*/5 * * * *")
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := e.NextRun("*/5 * * * *")
		if err != nil {
			t.Fatalf("NextRun error: %v", err)
		}
		if !got.Equal(first) {
			t.Fatalf("NextRun not deterministic: %v vs %v", got, first)
		}
	}
	if first.Location() != time.UTC {
		t.Fatalf("NextRun location = %v, want UTC", first.Location())
	}
}

func TestNextRunAfterIsStrictlyAfter(t *testing.T) {
	t.Parallel()
	e := New()
	at := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	next, err := e.NextRunAfter("0 9 * * *", at)
	if err != nil {
		t.Fatalf("NextRunAfter error: %v", err)
	}
	if !next.After(at) {
		t.Fatalf("NextRunAfter returned %v, not after %v", next, at)
	}
}

func TestInvalidExpressions(t *testing.T) {
	t.Parallel()
	e := New()
	for _, expr := range []string{
		"",
		"* * * *",
		"* * * * * *",
		"61 * * * *",
		"@daily",
		"CRON_TZ=UTC 0 9 * * *",
		"TZ=Asia/Tokyo 0 9 * * *",
		"not a cron",
	} {
		if _, err := e.NextRun(expr); !errors.Is(err, ErrInvalidCron) {
			t.Errorf("NextRun(%q) err = %v, want ErrInvalidCron", expr, err)
		}
	}
}

func TestValidateNeverErrors(t *testing.T) {
	t.Parallel()
	e := fixedEval(t, "2026-03-02T08:00:00Z")

	v := e.Validate("0 9 * * *")
	if !v.Valid || v.Err != "" {
		t.Fatalf("Validate valid expr: %+v", v)
	}
	if v.NextRun.IsZero() {
		t.Fatal("Validate valid expr: missing NextRun")
	}

	v = e.Validate("nope")
	if v.Valid || v.Err == "" {
		t.Fatalf("Validate invalid expr: %+v", v)
	}
}

func TestOverdueDuration(t *testing.T) {
	t.Parallel()
	e := fixedEval(t, "2026-03-02T10:00:00Z")
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if d := e.OverdueDuration(now.Add(time.Hour)); d != 0 {
		t.Fatalf("future nextRun overdue = %v, want 0", d)
	}
	if d := e.OverdueDuration(now.Add(-90 * time.Minute)); d != 90*time.Minute {
		t.Fatalf("overdue = %v, want 90m", d)
	}
	if d := e.OverdueDuration(time.Time{}); d != 0 {
		t.Fatalf("zero nextRun overdue = %v, want 0", d)
	}
}

func TestTimeUntilSigned(t *testing.T) {
	t.Parallel()
	e := fixedEval(t, "2026-03-02T10:00:00Z")
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if d := e.TimeUntil(now.Add(30 * time.Minute)); d != 30*time.Minute {
		t.Fatalf("TimeUntil future = %v", d)
	}
	if d := e.TimeUntil(now.Add(-15 * time.Minute)); d != -15*time.Minute {
		t.Fatalf("TimeUntil overdue = %v", d)
	}
}
