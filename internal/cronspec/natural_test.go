package cronspec

import (
	"errors"
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone db missing %s: %v", name, err)
	}
	return loc
}

func TestParseNaturalIntervals(t *testing.T) {
	t.Parallel()
	e := fixedEval(t, "2026-01-15T12:00:00Z")

	tests := []struct {
		in   string
		want string
	}{
		{"every minute", "* * * * *"},
		{"every 1 minute", "* * * * *"},
		{"every 5 minutes", "*/5 * * * *"},
		{"every 30 mins", "*/30 * * * *"},
		{"hourly", "0 * * * *"},
		{"every hour", "0 * * * *"},
		{"every 6 hours", "0 */6 * * *"},
	}
	for _, tt := range tests {
		got, err := e.ParseNatural(tt.in, time.UTC)
		if err != nil {
			t.Errorf("ParseNatural(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseNatural(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseNaturalUTCRoundTrip(t *testing.T) {
	t.Parallel()
	// Mid-January: New York is on EST (UTC-5).
	e := fixedEval(t, "2026-01-15T12:00:00Z")

	tests := []struct {
		tz   string
		in   string
		want string
	}{
		// 09:00 EST == 14:00 UTC.
		{"America/New_York", "daily at 9 AM", "0 14 * * *"},
		// Non-integer offset: 09:00 IST (+5:30) == 03:30 UTC.
		{"Asia/Kolkata", "daily at 9 AM", "30 3 * * *"},
		// 09:00 JST (+9) == 00:00 UTC same day.
		{"Asia/Tokyo", "daily at 9 AM", "0 0 * * *"},
	}
	for _, tt := range tests {
		loc := mustLoc(t, tt.tz)
		got, err := e.ParseNatural(tt.in, loc)
		if err != nil {
			t.Errorf("ParseNatural(%q, %s) error: %v", tt.in, tt.tz, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseNatural(%q, %s) = %q, want %q", tt.in, tt.tz, got, tt.want)
			continue
		}

		// The emitted UTC schedule must fire at 09:00 local time.
		next, err := e.NextRun(got)
		if err != nil {
			t.Errorf("NextRun(%q) error: %v", got, err)
			continue
		}
		local := next.In(loc)
		if local.Hour() != 9 || local.Minute() != 0 {
			t.Errorf("%s: next run %v is %02d:%02d local, want 09:00", tt.tz, next, local.Hour(), local.Minute())
		}
	}
}

func TestParseNaturalDSTDependsOnDate(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/New_York")

	winter := fixedEval(t, "2026-01-15T12:00:00Z")
	summer := fixedEval(t, "2026-07-15T12:00:00Z")

	w, err := winter.ParseNatural("daily at 9 AM", loc)
	if err != nil {
		t.Fatalf("winter parse: %v", err)
	}
	s, err := summer.ParseNatural("daily at 9 AM", loc)
	if err != nil {
		t.Fatalf("summer parse: %v", err)
	}
	if w != "0 14 * * *" {
		t.Errorf("winter (EST) = %q, want %q", w, "0 14 * * *")
	}
	if s != "0 13 * * *" {
		t.Errorf("summer (EDT) = %q, want %q", s, "0 13 * * *")
	}
}

func TestParseNaturalWeekdays(t *testing.T) {
	t.Parallel()
	e := fixedEval(t, "2026-01-15T12:00:00Z")

	// 14:00 PST (-8) == 22:00 UTC, same day.
	loc := mustLoc(t, "America/Los_Angeles")
	got, err := e.ParseNatural("weekdays at 2 PM", loc)
	if err != nil {
		t.Fatalf("ParseNatural error: %v", err)
	}
	if got != "0 22 * * 1,2,3,4,5" {
		t.Fatalf("weekdays = %q", got)
	}
}

func TestParseNaturalDayRotation(t *testing.T) {
	t.Parallel()
	// 18:00 PST (-8) == 02:00 UTC the NEXT day, so Friday local is Saturday UTC.
	e := fixedEval(t, "2026-01-15T12:00:00Z")
	loc := mustLoc(t, "America/Los_Angeles")

	got, err := e.ParseNatural("every friday at 6 PM", loc)
	if err != nil {
		t.Fatalf("ParseNatural error: %v", err)
	}
	if got != "0 2 * * 6" {
		t.Fatalf("friday 6pm PST = %q, want %q", got, "0 2 * * 6")
	}

	// 09:00 JST (+9) == 00:00 UTC same day: no rotation.
	tokyo := mustLoc(t, "Asia/Tokyo")
	got, err = e.ParseNatural("every monday at 9 AM", tokyo)
	if err != nil {
		t.Fatalf("ParseNatural error: %v", err)
	}
	if got != "0 0 * * 1" {
		t.Fatalf("monday 9am JST = %q, want %q", got, "0 0 * * 1")
	}
}

func TestParseNaturalMonthly(t *testing.T) {
	t.Parallel()
	e := fixedEval(t, "2026-01-15T12:00:00Z")

	got, err := e.ParseNatural("monthly on the 15th at 10:30", time.UTC)
	if err != nil {
		t.Fatalf("ParseNatural error: %v", err)
	}
	if got != "30 10 15 * *" {
		t.Fatalf("monthly = %q", got)
	}

	// A monthly schedule that crosses UTC midnight is refused, not guessed.
	tokyo := mustLoc(t, "Asia/Tokyo")
	_, err = e.ParseNatural("monthly on the 1st at 1 AM", tokyo)
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("cross-midnight monthly err = %v, want ErrAmbiguous", err)
	}
}

func TestParseNaturalRawCronPassthrough(t *testing.T) {
	t.Parallel()
	e := fixedEval(t, "2026-01-15T12:00:00Z")
	tokyo := mustLoc(t, "Asia/Tokyo")

	for _, expr := range []string{
		"*/5 * * * *",
		"0 9 * * *",
		"30 3 1 * *",
		"0 22 * * 1,2,3,4,5",
	} {
		got, err := e.ParseNatural(expr, tokyo)
		if err != nil {
			t.Errorf("ParseNatural(%q) error: %v", expr, err)
			continue
		}
		if got != expr {
			t.Errorf("ParseNatural(%q) = %q, want unchanged", expr, got)
		}
	}
}

func TestParseNaturalAmbiguous(t *testing.T) {
	t.Parallel()
	e := fixedEval(t, "2026-01-15T12:00:00Z")

	for _, in := range []string{
		"",
		"whenever you feel like it",
		"every 75 minutes",
		"daily at 25:00",
		"soonish",
	} {
		if _, err := e.ParseNatural(in, time.UTC); !errors.Is(err, ErrAmbiguous) {
			t.Errorf("ParseNatural(%q) err = %v, want ErrAmbiguous", in, err)
		}
	}
}

func TestParseNaturalTwelveHourEdges(t *testing.T) {
	t.Parallel()
	e := fixedEval(t, "2026-01-15T12:00:00Z")

	got, err := e.ParseNatural("daily at 12 am", time.UTC)
	if err != nil {
		t.Fatalf("12am error: %v", err)
	}
	if got != "0 0 * * *" {
		t.Fatalf("12am = %q", got)
	}

	got, err = e.ParseNatural("daily at 12 pm", time.UTC)
	if err != nil {
		t.Fatalf("12pm error: %v", err)
	}
	if got != "0 12 * * *" {
		t.Fatalf("12pm = %q", got)
	}
}
