package cronspec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidCron marks a schedule string that does not parse as a
	// 5-field cron expression.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrAmbiguous marks natural-language input that matched no known pattern.
	// Callers must re-prompt the user, never guess a schedule.
	ErrAmbiguous = errors.New("ambiguous schedule")
)

// Evaluator computes execution instants from 5-field cron expressions.
//
// All evaluation happens in UTC regardless of host timezone, so two
// evaluators given the same expression and "now" always agree. Local time
// is accepted only at the natural-language boundary (ParseNatural) and is
// converted to UTC before a cron string is ever emitted.
type Evaluator struct {
	parser cron.Parser
	now    func() time.Time
}

type Option func(*Evaluator)

// WithNow injects the time source. Tests use this to pin "now".
func WithNow(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		// Strict 5-field form: minute hour dom month dow.
		// No seconds, no @descriptors.
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Schedule parses expr and returns a UTC-pinned schedule.
func (e *Evaluator) Schedule(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	if strings.HasPrefix(s, "@") {
		return nil, fmt.Errorf("%w: descriptors are not supported (%q)", ErrInvalidCron, s)
	}
	low := strings.ToUpper(s)
	if strings.HasPrefix(low, "TZ=") || strings.HasPrefix(low, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: timezone prefixes are not supported, expressions are always UTC (%q)", ErrInvalidCron, s)
	}
	if n := len(strings.Fields(s)); n != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d (%q)", ErrInvalidCron, n, s)
	}
	// Pin evaluation to UTC so the host timezone never leaks in.
	sched, err := e.parser.Parse("CRON_TZ=UTC " + s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return sched, nil
}

// NextRun returns the earliest future UTC instant satisfying expr.
func (e *Evaluator) NextRun(expr string) (time.Time, error) {
	return e.NextRunAfter(expr, e.now())
}

// NextRunAfter returns the earliest instant strictly after the given time
// satisfying expr, in UTC.
func (e *Evaluator) NextRunAfter(expr string, after time.Time) (time.Time, error) {
	sched, err := e.Schedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no future instant satisfies %q", ErrInvalidCron, expr)
	}
	return next.UTC(), nil
}

// Validation is the never-throws pre-flight result used by authoring callers.
type Validation struct {
	Valid   bool
	NextRun time.Time
	Err     string
}

// Validate reports whether expr is a usable schedule. It never returns an
// error; authoring layers surface Err to the user directly.
func (e *Evaluator) Validate(expr string) Validation {
	next, err := e.NextRun(expr)
	if err != nil {
		return Validation{Valid: false, Err: err.Error()}
	}
	return Validation{Valid: true, NextRun: next}
}

// OverdueDuration returns how far past nextRun the clock is, or zero when
// nextRun is in the future. A zero nextRun (unscheduled) is never overdue.
func (e *Evaluator) OverdueDuration(nextRun time.Time) time.Duration {
	if nextRun.IsZero() {
		return 0
	}
	d := e.now().Sub(nextRun)
	if d < 0 {
		return 0
	}
	return d
}

// TimeUntil returns the signed duration until nextRun; negative means overdue.
func (e *Evaluator) TimeUntil(nextRun time.Time) time.Duration {
	return nextRun.Sub(e.now())
}
