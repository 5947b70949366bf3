// Package schedule ranks due work for dispatch order.
//
// Scoring is a pure function of task state and "now"; the dispatcher sorts
// candidates by score descending and runs as many as its concurrency budget
// allows. Overdue time grows without bound, so no task starves forever.
package schedule

import (
	"sort"
	"time"
)

// MaxAttempts bounds retry requeueing. RetryScore clamps attempt into
// [0, MaxAttempts] so repeated failures yield ground to other due work
// without sinking to meaningless depths.
const MaxAttempts = 5

const (
	oneShotBonus    = 100
	failedPenalty   = 50
	starvationBonus = 20
	retryPenalty    = 10

	starvationAge = 7 * 24 * time.Hour
)

// State is the minimal scheduling view of a task or workflow.
// Zero NextRun means unscheduled; zero LastRun means never ran.
type State struct {
	NextRun    time.Time
	LastRun    time.Time
	DoOnlyOnce bool
	Failed     bool
}

// Score computes the execution priority of a task at the given instant.
// Larger scores run first; ties are broken by the caller's stable sort.
func Score(s State, now time.Time) int {
	score := overdueMinutes(s.NextRun, now)
	if s.DoOnlyOnce {
		score += oneShotBonus
	}
	if s.Failed {
		score -= failedPenalty
	}
	// Rarely-firing recurring tasks get a nudge so a busy queue cannot
	// starve them indefinitely. A task that never ran gets no bonus.
	if !s.LastRun.IsZero() && now.Sub(s.LastRun) > starvationAge {
		score += starvationBonus
	}
	return score
}

// RetryScore replaces Score when re-queuing a failed run: each successive
// attempt of the same task gives way to other due work.
func RetryScore(s State, attempt int, now time.Time) int {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > MaxAttempts {
		attempt = MaxAttempts
	}
	return Score(s, now) - attempt*retryPenalty
}

func overdueMinutes(nextRun, now time.Time) int {
	if nextRun.IsZero() || !now.After(nextRun) {
		return 0
	}
	return int(now.Sub(nextRun).Minutes())
}

// Candidate pairs a task identifier with its scheduling state for ranking.
type Candidate struct {
	ID      string
	State   State
	Attempt int
}

// Rank sorts candidates by score descending. The sort is stable, so equal
// scores keep their insertion order.
func Rank(cands []Candidate, now time.Time) []Candidate {
	out := append([]Candidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool {
		return RetryScore(out[i].State, out[i].Attempt, now) > RetryScore(out[j].State, out[j].Attempt, now)
	})
	return out
}
