// Package cronspec normalizes schedules to 5-field UTC cron expressions and
// computes next/overdue execution instants from them.
//
// The natural-language parser is a convenience layer strictly upstream of the
// canonical UTC representation: local time never leaks into persisted state.
package cronspec
