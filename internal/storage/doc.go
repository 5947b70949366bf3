package storage

// Package storage persists workflows, scheduled tasks and executions.
//
// Two drivers:
//   - "memory": process-local maps, the default for tests and dev
//   - "sqlite": a single database file (WAL), for real deployments
//
// Both enforce optimistic versioning on workflow updates and a
// compare-and-set on execution finalization.
