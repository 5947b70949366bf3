package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cronflow/internal/core"
	logx "cronflow/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps documents as JSON blobs with a few indexed columns for
// the hot queries (due scans, owner listings, running executions).
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *sqliteStore) CreateWorkflow(ctx context.Context, w *core.Workflow) error {
	doc, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows(id, owner, status, is_active, is_draft, version, next_run_ms, created_ms, doc)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Owner, string(w.Status), w.IsActive, w.IsDraft, w.Version,
		msOrZero(w.NextRun), msOrZero(w.CreatedAt), string(doc),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrExists
	}
	return err
}

func (s *sqliteStore) UpdateWorkflow(ctx context.Context, w *core.Workflow, prevVersion int64) error {
	doc, err := json.Marshal(w)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows
		 SET owner=?, status=?, is_active=?, is_draft=?, version=?, next_run_ms=?, doc=?
		 WHERE id=? AND version=?`,
		w.Owner, string(w.Status), w.IsActive, w.IsDraft, w.Version,
		msOrZero(w.NextRun), string(doc), w.ID, prevVersion,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id=?`, w.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrVersionMismatch
	}
	return nil
}

func (s *sqliteStore) GetWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM workflows WHERE id=?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var w core.Workflow
	if err := json.Unmarshal([]byte(doc), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *sqliteStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListWorkflowsByOwner(ctx context.Context, owner string) ([]*core.Workflow, error) {
	q := `SELECT doc FROM workflows ORDER BY created_ms`
	args := []any{}
	if owner != "" {
		q = `SELECT doc FROM workflows WHERE owner=? ORDER BY created_ms`
		args = append(args, owner)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Workflow
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var w core.Workflow
		if err := json.Unmarshal([]byte(doc), &w); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DueWorkflows(ctx context.Context, now time.Time) ([]*core.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM workflows
		 WHERE is_active=1 AND is_draft=0 AND status=? AND next_run_ms>0 AND next_run_ms<=?
		 ORDER BY next_run_ms`,
		string(core.StatusPending), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Workflow
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var w core.Workflow
		if err := json.Unmarshal([]byte(doc), &w); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutTask(ctx context.Context, t *core.ScheduledTask) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, owner, status, enabled, next_run_ms, created_ms, doc)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner=excluded.owner, status=excluded.status, enabled=excluded.enabled,
		   next_run_ms=excluded.next_run_ms, doc=excluded.doc`,
		t.ID, t.Owner, string(t.Status), t.Enabled,
		msOrZero(t.NextRun), msOrZero(t.CreatedAt), string(doc),
	)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (*core.ScheduledTask, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM tasks WHERE id=?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t core.ScheduledTask
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListTasksByOwner(ctx context.Context, owner string) ([]*core.ScheduledTask, error) {
	q := `SELECT doc FROM tasks ORDER BY created_ms`
	args := []any{}
	if owner != "" {
		q = `SELECT doc FROM tasks WHERE owner=? ORDER BY created_ms`
		args = append(args, owner)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.ScheduledTask
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t core.ScheduledTask
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DueTasks(ctx context.Context, now time.Time) ([]*core.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM tasks
		 WHERE enabled=1 AND status=? AND next_run_ms>0 AND next_run_ms<=?
		 ORDER BY next_run_ms`,
		string(core.StatusPending), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.ScheduledTask
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t core.ScheduledTask
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutExecution(ctx context.Context, e *core.Execution) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions(id, task_id, owner, status, start_ms, doc)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   task_id=excluded.task_id, owner=excluded.owner, status=excluded.status,
		   start_ms=excluded.start_ms, doc=excluded.doc`,
		e.ID, e.TaskID, e.Owner, string(e.Status), msOrZero(e.StartTime), string(doc),
	)
	return err
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (*core.Execution, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM executions WHERE id=?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e core.Execution
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqliteStore) ListRunning(ctx context.Context) ([]*core.Execution, error) {
	return s.listExecutions(ctx,
		`SELECT doc FROM executions WHERE status=? ORDER BY start_ms DESC`,
		0, string(core.ExecRunning))
}

func (s *sqliteStore) ListByTask(ctx context.Context, taskID string, limit int) ([]*core.Execution, error) {
	return s.listExecutions(ctx,
		`SELECT doc FROM executions WHERE task_id=? ORDER BY start_ms DESC`,
		limit, taskID)
}

func (s *sqliteStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*core.Execution, error) {
	return s.listExecutions(ctx,
		`SELECT doc FROM executions WHERE owner=? ORDER BY start_ms DESC`,
		limit, owner)
}

func (s *sqliteStore) listExecutions(ctx context.Context, q string, limit int, args ...any) ([]*core.Execution, error) {
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Execution
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e core.Execution
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// FinalizeExecution rewrites the document inside a transaction; the UPDATE's
// status guard is the compare-and-set.
func (s *sqliteStore) FinalizeExecution(ctx context.Context, id string, status core.ExecStatus, endTime time.Time, output, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM executions WHERE id=?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var e core.Execution
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return err
	}
	if e.Status != core.ExecRunning {
		return ErrFinalized
	}
	e.Status = status
	e.EndTime = endTime
	e.Output = output
	e.Error = errMsg

	nd, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET status=?, doc=? WHERE id=? AND status=?`,
		string(status), string(nd), id, string(core.ExecRunning),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFinalized
	}
	return tx.Commit()
}
