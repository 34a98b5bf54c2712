package store

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

	_ "modernc.org/sqlite"

	"taskpilot/internal/trigger"
	logx "taskpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config controls the sqlite store.
type Config struct {
	// Path is the database file. Use ":memory:" for tests.
	Path        string
	BusyTimeout time.Duration
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the sqlite database and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma foreign_keys: %w", err)
	}

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

// ---- schedule column codec ----

type scheduleRecord struct {
	Kind  string      `json:"kind"`
	Every int64       `json:"every_ns,omitempty"`
	At    string      `json:"at,omitempty"`
	Cron  *cronRecord `json:"cron,omitempty"`
}

type cronRecord struct {
	Minute  string `json:"minute,omitempty"`
	Hour    string `json:"hour,omitempty"`
	Day     string `json:"day,omitempty"`
	Month   string `json:"month,omitempty"`
	Weekday string `json:"weekday,omitempty"`
}

func encodeSchedule(spec trigger.Spec) (string, error) {
	rec := scheduleRecord{Kind: spec.Kind.String()}
	switch spec.Kind {
	case trigger.KindInterval:
		rec.Every = spec.Every.Nanoseconds()
	case trigger.KindOneTime:
		rec.At = spec.At.Format(time.RFC3339Nano)
	case trigger.KindCron:
		rec.Cron = &cronRecord{
			Minute:  spec.Cron.Minute,
			Hour:    spec.Cron.Hour,
			Day:     spec.Cron.Day,
			Month:   spec.Cron.Month,
			Weekday: spec.Cron.Weekday,
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode schedule: %w", err)
	}
	return string(b), nil
}

func decodeSchedule(raw string) (trigger.Spec, error) {
	var rec scheduleRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return trigger.Spec{}, fmt.Errorf("decode schedule: %w", err)
	}
	kind, err := trigger.KindFromString(rec.Kind)
	if err != nil {
		return trigger.Spec{}, err
	}
	spec := trigger.Spec{Kind: kind}
	switch kind {
	case trigger.KindInterval:
		spec.Every = time.Duration(rec.Every)
	case trigger.KindOneTime:
		if rec.At != "" {
			at, err := time.Parse(time.RFC3339Nano, rec.At)
			if err != nil {
				return trigger.Spec{}, fmt.Errorf("decode schedule at: %w", err)
			}
			spec.At = at
		}
	case trigger.KindCron:
		if rec.Cron != nil {
			spec.Cron = trigger.CronFields{
				Minute:  rec.Cron.Minute,
				Hour:    rec.Cron.Hour,
				Day:     rec.Cron.Day,
				Month:   rec.Cron.Month,
				Weekday: rec.Cron.Weekday,
			}
		}
	}
	return spec, nil
}

// ---- tasks ----

func (s *sqliteStore) CreateTask(ctx context.Context, t *Task) error {
	sched, err := encodeSchedule(t.Spec)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, name, description, command, runtime_ref, work_dir, schedule, max_instances, active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, t.Command, t.RuntimeRef, t.WorkDir, sched,
		t.MaxInstances, boolInt(t.Active),
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t *Task) error {
	sched, err := encodeSchedule(t.Spec)
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name=?, description=?, command=?, runtime_ref=?, work_dir=?, schedule=?, max_instances=?, active=?, updated_at=?
		 WHERE id=?`,
		t.Name, t.Description, t.Command, t.RuntimeRef, t.WorkDir, sched,
		t.MaxInstances, boolInt(t.Active), t.UpdatedAt.Format(time.RFC3339Nano), t.ID,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, command, runtime_ref, work_dir, schedule, max_instances, active, created_at, updated_at
		 FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, name, description, command, runtime_ref, work_dir, schedule, max_instances, active, created_at, updated_at
		 FROM tasks ORDER BY updated_at DESC`)
}

func (s *sqliteStore) ActiveTasks(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, name, description, command, runtime_ref, work_dir, schedule, max_instances, active, created_at, updated_at
		 FROM tasks WHERE active=1 ORDER BY updated_at DESC`)
}

func (s *sqliteStore) SetTaskActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET active=?, updated_at=? WHERE id=?`,
		boolInt(active), time.Now().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) queryTasks(ctx context.Context, q string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var sched, createdAt, updatedAt string
	var active int
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Command, &t.RuntimeRef, &t.WorkDir,
		&sched, &t.MaxInstances, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Active = active != 0
	if t.Spec, err = decodeSchedule(sched); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("task %s updated_at: %w", t.ID, err)
	}
	return &t, nil
}

// ---- executions ----

func (s *sqliteStore) CreateExecution(ctx context.Context, e *Execution) error {
	if e.StartTime.IsZero() {
		e.StartTime = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, task_id, state, start_time, end_time, duration_ms, exit_code, error)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, string(e.State),
		e.StartTime.Format(time.RFC3339Nano), nullTime(e.EndTime),
		e.Duration.Milliseconds(), nullIntPtr(e.ExitCode), e.Error,
	)
	return err
}

func (s *sqliteStore) UpdateExecution(ctx context.Context, e *Execution) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET state=?, end_time=?, duration_ms=?, exit_code=?, error=? WHERE id=?`,
		string(e.State), nullTime(e.EndTime), e.Duration.Milliseconds(),
		nullIntPtr(e.ExitCode), e.Error, e.ID,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, state, start_time, end_time, duration_ms, exit_code, error
		 FROM executions WHERE id=?`, id)
	return scanExecution(row)
}

func (s *sqliteStore) ListExecutions(ctx context.Context, taskID string, f ExecutionFilter) ([]*Execution, error) {
	q := `SELECT id, task_id, state, start_time, end_time, duration_ms, exit_code, error
	      FROM executions WHERE task_id=?`
	args := []any{taskID}
	if f.State != "" {
		q += ` AND state=?`
		args = append(args, string(f.State))
	}
	q += ` ORDER BY start_time DESC`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TaskStats(ctx context.Context, taskID string) (TaskStats, error) {
	var st TaskStats
	var avgMS sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(state='completed'),0),
		        COALESCE(SUM(state='failed'),0),
		        COALESCE(SUM(state='terminated'),0),
		        AVG(CASE WHEN state='completed' THEN duration_ms END)
		 FROM executions WHERE task_id=?`, taskID,
	).Scan(&st.Total, &st.Completed, &st.Failed, &st.Terminated, &avgMS)
	if err != nil {
		return TaskStats{}, err
	}
	if avgMS.Valid {
		st.AvgDuration = time.Duration(avgMS.Float64) * time.Millisecond
	}

	var state, startedAt string
	err = s.db.QueryRowContext(ctx,
		`SELECT state, start_time FROM executions WHERE task_id=? ORDER BY start_time DESC LIMIT 1`,
		taskID,
	).Scan(&state, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return TaskStats{}, err
	}
	st.LastState = ExecState(state)
	if st.LastStart, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return TaskStats{}, err
	}
	return st, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var state, startTime string
	var endTime sql.NullString
	var durationMS int64
	var exitCode sql.NullInt64
	err := row.Scan(&e.ID, &e.TaskID, &state, &startTime, &endTime, &durationMS, &exitCode, &e.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.State = ExecState(state)
	if e.StartTime, err = time.Parse(time.RFC3339Nano, startTime); err != nil {
		return nil, fmt.Errorf("execution %s start_time: %w", e.ID, err)
	}
	if endTime.Valid && endTime.String != "" {
		if e.EndTime, err = time.Parse(time.RFC3339Nano, endTime.String); err != nil {
			return nil, fmt.Errorf("execution %s end_time: %w", e.ID, err)
		}
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if exitCode.Valid {
		c := int(exitCode.Int64)
		e.ExitCode = &c
	}
	return &e, nil
}

// ---- logs ----

func (s *sqliteStore) AppendLogs(ctx context.Context, lines []LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO logs(execution_id, seq, at, stream, text) VALUES(?,?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, ln := range lines {
		if _, err := stmt.ExecContext(ctx, ln.ExecutionID, ln.Seq,
			ln.Time.Format(time.RFC3339Nano), string(ln.Stream), ln.Text); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return err
		}
	}
	_ = stmt.Close()
	return tx.Commit()
}

func (s *sqliteStore) LogsAfter(ctx context.Context, executionID string, afterSeq int64, limit int) ([]LogLine, error) {
	q := `SELECT execution_id, seq, at, stream, text FROM logs
	      WHERE execution_id=? AND seq>? ORDER BY seq`
	args := []any{executionID, afterSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryLogs(ctx, q, args...)
}

func (s *sqliteStore) QueryLogs(ctx context.Context, executionID string, f LogFilter) ([]LogLine, error) {
	q := `SELECT execution_id, seq, at, stream, text FROM logs WHERE execution_id=?`
	args := []any{executionID}
	if f.Stream != "" {
		q += ` AND stream=?`
		args = append(args, string(f.Stream))
	}
	if f.Contains != "" {
		q += ` AND instr(text, ?) > 0`
		args = append(args, f.Contains)
	}
	q += ` ORDER BY seq`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	return s.queryLogs(ctx, q, args...)
}

func (s *sqliteStore) queryLogs(ctx context.Context, q string, args ...any) ([]LogLine, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogLine
	for rows.Next() {
		var ln LogLine
		var at, stream string
		if err := rows.Scan(&ln.ExecutionID, &ln.Seq, &at, &stream, &ln.Text); err != nil {
			return nil, err
		}
		ln.Stream = Stream(stream)
		if ln.Time, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("log %s/%d at: %w", ln.ExecutionID, ln.Seq, err)
		}
		out = append(out, ln)
	}
	return out, rows.Err()
}

// ---- helpers ----

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
