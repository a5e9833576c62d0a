package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"harvestd/pkg/logx"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

// Store is the control-plane persistence layer: task definitions, scheduled
// jobs, execution records, and the per-task isolated namespaces.
type Store struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

func (s *Store) migrate(ctx context.Context) error {
	name := "migrations_sqlite.sql"
	if s.dialect == dialectPostgres {
		name = "migrations_postgres.sql"
	}
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- time / json helpers ----

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func marshalJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMap(s string) map[string]any {
	m := map[string]any{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

func unmarshalStringMap(s string) map[string]string {
	m := map[string]string{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

// ---- tasks ----

// CreateTask inserts the definition, assigns its immutable namespace
// ("task_<id>") and creates the namespace in the database.
func (s *Store) CreateTask(ctx context.Context, t *TaskDefinition) error {
	now := time.Now()
	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`INSERT INTO tasks(name, description, driver, config, headers, namespace, is_active, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?) RETURNING id`),
		t.Name, t.Description, t.Driver, marshalJSON(t.Config), marshalJSON(t.Headers),
		"", boolInt(t.IsActive), fmtTime(now), fmtTime(now),
	).Scan(&id)
	if err != nil {
		return err
	}

	ns := fmt.Sprintf("task_%d", id)
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE tasks SET namespace = ? WHERE id = ?`), ns, id); err != nil {
		return err
	}
	if err := s.CreateNamespace(ctx, ns); err != nil {
		return fmt.Errorf("create namespace %s: %w", ns, err)
	}

	t.ID = id
	t.Namespace = ns
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

const taskCols = `id, name, description, driver, config, headers, namespace, is_active, created_at, updated_at`

func (s *Store) scanTask(row interface{ Scan(...any) error }) (TaskDefinition, error) {
	var (
		t                            TaskDefinition
		config, headers, created, up string
		active                       int
	)
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Driver, &config, &headers, &t.Namespace, &active, &created, &up)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Config = unmarshalMap(config)
	t.Headers = unmarshalStringMap(headers)
	t.IsActive = active != 0
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(up)
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (TaskDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+taskCols+` FROM tasks WHERE id = ?`), id)
	return s.scanTask(row)
}

func (s *Store) GetTaskByName(ctx context.Context, name string) (TaskDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+taskCols+` FROM tasks WHERE name = ?`), name)
	return s.scanTask(row)
}

func (s *Store) ListTasks(ctx context.Context) ([]TaskDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskDefinition
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask persists mutable fields. The namespace is immutable and never written.
func (s *Store) UpdateTask(ctx context.Context, t TaskDefinition) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE tasks SET name=?, description=?, driver=?, config=?, headers=?, is_active=?, updated_at=? WHERE id=?`),
		t.Name, t.Description, t.Driver, marshalJSON(t.Config), marshalJSON(t.Headers),
		boolInt(t.IsActive), fmtTime(time.Now()), t.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteTask removes the definition (jobs and executions cascade) and drops
// the task's storage namespace.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM tasks WHERE id = ?`), id); err != nil {
		return err
	}
	if t.Namespace != "" {
		if err := s.DropNamespace(ctx, t.Namespace); err != nil {
			// The definition is already gone; an orphaned namespace is recoverable.
			s.log.Warn("failed to drop namespace", logx.String("namespace", t.Namespace), logx.Err(err))
		}
	}
	return nil
}

// ---- jobs ----

const jobCols = `id, task_id, name, description, schedule_kind, schedule_config, params, is_active, trigger_id, last_run_at, next_run_at, created_at, updated_at`

func (s *Store) CreateJob(ctx context.Context, j *ScheduledJob) error {
	now := time.Now()
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`INSERT INTO jobs(task_id, name, description, schedule_kind, schedule_config, params, is_active, trigger_id, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?) RETURNING id`),
		j.TaskID, j.Name, j.Description, j.ScheduleKind, marshalJSON(j.ScheduleConfig),
		marshalJSON(j.Params), boolInt(j.IsActive), "", fmtTime(now), fmtTime(now),
	).Scan(&j.ID)
	if err != nil {
		return err
	}
	j.CreatedAt = now
	j.UpdatedAt = now
	return nil
}

func (s *Store) scanJob(row interface{ Scan(...any) error }) (ScheduledJob, error) {
	var (
		j                ScheduledJob
		schedCfg, params string
		created, up      string
		lastRun, nextRun sql.NullString
		active           int
	)
	err := row.Scan(&j.ID, &j.TaskID, &j.Name, &j.Description, &j.ScheduleKind, &schedCfg,
		&params, &active, &j.TriggerID, &lastRun, &nextRun, &created, &up)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.ScheduleConfig = unmarshalMap(schedCfg)
	j.Params = unmarshalMap(params)
	j.IsActive = active != 0
	j.LastRunAt = parseTimePtr(lastRun)
	j.NextRunAt = parseTimePtr(nextRun)
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(up)
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+jobCols+` FROM jobs WHERE id = ?`), id)
	return s.scanJob(row)
}

func (s *Store) ListJobs(ctx context.Context, taskID *int64) ([]ScheduledJob, error) {
	q := `SELECT ` + jobCols + ` FROM jobs ORDER BY id`
	args := []any{}
	if taskID != nil {
		q = `SELECT ` + jobCols + ` FROM jobs WHERE task_id = ? ORDER BY id`
		args = append(args, *taskID)
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledJob
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListActiveJobs returns jobs to re-register in the scheduler on startup.
func (s *Store) ListActiveJobs(ctx context.Context) ([]ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+jobCols+` FROM jobs WHERE is_active = 1 ORDER BY id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledJob
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) UpdateJob(ctx context.Context, j ScheduledJob) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE jobs SET name=?, description=?, schedule_kind=?, schedule_config=?, params=?, is_active=?, updated_at=? WHERE id=?`),
		j.Name, j.Description, j.ScheduleKind, marshalJSON(j.ScheduleConfig),
		marshalJSON(j.Params), boolInt(j.IsActive), fmtTime(time.Now()), j.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetJobTrigger records the scheduler registry id and the computed next fire time.
func (s *Store) SetJobTrigger(ctx context.Context, jobID int64, triggerID string, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE jobs SET trigger_id=?, next_run_at=?, updated_at=? WHERE id=?`),
		triggerID, fmtTimePtr(nextRun), fmtTime(time.Now()), jobID)
	return err
}

// ClearJobTrigger detaches a job from the scheduler registry.
func (s *Store) ClearJobTrigger(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE jobs SET trigger_id='', next_run_at=NULL, updated_at=? WHERE id=?`),
		fmtTime(time.Now()), jobID)
	return err
}

// TouchJobRun updates the denormalized run times when a trigger fires.
func (s *Store) TouchJobRun(ctx context.Context, jobID int64, lastRun time.Time, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE jobs SET last_run_at=?, next_run_at=?, updated_at=? WHERE id=?`),
		fmtTime(lastRun), fmtTimePtr(nextRun), fmtTime(time.Now()), jobID)
	return err
}

// ---- executions ----

const execCols = `id, task_id, job_id, status, started_at, completed_at, items_scraped, error_message, logs, params, metrics`

// CreateExecution inserts a record with status "running" and returns its id.
func (s *Store) CreateExecution(ctx context.Context, taskID int64, jobID *int64, params map[string]any) (int64, error) {
	var id int64
	var job any
	if jobID != nil {
		job = *jobID
	}
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`INSERT INTO executions(task_id, job_id, status, started_at, params)
		 VALUES(?,?,?,?,?) RETURNING id`),
		taskID, job, StatusRunning, fmtTime(time.Now()), marshalJSON(params),
	).Scan(&id)
	return id, err
}

// FinishExecution moves a record to a terminal status. Called exactly once
// per execution, by the runner.
func (s *Store) FinishExecution(ctx context.Context, id int64, status string, items int, errMsg, logs string, metrics map[string]any) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE executions SET status=?, completed_at=?, items_scraped=?, error_message=?, logs=?, metrics=? WHERE id=?`),
		status, fmtTime(time.Now()), items, errMsg, logs, marshalJSON(metrics), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) scanExecution(row interface{ Scan(...any) error }) (ExecutionRecord, error) {
	var (
		e               ExecutionRecord
		jobID           sql.NullInt64
		started         string
		completed       sql.NullString
		params, metrics string
	)
	err := row.Scan(&e.ID, &e.TaskID, &jobID, &e.Status, &started, &completed,
		&e.ItemsScraped, &e.ErrorMessage, &e.Logs, &params, &metrics)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if jobID.Valid {
		v := jobID.Int64
		e.JobID = &v
	}
	e.StartedAt = parseTime(started)
	e.CompletedAt = parseTimePtr(completed)
	e.Params = unmarshalMap(params)
	e.Metrics = unmarshalMap(metrics)
	return e, nil
}

func (s *Store) GetExecution(ctx context.Context, id int64) (ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+execCols+` FROM executions WHERE id = ?`), id)
	return s.scanExecution(row)
}

func (s *Store) ListExecutions(ctx context.Context, taskID *int64, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + execCols + ` FROM executions ORDER BY id DESC LIMIT ?`
	args := []any{limit}
	if taskID != nil {
		q = `SELECT ` + execCols + ` FROM executions WHERE task_id = ? ORDER BY id DESC LIMIT ?`
		args = []any{*taskID, limit}
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		e, err := s.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
