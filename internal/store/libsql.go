package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return migrator{
		dialect: libsqlDialect,
		exec: func(ctx context.Context, query string, args ...any) error {
			_, err := s.db.ExecContext(ctx, query, args...)
			return err
		},
		queryInt: func(ctx context.Context, query string) (int, error) {
			var n int
			err := s.db.QueryRowContext(ctx, query).Scan(&n)
			return n, err
		},
		inTx: func(ctx context.Context, fn func(exec execFunc) error) error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			err = fn(func(ctx context.Context, query string, args ...any) error {
				_, err := tx.ExecContext(ctx, query, args...)
				return err
			})
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			return tx.Commit()
		},
	}.run(ctx)
}

// --- Graphs ---

func (s *LibSQLStore) SaveGraph(ctx context.Context, g *GraphRecord) error {
	prev, err := s.GetGraph(ctx, g.ID)
	if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
		return err
	}
	now := time.Now().UTC()
	touchSteps(prev, g, now)
	if prev != nil {
		g.CreatedAt = prev.CreatedAt
	}
	g.CreatedAt = timeOrNow(g.CreatedAt)
	g.UpdatedAt = now

	def, err := json.Marshal(g.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	stamps, err := json.Marshal(g.StepUpdatedAt)
	if err != nil {
		return fmt.Errorf("marshal step_updated_at: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graphs (id, name, definition, step_updated_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, definition=excluded.definition,
		   step_updated_at=excluded.step_updated_at, updated_at=excluded.updated_at`,
		g.ID, nullStr(g.Name), string(def), string(stamps), g.CreatedAt, g.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetGraph(ctx context.Context, id string) (*GraphRecord, error) {
	g, err := scanGraph(s.db.QueryRowContext(ctx,
		`SELECT id, name, definition, step_updated_at, created_at, updated_at FROM graphs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("graph", id)
	}
	return g, err
}

func (s *LibSQLStore) ListGraphs(ctx context.Context, limit int) ([]*GraphRecord, error) {
	query := `SELECT id, name, definition, step_updated_at, created_at, updated_at FROM graphs ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var graphs []*GraphRecord
	for rows.Next() {
		g, err := scanGraph(rows)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, rows.Err()
}

func (s *LibSQLStore) DeleteGraph(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "graph", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGraph(row rowScanner) (*GraphRecord, error) {
	g := &GraphRecord{}
	var name, stamps sql.NullString
	var def string
	if err := row.Scan(&g.ID, &name, &def, &stamps, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.Name = name.String
	if err := json.Unmarshal([]byte(def), &g.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if stamps.Valid && stamps.String != "" {
		if err := json.Unmarshal([]byte(stamps.String), &g.StepUpdatedAt); err != nil {
			return nil, fmt.Errorf("unmarshal step_updated_at: %w", err)
		}
	}
	return g, nil
}

// --- Runs ---

const runColumnsSQL = `id, graph_id, graph, status, record, pinned, awaiting_step, resume_token, error, state, created_at, started_at, finished_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	cols, err := encodeRun(run)
	if err != nil {
		return err
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = timeOrNow(run.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumnsSQL+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.GraphID), string(cols.Graph), string(run.Status),
		nullRaw(cols.Record), nullRaw(cols.Pinned), nullStr(run.AwaitingStep), nullStr(run.ResumeToken),
		nullRaw(cols.Error), nullRaw(cols.State),
		run.CreatedAt, nullTime(run.StartedAt), nullTime(run.FinishedAt), run.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) SaveRun(ctx context.Context, run *schema.Run) error {
	cols, err := encodeRun(run)
	if err != nil {
		return err
	}
	run.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, record = ?, pinned = ?, awaiting_step = ?, resume_token = ?,
		   error = ?, state = ?, started_at = ?, finished_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(run.Status), nullRaw(cols.Record), nullRaw(cols.Pinned),
		nullStr(run.AwaitingStep), nullStr(run.ResumeToken),
		nullRaw(cols.Error), nullRaw(cols.State),
		nullTime(run.StartedAt), nullTime(run.FinishedAt), run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumnsSQL+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) GetRunByToken(ctx context.Context, token string) (*schema.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumnsSQL+` FROM runs WHERE resume_token = ?`, token))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("resume token", token)
	}
	return run, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.GraphID != "" {
		where = append(where, "graph_id = ?")
		args = append(args, filter.GraphID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumnsSQL + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*schema.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*schema.Run, error) {
	run := &schema.Run{}
	var (
		graphID, awaiting, token      sql.NullString
		graph, status                 string
		record, pinned, runErr, state sql.NullString
		startedAt, finishedAt         sql.NullTime
	)
	if err := row.Scan(&run.ID, &graphID, &graph, &status, &record, &pinned, &awaiting, &token,
		&runErr, &state, &run.CreatedAt, &startedAt, &finishedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.GraphID = graphID.String
	run.Status = schema.RunStatus(status)
	run.AwaitingStep = awaiting.String
	run.ResumeToken = token.String
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	err := decodeRun(run, &runColumns{
		Graph:  []byte(graph),
		Record: rawOrNil(record),
		Pinned: rawOrNil(pinned),
		Error:  rawOrNil(runErr),
		State:  rawOrNil(state),
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write-intent
	// statement forces the write lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step, event_type, payload, timestamp, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Step), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Step != "" {
		where = append(where, "step = ?")
		args = append(args, filter.Step)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, step, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled Jobs ---

const jobColumnsSQL = `id, graph_id, trigger_step, payload, cron_expression, enabled, last_run_at, next_run_at, last_run_status, last_run_id, created_at`

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	payload, err := marshalItems(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (`+jobColumnsSQL+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.GraphID, nullStr(job.TriggerStep), nullRaw(payload), job.CronExpression,
		boolInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), nullStr(job.LastRunID), job.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumnsSQL+` FROM scheduled_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.GraphID != "" {
		where = append(where, "graph_id = ?")
		args = append(args, filter.GraphID)
	}

	query := `SELECT ` + jobColumnsSQL + ` FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanJob(row rowScanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		trigger, payload, lastStatus, lastRunID sql.NullString
		enabled                                 int64
		lastRun, nextRun                        sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.GraphID, &trigger, &payload, &job.CronExpression, &enabled,
		&lastRun, &nextRun, &lastStatus, &lastRunID, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.TriggerStep = trigger.String
	job.Enabled = enabled != 0
	job.LastRunStatus = lastStatus.String
	job.LastRunID = lastRunID.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	items, err := unmarshalItems(rawOrNil(payload))
	if err != nil {
		return nil, err
	}
	job.Payload = items
	return job, nil
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func rawOrNil(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
