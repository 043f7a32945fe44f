package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/stepflow/pkg/schema"
)

// PostgresStore implements the Store interface on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies pending migrations, one transaction per version.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migrator{
		dialect: postgresDialect,
		exec: func(ctx context.Context, query string, args ...any) error {
			_, err := s.pool.Exec(ctx, query, args...)
			return err
		},
		queryInt: func(ctx context.Context, query string) (int, error) {
			var n int
			err := s.pool.QueryRow(ctx, query).Scan(&n)
			return n, err
		},
		inTx: func(ctx context.Context, fn func(exec execFunc) error) error {
			return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
				return fn(func(ctx context.Context, query string, args ...any) error {
					_, err := tx.Exec(ctx, query, args...)
					return err
				})
			})
		},
	}.run(ctx)
}

// --- Graphs ---

func (s *PostgresStore) SaveGraph(ctx context.Context, g *GraphRecord) error {
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO graphs (id, name, definition, step_updated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, definition = EXCLUDED.definition,
			step_updated_at = EXCLUDED.step_updated_at, updated_at = EXCLUDED.updated_at`,
		g.ID, nullString(g.Name), string(def), string(stamps), g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert graph: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGraph(ctx context.Context, id string) (*GraphRecord, error) {
	g, err := scanPgGraph(s.pool.QueryRow(ctx,
		`SELECT id, name, definition, step_updated_at, created_at, updated_at FROM graphs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("graph", id)
	}
	return g, err
}

func (s *PostgresStore) ListGraphs(ctx context.Context, limit int) ([]*GraphRecord, error) {
	query := `SELECT id, name, definition, step_updated_at, created_at, updated_at FROM graphs ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	defer rows.Close()

	var graphs []*GraphRecord
	for rows.Next() {
		g, err := scanPgGraph(rows)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, rows.Err()
}

func (s *PostgresStore) DeleteGraph(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM graphs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete graph: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("graph", id)
	}
	return nil
}

func scanPgGraph(row pgx.Row) (*GraphRecord, error) {
	g := &GraphRecord{}
	var name *string
	var def, stamps []byte
	if err := row.Scan(&g.ID, &name, &def, &stamps, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	if name != nil {
		g.Name = *name
	}
	if err := json.Unmarshal(def, &g.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if len(stamps) > 0 {
		if err := json.Unmarshal(stamps, &g.StepUpdatedAt); err != nil {
			return nil, fmt.Errorf("unmarshal step_updated_at: %w", err)
		}
	}
	return g, nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *schema.Run) error {
	cols, err := encodeRun(run)
	if err != nil {
		return err
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = timeOrNow(run.UpdatedAt)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (`+runColumnsSQL+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		run.ID, nullString(run.GraphID), string(cols.Graph), string(run.Status),
		nullRaw(cols.Record), nullRaw(cols.Pinned), nullString(run.AwaitingStep), nullString(run.ResumeToken),
		nullRaw(cols.Error), nullRaw(cols.State),
		run.CreatedAt, run.StartedAt, run.FinishedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *schema.Run) error {
	cols, err := encodeRun(run)
	if err != nil {
		return err
	}
	run.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2, record = $3, pinned = $4, awaiting_step = $5, resume_token = $6,
		    error = $7, state = $8, started_at = $9, finished_at = $10, updated_at = $11
		WHERE id = $1`,
		run.ID, string(run.Status), nullRaw(cols.Record), nullRaw(cols.Pinned),
		nullString(run.AwaitingStep), nullString(run.ResumeToken),
		nullRaw(cols.Error), nullRaw(cols.State),
		run.StartedAt, run.FinishedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("run", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+runColumnsSQL+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *PostgresStore) GetRunByToken(ctx context.Context, token string) (*schema.Run, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+runColumnsSQL+` FROM runs WHERE resume_token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("resume token", token)
	}
	return run, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	var status *string
	if filter.Status != nil {
		v := string(*filter.Status)
		status = &v
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumnsSQL+`
		FROM runs
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2::text IS NULL OR graph_id = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		status, nullString(filter.GraphID), filter.Since, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*schema.Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanPgRun(row pgx.Row) (*schema.Run, error) {
	run := &schema.Run{}
	var (
		graphID, awaiting, token      *string
		status                        string
		graph                         []byte
		record, pinned, runErr, state []byte
	)
	if err := row.Scan(&run.ID, &graphID, &graph, &status, &record, &pinned, &awaiting, &token,
		&runErr, &state, &run.CreatedAt, &run.StartedAt, &run.FinishedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.GraphID = derefString(graphID)
	run.Status = schema.RunStatus(status)
	run.AwaitingStep = derefString(awaiting)
	run.ResumeToken = derefString(token)
	cols := &runColumns{Graph: graph, Record: record, Pinned: pinned, Error: runErr, State: state}
	if err := decodeRun(run, cols); err != nil {
		return nil, err
	}
	return run, nil
}

// --- Events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, event *Event) error {
	event.Timestamp = timeOrNow(event.Timestamp)
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serializes sequence allocation per run.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, event.RunID); err != nil {
			return fmt.Errorf("lock run sequence: %w", err)
		}
		var seq int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = $1`, event.RunID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("get next sequence: %w", err)
		}
		event.Sequence = seq
		err := tx.QueryRow(ctx, `
			INSERT INTO events (run_id, step, event_type, payload, timestamp, sequence)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			event.RunID, nullString(event.Step), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
		).Scan(&event.ID)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, step, event_type, payload, timestamp, sequence
		FROM events WHERE run_id = $1 AND sequence > $2 ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

func (s *PostgresStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = $1"}
	args := []any{eventType}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.RunID != "" {
		add("run_id = $%d", filter.RunID)
	}
	if filter.Step != "" {
		add("step = $%d", filter.Step)
	}
	if filter.Since != nil {
		add("timestamp >= $%d", *filter.Since)
	}

	query := `SELECT id, run_id, step, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get events by type: %w", err)
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

func scanPgEvents(rows pgx.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step *string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RunID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Step = derefString(step)
		if len(payload) > 0 {
			e.Payload = payload
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled Jobs ---

func (s *PostgresStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	payload, err := marshalItems(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumnsSQL+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.GraphID, nullString(job.TriggerStep), nullRaw(payload), job.CronExpression,
		job.Enabled, job.LastRunAt, job.NextRunAt,
		nullString(job.LastRunStatus), nullString(job.LastRunID), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert scheduled job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumnsSQL+` FROM scheduled_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	return job, err
}

func (s *PostgresStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET enabled = COALESCE($2, enabled),
		    last_run_at = COALESCE($3, last_run_at),
		    next_run_at = COALESCE($4, next_run_at),
		    last_run_status = COALESCE($5, last_run_status),
		    last_run_id = COALESCE($6, last_run_id)
		WHERE id = $1`,
		id, update.Enabled, update.LastRunAt, update.NextRunAt,
		nullString(update.LastRunStatus), nullString(update.LastRunID),
	)
	if err != nil {
		return fmt.Errorf("update scheduled job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("scheduled job", id)
	}
	return nil
}

func (s *PostgresStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumnsSQL+`
		FROM scheduled_jobs
		WHERE ($1::boolean IS NULL OR enabled = $1)
		  AND ($2::text IS NULL OR graph_id = $2)
		ORDER BY created_at ASC
		LIMIT $3`,
		filter.Enabled, nullString(filter.GraphID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) DeleteScheduledJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("scheduled job", id)
	}
	return nil
}

func scanPgJob(row pgx.Row) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var trigger, lastStatus, lastRunID *string
	var payload []byte
	if err := row.Scan(&job.ID, &job.GraphID, &trigger, &payload, &job.CronExpression, &job.Enabled,
		&job.LastRunAt, &job.NextRunAt, &lastStatus, &lastRunID, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.TriggerStep = derefString(trigger)
	job.LastRunStatus = derefString(lastStatus)
	job.LastRunID = derefString(lastRunID)
	items, err := unmarshalItems(payload)
	if err != nil {
		return nil, err
	}
	job.Payload = items
	return job, nil
}

// nullString returns nil for an empty string so it is stored as NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
