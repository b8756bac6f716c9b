package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"clip-orchestrator/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, source_ref, priority, status, attempts, max_attempts, created_at, available_at, updated_at, last_error, result_ref, claim_token`

// CreateJob inserts a pending job; the partial unique index on active source_refs
// makes concurrent enqueues of the same ref collapse onto one row.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	// The existing row can turn terminal between the conflicting insert and the lookup,
	// in which case the insert is simply retried.
	for i := 0; i < 3; i++ {
		id := uuid.New().String()
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO jobs (id, source_ref, priority, status, attempts, max_attempts, created_at, available_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $6, $6)
			ON CONFLICT (source_ref) WHERE status NOT IN ('completed', 'failed_terminal') DO NOTHING
		`, id, p.SourceRef, p.Priority, string(models.StatusPending), p.MaxAttempts, p.Now)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert job: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return models.Job{
				ID:          id,
				SourceRef:   p.SourceRef,
				Priority:    p.Priority,
				Status:      models.StatusPending,
				MaxAttempts: p.MaxAttempts,
				CreatedAt:   p.Now,
				AvailableAt: p.Now,
				UpdatedAt:   p.Now,
			}, false, nil
		}

		row := s.pool.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE source_ref = $1 AND status = ANY($2)
			LIMIT 1
		`, p.SourceRef, statusStrings(activeStatuses))
		existing, err := scanJob(row)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return models.Job{}, false, err
		}
		return existing, true, nil
	}
	return models.Job{}, false, fmt.Errorf("insert job %q: active row kept changing", p.SourceRef)
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ClaimNext locks the first eligible row (skipping rows other claimers hold), runs
// admission against the quota rows in the same transaction and flips the job to claimed.
func (s *Postgres) ClaimNext(ctx context.Context, now time.Time, admit AdmitFunc) (*models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ANY($1) AND available_at <= $2
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, statusStrings(claimableStatuses), now)
	job, err := scanJob(row)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ok, err := admit(ctx, &pgQuotaTx{tx: tx}, now)
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	if !ok {
		return nil, models.ErrAdmissionDenied
	}

	token := uuid.New().String()
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = $3, claim_token = $4 WHERE id = $1
	`, job.ID, string(models.StatusClaimed), now, token); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	job.Status = models.StatusClaimed
	job.UpdatedAt = now
	job.ClaimToken = token
	return &job, nil
}

// Transition performs a compare-and-set update; nil fields keep their column value.
func (s *Postgres) Transition(ctx context.Context, t Transition) (models.Job, error) {
	var expect pgtype.Int4
	if t.ExpectAttempts != nil {
		expect = pgtype.Int4{Int32: int32(*t.ExpectAttempts), Valid: true}
	}
	var attempts pgtype.Int4
	if t.Attempts != nil {
		attempts = pgtype.Int4{Int32: int32(*t.Attempts), Valid: true}
	}
	var available pgtype.Timestamptz
	if t.AvailableAt != nil {
		available = pgtype.Timestamptz{Time: *t.AvailableAt, Valid: true}
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status = $3,
			updated_at = $4,
			attempts = COALESCE($5, attempts),
			available_at = COALESCE($6, available_at),
			last_error = COALESCE($7, last_error),
			result_ref = COALESCE($8, result_ref)
		WHERE id = $1 AND status = ANY($2) AND ($9::int IS NULL OR attempts = $9)
			AND ($10::text = '' OR claim_token = $10)
		RETURNING `+jobColumns,
		t.ID, statusStrings(t.From), string(t.To), t.Now, attempts, available, t.LastError, t.ResultRef, expect, t.ExpectToken)
	job, err := scanJob(row)
	if errors.Is(err, models.ErrNotFound) {
		current, getErr := s.GetJob(ctx, t.ID)
		if getErr != nil {
			return models.Job{}, getErr
		}
		return current, models.ErrConflict
	}
	return job, err
}

// ReclaimStale returns abandoned leases to pending.
func (s *Postgres) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, available_at = $3, updated_at = $3, claim_token = ''
		WHERE status = ANY($2) AND updated_at < $4
	`, string(models.StatusPending), statusStrings(inFlightStatuses), now, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return scanStatusCounts(rows)
}

func (s *Postgres) CountUpdatedSince(ctx context.Context, since time.Time) (map[models.Status]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE updated_at >= $1 GROUP BY status
	`, since)
	if err != nil {
		return nil, fmt.Errorf("count recent jobs: %w", err)
	}
	return scanStatusCounts(rows)
}

func (s *Postgres) QuotaCounts(ctx context.Context, keys []string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bucket_key, count FROM quota_counters WHERE bucket_key = ANY($1)
	`, keys)
	if err != nil {
		return nil, fmt.Errorf("read quota: %w", err)
	}
	return scanQuota(rows, keys)
}

func (s *Postgres) RegisterTask(ctx context.Context, name string, interval time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_tasks (name, interval_ms, running)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (name) DO UPDATE SET interval_ms = EXCLUDED.interval_ms
	`, name, interval.Milliseconds())
	if err != nil {
		return fmt.Errorf("register task %s: %w", name, err)
	}
	return nil
}

// TryStartTask locks the task row and flips running only when the row is due.
func (s *Postgres) TryStartTask(ctx context.Context, name string, now time.Time, staleAfter time.Duration) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := scanTask(tx.QueryRow(ctx, `
		SELECT name, interval_ms, last_run_at, started_at, running
		FROM scheduled_tasks WHERE name = $1 FOR UPDATE
	`, name))
	if err != nil {
		return false, err
	}
	if !task.Due(now, staleAfter) {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE scheduled_tasks SET running = TRUE, started_at = $2 WHERE name = $1
	`, name, now); err != nil {
		return false, fmt.Errorf("start task %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *Postgres) FinishTask(ctx context.Context, name string, startedAt, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET running = FALSE, started_at = NULL, last_run_at = $2
		WHERE name = $1 AND running AND started_at = $3
	`, name, now, startedAt)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

func (s *Postgres) ListTasks(ctx context.Context) ([]models.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, interval_ms, last_run_at, started_at, running FROM scheduled_tasks ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []models.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// pgQuotaTx reads and bumps quota rows inside a claim transaction. Rows are locked in
// key order so concurrent claimers serialize on the counters instead of deadlocking.
type pgQuotaTx struct {
	tx pgx.Tx
}

func (q *pgQuotaTx) QuotaCounts(ctx context.Context, keys []string) (map[string]int, error) {
	if _, err := q.tx.Exec(ctx, `
		INSERT INTO quota_counters (bucket_key, count)
		SELECT k, 0 FROM unnest($1::text[]) AS k
		ON CONFLICT (bucket_key) DO NOTHING
	`, keys); err != nil {
		return nil, fmt.Errorf("ensure quota buckets: %w", err)
	}
	rows, err := q.tx.Query(ctx, `
		SELECT bucket_key, count FROM quota_counters
		WHERE bucket_key = ANY($1)
		ORDER BY bucket_key
		FOR UPDATE
	`, keys)
	if err != nil {
		return nil, fmt.Errorf("lock quota: %w", err)
	}
	return scanQuota(rows, keys)
}

func (q *pgQuotaTx) LatestBucket(ctx context.Context, prefix string) (string, error) {
	var key string
	err := q.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(bucket_key), '') FROM quota_counters
		WHERE bucket_key LIKE $1 || '%' AND count > 0
	`, prefix).Scan(&key)
	if err != nil {
		return "", fmt.Errorf("latest bucket: %w", err)
	}
	return key, nil
}

func (q *pgQuotaTx) IncrementQuota(ctx context.Context, keys []string) error {
	_, err := q.tx.Exec(ctx, `
		INSERT INTO quota_counters (bucket_key, count)
		SELECT k, 1 FROM unnest($1::text[]) AS k
		ON CONFLICT (bucket_key) DO UPDATE SET count = quota_counters.count + 1
	`, keys)
	if err != nil {
		return fmt.Errorf("increment quota: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var lastErr, result pgtype.Text
	if err := row.Scan(&job.ID, &job.SourceRef, &job.Priority, &status, &job.Attempts, &job.MaxAttempts,
		&job.CreatedAt, &job.AvailableAt, &job.UpdatedAt, &lastErr, &result, &job.ClaimToken); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, models.ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)
	job.LastError = textPtr(lastErr)
	job.ResultRef = textPtr(result)
	return job, nil
}

func scanTask(row pgx.Row) (models.ScheduledTask, error) {
	var t models.ScheduledTask
	var intervalMS int64
	var last, started pgtype.Timestamptz
	if err := row.Scan(&t.Name, &intervalMS, &last, &started, &t.Running); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ScheduledTask{}, models.ErrNotFound
		}
		return models.ScheduledTask{}, fmt.Errorf("scan task: %w", err)
	}
	t.Interval = time.Duration(intervalMS) * time.Millisecond
	t.LastRunAt = timePtr(last)
	t.StartedAt = timePtr(started)
	return t, nil
}

func scanStatusCounts(rows pgx.Rows) (map[models.Status]int, error) {
	defer rows.Close()
	out := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[models.Status(status)] = n
	}
	return out, rows.Err()
}

func scanQuota(rows pgx.Rows, keys []string) (map[string]int, error) {
	defer rows.Close()
	out := make(map[string]int, len(keys))
	for _, k := range keys {
		out[k] = 0
	}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan quota: %w", err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
