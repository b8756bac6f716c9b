package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"clip-orchestrator/internal/models"
)

// SQLite is a single-node Store on an embedded database file. Transactions are
// opened with BEGIN IMMEDIATE and the pool holds one connection, so claims and task
// starts serialize on the database write lock even across processes sharing the file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" || path == "" {
		return "file::memory:?_txlock=immediate"
	}
	return "file:" + path + "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	args := append([]any{p.SourceRef}, statusArgs(activeStatuses)...)
	existing, err := scanSQLiteJob(tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE source_ref = ? AND status IN `+placeholders(len(activeStatuses))+`
		LIMIT 1
	`, args...))
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.Job{}, false, err
	}

	job := models.Job{
		ID:          uuid.New().String(),
		SourceRef:   p.SourceRef,
		Priority:    p.Priority,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   p.Now,
		AvailableAt: p.Now,
		UpdatedAt:   p.Now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, source_ref, priority, status, attempts, max_attempts, created_at, available_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, job.ID, job.SourceRef, job.Priority, string(job.Status), job.MaxAttempts,
		nanos(p.Now), nanos(p.Now), nanos(p.Now)); err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}
	return job, false, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (s *SQLite) ClaimNext(ctx context.Context, now time.Time, admit AdmitFunc) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	args := append(statusArgs(claimableStatuses), nanos(now))
	job, err := scanSQLiteJob(tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN `+placeholders(len(claimableStatuses))+` AND available_at <= ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1
	`, args...))
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ok, err := admit(ctx, &sqliteQuotaTx{tx: tx}, now)
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	if !ok {
		return nil, models.ErrAdmissionDenied
	}
	token := uuid.New().String()
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ?, claim_token = ? WHERE id = ?`,
		string(models.StatusClaimed), nanos(now), token, job.ID); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	job.Status = models.StatusClaimed
	job.UpdatedAt = now
	job.ClaimToken = token
	return &job, nil
}

func (s *SQLite) Transition(ctx context.Context, t Transition) (models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	job, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, t.ID))
	if err != nil {
		return models.Job{}, err
	}
	if !t.matches(job) {
		return job, models.ErrConflict
	}
	t.apply(&job)
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, available_at = ?, updated_at = ?, last_error = ?, result_ref = ?
		WHERE id = ?
	`, string(job.Status), job.Attempts, nanos(job.AvailableAt), nanos(job.UpdatedAt),
		nullString(job.LastError), nullString(job.ResultRef), job.ID); err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *SQLite) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	args := append([]any{string(models.StatusPending), nanos(now), nanos(now)}, statusArgs(inFlightStatuses)...)
	args = append(args, nanos(staleBefore))
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, available_at = ?, updated_at = ?, claim_token = ''
		WHERE status IN `+placeholders(len(inFlightStatuses))+` AND updated_at < ?
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return int(n), nil
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return scanSQLiteCounts(rows)
}

func (s *SQLite) CountUpdatedSince(ctx context.Context, since time.Time) (map[models.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE updated_at >= ? GROUP BY status
	`, nanos(since))
	if err != nil {
		return nil, fmt.Errorf("count recent jobs: %w", err)
	}
	return scanSQLiteCounts(rows)
}

func (s *SQLite) QuotaCounts(ctx context.Context, keys []string) (map[string]int, error) {
	return readSQLiteQuota(ctx, s.db, keys)
}

func (s *SQLite) RegisterTask(ctx context.Context, name string, interval time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (name, interval_ms, running) VALUES (?, ?, 0)
		ON CONFLICT (name) DO UPDATE SET interval_ms = excluded.interval_ms
	`, name, interval.Milliseconds())
	if err != nil {
		return fmt.Errorf("register task %s: %w", name, err)
	}
	return nil
}

func (s *SQLite) TryStartTask(ctx context.Context, name string, now time.Time, staleAfter time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	task, err := scanSQLiteTask(tx.QueryRowContext(ctx, `
		SELECT name, interval_ms, last_run_at, started_at, running FROM scheduled_tasks WHERE name = ?
	`, name))
	if err != nil {
		return false, err
	}
	if !task.Due(now, staleAfter) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE scheduled_tasks SET running = 1, started_at = ? WHERE name = ?`,
		nanos(now), name); err != nil {
		return false, fmt.Errorf("start task %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *SQLite) FinishTask(ctx context.Context, name string, startedAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET running = 0, started_at = NULL, last_run_at = ?
		WHERE name = ? AND running = 1 AND started_at = ?
	`, nanos(now), name, nanos(startedAt))
	if err != nil {
		return fmt.Errorf("finish task %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConflict
	}
	return nil
}

func (s *SQLite) ListTasks(ctx context.Context) ([]models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, interval_ms, last_run_at, started_at, running FROM scheduled_tasks ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []models.ScheduledTask
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type sqliteQuotaTx struct {
	tx *sql.Tx
}

func (q *sqliteQuotaTx) QuotaCounts(ctx context.Context, keys []string) (map[string]int, error) {
	return readSQLiteQuota(ctx, q.tx, keys)
}

func (q *sqliteQuotaTx) LatestBucket(ctx context.Context, prefix string) (string, error) {
	var key string
	err := q.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(bucket_key), '') FROM quota_counters WHERE bucket_key LIKE ? AND count > 0
	`, prefix+"%").Scan(&key)
	if err != nil {
		return "", fmt.Errorf("latest bucket: %w", err)
	}
	return key, nil
}

func (q *sqliteQuotaTx) IncrementQuota(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if _, err := q.tx.ExecContext(ctx, `
			INSERT INTO quota_counters (bucket_key, count) VALUES (?, 1)
			ON CONFLICT (bucket_key) DO UPDATE SET count = count + 1
		`, k); err != nil {
			return fmt.Errorf("increment quota %s: %w", k, err)
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readSQLiteQuota(ctx context.Context, q queryer, keys []string) (map[string]int, error) {
	out := make(map[string]int, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
		out[k] = 0
	}
	rows, err := q.QueryContext(ctx, `
		SELECT bucket_key, count FROM quota_counters WHERE bucket_key IN `+placeholders(len(keys)), args...)
	if err != nil {
		return nil, fmt.Errorf("read quota: %w", err)
	}
	defer rows.Close()
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

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var status string
	var created, available, updated int64
	var lastErr, result sql.NullString
	if err := row.Scan(&job.ID, &job.SourceRef, &job.Priority, &status, &job.Attempts, &job.MaxAttempts,
		&created, &available, &updated, &lastErr, &result, &job.ClaimToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, models.ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)
	job.CreatedAt = fromNanos(created)
	job.AvailableAt = fromNanos(available)
	job.UpdatedAt = fromNanos(updated)
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	if result.Valid {
		job.ResultRef = &result.String
	}
	return job, nil
}

func scanSQLiteTask(row rowScanner) (models.ScheduledTask, error) {
	var t models.ScheduledTask
	var intervalMS int64
	var last, started sql.NullInt64
	if err := row.Scan(&t.Name, &intervalMS, &last, &started, &t.Running); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ScheduledTask{}, models.ErrNotFound
		}
		return models.ScheduledTask{}, fmt.Errorf("scan task: %w", err)
	}
	t.Interval = time.Duration(intervalMS) * time.Millisecond
	if last.Valid {
		v := fromNanos(last.Int64)
		t.LastRunAt = &v
	}
	if started.Valid {
		v := fromNanos(started.Int64)
		t.StartedAt = &v
	}
	return t, nil
}

func scanSQLiteCounts(rows *sql.Rows) (map[models.Status]int, error) {
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

func placeholders(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func statusArgs(in []models.Status) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
