package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clip-orchestrator/internal/models"
)

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	out := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := NewSQLite(filepath.Join(t.TempDir(), "clips.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			if err := st.RunMigrations(context.Background()); err != nil {
				t.Fatalf("migrate sqlite: %v", err)
			}
			t.Cleanup(func() { st.Close() })
			return st
		},
	}
	if dsn := os.Getenv("POSTGRES_TEST_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			ctx := context.Background()
			st, err := NewPostgres(ctx, dsn)
			if err != nil {
				t.Fatalf("connect postgres: %v", err)
			}
			if err := st.RunMigrations(ctx); err != nil {
				t.Fatalf("migrate postgres: %v", err)
			}
			if _, err := st.pool.Exec(ctx, `TRUNCATE jobs, quota_counters, scheduled_tasks`); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			t.Cleanup(func() { st.Close() })
			return st
		}
	}
	return out
}

func forEachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, factory := range backends(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func mustCreate(t *testing.T, st Store, ref string, priority int, now time.Time) models.Job {
	t.Helper()
	job, _, err := st.CreateJob(context.Background(), CreateJobParams{SourceRef: ref, Priority: priority, MaxAttempts: 3, Now: now})
	if err != nil {
		t.Fatalf("create %s: %v", ref, err)
	}
	return job
}

func TestCreateJobIdempotentWhileActive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		first := mustCreate(t, st, "video-1", 0, t0)
		again, existed, err := st.CreateJob(ctx, CreateJobParams{SourceRef: "video-1", MaxAttempts: 3, Now: t0.Add(time.Minute)})
		if err != nil {
			t.Fatalf("second create: %v", err)
		}
		if !existed || again.ID != first.ID {
			t.Fatalf("expected existing job %s, got %s existed=%v", first.ID, again.ID, existed)
		}

		result := "clips/video-1.mp4"
		if _, err := st.Transition(ctx, Transition{
			ID: first.ID, From: []models.Status{models.StatusPending}, To: models.StatusCompleted,
			Now: t0.Add(2 * time.Minute), ResultRef: &result,
		}); err != nil {
			t.Fatalf("complete: %v", err)
		}

		fresh, existed, err := st.CreateJob(ctx, CreateJobParams{SourceRef: "video-1", MaxAttempts: 3, Now: t0.Add(3 * time.Minute)})
		if err != nil {
			t.Fatalf("create after completion: %v", err)
		}
		if existed || fresh.ID == first.ID {
			t.Fatalf("expected a new job after the first reached a terminal state")
		}
		counts, err := st.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if counts[models.StatusCompleted] != 1 || counts[models.StatusPending] != 1 {
			t.Fatalf("unexpected counts %v", counts)
		}
	})
}

func TestClaimOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		a := mustCreate(t, st, "A", 1, t0.Add(1*time.Second))
		b := mustCreate(t, st, "B", 5, t0.Add(2*time.Second))
		c := mustCreate(t, st, "C", 5, t0.Add(1*time.Second))

		now := t0.Add(time.Minute)
		for _, want := range []models.Job{c, b, a} {
			got, err := st.ClaimNext(ctx, now, AdmitAll)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if got == nil || got.ID != want.ID {
				t.Fatalf("expected %s, got %+v", want.SourceRef, got)
			}
			if got.Status != models.StatusClaimed {
				t.Fatalf("claimed job has status %s", got.Status)
			}
		}
		got, err := st.ClaimNext(ctx, now, AdmitAll)
		if err != nil || got != nil {
			t.Fatalf("expected empty queue, got %+v err=%v", got, err)
		}
	})
}

func TestClaimSkipsFutureAndDeniedLeavesJob(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		job := mustCreate(t, st, "later", 0, t0)
		backoff := t0.Add(time.Hour)
		errMsg := "transient: timeout"
		if _, err := st.Transition(ctx, Transition{
			ID: job.ID, From: []models.Status{models.StatusPending}, To: models.StatusFailedRetryable,
			Now: t0, AvailableAt: &backoff, LastError: &errMsg,
		}); err != nil {
			t.Fatalf("fail job: %v", err)
		}

		if got, err := st.ClaimNext(ctx, t0.Add(time.Minute), AdmitAll); err != nil || got != nil {
			t.Fatalf("job in backoff must not be claimable, got %+v err=%v", got, err)
		}

		deny := func(context.Context, QuotaTx, time.Time) (bool, error) { return false, nil }
		if _, err := st.ClaimNext(ctx, backoff, deny); !errors.Is(err, models.ErrAdmissionDenied) {
			t.Fatalf("expected admission denied, got %v", err)
		}
		still, err := st.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if still.Status != models.StatusFailedRetryable {
			t.Fatalf("denied claim changed status to %s", still.Status)
		}

		got, err := st.ClaimNext(ctx, backoff, AdmitAll)
		if err != nil || got == nil || got.ID != job.ID {
			t.Fatalf("expected retryable job to be claimed after backoff, got %+v err=%v", got, err)
		}
	})
}

func TestConcurrentClaimExclusive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		const jobs = 40
		for i := 0; i < jobs; i++ {
			mustCreate(t, st, fmt.Sprintf("ref-%d", i), i%3, t0)
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, err := st.ClaimNext(ctx, t0.Add(time.Second), AdmitAll)
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if job == nil {
						return
					}
					mu.Lock()
					seen[job.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != jobs {
			t.Fatalf("expected %d distinct claims, got %d", jobs, len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("job %s claimed %d times", id, n)
			}
		}
	})
}

func TestTransitionConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		job := mustCreate(t, st, "conflict", 0, t0)

		_, err := st.Transition(ctx, Transition{
			ID: job.ID, From: []models.Status{models.StatusProcessing}, To: models.StatusFailedTerminal, Now: t0,
		})
		if !errors.Is(err, models.ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}

		wrong := 2
		_, err = st.Transition(ctx, Transition{
			ID: job.ID, From: []models.Status{models.StatusPending}, To: models.StatusClaimed, Now: t0, ExpectAttempts: &wrong,
		})
		if !errors.Is(err, models.ErrConflict) {
			t.Fatalf("expected attempts conflict, got %v", err)
		}

		unchanged, err := st.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if unchanged.Status != models.StatusPending || unchanged.Attempts != 0 {
			t.Fatalf("conflicting transition mutated job: %+v", unchanged)
		}

		if _, err := st.Transition(ctx, Transition{ID: "missing", From: []models.Status{models.StatusPending}, To: models.StatusClaimed, Now: t0}); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestReclaimStale(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		job := mustCreate(t, st, "stuck", 0, t0)
		claimed, err := st.ClaimNext(ctx, t0, AdmitAll)
		if err != nil || claimed == nil {
			t.Fatalf("claim: %+v %v", claimed, err)
		}
		if _, err := st.Transition(ctx, Transition{
			ID: job.ID, From: []models.Status{models.StatusClaimed}, To: models.StatusProcessing, Now: t0,
		}); err != nil {
			t.Fatalf("processing: %v", err)
		}

		n, err := st.ReclaimStale(ctx, t0.Add(-time.Minute), t0.Add(time.Minute))
		if err != nil || n != 0 {
			t.Fatalf("fresh job reclaimed: n=%d err=%v", n, err)
		}

		later := t0.Add(31 * time.Minute)
		n, err = st.ReclaimStale(ctx, later.Add(-30*time.Minute), later)
		if err != nil || n != 1 {
			t.Fatalf("expected one reclaimed job, n=%d err=%v", n, err)
		}
		got, err := st.ClaimNext(ctx, later, AdmitAll)
		if err != nil || got == nil || got.ID != job.ID {
			t.Fatalf("expected reclaimed job to be claimable, got %+v err=%v", got, err)
		}
		if got.Attempts != 0 {
			t.Fatalf("reclaim must not count an attempt, got %d", got.Attempts)
		}
		if got.ClaimToken == "" || got.ClaimToken == claimed.ClaimToken {
			t.Fatalf("second claim should carry a new token, got %q after %q", got.ClaimToken, claimed.ClaimToken)
		}

		_, err = st.Transition(ctx, Transition{
			ID: job.ID, From: []models.Status{models.StatusClaimed}, To: models.StatusProcessing, Now: later,
			ExpectToken: claimed.ClaimToken,
		})
		if !errors.Is(err, models.ErrConflict) {
			t.Fatalf("superseded claim token should conflict, got %v", err)
		}
		current, err := st.Transition(ctx, Transition{
			ID: job.ID, From: []models.Status{models.StatusClaimed}, To: models.StatusProcessing, Now: later,
			ExpectToken: got.ClaimToken,
		})
		if err != nil || current.Status != models.StatusProcessing || current.ClaimToken != got.ClaimToken {
			t.Fatalf("current holder should advance the job, got %+v err=%v", current, err)
		}
	})
}

func TestQuotaAdmissionInsideClaim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			mustCreate(t, st, fmt.Sprintf("q-%d", i), 0, t0)
		}
		keys := []string{"day:2024-03-10", "hour:2024-03-10T12"}
		admit := func(ctx context.Context, tx QuotaTx, _ time.Time) (bool, error) {
			counts, err := tx.QuotaCounts(ctx, keys)
			if err != nil {
				return false, err
			}
			if counts[keys[1]] >= 2 {
				return false, nil
			}
			return true, tx.IncrementQuota(ctx, keys)
		}

		for i := 0; i < 2; i++ {
			if job, err := st.ClaimNext(ctx, t0, admit); err != nil || job == nil {
				t.Fatalf("claim %d: %+v %v", i, job, err)
			}
		}
		if _, err := st.ClaimNext(ctx, t0, admit); !errors.Is(err, models.ErrAdmissionDenied) {
			t.Fatalf("expected denial, got %v", err)
		}
		counts, err := st.QuotaCounts(ctx, append(keys, "hour:2024-03-10T13"))
		if err != nil {
			t.Fatalf("quota counts: %v", err)
		}
		if counts[keys[0]] != 2 || counts[keys[1]] != 2 || counts["hour:2024-03-10T13"] != 0 {
			t.Fatalf("unexpected counters %v", counts)
		}

		var latest string
		peek := func(ctx context.Context, tx QuotaTx, _ time.Time) (bool, error) {
			var err error
			latest, err = tx.LatestBucket(ctx, "hour:")
			return false, err
		}
		_, _ = st.ClaimNext(ctx, t0, peek)
		if latest != keys[1] {
			t.Fatalf("expected latest hour bucket %s, got %q", keys[1], latest)
		}
	})
}

func TestScheduledTaskCAS(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		if err := st.RegisterTask(ctx, "drain", time.Minute); err != nil {
			t.Fatalf("register: %v", err)
		}
		if err := st.RegisterTask(ctx, "drain", time.Minute); err != nil {
			t.Fatalf("re-register: %v", err)
		}

		ok, err := st.TryStartTask(ctx, "drain", t0, time.Hour)
		if err != nil || !ok {
			t.Fatalf("first start: ok=%v err=%v", ok, err)
		}
		ok, err = st.TryStartTask(ctx, "drain", t0.Add(5*time.Minute), time.Hour)
		if err != nil || ok {
			t.Fatalf("running task started twice: ok=%v err=%v", ok, err)
		}

		if err := st.FinishTask(ctx, "drain", t0, t0.Add(10*time.Minute)); err != nil {
			t.Fatalf("finish: %v", err)
		}
		ok, _ = st.TryStartTask(ctx, "drain", t0.Add(10*time.Minute+30*time.Second), time.Hour)
		if ok {
			t.Fatalf("task started before its interval elapsed since completion")
		}
		ok, _ = st.TryStartTask(ctx, "drain", t0.Add(11*time.Minute), time.Hour)
		if !ok {
			t.Fatalf("task not started after interval")
		}

		// A run abandoned by a crashed process is recovered after staleAfter.
		superseded := t0.Add(11 * time.Minute)
		recovered := superseded.Add(2 * time.Hour)
		ok, _ = st.TryStartTask(ctx, "drain", recovered, time.Hour)
		if !ok {
			t.Fatalf("stale running flag was not recovered")
		}

		// Only the run that owns the flag may clear it.
		if err := st.FinishTask(ctx, "drain", superseded, recovered.Add(time.Minute)); !errors.Is(err, models.ErrConflict) {
			t.Fatalf("expected conflict finishing a superseded run, got %v", err)
		}
		tasks, err := st.ListTasks(ctx)
		if err != nil || len(tasks) != 1 || !tasks[0].Running || tasks[0].Interval != time.Minute {
			t.Fatalf("unexpected tasks %+v err=%v", tasks, err)
		}
		if err := st.FinishTask(ctx, "drain", recovered, recovered.Add(time.Minute)); err != nil {
			t.Fatalf("owner finish: %v", err)
		}
		if _, err := st.TryStartTask(ctx, "unknown", t0, time.Hour); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected not found for unregistered task, got %v", err)
		}
	})
}

func TestCountUpdatedSince(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		old := mustCreate(t, st, "old", 0, t0)
		mustCreate(t, st, "new", 0, t0.Add(2*time.Hour))
		msg := "fatal: boom"
		if _, err := st.Transition(ctx, Transition{
			ID: old.ID, From: []models.Status{models.StatusPending}, To: models.StatusFailedTerminal, Now: t0, LastError: &msg,
		}); err != nil {
			t.Fatalf("transition: %v", err)
		}
		counts, err := st.CountUpdatedSince(ctx, t0.Add(time.Hour))
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if counts[models.StatusFailedTerminal] != 0 || counts[models.StatusPending] != 1 {
			t.Fatalf("unexpected recent counts %v", counts)
		}
		got, err := st.GetJob(ctx, old.ID)
		if err != nil || got.LastError == nil || *got.LastError != msg {
			t.Fatalf("last_error not persisted: %+v err=%v", got, err)
		}
	})
}
