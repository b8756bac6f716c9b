package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"clip-orchestrator/internal/models"
	"clip-orchestrator/internal/queue"
	"clip-orchestrator/internal/retry"
	"clip-orchestrator/internal/store"
)

var fixedNow = time.Date(2024, 10, 1, 14, 20, 0, 0, time.UTC)

func setup(t *testing.T) (*queue.Queue, models.Job) {
	t.Helper()
	q := queue.New(store.NewMemory(), queue.Options{
		Policy:      &retry.Policy{Base: time.Second, Cap: time.Minute, Multiplier: 2, MaxAttempts: 3},
		MaxAttempts: 3,
		Now:         func() time.Time { return fixedNow },
	})
	ctx := context.Background()
	if _, _, err := q.Enqueue(ctx, "https://example.com/watch?v=1", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.ClaimNext(ctx, nil)
	if err != nil || job == nil {
		t.Fatalf("claim: %+v %v", job, err)
	}
	return q, *job
}

func run(q *queue.Queue, job models.Job, fn ProcessorFunc) Outcome {
	r := NewRunner(q, fn, 0, func() time.Time { return fixedNow }, nil)
	return r.Execute(context.Background(), job)
}

func TestExecuteSuccess(t *testing.T) {
	q, job := setup(t)
	out := run(q, job, func(_ context.Context, j models.Job) (string, error) {
		if j.Status != models.StatusProcessing {
			t.Errorf("processor saw status %s", j.Status)
		}
		return "s3://clips/1.mp4", nil
	})
	if out.Status != models.StatusCompleted || out.ResultRef != "s3://clips/1.mp4" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	stored, _ := q.Get(context.Background(), job.ID)
	if stored.Status != models.StatusCompleted {
		t.Fatalf("stored status %s", stored.Status)
	}
}

func TestExecutePanicIsFatal(t *testing.T) {
	q, job := setup(t)
	out := run(q, job, func(context.Context, models.Job) (string, error) {
		panic("nil pointer in editor")
	})
	if out.Status != models.StatusFailedTerminal || models.KindOf(out.Err) != models.KindFatal {
		t.Fatalf("panic should fail the job terminally, got %+v", out)
	}
}

func TestExecuteTransientRetries(t *testing.T) {
	q, job := setup(t)
	out := run(q, job, func(context.Context, models.Job) (string, error) {
		return "", models.Transient(errors.New("connection reset"))
	})
	if out.Status != models.StatusFailedRetryable || out.Job.Attempts != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !out.Job.AvailableAt.After(fixedNow) {
		t.Fatalf("retry should be delayed")
	}
}

func TestExecuteEmptyResultIsValidationFailure(t *testing.T) {
	q, job := setup(t)
	out := run(q, job, func(context.Context, models.Job) (string, error) { return " ", nil })
	if out.Status != models.StatusFailedTerminal || models.KindOf(out.Err) != models.KindValidation {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestExecuteQuotaReleases(t *testing.T) {
	q, job := setup(t)
	out := run(q, job, func(context.Context, models.Job) (string, error) {
		return "", models.Quota(errors.New("uploadLimitExceeded"))
	})
	if out.Status != models.StatusPending {
		t.Fatalf("expected release to pending, got %+v", out)
	}
	stored, _ := q.Get(context.Background(), job.ID)
	want := time.Date(2024, 10, 1, 15, 0, 0, 0, time.UTC)
	if stored.Attempts != 0 || !stored.AvailableAt.Equal(want) {
		t.Fatalf("released job should keep attempts and wait for %s, got %+v", want, stored)
	}
}

func TestExecuteSkipsJobOwnedElsewhere(t *testing.T) {
	q, job := setup(t)
	if _, err := q.MarkProcessing(context.Background(), job); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	var called atomic.Bool
	out := run(q, job, func(context.Context, models.Job) (string, error) {
		called.Store(true)
		return "x", nil
	})
	if !out.Skipped || !errors.Is(out.Err, models.ErrConflict) || called.Load() {
		t.Fatalf("expected skip without processing, got %+v called=%v", out, called.Load())
	}
}

func TestHeartbeatKeepsJobFresh(t *testing.T) {
	var clockNow atomic.Int64
	clockNow.Store(fixedNow.UnixNano())
	now := func() time.Time { return time.Unix(0, clockNow.Load()).UTC() }
	q := queue.New(store.NewMemory(), queue.Options{MaxAttempts: 3, Now: now})
	ctx := context.Background()
	if _, _, err := q.Enqueue(ctx, "slow", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _ := q.ClaimNext(ctx, nil)

	var seen time.Time
	r := NewRunner(q, ProcessorFunc(func(ctx context.Context, j models.Job) (string, error) {
		clockNow.Add(int64(time.Minute))
		time.Sleep(80 * time.Millisecond)
		current, err := q.Get(ctx, j.ID)
		if err != nil {
			return "", err
		}
		seen = current.UpdatedAt
		return "done", nil
	}), 10*time.Millisecond, now, nil)

	out := r.Execute(ctx, *job)
	if out.Status != models.StatusCompleted {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !seen.Equal(fixedNow.Add(time.Minute)) {
		t.Fatalf("heartbeat should refresh updated_at while processing, got %s", seen)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	if !p.TryAcquire() || !p.TryAcquire() {
		t.Fatalf("expected two free slots")
	}
	if p.TryAcquire() {
		t.Fatalf("pool of two handed out a third slot")
	}

	release := make(chan struct{})
	p.Go(func() { <-release })
	p.Release()
	if p.InFlight() != 1 {
		t.Fatalf("expected one held slot, got %d", p.InFlight())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait should time out while a job runs, got %v", err)
	}
	close(release)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if p.InFlight() != 0 {
		t.Fatalf("slot not released")
	}
}
