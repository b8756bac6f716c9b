package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"clip-orchestrator/internal/models"
	"clip-orchestrator/internal/retry"
	"clip-orchestrator/internal/store"
	"clip-orchestrator/internal/telemetry"
)

// MaxSourceRefLen bounds the opaque source reference accepted by Enqueue.
const MaxSourceRefLen = 2048

// Queue implements the job lifecycle on top of a Store. It holds no state of its own,
// so any number of Queue values (in any number of processes) may share one database.
type Queue struct {
	store       store.Store
	policy      *retry.Policy
	maxAttempts int
	liveness    time.Duration
	now         func() time.Time
	logger      *log.Logger
}

// Options configures a Queue.
type Options struct {
	Policy          *retry.Policy
	MaxAttempts     int
	LivenessTimeout time.Duration
	Now             func() time.Time
	Logger          *log.Logger
}

// New builds a queue over st.
func New(st store.Store, opts Options) *Queue {
	q := &Queue{
		store:       st,
		policy:      opts.Policy,
		maxAttempts: opts.MaxAttempts,
		liveness:    opts.LivenessTimeout,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 5
	}
	if q.policy == nil {
		q.policy = retry.NewPolicy(10*time.Second, 5*time.Minute, 2, q.maxAttempts)
	}
	if q.liveness <= 0 {
		q.liveness = 30 * time.Minute
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.logger == nil {
		q.logger = log.Default()
	}
	return q
}

// Enqueue adds a pending job for sourceRef, or returns the id of the non-terminal job
// already holding it with created=false.
func (q *Queue) Enqueue(ctx context.Context, sourceRef string, priority int) (string, bool, error) {
	ref := strings.TrimSpace(sourceRef)
	if ref == "" {
		return "", false, models.Validationf("source_ref is required")
	}
	if len(ref) > MaxSourceRefLen {
		return "", false, models.Validationf("source_ref exceeds %d bytes", MaxSourceRefLen)
	}
	job, existed, err := q.store.CreateJob(ctx, store.CreateJobParams{
		SourceRef:   ref,
		Priority:    priority,
		MaxAttempts: q.maxAttempts,
		Now:         q.now().UTC(),
	})
	if err != nil {
		return "", false, models.Transient(fmt.Errorf("enqueue %s: %w", ref, err))
	}
	if !existed {
		telemetry.JobsEnqueued.Inc()
	}
	return job.ID, !existed, nil
}

// ClaimNext reserves the next eligible job, running admit inside the claim transaction.
// It returns (nil, nil) when nothing is eligible and models.ErrAdmissionDenied when admit refuses.
func (q *Queue) ClaimNext(ctx context.Context, admit store.AdmitFunc) (*models.Job, error) {
	if admit == nil {
		admit = store.AdmitAll
	}
	job, err := q.store.ClaimNext(ctx, q.now().UTC(), admit)
	if errors.Is(err, models.ErrAdmissionDenied) {
		telemetry.AdmissionDenials.Inc()
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return job, nil
}

// The lifecycle methods below take the job as returned by ClaimNext and act only while
// its claim token is still current; once the job is reclaimed and claimed again the
// previous holder gets models.ErrConflict.

// MarkProcessing moves a claimed job to processing.
func (q *Queue) MarkProcessing(ctx context.Context, job models.Job) (models.Job, error) {
	return q.store.Transition(ctx, store.Transition{
		ID:          job.ID,
		From:        []models.Status{models.StatusClaimed},
		To:          models.StatusProcessing,
		Now:         q.now().UTC(),
		ExpectToken: job.ClaimToken,
	})
}

// Heartbeat refreshes updated_at on a processing job so ReclaimStale leaves it alone.
func (q *Queue) Heartbeat(ctx context.Context, job models.Job) error {
	_, err := q.store.Transition(ctx, store.Transition{
		ID:          job.ID,
		From:        []models.Status{models.StatusProcessing},
		To:          models.StatusProcessing,
		Now:         q.now().UTC(),
		ExpectToken: job.ClaimToken,
	})
	return err
}

// MarkCompleted records a successful result. Completing a job this holder already
// completed is a no-op.
func (q *Queue) MarkCompleted(ctx context.Context, job models.Job, resultRef string) error {
	if strings.TrimSpace(resultRef) == "" {
		return models.Validationf("result_ref is required to complete job %s", job.ID)
	}
	current, err := q.store.Transition(ctx, store.Transition{
		ID:          job.ID,
		From:        []models.Status{models.StatusProcessing},
		To:          models.StatusCompleted,
		Now:         q.now().UTC(),
		ResultRef:   &resultRef,
		ExpectToken: job.ClaimToken,
	})
	if errors.Is(err, models.ErrConflict) && current.Status == models.StatusCompleted &&
		current.ClaimToken == job.ClaimToken {
		return nil
	}
	if err != nil {
		return err
	}
	telemetry.JobsCompleted.Inc()
	return nil
}

// MarkFailed records a failed attempt and either schedules a retry after backoff or
// makes the job terminal. It returns the job as stored after the transition.
func (q *Queue) MarkFailed(ctx context.Context, held models.Job, cause error) (models.Job, error) {
	id := held.ID
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusClaimed && job.Status != models.StatusProcessing {
		return job, models.ErrConflict
	}
	if held.ClaimToken != "" && held.ClaimToken != job.ClaimToken {
		return job, models.ErrConflict
	}

	now := q.now().UTC()
	attempt := job.Attempts + 1
	decision := q.policy.Decide(attempt, models.KindOf(cause))
	lastErr := models.Describe(cause)
	t := store.Transition{
		ID:             id,
		From:           []models.Status{models.StatusClaimed, models.StatusProcessing},
		Now:            now,
		ExpectAttempts: &job.Attempts,
		ExpectToken:    held.ClaimToken,
		LastError:      &lastErr,
	}
	if decision.Retry && attempt < job.MaxAttempts {
		availableAt := now.Add(decision.After)
		t.To = models.StatusFailedRetryable
		t.Attempts = &attempt
		t.AvailableAt = &availableAt
	} else {
		bounded := min(attempt, job.MaxAttempts)
		t.To = models.StatusFailedTerminal
		t.Attempts = &bounded
	}

	updated, err := q.store.Transition(ctx, t)
	if err != nil {
		return updated, err
	}
	if updated.Status == models.StatusFailedRetryable {
		telemetry.JobsRetried.Inc()
		q.logger.Printf("[queue] job %s attempt %d failed, retry at %s: %s",
			id, updated.Attempts, updated.AvailableAt.Format(time.RFC3339), lastErr)
	} else {
		telemetry.JobsFailedTerminal.Inc()
		q.logger.Printf("[queue] job %s failed terminally after %d attempts: %s", id, updated.Attempts, lastErr)
	}
	return updated, nil
}

// Release hands a claimed or processing job back to pending without counting an
// attempt. It is used when a platform quota refuses the upload.
func (q *Queue) Release(ctx context.Context, job models.Job, availableAt time.Time, cause error) error {
	t := store.Transition{
		ID:          job.ID,
		From:        []models.Status{models.StatusClaimed, models.StatusProcessing},
		To:          models.StatusPending,
		Now:         q.now().UTC(),
		AvailableAt: &availableAt,
		ExpectToken: job.ClaimToken,
	}
	if cause != nil {
		msg := models.Describe(cause)
		t.LastError = &msg
	}
	if _, err := q.store.Transition(ctx, t); err != nil {
		return err
	}
	telemetry.JobsReleased.Inc()
	return nil
}

// ReclaimStale returns jobs stuck in claimed or processing longer than the liveness
// timeout to pending. Attempts are left untouched.
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	now := q.now().UTC()
	n, err := q.store.ReclaimStale(ctx, now.Add(-q.liveness), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.JobsReclaimed.Add(float64(n))
		q.logger.Printf("[queue] reclaimed %d stale jobs", n)
	}
	return n, nil
}

func (q *Queue) Get(ctx context.Context, id string) (models.Job, error) {
	return q.store.GetJob(ctx, id)
}

// Counts returns the number of jobs per status; statuses with no jobs read as zero.
func (q *Queue) Counts(ctx context.Context) (map[models.Status]int, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range models.AllStatuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
		telemetry.QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return counts, nil
}

// RecentOutcomes counts jobs per status whose last transition happened within window.
func (q *Queue) RecentOutcomes(ctx context.Context, window time.Duration) (map[models.Status]int, error) {
	return q.store.CountUpdatedSince(ctx, q.now().UTC().Add(-window))
}

// Now exposes the queue clock so collaborators stay on the same time source.
func (q *Queue) Now() time.Time { return q.now().UTC() }
