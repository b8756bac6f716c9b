package store

import (
	"context"
	"time"

	"clip-orchestrator/internal/models"
)

// Store is the durable source of truth for jobs, quota counters and scheduled tasks.
// Every cross-worker guarantee (claim exclusivity, quota accounting, task overlap) is
// expressed as a transaction or compare-and-set inside an implementation.
type Store interface {
	// CreateJob inserts a pending job unless a non-terminal job with the same
	// source_ref exists, in which case that job is returned with existed=true.
	CreateJob(ctx context.Context, p CreateJobParams) (job models.Job, existed bool, err error)
	GetJob(ctx context.Context, id string) (models.Job, error)

	// ClaimNext picks the first claimable job in claim order and, if admit allows it
	// within the same transaction, moves it to claimed under a fresh claim token. It returns (nil, nil) when no
	// job is eligible and models.ErrAdmissionDenied when admit refuses.
	ClaimNext(ctx context.Context, now time.Time, admit AdmitFunc) (*models.Job, error)

	// Transition applies t only if the job's current status is one of t.From
	// (and attempts and claim token match when set); otherwise models.ErrConflict.
	Transition(ctx context.Context, t Transition) (models.Job, error)

	// ReclaimStale returns claimed/processing jobs not updated since staleBefore to pending
	// and revokes their claim tokens.
	ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error)

	CountByStatus(ctx context.Context) (map[models.Status]int, error)
	// CountUpdatedSince counts jobs per status whose last transition is at or after since.
	CountUpdatedSince(ctx context.Context, since time.Time) (map[models.Status]int, error)

	QuotaCounts(ctx context.Context, keys []string) (map[string]int, error)

	RegisterTask(ctx context.Context, name string, interval time.Duration) error
	// TryStartTask marks the task running if it is due at now; true means the caller owns this run.
	TryStartTask(ctx context.Context, name string, now time.Time, staleAfter time.Duration) (bool, error)
	// FinishTask clears the running flag and records now as last_run_at, but only for the
	// run that started at startedAt; a superseded run gets models.ErrConflict.
	FinishTask(ctx context.Context, name string, startedAt, now time.Time) error
	ListTasks(ctx context.Context) ([]models.ScheduledTask, error)

	Ping(ctx context.Context) error
	Close() error
}

// QuotaTx exposes quota counters inside a claim transaction.
type QuotaTx interface {
	// QuotaCounts reads (and locks) the counters for keys; missing buckets read as zero.
	QuotaCounts(ctx context.Context, keys []string) (map[string]int, error)
	// LatestBucket returns the greatest non-empty bucket key with the given prefix, or "".
	LatestBucket(ctx context.Context, prefix string) (string, error)
	IncrementQuota(ctx context.Context, keys []string) error
}

// AdmitFunc decides admission for one claim and records it through tx when it allows.
type AdmitFunc func(ctx context.Context, tx QuotaTx, now time.Time) (bool, error)

// AdmitAll admits every claim without touching quota counters.
func AdmitAll(context.Context, QuotaTx, time.Time) (bool, error) { return true, nil }

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	SourceRef   string
	Priority    int
	MaxAttempts int
	Now         time.Time
}

// Transition describes a compare-and-set status change plus optional field updates.
// Nil pointer fields are left unchanged.
type Transition struct {
	ID             string
	From           []models.Status
	To             models.Status
	Now            time.Time
	ExpectAttempts *int
	// ExpectToken, when set, must equal the job's claim token.
	ExpectToken string
	Attempts       *int
	AvailableAt    *time.Time
	LastError      *string
	ResultRef      *string
}

func (t Transition) allows(s models.Status) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

func (t Transition) matches(job models.Job) bool {
	if !t.allows(job.Status) {
		return false
	}
	if t.ExpectToken != "" && t.ExpectToken != job.ClaimToken {
		return false
	}
	return t.ExpectAttempts == nil || *t.ExpectAttempts == job.Attempts
}

func (t Transition) apply(job *models.Job) {
	job.Status = t.To
	job.UpdatedAt = t.Now
	if t.Attempts != nil {
		job.Attempts = *t.Attempts
	}
	if t.AvailableAt != nil {
		job.AvailableAt = *t.AvailableAt
	}
	if t.LastError != nil {
		v := *t.LastError
		job.LastError = &v
	}
	if t.ResultRef != nil {
		v := *t.ResultRef
		job.ResultRef = &v
	}
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

var (
	activeStatuses    = []models.Status{models.StatusPending, models.StatusClaimed, models.StatusProcessing, models.StatusFailedRetryable}
	claimableStatuses = []models.Status{models.StatusPending, models.StatusFailedRetryable}
	inFlightStatuses  = []models.Status{models.StatusClaimed, models.StatusProcessing}
)
