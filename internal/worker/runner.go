package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"clip-orchestrator/internal/models"
	"clip-orchestrator/internal/ratelimit"
)

// Processor turns one job into an uploaded clip and returns its location. Errors should
// be tagged with a models kind; untagged errors are treated as fatal.
type Processor interface {
	Process(ctx context.Context, job models.Job) (resultRef string, err error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job models.Job) (string, error)

func (f ProcessorFunc) Process(ctx context.Context, job models.Job) (string, error) {
	return f(ctx, job)
}

// Lifecycle is the subset of the job queue a worker drives. Each call carries the
// claimed job so a holder that lost its claim cannot overwrite the new holder.
type Lifecycle interface {
	MarkProcessing(ctx context.Context, job models.Job) (models.Job, error)
	Heartbeat(ctx context.Context, job models.Job) error
	MarkCompleted(ctx context.Context, job models.Job, resultRef string) error
	MarkFailed(ctx context.Context, job models.Job, cause error) (models.Job, error)
	Release(ctx context.Context, job models.Job, availableAt time.Time, cause error) error
}

// Outcome summarizes what happened to a job in Execute.
type Outcome struct {
	Job       models.Job
	Status    models.Status
	ResultRef string
	Err       error
	// Skipped is set when another holder owned the job and nothing was recorded.
	Skipped bool
}

// Runner executes claimed jobs.
type Runner struct {
	queue     Lifecycle
	proc      Processor
	heartbeat time.Duration
	now       func() time.Time
	logger    *log.Logger
}

// NewRunner builds a runner. heartbeat <= 0 disables liveness refreshes while processing.
func NewRunner(q Lifecycle, proc Processor, heartbeat time.Duration, now func() time.Time, logger *log.Logger) *Runner {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{queue: q, proc: proc, heartbeat: heartbeat, now: now, logger: logger}
}

// Execute moves a claimed job through processing to its next state. It never panics and
// never returns an error; the result is reported in the Outcome.
func (r *Runner) Execute(ctx context.Context, job models.Job) Outcome {
	started, err := r.queue.MarkProcessing(ctx, job)
	if err != nil {
		r.logConflict(job.ID, "start", err)
		return Outcome{Job: job, Err: err, Skipped: true}
	}

	stop := r.keepAlive(ctx, started)
	resultRef, procErr := r.process(ctx, started)
	stop()

	if procErr == nil {
		procErr = r.queue.MarkCompleted(ctx, started, resultRef)
		if procErr == nil {
			r.logger.Printf("[worker] job %s completed: %s", job.ID, resultRef)
			return Outcome{Job: started, Status: models.StatusCompleted, ResultRef: resultRef}
		}
		if errors.Is(procErr, models.ErrConflict) {
			r.logConflict(job.ID, "complete", procErr)
			return Outcome{Job: started, Err: procErr, Skipped: true}
		}
	}

	if models.KindOf(procErr) == models.KindQuota {
		until := ratelimit.NextHour(r.now())
		if err := r.queue.Release(ctx, started, until, procErr); err != nil {
			r.logConflict(job.ID, "release", err)
			return Outcome{Job: started, Err: err, Skipped: true}
		}
		r.logger.Printf("[worker] job %s hit platform quota, released until %s", job.ID, until.Format(time.RFC3339))
		return Outcome{Job: started, Status: models.StatusPending, Err: procErr}
	}

	failed, err := r.queue.MarkFailed(ctx, started, procErr)
	if err != nil {
		r.logConflict(job.ID, "fail", err)
		return Outcome{Job: started, Err: err, Skipped: true}
	}
	return Outcome{Job: failed, Status: failed.Status, Err: procErr}
}

func (r *Runner) process(ctx context.Context, job models.Job) (ref string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("[worker] job %s panicked: %v\n%s", job.ID, p, debug.Stack())
			err = models.Fatal(fmt.Errorf("processor panic: %v", p))
		}
	}()
	return r.proc.Process(ctx, job)
}

// keepAlive refreshes the job's updated_at until the returned stop func is called.
func (r *Runner) keepAlive(ctx context.Context, job models.Job) func() {
	if r.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.queue.Heartbeat(ctx, job); err != nil {
					r.logger.Printf("[worker] heartbeat %s: %v", job.ID, err)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (r *Runner) logConflict(id, step string, err error) {
	if errors.Is(err, models.ErrConflict) {
		r.logger.Printf("[worker] job %s %s: state changed underneath us, handled elsewhere", id, step)
		return
	}
	r.logger.Printf("[worker] job %s %s: %v", id, step, err)
}
