package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"clip-orchestrator/internal/config"
	"clip-orchestrator/internal/discovery"
	"clip-orchestrator/internal/health"
	"clip-orchestrator/internal/models"
	"clip-orchestrator/internal/notify"
	"clip-orchestrator/internal/queue"
	"clip-orchestrator/internal/ratelimit"
	"clip-orchestrator/internal/retry"
	"clip-orchestrator/internal/scheduler"
	"clip-orchestrator/internal/store"
	"clip-orchestrator/internal/worker"
)

// Task names as stored in scheduled_tasks.
const (
	TaskDiscovery = "discovery"
	TaskDrain     = "drain"
	TaskHealth    = "health"
	TaskReclaim   = "reclaim"
	TaskSummary   = "summary"
)

// Deps are the collaborators an Orchestrator is built from. Store and Processor are
// required; everything else has a default.
type Deps struct {
	Store      store.Store
	Processor  worker.Processor
	Discoverer discovery.Discoverer
	Seen       *discovery.SeenCache
	Notifier   *notify.Dispatcher
	// Checks replaces the default health checks when non-nil.
	Checks []health.Check
	Now    func() time.Time
	Logger *log.Logger
}

// Orchestrator owns one process's view of the system: the scheduler loop, the local
// worker pool and the observer surface. All shared state lives in the store.
type Orchestrator struct {
	cfg        config.Config
	store      store.Store
	queue      *queue.Queue
	quota      *ratelimit.Quota
	sched      *scheduler.Scheduler
	monitor    *health.Monitor
	pool       *worker.Pool
	runner     *worker.Runner
	discoverer discovery.Discoverer
	seen       *discovery.SeenCache
	notifier   *notify.Dispatcher
	now        func() time.Time
	logger     *log.Logger
	startedAt  time.Time

	stopping atomic.Bool
	httpSrv  *http.Server

	mu          sync.Mutex
	warnedDay   string
	alertStatus health.Status
}

func New(cfg config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if deps.Processor == nil {
		return nil, errors.New("orchestrator: processor is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewDispatcher(cfg.NotifyTimeout, logger, notify.Log{Logger: logger})
	}
	discoverer := deps.Discoverer
	if discoverer == nil {
		discoverer = discovery.Static(nil)
	}

	policy := retry.NewPolicy(cfg.BackoffBase, cfg.BackoffCap, cfg.BackoffMultiplier, cfg.MaxAttempts)
	q := queue.New(deps.Store, queue.Options{
		Policy:          policy,
		MaxAttempts:     cfg.MaxAttempts,
		LivenessTimeout: cfg.LivenessTimeout,
		Now:             now,
		Logger:          logger,
	})

	o := &Orchestrator{
		cfg:         cfg,
		store:       deps.Store,
		queue:       q,
		quota:       ratelimit.NewQuota(deps.Store, cfg.DailyLimit, cfg.HourlyLimit, now, logger),
		pool:        worker.NewPool(cfg.WorkerPoolSize),
		runner:      worker.NewRunner(q, deps.Processor, cfg.LivenessTimeout/3, now, logger),
		discoverer:  discoverer,
		seen:        deps.Seen,
		notifier:    notifier,
		now:         now,
		logger:      logger,
		alertStatus: health.Healthy,
	}
	o.sched = scheduler.New(deps.Store, scheduler.Options{
		Tick:       cfg.TickInterval,
		StaleAfter: cfg.TaskStaleAfter,
		Now:        now,
		Logger:     logger,
	})

	checks := deps.Checks
	if checks == nil {
		checks = o.defaultChecks()
	}
	o.monitor = health.NewMonitor(checks, cfg.DegradedEscalateAfter, now, logger)
	return o, nil
}

func (o *Orchestrator) defaultChecks() []health.Check {
	checks := []health.Check{
		health.NewDiskCheck(o.cfg.HealthDiskPath, 80, 90),
		health.NewMemoryCheck(85),
		&health.ErrorRateCheck{Source: o.queue, Window: o.cfg.ErrorRateWindow, Threshold: o.cfg.ErrorRateThreshold},
		&health.BacklogCheck{Source: o.queue, Threshold: o.cfg.BacklogThreshold},
		&health.StoreCheck{Store: o.store},
	}
	client := &http.Client{Timeout: 10 * time.Second}
	for _, u := range o.cfg.HealthProbeURLs {
		checks = append(checks, &health.HTTPProbe{Label: u, URL: u, Client: client})
	}
	return checks
}

// AttachHTTP makes Run serve srv for its lifetime.
func (o *Orchestrator) AttachHTTP(srv *http.Server) { o.httpSrv = srv }

// Tasks returns the schedule table.
func (o *Orchestrator) Tasks() []scheduler.Task {
	return []scheduler.Task{
		{Name: TaskDiscovery, Interval: o.cfg.DiscoveryInterval, Run: o.Discover},
		{Name: TaskDrain, Interval: o.cfg.DrainInterval, Run: o.Drain},
		{Name: TaskHealth, Interval: o.cfg.HealthInterval, Run: o.CheckHealth},
		{Name: TaskReclaim, Interval: o.cfg.ReclaimInterval, Run: o.Reclaim},
		{
			Name:     TaskSummary,
			Interval: o.cfg.SummaryInterval,
			Anchored: o.cfg.SummaryAt >= 0,
			Offset:   o.cfg.SummaryAt,
			Run:      o.Summarize,
		},
	}
}

// Run registers the tasks, serves HTTP if attached and drives the scheduler until ctx is
// cancelled. Claims stop at once; running jobs get ShutdownTimeout to finish and anything
// left behind is recovered later by the reclaim task.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startedAt = o.now().UTC()
	for _, t := range o.Tasks() {
		if err := o.sched.Register(ctx, t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}

	httpErr := make(chan error, 1)
	if o.httpSrv != nil {
		go func() {
			o.logger.Printf("[orchestrator] http listening on %s", o.httpSrv.Addr)
			if err := o.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
	}

	o.notifier.Send(ctx, notify.Event{
		Kind:    notify.KindLifecycle,
		Title:   "Clip orchestrator started",
		Message: fmt.Sprintf("pool=%d daily_limit=%d hourly_limit=%d", o.pool.Size(), o.cfg.DailyLimit, o.cfg.HourlyLimit),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	schedDone := make(chan error, 1)
	go func() { schedDone <- o.sched.Run(runCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
		cancel()
	}
	o.stopping.Store(true)
	if err := <-schedDone; err != nil && runErr == nil {
		runErr = err
	}
	o.shutdown()
	return runErr
}

func (o *Orchestrator) shutdown() {
	waitCtx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	defer cancel()

	if o.httpSrv != nil {
		if err := o.httpSrv.Shutdown(waitCtx); err != nil {
			o.logger.Printf("[orchestrator] http shutdown: %v", err)
		}
	}
	if err := o.pool.Wait(waitCtx); err != nil {
		o.logger.Printf("[orchestrator] %d jobs still running after %s; leaving them for reclaim", o.pool.InFlight(), o.cfg.ShutdownTimeout)
	}
	o.notifier.Send(context.Background(), notify.Event{Kind: notify.KindLifecycle, Title: "Clip orchestrator stopped"})
	o.notifier.Close()
	o.logger.Printf("[orchestrator] stopped")
}

// Discover runs the discoverer and enqueues new refs.
func (o *Orchestrator) Discover(ctx context.Context) error {
	refs, discErr := o.discoverer.Discover(ctx)
	if discErr != nil {
		o.logger.Printf("[discovery] partial failure: %v", discErr)
	}
	if o.seen != nil && len(refs) > 0 {
		fresh, err := o.seen.Filter(ctx, refs)
		if err != nil {
			o.logger.Printf("[discovery] seen cache unavailable, relying on store dedupe: %v", err)
		} else {
			refs = fresh
		}
	}

	var created, existing int
	var accepted []string
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		_, isNew, err := o.queue.Enqueue(ctx, ref, 0)
		if err != nil {
			o.logger.Printf("[discovery] enqueue %s: %v", ref, err)
			continue
		}
		accepted = append(accepted, ref)
		if isNew {
			created++
		} else {
			existing++
		}
	}
	if o.seen != nil && len(accepted) > 0 {
		if err := o.seen.Mark(ctx, accepted...); err != nil {
			o.logger.Printf("[discovery] mark seen: %v", err)
		}
	}
	o.logger.Printf("[discovery] %d refs found, %d enqueued, %d already queued", len(refs), created, existing)
	if discErr != nil && len(refs) == 0 {
		return discErr
	}
	return nil
}

// Drain hands eligible jobs to free pool slots until the queue is empty, the quota
// refuses, every slot is busy or shutdown begins.
func (o *Orchestrator) Drain(ctx context.Context) error {
	workCtx := context.WithoutCancel(ctx)
	dispatched := 0
	defer func() {
		if dispatched > 0 {
			o.logger.Printf("[drain] dispatched %d jobs", dispatched)
		}
	}()

	for {
		if ctx.Err() != nil || o.stopping.Load() {
			return nil
		}
		if !o.pool.TryAcquire() {
			return nil
		}
		job, err := o.queue.ClaimNext(ctx, o.quota.Admission())
		if errors.Is(err, models.ErrAdmissionDenied) {
			o.pool.Release()
			o.logger.Printf("[drain] upload quota reached, waiting for the next bucket")
			return nil
		}
		if err != nil {
			o.pool.Release()
			return err
		}
		if job == nil {
			o.pool.Release()
			return nil
		}
		claimed := *job
		dispatched++
		o.pool.Go(func() {
			o.afterJob(workCtx, o.runner.Execute(workCtx, claimed))
		})
	}
}

func (o *Orchestrator) afterJob(ctx context.Context, out worker.Outcome) {
	if out.Skipped {
		return
	}
	switch out.Status {
	case models.StatusCompleted:
		o.notifier.Send(ctx, notify.Event{
			Kind:    notify.KindUploadSuccess,
			Title:   "Clip uploaded",
			Message: out.Job.SourceRef,
			URL:     out.ResultRef,
			Fields:  []notify.Field{{Name: "job", Value: out.Job.ID}, {Name: "result", Value: out.ResultRef}},
		})
		o.checkQuotaWarning(ctx)
	case models.StatusFailedTerminal:
		o.notifier.Send(ctx, notify.Event{
			Kind:    notify.KindProcessingError,
			Level:   notify.LevelError,
			Title:   "Processing failed",
			Message: out.Job.SourceRef,
			Fields: []notify.Field{
				{Name: "job", Value: out.Job.ID},
				{Name: "attempts", Value: fmt.Sprintf("%d/%d", out.Job.Attempts, out.Job.MaxAttempts)},
				{Name: "error", Value: models.Describe(out.Err)},
			},
		})
	}
}

// checkQuotaWarning sends one warning per UTC day once daily usage reaches 80%.
func (o *Orchestrator) checkQuotaWarning(ctx context.Context) {
	st, err := o.quota.Status(ctx)
	if err != nil || st.Daily.Limit <= 0 || st.Daily.Used*5 < st.Daily.Limit*4 {
		return
	}
	o.mu.Lock()
	if o.warnedDay == st.Daily.Bucket {
		o.mu.Unlock()
		return
	}
	o.warnedDay = st.Daily.Bucket
	o.mu.Unlock()

	o.notifier.Send(ctx, notify.Event{
		Kind:    notify.KindQuotaWarning,
		Level:   notify.LevelWarning,
		Title:   "Upload quota warning",
		Message: fmt.Sprintf("%d of %d daily uploads used", st.Daily.Used, st.Daily.Limit),
		Fields:  []notify.Field{{Name: "resets_at", Value: st.Daily.ResetsAt.Format(time.RFC3339)}},
	})
}

// CheckHealth runs the health monitor and alerts when the overall status worsens.
func (o *Orchestrator) CheckHealth(ctx context.Context) error {
	snap := o.monitor.Run(ctx)

	o.mu.Lock()
	prev := o.alertStatus
	o.alertStatus = snap.Status
	o.mu.Unlock()

	if snap.Status == health.Healthy || snap.Status == prev {
		return nil
	}
	if snap.Status == health.Degraded && prev == health.Critical {
		return nil
	}
	level := notify.LevelWarning
	if snap.Status == health.Critical {
		level = notify.LevelError
	}
	var fields []notify.Field
	for name, res := range snap.Checks {
		if !res.Pass {
			fields = append(fields, notify.Field{Name: name, Value: res.Detail})
		}
	}
	msg := fmt.Sprintf("status %s", snap.Status)
	if snap.Escalated {
		msg = "degraded for longer than " + o.cfg.DegradedEscalateAfter.String()
	}
	o.notifier.Send(ctx, notify.Event{
		Kind:    notify.KindHealthAlert,
		Level:   level,
		Title:   "Health Alert: " + string(snap.Status),
		Message: msg,
		Fields:  fields,
	})
	return nil
}

// Reclaim returns abandoned jobs to pending.
func (o *Orchestrator) Reclaim(ctx context.Context) error {
	_, err := o.queue.ReclaimStale(ctx)
	return err
}

// Summarize sends the periodic activity summary.
func (o *Orchestrator) Summarize(ctx context.Context) error {
	recent, err := o.queue.RecentOutcomes(ctx, o.cfg.SummaryInterval)
	if err != nil {
		return err
	}
	counts, err := o.queue.Counts(ctx)
	if err != nil {
		return err
	}
	quota, err := o.quota.Status(ctx)
	if err != nil {
		return err
	}
	o.notifier.Send(ctx, notify.Event{
		Kind:    notify.KindDailySummary,
		Title:   "Daily Summary",
		Message: fmt.Sprintf("last %s", o.cfg.SummaryInterval),
		Fields: []notify.Field{
			{Name: "uploaded", Value: fmt.Sprint(recent[models.StatusCompleted])},
			{Name: "failed", Value: fmt.Sprint(recent[models.StatusFailedTerminal])},
			{Name: "waiting", Value: fmt.Sprint(counts[models.StatusPending] + counts[models.StatusFailedRetryable])},
			{Name: "quota", Value: fmt.Sprintf("%d/%d today", quota.Daily.Used, quota.Daily.Limit)},
		},
	})
	return nil
}

// WaitIdle blocks until every dispatched job has finished or ctx is done.
func (o *Orchestrator) WaitIdle(ctx context.Context) error { return o.pool.Wait(ctx) }
