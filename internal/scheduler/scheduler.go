package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"clip-orchestrator/internal/models"
	"clip-orchestrator/internal/store"
	"clip-orchestrator/internal/telemetry"
)

// TaskFunc is the body of a periodic task.
type TaskFunc func(ctx context.Context) error

// Task is one row of the schedule table.
type Task struct {
	Name     string
	Interval time.Duration
	Run      TaskFunc
	// Anchored aligns runs to UTC midnight + Offset + k*Interval instead of counting
	// from the previous completion.
	Anchored bool
	Offset   time.Duration
}

// boundary is the latest aligned slot at or before now.
func (t Task) boundary(now time.Time) time.Time {
	now = now.UTC()
	base := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(t.Offset)
	diff := now.Sub(base)
	k := diff / t.Interval
	if diff < 0 && diff%t.Interval != 0 {
		k--
	}
	return base.Add(k * t.Interval)
}

// Options configures a Scheduler.
type Options struct {
	Tick time.Duration
	// StaleAfter lets a task whose running flag is older than this be started again,
	// recovering from a process that died mid-run. Zero disables recovery.
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *log.Logger
}

// Scheduler drives registered tasks from a single ticking loop. Overlap across processes
// is prevented by a compare-and-set on the task row, so several schedulers may share one
// store. Within a process a task still executing is never dispatched again, even after
// its row is considered stale.
type Scheduler struct {
	store      store.Store
	tick       time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *log.Logger

	mu       sync.Mutex
	tasks    []Task
	inFlight map[string]bool
	wg       sync.WaitGroup
}

func New(st store.Store, opts Options) *Scheduler {
	s := &Scheduler{
		store:      st,
		tick:       opts.Tick,
		staleAfter: opts.StaleAfter,
		now:        opts.Now,
		logger:     opts.Logger,
		inFlight:   map[string]bool{},
	}
	if s.tick <= 0 {
		s.tick = 5 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s
}

// Register persists the task row (keeping any existing last_run_at) and adds it to the table.
func (s *Scheduler) Register(ctx context.Context, t Task) error {
	if t.Name == "" || t.Run == nil || t.Interval <= 0 {
		return fmt.Errorf("register task %q: name, body and positive interval are required", t.Name)
	}
	if t.Anchored && (t.Offset < 0 || t.Offset >= 24*time.Hour) {
		return fmt.Errorf("register task %q: offset %s must be within a day", t.Name, t.Offset)
	}
	if err := s.store.RegisterTask(ctx, t.Name, t.Interval); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		if s.tasks[i].Name == t.Name {
			s.tasks[i] = t
			return nil
		}
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Run ticks until ctx is cancelled, then waits for in-flight task bodies.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Printf("[scheduler] started with tick=%s", s.tick)
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("[scheduler] stopping, waiting for running tasks")
			s.Wait()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every due task once and returns the names it started.
func (s *Scheduler) Tick(ctx context.Context) []string {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	var started []string
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		if !s.claimLocal(t.Name) {
			continue
		}
		// Postgres keeps microseconds; FinishTask matches on this exact value.
		startedAt := s.now().UTC().Truncate(time.Microsecond)
		ok, err := s.store.TryStartTask(ctx, t.Name, startedAt, s.staleAfter)
		if err != nil {
			s.logger.Printf("[scheduler] start %s: %v", t.Name, err)
		}
		if err != nil || !ok {
			s.releaseLocal(t.Name)
			continue
		}
		started = append(started, t.Name)
		s.wg.Add(1)
		go s.execute(ctx, t, startedAt)
	}
	return started
}

func (s *Scheduler) claimLocal(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[name] {
		return false
	}
	s.inFlight[name] = true
	return true
}

func (s *Scheduler) releaseLocal(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, name)
}

// Wait blocks until all dispatched task bodies have returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) execute(ctx context.Context, t Task, startedAt time.Time) {
	defer s.wg.Done()
	defer s.releaseLocal(t.Name)
	began := s.now()
	err := s.runBody(ctx, t)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if !errors.Is(err, context.Canceled) {
			s.logger.Printf("[scheduler] task %s failed after %s: %v", t.Name, s.now().Sub(began), err)
		}
	}
	telemetry.TaskRuns.WithLabelValues(t.Name, outcome).Inc()

	// An anchored task records the slot it covered so the next one is a full interval later.
	lastRun := s.now().UTC()
	if t.Anchored {
		lastRun = t.boundary(startedAt)
	}
	err = s.store.FinishTask(context.WithoutCancel(ctx), t.Name, startedAt, lastRun)
	if errors.Is(err, models.ErrConflict) {
		s.logger.Printf("[scheduler] task %s run from %s was superseded; leaving the row to the newer run",
			t.Name, startedAt.Format(time.RFC3339))
	} else if err != nil {
		s.logger.Printf("[scheduler] finish %s: %v", t.Name, err)
	}
}

func (s *Scheduler) runBody(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}
