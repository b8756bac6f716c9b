package orchestrator

import (
	"context"
	"time"

	"clip-orchestrator/internal/health"
	"clip-orchestrator/internal/models"
	"clip-orchestrator/internal/ratelimit"
)

// StatusReport is the read-only view served to the CLI and HTTP observers.
type StatusReport struct {
	Jobs      map[models.Status]int `json:"jobs"`
	Quota     ratelimit.QuotaStatus `json:"quota"`
	Tasks     []TaskStatus          `json:"tasks"`
	InFlight  int                   `json:"in_flight"`
	PoolSize  int                   `json:"pool_size"`
	Health    health.Status         `json:"health"`
	StartedAt *time.Time            `json:"started_at,omitempty"`
	Now       time.Time             `json:"now"`
}

// TaskStatus mirrors one scheduled_tasks row.
type TaskStatus struct {
	Name      string     `json:"name"`
	Interval  string     `json:"interval"`
	Running   bool       `json:"running"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// Status gathers job counts, quota usage and task state.
func (o *Orchestrator) Status(ctx context.Context) (StatusReport, error) {
	counts, err := o.queue.Counts(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	quota, err := o.quota.Status(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	rows, err := o.store.ListTasks(ctx)
	if err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{
		Jobs:     counts,
		Quota:    quota,
		InFlight: o.pool.InFlight(),
		PoolSize: o.pool.Size(),
		Health:   o.monitor.Latest().Status,
		Now:      o.now().UTC(),
	}
	if !o.startedAt.IsZero() {
		started := o.startedAt
		report.StartedAt = &started
	}
	for _, r := range rows {
		ts := TaskStatus{Name: r.Name, Interval: r.Interval.String(), Running: r.Running, LastRunAt: r.LastRunAt}
		if r.LastRunAt != nil {
			next := r.LastRunAt.Add(r.Interval)
			ts.NextRunAt = &next
		}
		report.Tasks = append(report.Tasks, ts)
	}
	return report, nil
}

// Health returns the latest health snapshot without running checks.
func (o *Orchestrator) Health() health.Snapshot { return o.monitor.Latest() }

// Submit enqueues a manually supplied ref.
func (o *Orchestrator) Submit(ctx context.Context, sourceRef string, priority int) (string, bool, error) {
	id, created, err := o.queue.Enqueue(ctx, sourceRef, priority)
	if err != nil {
		return "", false, err
	}
	if o.seen != nil {
		if err := o.seen.Mark(ctx, sourceRef); err != nil {
			o.logger.Printf("[submit] mark seen: %v", err)
		}
	}
	return id, created, nil
}

// Job looks up a single job.
func (o *Orchestrator) Job(ctx context.Context, id string) (models.Job, error) {
	return o.queue.Get(ctx, id)
}
