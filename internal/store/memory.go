package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clip-orchestrator/internal/models"
)

// Memory is a process-local Store. A single mutex plays the role of the database
// transaction, so it is only correct when every worker lives in one process.
type Memory struct {
	mu    sync.Mutex
	jobs  map[string]*models.Job
	quota map[string]int
	tasks map[string]*models.ScheduledTask
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*models.Job),
		quota: make(map[string]int),
		tasks: make(map[string]*models.ScheduledTask),
	}
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.SourceRef == p.SourceRef && !j.Status.Terminal() {
			return *j, true, nil
		}
	}
	job := &models.Job{
		ID:          uuid.New().String(),
		SourceRef:   p.SourceRef,
		Priority:    p.Priority,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   p.Now,
		AvailableAt: p.Now,
		UpdatedAt:   p.Now,
	}
	m.jobs[job.ID] = job
	return *job, false, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return *j, nil
}

func (m *Memory) ClaimNext(ctx context.Context, now time.Time, admit AdmitFunc) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.Job
	for _, j := range m.jobs {
		if !j.Claimable(now) {
			continue
		}
		if best == nil || j.ClaimsBefore(*best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	tx := &memQuotaTx{m: m, staged: map[string]int{}}
	ok, err := admit(ctx, tx, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrAdmissionDenied
	}
	for k, n := range tx.staged {
		m.quota[k] += n
	}
	best.Status = models.StatusClaimed
	best.UpdatedAt = now
	best.ClaimToken = uuid.New().String()
	out := *best
	return &out, nil
}

func (m *Memory) Transition(_ context.Context, t Transition) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[t.ID]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	if !t.matches(*j) {
		return *j, models.ErrConflict
	}
	t.apply(j)
	return *j, nil
}

func (m *Memory) ReclaimStale(_ context.Context, staleBefore, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status != models.StatusClaimed && j.Status != models.StatusProcessing {
			continue
		}
		if !j.UpdatedAt.Before(staleBefore) {
			continue
		}
		j.Status = models.StatusPending
		j.AvailableAt = now
		j.UpdatedAt = now
		j.ClaimToken = ""
		n++
	}
	return n, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[models.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.Status]int)
	for _, j := range m.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (m *Memory) CountUpdatedSince(_ context.Context, since time.Time) (map[models.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.Status]int)
	for _, j := range m.jobs {
		if !j.UpdatedAt.Before(since) {
			out[j.Status]++
		}
	}
	return out, nil
}

func (m *Memory) QuotaCounts(_ context.Context, keys []string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(keys))
	for _, k := range keys {
		out[k] = m.quota[k]
	}
	return out, nil
}

func (m *Memory) RegisterTask(_ context.Context, name string, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[name]; ok {
		t.Interval = interval
		return nil
	}
	m.tasks[name] = &models.ScheduledTask{Name: name, Interval: interval}
	return nil
}

func (m *Memory) TryStartTask(_ context.Context, name string, now time.Time, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[name]
	if !ok {
		return false, models.ErrNotFound
	}
	if !t.Due(now, staleAfter) {
		return false, nil
	}
	started := now
	t.Running = true
	t.StartedAt = &started
	return true, nil
}

func (m *Memory) FinishTask(_ context.Context, name string, startedAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[name]
	if !ok {
		return models.ErrNotFound
	}
	if !t.Running || t.StartedAt == nil || !t.StartedAt.Equal(startedAt) {
		return models.ErrConflict
	}
	last := now
	t.Running = false
	t.StartedAt = nil
	t.LastRunAt = &last
	return nil
}

func (m *Memory) ListTasks(_ context.Context) ([]models.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ScheduledTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// memQuotaTx runs with Memory.mu already held and stages increments until the claim commits.
type memQuotaTx struct {
	m      *Memory
	staged map[string]int
}

func (tx *memQuotaTx) QuotaCounts(_ context.Context, keys []string) (map[string]int, error) {
	out := make(map[string]int, len(keys))
	for _, k := range keys {
		out[k] = tx.m.quota[k] + tx.staged[k]
	}
	return out, nil
}

func (tx *memQuotaTx) LatestBucket(_ context.Context, prefix string) (string, error) {
	latest := ""
	for k, n := range tx.m.quota {
		if n > 0 && strings.HasPrefix(k, prefix) && k > latest {
			latest = k
		}
	}
	return latest, nil
}

func (tx *memQuotaTx) IncrementQuota(_ context.Context, keys []string) error {
	for _, k := range keys {
		tx.staged[k]++
	}
	return nil
}
