package health

import (
	"context"
	"log"
	"sync"
	"time"

	"clip-orchestrator/internal/telemetry"
)

// Status is the overall or per-check health level.
type Status string

const (
	Healthy  Status = "ok"
	Degraded Status = "degraded"
	Critical Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case Degraded:
		return 1
	case Critical:
		return 2
	}
	return 0
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Pass     bool   `json:"pass"`
	Detail   string `json:"detail"`
	Severity Status `json:"severity"`
}

// Snapshot is the combined result of a health run.
type Snapshot struct {
	Status  Status                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks"`
	TakenAt time.Time              `json:"taken_at"`
	// Escalated is set when a persistent degraded state was promoted to critical.
	Escalated bool `json:"escalated,omitempty"`
}

// Monitor runs checks and keeps the latest snapshot.
type Monitor struct {
	checks        []Check
	escalateAfter time.Duration
	now           func() time.Time
	logger        *log.Logger

	mu            sync.RWMutex
	latest        Snapshot
	degradedSince time.Time
}

// NewMonitor builds a monitor. A degraded status lasting longer than escalateAfter is
// reported as critical; zero disables escalation.
func NewMonitor(checks []Check, escalateAfter time.Duration, now func() time.Time, logger *log.Logger) *Monitor {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		checks:        checks,
		escalateAfter: escalateAfter,
		now:           now,
		logger:        logger,
		latest:        Snapshot{Status: Healthy, Checks: map[string]CheckResult{}},
	}
}

// Run executes every check and stores the resulting snapshot.
func (m *Monitor) Run(ctx context.Context) Snapshot {
	snap := Snapshot{Status: Healthy, Checks: make(map[string]CheckResult, len(m.checks))}
	for _, c := range m.checks {
		res := c.Run(ctx)
		snap.Checks[c.Name()] = res
		if !res.Pass && res.Severity.rank() > snap.Status.rank() {
			snap.Status = res.Severity
		}
	}
	snap.TakenAt = m.now().UTC()

	m.mu.Lock()
	if snap.Status == Degraded {
		if m.degradedSince.IsZero() {
			m.degradedSince = snap.TakenAt
		} else if m.escalateAfter > 0 && snap.TakenAt.Sub(m.degradedSince) > m.escalateAfter {
			snap.Status = Critical
			snap.Escalated = true
		}
	} else {
		m.degradedSince = time.Time{}
	}
	m.latest = snap
	m.mu.Unlock()

	telemetry.HealthStatus.Set(float64(snap.Status.rank()))
	if snap.Status != Healthy {
		for name, res := range snap.Checks {
			if !res.Pass {
				m.logger.Printf("[health] %s %s: %s", name, res.Severity, res.Detail)
			}
		}
	}
	return snap
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}
