package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"clip-orchestrator/internal/models"
)

// Check is a single health probe.
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

type usageFunc func(ctx context.Context) (float64, error)

// DiskCheck reports degraded above warn percent and critical above crit percent used.
type DiskCheck struct {
	Path  string
	Warn  float64
	Crit  float64
	usage usageFunc
}

func NewDiskCheck(path string, warn, crit float64) *DiskCheck {
	c := &DiskCheck{Path: path, Warn: warn, Crit: crit}
	c.usage = func(ctx context.Context) (float64, error) {
		u, err := disk.UsageWithContext(ctx, c.Path)
		if err != nil {
			return 0, err
		}
		return u.UsedPercent, nil
	}
	return c
}

func (c *DiskCheck) Name() string { return "disk" }

func (c *DiskCheck) Run(ctx context.Context) CheckResult {
	used, err := c.usage(ctx)
	if err != nil {
		return fail(Degraded, "disk usage of %s: %v", c.Path, err)
	}
	return thresholds(used, c.Warn, c.Crit, fmt.Sprintf("%s %.1f%% used", c.Path, used))
}

// MemoryCheck reports degraded above Warn percent of virtual memory used.
type MemoryCheck struct {
	Warn  float64
	usage usageFunc
}

func NewMemoryCheck(warn float64) *MemoryCheck {
	return &MemoryCheck{
		Warn: warn,
		usage: func(ctx context.Context) (float64, error) {
			v, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return v.UsedPercent, nil
		},
	}
}

func (c *MemoryCheck) Name() string { return "memory" }

func (c *MemoryCheck) Run(ctx context.Context) CheckResult {
	used, err := c.usage(ctx)
	if err != nil {
		return fail(Degraded, "memory usage: %v", err)
	}
	return thresholds(used, c.Warn, 0, fmt.Sprintf("%.1f%% used", used))
}

func thresholds(used, warn, crit float64, detail string) CheckResult {
	switch {
	case crit > 0 && used >= crit:
		return CheckResult{Detail: detail, Severity: Critical}
	case warn > 0 && used >= warn:
		return CheckResult{Detail: detail, Severity: Degraded}
	}
	return pass(detail)
}

// OutcomeCounter reports job counts per status for jobs updated within a window.
type OutcomeCounter interface {
	RecentOutcomes(ctx context.Context, window time.Duration) (map[models.Status]int, error)
}

// ErrorRateCheck is degraded when failed_terminal / (completed + failed_terminal)
// over the window reaches Threshold.
type ErrorRateCheck struct {
	Source    OutcomeCounter
	Window    time.Duration
	Threshold float64
}

func (c *ErrorRateCheck) Name() string { return "error_rate" }

func (c *ErrorRateCheck) Run(ctx context.Context) CheckResult {
	counts, err := c.Source.RecentOutcomes(ctx, c.Window)
	if err != nil {
		return fail(Degraded, "count outcomes: %v", err)
	}
	failed := counts[models.StatusFailedTerminal]
	total := failed + counts[models.StatusCompleted]
	if total == 0 {
		return pass("no finished jobs in window")
	}
	rate := float64(failed) / float64(total)
	detail := fmt.Sprintf("%d/%d failed (%.0f%%) in last %s", failed, total, rate*100, c.Window)
	if rate >= c.Threshold {
		return CheckResult{Detail: detail, Severity: Degraded}
	}
	return pass(detail)
}

// StatusCounter reports job counts per status.
type StatusCounter interface {
	Counts(ctx context.Context) (map[models.Status]int, error)
}

// BacklogCheck is degraded when more than Threshold jobs are pending.
type BacklogCheck struct {
	Source    StatusCounter
	Threshold int
}

func (c *BacklogCheck) Name() string { return "backlog" }

func (c *BacklogCheck) Run(ctx context.Context) CheckResult {
	counts, err := c.Source.Counts(ctx)
	if err != nil {
		return fail(Degraded, "count jobs: %v", err)
	}
	pending := counts[models.StatusPending] + counts[models.StatusFailedRetryable]
	detail := fmt.Sprintf("%d jobs waiting", pending)
	if pending > c.Threshold {
		return CheckResult{Detail: detail, Severity: Degraded}
	}
	return pass(detail)
}

// Pinger is anything that can verify its backing connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck is critical when the store cannot be reached.
type StoreCheck struct {
	Store Pinger
}

func (c *StoreCheck) Name() string { return "store" }

func (c *StoreCheck) Run(ctx context.Context) CheckResult {
	if err := c.Store.Ping(ctx); err != nil {
		return fail(Critical, "ping: %v", err)
	}
	return pass("reachable")
}

// HTTPProbe is critical when URL is unreachable or answers with a 5xx status.
type HTTPProbe struct {
	Label  string
	URL    string
	Client *http.Client
}

func (c *HTTPProbe) Name() string { return "probe:" + c.Label }

func (c *HTTPProbe) Run(ctx context.Context) CheckResult {
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.URL, nil)
	if err != nil {
		return fail(Critical, "build request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fail(Critical, "%s unreachable: %v", c.URL, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fail(Critical, "%s answered %d", c.URL, resp.StatusCode)
	}
	return pass(fmt.Sprintf("%s answered %d", c.URL, resp.StatusCode))
}

func pass(detail string) CheckResult {
	return CheckResult{Pass: true, Detail: detail, Severity: Healthy}
}

func fail(sev Status, format string, args ...any) CheckResult {
	return CheckResult{Detail: fmt.Sprintf(format, args...), Severity: sev}
}
