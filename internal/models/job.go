package models

import (
	"time"
)

// Status enumerates job lifecycle states persisted by the store.
type Status string

const (
	StatusPending         Status = "pending"
	StatusClaimed         Status = "claimed"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedTerminal  Status = "failed_terminal"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusClaimed,
	StatusProcessing,
	StatusCompleted,
	StatusFailedRetryable,
	StatusFailedTerminal,
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailedTerminal
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Job is one queued unit of work tied to a source reference.
type Job struct {
	ID          string    `json:"id"`
	SourceRef   string    `json:"source_ref"`
	Priority    int       `json:"priority"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
	AvailableAt time.Time `json:"available_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   *string   `json:"last_error,omitempty"`
	ResultRef   *string   `json:"result_ref,omitempty"`
	// ClaimToken identifies the current holder; each claim issues a new one.
	ClaimToken string `json:"claim_token,omitempty"`
}

// Claimable reports whether the job may be claimed at now.
func (j Job) Claimable(now time.Time) bool {
	if j.Status != StatusPending && j.Status != StatusFailedRetryable {
		return false
	}
	return !j.AvailableAt.After(now)
}

// ClaimsBefore orders jobs for claiming: higher priority first, then older, then by id.
func (j Job) ClaimsBefore(o Job) bool {
	if j.Priority != o.Priority {
		return j.Priority > o.Priority
	}
	if !j.CreatedAt.Equal(o.CreatedAt) {
		return j.CreatedAt.Before(o.CreatedAt)
	}
	return j.ID < o.ID
}

// QuotaCounter is a per-bucket admission count.
type QuotaCounter struct {
	BucketKey string `json:"bucket_key"`
	Count     int    `json:"count"`
}

// ScheduledTask is the persisted bookkeeping for a named periodic activity.
type ScheduledTask struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Running   bool          `json:"running"`
}

// Due reports whether the task may start at now. A running task is due again only
// once its start is older than staleAfter, which recovers a flag left by a crashed process.
func (t ScheduledTask) Due(now time.Time, staleAfter time.Duration) bool {
	if t.Running {
		if staleAfter <= 0 || t.StartedAt == nil {
			return false
		}
		if now.Sub(*t.StartedAt) < staleAfter {
			return false
		}
	}
	if t.LastRunAt == nil {
		return true
	}
	return now.Sub(*t.LastRunAt) >= t.Interval
}
