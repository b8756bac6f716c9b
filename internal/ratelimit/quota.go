package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"clip-orchestrator/internal/store"
	"clip-orchestrator/internal/telemetry"
)

const (
	dayPrefix  = "day:"
	hourPrefix = "hour:"
)

// DayKey and HourKey name the UTC quota buckets containing t.
func DayKey(t time.Time) string  { return dayPrefix + t.UTC().Format("2006-01-02") }
func HourKey(t time.Time) string { return hourPrefix + t.UTC().Format("2006-01-02T15") }

// Quota enforces per-day and per-hour upload limits using counters in the store.
// Buckets roll over on fixed UTC boundaries.
type Quota struct {
	store  store.Store
	daily  int
	hourly int
	now    func() time.Time
	logger *log.Logger
}

// NewQuota builds a limiter. now may be nil to use the wall clock.
func NewQuota(st store.Store, daily, hourly int, now func() time.Time, logger *log.Logger) *Quota {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Quota{store: st, daily: daily, hourly: hourly, now: now, logger: logger}
}

// CanAdmit reports whether one more admission fits in both current buckets. It is
// advisory; the authoritative check runs inside the claim transaction via Admission.
func (q *Quota) CanAdmit(ctx context.Context) (bool, error) {
	now := q.now()
	day, hour := DayKey(now), HourKey(now)
	counts, err := q.store.QuotaCounts(ctx, []string{day, hour})
	if err != nil {
		return false, fmt.Errorf("read quota: %w", err)
	}
	return counts[day] < q.daily && counts[hour] < q.hourly, nil
}

// Admission returns the predicate the queue runs inside the claim transaction. It
// checks both buckets under lock and records the admission when it allows.
func (q *Quota) Admission() store.AdmitFunc {
	return func(ctx context.Context, tx store.QuotaTx, now time.Time) (bool, error) {
		day, hour := DayKey(now), HourKey(now)

		// Counters newer than our clock mean the clock went backwards; refuse rather than double count.
		for _, probe := range []struct{ prefix, current string }{{dayPrefix, day}, {hourPrefix, hour}} {
			latest, err := tx.LatestBucket(ctx, probe.prefix)
			if err != nil {
				return false, err
			}
			if latest > probe.current {
				q.logger.Printf("[ratelimit] bucket %s is ahead of clock bucket %s, denying", latest, probe.current)
				return false, nil
			}
		}

		counts, err := tx.QuotaCounts(ctx, []string{day, hour})
		if err != nil {
			return false, err
		}
		if counts[day] >= q.daily || counts[hour] >= q.hourly {
			return false, nil
		}
		if err := tx.IncrementQuota(ctx, []string{day, hour}); err != nil {
			return false, err
		}
		return true, nil
	}
}

// ScopeStatus describes usage of one bucket.
type ScopeStatus struct {
	Bucket    string    `json:"bucket"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// QuotaStatus reports both buckets.
type QuotaStatus struct {
	Daily  ScopeStatus `json:"daily"`
	Hourly ScopeStatus `json:"hourly"`
}

// Status reads current usage and the next reset times.
func (q *Quota) Status(ctx context.Context) (QuotaStatus, error) {
	now := q.now().UTC()
	day, hour := DayKey(now), HourKey(now)
	counts, err := q.store.QuotaCounts(ctx, []string{day, hour})
	if err != nil {
		return QuotaStatus{}, fmt.Errorf("read quota: %w", err)
	}
	st := QuotaStatus{
		Daily:  scope(day, counts[day], q.daily, NextDay(now)),
		Hourly: scope(hour, counts[hour], q.hourly, NextHour(now)),
	}
	telemetry.QuotaUsed.WithLabelValues("daily").Set(float64(st.Daily.Used))
	telemetry.QuotaUsed.WithLabelValues("hourly").Set(float64(st.Hourly.Used))
	return st, nil
}

func scope(bucket string, used, limit int, reset time.Time) ScopeStatus {
	return ScopeStatus{
		Bucket:    bucket,
		Used:      used,
		Limit:     limit,
		Remaining: max(limit-used, 0),
		ResetsAt:  reset,
	}
}

// NextHour is the start of the UTC hour after t.
func NextHour(t time.Time) time.Time { return t.UTC().Truncate(time.Hour).Add(time.Hour) }

// NextDay is the UTC midnight after t.
func NextDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}
