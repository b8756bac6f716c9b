package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClaimsBefore(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Job{ID: "a", Priority: 1, CreatedAt: t0.Add(time.Second)}
	b := Job{ID: "b", Priority: 5, CreatedAt: t0.Add(2 * time.Second)}
	c := Job{ID: "c", Priority: 5, CreatedAt: t0.Add(time.Second)}

	if !c.ClaimsBefore(b) || !b.ClaimsBefore(a) || !c.ClaimsBefore(a) {
		t.Fatalf("expected order c, b, a")
	}
	if a.ClaimsBefore(c) {
		t.Fatalf("lower priority must not claim first")
	}
}

func TestTaskDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-30 * time.Second)
	task := ScheduledTask{Name: "drain", Interval: time.Minute, LastRunAt: &last}
	if task.Due(now, time.Hour) {
		t.Fatalf("task ran 30s ago with 1m interval, must not be due")
	}
	if !task.Due(now.Add(30*time.Second), time.Hour) {
		t.Fatalf("task should be due once interval elapsed")
	}

	started := now.Add(-10 * time.Minute)
	task.Running = true
	task.StartedAt = &started
	if task.Due(now.Add(time.Hour), 0) {
		t.Fatalf("running task without stale recovery must not be due")
	}
	if task.Due(now, time.Hour) {
		t.Fatalf("running task started 10m ago must not be due with 1h stale window")
	}
	if !task.Due(now.Add(time.Hour), time.Hour) {
		t.Fatalf("running task older than stale window should be due")
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{Transient(errors.New("dial")), KindTransient},
		{fmt.Errorf("wrap: %w", Validation(errors.New("bad url"))), KindValidation},
		{Quota(errors.New("uploads")), KindQuota},
		{errors.New("boom"), KindFatal},
		{fmt.Errorf("mark: %w", ErrConflict), KindConflict},
		{context.DeadlineExceeded, KindTransient},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Errorf("KindOf(%v) = %s, want %s", c.err, got, c.want)
		}
	}
	if got := ParseKind(Describe(Validationf("bad %s", "ref"))); got != KindValidation {
		t.Fatalf("ParseKind round trip = %s", got)
	}
}
