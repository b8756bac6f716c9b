package retry

import (
	"testing"
	"time"

	"clip-orchestrator/internal/models"
)

func TestBackoffCapped(t *testing.T) {
	p := &Policy{Base: 10 * time.Second, Cap: time.Minute, Multiplier: 2, MaxAttempts: 10}
	cases := map[int]time.Duration{
		1: 10 * time.Second,
		2: 20 * time.Second,
		3: 40 * time.Second,
		4: time.Minute,
		9: time.Minute,
	}
	for attempt, want := range cases {
		if got := p.Backoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %s got %s", attempt, want, got)
		}
	}
}

func TestBackoffJitterRange(t *testing.T) {
	p := NewPolicy(2*time.Second, 5*time.Minute, 2, 5)
	for attempt := 1; attempt <= 20; attempt++ {
		full := time.Duration(float64(2*time.Second) * float64(int64(1)<<min(attempt-1, 30)))
		if full > 5*time.Minute {
			full = 5 * time.Minute
		}
		got := p.Backoff(attempt)
		if got < full/2 || got > full {
			t.Fatalf("attempt %d: backoff %s outside [%s, %s]", attempt, got, full/2, full)
		}
	}
}

func TestDecideByKind(t *testing.T) {
	p := &Policy{Base: time.Second, Cap: time.Minute, Multiplier: 2, MaxAttempts: 3}

	if d := p.Decide(1, models.KindTransient); !d.Retry || d.After != time.Second {
		t.Fatalf("transient first failure should retry after 1s, got %+v", d)
	}
	if d := p.Decide(3, models.KindTransient); d.Retry {
		t.Fatalf("attempt reaching max must be terminal")
	}
	for _, kind := range []models.ErrorKind{models.KindValidation, models.KindFatal, models.ErrorKind("mystery")} {
		if d := p.Decide(1, kind); d.Retry {
			t.Fatalf("kind %s must not retry", kind)
		}
	}
}
