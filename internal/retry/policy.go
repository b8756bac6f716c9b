package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"clip-orchestrator/internal/models"
)

// Policy maps a failed attempt to a retry decision with capped exponential backoff.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	Multiplier  float64
	MaxAttempts int
	// Jitter scales each delay by a factor drawn from [0.5, 1.0]. Disabled when false.
	Jitter bool

	mu  sync.Mutex
	rnd *rand.Rand
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	After time.Duration
}

// NewPolicy builds a jittered policy.
func NewPolicy(base, ceiling time.Duration, multiplier float64, maxAttempts int) *Policy {
	if multiplier < 1 {
		multiplier = 2
	}
	return &Policy{
		Base:        base,
		Cap:         ceiling,
		Multiplier:  multiplier,
		MaxAttempts: maxAttempts,
		Jitter:      true,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Decide reports whether the attempt-th failure (1-based) of the given kind should retry.
// Only transient failures retry; validation, fatal and unknown kinds are terminal.
func (p *Policy) Decide(attempt int, kind models.ErrorKind) Decision {
	if kind != models.KindTransient {
		return Decision{}
	}
	if attempt >= p.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, After: p.Backoff(attempt)}
}

// Backoff returns min(Base*Multiplier^(attempt-1), Cap), jittered when enabled.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	wait := p.Cap
	if exp < float64(p.Cap) {
		wait = time.Duration(exp)
	}
	if !p.Jitter || wait <= 0 {
		return wait
	}
	return time.Duration(float64(wait) * (0.5 + 0.5*p.float()))
}

func (p *Policy) float() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rnd.Float64()
}
