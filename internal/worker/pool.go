package worker

import (
	"context"
	"sync"

	"clip-orchestrator/internal/telemetry"
)

// Pool bounds the number of jobs processed concurrently in this process.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// TryAcquire takes a slot if one is free.
func (p *Pool) TryAcquire() bool {
	select {
	case p.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks for a slot until ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by TryAcquire or Acquire without running anything.
func (p *Pool) Release() { <-p.sem }

// Go runs fn on a slot the caller already holds and frees it when fn returns.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	telemetry.InFlightGauge.Inc()
	go func() {
		defer func() {
			telemetry.InFlightGauge.Dec()
			p.Release()
			p.wg.Done()
		}()
		fn()
	}()
}

// InFlight reports the number of held slots.
func (p *Pool) InFlight() int { return len(p.sem) }

// Size is the pool capacity.
func (p *Pool) Size() int { return cap(p.sem) }

// Wait blocks until every job started with Go returns or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
