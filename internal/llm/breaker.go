package llm

import (
	"sync"
	"time"

	"ragops-api/internal/metrics"
	"ragops-api/internal/shared"
)

// Breaker is the process-wide circuit breaker shared by every request to one
// generation backend. Closed: transient failures accumulate, any success
// resets. Open: entered once failCount reaches the threshold, all calls fail
// fast until openUntil; the transition back to closed happens lazily on the
// next Allow, not on a background timer.
type Breaker struct {
	mu        sync.Mutex
	failCount int
	openUntil time.Time

	threshold int
	openFor   time.Duration
	now       func() time.Time
}

func NewBreaker(threshold int, openFor time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{threshold: threshold, openFor: openFor, now: time.Now}
}

// Allow returns ErrCircuitOpen while the cooldown is running. A rejected call
// never reached the backend, so it counts toward neither retries nor failures.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return nil
	}
	if b.now().Before(b.openUntil) {
		return shared.ErrCircuitOpen
	}
	// Cooldown elapsed, close again.
	b.openUntil = time.Time{}
	b.failCount = 0
	metrics.CircuitState.Set(0)
	return nil
}

// RecordSuccess resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCount = 0
}

// RecordFailure notes a backend failure. Only transient failures move the
// breaker toward open; non-transient errors (auth, bad request) are the
// caller's problem, not the backend's health.
func (b *Breaker) RecordFailure(transient bool) {
	if !transient {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCount++
	if b.failCount >= b.threshold && b.openUntil.IsZero() {
		b.openUntil = b.now().Add(b.openFor)
		metrics.CircuitState.Set(1)
	}
}
