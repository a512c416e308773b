package refresh

import (
	"sync"
	"time"
)

// Circuit breaker constants for the shared refresh service path. The breaker
// trips after TripThreshold consecutive failures, stays open for Cooldown,
// then allows a single half-open probe.
const (
	TripThreshold = 3
	Cooldown      = 60 * time.Second
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a consecutive-failure circuit breaker guarding the shared
// refresh service. While open, refreshes go straight to the provider.
type Breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openUntil time.Time

	threshold int
	cooldown  time.Duration
}

func NewBreaker() *Breaker {
	return &Breaker{threshold: TripThreshold, cooldown: Cooldown}
}

// Allow reports whether a call to the guarded dependency may proceed.
// When the cooldown has elapsed it admits exactly one half-open probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Now().After(b.openUntil) {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// one probe already in flight this cycle
		return false
	}
	return false
}

// Success closes the breaker and resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.state = stateClosed
	b.failures = 0
	b.mu.Unlock()
}

// Failure records a failed call, tripping the breaker at the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openUntil = time.Now().Add(b.cooldown)
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openUntil = time.Now().Add(b.cooldown)
	}
}

// State returns "closed", "open" or "half-open" for status reporting.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if time.Now().After(b.openUntil) {
			return "half-open"
		}
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
