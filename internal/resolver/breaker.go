package resolver

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerConfig holds per-candidate circuit breaker configuration
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// breaker skips a candidate origin after consecutive failed health checks until RecoveryTimeout
// has passed; the next check is then a single trial that closes or re-opens it
type breaker struct {
	cfg           BreakerConfig
	state         breakerState
	failures      int
	lastFailureAt time.Time
	now           func() time.Time
	mu            sync.Mutex
}

func newBreaker(cfg BreakerConfig, now func() time.Time) *breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &breaker{cfg: cfg, state: breakerClosed, now: now}
}

// allow returns true if the candidate should be checked
func (b *breaker) allow() bool {
	if !b.cfg.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.lastFailureAt) >= b.cfg.RecoveryTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) recordFailure() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = b.now()

	switch b.state {
	case breakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = breakerOpen
		}
	case breakerHalfOpen:
		b.state = breakerOpen
	}
}
