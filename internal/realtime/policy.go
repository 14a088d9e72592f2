package realtime

import "time"

// ReconnectPolicy is a linear backoff capped at MaxAttempts
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// Delay returns the wait before attempt n (1-based)
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * time.Duration(attempt)
}

// Exhausted reports whether no further attempt may be scheduled after attempts
func (p ReconnectPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
