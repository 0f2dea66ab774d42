package outbox

import (
	"math"
	"time"
)

// Policy is the retry schedule of the outbox. Attempt n (1-based) waits
// BaseDelay * Multiplier^(n-1), capped at MaxDelay. An item fails for good
// once MaxAttempts transmissions have failed.
type Policy struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultPolicy mirrors the reconnect schedule: 1s doubling to 30s, five
// attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before retry number attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt failed transmissions use up the budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
