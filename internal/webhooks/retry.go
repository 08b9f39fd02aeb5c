package webhooks

import "time"

const (
	// DefaultMaxAttempts is the attempt budget of a delivery.
	DefaultMaxAttempts = 5
	// DefaultRecoveryDelay is how long a pending delivery may go without a
	// recorded outcome before the sweeper picks it up again.
	DefaultRecoveryDelay = 2 * time.Minute
)

// DefaultRetrySchedule holds the delay after attempt n at index n-1.
var DefaultRetrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	2 * time.Hour,
}

// RetryPolicy maps a completed attempt number to the delay before the next
// one.
type RetryPolicy struct {
	Schedule    []time.Duration
	MaxAttempts int
	// RecoveryDelay must exceed the per-attempt timeout.
	RecoveryDelay time.Duration
}

// DefaultRetryPolicy returns the fixed 1m/5m/15m/1h/2h schedule capped at
// DefaultMaxAttempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Schedule:      DefaultRetrySchedule,
		MaxAttempts:   DefaultMaxAttempts,
		RecoveryDelay: DefaultRecoveryDelay,
	}
}

// Exhausted reports whether attempts has used up the automatic budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.maxAttempts()
}

// NextDelay returns the delay before the attempt following attempt. The
// boolean is false once attempt has used up the budget.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt >= p.maxAttempts() {
		return 0, false
	}
	schedule := p.Schedule
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx], true
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p RetryPolicy) recoveryDelay() time.Duration {
	if p.RecoveryDelay <= 0 {
		return DefaultRecoveryDelay
	}
	return p.RecoveryDelay
}
