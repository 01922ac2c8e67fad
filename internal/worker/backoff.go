package worker

import (
	"math"
	"time"
)

// RetryPolicy governs how failed tasks are rescheduled.
type RetryPolicy struct {
	// MaxRetries is the failed-attempt budget. A failure that would push the
	// retry count past it sends the task to the terminal failed status.
	MaxRetries int
	// Base and MaxDelay parameterize the backoff curve.
	Base     time.Duration
	MaxDelay time.Duration
}

// Delay returns the backoff before attempt n (1-based) becomes eligible:
// min(Base * 2^(n-1), MaxDelay).
func (p RetryPolicy) Delay(n int32) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.Base) * math.Pow(2, float64(n-1))
	if capped := float64(p.MaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d)
}
