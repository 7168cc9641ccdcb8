package jobs

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often and how quickly a transient failure is retried.
type RetryPolicy struct {
	// MaxAttempts counts the first run; 1 disables retry.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the randomization factor in [0,1).
	Jitter float64
}

// DefaultRetryPolicy is three attempts starting at a 2s delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	return p
}

// newBackOff returns an exponential schedule for one job's attempts.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// ShouldRetry decides whether another attempt follows attempt number n
// (1-based) that failed with err.
func (p RetryPolicy) ShouldRetry(n int, err error) bool {
	return n < p.MaxAttempts && IsRetryable(err)
}
