package dirsync

import (
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// MaxJitterPercent bounds jitter so that with a doubling base no delay is
// shorter than the one before it.
const MaxJitterPercent = 33

// BackoffPolicy describes the delay between failed polls: a doubling
// exponential starting at Initial, jittered by up to JitterPercent and
// capped at Max.
type BackoffPolicy struct {
	Initial       time.Duration
	Max           time.Duration
	JitterPercent uint64
}

// DefaultBackoffPolicy is used when a session leaves the policy unset.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Initial:       time.Second,
		Max:           5 * time.Minute,
		JitterPercent: 20,
	}
}

// Validate rejects policies that would not back off monotonically.
func (p BackoffPolicy) Validate() error {
	if p.Initial <= 0 {
		return errors.New("backoff initial delay must be positive")
	}
	if p.Max < p.Initial {
		return errors.New("backoff max delay must not be smaller than the initial delay")
	}
	if p.JitterPercent > MaxJitterPercent {
		return errors.New("backoff jitter percent must not exceed 33")
	}
	return nil
}

// New returns a fresh backoff sequence. The exponential saturates at twice
// the cap before jitter, so it never wraps around, and the cap is applied
// again after jitter so every delay is at most Max.
func (p BackoffPolicy) New() retry.Backoff {
	exp := retry.NewExponential(p.Initial)
	ceiling := 2 * p.Max
	saturated := false

	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		if saturated {
			return ceiling, false
		}
		d, stop := exp.Next()
		if d <= 0 || d >= ceiling {
			saturated = true
			d = ceiling
		}
		return d, stop
	})
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	return retry.WithCappedDuration(p.Max, b)
}
