package backoff

import (
	"math/rand/v2"
	"time"
)

// JitterFunc maps a computed interval to a randomized one.
type JitterFunc func(interval time.Duration) time.Duration

// FullJitter draws uniformly from [0, interval). It spreads simultaneous
// retriers apart so they do not hammer a recovering endpoint in lockstep.
func FullJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(interval)))
}

// EqualJitter keeps half the interval and randomizes the other half.
func EqualJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	half := interval / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// WithJitter wraps a policy so every computed interval passes through jitter.
func WithJitter(policy RetryPolicy, jitter JitterFunc) RetryPolicy {
	return &jitteredPolicy{policy: policy, jitter: jitter}
}

type jitteredPolicy struct {
	policy RetryPolicy
	jitter JitterFunc
}

// ComputeNextInterval implements RetryPolicy.
func (p *jitteredPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	interval, cerr := p.policy.ComputeNextInterval(retryCount, elapsedTime, err)
	if cerr != nil {
		return 0, cerr
	}
	return p.jitter(interval), nil
}
