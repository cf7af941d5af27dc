package platform

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/miyabi-org/miyabi/internal/common/backoff"
)

const (
	retryInitialInterval = 1 * time.Second
	retryBackoffFactor   = 2.0
	retryMaxInterval     = 10 * time.Second
	retryMaxAttempts     = 3
)

// RateLimitError is returned when the platform refuses a request for quota
// reasons. The retry policy waits until Reset; the scheduler pauses dispatch
// when one surfaces past the retry budget.
type RateLimitError struct {
	Remaining int
	Reset     time.Time
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("platform rate limit exhausted, resets at %s", e.Reset.Format(time.RFC3339))
}

// httpError carries an HTTP status code for retry classification.
type httpError struct {
	statusCode int
	message    string
}

func (e *httpError) Error() string { return e.message }

// nonRetriableError marks an error that should never be retried.
type nonRetriableError struct {
	err error
}

func (e *nonRetriableError) Error() string { return e.err.Error() }
func (e *nonRetriableError) Unwrap() error { return e.err }

// newRetryPolicy builds the gateway policy: exponential backoff with bounded
// additive jitter, rate-limit aware. Delays stay within
// [initial*factor^(k-1), maxInterval] so spacing between attempts never
// collapses below the exponential floor. A rate-limited attempt waits until
// the reset timestamp instead.
func newRetryPolicy() backoff.RetryPolicy {
	base := backoff.NewExponentialBackoffPolicy(retryInitialInterval)
	base.BackoffFactor = retryBackoffFactor
	base.MaxInterval = retryMaxInterval
	// MaxRetries counts retries after the first attempt.
	base.MaxRetries = retryMaxAttempts - 1
	return &rateLimitAwarePolicy{next: backoff.WithJitter(base, boundedJitter)}
}

func boundedJitter(interval time.Duration) time.Duration {
	return min(interval+backoff.FullJitter(interval), retryMaxInterval)
}

type rateLimitAwarePolicy struct {
	next backoff.RetryPolicy
}

// ComputeNextInterval implements backoff.RetryPolicy.
func (p *rateLimitAwarePolicy) ComputeNextInterval(retryCount int, elapsed time.Duration, err error) (time.Duration, error) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		// Consume a retry slot so a stuck limit still exhausts eventually.
		if _, perr := p.next.ComputeNextInterval(retryCount, elapsed, err); perr != nil {
			return 0, perr
		}
		wait := time.Until(rle.Reset)
		if wait < 0 {
			wait = 0
		}
		return wait + 100*time.Millisecond, nil
	}
	return p.next.ComputeNextInterval(retryCount, elapsed, err)
}

// isRetriableError classifies errors for retry decisions:
//   - nonRetriableError → never retry
//   - RateLimitError → retry (the policy waits until reset)
//   - httpError 429, 500-504 → retry
//   - httpError other (4xx) → never retry
//   - everything else (network, io) → retry
func isRetriableError(err error) bool {
	var nre *nonRetriableError
	if errors.As(err, &nre) {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var he *httpError
	if errors.As(err, &he) {
		return he.statusCode == 429 || (he.statusCode >= 500 && he.statusCode <= 504)
	}
	return true
}

// classifyResponse maps an HTTP response to the error model:
//   - 2xx → nil
//   - 429, or 403 with an exhausted quota header → RateLimitError
//   - 500-504 → retriable httpError
//   - other → non-retriable httpError
func classifyResponse(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	if code == 429 || (code == 403 && rateLimitExhausted(resp)) {
		return &RateLimitError{Remaining: 0, Reset: rateLimitReset(resp)}
	}
	return &httpError{
		statusCode: code,
		message:    fmt.Sprintf("HTTP %d: %s", code, resp.String()),
	}
}

func rateLimitExhausted(resp *resty.Response) bool {
	return resp.Header().Get("X-RateLimit-Remaining") == "0"
}

func rateLimitReset(resp *resty.Response) time.Time {
	if v := resp.Header().Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(unix, 0)
		}
	}
	if v := resp.Header().Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	// No header; assume a short cooldown.
	return time.Now().Add(time.Minute)
}
