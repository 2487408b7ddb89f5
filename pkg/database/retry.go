package database

import (
	"math/rand"
	"time"
)

// jitterFraction is the maximum jitter added to a backoff delay, as a
// fraction of the exponential value.
const jitterFraction = 0.3

// RetryPolicy controls how retryable transaction failures are re-attempted.
type RetryPolicy struct {
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	RetryOnDuplicateKey bool
	RetryOnDeadlock     bool
}

// DefaultRetryPolicy returns the stock policy: 3 retries, 100ms base delay
// doubling per attempt, capped at 2s, with both retryable classes enabled.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          3,
		BaseDelay:           100 * time.Millisecond,
		MaxDelay:            2 * time.Second,
		RetryOnDuplicateKey: true,
		RetryOnDeadlock:     true,
	}
}

// retryable reports whether the given failure kind is eligible for retry
// under this policy.
func (p RetryPolicy) retryable(kind FailureKind) bool {
	switch kind {
	case FailureDuplicateKey:
		return p.RetryOnDuplicateKey
	case FailureDeadlock, FailureSerialization:
		return p.RetryOnDeadlock
	default:
		return false
	}
}

// delay returns the backoff delay before retry attempt n (0-based): an
// exponential of the base delay plus 0-30% jitter, capped at MaxDelay.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(float64(d)*jitterFraction) + 1))

	d += jitter
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	return d
}

// TxOptions tunes a single Transaction call.
type TxOptions struct {
	// MaxRetries overrides the policy's retry budget when >= 0.
	MaxRetries int

	// DisableRetry turns off retry entirely for this call.
	DisableRetry bool
}

// TxOption mutates TxOptions.
type TxOption func(*TxOptions)

// WithMaxRetries overrides the retry budget for one call.
func WithMaxRetries(n int) TxOption {
	return func(o *TxOptions) { o.MaxRetries = n }
}

// WithoutRetry disables retry for one call.
func WithoutRetry() TxOption {
	return func(o *TxOptions) { o.DisableRetry = true }
}
