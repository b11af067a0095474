package batch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried operation: Attempts is the total number of tries
// (not re-tries), and BaseDelay the wait before the second try. Each
// subsequent wait doubles.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultPolicy matches the batch runners: three tries, 400ms then 800ms.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: 400 * time.Millisecond}

// Do runs op under the policy, retrying only while retriable(err) holds.
// A nil retriable retries every failure. Context cancellation stops the
// wait immediately and returns the context error.
func Do[R any](ctx context.Context, policy Policy, retriable func(error) bool, op func(ctx context.Context) (R, error)) (R, error) {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	wrapped := backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.Attempts-1)), ctx)

	return backoff.RetryWithData(func() (R, error) {
		out, err := op(ctx)
		if err != nil && retriable != nil && !retriable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, wrapped)
}
