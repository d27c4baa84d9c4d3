package cloud

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy retries transport failures with exponential backoff.
// The zero value makes a single attempt.
type RetryPolicy struct {
	MaxRetries uint64
	Base       time.Duration
}

// DefaultRetryPolicy is used by the backends unless configured otherwise.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Base: 250 * time.Millisecond}

// Do runs fn until it succeeds, fails with an error other than ErrTransport,
// or the retries run out. onRetry, if set, is called before every retry.
func (p RetryPolicy) Do(ctx context.Context, onRetry func(), fn func(ctx context.Context) error) error {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.WithMaxRetries(p.MaxRetries, retry.WithJitterPercent(20, retry.NewExponential(base)))

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if attempt > 1 && onRetry != nil {
			onRetry()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTransport) {
			return retry.RetryableError(err)
		}
		return err
	})
}
