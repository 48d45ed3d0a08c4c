// Package retry executes retryable platform calls with exponential backoff.
// Rate-limit errors use a linear schedule capped at the same ceiling; errors
// the platform package marks non-retryable stop immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"credential-portal/backend/internal/platform"
)

// Backoff holds the delay schedule. Base seeds both schedules; Cap bounds them.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Default is the schedule used by package-level Do.
var Default = Backoff{Base: 500 * time.Millisecond, Cap: 8 * time.Second}

// Do runs fn with Default. See Backoff.Do.
func Do(ctx context.Context, maxAttempts int, fn func(context.Context) error, onError func(err error, next time.Duration)) error {
	return Default.Do(ctx, maxAttempts, fn, onError)
}

// Do executes fn up to maxAttempts times. After a retryable failure it waits
// base*2^(attempt-1) (linear base*attempt for rate limits), capped at Cap.
// onError, if non-nil, is called before each wait. The last error is returned
// once attempts are exhausted or the error is non-retryable.
func (b Backoff) Do(ctx context.Context, maxAttempts int, fn func(context.Context) error, onError func(err error, next time.Duration)) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	pol := &policy{base: b.Base, cap: b.Cap, lastErr: &lastErr}

	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !platform.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		if onError != nil {
			onError(err, next)
		}
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(pol, uint64(maxAttempts-1)), ctx)
	return backoff.RetryNotify(op, bo, notify)
}

// DoValue is Backoff.Do for calls that produce a value.
func DoValue[T any](ctx context.Context, b Backoff, maxAttempts int, fn func(context.Context) (T, error), onError func(err error, next time.Duration)) (T, error) {
	var out T
	err := b.Do(ctx, maxAttempts, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, onError)
	return out, err
}

// policy implements backoff.BackOff. It consults the last observed error to
// choose between the exponential and linear (rate-limit) schedules.
type policy struct {
	base    time.Duration
	cap     time.Duration
	attempt int
	lastErr *error
}

func (p *policy) NextBackOff() time.Duration {
	p.attempt++
	var d time.Duration
	if platform.KindOf(*p.lastErr) == platform.KindRateLimit {
		d = p.base * time.Duration(p.attempt)
	} else {
		d = p.base << uint(p.attempt-1)
	}
	if d > p.cap || d <= 0 {
		d = p.cap
	}
	return d
}

func (p *policy) Reset() {
	p.attempt = 0
}
