package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned (wrapped together with the last attempt's error)
// when every attempt allowed by the policy has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds how often and how quickly an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	// Values below 1 are treated as 1.
	MaxAttempts int `yaml:"max_attempts"`

	// Delay is the fixed pause between consecutive attempts.
	Delay time.Duration `yaml:"delay"`
}

// Normalize returns a copy of p with out-of-range values clamped.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// Validate reports whether the policy is usable as configured.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %v", p.Delay)
	}
	return nil
}

// Operation is a single attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Notify is called after a failed attempt that will be retried, before
// sleeping for next.
type Notify func(attempt int, err error, next time.Duration)

// Permanent marks err as not worth retrying. Do returns the unwrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the context is
// cancelled, or the policy's attempts are used up.
//
// Delays between attempts observe ctx: cancellation during a delay returns
// ctx.Err() without further attempts.
//
// Returns:
//   - nil if an attempt succeeded
//   - the unwrapped error of a Permanent failure
//   - ctx.Err() if cancelled
//   - an error wrapping both ErrExhausted and the last failure otherwise
func Do(ctx context.Context, p Policy, op Operation, notify Notify) error {
	p = p.Normalize()

	if err := ctx.Err(); err != nil {
		return err
	}

	// MaxAttempts-1 retries after the first attempt.
	// #nosec G115 -- Normalize guarantees MaxAttempts >= 1
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(p.MaxAttempts-1)),
		ctx,
	)

	attempt := 0
	var permanent bool
	err := backoff.RetryNotify(func() error {
		attempt++
		opErr := op(ctx, attempt)
		var perm *backoff.PermanentError
		if errors.As(opErr, &perm) {
			permanent = true
		}
		return opErr
	}, b, func(err error, next time.Duration) {
		if notify != nil {
			notify(attempt, err, next)
		}
	})

	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
	}
}
