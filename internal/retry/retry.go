// Package retry implements bounded exponential backoff with jitter,
// used around store writes so a transient outage doesn't fail a job
// outright but a prolonged one gives up within a fixed wall-clock
// budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Budget         time.Duration // total wall-clock time allowed across all attempts
}

// DefaultPolicy mirrors T_store_retry's conservative default.
func DefaultPolicy(budget time.Duration) Policy {
	return Policy{
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Budget:         budget,
	}
}

// ErrBudgetExceeded is returned when Do gives up because Budget elapsed.
var ErrBudgetExceeded = errors.New("retry: budget exceeded")

// permanentError marks an fn error that retrying cannot fix (a lost CAS
// race, a validation rejection) so Do gives up immediately instead of
// burning the whole budget retrying something backoff can't cure.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do treats it as non-retryable on first occurrence.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do runs fn until it succeeds, the context is cancelled, or Budget
// elapses. Backoff is jittered (full jitter) to avoid synchronized
// retries across replicas hammering the store at once. If fn returns an
// error wrapped with Permanent, Do returns it immediately without
// consuming the rest of the budget.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	deadline := time.Now().Add(p.Budget)
	backoff := p.InitialBackoff
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var perm permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: last error: %v", ErrBudgetExceeded, lastErr)
		}

		sleep := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}
