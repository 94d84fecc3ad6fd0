// Package retry wraps mutating store operations with bounded exponential
// backoff. Version conflicts and transport errors are retried; business
// rule failures are permanent and surface on the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicflow/internal/store"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	return p
}

// Do runs op until it succeeds, fails permanently, or the attempt bound is
// exhausted. The final error is wrapped with the number of attempts that
// ran; errors.Is still sees the underlying sentinel and Attempts recovers
// the count.
func Do[T any](ctx context.Context, policy Policy, op func() (T, error)) (T, error) {
	policy = policy.normalized()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.BaseDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0

	var attempts uint
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		value, opErr := op()
		if opErr != nil && Permanent(opErr) {
			return value, backoff.Permanent(opErr)
		}
		return value, opErr
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(policy.MaxAttempts))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if err != nil {
		err = &attemptError{err: err, attempts: attempts}
	}
	return result, err
}

type attemptError struct {
	err      error
	attempts uint
}

func (e *attemptError) Error() string {
	return fmt.Sprintf("after %d attempt(s): %v", e.attempts, e.err)
}

func (e *attemptError) Unwrap() error { return e.err }

// Attempts reports how many times the failed operation ran. Zero means err
// did not come from Do.
func Attempts(err error) uint {
	var ae *attemptError
	if errors.As(err, &ae) {
		return ae.attempts
	}
	return 0
}

// Permanent reports whether err is a business-rule failure that must be
// surfaced to the caller instead of retried.
func Permanent(err error) bool {
	switch {
	case errors.Is(err, store.ErrCaseNotFound),
		errors.Is(err, store.ErrPractitionerNotFound),
		errors.Is(err, store.ErrPreconditionFailed),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrValidation),
		errors.Is(err, store.ErrAssignmentRejected):
		return true
	default:
		return false
	}
}
