package backoff

import (
	"context"
	"errors"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ErrMaxRetries is returned by Wait once a bounded Strategy is exhausted.
var ErrMaxRetries = errors.New("maximum retries exceeded")

// Strategy paces retries of an operation that failed for a transient reason,
// e.g. a file that is locked by another process.
type Strategy interface {
	// Wait blocks until the next attempt is due. It returns ErrMaxRetries if no attempts are left
	// and the context error if ctx is done first.
	Wait(ctx context.Context) error
	// Attempts returns the number of completed waits.
	Attempts() uint
}

type strategy struct {
	b          cbackoff.BackOff
	attempt    uint
	maxAttempt uint
}

func newStrategy(b cbackoff.BackOff, maxAttempts uint) *strategy {
	if maxAttempts > 0 {
		b = cbackoff.WithMaxRetries(b, uint64(maxAttempts))
	}
	return &strategy{b: b, maxAttempt: maxAttempts}
}

// NewExponentialBackoffWithJitter returns a Strategy whose delay doubles per attempt, is jittered by
// half its value in both directions and is capped at maxDelay. A maxAttempts of 0 never gives up.
func NewExponentialBackoffWithJitter(baseDelay, maxDelay time.Duration, maxAttempts uint) Strategy {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return newStrategy(b, maxAttempts)
}

// NewConstant returns a Strategy that waits interval between attempts. A maxAttempts of 0 never
// gives up.
func NewConstant(interval time.Duration, maxAttempts uint) Strategy {
	return newStrategy(cbackoff.NewConstantBackOff(interval), maxAttempts)
}

// Wait sleeps for the next backoff delay.
func (s *strategy) Wait(ctx context.Context) error {
	delay := s.b.NextBackOff()
	if delay == cbackoff.Stop {
		return ErrMaxRetries
	}
	if s.maxAttempt > 0 {
		logrus.Debugf("Waiting for %v (attempt %d/%d)", delay, s.attempt+1, s.maxAttempt)
	} else {
		logrus.Debugf("Waiting for %v (attempt %d)", delay, s.attempt+1)
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	s.attempt++
	return nil
}

func (s *strategy) Attempts() uint {
	return s.attempt
}

// DefaultBackoff returns a sensible default Strategy (exponential with an upper bound).
func DefaultBackoff() Strategy {
	const defaultBaseDelay = 50 * time.Millisecond
	const defaultMaxDelay = 1 * time.Minute
	return NewExponentialBackoffWithJitter(defaultBaseDelay, defaultMaxDelay, 10)
}
