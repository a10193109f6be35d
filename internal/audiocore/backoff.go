package audiocore

import (
	"context"
	"time"
)

// Backoff is an exponential retry delay: initial, 2x initial, 4x initial,
// capped at max. MaxAttempts of zero means unlimited attempts.
type Backoff struct {
	attempt     int
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// NewBackoff creates a backoff strategy.
func NewBackoff(maxAttempts int, initial, maxDelay time.Duration) *Backoff {
	return &Backoff{MaxAttempts: maxAttempts, Initial: initial, Max: maxDelay}
}

// Next returns the next delay, or false once MaxAttempts is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	delay := b.Max
	// Guard the shift so long outages do not overflow.
	if b.attempt < 30 {
		delay = min(b.Initial*time.Duration(1<<uint(b.attempt)), b.Max)
	}
	b.attempt++
	return delay, true
}

// Attempts returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset starts the sequence over after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepContext is the production SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
