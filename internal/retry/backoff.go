package retry

import (
	"context"
	"time"
)

// Backoff computes retry delays for transient failures.
//
// The zero value is not usable; construct with New. Delays grow
// exponentially from Base by Factor up to Max. MaxAttempts of zero means
// unbounded.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the delay between retries.
	Max time.Duration
	// Factor is the exponential growth factor.
	Factor float64
	// MaxAttempts bounds the number of retries; zero means unlimited.
	MaxAttempts int

	attempt int
}

// New returns a Backoff with the given bounds and a growth factor of 2.
func New(base, max time.Duration, maxAttempts int) *Backoff {
	return &Backoff{Base: base, Max: max, Factor: 2, MaxAttempts: maxAttempts}
}

// Next returns the delay before the next retry. ok is false when the
// attempt budget is exhausted.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}

	d := b.Base
	for i := 0; i < b.attempt; i++ {
		d = time.Duration(float64(d) * b.Factor)
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}

	b.attempt++
	return d, true
}

// Attempt returns the number of retries consumed so far.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset rewinds the schedule after a success.
func (b *Backoff) Reset() { b.attempt = 0 }

// Sleep waits for the next delay or until the context is cancelled.
// It returns false when the attempt budget is exhausted.
func (b *Backoff) Sleep(ctx context.Context) (bool, error) {
	delay, ok := b.Next()
	if !ok {
		return false, nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}

// Do runs fn until it succeeds, the schedule is exhausted, or the context
// is cancelled. retryable decides whether an error is worth retrying; a
// nil retryable retries every error.
func Do(ctx context.Context, b *Backoff, retryable func(error) bool, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		ok, serr := b.Sleep(ctx)
		if serr != nil {
			return serr
		}
		if !ok {
			return err
		}
	}
}
