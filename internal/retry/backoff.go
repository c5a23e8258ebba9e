package retry

import (
	"context"
	"time"
)

// Backoff is a capped exponential delay: Min, 2*Min, 4*Min, ... up to Max.
// A Backoff is owned by a single goroutine and is not safe for concurrent use.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	attempt int
}

// NewBackoff returns a Backoff with sane fallbacks for zero values.
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.Min
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	b.attempt++
	return d
}

// Attempt reports how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset starts the sequence over after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Sleep waits for d or until ctx is done. It returns ctx.Err() when cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, ctx is done, attempts are exhausted, or
// retryable reports false for the returned error. The last error is returned.
func Do(ctx context.Context, b *Backoff, attempts int, retryable func(error) bool, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			b.Reset()
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if serr := Sleep(ctx, b.Next()); serr != nil {
			return err
		}
	}
	return err
}
