package gwclient

import "time"

// Backoff computes the delay schedule between reconnect attempts:
// min(base << attempt, cap). The attempt counter is reset every time the
// client reaches the connected state.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	attempt int
}

// Delay returns the backoff duration for a 0-indexed attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.Delay(b.attempt)
	b.attempt++
	return d
}

// Attempt returns the number of consecutive failed attempts so far.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset clears the attempt counter.
func (b *Backoff) Reset() { b.attempt = 0 }
