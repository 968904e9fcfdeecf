package signaling

import "time"

// Backoff produces a capped exponential delay schedule for channel
// reconnection. Zero value is not usable; construct with NewBackoff.
type Backoff struct {
	initial     time.Duration
	factor      float64
	cap         time.Duration
	maxAttempts int

	attempt int
}

const (
	defaultBackoffInitial  = time.Second
	defaultBackoffFactor   = 2.0
	defaultBackoffCap      = 30 * time.Second
	defaultBackoffAttempts = 5
)

// NewBackoff returns the default reconnect schedule: 1s initial, doubling,
// capped at 30s, at most 5 attempts.
func NewBackoff() *Backoff {
	return &Backoff{
		initial:     defaultBackoffInitial,
		factor:      defaultBackoffFactor,
		cap:         defaultBackoffCap,
		maxAttempts: defaultBackoffAttempts,
	}
}

// Next returns the delay before the next attempt and whether an attempt is
// still allowed. The first call returns the initial delay.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.maxAttempts {
		return 0, false
	}
	d := b.initial
	for i := 0; i < b.attempt; i++ {
		d = time.Duration(float64(d) * b.factor)
		if d >= b.cap {
			d = b.cap
			break
		}
	}
	b.attempt++
	return d, true
}

// Attempt reports how many delays have been handed out so far.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset rewinds the schedule after a successful connection.
func (b *Backoff) Reset() { b.attempt = 0 }
