package ws

import (
	"math/rand"
	"time"
)

// backoff yields reconnect delays: base * 2^attempt plus up to 50% jitter,
// capped at max. A connection that stayed up for a minute resets the sequence.
type backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newBackoff(base, max time.Duration, maxAttempts int) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max, maxAttempts: maxAttempts}
}

func (b *backoff) exhausted() bool {
	return b.maxAttempts > 0 && b.attempt >= b.maxAttempts
}

func (b *backoff) markConnected(now time.Time) { b.connectedAt = now }

func (b *backoff) next(now time.Time) time.Duration {
	if !b.connectedAt.IsZero() && now.Sub(b.connectedAt) > time.Minute {
		b.attempt = 0
	}
	b.connectedAt = time.Time{}
	d := b.base
	for i := 0; i < b.attempt && d < b.max; i++ {
		d *= 2
	}
	d += time.Duration(rand.Int63n(int64(b.base)/2 + 1))
	if d > b.max {
		d = b.max
	}
	b.attempt++
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}
