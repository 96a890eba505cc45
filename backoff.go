package halloy

import (
	"math/rand"
	"time"
)

// Backoff computes the delays between reconnection attempts: Initial,
// doubled at each attempt up to Max, then spread by ±Jitter (a fraction of
// the delay).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64

	attempt int
	rand    func() float64 // in [0, 1)
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{
		Initial: cfg.Initial,
		Max:     cfg.Max,
		Jitter:  cfg.Jitter,
		rand:    rand.Float64,
	}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Initial
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max < d {
		d = b.Max
	}
	b.attempt++

	if 0 < b.Jitter {
		spread := float64(d) * b.Jitter
		d += time.Duration(spread * (2*b.rand() - 1))
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
