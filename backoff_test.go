package halloy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: 10 * time.Second})

	var delays []time.Duration
	for i := 0; i < 6; i++ {
		delays = append(delays, b.Next())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, delays)
	assert.Equal(t, 6, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffJitter(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 10 * time.Second, Max: time.Minute, Jitter: 0.5})

	b.rand = func() float64 { return 0 }
	assert.Equal(t, 5*time.Second, b.Next())

	b.Reset()
	b.rand = func() float64 { return 0.5 }
	assert.Equal(t, 10*time.Second, b.Next())

	b.Reset()
	b.rand = func() float64 { return 0.999 }
	d := b.Next()
	assert.True(t, 10*time.Second < d && d <= 15*time.Second, "delay %v", d)

	// the ceiling holds before jitter
	for i := 0; i < 10; i++ {
		b.rand = func() float64 { return 0.5 }
		assert.LessOrEqual(t, b.Next(), time.Minute)
	}
}
