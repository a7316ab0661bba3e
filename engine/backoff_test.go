package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowth(t *testing.T) {
	b := NewBackoff(5*time.Second, 1.8, 60*time.Second)
	b.Jitter = 0

	assert.Equal(t, 5*time.Second, b.Next())
	assert.Equal(t, 9*time.Second, b.Next())
	assert.InDelta(t, float64(16200*time.Millisecond), float64(b.Next()), float64(time.Millisecond))

	// Saturates at Max
	for i := 0; i < 10; i++ {
		b.Next()
	}
	assert.Equal(t, 60*time.Second, b.Next())

	b.Reset()
	assert.Equal(t, 5*time.Second, b.Next())
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(10*time.Second, 2, time.Minute)
	for i := 0; i < 50; i++ {
		b.Reset()
		d := b.Next()
		assert.GreaterOrEqual(t, d, 9*time.Second)
		assert.LessOrEqual(t, d, 11*time.Second)
	}
}
