package engine

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Backoff produces exponentially growing delays with jitter.
// Next() returns the current delay and advances; Reset() rewinds to the base
// after a successful attempt.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter float64 // fraction of the delay, e.g. 0.1 for +/-10%

	mu      sync.Mutex
	current time.Duration
}

func NewBackoff(base time.Duration, factor float64, max time.Duration) *Backoff {
	return &Backoff{Base: base, Factor: factor, Max: max, Jitter: 0.1}
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current <= 0 {
		b.current = b.Base
	}
	delay := b.current

	next := time.Duration(float64(b.current) * b.Factor)
	if next > b.Max {
		next = b.Max
	}
	b.current = next

	if b.Jitter > 0 {
		spread := float64(delay) * b.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = 0
	b.mu.Unlock()
}

func logRestart(err error, delay time.Duration) {
	if err != nil {
		slog.Error("proc crashed, restarting", "error", err, "delay", delay)
	} else {
		slog.Warn("proc returned, restarting", "delay", delay)
	}
}
