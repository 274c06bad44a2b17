package transport

import (
	"sync"
	"time"
)

// Backoff defaults.
const (
	DefaultBackoffMin        = 5 * time.Second
	DefaultBackoffMax        = 30 * time.Second
	DefaultBackoffFactor     = 1.5
	DefaultInstabilityWindow = 180 * time.Second
	DefaultInstabilityCount  = 6
	DefaultStableGracePeriod = 30 * time.Second
)

// Backoff computes reconnect delays and tracks recent reconnect attempts.
//
// Delays grow by factor from min up to max; the attempt after the one that used
// max starts over at min. The cycle keeps retrying at a bounded rate forever.
type Backoff struct {
	mu        sync.Mutex
	min       time.Duration
	max       time.Duration
	factor    float64
	window    time.Duration
	current   time.Duration
	attempts  []time.Time
	connected time.Time
}

// NewBackoff creates a Backoff. Zero or negative arguments use the defaults.
func NewBackoff(minDelay, maxDelay time.Duration, factor float64, window time.Duration) *Backoff {
	if minDelay <= 0 {
		minDelay = DefaultBackoffMin
	}
	if maxDelay < minDelay {
		maxDelay = max(DefaultBackoffMax, minDelay)
	}
	if factor <= 1 {
		factor = DefaultBackoffFactor
	}
	if window <= 0 {
		window = DefaultInstabilityWindow
	}

	return &Backoff{min: minDelay, max: maxDelay, factor: factor, window: window, current: minDelay}
}

// Failure records a failed attempt at now and returns the delay before the next one.
func (b *Backoff) Failure(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(now)

	d := b.current
	if b.current >= b.max {
		b.current = b.min
	} else {
		b.current = min(b.max, time.Duration(float64(b.current)*b.factor))
	}

	return d
}

// RecordAttempt records a reconnect attempt that did not come from a failed
// connect, e.g. a link drop on an open port.
func (b *Backoff) RecordAttempt(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(now)
}

// Success resets the delay to min and marks now as the connect time.
func (b *Backoff) Success(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = b.min
	b.connected = now
}

// Min returns the initial delay.
func (b *Backoff) Min() time.Duration {
	return b.min
}

// RecentAttempts returns the number of attempts within the window ending at now.
func (b *Backoff) RecentAttempts(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(now)

	return len(b.attempts)
}

// ConnectedAt returns the time of the last successful connect.
func (b *Backoff) ConnectedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.connected
}

func (b *Backoff) record(now time.Time) {
	b.prune(now)
	b.attempts = append(b.attempts, now)
}

func (b *Backoff) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.attempts) && b.attempts[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.attempts = append(b.attempts[:0], b.attempts[i:]...)
	}
}
