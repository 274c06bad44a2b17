package transport

import (
	"fmt"
	"sync"
	"time"
)

// Health supervision defaults.
const (
	DefaultHealthCheckInterval = 5 * time.Second
	DefaultHealthWindow        = 30 * time.Second
	DefaultHealthThreshold     = 15
)

// HealthMonitor keeps rolling timestamps of request timeouts and unsolicited
// responses. A link is unhealthy when both counts within the window reach the
// threshold, which indicates the two sides lost track of request ids.
type HealthMonitor struct {
	mu          sync.Mutex
	window      time.Duration
	threshold   int
	timeouts    []time.Time
	unsolicited []time.Time
}

// NewHealthMonitor creates a HealthMonitor. Zero arguments use the defaults.
func NewHealthMonitor(window time.Duration, threshold int) *HealthMonitor {
	if window <= 0 {
		window = DefaultHealthWindow
	}
	if threshold <= 0 {
		threshold = DefaultHealthThreshold
	}

	return &HealthMonitor{window: window, threshold: threshold}
}

// TrackTimeout records a request timeout at now.
func (h *HealthMonitor) TrackTimeout(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.timeouts = append(prune(h.timeouts, now.Add(-h.window)), now)
}

// TrackUnsolicited records an unsolicited response at now.
func (h *HealthMonitor) TrackUnsolicited(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsolicited = append(prune(h.unsolicited, now.Add(-h.window)), now)
}

// Check prunes entries older than the window and evaluates the link.
// reason is "healthy" or a description of the exceeded thresholds.
func (h *HealthMonitor) Check(now time.Time) (healthy bool, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := now.Add(-h.window)
	h.timeouts = prune(h.timeouts, cutoff)
	h.unsolicited = prune(h.unsolicited, cutoff)

	t, u := len(h.timeouts), len(h.unsolicited)
	if t >= h.threshold && u >= h.threshold {
		return false, fmt.Sprintf("%d timeouts AND %d unsolicited messages in last %s", t, u, h.window)
	}

	return true, "healthy"
}

// Counts returns the number of timeouts and unsolicited responses currently tracked.
func (h *HealthMonitor) Counts() (timeouts int, unsolicited int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.timeouts), len(h.unsolicited)
}

// Reset clears both counters.
func (h *HealthMonitor) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.timeouts = h.timeouts[:0]
	h.unsolicited = h.unsolicited[:0]
}

// prune drops timestamps at or before cutoff from an ascending slice.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}

	return append(ts[:0], ts[i:]...)
}
