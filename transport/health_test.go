package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHealthMonitor(t *testing.T) {
	require := require.New(t)

	now := time.Now()

	t.Run("both counters must reach the threshold", func(t *testing.T) {
		h := NewHealthMonitor(0, 0)
		for i := range DefaultHealthThreshold {
			h.TrackTimeout(now.Add(time.Duration(i) * time.Millisecond))
		}
		healthy, reason := h.Check(now.Add(time.Second))
		require.True(healthy)
		require.Equal("healthy", reason)

		for i := range DefaultHealthThreshold - 1 {
			h.TrackUnsolicited(now.Add(time.Duration(i) * time.Millisecond))
		}
		healthy, _ = h.Check(now.Add(time.Second))
		require.True(healthy)

		h.TrackUnsolicited(now.Add(500 * time.Millisecond))
		healthy, reason = h.Check(now.Add(time.Second))
		require.False(healthy)
		require.Contains(reason, "15 timeouts AND 15 unsolicited")
	})

	t.Run("old entries expire", func(t *testing.T) {
		h := NewHealthMonitor(30*time.Second, 2)
		h.TrackTimeout(now)
		h.TrackTimeout(now)
		h.TrackUnsolicited(now)
		h.TrackUnsolicited(now)

		healthy, _ := h.Check(now.Add(10 * time.Second))
		require.False(healthy)

		healthy, _ = h.Check(now.Add(31 * time.Second))
		require.True(healthy)
		timeouts, unsolicited := h.Counts()
		require.Zero(timeouts)
		require.Zero(unsolicited)
	})

	t.Run("reset", func(t *testing.T) {
		h := NewHealthMonitor(0, 1)
		h.TrackTimeout(now)
		h.TrackUnsolicited(now)
		h.Reset()

		healthy, _ := h.Check(now)
		require.True(healthy)
	})
}
