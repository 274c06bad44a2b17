package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectionConfig_Defaults(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConnectionConfig(1)
	require.NoError(err)
	require.Equal(1, cfg.UnitID())
	require.Equal(115200, cfg.BaudRate())
	require.Equal(4, cfg.WindowSize())
	require.Equal(2*time.Second, cfg.RequestTimeout())
	require.Equal(time.Second, cfg.HeartbeatInterval())
	require.True(cfg.Supervision())
	require.True(cfg.Enabled())
	require.False(cfg.StatusDebugLogging())
	require.Equal(1024, cfg.queueSize)
	require.Equal(15, cfg.healthThreshold)
	require.Equal(6, cfg.instabilityCount)
	require.Equal(30*time.Second, cfg.stableGracePeriod)
}

func TestConnectionConfig_Options(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConnectionConfig(0,
		WithBaudRate(230400),
		WithWindowSize(2),
		WithRequestTimeout(500*time.Millisecond),
		WithHeartbeatInterval(2*time.Second),
		WithSupervision(false),
		WithStatusDebugLogging(true),
		WithEnabled(false),
	)
	require.NoError(err)
	require.Equal(230400, cfg.BaudRate())
	require.Equal(2, cfg.WindowSize())
	require.Equal(500*time.Millisecond, cfg.RequestTimeout())
	require.Equal(2*time.Second, cfg.HeartbeatInterval())
	require.False(cfg.Supervision())
	require.True(cfg.StatusDebugLogging())
	require.False(cfg.Enabled())
}

func TestConnectionConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  ConnOption
	}{
		{"baud", WithBaudRate(0)},
		{"window", WithWindowSize(0)},
		{"window too large", WithWindowSize(64)},
		{"queue", WithQueueSize(0)},
		{"timeout", WithRequestTimeout(time.Millisecond)},
		{"heartbeat", WithHeartbeatInterval(2 * time.Minute)},
		{"health threshold", WithHealthCheck(time.Second, time.Second, 0)},
		{"backoff factor", WithBackoff(time.Second, 2*time.Second, 1)},
		{"relearn", WithTopologyRelearn(0)},
		{"close timeout", WithCloseConnTimeout(time.Millisecond)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConnectionConfig(0, tt.opt)
			require.ErrorIs(t, err, ErrInvalidOption)
		})
	}

	_, err := NewConnectionConfig(-1)
	require.ErrorIs(t, err, ErrInvalidOption)
}
