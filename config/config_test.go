package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Kobra-S1/ACEPRO/config"
	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/runout"
	"github.com/Kobra-S1/ACEPRO/transport"
	"github.com/Kobra-S1/ACEPRO/unit"
)

const sample = `
ace_count = 2
baud = 230400
filament_runout_sensor_name_rdm = "return_module"
feed_assist_active_after_ace_connect = false
rfid_temp_mode = "max"
toolhead_retraction_length = 35
purge_multiplier = 1.2
runout_debounce_count = 3
tangle_detection = true
feed_speed = "60,1:80"
retract_speed = 45
heartbeat_interval = 0.5
parkposition_to_toolhead_length = "900,0:950"
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, "acepro.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefaults(t *testing.T) {
	require := require.New(t)

	cfg := config.Defaults()
	require.NoError(cfg.Validate())
	require.False(cfg.HasReturnPathSensor())

	ucfg, err := cfg.Unit(0)
	require.NoError(err)

	want := unit.DefaultConfig()
	require.Equal(want, ucfg)
	require.Equal(coordinator.DefaultConfig(), cfg.Coordinator())
	require.Equal(runout.DefaultConfig(), cfg.Runout())
	require.Equal(2*time.Second, cfg.LaneSyncTimeoutDuration())
}

func TestLoad(t *testing.T) {
	require := require.New(t)

	cfg, err := config.Load(writeConfig(t, t.TempDir(), sample))
	require.NoError(err)

	require.Equal(2, cfg.Count)
	require.Equal(230400, cfg.Baud)
	require.True(cfg.HasReturnPathSensor())
	require.InDelta(1.2, cfg.PurgeMultiplier, 1e-9)
	require.Equal(3, cfg.RunoutDebounceCount)
	require.Equal("filament_runout_nozzle", cfg.ToolheadSensor, "defaults kept for missing keys")

	u0, err := cfg.Unit(0)
	require.NoError(err)
	u1, err := cfg.Unit(1)
	require.NoError(err)

	require.InDelta(60, u0.FeedSpeed, 1e-9)
	require.InDelta(80, u1.FeedSpeed, 1e-9)
	require.InDelta(45, u0.RetractSpeed, 1e-9)
	require.InDelta(45, u1.RetractSpeed, 1e-9)
	require.InDelta(950, u0.ParkToToolheadLength, 1e-9)
	require.InDelta(900, u1.ParkToToolheadLength, 1e-9)
	require.Equal(unit.TempMax, u1.TempMode)
	require.False(u1.RestoreFeedAssist)

	ccfg := cfg.Coordinator()
	require.InDelta(35, ccfg.ToolheadRetractionLength, 1e-9)
	require.InDelta(1.2, ccfg.PurgeMultiplier, 1e-9)

	rcfg := cfg.Runout()
	require.Equal(3, rcfg.DebounceCount)
	require.True(rcfg.TangleDetection)
	require.InDelta(15, rcfg.TangleDetectionLength, 1e-9)

	opts, err := cfg.ConnOptions(1)
	require.NoError(err)
	connCfg, err := transport.NewConnectionConfig(1, opts...)
	require.NoError(err)
	require.Equal(230400, connCfg.BaudRate())
	require.Equal(500*time.Millisecond, connCfg.HeartbeatInterval())
	require.True(connCfg.Supervision())
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		err     error
	}{
		{"unknown key", "feed_sped = 60", config.ErrUnknownKey},
		{"two defaults", `feed_speed = "60,70"`, config.ErrInvalidOverride},
		{"override out of range", `feed_speed = "60,1:80"`, config.ErrInvalidOverride},
		{"missing unit value", "ace_count = 2\nfeed_speed = \"0:80\"", config.ErrInvalidOverride},
		{"bad number", `retract_speed = "fast"`, config.ErrInvalidOverride},
		{"zero speed", "feed_speed = 0", config.ErrInvalidValue},
		{"no units", "ace_count = 0", config.ErrInvalidValue},
		{"bad temp mode", `rfid_temp_mode = "median"`, config.ErrInvalidValue},
		{"bad debounce", "runout_debounce_count = 0", config.ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, dir, tt.content))
			require.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("syntax", func(t *testing.T) {
		_, err := config.Parse([]byte("ace_count = "))
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(dir, "missing.toml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestDiff(t *testing.T) {
	require := require.New(t)

	a := config.Defaults()
	b := config.Defaults()
	require.Empty(config.Diff(a, b))

	b.Baud = 9600
	b.TangleDetection = true
	b.FeedSpeed = config.Uniform(70)

	require.Equal([]string{"baud", "tangle_detection", "feed_speed"}, config.Diff(a, b))
}
