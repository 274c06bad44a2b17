package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlogLogger_JSON(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	l := NewSlogWithWriter(&buf, InfoLevel)

	l.Debug("hidden")
	require.Zero(buf.Len())

	l.With("unit", 1).Info("connected", "port", "/dev/ttyACM0")

	var rec map[string]any
	require.NoError(json.Unmarshal(buf.Bytes(), &rec))
	require.Equal("connected", rec["msg"])
	require.Equal(float64(1), rec["unit"])
	require.Equal("/dev/ttyACM0", rec["port"])
	require.Contains(rec, "ts")
}

func TestSlogLogger_SetLevel(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	l := NewSlogWithWriter(&buf, WarnLevel)
	require.Equal(WarnLevel, l.Level())

	l.Info("skipped")
	require.Zero(buf.Len())

	child := l.With("unit", 0)
	l.SetLevel(DebugLevel)
	require.Equal(DebugLevel, child.Level())

	child.Debug("status", "slot", 2)
	require.Contains(buf.String(), `"slot":2`)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		level Level
		ok    bool
	}{
		{"debug", DebugLevel, true},
		{" INFO ", InfoLevel, true},
		{"warning", WarnLevel, true},
		{"error", ErrorLevel, true},
		{"fatal", FatalLevel, true},
		{"verbose", InfoLevel, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, ok := ParseLevel(tt.name)
			require.Equal(t, tt.level, level)
			require.Equal(t, tt.ok, ok)
		})
	}
}
