package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Kobra-S1/ACEPRO/config"
	"github.com/Kobra-S1/ACEPRO/transport"
)

func parseRoot(t *testing.T, args ...string) (*globalFlags, func() (config.Config, error)) {
	t.Helper()

	root := newRootCmd()
	var flags globalFlags
	pf := root.PersistentFlags()
	require.NoError(t, pf.Parse(args))

	flags.configPath, _ = pf.GetString("config")
	flags.logLevel, _ = pf.GetString("log-level")
	flags.count, _ = pf.GetInt("ace-count")
	flags.stateFile, _ = pf.GetString("state-file")
	flags.moonrakerURL, _ = pf.GetString("moonraker-url")

	return &flags, func() (config.Config, error) { return loadConfig(pf, &flags) }
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ace.toml")
	require.NoError(t, os.WriteFile(path, []byte("ace_count = 2\nlog_level = \"debug\"\nfeed_speed = \"60,1:80\"\n"), 0o644))

	t.Run("file", func(t *testing.T) {
		require := require.New(t)

		_, load := parseRoot(t, "--config", path)
		cfg, err := load()
		require.NoError(err)
		require.Equal(2, cfg.Count)
		require.Equal("debug", cfg.LogLevel)

		v, err := cfg.FeedSpeed.For(1)
		require.NoError(err)
		require.InDelta(80.0, v, 1e-9)
	})

	t.Run("flags override file", func(t *testing.T) {
		require := require.New(t)

		_, load := parseRoot(t, "--config", path, "--log-level", "warn", "--state-file", "/tmp/ace.cbor",
			"--moonraker-url", "http://printer:7125")
		cfg, err := load()
		require.NoError(err)
		require.Equal(2, cfg.Count)
		require.Equal("warn", cfg.LogLevel)
		require.Equal("/tmp/ace.cbor", cfg.StateFile)
		require.Equal("http://printer:7125", cfg.MoonrakerURL)
	})

	t.Run("unset flags keep file values", func(t *testing.T) {
		require := require.New(t)

		_, load := parseRoot(t, "--config", path, "--ace-count", "3")
		cfg, err := load()
		require.NoError(err)
		require.Equal(3, cfg.Count)
		require.Equal("debug", cfg.LogLevel)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, load := parseRoot(t, "--config", filepath.Join(dir, "missing.toml"))
		_, err := load()
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid flag value", func(t *testing.T) {
		_, load := parseRoot(t, "--config", path, "--ace-count", "0")
		_, err := load()
		require.ErrorIs(t, err, config.ErrInvalidValue)
	})
}

func TestPrintPorts(t *testing.T) {
	var buf bytes.Buffer
	printPorts(&buf, nil)
	require.Equal(t, "no ACE units found\n", buf.String())

	buf.Reset()
	printPorts(&buf, []transport.PortInfo{
		{Name: "/dev/ttyACM0", VID: "28E9", PID: "018A", Serial: "A1", Location: "1-1.2:1.0"},
	})
	require.Contains(t, buf.String(), "0\t/dev/ttyACM0\t28E9:018A\tserial=A1\tlocation=1-1.2:1.0\tdepth=")
}
