package config_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Kobra-S1/ACEPRO/config"
)

type changes struct {
	mu    sync.Mutex
	cfgs  []config.Config
	calls [][]string
}

func (c *changes) record(cfg config.Config, keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfgs = append(c.cfgs, cfg)
	c.calls = append(c.calls, keys)
}

func (c *changes) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.calls)
}

func TestWatcher_Reload(t *testing.T) {
	t.Run("hot keys are applied", func(t *testing.T) {
		require := require.New(t)

		path := writeConfig(t, t.TempDir(), "runout_debounce_count = 1")
		cur, err := config.Load(path)
		require.NoError(err)

		rec := &changes{}
		w := config.NewWatcher(path, cur, rec.record)

		require.NoError(os.WriteFile(path, []byte("runout_debounce_count = 4\nbaud = 9600\ntangle_detection = true"), 0o600))
		w.Reload()

		require.Equal([][]string{{"runout_debounce_count", "tangle_detection"}}, rec.calls)
		require.Equal(4, rec.cfgs[0].RunoutDebounceCount)
		require.True(w.Current().TangleDetection)
		require.Equal(115200, w.Current().Baud, "restart keys keep their running value")
	})

	t.Run("restart keys only", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "")
		rec := &changes{}
		w := config.NewWatcher(path, config.Defaults(), rec.record)

		require.NoError(t, os.WriteFile(path, []byte("ace_count = 2"), 0o600))
		w.Reload()

		require.Zero(t, rec.len())
		require.Equal(t, 1, w.Current().Count)
	})

	t.Run("invalid file is ignored", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "")
		rec := &changes{}
		w := config.NewWatcher(path, config.Defaults(), rec.record)

		require.NoError(t, os.WriteFile(path, []byte("purge_multiplier = -1"), 0o600))
		w.Reload()

		require.Zero(t, rec.len())
		require.InDelta(t, 1.0, w.Current().PurgeMultiplier, 1e-9)
	})
}

func TestWatcher_Run(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, t.TempDir(), "")
	rec := &changes{}
	w := config.NewWatcher(path, config.Defaults(), rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// the watch is registered asynchronously; keep writing until it is seen.
	require.Eventually(func() bool {
		_ = os.WriteFile(path, []byte("purge_multiplier = 2.0"), 0o600)
		return rec.len() > 0
	}, 5*time.Second, 200*time.Millisecond)

	require.InDelta(2.0, w.Current().PurgeMultiplier, 1e-9)

	cancel()
	require.ErrorIs(<-done, context.Canceled)
}
