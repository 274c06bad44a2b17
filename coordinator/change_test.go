package coordinator_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/store"
)

func TestCoordinator_Change(t *testing.T) {
	ctx := context.Background()

	t.Run("unloads current and loads target", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 0, "PLA", red)
		f.spool(t, 1, "PLA", blue)
		f.restore(t, 0, coordinator.PosNozzle)
		f.sensors(true, true)
		f.simulatePath(0)

		var inProgress []bool
		f.host.Motion.OnScript(func(script string) {
			if strings.HasPrefix(script, "_ACE_") {
				inProgress = append(inProgress, f.c.ToolchangeInProgress())
			}
		})

		require.NoError(f.c.Change(ctx, 0, 1))

		require.Equal([]coordinator.Position{
			coordinator.PosPark, coordinator.PosInTransit, coordinator.PosToolhead, coordinator.PosNozzle,
		}, f.positionHistory())
		require.Equal(1, f.c.CurrentTool())
		require.Equal(coordinator.PosNozzle, f.c.Position())
		require.Equal(1, store.GetInt(f.host.Store, coordinator.KeyCurrentIndex, -1))
		require.Equal("nozzle", store.GetString(f.host.Store, coordinator.KeyFilamentPos, ""))
		require.False(f.c.ToolchangeInProgress())
		require.NotEmpty(inProgress)
		for _, v := range inProgress {
			require.True(v)
		}

		require.Equal([]string{"_ACE_PRE_TOOLCHANGE FROM=0 TO=1 TARGET_TEMP=200"},
			f.host.Motion.ScriptsWithPrefix("_ACE_PRE_TOOLCHANGE"))
		require.Len(f.host.Motion.ScriptsWithPrefix("_ACE_PREPARE_FOR_RETRACTION TARGET_TEMP=200"), 1)
		require.Equal([]string{"SET_GCODE_VARIABLE MACRO=_ACE_STATE VARIABLE=active VALUE=1"},
			f.host.Motion.ScriptsWithPrefix("SET_GCODE_VARIABLE"))
		require.Equal([]string{
			"_ACE_POST_TOOLCHANGE FROM=0 TO=1 PURGELENGTH=50 PURGESPEED=400 TARGET_TEMP=200 PURGED_AMOUNT=22.0 PURGE_MAX_CHUNK_LENGTH=300",
		}, f.host.Motion.ScriptsWithPrefix("_ACE_POST_TOOLCHANGE"))

		unwind, ok := f.devs[0].Last("unwind_filament")
		require.True(ok)
		require.Equal("0", slotIndex(unwind))
		feed, ok := f.devs[0].Last("feed_filament")
		require.True(ok)
		require.Equal("1", slotIndex(feed))
		require.Equal(1, f.devs[0].FeedAssist())

		moves := f.host.Motion.Moves()
		require.NotEmpty(moves)
		require.InDelta(-40, moves[0].Length, 1e-9)
		require.InDelta(11, moves[0].Speed, 1e-9)
		require.False(moves[0].Wait)
	})

	t.Run("notifies toolchange listeners", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 2, "PLA", red)
		f.simulatePath(0)

		var loaded []int
		f.c.OnToolchangeComplete(func(tool int) { loaded = append(loaded, tool) })

		require.NoError(f.c.Change(ctx, -1, 2))
		require.Equal([]int{2}, loaded)
		require.Zero(f.devs[0].Count("unwind_filament"))
	})

	t.Run("implausible sensor state aborts", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 0, "PLA", red)
		f.spool(t, 1, "PLA", blue)
		f.restore(t, 0, coordinator.PosNozzle)
		f.sensors(true, false)

		err := f.c.Change(ctx, 0, 1)
		require.ErrorIs(err, coordinator.ErrImplausibleState)
		require.False(f.c.ToolchangeInProgress())
		require.Empty(f.host.Motion.Scripts())
		require.Zero(f.devs[0].Count("unwind_filament"))
		require.Equal(0, f.c.CurrentTool())
	})

	t.Run("stale position is corrected from sensors", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 0, "PLA", red)
		f.spool(t, 1, "PLA", blue)
		f.restore(t, 0, coordinator.PosNozzle)
		f.sensors(false, false)
		f.simulatePath(0)

		require.NoError(f.c.Change(ctx, 0, 1))

		require.Equal(coordinator.PosPark, f.positionHistory()[0])
		require.Zero(f.devs[0].Count("unwind_filament"))
		require.Equal(1, f.c.CurrentTool())
	})

	t.Run("unmapped target", func(t *testing.T) {
		f := newFixture(t, 1)

		require.ErrorIs(t, f.c.Change(ctx, -1, 4), coordinator.ErrUnmappedTool)
		require.False(t, f.c.ToolchangeInProgress())
	})

	t.Run("unload failure aborts the change", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 0, "PLA", red)
		f.spool(t, 1, "PLA", blue)
		f.restore(t, 0, coordinator.PosNozzle)
		f.sensors(true, true)

		err := f.c.Change(ctx, 0, 1)
		require.ErrorIs(err, coordinator.ErrUnloadFailed)
		require.False(f.c.ToolchangeInProgress())
		require.Zero(f.devs[0].Count("feed_filament"))
		require.Equal(0, f.c.CurrentTool())
		require.Empty(f.host.Motion.ScriptsWithPrefix("_ACE_POST_TOOLCHANGE"))
	})

	t.Run("unload only", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 3, "ABS", red)
		f.restore(t, 3, coordinator.PosNozzle)
		f.sensors(true, true)
		f.simulatePath(0)

		require.NoError(f.c.Change(ctx, 3, -1))

		require.Equal(-1, f.c.CurrentTool())
		require.Equal(coordinator.PosPark, f.c.Position())
		require.Equal([]string{"_ACE_PRE_TOOLCHANGE FROM=3 TO=-1 TARGET_TEMP=0"},
			f.host.Motion.ScriptsWithPrefix("_ACE_PRE_TOOLCHANGE"))
		require.Equal([]string{"SET_GCODE_VARIABLE MACRO=_ACE_STATE VARIABLE=active VALUE=-1"},
			f.host.Motion.ScriptsWithPrefix("SET_GCODE_VARIABLE"))
		require.Zero(f.devs[0].Count("feed_filament"))
	})

	t.Run("endless swap skips unload and raises purge", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 0, "PLA", red)
		f.spool(t, 2, "PLA", red)
		f.restore(t, 0, coordinator.PosNozzle)
		require.NoError(f.units[0].MarkEmpty(0))
		f.c.SetPurgeMultiplier(2)
		f.simulatePath(0)

		require.NoError(f.c.Change(ctx, 0, 2, coordinator.EndlessSwap()))

		require.Zero(f.devs[0].Count("unwind_filament"))
		require.Equal(2, f.c.CurrentTool())
		post := f.host.Motion.ScriptsWithPrefix("_ACE_POST_TOOLCHANGE")
		require.Len(post, 1)
		require.Contains(post[0], "FROM=0 TO=2 PURGELENGTH=150 ")
	})

	t.Run("reselecting the loaded tool re-enables feed assist", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 1, "PLA", red)
		f.restore(t, 1, coordinator.PosNozzle)
		f.sensors(true, true)

		require.NoError(f.c.Change(ctx, 1, 1))

		require.Equal(1, f.devs[0].FeedAssist())
		require.Zero(f.devs[0].Count("feed_filament"))
		require.Empty(f.host.Motion.ScriptsWithPrefix("_ACE_PRE_TOOLCHANGE"))
	})

	t.Run("reselecting corrects the position", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 1, "PLA", red)
		f.restore(t, 1, coordinator.PosToolhead)
		f.sensors(true, true)

		require.NoError(f.c.Change(ctx, 1, 1))

		require.Equal(coordinator.PosNozzle, f.c.Position())
		require.Zero(f.devs[0].Count("feed_filament"))
	})

	t.Run("reselecting an unloaded tool loads it", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 1, "PLA", red)
		f.restore(t, 1, coordinator.PosPark)
		f.simulatePath(0)

		require.NoError(f.c.Change(ctx, 1, 1))

		require.Equal(1, f.devs[0].Count("feed_filament"))
		require.Equal(coordinator.PosNozzle, f.c.Position())
	})
}

func TestCoordinator_WaitSpoolReady(t *testing.T) {
	ctx := context.Background()

	t.Run("ready at once", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 1, "PLA", red)

		require.NoError(f.c.WaitSpoolReady(ctx, 1))
		require.Empty(f.host.Prompter.Shown())
		require.Zero(f.host.Clock.Slept())
	})

	t.Run("waits for a stable spool", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		start := f.host.Clock.Now()
		f.host.Clock.OnSleep(func(now time.Time) {
			if now.Sub(start) >= 5*time.Second {
				f.devs[0].SetSlotStatus(1, "ready")
			}
			_ = f.links[0].Beat()
		})

		require.NoError(f.c.WaitSpoolReady(ctx, 1))

		shown := f.host.Prompter.Shown()
		require.Len(shown, 1)
		require.Equal("Spool Not Ready", shown[0].Title)
		require.Equal([]host.PromptButton{{Label: "Cancel Print", Command: "CANCEL_PRINT", Style: host.StyleError}},
			shown[0].FooterButtons)
		require.Equal(1, f.host.Prompter.Closed())
		require.GreaterOrEqual(f.host.Clock.Slept(), 8*time.Second)
		require.Less(f.host.Clock.Slept(), 12*time.Second)
	})

	t.Run("flapping spool restarts the stable period", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		start := f.host.Clock.Now()
		f.host.Clock.OnSleep(func(now time.Time) {
			switch el := now.Sub(start); {
			case el >= 10*time.Second:
				f.devs[0].SetSlotStatus(1, "ready")
			case el >= 6*time.Second:
				f.devs[0].SetSlotStatus(1, "empty")
			case el >= 4*time.Second:
				f.devs[0].SetSlotStatus(1, "ready")
			}
			_ = f.links[0].Beat()
		})

		require.NoError(f.c.WaitSpoolReady(ctx, 1))
		require.GreaterOrEqual(f.host.Clock.Slept(), 13*time.Second)
	})

	t.Run("times out", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)

		err := f.c.WaitSpoolReady(ctx, 1)
		require.ErrorIs(err, coordinator.ErrSpoolNotReady)
		require.GreaterOrEqual(f.host.Clock.Slept(), 300*time.Second)
		require.False(f.host.Prompter.Open())
	})

	t.Run("change waits for the target spool", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.simulatePath(0)

		err := f.c.Change(ctx, -1, 1)
		require.ErrorIs(err, coordinator.ErrSpoolNotReady)
		require.Zero(f.devs[0].Count("feed_filament"))
		require.False(f.c.ToolchangeInProgress())
	})
}
