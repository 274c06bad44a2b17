package coordinator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/transport"
	"github.com/Kobra-S1/ACEPRO/unit"
)

func TestCoordinator_SmartUnload(t *testing.T) {
	ctx := context.Background()

	t.Run("sensors clear resets unknown state", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.restore(t, 2, coordinator.PosToolhead)

		require.NoError(f.c.SmartUnload(ctx, -1))

		require.Equal(-1, f.c.CurrentTool())
		require.Equal(coordinator.PosPark, f.c.Position())
		require.Zero(f.devs[0].Count("unwind_filament"))
	})

	t.Run("empty slot is refused", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.sensors(true, true)

		err := f.c.SmartUnload(ctx, 0)
		require.ErrorIs(err, coordinator.ErrSlotEmpty)
		require.Zero(f.devs[0].Count("unwind_filament"))
		require.False(f.c.ToolchangeInProgress())
	})

	t.Run("known tool with clear toolhead", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 1, "PLA", red)
		f.restore(t, 1, coordinator.PosInTransit)
		f.sensors(false, true)
		f.simulatePath(0)

		require.NoError(f.c.SmartUnload(ctx, 1))

		require.Equal(coordinator.PosPark, f.c.Position())
		require.Empty(f.host.Motion.Moves())
		req, ok := f.devs[0].Last("unwind_filament")
		require.True(ok)
		require.EqualValues(1000, req.Params["length"])
	})

	t.Run("identifies the loaded tool by cycling", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 0, "PLA", red)
		f.spool(t, 2, "PETG", blue)
		f.sensors(true, true)
		f.devs[0].OnRequest(func(req transport.Request) {
			if req.Method == "unwind_filament" && slotIndex(req) == "2" {
				f.sensors(false, false)
			}
		})

		require.NoError(f.c.SmartUnload(ctx, -1))

		require.Equal(coordinator.PosPark, f.c.Position())
		var slots []string
		for _, req := range f.devs[0].Requests() {
			if req.Method == "unwind_filament" {
				slots = append(slots, slotIndex(req))
			}
		}
		require.Equal([]string{"0", "2", "2"}, slots)

		req, _ := f.devs[0].Last("unwind_filament")
		require.EqualValues(960, req.Params["length"])
	})

	t.Run("prefers the recorded tool when cycling", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 0, "PLA", red)
		f.spool(t, 3, "PLA", red)
		f.restore(t, 3, coordinator.PosPark)
		f.sensors(true, true)
		f.simulatePath(0)

		require.NoError(f.c.SmartUnload(ctx, -1))

		first, ok := f.devs[0].Last("unwind_filament")
		require.True(ok)
		require.Equal("3", slotIndex(first))
		require.Equal(2, f.devs[0].Count("unwind_filament"))
	})

	t.Run("falls back to the other slots", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 2)
		f.spool(t, 0, "PLA", red)
		f.spool(t, 5, "PLA", red)
		f.sensors(false, true)
		f.devs[1].OnRequest(func(req transport.Request) {
			if req.Method == "unwind_filament" {
				f.sensors(false, false)
			}
		})

		require.NoError(f.c.SmartUnload(ctx, 0))

		require.Equal(coordinator.PosPark, f.c.Position())
		require.GreaterOrEqual(f.devs[0].Count("unwind_filament"), 2)
		req, ok := f.devs[1].Last("unwind_filament")
		require.True(ok)
		require.Equal("1", slotIndex(req))
	})

	t.Run("fails when no slot clears the path", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 0, "PLA", red)
		f.sensors(false, true)

		err := f.c.SmartUnload(ctx, -1)
		require.ErrorIs(err, coordinator.ErrUnloadFailed)
		require.False(f.c.ToolchangeInProgress())
	})
}

func TestCoordinator_SmartLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("loads every ready slot to the return module", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 2)
		f.spool(t, 0, "PLA", red)
		f.spool(t, 6, "PLA", blue)
		f.restore(t, 0, coordinator.PosPark)
		for _, dev := range f.devs {
			dev.OnRequest(func(req transport.Request) {
				switch req.Method {
				case "feed_filament":
					f.host.Sensors.Set(host.SensorReturnPath, true)
				case "unwind_filament":
					f.host.Sensors.Set(host.SensorReturnPath, false)
				}
			})
		}

		loaded, total, err := f.c.SmartLoad(ctx)
		require.NoError(err)
		require.Equal(2, loaded)
		require.Equal(2, total)
		require.Equal(-1, f.c.CurrentTool())
		require.Equal(coordinator.PosPark, f.c.Position())
		require.Contains(f.positionHistory(), coordinator.PosInTransit)

		req, ok := f.devs[1].Last("unwind_filament")
		require.True(ok)
		require.EqualValues(150, req.Params["length"])
	})

	t.Run("parks a slot that never reaches the sensor", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 1, "PLA", red)

		loaded, total, err := f.c.SmartLoad(ctx)
		require.NoError(err)
		require.Zero(loaded)
		require.Equal(1, total)
		require.Equal(1, f.devs[0].Count("unwind_filament"))
		require.Equal(coordinator.PosPark, f.c.Position())
	})

	t.Run("blocked path", func(t *testing.T) {
		f := newFixture(t, 1)
		f.sensors(true, false)

		_, _, err := f.c.SmartLoad(ctx)
		require.ErrorIs(t, err, unit.ErrPathBlocked)
	})
}

func TestCoordinator_FullUnload(t *testing.T) {
	ctx := context.Background()

	t.Run("retracts the whole tube", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		f.spool(t, 2, "PLA", red)
		f.restore(t, 2, coordinator.PosInTransit)

		require.NoError(f.c.FullUnload(ctx, 2))

		req, ok := f.devs[0].Last("unwind_filament")
		require.True(ok)
		require.EqualValues(2500, req.Params["length"])
		require.Equal(coordinator.PosPark, f.c.Position())
	})

	t.Run("path still blocked", func(t *testing.T) {
		f := newFixture(t, 1)
		f.spool(t, 2, "PLA", red)
		f.sensors(false, true)

		require.ErrorIs(t, f.c.FullUnload(ctx, 2), coordinator.ErrUnloadFailed)
	})

	t.Run("unmapped tool", func(t *testing.T) {
		f := newFixture(t, 1)

		require.ErrorIs(t, f.c.FullUnload(ctx, 7), coordinator.ErrUnmappedTool)
	})
}
