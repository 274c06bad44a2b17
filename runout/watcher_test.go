package runout_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/internal/acesim"
	"github.com/Kobra-S1/ACEPRO/internal/fakehost"
	"github.com/Kobra-S1/ACEPRO/runout"
	"github.com/Kobra-S1/ACEPRO/spool"
	"github.com/Kobra-S1/ACEPRO/transport"
	"github.com/Kobra-S1/ACEPRO/unit"
)

type fakeRecoverer struct {
	mu    sync.Mutex
	err   error
	tools []int
	// handling records Watcher.Handling during each call.
	handling []bool
	w        *runout.Watcher
}

func (r *fakeRecoverer) Recover(_ context.Context, tool int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools = append(r.tools, tool)
	if r.w != nil {
		r.handling = append(r.handling, r.w.Handling())
	}

	return r.err
}

func (r *fakeRecoverer) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]int(nil), r.tools...)
}

type fixture struct {
	dev  *acesim.Device
	unit *unit.Unit
	host *fakehost.Host
	c    *coordinator.Coordinator
	rec  *fakeRecoverer
	w    *runout.Watcher
}

func newFixture(t *testing.T, mods ...func(cfg *runout.Config)) *fixture {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := runout.DefaultConfig()
	for _, m := range mods {
		m(&cfg)
	}

	f := &fixture{host: fakehost.New(), dev: acesim.NewDevice(), rec: &fakeRecoverer{err: spool.ErrDisabled}}
	link := acesim.NewLink(f.dev)
	f.unit = unit.New(ctx, 0, link, unit.DefaultConfig(), f.host.Env())

	reg, err := coordinator.NewRegistry(f.unit)
	require.NoError(t, err)
	f.c = coordinator.New(reg, coordinator.DefaultConfig(), f.host.Env())
	f.w = runout.New(f.c, f.rec, cfg)
	f.rec.w = f.w

	f.dev.SetSlot(0, acesim.SlotState{Status: "ready"})
	f.dev.SetSlot(1, acesim.SlotState{Status: "ready"})
	require.NoError(t, link.Beat())
	f.unit.Wait()
	require.NoError(t, f.unit.SetSlot(0, [3]int{255, 0, 0}, "PLA", 200))
	require.NoError(t, f.unit.SetSlot(1, [3]int{255, 0, 0}, "PLA", 200))

	require.NoError(t, f.host.Store.Set(coordinator.KeyCurrentIndex, 0))
	require.NoError(t, f.host.Store.Set(coordinator.KeyFilamentPos, "nozzle"))
	require.NoError(t, f.c.Restore())

	return f
}

func (f *fixture) toolhead(present bool) {
	f.host.Sensors.Set(host.SensorToolhead, present)
}

// start begins a print with filament at the toolhead and takes the baseline.
func (f *fixture) start() {
	f.toolhead(true)
	f.host.Printer.SetState(host.PrintPrinting)
	f.w.Poll(context.Background())
}

func (f *fixture) poll(n int) {
	for i := 0; i < n; i++ {
		f.w.Poll(context.Background())
	}
}

func TestWatcher_Runout(t *testing.T) {
	t.Run("present to absent triggers", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t)
		f.start()
		require.Equal([]string{"SET_GCODE_VARIABLE MACRO=_ACE_STATE VARIABLE=active VALUE=0"},
			f.host.Motion.ScriptsWithPrefix("SET_GCODE_VARIABLE"))

		f.poll(3)
		require.Empty(f.rec.calls())

		f.toolhead(false)
		f.poll(1)

		require.Equal([]int{0}, f.rec.calls())
		require.Equal([]bool{true}, f.rec.handling)
		require.False(f.w.Handling())
		require.Equal([]string{"PAUSE"}, f.host.Motion.ScriptsWithPrefix("PAUSE"))
		require.Equal(host.PrintPaused, f.host.Printer.PrintState())

		shown := f.host.Prompter.Shown()
		require.Len(shown, 1)
		require.Equal("Filament Runout", shown[0].Title)
		require.Equal([]string{
			"Filament runout detected on Tool T0! Please refill ACE 0 Slot 0 with PLA filament (Color: RGB(255,0,0)).",
		}, shown[0].Text)
		require.Equal("T0", shown[0].Buttons[0].Command)
		require.Equal("CANCEL_PRINT", shown[0].FooterButtons[1].Command)

		// paused: no second trigger
		f.poll(3)
		require.Len(f.rec.calls(), 1)
	})

	t.Run("clear sensor at print start", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t)
		f.toolhead(false)
		f.host.Printer.SetState(host.PrintPrinting)
		f.poll(5)
		require.Empty(f.rec.calls())

		f.toolhead(true)
		f.poll(1)
		require.Empty(f.rec.calls())

		f.toolhead(false)
		f.poll(1)
		require.Equal([]int{0}, f.rec.calls())
	})

	t.Run("debounce", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, func(cfg *runout.Config) { cfg.DebounceCount = 3 })
		f.start()

		f.toolhead(false)
		f.poll(2)
		f.toolhead(true)
		f.poll(1)
		f.toolhead(false)
		f.poll(2)
		require.Empty(f.rec.calls())

		f.poll(1)
		require.Equal([]int{0}, f.rec.calls())
	})

	t.Run("quiet during a toolchange", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t)
		f.start()

		guard := f.c.EnterToolchange()
		f.toolhead(false)
		f.poll(3)
		guard.Release()
		f.poll(3)

		require.Empty(f.rec.calls())
	})

	t.Run("detection disabled", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t)
		f.start()
		f.w.SetDetectionActive(false)

		f.toolhead(false)
		f.poll(3)
		require.Empty(f.rec.calls())
	})

	t.Run("print stop resets", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t)
		f.start()
		f.w.SetDetectionActive(false)

		f.host.Printer.SetState(host.PrintComplete)
		f.poll(1)

		require.True(f.w.DetectionActive())
		require.Equal([]string{
			"SET_GCODE_VARIABLE MACRO=_ACE_STATE VARIABLE=active VALUE=0",
			"SET_GCODE_VARIABLE MACRO=_ACE_STATE VARIABLE=active VALUE=-1",
		}, f.host.Motion.ScriptsWithPrefix("SET_GCODE_VARIABLE"))

		f.toolhead(false)
		f.poll(3)
		require.Empty(f.rec.calls())
	})

	t.Run("recovered runout shows no prompt", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t)
		f.rec.err = nil
		f.start()

		f.toolhead(false)
		f.poll(1)

		require.Equal([]int{0}, f.rec.calls())
		require.Empty(f.host.Prompter.Shown())
	})

	t.Run("failed recovery explains the cause", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t)
		f.rec.err = fmt.Errorf("%w: T0", spool.ErrNoMatch)
		f.start()

		f.toolhead(false)
		f.poll(1)

		shown := f.host.Prompter.Shown()
		require.Len(shown, 1)
		require.Len(shown[0].Text, 2)
		require.Contains(shown[0].Text[1], "no matching spool")
	})

	t.Run("baseline reset after a toolchange", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t)
		f.start()
		f.host.Sensors.Set(host.SensorReturnPath, true)
		f.dev.OnRequest(func(req transport.Request) {
			switch req.Method {
			case "feed_filament":
				f.toolhead(true)
				f.host.Sensors.Set(host.SensorReturnPath, true)
			case "unwind_filament":
				f.toolhead(false)
				f.host.Sensors.Set(host.SensorReturnPath, false)
			}
		})

		require.NoError(f.c.Change(context.Background(), 0, 1))
		require.Equal(1, f.c.CurrentTool())

		f.toolhead(false)
		f.poll(1)
		require.Empty(f.rec.calls(), "first reading after the change is a new baseline")

		f.toolhead(true)
		f.poll(1)
		f.toolhead(false)
		f.poll(1)
		require.Equal([]int{1}, f.rec.calls())
	})

	t.Run("baseline reset after a failed toolchange", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t)
		f.start()
		f.host.Sensors.Set(host.SensorReturnPath, true)
		f.dev.OnRequest(func(req transport.Request) {
			if req.Method == "unwind_filament" {
				f.toolhead(false)
				f.host.Sensors.Set(host.SensorReturnPath, false)
			}
		})
		f.dev.Handle("feed_filament", func(transport.Request) acesim.Result {
			return acesim.Result{Code: -1, Msg: "slot empty"}
		})

		require.Error(f.c.Change(context.Background(), 0, 1))
		require.False(f.c.ToolchangeInProgress())
		require.Equal(0, f.c.CurrentTool())
		require.Equal(host.PrintPrinting, f.host.Printer.PrintState())

		f.poll(3)
		require.Empty(f.rec.calls(), "unloaded filament after a failed change is not a runout")
		require.Empty(f.host.Prompter.Titles())
	})
}

func TestWatcher_Tangle(t *testing.T) {
	setup := func(t *testing.T) *fixture {
		t.Helper()

		f := newFixture(t, func(cfg *runout.Config) {
			cfg.TangleDetection = true
			cfg.TangleDetectionLength = 15
		})
		require.NoError(t, f.unit.EnableFeedAssist(context.Background(), 0))
		f.host.Sensors.Set(host.SensorReturnPath, true)
		f.host.Sensors.SetEncoder(100)
		f.start()
		f.poll(1)

		return f
	}

	t.Run("stalled encoder", func(t *testing.T) {
		require := require.New(t)

		f := setup(t)
		f.host.Printer.Extrude(10)
		f.poll(1)
		require.Empty(f.host.Prompter.Shown())

		f.host.Printer.Extrude(10)
		f.poll(1)

		shown := f.host.Prompter.Shown()
		require.Len(shown, 1)
		require.Equal("Spool Tangle Detected", shown[0].Title)
		require.Equal([]string{"PAUSE"}, f.host.Motion.ScriptsWithPrefix("PAUSE"))
		require.Empty(f.rec.calls())
		require.False(f.w.Handling())
	})

	t.Run("moving encoder", func(t *testing.T) {
		f := setup(t)
		for i := 0; i < 5; i++ {
			f.host.Printer.Extrude(10)
			f.host.Sensors.SetEncoder(int64(101 + i))
			f.poll(1)
		}

		require.Empty(t, f.host.Prompter.Shown())
	})

	t.Run("feed assist off", func(t *testing.T) {
		f := setup(t)
		require.NoError(t, f.unit.DisableFeedAssist(context.Background(), 0))

		f.host.Printer.Extrude(50)
		f.poll(2)

		require.Empty(t, f.host.Prompter.Shown())
	})

	t.Run("disabled at runtime", func(t *testing.T) {
		f := setup(t)
		f.w.SetTangleDetection(false, 0)

		f.host.Printer.Extrude(50)
		f.poll(2)

		require.Empty(t, f.host.Prompter.Shown())
	})
}
