package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/store"
	"github.com/Kobra-S1/ACEPRO/transport"
)

type fakeConn struct {
	mu       sync.Mutex
	status   transport.ConnectionStatus
	unstable bool
	enables  int
	disables int
}

func (c *fakeConn) ConnStatus() transport.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

func (c *fakeConn) IsUnstable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.unstable
}

func (c *fakeConn) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enables++
}

func (c *fakeConn) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disables++
}

func (c *fakeConn) set(stable, unstable bool, reconnects int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.Stable = stable
	c.status.RecentReconnects = reconnects
	c.unstable = unstable
}

func (c *fakeConn) toggles() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.enables, c.disables
}

func newFakeConn(unitID int) *fakeConn {
	return &fakeConn{status: transport.ConnectionStatus{
		UnitID:        unitID,
		State:         transport.ConnectedState,
		Enabled:       true,
		Stable:        true,
		TimeConnected: time.Minute,
	}}
}

func TestCoordinator_CheckConnections(t *testing.T) {
	ctx := context.Background()

	t.Run("unstable during print pauses and prompts", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 2)
		conn0, conn1 := newFakeConn(0), newFakeConn(1)
		f.c.AddConnection(conn0)
		f.c.AddConnection(conn1)
		f.host.Printer.SetState(host.PrintPrinting)

		f.c.CheckConnections(ctx)
		require.Empty(f.host.Prompter.Shown())

		conn1.set(false, true, 6)
		f.c.CheckConnections(ctx)

		require.Equal([]string{"PAUSE"}, f.host.Motion.ScriptsWithPrefix("PAUSE"))
		require.Equal(host.PrintPaused, f.host.Printer.PrintState())
		shown := f.host.Prompter.Shown()
		require.Len(shown, 1)
		require.Equal("ACE Connection Issue", shown[0].Title)
		require.Contains(shown[0].Text[0], "Print paused")
		require.Contains(shown[0].Text[0], "ACE 1: unstable (6 reconnects)")
		require.Equal("Dismiss", shown[0].FooterButtons[0].Label)

		// the prompt is shown once while the issue persists
		f.c.CheckConnections(ctx)
		require.Len(f.host.Prompter.Shown(), 1)
		require.Len(f.host.Motion.ScriptsWithPrefix("PAUSE"), 1)

		conn1.set(true, false, 0)
		f.c.CheckConnections(ctx)
		require.False(f.host.Prompter.Open())
		require.Equal(1, f.host.Prompter.Closed())
	})

	t.Run("idle issue is informational", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		conn := newFakeConn(0)
		conn.status.State = transport.NotConnectedState
		conn.set(false, true, 0)
		f.c.AddConnection(conn)

		f.c.CheckConnections(ctx)

		require.Empty(f.host.Motion.ScriptsWithPrefix("PAUSE"))
		shown := f.host.Prompter.Shown()
		require.Len(shown, 1)
		require.Contains(shown[0].Text[0], "ACE 0: disconnected")
		require.NotContains(shown[0].Text[0], "Print paused")
	})

	t.Run("stabilizing connection without issue", func(t *testing.T) {
		f := newFixture(t, 1)
		conn := newFakeConn(0)
		conn.set(false, false, 1)
		f.c.AddConnection(conn)

		f.c.CheckConnections(ctx)

		require.Empty(t, f.host.Prompter.Shown())
	})

	t.Run("globally disabled", func(t *testing.T) {
		f := newFixture(t, 1)
		conn := newFakeConn(0)
		conn.set(false, true, 8)
		f.c.AddConnection(conn)
		f.c.SetGlobalEnabled(false)

		f.c.CheckConnections(ctx)

		require.Empty(t, f.host.Prompter.Shown())
	})
}

func TestCoordinator_SetGlobalEnabled(t *testing.T) {
	require := require.New(t)

	f := newFixture(t, 1)
	conn := newFakeConn(0)
	f.c.AddConnection(conn)

	f.c.SetGlobalEnabled(true)
	enables, disables := conn.toggles()
	require.Zero(enables)
	require.Zero(disables)

	f.c.SetGlobalEnabled(false)
	require.False(f.c.GlobalEnabled())
	require.False(store.GetBool(f.host.Store, coordinator.KeyGlobalEnabled, true))
	_, disables = conn.toggles()
	require.Equal(1, disables)

	f.c.SetGlobalEnabled(true)
	enables, _ = conn.toggles()
	require.Equal(1, enables)
	require.True(store.GetBool(f.host.Store, coordinator.KeyGlobalEnabled, false))
}

func TestCoordinator_MonitorConnections(t *testing.T) {
	t.Run("supervision disabled", func(t *testing.T) {
		f := newFixture(t, 1, func(cfg *coordinator.Config) { cfg.ConnectionSupervision = false })

		require.NoError(t, f.c.MonitorConnections(context.Background()))
	})

	t.Run("checks until cancelled", func(t *testing.T) {
		require := require.New(t)

		f := newFixture(t, 1)
		conn := newFakeConn(0)
		conn.set(false, true, 7)
		f.c.AddConnection(conn)

		ctx, cancel := context.WithCancel(context.Background())
		f.host.Clock.OnSleep(func(time.Time) {
			if len(f.host.Prompter.Shown()) > 0 {
				cancel()
			}
		})

		err := f.c.MonitorConnections(ctx)
		require.ErrorIs(err, context.Canceled)
		require.Len(f.host.Prompter.Shown(), 1)
	})
}
