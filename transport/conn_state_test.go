package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnStateTransitions(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("Initial State", func(t *testing.T) {
		cs := NewConnStateMgr(ctx, nil)
		require.Equal(NotConnectedState, cs.State())
		require.Equal("not-connected", cs.State().String())
	})

	t.Run("Valid Path", func(t *testing.T) {
		changes := 0
		cs := NewConnStateMgr(ctx, nil, func(_, _ ConnState) { changes++ })

		require.NoError(cs.ToConnecting())
		require.True(cs.State().IsConnecting())
		require.NoError(cs.ToConnecting()) // no-op
		require.Equal(1, changes)

		require.NoError(cs.ToConnected())
		require.True(cs.IsConnected())
		require.Equal(2, changes)

		cs.ToNotConnected()
		require.True(cs.State().IsNotConnected())
		cs.ToNotConnected() // no-op
		require.Equal(3, changes)
	})

	t.Run("Invalid Transitions", func(t *testing.T) {
		cs := NewConnStateMgr(ctx, nil)
		require.ErrorIs(cs.ToConnected(), ErrInvalidTransition)

		require.NoError(cs.ToConnecting())
		require.NoError(cs.ToConnected())
		require.ErrorIs(cs.ToConnecting(), ErrInvalidTransition)
	})

	t.Run("Async and WaitState", func(t *testing.T) {
		cs := NewConnStateMgr(ctx, nil, func(_, cur ConnState) {})
		cs.AddHandler(func(prev, cur ConnState) {
			if cur.IsConnecting() {
				cs.ToConnectedAsync()
			}
		})

		cs.ToConnectingAsync()

		waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
		defer waitCancel()
		require.NoError(cs.WaitState(waitCtx, ConnectedState))
	})

	t.Run("WaitState timeout", func(t *testing.T) {
		cs := NewConnStateMgr(ctx, nil)

		waitCtx, waitCancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer waitCancel()
		require.ErrorIs(cs.WaitState(waitCtx, ConnectedState), context.DeadlineExceeded)
	})

	t.Run("Async connected from not connected is rejected", func(t *testing.T) {
		cs := NewConnStateMgr(ctx, nil)
		cs.ToConnectedAsync()

		time.Sleep(20 * time.Millisecond)
		require.Equal(NotConnectedState, cs.State())
	})
}
