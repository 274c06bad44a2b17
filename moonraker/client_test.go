package moonraker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/moonraker"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func dial(t *testing.T, s *fakeServer, opts ...moonraker.Option) *moonraker.Client {
	t.Helper()

	c, err := moonraker.Dial(context.Background(), s.URL(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://127.0.0.1:7125", "ws://127.0.0.1:7125/websocket"},
		{"http://127.0.0.1:7125/", "ws://127.0.0.1:7125/websocket"},
		{"https://printer.local", "wss://printer.local/websocket"},
		{"ws://printer.local:7125/websocket", "ws://printer.local:7125/websocket"},
	}
	for _, tt := range tests {
		got, err := moonraker.WebsocketURL(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}

	_, err := moonraker.WebsocketURL("ftp://printer")
	require.Error(t, err)
}

func TestClient_Call(t *testing.T) {
	ctx := context.Background()

	t.Run("result", func(t *testing.T) {
		require := require.New(t)

		s := newFakeServer(t)
		s.handle("server.info", func(map[string]any) (any, *moonraker.RPCError, bool) {
			return map[string]any{"klippy_state": "ready"}, nil, false
		})
		c := dial(t, s, moonraker.WithAPIKey("secret"))

		var res struct {
			KlippyState string `json:"klippy_state"`
		}
		require.NoError(c.Call(ctx, "server.info", nil, &res))
		require.Equal("ready", res.KlippyState)
		require.Equal("secret", s.header())
	})

	t.Run("server error", func(t *testing.T) {
		require := require.New(t)

		s := newFakeServer(t)
		s.handle("server.database.get_item", func(map[string]any) (any, *moonraker.RPCError, bool) {
			return nil, &moonraker.RPCError{Code: 404, Message: "Namespace 'lane_data' not found"}, false
		})
		c := dial(t, s)

		err := c.Call(ctx, "server.database.get_item", map[string]any{"namespace": "lane_data"}, nil)
		var rpcErr *moonraker.RPCError
		require.True(errors.As(err, &rpcErr))
		require.Equal(404, rpcErr.Code)
		require.True(moonraker.IsNotFound(err))
	})

	t.Run("timeout", func(t *testing.T) {
		s := newFakeServer(t)
		s.handle("printer.info", func(map[string]any) (any, *moonraker.RPCError, bool) {
			return nil, nil, true
		})
		c := dial(t, s, moonraker.WithCallTimeout(50*time.Millisecond))

		require.ErrorIs(t, c.Call(ctx, "printer.info", nil, nil), moonraker.ErrTimeout)
	})

	t.Run("connection lost", func(t *testing.T) {
		require := require.New(t)

		s := newFakeServer(t)
		c := dial(t, s)
		require.NoError(c.Call(ctx, "server.info", nil, nil))

		s.disconnect()
		select {
		case <-c.Done():
		case <-time.After(waitFor):
			t.Fatal("client did not notice the disconnect")
		}

		require.Error(c.Err())
		require.ErrorIs(c.Call(ctx, "server.info", nil, nil), moonraker.ErrClosed)
	})
}

func TestClient_PrinterState(t *testing.T) {
	require := require.New(t)

	s := newFakeServer(t)
	s.handle("printer.objects.subscribe", func(map[string]any) (any, *moonraker.RPCError, bool) {
		return map[string]any{
			"eventtime": 1.0,
			"status": map[string]any{
				"print_stats":                   map[string]any{"state": "printing"},
				"toolhead":                      map[string]any{"position": []float64{10, 20, 0.2, 12.5}},
				"filament_switch_sensor nozzle": map[string]any{"filament_detected": true, "enabled": true},
				"filament_tracker rdm":          map[string]any{"filament_detected": false, "encoder_pulse": 42},
			},
		}, nil, false
	})

	c := dial(t, s,
		moonraker.WithSensor(host.SensorToolhead, "nozzle"),
		moonraker.WithSensor(host.SensorReturnPath, "rdm"),
	)

	require.Equal(host.PrintStandby, c.PrintState())
	require.False(c.HasSensor(host.SensorToolhead), "nothing reported yet")

	require.NoError(c.Subscribe(context.Background()))

	sub, ok := s.lastCall("printer.objects.subscribe")
	require.True(ok)
	var params struct {
		Objects map[string][]string `json:"objects"`
	}
	decode(t, sub.params, &params)
	require.Equal([]string{"state"}, params.Objects["print_stats"])
	require.Contains(params.Objects, "filament_switch_sensor nozzle")
	require.Contains(params.Objects, "filament_switch_sensor rdm")
	require.Equal([]string{"filament_detected", "encoder_pulse"}, params.Objects["filament_tracker rdm"])

	require.Equal(host.PrintPrinting, c.PrintState())
	require.InDelta(12.5, c.ExtruderPosition(), 1e-9)
	require.True(c.HasSensor(host.SensorToolhead))
	require.True(c.HasSensor(host.SensorReturnPath))
	require.True(c.FilamentPresent(host.SensorToolhead))
	require.False(c.FilamentPresent(host.SensorReturnPath))

	pulses, ok := c.EncoderPulses()
	require.True(ok)
	require.EqualValues(42, pulses)

	s.notify("notify_status_update", map[string]any{
		"print_stats":          map[string]any{"state": "paused"},
		"filament_tracker rdm": map[string]any{"encoder_pulse": 50},
	}, 2.0)

	require.Eventually(func() bool { return c.PrintState() == host.PrintPaused }, waitFor, tick)
	pulses, _ = c.EncoderPulses()
	require.EqualValues(50, pulses)
	require.InDelta(12.5, c.ExtruderPosition(), 1e-9, "fields not in the update are kept")
}

func TestClient_UnmappedSensor(t *testing.T) {
	require := require.New(t)

	s := newFakeServer(t)
	c := dial(t, s, moonraker.WithSensor(host.SensorToolhead, "nozzle"))

	require.False(c.HasSensor(host.SensorReturnPath))
	require.False(c.FilamentPresent(host.SensorReturnPath))
	_, ok := c.EncoderPulses()
	require.False(ok)
}

func TestClient_Scripts(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	s := newFakeServer(t)
	c := dial(t, s)

	require.NoError(c.RunScript(ctx, "PAUSE"))
	require.NoError(c.MoveExtruder(ctx, 25, 5, true))
	require.NoError(c.ShowPrompt(ctx, host.Prompt{Title: "Spool Tangle Detected", Text: []string{"check spool"}}))
	require.NoError(c.ClosePrompt(ctx))

	require.Equal([]string{
		"PAUSE",
		moonraker.ExtrudeScript(25, 5, true),
		moonraker.PromptScript(host.Prompt{Title: "Spool Tangle Detected", Text: []string{"check spool"}}),
		`RESPOND TYPE=command MSG="action:prompt_end"`,
	}, s.scripts())

	s.handle("printer.gcode.script", func(map[string]any) (any, *moonraker.RPCError, bool) {
		return nil, &moonraker.RPCError{Code: 400, Message: "Unknown command"}, false
	})
	require.Error(c.RunScript(ctx, "BOGUS"))
}

func TestClient_RemoteMethod(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	s := newFakeServer(t)
	c := dial(t, s)

	require.NoError(c.Identify(ctx, "acepro", "v1.0.0"))
	ident, ok := s.lastCall("server.connection.identify")
	require.True(ok)
	require.Equal("agent", ident.params["type"])
	require.Equal("acepro", ident.params["client_name"])

	got := make(chan json.RawMessage, 1)
	require.NoError(c.RegisterRemoteMethod(ctx, "ace_change_tool", func(params json.RawMessage) {
		got <- params
	}))
	reg, ok := s.lastCall("connection.register_remote_method")
	require.True(ok)
	require.Equal("ace_change_tool", reg.params["method_name"])

	s.write(map[string]any{"jsonrpc": "2.0", "method": "ace_unknown", "params": map[string]any{}})
	s.write(map[string]any{"jsonrpc": "2.0", "method": "ace_change_tool", "params": map[string]any{"tool": 2}})

	select {
	case params := <-got:
		require.JSONEq(`{"tool":2}`, string(params))
	case <-time.After(waitFor):
		t.Fatal("remote method not called")
	}
}

func TestClient_RemoteMethodConcurrent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	s := newFakeServer(t)
	c := dial(t, s)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	require.NoError(c.RegisterRemoteMethod(ctx, "ace_change_tool", func(json.RawMessage) {
		started <- struct{}{}
		<-release
	}))

	s.write(map[string]any{"jsonrpc": "2.0", "method": "ace_change_tool", "params": map[string]any{"tool": 1}})
	s.write(map[string]any{"jsonrpc": "2.0", "method": "ace_change_tool", "params": map[string]any{"tool": 2}})

	for range 2 {
		select {
		case <-started:
		case <-time.After(waitFor):
			t.Fatal("blocked handler held back the next call")
		}
	}

	// replies are still read while both handlers block
	require.NoError(c.Identify(ctx, "acepro", "v1.0.0"))
	close(release)
}

func TestClient_RemoteMethodRejected(t *testing.T) {
	require := require.New(t)

	s := newFakeServer(t)
	s.handle("connection.register_remote_method", func(map[string]any) (any, *moonraker.RPCError, bool) {
		return nil, &moonraker.RPCError{Code: 400, Message: "Remote method already registered"}, false
	})
	c := dial(t, s)

	err := c.RegisterRemoteMethod(context.Background(), "ace_status", func(json.RawMessage) {})
	var rpcErr *moonraker.RPCError
	require.ErrorAs(err, &rpcErr)
	require.Equal(400, rpcErr.Code)
}

func TestExtrudeScript(t *testing.T) {
	require.Equal(t,
		"SAVE_GCODE_STATE NAME=ace_extrude\nM83\nG1 E-12.500 F300\nM400\nRESTORE_GCODE_STATE NAME=ace_extrude",
		moonraker.ExtrudeScript(-12.5, 5, true))
	require.Equal(t,
		"SAVE_GCODE_STATE NAME=ace_extrude\nM83\nG1 E1.000 F300\nRESTORE_GCODE_STATE NAME=ace_extrude",
		moonraker.ExtrudeScript(1, 5, false))
}

func TestPromptScript(t *testing.T) {
	p := host.Prompt{
		Title: "Filament Runout",
		Text:  []string{`Refill "ACE 0"`},
		Buttons: []host.PromptButton{
			{Label: "Retry T0", Command: "T0", Style: host.StylePrimary},
			{Label: "Extrude 100mm", Command: "_EXTRUDE LENGTH=100 SPEED=300"},
		},
		FooterButtons: []host.PromptButton{
			{Label: "Cancel Print", Command: "CANCEL_PRINT", Style: host.StyleError},
		},
	}

	require.Equal(t, `RESPOND TYPE=command MSG="action:prompt_begin Filament Runout"
RESPOND TYPE=command MSG="action:prompt_text Refill 'ACE 0'"
RESPOND TYPE=command MSG="action:prompt_button Retry T0|T0|primary"
RESPOND TYPE=command MSG="action:prompt_button Extrude 100mm|_EXTRUDE LENGTH=100 SPEED=300"
RESPOND TYPE=command MSG="action:prompt_footer_button Cancel Print|CANCEL_PRINT|error"
RESPOND TYPE=command MSG="action:prompt_show"`, moonraker.PromptScript(p))
}
