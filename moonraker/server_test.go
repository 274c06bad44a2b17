package moonraker_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Kobra-S1/ACEPRO/moonraker"
)

// handlerFunc answers a request. A nil result is sent as "ok"; drop suppresses the reply.
type handlerFunc func(params map[string]any) (result any, rpcErr *moonraker.RPCError, drop bool)

type call struct {
	method string
	params map[string]any
}

// fakeServer is a minimal Moonraker websocket endpoint.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]handlerFunc
	calls    []call
	apiKey   string
	conn     *websocket.Conn
	wmu      sync.Mutex
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	s := &fakeServer{handlers: make(map[string]handlerFunc)}
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.serveWS)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)

	return s
}

func (s *fakeServer) URL() string { return s.srv.URL }

func (s *fakeServer) handle(method string, h handlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[method] = h
}

func (s *fakeServer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.apiKey = r.Header.Get("X-Api-Key")
	s.mu.Unlock()

	for {
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		s.mu.Lock()
		s.calls = append(s.calls, call{req.Method, req.Params})
		h := s.handlers[req.Method]
		s.mu.Unlock()

		var (
			result any = "ok"
			rpcErr *moonraker.RPCError
			drop   bool
		)
		if h != nil {
			var res any
			res, rpcErr, drop = h(req.Params)
			if res != nil {
				result = res
			}
		}
		if drop {
			continue
		}

		msg := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			msg["error"] = rpcErr
		} else {
			msg["result"] = result
		}
		s.write(msg)
	}
}

func (s *fakeServer) write(msg any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = conn.WriteJSON(msg)
}

// notify sends a notification to the connected client.
func (s *fakeServer) notify(method string, params ...any) {
	s.write(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

// disconnect drops the client connection.
func (s *fakeServer) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.Close()
}

func (s *fakeServer) scripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, c := range s.calls {
		if c.method == "printer.gcode.script" {
			out = append(out, c.params["script"].(string))
		}
	}

	return out
}

func (s *fakeServer) lastCall(method string) (call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].method == method {
			return s.calls[i], true
		}
	}

	return call{}, false
}

func (s *fakeServer) header() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.apiKey
}

func decode(t *testing.T, v any, out any) {
	t.Helper()

	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, out))
}
