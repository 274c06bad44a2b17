// Package moonraker binds the coordinator to a Klipper printer through the Moonraker
// JSON-RPC websocket API. A Client implements the host interfaces for sensors, print
// state, G-code and prompts, and LaneSync publishes the inventory to the Moonraker
// database.
package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Kobra-S1/ACEPRO/logger"
)

var (
	ErrClosed  = errors.New("moonraker: connection closed")
	ErrTimeout = errors.New("moonraker: request timeout")
)

// RPCError is an error returned by the server for a request.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("moonraker: rpc error %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a server error with code 404.
func IsNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == http.StatusNotFound
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// rpcMessage is any message received from the server: a response carries an ID, a
// notification carries a Method.
type rpcMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Caller issues JSON-RPC requests.
type Caller interface {
	Call(ctx context.Context, method string, params any, result any) error
}

// Option configures a Client.
type Option func(c *Client)

// WithAPIKey sets the X-Api-Key header of the websocket handshake.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithCallTimeout bounds status and database requests. G-code scripts are bounded by
// the caller's context only. The default value is 2 seconds.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = l.With("component", "moonraker") }
}

// Client is a Moonraker websocket connection.
type Client struct {
	url     string
	apiKey  string
	timeout time.Duration
	logger  logger.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64
	pending *xsync.MapOf[int64, chan rpcMessage]
	done    chan struct{}
	closeMu sync.Mutex
	err     error

	state   *objectState
	sensors sensorNames
	remote  *xsync.MapOf[string, RemoteFunc]
}

// RemoteFunc handles a remote method called from a Klipper macro with
// action_call_remote_method. params is the JSON object of keyword arguments.
type RemoteFunc func(params json.RawMessage)

// WebsocketURL converts a Moonraker base URL into its websocket endpoint.
func WebsocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("moonraker: invalid url %q: %w", base, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("moonraker: unsupported url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/websocket"
	}

	return u.String(), nil
}

// Dial connects to the Moonraker instance at base, an http or ws URL.
func Dial(ctx context.Context, base string, opts ...Option) (*Client, error) {
	wsURL, err := WebsocketURL(base)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:     wsURL,
		timeout: 2 * time.Second,
		logger:  logger.GetLogger().With("component", "moonraker"),
		pending: xsync.NewMapOf[int64, chan rpcMessage](),
		done:    make(chan struct{}),
		state:   newObjectState(),
		remote:  xsync.NewMapOf[string, RemoteFunc](),
	}
	for _, opt := range opts {
		opt(c)
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("moonraker: dial %s: %w", c.url, err)
	}
	c.conn = conn

	go c.readLoop()

	c.logger.Info("connected to moonraker", "url", c.url)

	return c, nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection.
func (c *Client) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	return c.err
}

// Close closes the connection. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.shutdown(ErrClosed)

	return c.conn.Close()
}

// Call sends a request and decodes its result into result, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	return c.call(ctx, method, params, result)
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan rpcMessage, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	c.writeMu.Lock()
	err := c.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return fmt.Errorf("moonraker: %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, msg.Error)
		}
		if result == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return fmt.Errorf("moonraker: %s: decode result: %w", method, err)
		}

		return nil

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, method)
		}
		return ctx.Err()

	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("moonraker connection lost", "error", err)
			}
			c.shutdown(err)

			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring malformed message", "error", err)
			continue
		}

		if msg.ID != nil && msg.Method == "" {
			if ch, ok := c.pending.LoadAndDelete(*msg.ID); ok {
				ch <- msg
			}
			continue
		}

		c.handleNotification(msg)
	}
}

func (c *Client) handleNotification(msg rpcMessage) {
	switch msg.Method {
	case "notify_status_update":
		var params []json.RawMessage
		if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
			return
		}
		var status map[string]map[string]any
		if err := json.Unmarshal(params[0], &status); err != nil {
			return
		}
		c.state.merge(status)

	case "notify_klippy_ready":
		c.logger.Info("klippy ready, resubscribing")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Subscribe(ctx); err != nil {
				c.logger.Warn("resubscribe failed", "error", err)
			}
		}()

	case "notify_klippy_shutdown", "notify_klippy_disconnected":
		c.logger.Warn("klippy unavailable", "event", msg.Method)

	default:
		if fn, ok := c.remote.Load(msg.Method); ok {
			go fn(msg.Params)
		}
	}
}

// Identify registers the connection as an agent named name.
func (c *Client) Identify(ctx context.Context, name, version string) error {
	return c.Call(ctx, "server.connection.identify", map[string]any{
		"client_name": name,
		"version":     version,
		"type":        "agent",
		"url":         "https://github.com/Kobra-S1/ACEPRO",
	}, nil)
}

// RegisterRemoteMethod makes name callable from Klipper macros.
//
// Each call runs fn in its own goroutine and Moonraker does not wait for it, so the
// calling macro returns at once. A print waits for fn only when the macro itself
// blocks afterwards, e.g. on a G-code that polls state fn changes. Calls may
// overlap; fn must be safe for concurrent use.
func (c *Client) RegisterRemoteMethod(ctx context.Context, name string, fn RemoteFunc) error {
	c.remote.Store(name, fn)

	if err := c.Call(ctx, "connection.register_remote_method", map[string]any{"method_name": name}, nil); err != nil {
		c.remote.Delete(name)
		return err
	}

	return nil
}

func (c *Client) shutdown(err error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}

	c.err = err
	close(c.done)
}
