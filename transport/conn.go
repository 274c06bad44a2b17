package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Kobra-S1/ACEPRO/internal/pool"
	"github.com/Kobra-S1/ACEPRO/internal/queue"
	"github.com/Kobra-S1/ACEPRO/logger"
)

// Priority selects the queue class of a request.
type Priority = queue.Priority

// Request priorities.
const (
	PriorityNormal = queue.Normal
	PriorityHigh   = queue.High
)

const (
	writerTick   = 50 * time.Millisecond
	readBufSize  = 4096
	dialTimeout  = 5 * time.Second
	enableDelay  = 500 * time.Millisecond
	statusMethod = "get_status"
	infoMethod   = "get_info"
)

// Reply is the outcome of a request. Exactly one of Response and Err is set.
type Reply struct {
	Request  Request
	Response *Response
	Err      error
}

// ConnectHandler is invoked after every successful connect.
type ConnectHandler func()

// HeartbeatHandler is invoked with every successful heartbeat response.
type HeartbeatHandler func(resp *Response)

type pendingRequest struct {
	req      Request
	priority Priority
	issued   time.Time
	replyCh  chan Reply
}

// deliver completes the request. Only the goroutine that removed the request from
// the queue or the in-flight table may call it.
func (p *pendingRequest) deliver(resp *Response, err error) {
	select {
	case p.replyCh <- Reply{Request: p.req, Response: resp, Err: err}:
	default:
	}
}

// ConnectionStatus is a snapshot of the link supervision state.
type ConnectionStatus struct {
	UnitID           int
	State            ConnState
	Enabled          bool
	Stable           bool
	RecentReconnects int
	TimeConnected    time.Duration
	LastConnected    time.Time
	Port             string
	Location         string
	Depth            int
	InFlight         int
	Queued           int
}

// Connection represents the serial link to one ACE unit.
//
// It resolves and opens the port, runs the writer, reader, heartbeat and health tasks
// while connected, and reconnects with a cyclic backoff after failures.
type Connection struct {
	pctx      context.Context
	ctx       context.Context
	ctxCancel context.CancelFunc
	ctxMu     sync.RWMutex
	cfg       *ConnectionConfig
	logger    logger.Logger

	port      Port
	portMutex sync.Mutex
	portInfo  atomic.Pointer[PortInfo]

	stateMgr *ConnStateMgr
	taskMgr  *TaskManager
	shutdown atomic.Bool

	queue    *queue.PriorityQueue[*pendingRequest]
	wakeCh   chan struct{}
	inflight *xsync.MapOf[int, *pendingRequest]
	nextID   atomic.Int64

	decoder  *Decoder
	backoff  *Backoff
	health   *HealthMonitor
	topology *TopologyBinder
	status   *statusTracker

	retryDelay     atomic.Int64
	reconnectMu    sync.Mutex
	reconnectTimer *time.Timer

	hmu               sync.RWMutex
	connectHandlers   []ConnectHandler
	heartbeatHandlers []HeartbeatHandler

	metrics ConnectionMetrics // connection metrics
}

// NewConnection creates a new Connection with the given context and configuration.
// The connection stays closed until Open is called.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	l := cfg.logger.With("unit", cfg.unitID)
	conn := &Connection{
		pctx:     ctx,
		cfg:      cfg,
		logger:   l,
		taskMgr:  NewTaskManager(ctx, l),
		queue:    queue.NewPriorityQueue[*pendingRequest](cfg.queueSize),
		wakeCh:   make(chan struct{}, 1),
		inflight: xsync.NewMapOf[int, *pendingRequest](),
		backoff:  NewBackoff(cfg.backoffMin, cfg.backoffMax, cfg.backoffFactor, cfg.instabilityWindow),
		health:   NewHealthMonitor(cfg.healthWindow, cfg.healthThreshold),
		topology: NewTopologyBinder(cfg.relearnThreshold),
		status:   newStatusTracker(l),
	}
	conn.decoder = NewDecoder(conn.onFrameError)
	conn.createContext()
	conn.stateMgr = NewConnStateMgr(ctx, l, conn.connStateHandler)

	return conn, nil
}

// UpdateConfigOptions applies options that may change at runtime.
func (c *Connection) UpdateConfigOptions(opts ...ConnOption) error {
	for _, opt := range opts {
		connOpt, ok := opt.(*connOptFunc)
		if !ok {
			return errors.New("transport: invalid ConnOption type")
		}
		if !connOpt.runtime {
			return fmt.Errorf("%w: %s can't be changed at runtime", ErrInvalidOption, connOpt.name)
		}
		if err := opt.apply(c.cfg); err != nil {
			return err
		}
	}

	return nil
}

// UnitID returns the logical unit number.
func (c *Connection) UnitID() int { return c.cfg.unitID }

// GetLogger returns the logger associated with the connection.
func (c *Connection) GetLogger() logger.Logger { return c.logger }

// GetMetrics returns the metrics associated with the connection.
func (c *Connection) GetMetrics() *ConnectionMetrics { return &c.metrics }

// State returns the current connection state.
func (c *Connection) State() ConnState { return c.stateMgr.State() }

// IsConnected reports whether the port is open and the link tasks are running.
func (c *Connection) IsConnected() bool { return c.stateMgr.IsConnected() }

// IsEnabled reports whether the unit is administratively enabled.
func (c *Connection) IsEnabled() bool { return c.cfg.Enabled() }

// AddConnectHandler registers a handler invoked after every successful connect.
func (c *Connection) AddConnectHandler(h ConnectHandler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.connectHandlers = append(c.connectHandlers, h)
}

// AddHeartbeatHandler registers a handler invoked with every heartbeat response.
func (c *Connection) AddHeartbeatHandler(h HeartbeatHandler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.heartbeatHandlers = append(c.heartbeatHandlers, h)
}

// Open starts connecting to the unit.
// If waitOpened is true, it blocks until the connection is established or the parent
// context is done. Connect failures are retried in the background.
func (c *Connection) Open(waitOpened bool) error {
	if !c.cfg.Enabled() {
		c.logger.Info("unit disabled, not starting connection attempts")
		return ErrDisabled
	}

	c.shutdown.Store(false)
	c.stateMgr.ToConnectingAsync()

	if waitOpened {
		return c.WaitConnected(c.pctx)
	}

	return nil
}

// WaitConnected blocks until the connection is established or ctx is done.
func (c *Connection) WaitConnected(ctx context.Context) error {
	return c.stateMgr.WaitState(ctx, ConnectedState)
}

// Close closes the connection and stops reconnecting.
func (c *Connection) Close() error {
	c.shutdown.Store(true)
	c.cancelReconnect()
	c.stateMgr.ToNotConnected()

	return nil
}

// Enable re-enables a disabled unit and reconnects.
func (c *Connection) Enable() {
	if c.cfg.Enabled() {
		return
	}

	c.cfg.setEnabled(true)
	c.shutdown.Store(false)
	c.logger.Info("unit enabled, reconnecting", "baud", c.cfg.BaudRate())
	c.scheduleReconnect(enableDelay)
}

// Disable disables the unit and disconnects immediately.
func (c *Connection) Disable() {
	c.cfg.setEnabled(false)
	c.cancelReconnect()
	c.logger.Info("unit disabled, disconnecting")
	c.stateMgr.ToNotConnected()
}

// Reconnect drops the link, if any, and reconnects after delay. A delay <= 0 uses
// the backoff minimum.
func (c *Connection) Reconnect(delay time.Duration) error {
	if !c.cfg.Enabled() {
		c.logger.Info("unit disabled, not reconnecting")
		return ErrDisabled
	}
	if delay <= 0 {
		delay = c.backoff.Min()
	}

	c.shutdown.Store(false)
	c.retryDelay.Store(int64(delay))
	if c.stateMgr.State().IsNotConnected() {
		c.scheduleReconnect(c.nextRetryDelay())
		return nil
	}
	c.stateMgr.ToNotConnectedAsync()

	return nil
}

// Send queues req with priority p and returns a channel that receives exactly one Reply.
//
// The request is written as soon as the in-flight window has room. High priority
// requests are written before any queued normal priority request.
func (c *Connection) Send(req Request, p Priority) <-chan Reply {
	pr := &pendingRequest{req: req, priority: p, replyCh: make(chan Reply, 1)}

	switch {
	case !c.cfg.Enabled():
		pr.deliver(nil, ErrDisabled)
	case !c.stateMgr.IsConnected():
		pr.deliver(nil, ErrNotConnected)
	case !c.queue.Push(pr, p):
		c.logger.Warn("request queue full", "method", req.Method, "priority", p)
		pr.deliver(nil, ErrQueueFull)
	default:
		c.wake()
	}

	return pr.replyCh
}

// Request sends req and waits for its reply or for ctx to be done.
func (c *Connection) Request(ctx context.Context, req Request, p Priority) (*Response, error) {
	select {
	case reply := <-c.Send(req, p):
		return reply.Response, reply.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsStable reports whether the link has been up for the grace period without too
// many recent reconnects.
func (c *Connection) IsStable() bool {
	if !c.stateMgr.IsConnected() {
		return false
	}

	now := time.Now()
	if now.Sub(c.backoff.ConnectedAt()) < c.cfg.stableGracePeriod {
		return false
	}

	return c.backoff.RecentAttempts(now) < c.cfg.instabilityCount
}

// IsUnstable reports whether the reconnect attempts within the instability window
// reached the threshold.
func (c *Connection) IsUnstable() bool {
	return c.backoff.RecentAttempts(time.Now()) >= c.cfg.instabilityCount
}

// RecentReconnects returns the number of reconnect attempts within the instability window.
func (c *Connection) RecentReconnects() int {
	return c.backoff.RecentAttempts(time.Now())
}

// TopologyDepth returns the USB depth of the open port. ok is false when not
// connected or when the port has no USB location.
func (c *Connection) TopologyDepth() (depth int, ok bool) {
	if !c.stateMgr.IsConnected() {
		return 0, false
	}
	info := c.portInfo.Load()
	if info == nil {
		return 0, false
	}

	return info.Depth()
}

// ConnStatus returns a snapshot of the supervision state.
func (c *Connection) ConnStatus() ConnectionStatus {
	now := time.Now()
	st := ConnectionStatus{
		UnitID:           c.cfg.unitID,
		State:            c.stateMgr.State(),
		Enabled:          c.cfg.Enabled(),
		Stable:           c.IsStable(),
		RecentReconnects: c.backoff.RecentAttempts(now),
		LastConnected:    c.backoff.ConnectedAt(),
		Depth:            -1,
		InFlight:         c.inflight.Size(),
		Queued:           c.queue.Len(),
	}
	if st.State.IsConnected() {
		st.TimeConnected = now.Sub(st.LastConnected)
	}
	if info := c.portInfo.Load(); info != nil {
		st.Port = info.Name
		st.Location = info.Location
		if d, ok := info.Depth(); ok {
			st.Depth = d
		}
	}

	return st
}

// InFlight returns the number of requests awaiting a response.
func (c *Connection) InFlight() int {
	return c.inflight.Size()
}

func (c *Connection) connStateHandler(prevState ConnState, curState ConnState) {
	c.logger.Debug("connection state changes", "prevState", prevState, "curState", curState)

	switch curState {
	case ConnectingState:
		c.doConnect()

	case ConnectedState:
		c.onConnected()

	case NotConnectedState:
		c.closeConn(c.cfg.closeConnTimeout)
		if prevState.IsConnected() {
			c.logger.Info("disconnected, all tasks stopped")
		}

		if !c.shutdown.Load() && c.cfg.Enabled() {
			c.scheduleReconnect(c.nextRetryDelay())
		}
	}
}

// doConnect resolves the port of this unit and opens it.
func (c *Connection) doConnect() {
	if c.shutdown.Load() || !c.cfg.Enabled() {
		c.stateMgr.ToNotConnectedAsync()
		return
	}

	// requests queued while disconnected are stale
	for _, p := range c.queue.Drain() {
		p.deliver(nil, ErrConnClosed)
	}

	info, err := c.resolvePort()
	if err != nil {
		c.connectFailed(err)
		return
	}

	ctx, cancel := context.WithTimeout(c.pctx, dialTimeout)
	port, err := c.cfg.dialer.Dial(ctx, info.Name, c.cfg.BaudRate())
	cancel()
	if err != nil {
		c.connectFailed(err)
		return
	}

	c.portMutex.Lock()
	c.port = port
	c.portMutex.Unlock()
	c.portInfo.Store(&info)

	c.logger.Info("serial port opened", "port", info.Name, "location", info.Location, "baud", c.cfg.BaudRate())
	c.stateMgr.ToConnectedAsync()
}

func (c *Connection) resolvePort() (PortInfo, error) {
	ports, err := c.cfg.portFinder.Ports()
	if err != nil {
		return PortInfo{}, err
	}

	matches := MatchPorts(ports, c.cfg.deviceName)
	for idx, p := range matches {
		c.logger.Debug("USB device found", "index", idx, "port", p.Name,
			"location", p.Location, "sort_key", FormatKey(p.SortKey()), "selected", idx == c.cfg.unitID)
	}

	info, err := SelectPort(matches, c.cfg.unitID, c.topology.Expected())
	if err != nil {
		return PortInfo{}, err
	}

	cleared, err := c.topology.Validate(info)
	if err != nil {
		c.logger.Error("topology mismatch", "error", err)
		if cleared {
			c.logger.Warn("topology expectations cleared, relearning on next connect")
		}

		return PortInfo{}, err
	}

	return info, nil
}

func (c *Connection) connectFailed(err error) {
	delay := c.backoff.Failure(time.Now())
	c.metrics.incConnRetryGauge()
	c.logger.Warn("connect failed", "error", err, "retry_in", delay)

	c.retryDelay.Store(int64(delay))
	c.stateMgr.ToNotConnectedAsync()
}

// nextRetryDelay returns the delay stored by a failed connect or manual request,
// or the minimum delay for a dropped link.
func (c *Connection) nextRetryDelay() time.Duration {
	if d := time.Duration(c.retryDelay.Swap(0)); d > 0 {
		return d
	}

	c.backoff.RecordAttempt(time.Now())

	return c.backoff.Min()
}

func (c *Connection) scheduleReconnect(delay time.Duration) {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}

	c.logger.Debug("schedule reconnect", "delay", delay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if c.shutdown.Load() || !c.cfg.Enabled() || c.pctx.Err() != nil {
			return
		}
		c.stateMgr.ToConnectingAsync()
	})
}

func (c *Connection) cancelReconnect() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Connection) onConnected() {
	c.backoff.Success(time.Now())
	c.metrics.resetConnRetryGauge()
	c.health.Reset()
	c.decoder.Reset()
	c.status.reset()
	c.nextID.Store(0)
	c.createContext()

	if err := c.taskMgr.Start("writerTask", c.writerTask); err != nil {
		c.logger.Error("failed to start writer task", "error", err)
		c.stateMgr.ToNotConnectedAsync()
		return
	}

	if err := c.taskMgr.StartReader("readerTask", readBufSize, c.readerTask, c.cancelReaderTask); err != nil {
		c.logger.Error("failed to start reader task", "error", err)
		c.stateMgr.ToNotConnectedAsync()
		return
	}

	if _, err := c.taskMgr.StartInterval("heartbeatTask", c.heartbeatTask, c.cfg.HeartbeatInterval(), true); err != nil {
		c.logger.Error("failed to start heartbeat task", "error", err)
		c.stateMgr.ToNotConnectedAsync()
		return
	}

	if c.cfg.Supervision() {
		if _, err := c.taskMgr.StartInterval("healthTask", c.healthTask, c.cfg.healthCheckInterval, false); err != nil {
			c.logger.Error("failed to start health task", "error", err)
		}
	}

	c.logger.Info("connected, sending get_info request")
	go c.logInfoReply(c.Send(NewRequest(infoMethod, nil), PriorityNormal))

	c.hmu.RLock()
	handlers := c.connectHandlers
	c.hmu.RUnlock()
	for _, h := range handlers {
		c.taskMgr.callWithRecover("connectHandler", h)
	}
}

func (c *Connection) logInfoReply(ch <-chan Reply) {
	reply := <-ch
	if reply.Err != nil {
		c.logger.Warn("get_info failed", "error", reply.Err)
		return
	}
	c.logger.Info("unit info", "result", string(reply.Response.Result))
}

// closeConn performs the actual connection closing process with a timeout.
// It cancels the context, stops the task manager, closes the port, and waits for
// all goroutines to terminate.
func (c *Connection) closeConn(timeout time.Duration) {
	c.logger.Debug("start closeConn process")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c.ctxMu.RLock()
	if c.ctxCancel != nil {
		c.ctxCancel()
	}
	c.ctxMu.RUnlock()

	c.taskMgr.Stop()

	c.portMutex.Lock()
	if c.port != nil {
		if err := c.port.Close(); err != nil {
			c.logger.Error("failed to close serial port", "method", "closeConn", "error", err)
		}
		c.port = nil
	}
	c.portMutex.Unlock()

	c.dropAll(ErrConnClosed)

	go func() {
		c.taskMgr.Wait()
		cancel()
	}()

	// wait all goroutines terminated
	<-ctx.Done()

	if !errors.Is(ctx.Err(), context.Canceled) {
		c.logger.Error("close timeout", "method", "closeConn", "error", ctx.Err(), "timeout", timeout)
	}

	c.health.Reset()
}

// createContext creates a new context for the current link generation.
func (c *Connection) createContext() {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()

	c.ctx, c.ctxCancel = context.WithCancel(c.pctx)
}

func (c *Connection) linkContext() context.Context {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()

	return c.ctx
}

// dropAll fails every queued and in-flight request with err.
func (c *Connection) dropAll(err error) {
	for _, p := range c.queue.Drain() {
		p.deliver(nil, err)
	}

	c.inflight.Range(func(id int, _ *pendingRequest) bool {
		if p, ok := c.inflight.LoadAndDelete(id); ok {
			c.metrics.decInflightCount()
			p.deliver(nil, err)
		}

		return true
	})
}

func (c *Connection) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// writerTask expires overdue requests and fills the in-flight window.
func (c *Connection) writerTask() bool {
	ctx := c.taskMgr.Context()

	timer := pool.GetTimer(writerTick)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		return false
	case <-c.wakeCh:
	case <-timer.C:
	}

	c.sweepTimeouts(time.Now())

	return c.fillWindow()
}

func (c *Connection) sweepTimeouts(now time.Time) {
	timeout := c.cfg.RequestTimeout()

	c.inflight.Range(func(id int, p *pendingRequest) bool {
		if now.Sub(p.issued) <= timeout {
			return true
		}

		if expired, ok := c.inflight.LoadAndDelete(id); ok {
			c.metrics.decInflightCount()
			c.metrics.incTimeoutCount()
			c.health.TrackTimeout(now)
			c.logger.Warn("request timeout", "id", id, "method", expired.req.Method, "timeout", timeout)
			expired.deliver(nil, fmt.Errorf("%w: %s id=%d", ErrRequestTimeout, expired.req.Method, id))
		}

		return true
	})
}

// fillWindow writes queued requests while the window has room. Only the writer
// task adds to the in-flight table, so the window bound holds.
func (c *Connection) fillWindow() bool {
	window := c.cfg.WindowSize()

	for c.inflight.Size() < window {
		p, _, ok := c.queue.Pop()
		if !ok {
			return true
		}

		id := int(c.nextID.Add(1) - 1)
		p.req.ID = id
		p.issued = time.Now()

		frame, err := EncodeRequest(p.req)
		if err != nil {
			p.deliver(nil, err)
			continue
		}

		c.inflight.Store(id, p)
		c.metrics.incInflightCount()

		if err := c.writeFrame(frame); err != nil {
			if failed, ok := c.inflight.LoadAndDelete(id); ok {
				c.metrics.decInflightCount()
				failed.deliver(nil, fmt.Errorf("transport: write %s: %w", p.req.Method, err))
			}
			c.logger.Error("write error", "method", p.req.Method, "error", err)
			c.stateMgr.ToNotConnectedAsync()

			return false
		}
		c.metrics.incRequestSendCount()
	}

	return true
}

func (c *Connection) writeFrame(frame []byte) error {
	c.portMutex.Lock()
	defer c.portMutex.Unlock()

	if c.port == nil {
		return ErrNotConnected
	}

	_, err := c.port.Write(frame)

	return err
}

// readerTask reads from the port and dispatches every decoded response.
func (c *Connection) readerTask(readBuf []byte) bool {
	c.portMutex.Lock()
	port := c.port
	c.portMutex.Unlock()

	if port == nil {
		return false
	}

	n, err := port.Read(readBuf)
	if err != nil {
		if c.taskMgr.Context().Err() == nil && !c.shutdown.Load() {
			c.logger.Error("unable to read from unit, scheduling reconnect", "error", err)
		}

		return false
	}
	if n == 0 {
		return true
	}

	for _, payload := range c.decoder.Feed(readBuf[:n]) {
		resp, err := ParseResponse(payload)
		if err != nil {
			c.metrics.incFrameErrCount()
			c.logger.Warn("dropped frame", "error", err)
			continue
		}

		if c.cfg.StatusDebugLogging() {
			c.status.observe(resp)
		}
		c.dispatch(resp)
	}

	return true
}

// cancelReaderTask transitions the connection to NotConnected when the reader stops.
func (c *Connection) cancelReaderTask() {
	c.stateMgr.ToNotConnectedAsync()
}

func (c *Connection) onFrameError(err error, dropped int) {
	c.metrics.incFrameErrCount()
	c.logger.Warn("frame error", "error", err, "dropped", dropped)
}

// dispatch delivers resp to its pending request, or counts it as unsolicited.
func (c *Connection) dispatch(resp *Response) {
	if id, ok := resp.CorrelationID(); ok {
		if p, ok := c.inflight.LoadAndDelete(id); ok {
			c.metrics.decInflightCount()
			c.metrics.incResponseRecvCount()
			p.deliver(resp, nil)
			c.wake()

			return
		}
	}

	c.metrics.incUnsolicitedCount()
	c.health.TrackUnsolicited(time.Now())

	id := "none"
	if rid, ok := resp.CorrelationID(); ok {
		id = fmt.Sprint(rid)
	}
	c.logger.Warn("unsolicited response", "id", id, "current_id", c.nextID.Load(), "code", resp.Code, "msg", resp.Msg)
}

// heartbeatTask polls get_status with high priority.
func (c *Connection) heartbeatTask() bool {
	if !c.stateMgr.IsConnected() {
		return true
	}

	c.metrics.incHeartbeatSendCount()
	go c.awaitHeartbeat(c.linkContext(), c.Send(NewRequest(statusMethod, nil), PriorityHigh))

	return true
}

func (c *Connection) awaitHeartbeat(ctx context.Context, ch <-chan Reply) {
	var reply Reply
	select {
	case reply = <-ch:
	case <-ctx.Done():
		return
	}

	if reply.Err != nil || reply.Response == nil {
		c.metrics.incHeartbeatErrCount()
		return
	}

	c.hmu.RLock()
	handlers := c.heartbeatHandlers
	c.hmu.RUnlock()
	for _, h := range handlers {
		c.taskMgr.callWithRecover("heartbeatHandler", func() { h(reply.Response) })
	}
}

// healthTask forces a reconnect when the link looks desynchronized.
func (c *Connection) healthTask() bool {
	if !c.cfg.Supervision() || !c.stateMgr.IsConnected() {
		return true
	}

	healthy, reason := c.health.Check(time.Now())
	if healthy {
		return true
	}

	c.logger.Warn("communication unhealthy, forcing reconnect", "reason", reason)
	c.metrics.incForcedReconnectCount()
	c.health.Reset()
	c.stateMgr.ToNotConnectedAsync()

	return false
}
