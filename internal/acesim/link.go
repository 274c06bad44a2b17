package acesim

import (
	"fmt"
	"sync"

	"github.com/Kobra-S1/ACEPRO/transport"
)

// Link connects to a Device without framing. It implements the request and
// handler surface of transport.Connection.
//
// Requests are answered synchronously unless the device holds them. A dropped
// request is answered with transport.ErrRequestTimeout.
type Link struct {
	dev *Device

	mu        sync.Mutex
	nextID    int
	depth     int
	depthOK   bool
	connected bool
	connect   []transport.ConnectHandler
	heartbeat []transport.HeartbeatHandler
}

// NewLink creates a connected Link at topology depth 1.
func NewLink(dev *Device) *Link {
	return &Link{dev: dev, depth: 1, depthOK: true, connected: true}
}

// Device returns the simulated device behind the link.
func (l *Link) Device() *Device { return l.dev }

// Send answers req through the device.
func (l *Link) Send(req transport.Request, _ transport.Priority) <-chan transport.Reply {
	ch := make(chan transport.Reply, 1)

	l.mu.Lock()
	connected := l.connected
	req.ID = l.nextID
	l.nextID++
	l.mu.Unlock()

	if !connected {
		ch <- transport.Reply{Request: req, Err: transport.ErrNotConnected}
		return ch
	}

	l.dev.serve(req, func(resp *transport.Response) {
		reply := transport.Reply{Request: req, Response: resp}
		if resp == nil {
			reply.Err = fmt.Errorf("%w: %s id=%d", transport.ErrRequestTimeout, req.Method, req.ID)
		}
		ch <- reply
	})

	return ch
}

// AddConnectHandler registers a handler run by Reconnect.
func (l *Link) AddConnectHandler(h transport.ConnectHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.connect = append(l.connect, h)
}

// AddHeartbeatHandler registers a handler run by Beat.
func (l *Link) AddHeartbeatHandler(h transport.HeartbeatHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.heartbeat = append(l.heartbeat, h)
}

// TopologyDepth returns the depth set with SetDepth.
func (l *Link) TopologyDepth() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return 0, false
	}

	return l.depth, l.depthOK
}

// SetDepth sets the reported topology depth.
func (l *Link) SetDepth(depth int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.depth, l.depthOK = depth, ok
}

// Disconnect makes further requests fail with transport.ErrNotConnected.
func (l *Link) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.connected = false
}

// Reconnect marks the link connected and runs the connect handlers.
func (l *Link) Reconnect() {
	l.mu.Lock()
	l.connected = true
	handlers := append([]transport.ConnectHandler(nil), l.connect...)
	l.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

// Beat polls get_status and runs the heartbeat handlers with the response.
func (l *Link) Beat() error {
	reply := <-l.Send(transport.NewRequest("get_status", nil), transport.PriorityHigh)
	if reply.Err != nil {
		return reply.Err
	}

	l.mu.Lock()
	handlers := append([]transport.HeartbeatHandler(nil), l.heartbeat...)
	l.mu.Unlock()

	for _, h := range handlers {
		h(reply.Response)
	}

	return nil
}
