package acesim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Kobra-S1/ACEPRO/internal/pool"
	"github.com/Kobra-S1/ACEPRO/transport"
)

const readTimeout = 20 * time.Millisecond

// ErrDialRefused is returned by the Dialer while dial failures are injected.
var ErrDialRefused = errors.New("acesim: dial refused")

// Port is the device side of a simulated serial link. It implements transport.Port.
type Port struct {
	dev       *Device
	dec       *transport.Decoder
	writeMu   sync.Mutex
	in        chan []byte
	pending   []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newPort(dev *Device) *Port {
	p := &Port{
		dev:    dev,
		in:     make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
	p.dec = transport.NewDecoder(nil)

	return p
}

// Read returns bytes sent by the device. It returns 0, nil when nothing arrived
// within the read timeout and io.EOF once the port is closed.
func (p *Port) Read(b []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}

	timer := pool.GetTimer(readTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-p.closed:
		return 0, io.EOF
	case data := <-p.in:
		n := copy(b, data)
		p.pending = data[n:]
		return n, nil
	case <-timer.C:
		return 0, nil
	}
}

// Write decodes request frames and hands them to the device.
func (p *Port) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	p.writeMu.Lock()
	payloads := p.dec.Feed(b)
	p.writeMu.Unlock()

	for _, payload := range payloads {
		var req transport.Request
		if err := json.Unmarshal(payload, &req); err != nil {
			continue
		}
		p.dev.serve(req, p.emit)
	}

	return len(b), nil
}

// Close closes the port. Pending reads return io.EOF.
func (p *Port) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *Port) emit(resp *transport.Response) {
	if resp == nil {
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	frame, err := transport.EncodeFrame(payload)
	if err != nil {
		return
	}
	p.push(frame)
}

func (p *Port) push(data []byte) {
	select {
	case <-p.closed:
	case p.in <- data:
	}
}

// SetPorts sets the ports reported by PortFinder.
func (d *Device) SetPorts(ports ...transport.PortInfo) {
	d.portMu.Lock()
	defer d.portMu.Unlock()

	d.ports = ports
}

// PortFinder returns a finder that reports the ports set with SetPorts.
func (d *Device) PortFinder() transport.PortFinder {
	return transport.PortFinderFunc(func() ([]transport.PortInfo, error) {
		d.portMu.Lock()
		defer d.portMu.Unlock()

		ports := make([]transport.PortInfo, len(d.ports))
		copy(ports, d.ports)

		return ports, nil
	})
}

// Dialer returns a dialer that opens a fresh Port to the device.
func (d *Device) Dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, _ string, _ int) (transport.Port, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d.portMu.Lock()
		defer d.portMu.Unlock()

		d.dials++
		if d.dialErrors > 0 {
			d.dialErrors--
			return nil, ErrDialRefused
		}

		d.port = newPort(d)

		return d.port, nil
	})
}

// FailDials makes the next n dials fail.
func (d *Device) FailDials(n int) {
	d.portMu.Lock()
	defer d.portMu.Unlock()

	d.dialErrors = n
}

// Dials returns the number of dial attempts.
func (d *Device) Dials() int {
	d.portMu.Lock()
	defer d.portMu.Unlock()

	return d.dials
}

// Unplug closes the current port as if the cable was pulled.
func (d *Device) Unplug() {
	d.portMu.Lock()
	p := d.port
	d.port = nil
	d.portMu.Unlock()

	if p != nil {
		_ = p.Close()
	}
}

// SendRaw writes raw bytes to the host side of the current port.
func (d *Device) SendRaw(data []byte) {
	d.portMu.Lock()
	p := d.port
	d.portMu.Unlock()

	if p != nil {
		p.push(data)
	}
}

// SendResponse writes a framed response that does not answer any request.
func (d *Device) SendResponse(resp transport.Response) {
	d.portMu.Lock()
	p := d.port
	d.portMu.Unlock()

	if p != nil {
		p.emit(&resp)
	}
}
