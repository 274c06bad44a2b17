// Package acesim provides an in-memory ACE unit for tests.
//
// A Device answers requests with configurable handlers. It is reachable in two ways:
// through Dialer and PortFinder, which speak the wire frame protocol over a fake
// transport.Port, and through a Link, which answers requests directly without framing.
package acesim

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/Kobra-S1/ACEPRO/transport"
)

// SlotCount is the number of slots of a simulated unit.
const SlotCount = 4

// Result is a handler's answer to a request.
type Result struct {
	Code   int
	Msg    string
	Result any
	// Drop suppresses the response entirely.
	Drop bool
}

// HandlerFunc answers one request.
type HandlerFunc func(req transport.Request) Result

// SlotState is a slot as reported by get_status.
type SlotState struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	SKU    string `json:"sku"`
	Type   string `json:"type"`
	Color  [3]int `json:"color"`
	RFID   int    `json:"rfid"`
	Brand  string `json:"brand,omitempty"`
}

// DryerState is the dryer section of get_status.
type DryerState struct {
	Status     string `json:"status"`
	TargetTemp int    `json:"target_temp"`
	Duration   int    `json:"duration"`
	RemainTime int    `json:"remain_time"`
}

// Status is the get_status result.
type Status struct {
	Status          string      `json:"status"`
	Action          string      `json:"action,omitempty"`
	Temp            int         `json:"temp"`
	EnableRFID      int         `json:"enable_rfid"`
	FeedAssistCount int         `json:"feed_assist_count"`
	ContAssistTime  float64     `json:"cont_assist_time"`
	Dryer           DryerState  `json:"dryer"`
	Slots           []SlotState `json:"slots"`
}

// TempRange is a min/max temperature pair of a filament tag.
type TempRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// FilamentInfo is the get_filament_info result.
type FilamentInfo struct {
	Index        int       `json:"index"`
	SKU          string    `json:"sku"`
	Brand        string    `json:"brand"`
	Type         string    `json:"type"`
	IconType     int       `json:"icon_type"`
	Colors       [][]int   `json:"colors"`
	ExtruderTemp TempRange `json:"extruder_temp"`
	HotbedTemp   TempRange `json:"hotbed_temp"`
	Diameter     float64   `json:"diameter"`
	Total        int       `json:"total"`
	Current      int       `json:"current"`
}

// emitFunc delivers a response. A nil response means the request was dropped.
type emitFunc func(resp *transport.Response)

type heldRequest struct {
	req  transport.Request
	emit emitFunc
}

// Device is a simulated ACE unit.
type Device struct {
	mu         sync.Mutex
	status     Status
	info       map[string]any
	filament   map[int]FilamentInfo
	feedAssist int
	handlers   map[string]HandlerFunc
	hooks      []func(transport.Request)
	requests   []transport.Request

	hold    bool
	held    []heldRequest
	maxHeld int

	portMu     sync.Mutex
	port       *Port
	ports      []transport.PortInfo
	dialErrors int
	dials      int
}

// NewDevice creates a Device with four empty slots.
func NewDevice() *Device {
	d := &Device{
		status: Status{
			Status:     "ready",
			EnableRFID: 1,
			Dryer:      DryerState{Status: "stop"},
			Slots:      make([]SlotState, SlotCount),
		},
		info: map[string]any{
			"id":                1,
			"model":             "Anycubic Color Engine Pro",
			"firmware":          "V1.3.84",
			"boot_firmware":     "V1.0.1",
			"structure_version": "0",
		},
		filament:   make(map[int]FilamentInfo),
		feedAssist: -1,
		handlers:   make(map[string]HandlerFunc),
	}
	for i := range d.status.Slots {
		d.status.Slots[i] = SlotState{Index: i, Status: "empty"}
	}

	return d
}

// SetSlot replaces the reported state of slot idx.
func (d *Device) SetSlot(idx int, s SlotState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s.Index = idx
	d.status.Slots[idx] = s
}

// SetSlotStatus changes only the status field of slot idx.
func (d *Device) SetSlotStatus(idx int, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.status.Slots[idx].Status = status
}

// SetStatus sets the unit level status, e.g. "ready" or "busy".
func (d *Device) SetStatus(status string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.status.Status = status
}

// SetFilamentInfo sets the tag data returned for slot idx.
func (d *Device) SetFilamentInfo(idx int, fi FilamentInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fi.Index = idx
	d.filament[idx] = fi
}

// Status returns a copy of the current status.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.status
	st.Slots = slices.Clone(d.status.Slots)

	return st
}

// FeedAssist returns the slot with feed-assist enabled, or -1.
func (d *Device) FeedAssist() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.feedAssist
}

// Handle overrides the handler of method.
func (d *Device) Handle(method string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[method] = h
}

// OnRequest registers fn to run for every request before it is answered.
func (d *Device) OnRequest(fn func(req transport.Request)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hooks = append(d.hooks, fn)
}

// Requests returns all requests received so far.
func (d *Device) Requests() []transport.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Clone(d.requests)
}

// Methods returns the method names of all requests received so far, skipping
// the methods in ignore.
func (d *Device) Methods(ignore ...string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	methods := make([]string, 0, len(d.requests))
	for _, r := range d.requests {
		if !slices.Contains(ignore, r.Method) {
			methods = append(methods, r.Method)
		}
	}

	return methods
}

// Count returns the number of requests received for method.
func (d *Device) Count(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, r := range d.requests {
		if r.Method == method {
			n++
		}
	}

	return n
}

// Last returns the latest request for method.
func (d *Device) Last(method string) (transport.Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := len(d.requests) - 1; i >= 0; i-- {
		if d.requests[i].Method == method {
			return d.requests[i], true
		}
	}

	return transport.Request{}, false
}

// ClearRequests forgets the recorded requests.
func (d *Device) ClearRequests() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = nil
}

// Hold makes the device keep requests unanswered until Release.
func (d *Device) Hold(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hold = on
}

// Release answers all held requests.
func (d *Device) Release() {
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.mu.Unlock()

	for _, h := range held {
		d.answer(h.req, h.emit)
	}
}

// Outstanding returns the number of held requests.
func (d *Device) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.held)
}

// MaxOutstanding returns the peak number of held requests.
func (d *Device) MaxOutstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.maxHeld
}

func (d *Device) serve(req transport.Request, emit emitFunc) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	hooks := slices.Clone(d.hooks)
	d.mu.Unlock()

	for _, h := range hooks {
		h(req)
	}

	d.mu.Lock()
	if d.hold {
		d.held = append(d.held, heldRequest{req: req, emit: emit})
		d.maxHeld = max(d.maxHeld, len(d.held))
		d.mu.Unlock()

		return
	}
	d.mu.Unlock()

	d.answer(req, emit)
}

func (d *Device) answer(req transport.Request, emit emitFunc) {
	d.mu.Lock()
	h, ok := d.handlers[req.Method]
	d.mu.Unlock()
	if !ok {
		h = d.defaultHandler
	}

	res := h(req)
	if res.Drop {
		emit(nil)
		return
	}

	emit(buildResponse(req.ID, res))
}

func buildResponse(id int, res Result) *transport.Response {
	resp := &transport.Response{ID: &id, Code: res.Code, Msg: res.Msg}
	if resp.Msg == "" && resp.Code == 0 {
		resp.Msg = "success"
	}
	if res.Result != nil {
		raw, err := json.Marshal(res.Result)
		if err == nil {
			resp.Result = raw
		}
	}

	return resp
}

func (d *Device) defaultHandler(req transport.Request) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch req.Method {
	case "get_status":
		st := d.status
		st.Slots = slices.Clone(d.status.Slots)
		return Result{Result: st}

	case "get_info":
		return Result{Result: d.info}

	case "get_filament_info":
		idx := intParam(req, "index")
		fi, ok := d.filament[idx]
		if !ok {
			return Result{Code: -1, Msg: "no rfid info"}
		}
		return Result{Result: fi}

	case "feed_filament":
		d.status.Action = "feeding"
		return Result{}

	case "unwind_filament":
		d.status.Action = "unwinding"
		return Result{}

	case "stop_feed_filament", "stop_unwind_filament":
		d.status.Action = ""
		return Result{}

	case "update_feeding_speed", "update_unwinding_speed":
		return Result{}

	case "start_feed_assist":
		d.feedAssist = intParam(req, "index")
		d.status.FeedAssistCount++
		return Result{}

	case "stop_feed_assist":
		d.feedAssist = -1
		return Result{}

	case "drying":
		d.status.Dryer = DryerState{
			Status:     "drying",
			TargetTemp: intParam(req, "temp"),
			Duration:   intParam(req, "duration"),
			RemainTime: intParam(req, "duration") * 60,
		}
		return Result{}

	case "drying_stop":
		d.status.Dryer = DryerState{Status: "stop"}
		return Result{}
	}

	return Result{Code: -1, Msg: "unknown method " + req.Method}
}

func intParam(req transport.Request, key string) int {
	switch v := req.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}

	return 0
}
