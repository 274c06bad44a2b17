package moonraker

import (
	"context"
	"sync"

	"github.com/Kobra-S1/ACEPRO/host"
)

const (
	objPrintStats = "print_stats"
	objToolhead   = "toolhead"
)

var (
	_ host.Sensors = (*Client)(nil)
	_ host.Printer = (*Client)(nil)
)

// sensorNames maps the coordinator sensors to Klipper sensor names.
type sensorNames map[host.SensorID]string

func switchObject(name string) string  { return "filament_switch_sensor " + name }
func trackerObject(name string) string { return "filament_tracker " + name }

// objectState caches the printer objects reported by the server.
type objectState struct {
	mu      sync.RWMutex
	objects map[string]map[string]any
}

func newObjectState() *objectState {
	return &objectState{objects: make(map[string]map[string]any)}
}

// merge applies a partial status update field by field.
func (s *objectState) merge(status map[string]map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, fields := range status {
		obj, ok := s.objects[name]
		if !ok {
			obj = make(map[string]any, len(fields))
			s.objects[name] = obj
		}
		for k, v := range fields {
			obj[k] = v
		}
	}
}

func (s *objectState) field(object, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[object]
	if !ok {
		return nil, false
	}
	v, ok := obj[key]

	return v, ok
}

func (s *objectState) has(object string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.objects[object]

	return ok
}

// WithSensor maps sensor id to the Klipper sensor name. A return path sensor that is
// a filament_tracker also provides the encoder count.
func WithSensor(id host.SensorID, name string) Option {
	return func(c *Client) {
		if c.sensors == nil {
			c.sensors = make(sensorNames)
		}
		c.sensors[id] = name
	}
}

// Subscribe subscribes to the objects the coordinator reads and seeds the cache with
// their current values. Objects missing from the printer are ignored by the server.
func (c *Client) Subscribe(ctx context.Context) error {
	objects := map[string]any{
		objPrintStats: []string{"state"},
		objToolhead:   []string{"position"},
	}
	for _, name := range c.sensors {
		objects[switchObject(name)] = []string{"filament_detected", "enabled"}
	}
	if name, ok := c.sensors[host.SensorReturnPath]; ok {
		objects[trackerObject(name)] = []string{"filament_detected", "encoder_pulse"}
	}

	var res struct {
		Status map[string]map[string]any `json:"status"`
	}
	if err := c.Call(ctx, "printer.objects.subscribe", map[string]any{"objects": objects}, &res); err != nil {
		return err
	}
	c.state.merge(res.Status)

	return nil
}

// PrintState returns the print_stats state.
func (c *Client) PrintState() host.PrintState {
	v, _ := c.state.field(objPrintStats, "state")
	if s, ok := v.(string); ok && s != "" {
		return host.PrintState(s)
	}

	return host.PrintStandby
}

// ExtruderPosition returns the commanded extruder position of the toolhead.
func (c *Client) ExtruderPosition() float64 {
	v, _ := c.state.field(objToolhead, "position")
	pos, ok := v.([]any)
	if !ok || len(pos) < 4 {
		return 0
	}
	e, _ := pos[3].(float64)

	return e
}

// HasSensor reports whether id is mapped and reported by the printer.
func (c *Client) HasSensor(id host.SensorID) bool {
	name, ok := c.sensors[id]
	if !ok {
		return false
	}

	return c.state.has(switchObject(name)) || c.state.has(trackerObject(name))
}

// FilamentPresent returns the filament_detected flag of sensor id.
func (c *Client) FilamentPresent(id host.SensorID) bool {
	name, ok := c.sensors[id]
	if !ok {
		return false
	}

	for _, obj := range []string{switchObject(name), trackerObject(name)} {
		if v, ok := c.state.field(obj, "filament_detected"); ok {
			detected, _ := v.(bool)
			return detected
		}
	}

	return false
}

// EncoderPulses returns the encoder count of a filament_tracker return path sensor.
func (c *Client) EncoderPulses() (int64, bool) {
	name, ok := c.sensors[host.SensorReturnPath]
	if !ok {
		return 0, false
	}
	v, ok := c.state.field(trackerObject(name), "encoder_pulse")
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)

	return int64(n), ok
}
