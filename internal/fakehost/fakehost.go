// Package fakehost provides in-memory host services for tests.
package fakehost

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/store"
)

// Host bundles the fakes behind a host.Env.
type Host struct {
	Clock    *Clock
	Sensors  *Sensors
	Printer  *Printer
	Motion   *Motion
	Prompter *Prompter
	Store    *store.Memory
}

// New creates a Host with an idle printer, both sensors configured and clear, and
// an empty store.
func New() *Host {
	p := &Printer{state: host.PrintStandby}
	h := &Host{
		Clock:    NewClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		Sensors:  NewSensors(host.SensorToolhead, host.SensorReturnPath),
		Printer:  p,
		Motion:   &Motion{printer: p},
		Prompter: &Prompter{},
		Store:    store.NewMemory(),
	}

	return h
}

// Env returns the host services as a host.Env.
func (h *Host) Env() host.Env {
	return host.Env{
		Scheduler: h.Clock,
		Sensors:   h.Sensors,
		Printer:   h.Printer,
		Motion:    h.Motion,
		Prompter:  h.Prompter,
		Store:     h.Store,
	}
}

// Clock is a host.Scheduler on virtual time. Sleep advances the time at once.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	slept   time.Duration
	onSleep []func(now time.Time)
}

// NewClock creates a Clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now implements host.Scheduler.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Sleep implements host.Scheduler. It advances the clock by d and runs the
// OnSleep hooks with the new time.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept += d
	now := c.now
	hooks := slices.Clone(c.onSleep)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(now)
	}

	return ctx.Err()
}

// Advance moves the clock forward without running hooks.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// Slept returns the total duration passed to Sleep.
func (c *Clock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.slept
}

// OnSleep registers fn to run after every Sleep.
func (c *Clock) OnSleep(fn func(now time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onSleep = append(c.onSleep, fn)
}

// Sensors is a scriptable host.Sensors.
type Sensors struct {
	mu         sync.Mutex
	present    map[host.SensorID]bool
	encoder    int64
	hasEncoder bool
}

// NewSensors creates clear sensors for ids.
func NewSensors(ids ...host.SensorID) *Sensors {
	s := &Sensors{present: make(map[host.SensorID]bool)}
	for _, id := range ids {
		s.present[id] = false
	}

	return s
}

// FilamentPresent implements host.Sensors.
func (s *Sensors) FilamentPresent(id host.SensorID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.present[id]
}

// HasSensor implements host.Sensors.
func (s *Sensors) HasSensor(id host.SensorID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.present[id]

	return ok
}

// EncoderPulses implements host.Sensors.
func (s *Sensors) EncoderPulses() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.encoder, s.hasEncoder
}

// Set sets the reading of sensor id, adding it when missing.
func (s *Sensors) Set(id host.SensorID, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.present[id] = present
}

// Remove removes sensor id.
func (s *Sensors) Remove(id host.SensorID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.present, id)
}

// SetEncoder sets the encoder count and marks the encoder present.
func (s *Sensors) SetEncoder(pulses int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.encoder = pulses
	s.hasEncoder = true
}

// Printer is an in-memory host.Printer.
type Printer struct {
	mu       sync.Mutex
	state    host.PrintState
	extruder float64
}

// PrintState implements host.Printer.
func (p *Printer) PrintState() host.PrintState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// ExtruderPosition implements host.Printer.
func (p *Printer) ExtruderPosition() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.extruder
}

// SetState sets the print state.
func (p *Printer) SetState(s host.PrintState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = s
}

// Extrude advances the extruder position by mm.
func (p *Printer) Extrude(mm float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.extruder += mm
}

// Move is a recorded extruder move.
type Move struct {
	Length float64
	Speed  float64
	Wait   bool
}

// Motion is a recording host.MotionSink.
//
// PAUSE, RESUME and CANCEL_PRINT scripts update the printer state the way the
// host would.
type Motion struct {
	mu       sync.Mutex
	printer  *Printer
	scripts  []string
	moves    []Move
	failures map[string]error
	onScript []func(script string)
	onMove   []func(m Move)
}

// RunScript implements host.MotionSink.
func (m *Motion) RunScript(ctx context.Context, script string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.scripts = append(m.scripts, script)
	var failure error
	for prefix, err := range m.failures {
		if strings.HasPrefix(script, prefix) {
			failure = err
		}
	}
	hooks := slices.Clone(m.onScript)
	m.mu.Unlock()

	if failure != nil {
		return failure
	}

	switch cmd := strings.Fields(script); {
	case len(cmd) == 0:
	case cmd[0] == "PAUSE":
		m.printer.SetState(host.PrintPaused)
	case cmd[0] == "RESUME":
		m.printer.SetState(host.PrintPrinting)
	case cmd[0] == "CANCEL_PRINT":
		m.printer.SetState(host.PrintCancelled)
	}

	for _, fn := range hooks {
		fn(script)
	}

	return nil
}

// MoveExtruder implements host.MotionSink.
func (m *Motion) MoveExtruder(ctx context.Context, length float64, speed float64, wait bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mv := Move{Length: length, Speed: speed, Wait: wait}

	m.mu.Lock()
	m.moves = append(m.moves, mv)
	hooks := slices.Clone(m.onMove)
	m.mu.Unlock()

	m.printer.Extrude(length)
	for _, fn := range hooks {
		fn(mv)
	}

	return nil
}

// Fail makes scripts starting with prefix fail with err.
func (m *Motion) Fail(prefix string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures == nil {
		m.failures = make(map[string]error)
	}
	m.failures[prefix] = err
}

// OnScript registers fn to run after every successful script.
func (m *Motion) OnScript(fn func(script string)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onScript = append(m.onScript, fn)
}

// OnMove registers fn to run after every extruder move.
func (m *Motion) OnMove(fn func(mv Move)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onMove = append(m.onMove, fn)
}

// Scripts returns all scripts run so far.
func (m *Motion) Scripts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.scripts)
}

// ScriptsWithPrefix returns the scripts starting with prefix.
func (m *Motion) ScriptsWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, s := range m.scripts {
		if strings.HasPrefix(s, prefix) {
			out = append(out, s)
		}
	}

	return out
}

// Moves returns all extruder moves so far.
func (m *Motion) Moves() []Move {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.moves)
}

// Prompter is a recording host.Prompter.
type Prompter struct {
	mu      sync.Mutex
	shown   []host.Prompt
	open    bool
	closeds int
}

// ShowPrompt implements host.Prompter.
func (p *Prompter) ShowPrompt(ctx context.Context, pr host.Prompt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.shown = append(p.shown, pr)
	p.open = true

	return nil
}

// ClosePrompt implements host.Prompter.
func (p *Prompter) ClosePrompt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.open = false
	p.closeds++

	return nil
}

// Shown returns all prompts shown so far.
func (p *Prompter) Shown() []host.Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.shown)
}

// Titles returns the titles of all prompts shown so far.
func (p *Prompter) Titles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	titles := make([]string, 0, len(p.shown))
	for _, pr := range p.shown {
		titles = append(titles, pr.Title)
	}

	return titles
}

// Open reports whether a prompt is showing.
func (p *Prompter) Open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.open
}

// Closed returns the number of ClosePrompt calls.
func (p *Prompter) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closeds
}
