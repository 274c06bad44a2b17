// Package runout watches the toolhead filament sensor during a print and hands a
// runout over to the endless spool recovery.
//
// The Watcher polls the sensor and compares every reading with the previous one.
// Only a present to absent transition while printing counts as a runout; an absent
// to present transition just moves the baseline. Optionally it also detects a
// tangled spool by comparing the extruder advance with the return-path encoder.
package runout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/logger"
	"github.com/Kobra-S1/ACEPRO/spool"
)

// Recoverer replaces the spool of a tool that ran out. *spool.Matcher implements it.
type Recoverer interface {
	Recover(ctx context.Context, tool int) error
}

// Config holds the watcher parameters.
type Config struct {
	// PollInterval is the sensor poll period.
	PollInterval time.Duration
	// DebounceCount is the number of consecutive absent readings that confirm a runout.
	DebounceCount int
	// TangleDetection enables the spool tangle check.
	TangleDetection bool
	// TangleDetectionLength is the extruder advance in mm without encoder movement
	// that declares a tangle.
	TangleDetectionLength float64
}

// DefaultConfig returns the default watcher parameters.
func DefaultConfig() Config {
	return Config{
		PollInterval:          50 * time.Millisecond,
		DebounceCount:         1,
		TangleDetectionLength: 15,
	}
}

// Watcher detects filament runouts during a print.
type Watcher struct {
	c      *coordinator.Coordinator
	env    host.Env
	rec    Recoverer
	logger logger.Logger

	mu          sync.Mutex
	cfg         Config
	active      bool
	handling    bool
	wasPrinting bool
	hasBaseline bool
	prev        bool
	absentCount int
	tangle      tangleWindow
}

// tangleWindow is the extruder position beyond which an unchanged encoder count
// declares a tangle.
type tangleWindow struct {
	armed  bool
	limit  float64
	pulses int64
}

// reading is one sample of the state the watcher acts on.
type reading struct {
	state      host.PrintState
	tool       int
	toolhead   bool
	toolchange bool

	// tangle inputs, sampled only with tangle detection on
	assist     bool
	returnPath bool
	pulses     int64
	hasEncoder bool
	extruder   float64
}

// New creates a Watcher for the tools of c. rec may be nil, in which case every
// runout ends at the operator prompt. Detection starts enabled. The baseline is
// reset whenever a tool change of c ends, including a failed one.
func New(c *coordinator.Coordinator, rec Recoverer, cfg Config) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	cfg.DebounceCount = max(cfg.DebounceCount, 1)

	w := &Watcher{
		c:      c,
		env:    c.Env(),
		rec:    rec,
		logger: logger.GetLogger().With("component", "runout"),
		cfg:    cfg,
		active: true,
	}
	c.OnToolchangeExit(w.ResetBaseline)

	return w
}

// SetLogger replaces the logger.
func (w *Watcher) SetLogger(l logger.Logger) { w.logger = l.With("component", "runout") }

// SetDebounceCount changes the number of absent readings that confirm a runout.
func (w *Watcher) SetDebounceCount(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cfg.DebounceCount = max(n, 1)
	w.absentCount = 0
}

// SetTangleDetection enables or disables the tangle check. A length <= 0 keeps the
// current detection length.
func (w *Watcher) SetTangleDetection(enabled bool, length float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cfg.TangleDetection = enabled
	if length > 0 {
		w.cfg.TangleDetectionLength = length
	}
	w.tangle = tangleWindow{}
}

// SetDetectionActive enables or disables runout detection.
func (w *Watcher) SetDetectionActive(active bool) {
	w.mu.Lock()
	changed := w.active != active
	w.active = active
	w.mu.Unlock()

	if changed {
		w.logger.Info("runout detection toggled", "active", active)
	}
}

// DetectionActive reports whether runout detection is enabled.
func (w *Watcher) DetectionActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.active
}

// Handling reports whether a runout or tangle is being handled.
func (w *Watcher) Handling() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.handling
}

// ResetBaseline drops the sensor baseline; the next poll while printing takes a new one.
func (w *Watcher) ResetBaseline() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.resetLocked()
}

func (w *Watcher) resetLocked() {
	w.hasBaseline = false
	w.absentCount = 0
	w.tangle = tangleWindow{}
}

// Run polls every PollInterval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("runout watcher started", "interval", w.cfg.PollInterval, "debounce", w.cfg.DebounceCount)

	for {
		w.Poll(ctx)

		if err := w.env.Scheduler.Sleep(ctx, w.interval()); err != nil {
			return err
		}
	}
}

func (w *Watcher) interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.cfg.PollInterval
}

func (w *Watcher) sample() reading {
	w.mu.Lock()
	tangle := w.cfg.TangleDetection
	w.mu.Unlock()

	s := w.env.Sensors
	r := reading{
		state:      w.env.Printer.PrintState(),
		tool:       w.c.CurrentTool(),
		toolhead:   s.FilamentPresent(host.SensorToolhead),
		toolchange: w.c.ToolchangeInProgress(),
	}
	if !tangle || r.tool < 0 {
		return r
	}

	if u, slot, err := w.c.Registry().Resolve(r.tool); err == nil {
		r.assist = u.FeedAssistIndex() == slot
	}
	r.returnPath = s.FilamentPresent(host.SensorReturnPath)
	r.pulses, r.hasEncoder = s.EncoderPulses()
	r.extruder = w.env.Printer.ExtruderPosition()

	return r
}

// Poll runs one detection step. A confirmed runout or tangle is handled before Poll
// returns.
func (w *Watcher) Poll(ctx context.Context) {
	r := w.sample()
	printing := r.state == host.PrintPrinting

	w.mu.Lock()
	wasPrinting := w.wasPrinting
	w.wasPrinting = printing

	switch {
	case printing && !wasPrinting && r.tool >= 0:
		w.hasBaseline, w.prev, w.absentCount = true, r.toolhead, 0
		w.tangle = tangleWindow{}
		if r.toolhead {
			w.active = true
		}
		w.mu.Unlock()
		w.logger.Info("print started, baseline captured", "tool", r.tool, "sensor", r.toolhead)
		w.c.SyncMacroState(ctx, r.tool)
		return

	case wasPrinting && !printing && r.state != host.PrintPaused:
		w.resetLocked()
		w.handling = false
		w.active = true
		w.mu.Unlock()
		w.logger.Info("print stopped, watcher reset", "state", r.state)
		w.c.SyncMacroState(ctx, -1)
		return
	}

	if !w.active || r.toolchange {
		w.tangle = tangleWindow{}
		w.mu.Unlock()
		return
	}
	if r.tool < 0 || !printing {
		w.resetLocked()
		w.mu.Unlock()
		return
	}
	if !w.hasBaseline {
		w.hasBaseline, w.prev, w.absentCount = true, r.toolhead, 0
		w.mu.Unlock()
		w.logger.Info("runout baseline established", "tool", r.tool, "sensor", r.toolhead, "position", w.c.Position())
		return
	}

	if w.prev && !r.toolhead {
		w.absentCount++
		if w.absentCount < w.cfg.DebounceCount {
			w.mu.Unlock()
			return
		}
		w.absentCount = 0
		w.prev = false
		if w.handling {
			w.mu.Unlock()
			w.logger.Info("runout suppressed, already handling")
			return
		}
		w.handling = true
		w.resetLocked()
		w.mu.Unlock()

		w.handleRunout(ctx, r.tool)
		return
	}

	w.absentCount = 0
	w.prev = r.toolhead

	if w.cfg.TangleDetection && !w.handling && w.tangleLocked(r) {
		w.handling = true
		w.tangle = tangleWindow{}
		w.mu.Unlock()

		w.handleTangle(ctx, r.tool)
		return
	}
	w.mu.Unlock()
}

// tangleLocked advances the tangle window and reports whether a tangle is detected.
func (w *Watcher) tangleLocked(r reading) bool {
	if !r.assist || !r.returnPath || !r.toolhead {
		w.tangle = tangleWindow{}
		return false
	}
	if !r.hasEncoder {
		return false
	}

	if !w.tangle.armed || r.pulses != w.tangle.pulses {
		w.tangle = tangleWindow{armed: true, limit: r.extruder + w.cfg.TangleDetectionLength, pulses: r.pulses}
		return false
	}
	if r.extruder < w.tangle.limit {
		return false
	}

	w.logger.Warn("spool tangle detected", "tool", r.tool, "extruder", r.extruder,
		"window_start", w.tangle.limit-w.cfg.TangleDetectionLength, "pulses", r.pulses)

	return true
}

func (w *Watcher) endHandling() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.handling = false
}

func (w *Watcher) pause(ctx context.Context) {
	if err := w.env.Motion.RunScript(ctx, "PAUSE"); err != nil {
		w.logger.Error("failed to pause print", "error", err)
	}
}

func (w *Watcher) handleRunout(ctx context.Context, tool int) {
	defer w.endHandling()

	w.logger.Warn("filament runout detected", "tool", tool)
	w.pause(ctx)

	err := spool.ErrDisabled
	if w.rec != nil {
		err = w.rec.Recover(ctx, tool)
	}
	if err == nil {
		return
	}

	if errors.Is(err, spool.ErrDisabled) {
		w.logger.Info("endless spool disabled, staying paused", "tool", tool)
	} else {
		w.logger.Warn("endless spool recovery failed, staying paused", "tool", tool, "error", err)
	}
	w.showRunoutPrompt(ctx, tool, err)
}

// showRunoutPrompt asks the operator to refill the spool of tool.
func (w *Watcher) showRunoutPrompt(ctx context.Context, tool int, cause error) {
	unitID, slot, material, color := -1, -1, "unknown", [3]int{}
	if u, s, err := w.c.Registry().Resolve(tool); err == nil {
		unitID, slot = u.ID(), s
		if sl, err := u.Slot(s); err == nil {
			material, color = sl.Material, sl.Color
		}
	}

	text := []string{fmt.Sprintf("Filament runout detected on Tool T%d! Please refill ACE %d Slot %d with %s filament (Color: RGB(%d,%d,%d)).",
		tool, unitID, slot, material, color[0], color[1], color[2])}
	if !errors.Is(cause, spool.ErrDisabled) {
		text = append(text, fmt.Sprintf("Endless spool: %v", cause))
	}

	prompt := host.Prompt{
		Title: "Filament Runout",
		Text:  text,
		Buttons: []host.PromptButton{
			{Label: fmt.Sprintf("Retry T%d", tool), Command: fmt.Sprintf("T%d", tool), Style: host.StylePrimary},
			{Label: "Extrude 100mm", Command: "_EXTRUDE LENGTH=100 SPEED=300", Style: host.StyleSecondary},
			{Label: "Retract 100mm", Command: "_RETRACT LENGTH=100 SPEED=300", Style: host.StyleSecondary},
		},
		FooterButtons: resumeCancel(),
	}
	if err := w.env.Prompter.ShowPrompt(ctx, prompt); err != nil {
		w.logger.Warn("failed to show prompt", "title", prompt.Title, "error", err)
	}
}

func (w *Watcher) handleTangle(ctx context.Context, tool int) {
	defer w.endHandling()

	w.pause(ctx)

	prompt := host.Prompt{
		Title: "Spool Tangle Detected",
		Text: []string{fmt.Sprintf("Spool tangle detected on T%d! The extruder is consuming the tube buffer but no filament "+
			"is passing through the return module encoder. Check the spool for tangles, then resume.", tool)},
		FooterButtons: resumeCancel(),
	}
	if err := w.env.Prompter.ShowPrompt(ctx, prompt); err != nil {
		w.logger.Warn("failed to show prompt", "title", prompt.Title, "error", err)
	}
}

func resumeCancel() []host.PromptButton {
	return []host.PromptButton{
		{Label: "Resume", Command: "RESUME", Style: host.StylePrimary},
		{Label: "Cancel Print", Command: "CANCEL_PRINT", Style: host.StyleError},
	}
}
