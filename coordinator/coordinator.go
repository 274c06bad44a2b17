// Package coordinator orchestrates tool changes across ACE units.
//
// A Coordinator maps global tool indices to unit slots, owns the single filament
// position, and runs tool changes, smart unloads and loads under the toolchange
// guard. The runout watcher uses the guard to stay quiet during a change.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/logger"
	"github.com/Kobra-S1/ACEPRO/store"
	"github.com/Kobra-S1/ACEPRO/unit"
)

// Persisted keys.
const (
	KeyFilamentPos       = "ace_filament_pos"
	KeyCurrentIndex      = "ace_current_index"
	KeyEndlessEnabled    = "ace_endless_spool_enabled"
	KeyEndlessMatchMode  = "ace_endless_spool_match_mode"
	KeyGlobalEnabled     = "ace_global_enabled"
	macroStateScriptTmpl = "SET_GCODE_VARIABLE MACRO=_ACE_STATE VARIABLE=active VALUE=%d"
)

// MatchMode selects how the endless spool search compares spools.
type MatchMode string

// Match modes.
const (
	// MatchExact requires equal material and color.
	MatchExact MatchMode = "exact"
	// MatchMaterial requires equal material only.
	MatchMaterial MatchMode = "material"
	// MatchNext takes the next ready spool.
	MatchNext MatchMode = "next"
)

// ParseMatchMode parses s case-insensitively. ok is false for unknown modes.
func ParseMatchMode(s string) (MatchMode, bool) {
	switch m := MatchMode(strings.ToLower(strings.TrimSpace(s))); m {
	case MatchExact, MatchMaterial, MatchNext:
		return m, true
	}

	return MatchExact, false
}

// ToolchangeFunc is invoked after a tool was loaded.
type ToolchangeFunc func(tool int)

// PositionFunc is invoked when the filament position changed.
type PositionFunc func(pos Position)

// Coordinator orchestrates the units of a Registry.
type Coordinator struct {
	reg    *Registry
	cfg    Config
	env    host.Env
	logger logger.Logger

	// seq serializes the physical sequences.
	seq sync.Mutex

	mu          sync.Mutex
	tcDepth     int
	position    Position
	current     int
	endless     bool
	mode        MatchMode
	enabled     bool
	onToolchg   []ToolchangeFunc
	onTcExit    []func()
	onPosition  []PositionFunc
	conns       []Supervised
	connIssue   bool
	lastStable  map[int]bool
	lanes       LaneSink
	laneTrigger chan struct{}
}

// New creates a Coordinator for the units of reg.
func New(reg *Registry, cfg Config, env host.Env) *Coordinator {
	c := &Coordinator{
		reg:         reg,
		cfg:         cfg,
		env:         env,
		logger:      logger.GetLogger().With("component", "coordinator"),
		position:    PosPark,
		current:     -1,
		mode:        MatchExact,
		enabled:     true,
		lastStable:  make(map[int]bool),
		laneTrigger: make(chan struct{}, 1),
	}

	for _, u := range reg.Units() {
		u.OnInventoryChange(func(int, []unit.Slot) { c.triggerLaneSync() })
	}

	return c
}

// Registry returns the unit registry.
func (c *Coordinator) Registry() *Registry { return c.reg }

// Config returns the tool-change parameters.
func (c *Coordinator) Config() Config { return c.cfg }

// Env returns the host services.
func (c *Coordinator) Env() host.Env { return c.env }

// SetLogger replaces the logger.
func (c *Coordinator) SetLogger(l logger.Logger) { c.logger = l.With("component", "coordinator") }

// SetPurgeMultiplier changes the global purge multiplier.
func (c *Coordinator) SetPurgeMultiplier(m float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg.PurgeMultiplier = m
}

// Restore loads the persisted state and the unit inventories.
func (c *Coordinator) Restore() error {
	s := c.env.Store

	c.mu.Lock()
	c.position = ParsePosition(store.GetString(s, KeyFilamentPos, string(PosPark)))
	c.current = store.GetInt(s, KeyCurrentIndex, -1)
	c.endless = store.GetBool(s, KeyEndlessEnabled, false)
	if m, ok := ParseMatchMode(store.GetString(s, KeyEndlessMatchMode, string(MatchExact))); ok {
		c.mode = m
	}
	c.enabled = store.GetBool(s, KeyGlobalEnabled, true)
	pos, current := c.position, c.current
	c.mu.Unlock()

	for _, u := range c.reg.Units() {
		if err := u.LoadInventory(); err != nil {
			return err
		}
	}

	c.logger.Info("state restored", "position", pos, "current_tool", current, "units", c.reg.Len())

	return nil
}

// CurrentTool returns the loaded tool, or -1.
func (c *Coordinator) CurrentTool() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// Position returns the filament position.
func (c *Coordinator) Position() Position {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.position
}

// EndlessSpool returns the endless spool settings.
func (c *Coordinator) EndlessSpool() (enabled bool, mode MatchMode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.endless, c.mode
}

// SetEndlessSpool changes and persists the endless spool settings.
func (c *Coordinator) SetEndlessSpool(enabled bool, mode MatchMode) {
	c.mu.Lock()
	c.endless, c.mode = enabled, mode
	c.mu.Unlock()

	c.persist(KeyEndlessEnabled, enabled)
	c.persist(KeyEndlessMatchMode, string(mode))
	c.logger.Info("endless spool settings changed", "enabled", enabled, "mode", mode)
}

// GlobalEnabled reports whether the ACE units are enabled.
func (c *Coordinator) GlobalEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.enabled
}

// SetGlobalEnabled enables or disables all units and persists the setting. Disabled
// connections stop reconnecting.
func (c *Coordinator) SetGlobalEnabled(enabled bool) {
	c.mu.Lock()
	changed := c.enabled != enabled
	c.enabled = enabled
	conns := append([]Supervised(nil), c.conns...)
	c.mu.Unlock()

	c.persist(KeyGlobalEnabled, enabled)
	if !changed {
		return
	}

	for _, conn := range conns {
		if enabled {
			conn.Enable()
		} else {
			conn.Disable()
		}
	}
	c.logger.Info("ace units globally toggled", "enabled", enabled)
}

// OnToolchangeComplete registers fn to run after every successful load.
func (c *Coordinator) OnToolchangeComplete(fn ToolchangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onToolchg = append(c.onToolchg, fn)
}

// OnToolchangeExit registers fn to run when the outermost toolchange guard is
// released, whether the change succeeded or not.
func (c *Coordinator) OnToolchangeExit(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onTcExit = append(c.onTcExit, fn)
}

// OnPositionChange registers fn to run after every position change.
func (c *Coordinator) OnPositionChange(fn PositionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onPosition = append(c.onPosition, fn)
}

func (c *Coordinator) setPosition(pos Position) {
	c.mu.Lock()
	prev := c.position
	if prev == pos {
		c.mu.Unlock()
		return
	}
	c.position = pos
	listeners := append([]PositionFunc(nil), c.onPosition...)
	c.mu.Unlock()

	c.persist(KeyFilamentPos, string(pos))
	c.logger.Debug("filament position changed", "from", prev, "to", pos)
	for _, fn := range listeners {
		fn(pos)
	}
}

func (c *Coordinator) setCurrent(tool int) {
	c.mu.Lock()
	c.current = tool
	c.mu.Unlock()

	c.persist(KeyCurrentIndex, tool)
}

func (c *Coordinator) notifyToolchange(tool int) {
	c.mu.Lock()
	listeners := append([]ToolchangeFunc(nil), c.onToolchg...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(tool)
	}
}

func (c *Coordinator) persist(key string, value any) {
	if err := c.env.Store.Set(key, value); err != nil {
		c.logger.Error("failed to persist state", "key", key, "error", err)
	}
}

func (c *Coordinator) runScript(ctx context.Context, script string) error {
	c.logger.Debug("run script", "script", script)
	return c.env.Motion.RunScript(ctx, script)
}

// SyncMacroState publishes tool as the active tool of the _ACE_STATE macro.
func (c *Coordinator) SyncMacroState(ctx context.Context, tool int) {
	if err := c.runScript(ctx, fmt.Sprintf(macroStateScriptTmpl, tool)); err != nil {
		c.logger.Warn("failed to update state macro", "tool", tool, "error", err)
	}
}
