// Package command maps operator commands onto the coordinator, its units and the
// runout watcher. Commands arrive by name with a JSON object of arguments; results
// and errors are echoed to the printer console.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/logger"
	"github.com/Kobra-S1/ACEPRO/runout"
	"github.com/Kobra-S1/ACEPRO/unit"
)

var (
	ErrUnknownCommand = errors.New("command: unknown command")
	ErrInvalidArgs    = errors.New("command: invalid arguments")
)

type handlerFunc func(ctx context.Context, args json.RawMessage) error

// Dispatcher runs named commands.
type Dispatcher struct {
	c        *coordinator.Coordinator
	w        *runout.Watcher
	logger   logger.Logger
	handlers map[string]handlerFunc
}

// New creates a Dispatcher. w may be nil when runout detection is not wired.
func New(c *coordinator.Coordinator, w *runout.Watcher) *Dispatcher {
	d := &Dispatcher{
		c:      c,
		w:      w,
		logger: logger.GetLogger().With("component", "command"),
	}

	d.handlers = map[string]handlerFunc{
		"ace_change_tool":         d.changeTool,
		"ace_set_slot":            d.setSlot,
		"ace_clear_slot":          d.clearSlot,
		"ace_status":              d.status,
		"ace_endless_spool":       d.endlessSpool,
		"ace_enable":              d.setEnabled(true),
		"ace_disable":             d.setEnabled(false),
		"ace_runout_detection":    d.runoutDetection,
		"ace_smart_unload":        d.smartUnload,
		"ace_smart_load":          d.smartLoad,
		"ace_full_unload":         d.fullUnload,
		"ace_feed":                d.feed,
		"ace_retract":             d.retract,
		"ace_enable_feed_assist":  d.feedAssist(true),
		"ace_disable_feed_assist": d.feedAssist(false),
		"ace_start_drying":        d.startDrying,
		"ace_stop_drying":         d.stopDrying,
	}

	return d
}

// SetLogger replaces the logger.
func (d *Dispatcher) SetLogger(l logger.Logger) { d.logger = l.With("component", "command") }

// Commands returns the command names in sorted order.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

// Dispatch runs command name with args. A failure is also reported on the console.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args json.RawMessage) error {
	h, ok := d.handlers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	d.logger.Info("command", "name", name, "args", string(args))

	if err := h(ctx, args); err != nil {
		d.logger.Warn("command failed", "name", name, "error", err)
		d.respond(ctx, "error", fmt.Sprintf("ACE: %s failed: %v", name, err))

		return err
	}

	return nil
}

// target selects a slot by global tool index or by unit and slot.
type target struct {
	Tool     *int `json:"tool"`
	Instance *int `json:"instance"`
	Index    *int `json:"index"`
}

func (t target) resolve(reg *coordinator.Registry) (*unit.Unit, int, int, error) {
	if t.Tool != nil {
		u, slot, err := reg.Resolve(*t.Tool)
		return u, slot, *t.Tool, err
	}
	if t.Instance == nil || t.Index == nil {
		return nil, -1, -1, fmt.Errorf("%w: tool or instance and index required", ErrInvalidArgs)
	}

	u, ok := reg.Unit(*t.Instance)
	if !ok {
		return nil, -1, -1, fmt.Errorf("%w: unknown instance %d", ErrInvalidArgs, *t.Instance)
	}
	if *t.Index < 0 || *t.Index >= unit.SlotCount {
		return nil, -1, -1, fmt.Errorf("%w: %d", unit.ErrInvalidSlot, *t.Index)
	}

	return u, *t.Index, coordinator.Tool(*t.Instance, *t.Index), nil
}

func decode(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}

	return nil
}

func (d *Dispatcher) respond(ctx context.Context, kind string, msg string) {
	msg = strings.ReplaceAll(msg, `"`, "'")
	script := `RESPOND MSG="` + msg + `"`
	if kind != "" {
		script = `RESPOND TYPE=` + kind + ` MSG="` + msg + `"`
	}
	if err := d.c.Env().Motion.RunScript(ctx, script); err != nil {
		d.logger.Warn("failed to respond", "error", err)
	}
}

func (d *Dispatcher) info(ctx context.Context, format string, args ...any) {
	d.respond(ctx, "", "ACE: "+fmt.Sprintf(format, args...))
}

// failurePrompt asks the operator how to continue after a failed tool change.
func failurePrompt(tool int, err error, printing bool) host.Prompt {
	p := host.Prompt{
		Title: "Tool Change Failed",
		Text:  []string{fmt.Sprintf("Tool change to T%d failed: %v", tool, err)},
		Buttons: []host.PromptButton{
			{Label: fmt.Sprintf("Retry T%d", tool), Command: fmt.Sprintf("T%d", tool), Style: host.StylePrimary},
			{Label: "Extrude 100mm", Command: "_EXTRUDE LENGTH=100 SPEED=300"},
			{Label: "Retract 100mm", Command: "_RETRACT LENGTH=100 SPEED=300"},
		},
	}

	if printing {
		p.FooterButtons = []host.PromptButton{
			{Label: "Resume", Command: "RESUME", Style: host.StylePrimary},
			{Label: "Cancel Print", Command: "CANCEL_PRINT", Style: host.StyleError},
		}
	} else {
		p.FooterButtons = []host.PromptButton{
			{Label: "Continue", Command: "RESPOND TYPE=command MSG=action:prompt_end", Style: host.StyleSecondary},
		}
	}

	return p
}
