package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/unit"
)

// defaultDryingMinutes is used when ace_start_drying has no duration.
const defaultDryingMinutes = 240

func (d *Dispatcher) changeTool(ctx context.Context, args json.RawMessage) error {
	var a struct {
		Tool *int `json:"tool"`
	}
	if err := decode(args, &a); err != nil {
		return err
	}
	if a.Tool == nil {
		return fmt.Errorf("%w: tool required", ErrInvalidArgs)
	}

	current := d.c.CurrentTool()
	err := d.c.Change(ctx, current, *a.Tool)
	if err == nil {
		return nil
	}

	env := d.c.Env()
	state := env.Printer.PrintState()
	if state == host.PrintPrinting {
		if perr := env.Motion.RunScript(ctx, "PAUSE"); perr != nil {
			d.logger.Warn("failed to pause after tool change failure", "error", perr)
		}
	}
	if perr := env.Prompter.ShowPrompt(ctx, failurePrompt(*a.Tool, err, state.IsActive())); perr != nil {
		d.logger.Warn("failed to show prompt", "error", perr)
	}

	return err
}

func (d *Dispatcher) setSlot(ctx context.Context, args json.RawMessage) error {
	var a struct {
		target
		Color    string `json:"color"`
		Material string `json:"material"`
		Temp     int    `json:"temp"`
	}
	if err := decode(args, &a); err != nil {
		return err
	}

	u, slot, _, err := a.resolve(d.c.Registry())
	if err != nil {
		return err
	}
	color, clamped, err := unit.ParseColor(a.Color)
	if err != nil {
		return err
	}
	if clamped {
		d.info(ctx, "color %s clamped to %d,%d,%d", a.Color, color[0], color[1], color[2])
	}
	temp := a.Temp
	if temp <= 0 {
		temp = unit.MaterialTemp(a.Material)
	}

	return u.SetSlot(slot, color, a.Material, temp)
}

func (d *Dispatcher) clearSlot(_ context.Context, args json.RawMessage) error {
	var a target
	if err := decode(args, &a); err != nil {
		return err
	}

	u, slot, _, err := a.resolve(d.c.Registry())
	if err != nil {
		return err
	}

	return u.ClearSlot(slot)
}

func (d *Dispatcher) status(ctx context.Context, args json.RawMessage) error {
	var a struct {
		Verbose bool `json:"verbose"`
	}
	if err := decode(args, &a); err != nil {
		return err
	}

	b, err := json.Marshal(d.c.Snapshot(a.Verbose))
	if err != nil {
		return err
	}
	d.info(ctx, "%s", b)

	return nil
}

func (d *Dispatcher) endlessSpool(ctx context.Context, args json.RawMessage) error {
	var a struct {
		Enabled *bool  `json:"enabled"`
		Mode    string `json:"mode"`
	}
	if err := decode(args, &a); err != nil {
		return err
	}

	enabled, mode := d.c.EndlessSpool()
	if a.Enabled != nil {
		enabled = *a.Enabled
	}
	if a.Mode != "" {
		m, ok := coordinator.ParseMatchMode(a.Mode)
		if !ok {
			return fmt.Errorf("%w: match mode %q", ErrInvalidArgs, a.Mode)
		}
		mode = m
	}

	d.c.SetEndlessSpool(enabled, mode)
	d.info(ctx, "endless spool %v, match mode %s", enabled, mode)

	return nil
}

func (d *Dispatcher) setEnabled(enabled bool) handlerFunc {
	return func(ctx context.Context, _ json.RawMessage) error {
		d.c.SetGlobalEnabled(enabled)
		d.info(ctx, "units enabled: %v", enabled)

		return nil
	}
}

func (d *Dispatcher) runoutDetection(ctx context.Context, args json.RawMessage) error {
	var a struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(args, &a); err != nil {
		return err
	}
	if d.w == nil {
		return fmt.Errorf("%w: runout detection is not available", ErrInvalidArgs)
	}

	d.w.SetDetectionActive(a.Enabled)
	d.info(ctx, "runout detection %v", a.Enabled)

	return nil
}

// toolOrCurrent returns the tool argument or the loaded tool.
func (d *Dispatcher) toolOrCurrent(args json.RawMessage) (int, error) {
	var a struct {
		Tool *int `json:"tool"`
	}
	if err := decode(args, &a); err != nil {
		return -1, err
	}
	if a.Tool != nil {
		return *a.Tool, nil
	}

	return d.c.CurrentTool(), nil
}

func (d *Dispatcher) smartUnload(ctx context.Context, args json.RawMessage) error {
	tool, err := d.toolOrCurrent(args)
	if err != nil {
		return err
	}

	return d.c.SmartUnload(ctx, tool)
}

func (d *Dispatcher) smartLoad(ctx context.Context, _ json.RawMessage) error {
	loaded, total, err := d.c.SmartLoad(ctx)
	if err != nil {
		return err
	}
	d.info(ctx, "loaded %d of %d ready slots to the return path", loaded, total)

	return nil
}

func (d *Dispatcher) fullUnload(ctx context.Context, args json.RawMessage) error {
	tool, err := d.toolOrCurrent(args)
	if err != nil {
		return err
	}

	return d.c.FullUnload(ctx, tool)
}

type moveArgs struct {
	target
	Length float64 `json:"length"`
	Speed  float64 `json:"speed"`
}

func (d *Dispatcher) move(args json.RawMessage) (*unit.Unit, int, moveArgs, error) {
	var a moveArgs
	if err := decode(args, &a); err != nil {
		return nil, -1, a, err
	}
	if a.Length <= 0 {
		return nil, -1, a, fmt.Errorf("%w: length must be positive", ErrInvalidArgs)
	}

	u, slot, _, err := a.resolve(d.c.Registry())

	return u, slot, a, err
}

func (d *Dispatcher) feed(ctx context.Context, args json.RawMessage) error {
	u, slot, a, err := d.move(args)
	if err != nil {
		return err
	}
	if a.Speed <= 0 {
		a.Speed = u.Config().FeedSpeed
	}

	return u.Feed(ctx, slot, a.Length, a.Speed)
}

func (d *Dispatcher) retract(ctx context.Context, args json.RawMessage) error {
	u, slot, a, err := d.move(args)
	if err != nil {
		return err
	}
	if a.Speed <= 0 {
		a.Speed = u.Config().RetractSpeed
	}

	return u.Retract(ctx, slot, a.Length, a.Speed)
}

func (d *Dispatcher) feedAssist(enable bool) handlerFunc {
	return func(ctx context.Context, args json.RawMessage) error {
		var a target
		if err := decode(args, &a); err != nil {
			return err
		}
		u, slot, _, err := a.resolve(d.c.Registry())
		if err != nil {
			return err
		}

		if enable {
			return u.EnableFeedAssist(ctx, slot)
		}

		return u.DisableFeedAssist(ctx, slot)
	}
}

func (d *Dispatcher) unitArg(args json.RawMessage, v any, instance *int) (*unit.Unit, error) {
	if err := decode(args, v); err != nil {
		return nil, err
	}
	u, ok := d.c.Registry().Unit(*instance)
	if !ok {
		return nil, fmt.Errorf("%w: unknown instance %d", ErrInvalidArgs, *instance)
	}

	return u, nil
}

func (d *Dispatcher) startDrying(ctx context.Context, args json.RawMessage) error {
	var a struct {
		Instance int `json:"instance"`
		Temp     int `json:"temp"`
		Duration int `json:"duration"`
	}
	u, err := d.unitArg(args, &a, &a.Instance)
	if err != nil {
		return err
	}
	if a.Duration <= 0 {
		a.Duration = defaultDryingMinutes
	}

	if err := u.StartDrying(ctx, a.Temp, a.Duration); err != nil {
		return err
	}
	d.info(ctx, "drying on instance %d at %d C for %d min", a.Instance, a.Temp, a.Duration)

	return nil
}

func (d *Dispatcher) stopDrying(ctx context.Context, args json.RawMessage) error {
	var a struct {
		Instance int `json:"instance"`
	}
	u, err := d.unitArg(args, &a, &a.Instance)
	if err != nil {
		return err
	}

	return u.StopDrying(ctx)
}
