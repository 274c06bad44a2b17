package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/unit"
)

type changeOptions struct {
	endless bool
}

// ChangeOption configures a tool change.
type ChangeOption func(*changeOptions)

// EndlessSwap marks the change as an endless spool swap. The current tool is not
// unloaded because its slot already ran out, and the purge is raised by the endless
// spool purge multiplier.
func EndlessSwap() ChangeOption {
	return func(o *changeOptions) { o.endless = true }
}

// Change switches from tool current to tool target. A target of -1 only unloads.
//
// The recorded filament position is cross-checked against the sensors first. A
// toolhead sensor that detects filament while the return-path sensor is clear
// fails the change with ErrImplausibleState. The change runs under the toolchange
// guard.
func (c *Coordinator) Change(ctx context.Context, current, target int, opts ...ChangeOption) error {
	var o changeOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.seq.Lock()
	defer c.seq.Unlock()

	guard := c.EnterToolchange()
	defer guard.Release()

	err := c.change(ctx, current, target, o)
	if err != nil {
		c.logger.Error("tool change failed", "from", current, "to", target, "error", err)
	}

	return err
}

func (c *Coordinator) change(ctx context.Context, current, target int, o changeOptions) error {
	var (
		tu    *unit.Unit
		tslot int
	)
	if target >= 0 {
		var err error
		if tu, tslot, err = c.reg.Resolve(target); err != nil {
			return err
		}
	}

	s := c.env.Sensors
	toolhead := s.FilamentPresent(host.SensorToolhead)
	hasReturn := s.HasSensor(host.SensorReturnPath)
	returnPath := hasReturn && s.FilamentPresent(host.SensorReturnPath)
	pos := c.Position()

	c.logger.Info("tool change", "from", current, "to", target, "position", pos,
		"toolhead_sensor", toolhead, "return_sensor", returnPath, "endless", o.endless)

	if hasReturn && toolhead && !returnPath {
		return fmt.Errorf("%w: filament at toolhead but return module empty (position %s, T%d)",
			ErrImplausibleState, pos, current)
	}

	if pos.Loaded() && !toolhead {
		corrected := PosPark
		if returnPath {
			corrected = PosInTransit
		}
		c.logger.Warn("recorded position contradicts toolhead sensor, correcting", "recorded", pos, "corrected", corrected)
		c.setPosition(corrected)
		pos = corrected
	}

	if (toolhead || returnPath) && pos == PosPark {
		c.logger.Warn("filament detected while parked, clearing path", "tool", current)
		if err := c.smartUnload(ctx, current); err != nil {
			return fmt.Errorf("%w: clear path: %w", ErrUnloadFailed, err)
		}
		current = -1
		pos = c.Position()
	}
	if !toolhead && returnPath && pos == PosInTransit {
		c.logger.Warn("filament in return module, clearing path", "tool", current)
		if err := c.smartUnload(ctx, current); err != nil {
			return fmt.Errorf("%w: clear return module: %w", ErrUnloadFailed, err)
		}
		current = -1
		pos = c.Position()
	}

	targetTemp := 0
	if tu != nil {
		if sl, err := tu.Slot(tslot); err == nil && sl.Temp > 0 {
			targetTemp = sl.Temp
		}
	}

	if target >= 0 && current == target {
		done, err := c.reselect(ctx, target, tu, tslot)
		if done || err != nil {
			return err
		}
		pos = c.Position()
	}

	if err := c.runScript(ctx, fmt.Sprintf("_ACE_PRE_TOOLCHANGE FROM=%d TO=%d TARGET_TEMP=%d", current, target, targetTemp)); err != nil {
		return fmt.Errorf("pre toolchange: %w", err)
	}

	switch {
	case current == -1:
	case o.endless:
		c.logger.Info("endless spool swap, skipping unload", "tool", current)
		c.setPosition(PosPark)
	case pos == PosPark:
		c.logger.Info("tool not loaded, skipping unload", "tool", current)
	default:
		if err := c.smartUnload(ctx, current); err != nil {
			return fmt.Errorf("%w: T%d: %w", ErrUnloadFailed, current, err)
		}
	}

	if target < 0 {
		c.setCurrent(-1)
		c.SyncMacroState(ctx, -1)
		c.logger.Info("tool unloaded", "tool", current)
		return nil
	}

	if err := c.waitSpoolReady(ctx, target, tu, tslot); err != nil {
		return err
	}

	err := tu.LoadToNozzle(ctx, tslot, func(stage unit.LoadStage) {
		switch stage {
		case unit.StageInTransit:
			c.setPosition(PosInTransit)
		case unit.StageAtToolhead:
			c.setPosition(PosToolhead)
		case unit.StageAtNozzle:
			c.setPosition(PosNozzle)
		}
	})
	if err != nil {
		return fmt.Errorf("load T%d: %w", target, err)
	}

	c.setCurrent(target)
	c.SyncMacroState(ctx, target)
	c.notifyToolchange(target)

	purge := c.purgeLength(current, o.endless)
	post := fmt.Sprintf("_ACE_POST_TOOLCHANGE FROM=%d TO=%d PURGELENGTH=%g PURGESPEED=%g TARGET_TEMP=%d PURGED_AMOUNT=%.1f PURGE_MAX_CHUNK_LENGTH=%g",
		current, target, purge, c.cfg.ToolchangePurgeSpeed, targetTemp, tu.Config().ToolheadFullPurgeLength, c.cfg.PurgeMaxChunkLength)
	if err := c.runScript(ctx, post); err != nil {
		return fmt.Errorf("post toolchange: %w", err)
	}

	c.logger.Info("tool change complete", "from", current, "to", target, "unit", tu.ID(), "purge", purge)

	return nil
}

// reselect handles a change to the tool that is already current. done is true when
// nothing is left to load.
func (c *Coordinator) reselect(ctx context.Context, tool int, u *unit.Unit, slot int) (done bool, err error) {
	pos := c.Position()
	toolhead := c.env.Sensors.FilamentPresent(host.SensorToolhead)

	if toolhead {
		if pos != PosNozzle {
			c.logger.Warn("toolhead sensor shows filament, correcting position", "tool", tool, "recorded", pos)
			c.setPosition(PosNozzle)
			return true, nil
		}
		c.logger.Info("tool already loaded, re-enabling feed assist", "tool", tool)
		if err := u.EnableFeedAssist(ctx, slot); err != nil {
			c.logger.Warn("failed to re-enable feed assist", "tool", tool, "error", err)
		}
		return true, nil
	}

	if !c.pathFree() {
		c.logger.Warn("tool marked current but path blocked, clearing", "tool", tool, "position", pos)
		if err := c.smartUnload(ctx, -1); err != nil {
			return false, fmt.Errorf("%w: T%d path jammed: %w", ErrUnloadFailed, tool, err)
		}
	}
	c.logger.Info("tool marked current but not loaded, loading", "tool", tool)

	return false, nil
}

func (c *Coordinator) purgeLength(current int, endless bool) float64 {
	c.mu.Lock()
	mult := c.cfg.PurgeMultiplier
	c.mu.Unlock()

	length := c.cfg.ToolchangePurgeLength
	if endless && current != -1 {
		length = float64(int(length * c.cfg.EndlessSpoolPurgeMultiplier))
	}

	return length * mult
}

// WaitSpoolReady waits until the spool of tool is ready in the inventory and in the
// hardware status. A spool that is ready at once returns immediately. Otherwise the
// operator is prompted and the spool must stay ready for the configured stable
// period before the wait succeeds.
func (c *Coordinator) WaitSpoolReady(ctx context.Context, tool int) error {
	u, slot, err := c.reg.Resolve(tool)
	if err != nil {
		return err
	}

	return c.waitSpoolReady(ctx, tool, u, slot)
}

func (c *Coordinator) waitSpoolReady(ctx context.Context, tool int, u *unit.Unit, slot int) error {
	if err := u.WaitReady(ctx); err != nil {
		return err
	}

	status := func() (inv string, ready bool) {
		sl, _ := u.Slot(slot)
		return sl.Status, sl.IsReady() && u.SlotReadyHW(slot)
	}

	inv, ready := status()
	if ready {
		return nil
	}

	c.logger.Warn("spool not ready, waiting", "tool", tool, "unit", u.ID(), "slot", slot, "inventory", inv)
	prompt := host.Prompt{
		Title: "Spool Not Ready",
		Text: []string{
			fmt.Sprintf("Spool not ready! ACE %d, Slot %d (Tool T%d) - Status: inventory=%s",
				u.ID(), slot, tool, inv),
			fmt.Sprintf("Please reload the spool on ACE %d, slot %d. The tool change continues when the spool is detected and stable.",
				u.ID(), slot),
		},
		FooterButtons: []host.PromptButton{
			{Label: "Cancel Print", Command: "CANCEL_PRINT", Style: host.StyleError},
		},
	}
	if err := c.env.Prompter.ShowPrompt(ctx, prompt); err != nil {
		c.logger.Warn("failed to show prompt", "title", prompt.Title, "error", err)
	}
	defer func() {
		if err := c.env.Prompter.ClosePrompt(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("failed to close prompt", "error", err)
		}
	}()

	clock := c.env.Scheduler
	start := clock.Now()
	var readySince time.Time
	for {
		now := clock.Now()
		if now.Sub(start) > c.cfg.SpoolReadyTimeout {
			return fmt.Errorf("%w: T%d after %s", ErrSpoolNotReady, tool, now.Sub(start))
		}

		if _, ready := status(); ready {
			if readySince.IsZero() {
				readySince = now
			} else if now.Sub(readySince) >= c.cfg.SpoolStableFor {
				c.logger.Info("spool ready", "tool", tool, "waited", now.Sub(start))
				return nil
			}
		} else {
			readySince = time.Time{}
		}

		if err := clock.Sleep(ctx, c.cfg.SpoolReadyInterval); err != nil {
			return err
		}
	}
}
