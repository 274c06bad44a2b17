package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/unit"
)

const (
	identifyReadings = 3
	identifyInterval = 100 * time.Millisecond
	// extruderSlack speeds up the extruder retract so the unit never pulls against it.
	extruderSlack = 1.1
)

// SmartUnload clears the filament path and parks tool. A tool of -1 unloads the
// current tool, identifying it by cycling the slots when the sensors show filament.
//
// When the unload of a known tool fails, the other ready slots of the same unit
// and then the slots of the other units are tried before giving up.
func (c *Coordinator) SmartUnload(ctx context.Context, tool int) error {
	c.seq.Lock()
	defer c.seq.Unlock()

	guard := c.EnterToolchange()
	defer guard.Release()

	return c.smartUnload(ctx, tool)
}

func (c *Coordinator) smartUnload(ctx context.Context, tool int) error {
	current := c.CurrentTool()
	c.logger.Info("smart unload", "tool", tool, "current_tool", current)

	tempTool := tool
	if tempTool < 0 {
		tempTool = current
	}
	c.prepareRetraction(ctx, tempTool)

	if tool >= 0 {
		err := c.unloadTool(ctx, tool)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSlotEmpty) || errors.Is(err, ErrUnmappedTool) || ctx.Err() != nil {
			return err
		}

		c.logger.Warn("unload failed, trying other slots", "tool", tool, "error", err)
		if c.cycleUnload(ctx, tool, true) {
			return nil
		}

		return err
	}

	s := c.env.Sensors
	toolhead := s.FilamentPresent(host.SensorToolhead)
	returnPath := s.HasSensor(host.SensorReturnPath) && s.FilamentPresent(host.SensorReturnPath)
	if toolhead || returnPath {
		c.logger.Info("current tool unknown but sensor triggered, cycling slots", "toolhead_sensor", toolhead, "return_sensor", returnPath)
		if c.cycleUnload(ctx, current, false) {
			return nil
		}
		return fmt.Errorf("%w: loaded tool not identified", ErrUnloadFailed)
	}

	c.setPosition(PosPark)
	if current >= 0 {
		c.logger.Warn("tool marked current but sensors clear, assuming unloaded", "tool", current)
		c.setCurrent(-1)
	}

	return nil
}

// unloadTool retracts tool to the park position. With filament at the toolhead the
// extruder retracts together with the unit.
func (c *Coordinator) unloadTool(ctx context.Context, tool int) error {
	u, slot, err := c.reg.Resolve(tool)
	if err != nil {
		return err
	}

	sl, err := u.Slot(slot)
	if err != nil {
		return err
	}
	if !sl.IsReady() {
		return fmt.Errorf("%w: T%d, unit %d slot %d ran out with filament still in the tube; pull or cut it at the toolhead and reload the spool",
			ErrSlotEmpty, tool, u.ID(), slot)
	}

	park := u.Config().ParkToToolheadLength

	if !c.env.Sensors.FilamentPresent(host.SensorToolhead) {
		c.logger.Info("toolhead sensor clear, standard retract", "tool", tool, "length", park)
		if _, err := u.SmartUnloadSlot(ctx, slot, park, nil); err != nil {
			return err
		}
		if !c.pathFree() {
			return fmt.Errorf("%w: T%d path still blocked", ErrUnloadFailed, tool)
		}
		c.setPosition(PosPark)
		c.logger.Info("tool unloaded", "tool", tool)
		return nil
	}

	defer func() {
		for _, script := range []string{"G92 E0", "G90"} {
			if err := c.runScript(context.WithoutCancel(ctx), script); err != nil {
				c.logger.Warn("failed to reset extruder", "script", script, "error", err)
			}
		}
	}()

	if err := u.WaitReady(ctx); err != nil {
		return err
	}

	length, speed := c.cfg.ToolheadRetractionLength, c.cfg.ToolheadRetractionSpeed
	c.logger.Info("retracting from toolhead", "tool", tool, "length", length, "speed", speed)

	if err := c.env.Motion.MoveExtruder(ctx, -length, speed*extruderSlack, false); err != nil {
		return fmt.Errorf("extruder retract: %w", err)
	}
	ok, err := u.SmartUnloadSlot(ctx, slot, park+length, nil)
	if err != nil {
		return err
	}
	if err := c.runScript(ctx, "M400"); err != nil {
		return fmt.Errorf("wait for extruder: %w", err)
	}
	if !ok || !c.pathFree() {
		return fmt.Errorf("%w: T%d", ErrUnloadFailed, tool)
	}

	c.setPosition(PosPark)
	c.logger.Info("tool unloaded", "tool", tool)

	return nil
}

// prepareRetraction runs the retraction macro when filament is at the toolhead.
func (c *Coordinator) prepareRetraction(ctx context.Context, tool int) {
	if !c.env.Sensors.FilamentPresent(host.SensorToolhead) {
		return
	}

	temp := 0
	if u, slot, err := c.reg.Resolve(tool); err == nil {
		if sl, err := u.Slot(slot); err == nil {
			temp = sl.Temp
		}
	}

	script := fmt.Sprintf("_ACE_PREPARE_FOR_RETRACTION TARGET_TEMP=%d PRE_CUT_RETRACT=%g", temp, c.cfg.PreCutRetractLength)
	if err := c.runScript(ctx, script); err != nil {
		c.logger.Warn("prepare for retraction failed", "tool", tool, "error", err)
	}
}

type candidate struct {
	unit *unit.Unit
	slot int
	tool int
}

// unloadCandidates lists the tools to try when the loaded tool is unknown: first,
// then the other non-empty slots of its unit, then the other units in id order.
// With skipFirst, first itself is left out.
func (c *Coordinator) unloadCandidates(first int, skipFirst bool) []candidate {
	var out []candidate

	startUnit := 0
	if u, slot, err := c.reg.Resolve(first); err == nil {
		startUnit = u.ID()
		if !skipFirst {
			out = append(out, candidate{unit: u, slot: slot, tool: first})
		}
	}

	units := c.reg.Units()
	for i := range units {
		u := units[(startUnit+i)%len(units)]
		for slot, sl := range u.Slots() {
			tool := Tool(u.ID(), slot)
			if tool == first || !sl.IsReady() {
				continue
			}
			out = append(out, candidate{unit: u, slot: slot, tool: tool})
		}
	}

	return out
}

// cycleUnload tries the candidates until one clears the path. Filament at the
// toolhead is identified with short coordinated retracts; filament in the return
// module with a full retract per slot.
func (c *Coordinator) cycleUnload(ctx context.Context, first int, skipFirst bool) bool {
	useExtruder := c.env.Sensors.FilamentPresent(host.SensorToolhead)

	for _, cand := range c.unloadCandidates(first, skipFirst) {
		if ctx.Err() != nil {
			return false
		}
		c.logger.Info("testing slot", "tool", cand.tool, "unit", cand.unit.ID(), "slot", cand.slot, "extruder", useExtruder)

		var (
			found bool
			err   error
		)
		if useExtruder {
			found, err = c.identifyAtToolhead(ctx, cand)
		} else {
			found, err = c.identifyInReturnPath(ctx, cand)
		}
		if err != nil {
			c.logger.Warn("slot test failed", "tool", cand.tool, "error", err)
			continue
		}
		if !found {
			continue
		}

		if !c.pathFree() {
			c.logger.Warn("path still blocked after unload", "tool", cand.tool)
			return false
		}
		c.setPosition(PosPark)
		c.logger.Info("loaded tool identified and unloaded", "tool", cand.tool)

		return true
	}

	c.logger.Warn("failed to identify loaded tool")

	return false
}

func (c *Coordinator) identifyAtToolhead(ctx context.Context, cand candidate) (bool, error) {
	u, slot := cand.unit, cand.slot
	length, speed := c.cfg.ToolheadRetractionLength, c.cfg.ToolheadRetractionSpeed

	if u.FeedAssistIndex() == slot {
		if err := u.DisableFeedAssist(ctx, slot); err != nil {
			return false, err
		}
	}
	if err := u.WaitReady(ctx); err != nil {
		return false, err
	}
	if err := c.env.Motion.MoveExtruder(ctx, -length, speed, false); err != nil {
		return false, err
	}
	if err := u.Retract(ctx, slot, length, speed); err != nil {
		return false, err
	}

	settle := time.Duration(min(max(length/speed*0.1, 0.2), 1.0) * float64(time.Second))
	if err := c.env.Scheduler.Sleep(ctx, settle); err != nil {
		return false, err
	}

	present := false
	for i := 0; i < identifyReadings; i++ {
		present = c.env.Sensors.FilamentPresent(host.SensorToolhead)
		if i < identifyReadings-1 {
			if err := c.env.Scheduler.Sleep(ctx, identifyInterval); err != nil {
				return false, err
			}
		}
	}
	if present {
		return false, nil
	}

	remaining := u.Config().ParkToToolheadLength - length
	c.logger.Info("toolhead sensor cleared, completing unload", "tool", cand.tool, "remaining", remaining)
	if _, err := u.SmartUnloadSlot(ctx, slot, remaining, nil); err != nil {
		return false, err
	}

	return true, nil
}

func (c *Coordinator) identifyInReturnPath(ctx context.Context, cand candidate) (bool, error) {
	ok, err := cand.unit.SmartUnloadSlot(ctx, cand.slot, cand.unit.Config().ParkToToolheadLength, nil)
	if err != nil {
		return false, err
	}

	return ok && c.pathFree(), nil
}

// pathFree reports whether the toolhead sensor and, when present, the return-path
// sensor are clear.
func (c *Coordinator) pathFree() bool {
	s := c.env.Sensors
	if s.FilamentPresent(host.SensorToolhead) {
		return false
	}

	return !s.HasSensor(host.SensorReturnPath) || !s.FilamentPresent(host.SensorReturnPath)
}

// SmartLoad feeds every non-empty slot to the return-path sensor, or the toolhead
// sensor without one, and parks it again. It reports the number of slots that
// loaded and the number tried.
func (c *Coordinator) SmartLoad(ctx context.Context) (loaded, total int, err error) {
	c.seq.Lock()
	defer c.seq.Unlock()

	guard := c.EnterToolchange()
	defer guard.Release()

	if !c.pathFree() {
		return 0, 0, fmt.Errorf("smart load: %w", unit.ErrPathBlocked)
	}

	sensor, pos := host.SensorToolhead, PosToolhead
	useReturn := c.env.Sensors.HasSensor(host.SensorReturnPath)
	if useReturn {
		sensor, pos = host.SensorReturnPath, PosInTransit
	}

	for _, u := range c.reg.Units() {
		cfg := u.Config()
		park := cfg.ParkToToolheadLength
		if useReturn {
			park = cfg.ParkToReturnPathLength
		}

		for slot, sl := range u.Slots() {
			if !sl.IsReady() {
				continue
			}
			total++
			tool := Tool(u.ID(), slot)

			if err := u.FeedToSensor(ctx, slot, sensor, cfg.ToolchangeLoadLength); err != nil {
				if ctx.Err() != nil {
					return loaded, total, ctx.Err()
				}
				c.logger.Warn("slot did not reach sensor, parking", "tool", tool, "sensor", sensor, "error", err)
				if err := u.StopFeed(ctx, slot); err != nil {
					c.logger.Warn("stop feed failed", "tool", tool, "error", err)
				}
				if err := u.Retract(ctx, slot, park, cfg.RetractSpeed); err != nil {
					c.logger.Warn("safety retract failed", "tool", tool, "error", err)
				}
				continue
			}

			c.setPosition(pos)
			if err := u.Retract(ctx, slot, park, cfg.RetractSpeed); err != nil {
				c.logger.Warn("park retract failed", "tool", tool, "error", err)
				continue
			}
			if !c.pathFree() {
				c.logger.Warn("path not clear after parking", "tool", tool)
				continue
			}
			loaded++
			c.logger.Info("slot loaded and parked", "tool", tool)
		}
	}

	if loaded > 0 {
		c.setPosition(PosPark)
		c.setCurrent(-1)
	}
	c.logger.Info("smart load complete", "loaded", loaded, "total", total)

	return loaded, total, nil
}

// FullUnload retracts tool completely out of the tube.
func (c *Coordinator) FullUnload(ctx context.Context, tool int) error {
	u, slot, err := c.reg.Resolve(tool)
	if err != nil {
		return err
	}

	c.seq.Lock()
	defer c.seq.Unlock()

	guard := c.EnterToolchange()
	defer guard.Release()

	ok, err := u.FullUnload(ctx, slot)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: T%d path still blocked after full unload", ErrUnloadFailed, tool)
	}
	c.setPosition(PosPark)

	return nil
}
