package unit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/transport"
)

const (
	feedAttempts      = 3
	feedRetryDelay    = time.Second
	retractAttempts   = 3
	retractRetryDelay = 2 * time.Second
	speedAttempts     = 3
	speedRetryDelay   = 200 * time.Millisecond

	retractPollInterval = 200 * time.Millisecond
	sensorPollInterval  = 50 * time.Millisecond
	assistPollInterval  = time.Second
	assistFallback      = 60 * time.Second
	settleDelay         = time.Second
	incrementalSettle   = 100 * time.Millisecond

	// lateTriggerRatio is the share of the expected retract time after which a toolhead
	// sensor change is considered suspiciously late.
	lateTriggerRatio = 0.9
)

// LoadStage is a point reached while loading filament into the toolhead.
type LoadStage int

// Load stages in the order they are reached.
const (
	// StageInTransit is reached once the unit accepted the feed.
	StageInTransit LoadStage = iota
	// StageAtToolhead is reached once the toolhead sensor detects the filament.
	StageAtToolhead
	// StageAtNozzle is reached once the extruder pushed the filament into the nozzle.
	StageAtNozzle
)

// String returns the stage name.
func (s LoadStage) String() string {
	switch s {
	case StageInTransit:
		return "in-transit"
	case StageAtToolhead:
		return "at-toolhead"
	case StageAtNozzle:
		return "at-nozzle"
	}

	return "unknown"
}

// StageFunc is invoked when a load reaches a stage.
type StageFunc func(stage LoadStage)

// call sends a request and waits for its reply. A failure code or a FORBIDDEN message
// is returned as *RejectError.
func (u *Unit) call(ctx context.Context, method string, params map[string]any, p transport.Priority) (*transport.Response, error) {
	select {
	case reply := <-u.link.Send(transport.NewRequest(method, params), p):
		if reply.Err != nil {
			return nil, fmt.Errorf("unit %d: %s: %w", u.id, method, reply.Err)
		}
		resp := reply.Response
		if resp.Code != 0 || resp.Msg == forbiddenMsg {
			return resp, &RejectError{Method: method, Code: resp.Code, Msg: resp.Msg}
		}
		return resp, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *Unit) sleep(ctx context.Context, d time.Duration) error {
	return u.env.Scheduler.Sleep(ctx, d)
}

func (u *Unit) isReady() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.hw.Status == "ready"
}

// slotEmptyHW reports whether the hardware reports slot idx empty.
func (u *Unit) slotEmptyHW(idx int) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	hs, ok := u.hw.slot(idx)

	return ok && hs.Status == StatusEmpty
}

// SlotReadyHW reports whether the last hardware status reports slot idx ready.
func (u *Unit) SlotReadyHW(idx int) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	hs, ok := u.hw.slot(idx)

	return ok && hs.Status == StatusReady
}

// RefreshStatus requests a fresh status and merges it into the inventory.
func (u *Unit) RefreshStatus(ctx context.Context) error {
	resp, err := u.call(ctx, "get_status", nil, transport.PriorityHigh)
	if err != nil {
		return err
	}

	var st HWStatus
	if err := resp.DecodeResult(&st); err != nil {
		return fmt.Errorf("unit %d: decode status: %w", u.id, err)
	}
	u.HandleStatus(st)

	return nil
}

// WaitReady waits until the unit reports ready.
func (u *Unit) WaitReady(ctx context.Context) error {
	return u.waitReady(ctx, nil)
}

// waitReady polls the cached status until it reports ready, refreshing it every
// ReadyRefresh. onCycle runs on every poll.
func (u *Unit) waitReady(ctx context.Context, onCycle func()) error {
	sched := u.env.Scheduler
	start := sched.Now()
	refreshed := start

	for {
		if u.isReady() {
			return nil
		}
		if onCycle != nil {
			onCycle()
		}

		now := sched.Now()
		if now.Sub(start) >= u.cfg.ReadyTimeout {
			return fmt.Errorf("%w: unit %d after %s", ErrNotReady, u.id, u.cfg.ReadyTimeout)
		}
		if now.Sub(refreshed) >= u.cfg.ReadyRefresh {
			refreshed = now
			if err := u.RefreshStatus(ctx); err != nil {
				u.logger.Warn("status refresh failed", "error", err)
			}
		}

		if err := u.sleep(ctx, u.cfg.ReadyPollInterval); err != nil {
			return err
		}
	}
}

// EnableFeedAssist enables feed-assist on slot and waits for the unit to settle.
func (u *Unit) EnableFeedAssist(ctx context.Context, slot int) error {
	if err := checkSlot(slot); err != nil {
		return err
	}

	u.mu.Lock()
	prev := u.feedAssist
	u.feedAssist = slot
	u.mu.Unlock()

	if _, err := u.call(ctx, "start_feed_assist", map[string]any{"index": slot}, transport.PriorityNormal); err != nil {
		u.mu.Lock()
		u.feedAssist = prev
		u.mu.Unlock()
		return fmt.Errorf("unit %d: enable feed assist on slot %d: %w", u.id, slot, err)
	}

	depth, ok := u.link.TopologyDepth()
	u.mu.Lock()
	u.assistDepth = -1
	if ok {
		u.assistDepth = depth
	}
	u.mu.Unlock()

	u.persistFeedAssist(slot)
	u.logger.Info("feed assist enabled", "slot", slot)

	return u.WaitReady(ctx)
}

// DisableFeedAssist disables feed-assist on slot. It does nothing when feed-assist
// is not active on slot.
func (u *Unit) DisableFeedAssist(ctx context.Context, slot int) error {
	u.mu.Lock()
	if u.feedAssist != slot {
		current := u.feedAssist
		u.mu.Unlock()
		if current >= 0 {
			u.logger.Warn("feed assist not active on slot, not disabling", "slot", slot, "active", current)
		}
		return nil
	}
	u.feedAssist = -1
	u.mu.Unlock()

	if err := u.WaitReady(ctx); err != nil {
		return err
	}
	if _, err := u.call(ctx, "stop_feed_assist", map[string]any{"index": slot}, transport.PriorityNormal); err != nil {
		return fmt.Errorf("unit %d: disable feed assist on slot %d: %w", u.id, slot, err)
	}
	if err := u.sleep(ctx, settleDelay); err != nil {
		return err
	}
	if err := u.WaitReady(ctx); err != nil {
		return err
	}

	u.persistFeedAssist(-1)
	u.logger.Info("feed assist disabled", "slot", slot)

	return nil
}

// restoreFeedAssist re-enables feed-assist on slot when slot is not -1.
func (u *Unit) restoreFeedAssist(ctx context.Context, slot int) {
	if slot < 0 {
		return
	}
	if err := u.EnableFeedAssist(ctx, slot); err != nil {
		u.logger.Warn("failed to restore feed assist", "slot", slot, "error", err)
	}
}

// Feed feeds length mm from slot at speed. A FORBIDDEN answer is retried up to three
// attempts in total, one second apart. Any other failure is returned at once.
func (u *Unit) Feed(ctx context.Context, slot int, length, speed float64) error {
	if err := checkSlot(slot); err != nil {
		return err
	}

	params := map[string]any{"index": slot, "length": length, "speed": speed}
	for attempt := 1; ; attempt++ {
		if err := u.WaitReady(ctx); err != nil {
			return err
		}

		u.logger.Debug("feed", "slot", slot, "length", length, "speed", speed, "attempt", attempt)
		_, err := u.call(ctx, "feed_filament", params, transport.PriorityNormal)
		if err == nil {
			return nil
		}
		if !IsForbidden(err) || attempt >= feedAttempts {
			return fmt.Errorf("unit %d: feed slot %d: %w", u.id, slot, err)
		}

		u.logger.Info("feed forbidden, retrying", "slot", slot, "attempt", attempt, "max", feedAttempts)
		if err := u.sleep(ctx, feedRetryDelay); err != nil {
			return err
		}
	}
}

// StopFeed stops feeding slot.
func (u *Unit) StopFeed(ctx context.Context, slot int) error {
	if _, err := u.call(ctx, "stop_feed_filament", map[string]any{"index": slot}, transport.PriorityHigh); err != nil {
		return fmt.Errorf("unit %d: stop feed slot %d: %w", u.id, slot, err)
	}

	return nil
}

// StopRetract stops retracting slot.
func (u *Unit) StopRetract(ctx context.Context, slot int) error {
	if _, err := u.call(ctx, "stop_unwind_filament", map[string]any{"index": slot}, transport.PriorityNormal); err != nil {
		return fmt.Errorf("unit %d: stop retract slot %d: %w", u.id, slot, err)
	}

	return nil
}

// ChangeFeedSpeed changes the speed of a running feed.
func (u *Unit) ChangeFeedSpeed(ctx context.Context, slot int, speed float64) error {
	params := map[string]any{"index": slot, "speed": speed}
	if _, err := u.call(ctx, "update_feeding_speed", params, transport.PriorityNormal); err != nil {
		return fmt.Errorf("unit %d: change feed speed: %w", u.id, err)
	}

	return nil
}

// ChangeRetractSpeed changes the speed of a running retract.
func (u *Unit) ChangeRetractSpeed(ctx context.Context, slot int, speed float64) error {
	params := map[string]any{"index": slot, "speed": speed}
	if _, err := u.call(ctx, "update_unwinding_speed", params, transport.PriorityNormal); err != nil {
		return fmt.Errorf("unit %d: change retract speed: %w", u.id, err)
	}

	return nil
}

type retractOutcome int

const (
	retractDone retractOutcome = iota
	retractSkipped
	retractStoppedEarly
)

type retractHooks struct {
	started func()
	poll    func()
}

// Retract retracts length mm into slot at speed and waits until the unit is ready again.
func (u *Unit) Retract(ctx context.Context, slot int, length, speed float64) error {
	_, err := u.retract(ctx, slot, length, speed, retractHooks{})
	return err
}

// retract issues unwind_filament and waits for the expected duration of the move. A
// FORBIDDEN answer or a missing response is retried. The wait ends early when the
// slot reports empty.
func (u *Unit) retract(ctx context.Context, slot int, length, speed float64, hooks retractHooks) (retractOutcome, error) {
	if err := checkSlot(slot); err != nil {
		return retractDone, err
	}
	if speed <= 0 {
		speed = u.cfg.RetractSpeed
	}

	if err := u.WaitReady(ctx); err != nil {
		return retractDone, err
	}
	if u.slotEmptyHW(slot) {
		u.logger.Info("slot already empty, retract skipped", "slot", slot)
		return retractSkipped, nil
	}

	params := map[string]any{"index": slot, "length": length, "speed": speed}
	var lastErr error

	for attempt := 1; attempt <= retractAttempts; attempt++ {
		if attempt > 1 {
			if err := u.sleep(ctx, retractRetryDelay); err != nil {
				return retractDone, err
			}
			if err := u.WaitReady(ctx); err != nil {
				return retractDone, err
			}
		}

		u.logger.Debug("retract", "slot", slot, "length", length, "speed", speed, "attempt", attempt)
		_, err := u.call(ctx, "unwind_filament", params, transport.PriorityNormal)
		if err != nil {
			var re *RejectError
			if errors.As(err, &re) && !re.IsForbidden() {
				return retractDone, fmt.Errorf("unit %d: retract slot %d: %w", u.id, slot, err)
			}
			if ctx.Err() != nil {
				return retractDone, ctx.Err()
			}
			u.logger.Info("retract not accepted, retrying", "slot", slot, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}

		if hooks.started != nil {
			hooks.started()
		}

		outcome, err := u.dwellRetract(ctx, slot, length, speed, hooks.poll)
		if err != nil {
			return outcome, err
		}
		if err := u.waitReady(ctx, hooks.poll); err != nil {
			return outcome, err
		}

		return outcome, nil
	}

	if !IsForbidden(lastErr) {
		lastErr = fmt.Errorf("%w: %w", ErrNoResponse, lastErr)
	}

	return retractDone, fmt.Errorf("unit %d: retract failed after %d attempts: %w", u.id, retractAttempts, lastErr)
}

// dwellRetract waits for the duration of a retract of length at speed, polling every
// retractPollInterval. It stops the retract when the slot reports empty.
func (u *Unit) dwellRetract(ctx context.Context, slot int, length, speed float64, poll func()) (retractOutcome, error) {
	total := time.Duration(length / speed * float64(time.Second))
	for waited := time.Duration(0); waited < total; waited += retractPollInterval {
		if err := u.sleep(ctx, min(retractPollInterval, total-waited)); err != nil {
			return retractDone, err
		}
		if poll != nil {
			poll()
		}

		if u.slotEmptyHW(slot) {
			u.logger.Info("slot empty during retract, stopping", "slot", slot)
			if err := u.StopRetract(ctx, slot); err != nil {
				u.logger.Warn("stop retract failed", "slot", slot, "error", err)
			}
			if err := u.WaitReady(ctx); err != nil {
				return retractStoppedEarly, err
			}
			return retractStoppedEarly, nil
		}
	}

	return retractDone, nil
}

// sensorMonitor records when a sensor first changes state relative to its state at
// creation.
type sensorMonitor struct {
	sensors   host.Sensors
	sched     host.Scheduler
	id        host.SensorID
	start     time.Time
	initial   bool
	triggered bool
	after     time.Duration
	polls     int
}

func (u *Unit) newSensorMonitor(id host.SensorID) *sensorMonitor {
	return &sensorMonitor{
		sensors: u.env.Sensors,
		sched:   u.env.Scheduler,
		id:      id,
		start:   u.env.Scheduler.Now(),
		initial: u.env.Sensors.FilamentPresent(id),
	}
}

func (m *sensorMonitor) poll() {
	m.polls++
	if m.triggered {
		return
	}
	if m.sensors.FilamentPresent(m.id) != m.initial {
		m.triggered = true
		m.after = m.sched.Now().Sub(m.start)
	}
}

// waitSensor polls sensor id every interval until it detects filament or timeout
// passes. It reports whether the sensor triggered.
func (u *Unit) waitSensor(ctx context.Context, id host.SensorID, timeout, interval time.Duration) (bool, error) {
	start := u.env.Scheduler.Now()
	for {
		if u.env.Sensors.FilamentPresent(id) {
			return true, nil
		}
		if u.env.Scheduler.Now().Sub(start) >= timeout {
			return false, nil
		}
		if err := u.sleep(ctx, interval); err != nil {
			return false, err
		}
	}
}

// pathFree reports whether the toolhead sensor and, when present, the return-path
// sensor are clear.
func (u *Unit) pathFree() bool {
	s := u.env.Sensors
	if s.FilamentPresent(host.SensorToolhead) {
		return false
	}

	return !s.HasSensor(host.SensorReturnPath) || !s.FilamentPresent(host.SensorReturnPath)
}

// FeedToSensor feeds from slot until sensor detects the filament. After the first
// feed of length it continues in increments of IncrementalFeedingLength until
// TotalMaxFeedingLength is reached.
func (u *Unit) FeedToSensor(ctx context.Context, slot int, sensor host.SensorID, length float64) error {
	if err := u.WaitReady(ctx); err != nil {
		return err
	}
	if u.env.Sensors.FilamentPresent(sensor) {
		return fmt.Errorf("%w: filament already at %s", ErrPathBlocked, sensor)
	}

	if err := u.Feed(ctx, slot, length, u.cfg.FeedSpeed); err != nil {
		return err
	}

	reached, err := u.waitSensor(ctx, sensor, u.cfg.moveTimeout(length, u.cfg.FeedSpeed), sensorPollInterval)
	if err != nil {
		return err
	}
	if err := u.StopFeed(ctx, slot); err != nil {
		u.logger.Warn("stop feed failed", "slot", slot, "error", err)
	}

	fed := length
	for !reached && fed < u.cfg.TotalMaxFeedingLength {
		step, speed := u.cfg.IncrementalFeedingLength, u.cfg.IncrementalFeedingSpeed
		u.logger.Info("incremental feed", "slot", slot, "sensor", sensor, "length", step, "speed", speed)
		if err := u.Feed(ctx, slot, step, speed); err != nil {
			return err
		}
		fed += step

		d := time.Duration(step/speed*float64(time.Second)) + incrementalSettle
		if err := u.sleep(ctx, d); err != nil {
			return err
		}
		reached = u.env.Sensors.FilamentPresent(sensor)
	}

	if !reached {
		return fmt.Errorf("%w: %s after %.0fmm from slot %d", ErrSensorTimeout, sensor, fed, slot)
	}
	u.logger.Info("filament reached sensor", "slot", slot, "sensor", sensor, "fed", fed)

	return u.WaitReady(ctx)
}

// LoadToNozzle loads slot into the toolhead and pushes the filament to the nozzle.
// stage, if not nil, is invoked as the filament reaches each LoadStage.
//
// The path must be clear: filament at the return-path or toolhead sensor fails the
// load with ErrPathBlocked.
func (u *Unit) LoadToNozzle(ctx context.Context, slot int, stage StageFunc) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if stage == nil {
		stage = func(LoadStage) {}
	}

	if err := u.WaitReady(ctx); err != nil {
		return err
	}

	s := u.env.Sensors
	if s.HasSensor(host.SensorReturnPath) && s.FilamentPresent(host.SensorReturnPath) {
		return fmt.Errorf("%w: filament stuck in return module", ErrPathBlocked)
	}
	if s.FilamentPresent(host.SensorToolhead) {
		return fmt.Errorf("%w: filament in nozzle", ErrPathBlocked)
	}

	if err := u.feedWithExtruderAssist(ctx, slot, u.cfg.ToolchangeLoadLength, u.cfg.FeedSpeed, stage); err != nil {
		return err
	}
	stage(StageAtToolhead)

	if err := u.env.Motion.RunScript(ctx, "G92 E0"); err != nil {
		return fmt.Errorf("unit %d: reset extruder: %w", u.id, err)
	}
	if err := u.moveExtruder(ctx, u.cfg.ToolheadFullPurgeLength, u.cfg.ToolheadSlowLoadingSpeed); err != nil {
		return err
	}
	stage(StageAtNozzle)

	return nil
}

// feedWithExtruderAssist feeds to the toolhead sensor, then hands the filament to the
// extruder while the unit keeps pushing at ExtruderFeedingSpeed.
func (u *Unit) feedWithExtruderAssist(ctx context.Context, slot int, length, speed float64, stage StageFunc) error {
	if err := u.DisableFeedAssist(ctx, slot); err != nil {
		return err
	}
	if err := u.Feed(ctx, slot, length, speed); err != nil {
		return err
	}
	stage(StageInTransit)

	reached, err := u.waitSensor(ctx, host.SensorToolhead, u.cfg.moveTimeout(length, speed), sensorPollInterval)
	if err != nil {
		return err
	}

	if !reached {
		u.logger.Warn("toolhead sensor not reached, trying feed assist", "slot", slot)
		if err := u.EnableFeedAssist(ctx, slot); err != nil {
			return err
		}
		reached, err = u.waitSensor(ctx, host.SensorToolhead, assistFallback, assistPollInterval)
		if err != nil {
			return err
		}
		if err := u.DisableFeedAssist(ctx, slot); err != nil {
			return err
		}
		if !reached {
			return fmt.Errorf("%w: toolhead sensor after feeding %.0fmm from slot %d", ErrSensorTimeout, length, slot)
		}
	}

	var speedErr error
	for attempt := 1; attempt <= speedAttempts; attempt++ {
		if speedErr = u.ChangeFeedSpeed(ctx, slot, u.cfg.ExtruderFeedingSpeed); speedErr == nil {
			break
		}
		if err := u.sleep(ctx, speedRetryDelay); err != nil {
			return err
		}
	}
	if speedErr != nil {
		if err := u.StopFeed(ctx, slot); err != nil {
			u.logger.Warn("stop feed failed", "slot", slot, "error", err)
		}
		return speedErr
	}

	if err := u.moveExtruder(ctx, u.cfg.ExtruderFeedingLength, u.cfg.ExtruderFeedingSpeed); err != nil {
		return err
	}
	if err := u.StopFeed(ctx, slot); err != nil {
		return err
	}
	if err := u.WaitReady(ctx); err != nil {
		return err
	}

	return u.EnableFeedAssist(ctx, slot)
}

func (u *Unit) moveExtruder(ctx context.Context, length, speed float64) error {
	if length == 0 {
		return nil
	}
	if err := u.env.Motion.MoveExtruder(ctx, length, speed, true); err != nil {
		return fmt.Errorf("unit %d: extruder move: %w", u.id, err)
	}

	return nil
}

// SmartUnloadSlot retracts length mm into slot and verifies the path with the sensors.
// onStarted, if not nil, runs once the unit accepted the retract.
//
// It returns true when the path is clear. Without a return-path sensor a toolhead
// sensor that still detects filament returns false. With one, a blocked path is
// retried with a sensor triggered retract and ErrPathBlocked is returned when that
// fails too.
func (u *Unit) SmartUnloadSlot(ctx context.Context, slot int, length float64, onStarted func()) (bool, error) {
	hasReturn := u.env.Sensors.HasSensor(host.SensorReturnPath)
	speed := u.cfg.RetractSpeed

	u.logger.Info("unload slot", "slot", slot, "length", length, "speed", speed,
		"timeout", u.cfg.moveTimeout(length, speed), "return_sensor", hasReturn)

	ok, err := u.smartUnload(ctx, slot, length, speed, hasReturn, onStarted)
	if err != nil {
		if stopErr := u.StopRetract(ctx, slot); stopErr != nil {
			u.logger.Debug("stop retract after failed unload", "error", stopErr)
		}
		return false, err
	}

	return ok, nil
}

func (u *Unit) smartUnload(ctx context.Context, slot int, length, speed float64, hasReturn bool, onStarted func()) (bool, error) {
	if err := u.DisableFeedAssist(ctx, slot); err != nil {
		return false, err
	}

	mon := u.newSensorMonitor(host.SensorToolhead)
	start := u.env.Scheduler.Now()

	if _, err := u.retract(ctx, slot, length, speed, retractHooks{started: onStarted, poll: mon.poll}); err != nil {
		return false, err
	}

	elapsed := u.env.Scheduler.Now().Sub(start)
	expected := time.Duration(length / speed * float64(time.Second))
	if mon.triggered {
		ratio := 0.0
		if expected > 0 {
			ratio = float64(mon.after) / float64(expected)
		}
		u.logger.Info("retract completed", "elapsed", elapsed, "sensor", mon.after, "ratio", ratio, "polls", mon.polls)

		if ratio > lateTriggerRatio {
			extra := u.cfg.ParkToToolheadLength
			u.logger.Info("late sensor trigger, retracting extra length", "length", extra, "speed", speed/2)
			if _, err := u.retract(ctx, slot, extra, speed/2, retractHooks{}); err != nil {
				return false, err
			}
		}
	} else {
		u.logger.Info("retract completed, sensor did not change", "elapsed", elapsed, "polls", mon.polls)
	}

	if err := u.sleep(ctx, settleDelay); err != nil {
		return false, err
	}

	toolheadClear := !u.env.Sensors.FilamentPresent(host.SensorToolhead)
	if !hasReturn {
		if !toolheadClear {
			u.logger.Warn("toolhead sensor still triggered after retract", "slot", slot, "length", length)
		}
		return toolheadClear, nil
	}

	returnClear := !u.env.Sensors.FilamentPresent(host.SensorReturnPath)
	if toolheadClear && returnClear {
		return true, nil
	}

	freed, err := u.sensorTriggeredUnload(ctx, slot, length, u.cfg.ParkToReturnPathLength)
	if err != nil {
		return false, err
	}
	if !freed {
		u.mu.Lock()
		status := u.slots[slot].Status
		u.mu.Unlock()
		return false, fmt.Errorf("%w: slot %d (%s) after %.1fmm, toolhead clear=%t, return module clear=%t",
			ErrPathBlocked, slot, status, length, toolheadClear, returnClear)
	}

	return true, nil
}

// sensorTriggeredUnload retracts until the path is free, then keeps retracting for
// overshoot mm before stopping.
func (u *Unit) sensorTriggeredUnload(ctx context.Context, slot int, length, overshoot float64) (bool, error) {
	if !u.env.Sensors.HasSensor(host.SensorReturnPath) {
		return false, nil
	}

	prev := u.FeedAssistIndex()
	if err := u.DisableFeedAssist(ctx, slot); err != nil {
		return false, err
	}
	defer u.restoreFeedAssist(ctx, prev)

	speed := u.cfg.RetractSpeed
	timeout := u.cfg.moveTimeout(length, speed)
	start := u.env.Scheduler.Now()

	if _, err := u.retract(ctx, slot, length, speed, retractHooks{}); err != nil {
		return false, err
	}

	for u.env.Scheduler.Now().Sub(start) < timeout {
		if u.pathFree() {
			wait := u.cfg.moveTimeout(overshoot, speed)
			u.logger.Info("path clear, waiting for overshoot", "after", u.env.Scheduler.Now().Sub(start), "overshoot", wait)
			if err := u.sleep(ctx, wait); err != nil {
				return false, err
			}
			if err := u.StopRetract(ctx, slot); err != nil {
				u.logger.Warn("stop retract failed", "slot", slot, "error", err)
			}
			return true, nil
		}
		if err := u.sleep(ctx, sensorPollInterval); err != nil {
			return false, err
		}
	}

	if err := u.StopRetract(ctx, slot); err != nil {
		u.logger.Warn("stop retract failed", "slot", slot, "error", err)
	}

	return false, nil
}

// FullUnload retracts TotalMaxFeedingLength into slot and reports whether the path
// is clear afterwards. A slot that is empty in both the inventory and the hardware
// status is skipped.
func (u *Unit) FullUnload(ctx context.Context, slot int) (bool, error) {
	if err := checkSlot(slot); err != nil {
		return false, err
	}

	u.mu.Lock()
	invEmpty := u.slots[slot].Status == StatusEmpty
	u.mu.Unlock()
	if invEmpty && !u.SlotReadyHW(slot) {
		u.logger.Info("slot already empty, skipping full unload", "slot", slot)
		return true, nil
	}

	if u.FeedAssistIndex() == slot {
		if err := u.DisableFeedAssist(ctx, slot); err != nil {
			return false, err
		}
	}

	length, speed := u.cfg.TotalMaxFeedingLength, u.cfg.RetractSpeed
	u.logger.Info("full unload", "slot", slot, "length", length, "speed", speed)

	if err := u.Retract(ctx, slot, length, speed); err != nil {
		return false, err
	}

	free := u.pathFree()
	if !free {
		u.logger.Warn("path still blocked after full unload", "slot", slot)
	}

	return free, nil
}

// StartDrying starts the dryer at temp °C for minutes.
func (u *Unit) StartDrying(ctx context.Context, temp, minutes int) error {
	if temp <= 0 || float64(temp) > u.cfg.MaxDryerTemperature {
		return fmt.Errorf("%w: %d, want 1..%.0f", ErrDryerTemperature, temp, u.cfg.MaxDryerTemperature)
	}
	if minutes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDuration, minutes)
	}

	params := map[string]any{"temp": temp, "duration": minutes}
	if _, err := u.call(ctx, "drying", params, transport.PriorityNormal); err != nil {
		return fmt.Errorf("unit %d: start dryer: %w", u.id, err)
	}
	u.logger.Info("dryer started", "temp", temp, "minutes", minutes)

	return nil
}

// StopDrying stops the dryer.
func (u *Unit) StopDrying(ctx context.Context) error {
	if _, err := u.call(ctx, "drying_stop", nil, transport.PriorityNormal); err != nil {
		return fmt.Errorf("unit %d: stop dryer: %w", u.id, err)
	}
	u.logger.Info("dryer stopped")

	return nil
}
