package spool

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/host"
)

// Recover replaces the spool of tool from after a runout. It returns ErrDisabled
// when endless spool is off, ErrNoMatch when no spool qualifies and ErrSwapFailed
// when every candidate failed to load. The print stays paused on error.
func (m *Matcher) Recover(ctx context.Context, from int) error {
	enabled, mode := m.c.EndlessSpool()
	if !enabled {
		return ErrDisabled
	}

	to, err := m.FindMatch(from, mode)
	if err != nil {
		return err
	}

	return m.Swap(ctx, from, to)
}

// Swap pauses the print, marks from empty, loads to and resumes. A candidate that
// fails to load is unloaded and marked empty, and the search restarts from from
// without the tools already tried. After MaxAttempts failures, or when no candidate
// is left, from is marked ready again and ErrSwapFailed is returned.
func (m *Matcher) Swap(ctx context.Context, from, to int) error {
	env := m.c.Env()
	_, mode := m.c.EndlessSpool()

	if env.Printer.PrintState() != host.PrintPaused {
		if err := env.Motion.RunScript(ctx, "PAUSE"); err != nil {
			return fmt.Errorf("spool: pause: %w", err)
		}
	}

	tried := []int{from}
	target := to
	var lastErr error

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		m.logger.Info("endless spool swap", "from", from, "to", target, "attempt", attempt, "max", MaxAttempts)

		m.markEmpty(from)

		err := m.c.Change(ctx, from, target, coordinator.EndlessSwap())
		if err == nil {
			m.logger.Info("swap complete, resuming print", "from", from, "to", target)
			if err := env.Motion.RunScript(ctx, "RESUME PURGE=0"); err != nil {
				return fmt.Errorf("spool: resume: %w", err)
			}
			return nil
		}

		lastErr = err
		m.logger.Warn("swap attempt failed", "from", from, "to", target, "attempt", attempt, "error", err)
		if ctx.Err() != nil || attempt == MaxAttempts {
			break
		}

		tried = append(tried, target)
		m.discard(ctx, target)

		next, err := m.FindMatch(from, mode, tried...)
		if err != nil {
			slices.Sort(tried)
			lastErr = fmt.Errorf("%w, tried %v", err, tried)
			break
		}
		target = next
	}

	m.restore(from)

	return fmt.Errorf("%w: T%d: %w", ErrSwapFailed, from, lastErr)
}

func (m *Matcher) markEmpty(tool int) {
	u, slot, err := m.c.Registry().Resolve(tool)
	if err == nil {
		err = u.MarkEmpty(slot)
	}
	if err != nil {
		m.logger.Warn("failed to mark tool empty", "tool", tool, "error", err)
	}
}

func (m *Matcher) restore(tool int) {
	u, slot, err := m.c.Registry().Resolve(tool)
	if err == nil {
		err = u.RestoreReady(slot)
	}
	if err != nil {
		m.logger.Warn("failed to restore tool", "tool", tool, "error", err)
	}
}

// discard parks a candidate that failed to load and takes it out of rotation.
func (m *Matcher) discard(ctx context.Context, tool int) {
	u, slot, err := m.c.Registry().Resolve(tool)
	if err != nil {
		return
	}

	if _, err := u.SmartUnloadSlot(ctx, slot, u.Config().ParkToToolheadLength, nil); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("recovery unload failed", "tool", tool, "error", err)
	}
	m.markEmpty(tool)
}
