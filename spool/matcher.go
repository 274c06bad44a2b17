// Package spool finds a replacement for a spool that ran out and swaps to it
// during a print.
package spool

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/logger"
	"github.com/Kobra-S1/ACEPRO/unit"
)

// unknownMaterial is never matched by material, whatever the case.
const unknownMaterial = "unknown"

// MaxAttempts is the number of candidates tried by one swap.
const MaxAttempts = 3

// Matcher searches the inventories of a coordinator for matching spools.
type Matcher struct {
	c      *coordinator.Coordinator
	logger logger.Logger
}

// New creates a Matcher for c.
func New(c *coordinator.Coordinator) *Matcher {
	return &Matcher{
		c:      c,
		logger: logger.GetLogger().With("component", "spool"),
	}
}

// SetLogger replaces the logger.
func (m *Matcher) SetLogger(l logger.Logger) { m.logger = l.With("component", "spool") }

// FindMatch returns the first ready tool after from, wrapping around, that matches
// the spool of from under mode. Tools in exclude are skipped.
func (m *Matcher) FindMatch(from int, mode coordinator.MatchMode, exclude ...int) (int, error) {
	reg := m.c.Registry()

	u, slot, err := reg.Resolve(from)
	if err != nil {
		return -1, err
	}
	ref, err := u.Slot(slot)
	if err != nil {
		return -1, err
	}
	material := normalizeMaterial(ref.Material)

	m.logger.Info("searching endless spool match", "tool", from, "mode", mode, "material", material, "color", ref.Color)

	total := reg.ToolCount()
	for offset := 1; offset < total; offset++ {
		tool := (from + offset) % total
		if slices.Contains(exclude, tool) {
			continue
		}

		cu, cslot, err := reg.Resolve(tool)
		if err != nil {
			continue
		}
		cand, err := cu.Slot(cslot)
		if err != nil || !cand.IsReady() {
			continue
		}

		if ok, reason := matches(mode, material, ref.Color, &cand); !ok {
			m.logger.Debug("candidate skipped", "tool", tool, "reason", reason)
			continue
		}

		m.logger.Info("endless spool match found", "from", from, "to", tool, "mode", mode)

		return tool, nil
	}

	return -1, fmt.Errorf("%w: T%d (%s, mode %s)", ErrNoMatch, from, ref.Material, mode)
}

func matches(mode coordinator.MatchMode, material string, color [3]int, cand *unit.Slot) (bool, string) {
	if mode == coordinator.MatchNext {
		return true, ""
	}

	candMaterial := normalizeMaterial(cand.Material)
	switch {
	case material == unknownMaterial || candMaterial == unknownMaterial:
		return false, "unknown material"
	case candMaterial != material:
		return false, "material mismatch"
	case mode == coordinator.MatchExact && cand.Color != color:
		return false, "color mismatch"
	}

	return true, ""
}

func normalizeMaterial(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
