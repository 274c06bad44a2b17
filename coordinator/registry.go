package coordinator

import (
	"fmt"

	"github.com/Kobra-S1/ACEPRO/unit"
)

// Registry holds the configured units by id. Unit ids are 0..n-1 and tool t maps
// to unit t/4, slot t%4.
type Registry struct {
	units []*unit.Unit
}

// NewRegistry creates a registry of units. units[i] must have id i.
func NewRegistry(units ...*unit.Unit) (*Registry, error) {
	for i, u := range units {
		if u == nil || u.ID() != i {
			return nil, fmt.Errorf("%w: position %d", ErrDuplicateUnit, i)
		}
	}

	return &Registry{units: units}, nil
}

// Len returns the number of units.
func (r *Registry) Len() int { return len(r.units) }

// ToolCount returns the number of tools across all units.
func (r *Registry) ToolCount() int { return len(r.units) * unit.SlotCount }

// Unit returns the unit with id.
func (r *Registry) Unit(id int) (*unit.Unit, bool) {
	if id < 0 || id >= len(r.units) {
		return nil, false
	}

	return r.units[id], true
}

// Units returns all units in id order.
func (r *Registry) Units() []*unit.Unit {
	return append([]*unit.Unit(nil), r.units...)
}

// Resolve maps a global tool index to its unit and local slot.
func (r *Registry) Resolve(tool int) (*unit.Unit, int, error) {
	if tool < 0 {
		return nil, -1, fmt.Errorf("%w: T%d", ErrUnmappedTool, tool)
	}
	u, ok := r.Unit(tool / unit.SlotCount)
	if !ok {
		return nil, -1, fmt.Errorf("%w: T%d (%d units)", ErrUnmappedTool, tool, len(r.units))
	}

	return u, tool % unit.SlotCount, nil
}

// Tool returns the global tool index of slot on unit unitID.
func Tool(unitID, slot int) int {
	return unitID*unit.SlotCount + slot
}
