package coordinator

// Position is where the filament of the active tool is.
//
// The values are the ones persisted under ace_filament_pos.
type Position string

// Filament positions.
const (
	// PosPark is the parking position in front of the unit.
	PosPark Position = "bowden"
	// PosInTransit is the tube between the units and the toolhead, past the return module.
	PosInTransit Position = "splitter"
	// PosToolhead is the toolhead sensor.
	PosToolhead Position = "toolhead"
	// PosNozzle is loaded into the nozzle.
	PosNozzle Position = "nozzle"
)

// ParsePosition parses a persisted position. Unknown values map to PosPark.
func ParsePosition(s string) Position {
	switch p := Position(s); p {
	case PosInTransit, PosToolhead, PosNozzle:
		return p
	}

	return PosPark
}

// Loaded reports whether filament is at the toolhead or beyond.
func (p Position) Loaded() bool {
	return p == PosToolhead || p == PosNozzle
}

// String returns the descriptive name of the position.
func (p Position) String() string {
	switch p {
	case PosInTransit:
		return "in-transit"
	case PosToolhead:
		return "at-toolhead"
	case PosNozzle:
		return "at-nozzle"
	}

	return "at-park"
}
