package coordinator

import "errors"

var (
	// ErrUnmappedTool indicates a tool index that does not map to a configured unit.
	ErrUnmappedTool = errors.New("coordinator: tool not mapped to a unit")

	// ErrImplausibleState indicates sensor readings that contradict the recorded
	// filament position in a way that points to a jam.
	ErrImplausibleState = errors.New("coordinator: implausible filament state")

	// ErrUnloadFailed indicates that the filament path could not be cleared.
	ErrUnloadFailed = errors.New("coordinator: unload failed")

	// ErrSlotEmpty indicates an unload of a slot that has already run out while its
	// filament is still in the tube.
	ErrSlotEmpty = errors.New("coordinator: slot is empty")

	// ErrSpoolNotReady indicates that the target spool did not become ready in time.
	ErrSpoolNotReady = errors.New("coordinator: spool not ready")

	// ErrDuplicateUnit indicates a registry built with a missing or repeated unit id.
	ErrDuplicateUnit = errors.New("coordinator: unit ids must be 0..n-1")
)
