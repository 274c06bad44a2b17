package unit

import (
	"errors"
	"fmt"
	"strings"
)

const forbiddenMsg = "FORBIDDEN"

var (
	// ErrInvalidSlot indicates a slot index outside 0..SlotCount-1.
	ErrInvalidSlot = errors.New("unit: invalid slot")

	// ErrInvalidColor indicates a color that is neither a known name nor an R,G,B triple.
	ErrInvalidColor = errors.New("unit: invalid color")

	// ErrNoResponse indicates that the unit did not answer a request after all attempts.
	ErrNoResponse = errors.New("unit: no response")

	// ErrNotReady indicates that the unit did not report ready within the ready timeout.
	ErrNotReady = errors.New("unit: not ready")

	// ErrSensorTimeout indicates that a verification sensor did not trigger.
	ErrSensorTimeout = errors.New("unit: sensor not triggered")

	// ErrPathBlocked indicates filament in the path where it must be clear.
	ErrPathBlocked = errors.New("unit: filament path blocked")

	// ErrDryerTemperature indicates a dryer temperature outside 1..max_dryer_temperature.
	ErrDryerTemperature = errors.New("unit: dryer temperature out of range")

	// ErrInvalidDuration indicates a non-positive dryer duration.
	ErrInvalidDuration = errors.New("unit: invalid dryer duration")
)

// RejectError is returned when the unit answers a request with a failure code or
// with the FORBIDDEN message.
type RejectError struct {
	Method string
	Code   int
	Msg    string
}

// Error implements error.
func (e *RejectError) Error() string {
	return fmt.Sprintf("unit: %s rejected: code=%d msg=%q", e.Method, e.Code, e.Msg)
}

// IsForbidden reports whether the rejection is transient. The unit answers FORBIDDEN
// while it is still busy with the previous motion.
func (e *RejectError) IsForbidden() bool {
	return strings.EqualFold(e.Msg, forbiddenMsg)
}

// IsForbidden reports whether err carries a transient FORBIDDEN rejection.
func IsForbidden(err error) bool {
	var re *RejectError
	return errors.As(err, &re) && re.IsForbidden()
}
