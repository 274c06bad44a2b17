// Package host defines the boundary between the ACE coordinator and the printer host
// it runs in. The coordinator never talks to the host directly; everything it needs is
// injected through the interfaces of this package.
package host

import (
	"context"
	"time"

	"github.com/Kobra-S1/ACEPRO/internal/pool"
	"github.com/Kobra-S1/ACEPRO/store"
)

// Scheduler provides the clock used by every bounded wait.
type Scheduler interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// SensorID names a filament switch sensor.
type SensorID string

// Well-known sensors.
const (
	// SensorToolhead is the filament sensor at the toolhead entry.
	SensorToolhead SensorID = "toolhead_sensor"
	// SensorReturnPath is the sensor in the return module between the units and the toolhead.
	SensorReturnPath SensorID = "return_module"
)

// Sensors reads the filament sensors of the printer.
type Sensors interface {
	// FilamentPresent reports whether sensor id detects filament. It returns false for
	// unknown sensors.
	FilamentPresent(id SensorID) bool
	// HasSensor reports whether sensor id is configured.
	HasSensor(id SensorID) bool
	// EncoderPulses returns the filament motion encoder count of the return path.
	// ok is false when no encoder is present.
	EncoderPulses() (pulses int64, ok bool)
}

// PrintState is the state of the print job.
type PrintState string

// Print states as reported by the host.
const (
	PrintStandby   PrintState = "standby"
	PrintPrinting  PrintState = "printing"
	PrintPaused    PrintState = "paused"
	PrintComplete  PrintState = "complete"
	PrintCancelled PrintState = "cancelled"
	PrintError     PrintState = "error"
)

// IsActive reports whether a job is printing or paused.
func (s PrintState) IsActive() bool {
	return s == PrintPrinting || s == PrintPaused
}

// Printer reports the state of the print job.
type Printer interface {
	PrintState() PrintState
	// ExtruderPosition returns the commanded extruder position in mm.
	ExtruderPosition() float64
}

// MotionSink issues commands to the motion system.
type MotionSink interface {
	// RunScript runs a G-code script and waits for it to complete.
	RunScript(ctx context.Context, script string) error
	// MoveExtruder moves the extruder by length mm at speed mm/s. If wait is true it
	// blocks until the move has finished.
	MoveExtruder(ctx context.Context, length float64, speed float64, wait bool) error
}

// ButtonStyle is the color hint of a prompt button.
type ButtonStyle string

// Button styles.
const (
	StyleDefault   ButtonStyle = ""
	StylePrimary   ButtonStyle = "primary"
	StyleSecondary ButtonStyle = "secondary"
	StyleInfo      ButtonStyle = "info"
	StyleWarning   ButtonStyle = "warning"
	StyleError     ButtonStyle = "error"
)

// PromptButton is a button that runs Command when pressed.
type PromptButton struct {
	Label   string
	Command string
	Style   ButtonStyle
}

// Prompt is an interactive dialog shown to the operator.
type Prompt struct {
	Title         string
	Text          []string
	Buttons       []PromptButton
	FooterButtons []PromptButton
}

// Prompter shows and closes operator prompts.
type Prompter interface {
	ShowPrompt(ctx context.Context, p Prompt) error
	ClosePrompt(ctx context.Context) error
}

// Env bundles the host services injected into the coordinator components.
type Env struct {
	Scheduler Scheduler
	Sensors   Sensors
	Printer   Printer
	Motion    MotionSink
	Prompter  Prompter
	Store     store.Store
}

// SystemScheduler is a Scheduler on the wall clock.
type SystemScheduler struct{}

// Now returns time.Now().
func (SystemScheduler) Now() time.Time { return time.Now() }

// Sleep waits for d or until ctx is done.
func (SystemScheduler) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := pool.GetTimer(d)
	defer pool.PutTimer(t)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
