package coordinator

import "time"

// Config holds the tool-change parameters shared by all units.
type Config struct {
	// ToolchangePurgeLength is the purge length passed to the post tool-change macro.
	ToolchangePurgeLength float64
	ToolchangePurgeSpeed  float64
	PurgeMaxChunkLength   float64
	// PurgeMultiplier scales every purge.
	PurgeMultiplier float64
	// EndlessSpoolPurgeMultiplier is applied on top of PurgeMultiplier after an
	// endless spool swap to clear the splice.
	EndlessSpoolPurgeMultiplier float64

	ToolheadRetractionLength float64
	ToolheadRetractionSpeed  float64
	PreCutRetractLength      float64

	SpoolReadyTimeout  time.Duration
	SpoolReadyInterval time.Duration
	// SpoolStableFor is how long a reinserted spool must stay ready.
	SpoolStableFor time.Duration

	// ConnectionSupervision enables the connection stability monitor.
	ConnectionSupervision bool
	MonitorInterval       time.Duration
}

// DefaultConfig returns the default tool-change parameters.
func DefaultConfig() Config {
	return Config{
		ToolchangePurgeLength:       50,
		ToolchangePurgeSpeed:        400,
		PurgeMaxChunkLength:         300,
		PurgeMultiplier:             1.0,
		EndlessSpoolPurgeMultiplier: 1.5,
		ToolheadRetractionLength:    40,
		ToolheadRetractionSpeed:     10,
		PreCutRetractLength:         2,
		SpoolReadyTimeout:           300 * time.Second,
		SpoolReadyInterval:          time.Second,
		SpoolStableFor:              3 * time.Second,
		ConnectionSupervision:       true,
		MonitorInterval:             2 * time.Second,
	}
}
