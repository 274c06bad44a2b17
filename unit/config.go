package unit

import (
	"strings"
	"time"
)

// TempMode selects how the print temperature is derived from a tag's extruder range.
type TempMode string

// Tag temperature modes.
const (
	TempAverage TempMode = "average"
	TempMin     TempMode = "min"
	TempMax     TempMode = "max"
)

// ParseTempMode parses s case-insensitively. Unknown values fall back to TempAverage.
func ParseTempMode(s string) TempMode {
	switch m := TempMode(strings.ToLower(strings.TrimSpace(s))); m {
	case TempMin, TempMax:
		return m
	}

	return TempAverage
}

// Config holds the motion parameters of one unit. Lengths are in mm, speeds in mm/s.
type Config struct {
	FeedSpeed                float64
	RetractSpeed             float64
	TotalMaxFeedingLength    float64
	ToolchangeLoadLength     float64
	ParkToToolheadLength     float64
	ParkToReturnPathLength   float64
	IncrementalFeedingLength float64
	IncrementalFeedingSpeed  float64
	ExtruderFeedingLength    float64
	ExtruderFeedingSpeed     float64
	ToolheadSlowLoadingSpeed float64
	ToolheadFullPurgeLength  float64
	// TimeoutMultiplier scales the expected duration of a move into its timeout.
	TimeoutMultiplier   float64
	MaxDryerTemperature float64

	// RFIDSync applies tag metadata to the inventory.
	RFIDSync bool
	// RestoreFeedAssist re-enables feed assist on the first heartbeat after a reconnect.
	RestoreFeedAssist bool
	TempMode TempMode

	// ReadyTimeout bounds WaitReady.
	ReadyTimeout time.Duration
	// ReadyPollInterval is the interval between ready checks.
	ReadyPollInterval time.Duration
	// ReadyRefresh is the interval after which WaitReady requests a fresh status.
	ReadyRefresh time.Duration
}

// DefaultConfig returns the stock parameters of an ACE Pro.
func DefaultConfig() Config {
	return Config{
		FeedSpeed:                60,
		RetractSpeed:             50,
		TotalMaxFeedingLength:    2500,
		ToolchangeLoadLength:     3000,
		ParkToToolheadLength:     1000,
		ParkToReturnPathLength:   150,
		IncrementalFeedingLength: 50,
		IncrementalFeedingSpeed:  30,
		ExtruderFeedingLength:    1,
		ExtruderFeedingSpeed:     5,
		ToolheadSlowLoadingSpeed: 5,
		ToolheadFullPurgeLength:  22,
		TimeoutMultiplier:        2,
		MaxDryerTemperature:      60,
		RFIDSync:                 true,
		RestoreFeedAssist:        true,
		TempMode:                 TempAverage,
		ReadyTimeout:             60 * time.Second,
		ReadyPollInterval:        500 * time.Millisecond,
		ReadyRefresh:             25 * time.Second,
	}
}

// moveTimeout returns the time a move of length at speed may take.
func (c *Config) moveTimeout(length, speed float64) time.Duration {
	if speed <= 0 {
		return 0
	}

	return time.Duration(length / speed * c.TimeoutMultiplier * float64(time.Second))
}
