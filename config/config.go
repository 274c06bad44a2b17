// Package config loads the daemon configuration from a TOML file and converts it
// into the settings of the transport, unit, coordinator and runout packages.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/runout"
	"github.com/Kobra-S1/ACEPRO/transport"
	"github.com/Kobra-S1/ACEPRO/unit"
)

var (
	ErrInvalidOverride = errors.New("config: invalid override")
	ErrInvalidValue    = errors.New("config: invalid value")
	ErrUnknownKey      = errors.New("config: unknown key")
)

// SensorNone disables the return path sensor.
const SensorNone = "none"

// Config is the daemon configuration. Keys follow the ACE Pro driver options.
type Config struct {
	Count      int    `toml:"ace_count"`
	Baud       int    `toml:"baud"`
	DeviceName string `toml:"device_name"`
	LogLevel   string `toml:"log_level"`
	StateFile  string `toml:"state_file"`
	// MoonrakerURL is the API endpoint of the printer host.
	MoonrakerURL string `toml:"moonraker_url"`

	ToolheadSensor   string `toml:"filament_runout_sensor_name_nozzle"`
	ReturnPathSensor string `toml:"filament_runout_sensor_name_rdm"`

	FeedAssistOnConnect bool   `toml:"feed_assist_active_after_ace_connect"`
	RFIDSync            bool   `toml:"rfid_inventory_sync_enabled"`
	RFIDTempMode        string `toml:"rfid_temp_mode"`

	ToolheadRetractionSpeed  float64 `toml:"toolhead_retraction_speed"`
	ToolheadRetractionLength float64 `toml:"toolhead_retraction_length"`
	ToolheadFullPurgeLength  float64 `toml:"toolhead_full_purge_length"`
	ToolheadSlowLoadingSpeed float64 `toml:"toolhead_slow_loading_speed"`
	ExtruderFeedingLength    float64 `toml:"extruder_feeding_length"`
	ExtruderFeedingSpeed     float64 `toml:"extruder_feeding_speed"`
	TimeoutMultiplier        float64 `toml:"timeout_multiplier"`

	PurgeLength                 float64 `toml:"default_color_change_purge_length"`
	PurgeSpeed                  float64 `toml:"default_color_change_purge_speed"`
	PurgeMaxChunkLength         float64 `toml:"purge_max_chunk_length"`
	PurgeMultiplier             float64 `toml:"purge_multiplier"`
	EndlessSpoolPurgeMultiplier float64 `toml:"endless_spool_purge_multiplier"`
	PreCutRetractLength         float64 `toml:"pre_cut_retract_length"`

	StatusDebugLogging    bool `toml:"status_debug_logging"`
	RunoutDebounceCount   int  `toml:"runout_debounce_count"`
	ConnectionSupervision bool `toml:"ace_connection_supervision"`

	LaneSyncEnabled   bool    `toml:"moonraker_lane_sync_enabled"`
	LaneSyncURL       string  `toml:"moonraker_lane_sync_url"`
	LaneSyncNamespace string  `toml:"moonraker_lane_sync_namespace"`
	LaneSyncAPIKey    string  `toml:"moonraker_lane_sync_api_key"`
	LaneSyncTimeout   float64 `toml:"moonraker_lane_sync_timeout"`

	TangleDetection       bool    `toml:"tangle_detection"`
	TangleDetectionLength float64 `toml:"tangle_detection_length"`

	// Per-unit parameters, see Override.
	FeedSpeed                Override `toml:"-"`
	RetractSpeed             Override `toml:"-"`
	TotalMaxFeedingLength    Override `toml:"-"`
	ToolchangeLoadLength     Override `toml:"-"`
	IncrementalFeedingLength Override `toml:"-"`
	IncrementalFeedingSpeed  Override `toml:"-"`
	HeartbeatInterval        Override `toml:"-"`
	MaxDryerTemperature      Override `toml:"-"`
	ParkToToolheadLength     Override `toml:"-"`
	ParkToReturnPathLength   Override `toml:"-"`
}

type overridable struct {
	key   string
	field func(c *Config) *Override
}

// overridables lists the per-unit keys in file order.
var overridables = []overridable{
	{"feed_speed", func(c *Config) *Override { return &c.FeedSpeed }},
	{"retract_speed", func(c *Config) *Override { return &c.RetractSpeed }},
	{"total_max_feeding_length", func(c *Config) *Override { return &c.TotalMaxFeedingLength }},
	{"toolchange_load_length", func(c *Config) *Override { return &c.ToolchangeLoadLength }},
	{"incremental_feeding_length", func(c *Config) *Override { return &c.IncrementalFeedingLength }},
	{"incremental_feeding_speed", func(c *Config) *Override { return &c.IncrementalFeedingSpeed }},
	{"heartbeat_interval", func(c *Config) *Override { return &c.HeartbeatInterval }},
	{"max_dryer_temperature", func(c *Config) *Override { return &c.MaxDryerTemperature }},
	{"parkposition_to_toolhead_length", func(c *Config) *Override { return &c.ParkToToolheadLength }},
	{"parkposition_to_rdm_length", func(c *Config) *Override { return &c.ParkToReturnPathLength }},
}

// Defaults returns the configuration used for keys missing from the file.
func Defaults() Config {
	return Config{
		Count:        1,
		Baud:         115200,
		DeviceName:   "ACE",
		LogLevel:     "info",
		StateFile:    "ace_state.cbor",
		MoonrakerURL: "http://127.0.0.1:7125",

		ToolheadSensor:   "filament_runout_nozzle",
		ReturnPathSensor: SensorNone,

		FeedAssistOnConnect: true,
		RFIDSync:            true,
		RFIDTempMode:        string(unit.TempAverage),

		ToolheadRetractionSpeed:  10,
		ToolheadRetractionLength: 40,
		ToolheadFullPurgeLength:  22,
		ToolheadSlowLoadingSpeed: 5,
		ExtruderFeedingLength:    1,
		ExtruderFeedingSpeed:     5,
		TimeoutMultiplier:        2,

		PurgeLength:                 50,
		PurgeSpeed:                  400,
		PurgeMaxChunkLength:         300,
		PurgeMultiplier:             1.0,
		EndlessSpoolPurgeMultiplier: 1.5,
		PreCutRetractLength:         2,

		RunoutDebounceCount:   1,
		ConnectionSupervision: true,

		LaneSyncURL:       "http://127.0.0.1:7125",
		LaneSyncNamespace: "lane_data",
		LaneSyncTimeout:   2.0,

		TangleDetectionLength: 15.0,

		FeedSpeed:                Uniform(60),
		RetractSpeed:             Uniform(50),
		TotalMaxFeedingLength:    Uniform(2500),
		ToolchangeLoadLength:     Uniform(3000),
		IncrementalFeedingLength: Uniform(50),
		IncrementalFeedingSpeed:  Uniform(30),
		HeartbeatInterval:        Uniform(1.0),
		MaxDryerTemperature:      Uniform(60),
		ParkToToolheadLength:     Uniform(1000),
		ParkToReturnPathLength:   Uniform(150),
	}
}

// Load reads the TOML file at path on top of Defaults and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	return Parse(b)
}

// Parse decodes a TOML document on top of Defaults and validates the result.
func Parse(b []byte) (Config, error) {
	cfg := Defaults()

	var raw map[string]any
	if err := toml.Unmarshal(b, &raw); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	known := knownKeys()
	for key := range raw {
		if !slices.Contains(known, key) {
			return cfg, fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
	}

	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	for _, o := range overridables {
		v, ok := raw[o.key]
		if !ok {
			continue
		}
		parsed, err := overrideFromValue(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", o.key, err)
		}
		*o.field(&cfg) = parsed
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks ranges and that every per-unit parameter resolves for each unit.
func (c *Config) Validate() error {
	switch {
	case c.Count < 1:
		return fmt.Errorf("%w: ace_count must be at least 1, got %d", ErrInvalidValue, c.Count)
	case c.Baud <= 0:
		return fmt.Errorf("%w: baud must be positive, got %d", ErrInvalidValue, c.Baud)
	case c.RunoutDebounceCount < 1:
		return fmt.Errorf("%w: runout_debounce_count must be at least 1, got %d", ErrInvalidValue, c.RunoutDebounceCount)
	case c.TimeoutMultiplier <= 0:
		return fmt.Errorf("%w: timeout_multiplier must be positive", ErrInvalidValue)
	case c.PurgeMultiplier < 0 || c.EndlessSpoolPurgeMultiplier < 0:
		return fmt.Errorf("%w: purge multipliers must not be negative", ErrInvalidValue)
	case c.TangleDetectionLength <= 0:
		return fmt.Errorf("%w: tangle_detection_length must be positive", ErrInvalidValue)
	case c.LaneSyncTimeout <= 0:
		return fmt.Errorf("%w: moonraker_lane_sync_timeout must be positive", ErrInvalidValue)
	}

	switch unit.TempMode(strings.ToLower(c.RFIDTempMode)) {
	case unit.TempAverage, unit.TempMin, unit.TempMax:
	default:
		return fmt.Errorf("%w: rfid_temp_mode %q", ErrInvalidValue, c.RFIDTempMode)
	}

	for _, o := range overridables {
		ov := *o.field(c)
		for id := range ov.units {
			if id >= c.Count {
				return fmt.Errorf("%s: %w: unit %d out of range (ace_count=%d)", o.key, ErrInvalidOverride, id, c.Count)
			}
		}
		for id := 0; id < c.Count; id++ {
			v, err := ov.For(id)
			if err != nil {
				return fmt.Errorf("%s: %w", o.key, err)
			}
			if v <= 0 {
				return fmt.Errorf("%w: %s must be positive for unit %d", ErrInvalidValue, o.key, id)
			}
		}
	}

	return nil
}

// Unit returns the motion parameters of unit id.
func (c *Config) Unit(id int) (unit.Config, error) {
	ucfg := unit.DefaultConfig()

	targets := map[string]*float64{
		"feed_speed":                      &ucfg.FeedSpeed,
		"retract_speed":                   &ucfg.RetractSpeed,
		"total_max_feeding_length":        &ucfg.TotalMaxFeedingLength,
		"toolchange_load_length":          &ucfg.ToolchangeLoadLength,
		"incremental_feeding_length":      &ucfg.IncrementalFeedingLength,
		"incremental_feeding_speed":       &ucfg.IncrementalFeedingSpeed,
		"max_dryer_temperature":           &ucfg.MaxDryerTemperature,
		"parkposition_to_toolhead_length": &ucfg.ParkToToolheadLength,
		"parkposition_to_rdm_length":      &ucfg.ParkToReturnPathLength,
	}
	for _, o := range overridables {
		dst, ok := targets[o.key]
		if !ok {
			continue
		}
		v, err := o.field(c).For(id)
		if err != nil {
			return ucfg, fmt.Errorf("%s: %w", o.key, err)
		}
		*dst = v
	}

	ucfg.ExtruderFeedingLength = c.ExtruderFeedingLength
	ucfg.ExtruderFeedingSpeed = c.ExtruderFeedingSpeed
	ucfg.ToolheadSlowLoadingSpeed = c.ToolheadSlowLoadingSpeed
	ucfg.ToolheadFullPurgeLength = c.ToolheadFullPurgeLength
	ucfg.TimeoutMultiplier = c.TimeoutMultiplier
	ucfg.RFIDSync = c.RFIDSync
	ucfg.TempMode = unit.ParseTempMode(c.RFIDTempMode)
	ucfg.RestoreFeedAssist = c.FeedAssistOnConnect

	return ucfg, nil
}

// Coordinator returns the tool-change parameters.
func (c *Config) Coordinator() coordinator.Config {
	ccfg := coordinator.DefaultConfig()
	ccfg.ToolchangePurgeLength = c.PurgeLength
	ccfg.ToolchangePurgeSpeed = c.PurgeSpeed
	ccfg.PurgeMaxChunkLength = c.PurgeMaxChunkLength
	ccfg.PurgeMultiplier = c.PurgeMultiplier
	ccfg.EndlessSpoolPurgeMultiplier = c.EndlessSpoolPurgeMultiplier
	ccfg.ToolheadRetractionLength = c.ToolheadRetractionLength
	ccfg.ToolheadRetractionSpeed = c.ToolheadRetractionSpeed
	ccfg.PreCutRetractLength = c.PreCutRetractLength
	ccfg.ConnectionSupervision = c.ConnectionSupervision

	return ccfg
}

// Runout returns the runout watcher parameters.
func (c *Config) Runout() runout.Config {
	rcfg := runout.DefaultConfig()
	rcfg.DebounceCount = c.RunoutDebounceCount
	rcfg.TangleDetection = c.TangleDetection
	rcfg.TangleDetectionLength = c.TangleDetectionLength

	return rcfg
}

// ConnOptions returns the transport options of unit id.
func (c *Config) ConnOptions(id int) ([]transport.ConnOption, error) {
	hb, err := c.HeartbeatInterval.For(id)
	if err != nil {
		return nil, fmt.Errorf("heartbeat_interval: %w", err)
	}

	return []transport.ConnOption{
		transport.WithDeviceName(c.DeviceName),
		transport.WithBaudRate(c.Baud),
		transport.WithHeartbeatInterval(seconds(hb)),
		transport.WithSupervision(c.ConnectionSupervision),
		transport.WithStatusDebugLogging(c.StatusDebugLogging),
	}, nil
}

// LaneSyncTimeoutDuration returns moonraker_lane_sync_timeout as a duration.
func (c *Config) LaneSyncTimeoutDuration() time.Duration {
	return seconds(c.LaneSyncTimeout)
}

// HasReturnPathSensor reports whether a return path sensor is configured.
func (c *Config) HasReturnPathSensor() bool {
	return c.ReturnPathSensor != "" && !strings.EqualFold(c.ReturnPathSensor, SensorNone)
}

// Diff returns the keys whose values differ between a and b, in file order.
func Diff(a, b Config) []string {
	var keys []string

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	t := va.Type()
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("toml")
		if key == "" || key == "-" {
			continue
		}
		if !reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			keys = append(keys, key)
		}
	}

	for _, o := range overridables {
		if !o.field(&a).Equal(*o.field(&b)) {
			keys = append(keys, o.key)
		}
	}

	return keys
}

func knownKeys() []string {
	var keys []string

	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		if key := t.Field(i).Tag.Get("toml"); key != "" && key != "-" {
			keys = append(keys, key)
		}
	}
	for _, o := range overridables {
		keys = append(keys, o.key)
	}

	return keys
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
