package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/Kobra-S1/ACEPRO/logger"
)

// ConnectionConfig represents the configuration parameters for the link to one ACE unit.
type ConnectionConfig struct {
	mu sync.RWMutex

	// unitID is the logical unit number. It selects the unitID-th ACE port in USB order.
	unitID int

	// deviceName is the product string fragment that identifies ACE ports.
	// Defaults to "ACE".
	deviceName string

	// baudRate is the serial baud rate.
	// Defaults to 115200.
	baudRate int

	// windowSize bounds the number of requests in flight.
	// Defaults to 4.
	windowSize int

	// queueSize bounds each priority class of the request queue.
	// Defaults to 1024.
	queueSize int

	// requestTimeout is how long a request may wait for its response once sent.
	// Defaults to 2 seconds.
	requestTimeout time.Duration

	// heartbeatInterval is the get_status polling interval.
	// Defaults to 1 second.
	heartbeatInterval time.Duration

	// supervision enables the communication health check.
	// Defaults to true.
	supervision bool
	// healthCheckInterval defines how often the health check runs.
	// Defaults to 5 seconds.
	healthCheckInterval time.Duration
	// healthWindow is the rolling window of the timeout and unsolicited counters.
	// Defaults to 30 seconds.
	healthWindow time.Duration
	// healthThreshold is the count both counters must reach to force a reconnect.
	// Defaults to 15.
	healthThreshold int

	// backoffMin, backoffMax and backoffFactor shape the reconnect delay.
	// Defaults to 5 seconds, 30 seconds and 1.5.
	backoffMin    time.Duration
	backoffMax    time.Duration
	backoffFactor float64

	// instabilityWindow is the window in which reconnect attempts are counted.
	// Defaults to 180 seconds.
	instabilityWindow time.Duration
	// instabilityCount is the number of recent reconnect attempts that makes a link unstable.
	// Defaults to 6.
	instabilityCount int
	// stableGracePeriod is how long a link must stay up before it counts as stable.
	// Defaults to 30 seconds.
	stableGracePeriod time.Duration

	// relearnThreshold is the number of consecutive topology mismatches that drop the binding.
	// Defaults to 1.
	relearnThreshold int

	// closeConnTimeout defines the timeout for tearing down the connection tasks.
	// Defaults to 3 seconds.
	closeConnTimeout time.Duration

	// statusDebugLogging logs changes of the heartbeat status at info level.
	// Defaults to false.
	statusDebugLogging bool

	// enabled indicates whether the unit should be connected at all.
	// Defaults to true.
	enabled bool

	portFinder PortFinder
	dialer     Dialer

	// logger provides a logger instance for transport events and errors.
	logger logger.Logger
}

// NewConnectionConfig creates a new connection configuration for unit unitID with optional functional options.
//
// It initializes a ConnectionConfig struct with default values and then applies the provided options to customize the configuration.
//
// Returns a pointer to the initialized ConnectionConfig and an error if any occurred during the configuration process.
func NewConnectionConfig(unitID int, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		deviceName:          DefaultDeviceName,
		baudRate:            115200,
		windowSize:          4,
		queueSize:           1024,
		requestTimeout:      2 * time.Second,
		heartbeatInterval:   time.Second,
		supervision:         true,
		healthCheckInterval: DefaultHealthCheckInterval,
		healthWindow:        DefaultHealthWindow,
		healthThreshold:     DefaultHealthThreshold,
		backoffMin:          DefaultBackoffMin,
		backoffMax:          DefaultBackoffMax,
		backoffFactor:       DefaultBackoffFactor,
		instabilityWindow:   DefaultInstabilityWindow,
		instabilityCount:    DefaultInstabilityCount,
		stableGracePeriod:   DefaultStableGracePeriod,
		relearnThreshold:    DefaultRelearnThreshold,
		closeConnTimeout:    3 * time.Second,
		enabled:             true,
		portFinder:          SerialPortFinder{},
		dialer:              SerialDialer{},
		logger:              logger.GetLogger(),
	}

	if unitID < 0 {
		return cfg, fmt.Errorf("%w: unit id %d is negative", ErrInvalidOption, unitID)
	}
	cfg.unitID = unitID

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// UnitID returns the logical unit number.
func (cfg *ConnectionConfig) UnitID() int {
	return cfg.unitID
}

// BaudRate returns the serial baud rate.
func (cfg *ConnectionConfig) BaudRate() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.baudRate
}

// WindowSize returns the maximum number of requests in flight.
func (cfg *ConnectionConfig) WindowSize() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.windowSize
}

// RequestTimeout returns the per-request response timeout.
func (cfg *ConnectionConfig) RequestTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.requestTimeout
}

// HeartbeatInterval returns the status polling interval.
func (cfg *ConnectionConfig) HeartbeatInterval() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.heartbeatInterval
}

// Supervision reports whether the health check is enabled.
func (cfg *ConnectionConfig) Supervision() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.supervision
}

// StatusDebugLogging reports whether heartbeat status changes are logged.
func (cfg *ConnectionConfig) StatusDebugLogging() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.statusDebugLogging
}

// Enabled reports whether the unit is administratively enabled.
func (cfg *ConnectionConfig) Enabled() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.enabled
}

func (cfg *ConnectionConfig) setEnabled(val bool) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	cfg.enabled = val
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	runtime   bool
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error {
	if cfg == nil {
		return ErrConnConfigNil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	return c.applyFunc(cfg)
}

func newConnOptFunc(name string, runtime bool, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{
		name:      name,
		runtime:   runtime,
		applyFunc: f,
	}
}

func rangeErr(name string, val any, lo any, hi any) error {
	return fmt.Errorf("%w: %s %v out of range [%v, %v]", ErrInvalidOption, name, val, lo, hi)
}

// WithDeviceName sets the product string fragment used to recognise ACE ports.
//
// The default value is "ACE".
//
// This option can't be changed at runtime.
func WithDeviceName(name string) ConnOption {
	return newConnOptFunc("WithDeviceName", false, func(cfg *ConnectionConfig) error {
		if name == "" {
			return fmt.Errorf("%w: empty device name", ErrInvalidOption)
		}
		cfg.deviceName = name

		return nil
	})
}

// WithBaudRate sets the serial baud rate.
//
// The default value is 115200.
//
// This option can't be changed at runtime.
func WithBaudRate(baud int) ConnOption {
	return newConnOptFunc("WithBaudRate", false, func(cfg *ConnectionConfig) error {
		if baud < 1200 || baud > 4000000 {
			return rangeErr("baud rate", baud, 1200, 4000000)
		}
		cfg.baudRate = baud

		return nil
	})
}

// WithWindowSize sets the maximum number of requests in flight.
//
// The default value is 4.
//
// This option can't be changed at runtime.
func WithWindowSize(size int) ConnOption {
	return newConnOptFunc("WithWindowSize", false, func(cfg *ConnectionConfig) error {
		if size < 1 || size > 16 {
			return rangeErr("window size", size, 1, 16)
		}
		cfg.windowSize = size

		return nil
	})
}

// WithQueueSize sets the capacity of each priority class of the request queue.
//
// The default value is 1024.
//
// This option can't be changed at runtime.
func WithQueueSize(size int) ConnOption {
	return newConnOptFunc("WithQueueSize", false, func(cfg *ConnectionConfig) error {
		if size < 1 {
			return rangeErr("queue size", size, 1, "inf")
		}
		cfg.queueSize = size

		return nil
	})
}

// WithRequestTimeout sets how long a sent request waits for its response.
//
// The default value is 2 seconds.
//
// This option can be changed at runtime.
func WithRequestTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithRequestTimeout", true, func(cfg *ConnectionConfig) error {
		if val < 10*time.Millisecond || val > 60*time.Second {
			return rangeErr("request timeout", val, 10*time.Millisecond, 60*time.Second)
		}
		cfg.requestTimeout = val

		return nil
	})
}

// WithHeartbeatInterval sets the get_status polling interval.
//
// The default value is 1 second.
//
// This option can't be changed at runtime.
func WithHeartbeatInterval(val time.Duration) ConnOption {
	return newConnOptFunc("WithHeartbeatInterval", false, func(cfg *ConnectionConfig) error {
		if val < 10*time.Millisecond || val > 60*time.Second {
			return rangeErr("heartbeat interval", val, 10*time.Millisecond, 60*time.Second)
		}
		cfg.heartbeatInterval = val

		return nil
	})
}

// WithSupervision enables or disables the communication health check.
//
// The default value is true.
//
// This option can be changed at runtime; it takes effect on the next connect.
func WithSupervision(val bool) ConnOption {
	return newConnOptFunc("WithSupervision", true, func(cfg *ConnectionConfig) error {
		cfg.supervision = val

		return nil
	})
}

// WithHealthCheck sets the health check interval, the counting window, and the
// threshold both the timeout and the unsolicited counter must reach.
//
// The default values are 5 seconds, 30 seconds and 15.
//
// This option can't be changed at runtime.
func WithHealthCheck(interval time.Duration, window time.Duration, threshold int) ConnOption {
	return newConnOptFunc("WithHealthCheck", false, func(cfg *ConnectionConfig) error {
		if interval <= 0 || window <= 0 {
			return fmt.Errorf("%w: health check interval and window must be positive", ErrInvalidOption)
		}
		if threshold < 1 {
			return rangeErr("health threshold", threshold, 1, "inf")
		}
		cfg.healthCheckInterval = interval
		cfg.healthWindow = window
		cfg.healthThreshold = threshold

		return nil
	})
}

// WithBackoff sets the reconnect delay range and growth factor.
//
// The default values are 5 seconds, 30 seconds and 1.5.
//
// This option can't be changed at runtime.
func WithBackoff(minDelay time.Duration, maxDelay time.Duration, factor float64) ConnOption {
	return newConnOptFunc("WithBackoff", false, func(cfg *ConnectionConfig) error {
		if minDelay <= 0 || maxDelay < minDelay {
			return fmt.Errorf("%w: backoff range [%s, %s]", ErrInvalidOption, minDelay, maxDelay)
		}
		if factor <= 1 {
			return rangeErr("backoff factor", factor, "1 (exclusive)", "inf")
		}
		cfg.backoffMin = minDelay
		cfg.backoffMax = maxDelay
		cfg.backoffFactor = factor

		return nil
	})
}

// WithStability sets the grace period after which a link counts as stable, and the
// number of reconnect attempts within window that marks it unstable.
//
// The default values are 30 seconds, 6 and 180 seconds.
//
// This option can't be changed at runtime.
func WithStability(grace time.Duration, count int, window time.Duration) ConnOption {
	return newConnOptFunc("WithStability", false, func(cfg *ConnectionConfig) error {
		if grace < 0 || window <= 0 || count < 1 {
			return fmt.Errorf("%w: stability grace %s count %d window %s", ErrInvalidOption, grace, count, window)
		}
		cfg.stableGracePeriod = grace
		cfg.instabilityCount = count
		cfg.instabilityWindow = window

		return nil
	})
}

// WithTopologyRelearn sets how many consecutive USB topology mismatches drop the
// learned binding.
//
// The default value is 1.
//
// This option can't be changed at runtime.
func WithTopologyRelearn(threshold int) ConnOption {
	return newConnOptFunc("WithTopologyRelearn", false, func(cfg *ConnectionConfig) error {
		if threshold < 1 {
			return rangeErr("relearn threshold", threshold, 1, "inf")
		}
		cfg.relearnThreshold = threshold

		return nil
	})
}

// WithCloseConnTimeout sets the timeout for tearing down the connection tasks.
//
// The default value is 3 seconds.
//
// This option can be changed at runtime.
func WithCloseConnTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithCloseConnTimeout", true, func(cfg *ConnectionConfig) error {
		if val < 100*time.Millisecond || val > 30*time.Second {
			return rangeErr("close connection timeout", val, 100*time.Millisecond, 30*time.Second)
		}
		cfg.closeConnTimeout = val

		return nil
	})
}

// WithStatusDebugLogging enables logging of heartbeat status changes.
//
// The default value is false.
//
// This option can be changed at runtime.
func WithStatusDebugLogging(val bool) ConnOption {
	return newConnOptFunc("WithStatusDebugLogging", true, func(cfg *ConnectionConfig) error {
		cfg.statusDebugLogging = val

		return nil
	})
}

// WithEnabled sets whether the unit starts enabled.
//
// The default value is true.
//
// Use Connection.Enable and Connection.Disable at runtime.
func WithEnabled(val bool) ConnOption {
	return newConnOptFunc("WithEnabled", false, func(cfg *ConnectionConfig) error {
		cfg.enabled = val

		return nil
	})
}

// WithPortFinder replaces the USB port enumeration.
//
// This option can't be changed at runtime.
func WithPortFinder(finder PortFinder) ConnOption {
	return newConnOptFunc("WithPortFinder", false, func(cfg *ConnectionConfig) error {
		if finder == nil {
			return fmt.Errorf("%w: nil port finder", ErrInvalidOption)
		}
		cfg.portFinder = finder

		return nil
	})
}

// WithDialer replaces the serial port opener.
//
// This option can't be changed at runtime.
func WithDialer(dialer Dialer) ConnOption {
	return newConnOptFunc("WithDialer", false, func(cfg *ConnectionConfig) error {
		if dialer == nil {
			return fmt.Errorf("%w: nil dialer", ErrInvalidOption)
		}
		cfg.dialer = dialer

		return nil
	})
}

// WithLogger sets the logger of the connection.
//
// This option can't be changed at runtime.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", false, func(cfg *ConnectionConfig) error {
		if l == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidOption)
		}
		cfg.logger = l

		return nil
	})
}
