package transport

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultDeviceName is the product string fragment identifying an ACE unit.
const DefaultDeviceName = "ACE"

// location sort keys for ports without a USB location.
const (
	acmFallbackKey = 999998
	unknownKey     = 999999
)

// Port is an open byte stream to a unit.
//
// Read may return 0, nil when no data arrived within the port's read timeout.
type Port interface {
	io.ReadWriteCloser
}

// Dialer opens a Port for a device path.
type Dialer interface {
	Dial(ctx context.Context, path string, baudRate int) (Port, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, path string, baudRate int) (Port, error)

// Dial calls f(ctx, path, baudRate).
func (f DialerFunc) Dial(ctx context.Context, path string, baudRate int) (Port, error) {
	return f(ctx, path, baudRate)
}

// SerialDialer opens real serial ports in 8N1 mode.
type SerialDialer struct {
	// ReadTimeout bounds a single Read call so the reader task can observe cancellation.
	ReadTimeout time.Duration
}

// Dial opens path at baudRate.
func (d SerialDialer) Dial(ctx context.Context, path string, baudRate int) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
	}

	return port, nil
}

// PortInfo describes an enumerated serial port.
type PortInfo struct {
	Name     string
	Product  string
	VID      string
	PID      string
	Serial   string
	Location string
}

// SortKey returns the natural ordering key of the port's USB location.
func (p PortInfo) SortKey() []int {
	return LocationKey(p.Location)
}

// Depth returns the number of hub hops below the root port, see TopologyDepth.
func (p PortInfo) Depth() (int, bool) {
	return TopologyDepth(p.Location)
}

// PortFinder lists candidate serial ports.
type PortFinder interface {
	Ports() ([]PortInfo, error)
}

// PortFinderFunc adapts a function to the PortFinder interface.
type PortFinderFunc func() ([]PortInfo, error)

// Ports calls f().
func (f PortFinderFunc) Ports() ([]PortInfo, error) { return f() }

// SerialPortFinder enumerates USB serial ports of the host.
type SerialPortFinder struct {
	// SysfsRoot overrides "/sys/class/tty" for locating the USB interface of a tty.
	SysfsRoot string
}

var acmPattern = regexp.MustCompile(`ACM(\d+)`)

// Ports lists the USB serial ports and resolves their USB locations.
func (f SerialPortFinder) Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: enumerate ports: %w", err)
	}

	root := f.SysfsRoot
	if root == "" {
		root = "/sys/class/tty"
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		info := PortInfo{
			Name:    d.Name,
			Product: d.Product,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
		}
		info.Location = usbLocation(root, d.Name)
		ports = append(ports, info)
	}

	return ports, nil
}

// usbLocation resolves the sysfs USB interface of a tty ("1-1.4:1.0") and falls
// back to "acm.N" or the device path.
func usbLocation(sysfsRoot string, name string) string {
	link := filepath.Join(sysfsRoot, filepath.Base(name), "device")
	if target, err := filepath.EvalSymlinks(link); err == nil {
		// ttyACM links to the interface, ttyUSB to a child of it
		for _, dir := range []string{target, filepath.Dir(target)} {
			if base := filepath.Base(dir); strings.Contains(base, "-") {
				return strings.SplitN(base, ":", 2)[0]
			}
		}
	}

	if m := acmPattern.FindStringSubmatch(name); m != nil {
		return "acm." + m[1]
	}

	return name
}

// LocationKey parses a USB location into a tuple for natural sorting.
//
//	"1-1.4.3:1.0" -> [1 1 4 3]
//	"acm.2"       -> [999998 2]
//	""            -> [999999]
func LocationKey(location string) []int {
	if location == "" {
		return []int{unknownKey}
	}

	if rest, ok := strings.CutPrefix(location, "acm."); ok {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return []int{unknownKey}
		}

		return []int{acmFallbackKey, n}
	}

	location = strings.SplitN(location, ":", 2)[0]
	parts := strings.Split(strings.ReplaceAll(location, "-", "."), ".")
	key := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return []int{unknownKey}
		}
		key = append(key, n)
	}

	return key
}

// TopologyDepth returns the number of port hops after the root hub of a USB
// location, e.g. 2 for "2-2.3" and 3 for "2-2.4.3". ok is false for locations
// that are not USB paths.
func TopologyDepth(location string) (depth int, ok bool) {
	location = strings.SplitN(location, ":", 2)[0]
	_, path, found := strings.Cut(location, "-")
	if !found || path == "" {
		return 0, false
	}

	parts := strings.Split(path, ".")
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return 0, false
		}
	}

	return len(parts), true
}

// FormatKey renders a location key the way it is logged, e.g. "(2, 2, 3)".
func FormatKey(key []int) string {
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = strconv.Itoa(v)
	}

	return "(" + strings.Join(parts, ", ") + ")"
}

// MatchPorts keeps the ports whose product contains deviceName and orders them by
// USB location.
func MatchPorts(ports []PortInfo, deviceName string) []PortInfo {
	matches := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		if strings.Contains(p.Product, deviceName) {
			matches = append(matches, p)
		}
	}

	slices.SortStableFunc(matches, func(a, b PortInfo) int {
		return slices.Compare(a.SortKey(), b.SortKey())
	})

	return matches
}

// SelectPort picks the port for the instance-th unit from ordered matches.
//
// When expected is set and one of the matches sits at that location, it wins over
// the positional pick.
func SelectPort(matches []PortInfo, instance int, expected []int) (PortInfo, error) {
	if len(expected) > 0 {
		for _, p := range matches {
			if slices.Equal(p.SortKey(), expected) {
				return p, nil
			}
		}
	}

	if instance < 0 || len(matches) <= instance {
		return PortInfo{}, fmt.Errorf("%w: only %d ACE device(s) present, instance %d needs %d",
			ErrNoDevice, len(matches), instance, instance+1)
	}

	return matches[instance], nil
}
