package transport

import (
	"fmt"
	"slices"
	"sync"
)

// DefaultRelearnThreshold is the number of consecutive mismatches after which a
// binding is dropped and learned again on the next connect.
const DefaultRelearnThreshold = 1

// TopologyBinder binds a logical unit to the USB position it was first seen at.
//
// The first successful validation remembers the port's location key. Every later
// port must sit at the same location; the key fixes the topology depth as well as
// the hub port path. After relearnThreshold consecutive mismatches the binding is
// cleared so a re-cabled setup can be learned again.
type TopologyBinder struct {
	mu               sync.Mutex
	expected         []int
	depth            int
	failures         int
	relearnThreshold int
}

// NewTopologyBinder creates a binder. A threshold <= 0 uses DefaultRelearnThreshold.
func NewTopologyBinder(relearnThreshold int) *TopologyBinder {
	if relearnThreshold <= 0 {
		relearnThreshold = DefaultRelearnThreshold
	}

	return &TopologyBinder{relearnThreshold: relearnThreshold, depth: -1}
}

// Validate checks info against the binding, learning it when none exists.
//
// On mismatch it returns an error wrapping ErrTopologyMismatch; cleared reports
// whether the mismatch reached the relearn threshold and dropped the binding.
func (b *TopologyBinder) Validate(info PortInfo) (cleared bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := info.SortKey()
	if b.expected == nil {
		b.learn(info, key)
		return false, nil
	}

	if slices.Equal(b.expected, key) {
		b.failures = 0
		return false, nil
	}

	b.failures++
	err = fmt.Errorf("%w: expected %s, got %s (%s)",
		ErrTopologyMismatch, FormatKey(b.expected), FormatKey(key), info.Name)

	if b.failures >= b.relearnThreshold {
		b.expected = nil
		b.depth = -1
		b.failures = 0
		cleared = true
	}

	return cleared, err
}

// Expected returns a copy of the bound location key, or nil when unbound.
func (b *TopologyBinder) Expected() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.expected)
}

// Depth returns the bound topology depth, or -1 when unbound or not a USB path.
func (b *TopologyBinder) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.depth
}

// Failures returns the number of consecutive mismatches.
func (b *TopologyBinder) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failures
}

// Forget drops the binding.
func (b *TopologyBinder) Forget() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expected = nil
	b.depth = -1
	b.failures = 0
}

func (b *TopologyBinder) learn(info PortInfo, key []int) {
	b.expected = key
	b.failures = 0
	if depth, ok := info.Depth(); ok {
		b.depth = depth
	} else {
		b.depth = -1
	}
}
