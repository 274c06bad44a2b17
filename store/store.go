// Package store provides the persistent key/value store of the coordinator.
//
// Values are trees of booleans, strings, numbers, lists and string keyed maps.
// Every value is normalized through CBOR on write, so a value read back has the
// same shape whether it came from memory or from disk: maps are map[string]any,
// integers are int64 and floats are float64.
package store

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ErrNotFound indicates that a key is not present in the store.
var ErrNotFound = errors.New("store: key not found")

// Store is a persistent key/value store.
type Store interface {
	// Get returns the value of key.
	Get(key string) (value any, ok bool)
	// Set stores value and persists it immediately.
	Set(key string, value any) error
	// Stage stores value and defers persisting it to the next Flush.
	Stage(key string, value any) error
	// Flush persists all staged values.
	Flush() error
	// Delete removes key and persists the removal.
	Delete(key string) error
	// Keys returns all keys in ascending order.
	Keys() []string
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// normalize converts v into its canonical value tree.
func normalize(v any) (any, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode value: %w", err)
	}

	var out any
	if err := decMode.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("store: decode value: %w", err)
	}

	return out, nil
}

// Load decodes the value of key into v, which must be a pointer.
func Load(s Store, key string, v any) error {
	raw, ok := s.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	data, err := encMode.Marshal(raw)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", key, err)
	}

	return nil
}

// GetInt returns the value of key as int, or def when missing or not a number.
func GetInt(s Store, key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}

	switch n := v.(type) {
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}

	return def
}

// GetFloat returns the value of key as float64, or def when missing or not a number.
func GetFloat(s Store, key string, def float64) float64 {
	v, ok := s.Get(key)
	if !ok {
		return def
	}

	switch n := v.(type) {
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float64:
		return n
	}

	return def
}

// GetString returns the value of key as string, or def when missing or not a string.
func GetString(s Store, key string, def string) string {
	if v, ok := s.Get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}

	return def
}

// GetBool returns the value of key as bool, or def when missing or not a bool.
func GetBool(s Store, key string, def bool) bool {
	if v, ok := s.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}

	return def
}

// Memory is a Store that keeps values in memory only.
type Memory struct {
	mu     sync.RWMutex
	values map[string]any
	staged int
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]any)}
}

// Get implements Store.
func (m *Memory) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]

	return v, ok
}

// Set implements Store.
func (m *Memory) Set(key string, value any) error {
	return m.put(key, value, false)
}

// Stage implements Store.
func (m *Memory) Stage(key string, value any) error {
	return m.put(key, value, true)
}

// Flush implements Store.
func (m *Memory) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.staged = 0

	return nil
}

// Delete implements Store.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)

	return nil
}

// Keys implements Store.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}

// Staged returns the number of values staged since the last Flush or Set.
func (m *Memory) Staged() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.staged
}

func (m *Memory) put(key string, value any, staged bool) error {
	v, err := normalize(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = v
	if staged {
		m.staged++
	} else {
		m.staged = 0
	}

	return nil
}

func (m *Memory) snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}

	return out
}
