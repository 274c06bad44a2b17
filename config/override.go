package config

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Override is a parameter value with optional per-unit overrides. Its text form is
// either a single number, or "default,unit:value[,unit:value...]" where the default
// may be omitted.
type Override struct {
	def    float64
	hasDef bool
	units  map[int]float64
}

// Uniform returns an Override that resolves to v for every unit.
func Uniform(v float64) Override {
	return Override{def: v, hasDef: true}
}

// ParseOverride parses the text form of an Override.
func ParseOverride(s string) (Override, error) {
	var o Override

	s = strings.TrimSpace(s)
	if s == "" {
		return o, fmt.Errorf("%w: empty value", ErrInvalidOverride)
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return o, fmt.Errorf("%w: empty element in %q", ErrInvalidOverride, s)
		}

		idx, val, isUnit := strings.Cut(part, ":")
		if !isUnit {
			if o.hasDef {
				return o, fmt.Errorf("%w: more than one default in %q", ErrInvalidOverride, s)
			}
			v, err := parseNumber(part)
			if err != nil {
				return o, err
			}
			o.def, o.hasDef = v, true

			continue
		}

		unit, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil || unit < 0 {
			return o, fmt.Errorf("%w: invalid unit %q in %q", ErrInvalidOverride, idx, s)
		}
		v, err := parseNumber(val)
		if err != nil {
			return o, err
		}
		if _, dup := o.units[unit]; dup {
			return o, fmt.Errorf("%w: unit %d given twice in %q", ErrInvalidOverride, unit, s)
		}
		if o.units == nil {
			o.units = make(map[int]float64)
		}
		o.units[unit] = v
	}

	return o, nil
}

// For returns the value that applies to unit. An explicit override wins over the
// default. It fails when neither is present.
func (o Override) For(unit int) (float64, error) {
	if v, ok := o.units[unit]; ok {
		return v, nil
	}
	if o.hasDef {
		return o.def, nil
	}

	return 0, fmt.Errorf("%w: no value for unit %d", ErrInvalidOverride, unit)
}

// Equal reports whether o and other resolve identically for every unit.
func (o Override) Equal(other Override) bool {
	return o.hasDef == other.hasDef && o.def == other.def && maps.Equal(o.units, other.units)
}

// String returns the text form of o.
func (o Override) String() string {
	var parts []string
	if o.hasDef {
		parts = append(parts, formatNumber(o.def))
	}
	for _, unit := range slices.Sorted(maps.Keys(o.units)) {
		parts = append(parts, strconv.Itoa(unit)+":"+formatNumber(o.units[unit]))
	}

	return strings.Join(parts, ",")
}

func overrideFromValue(v any) (Override, error) {
	switch v := v.(type) {
	case int64:
		return Uniform(float64(v)), nil
	case float64:
		return Uniform(v), nil
	case string:
		return ParseOverride(v)
	}

	return Override{}, fmt.Errorf("%w: unsupported value %v (%T)", ErrInvalidOverride, v, v)
}

func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: missing value", ErrInvalidOverride)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid number %q", ErrInvalidOverride, s)
	}

	return v, nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
