package unit

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// SlotCount is the number of slots of one unit.
const SlotCount = 4

// Slot states.
const (
	StatusReady = "ready"
	StatusEmpty = "empty"
)

// Defaults applied to a ready slot that reports no metadata.
const (
	DefaultMaterial = "Unknown"
	DefaultTemp     = 225
)

// DefaultColor is the neutral gray of a slot without metadata.
var DefaultColor = [3]int{128, 128, 128}

// materialTemps maps tag material names to their print temperature.
var materialTemps = map[string]int{
	"PLA":            200,
	"PLA+":           210,
	"PLA Glow":       210,
	"PLA High Speed": 215,
	"PLA Marble":     205,
	"PLA Matte":      205,
	"PLA SE":         210,
	"PLA Silk":       215,
	"ABS":            240,
	"ASA":            245,
	"PETG":           235,
	"TPU":            210,
	"PVA":            185,
	"HIPS":           230,
	"PC":             260,
}

// MaterialTemp returns the print temperature of material, or DefaultTemp.
func MaterialTemp(material string) int {
	if t, ok := materialTemps[material]; ok {
		return t
	}

	return DefaultTemp
}

// colorNames are the color names accepted by ParseColor.
var colorNames = map[string][3]int{
	"BLACK":       {0, 0, 0},
	"BLUE":        {0, 0, 255},
	"BLUEISH":     {128, 128, 255},
	"CYAN":        {0, 255, 255},
	"DARK_GRAY":   {64, 64, 64},
	"DARK_YELLOW": {128, 128, 0},
	"GRAY":        {128, 128, 128},
	"GREEN":       {0, 255, 0},
	"GREENISH":    {128, 255, 128},
	"LIGHT_GRAY":  {191, 191, 191},
	"MAGENTA":     {255, 0, 255},
	"ORANGE":      {235, 128, 66},
	"RED":         {255, 0, 0},
	"REDISH":      {255, 128, 128},
	"YELLOW":      {255, 255, 0},
	"WHITE":       {255, 255, 255},
	"ORCA":        {0, 150, 136},
}

// ColorNames returns the accepted color names in ascending order.
func ColorNames() []string {
	names := make([]string, 0, len(colorNames))
	for n := range colorNames {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// ParseColor parses a color name or an "R,G,B" triple.
//
// Out of range components are not an error: they are clamped to 0..255 and clamped
// reports that the result differs from the input.
func ParseColor(s string) (c [3]int, clamped bool, err error) {
	s = strings.TrimSpace(s)
	if named, ok := colorNames[strings.ToUpper(s)]; ok {
		return named, false, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return [3]int{}, false, fmt.Errorf("%w: %q, want one of %s or R,G,B", ErrInvalidColor, s, strings.Join(ColorNames(), ", "))
	}

	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return [3]int{}, false, fmt.Errorf("%w: %q", ErrInvalidColor, s)
		}
		c[i] = min(max(v, 0), 255)
		clamped = clamped || c[i] != v
	}

	return c, clamped, nil
}

// TempRange is a min/max temperature pair read from a tag.
type TempRange struct {
	Min int `cbor:"min" json:"min"`
	Max int `cbor:"max" json:"max"`
}

// Slot is the inventory record of one slot.
//
// Status, Color, Material, Temp and RFID survive a slot becoming empty, so a spool
// reinserted without a tag restores them. The remaining fields come from a tag read
// and are cleared when the slot empties.
type Slot struct {
	Status   string     `cbor:"status"                  json:"status"`
	Color    [3]int     `cbor:"color"                   json:"color"`
	Material string     `cbor:"material"                json:"material"`
	Temp     int        `cbor:"temp"                    json:"temp"`
	RFID     bool       `cbor:"rfid"                    json:"rfid"`
	SKU      string     `cbor:"sku,omitempty"           json:"sku,omitempty"`
	Brand    string     `cbor:"brand,omitempty"         json:"brand,omitempty"`
	IconType *int       `cbor:"icon_type,omitempty"     json:"icon_type,omitempty"`
	RGBA     [][]int    `cbor:"rgba,omitempty"          json:"rgba,omitempty"`
	Extruder *TempRange `cbor:"extruder_temp,omitempty" json:"extruder_temp,omitempty"`
	Hotbed   *TempRange `cbor:"hotbed_temp,omitempty"   json:"hotbed_temp,omitempty"`
	Diameter *float64   `cbor:"diameter,omitempty"      json:"diameter,omitempty"`
	Total    *int       `cbor:"total,omitempty"         json:"total,omitempty"`
	Current  *int       `cbor:"current,omitempty"       json:"current,omitempty"`
}

// EmptySlot returns the record of a slot that never held a spool.
func EmptySlot() Slot {
	return Slot{Status: StatusEmpty}
}

// IsReady reports whether the slot holds a spool.
func (s *Slot) IsReady() bool { return s.Status == StatusReady }

// Clone returns a deep copy of s.
func (s Slot) Clone() Slot {
	c := s
	if s.RGBA != nil {
		c.RGBA = make([][]int, len(s.RGBA))
		for i, v := range s.RGBA {
			c.RGBA[i] = slices.Clone(v)
		}
	}
	c.IconType = clonePtr(s.IconType)
	c.Extruder = clonePtr(s.Extruder)
	c.Hotbed = clonePtr(s.Hotbed)
	c.Diameter = clonePtr(s.Diameter)
	c.Total = clonePtr(s.Total)
	c.Current = clonePtr(s.Current)

	return c
}

// Equal reports whether every field of s and o is equal.
func (s *Slot) Equal(o *Slot) bool {
	if s.Status != o.Status || s.Color != o.Color || s.Material != o.Material ||
		s.Temp != o.Temp || s.RFID != o.RFID || s.SKU != o.SKU || s.Brand != o.Brand {
		return false
	}
	if !slices.EqualFunc(s.RGBA, o.RGBA, slices.Equal[[]int]) {
		return false
	}

	return ptrEqual(s.IconType, o.IconType) &&
		ptrEqual(s.Extruder, o.Extruder) &&
		ptrEqual(s.Hotbed, o.Hotbed) &&
		ptrEqual(s.Diameter, o.Diameter) &&
		ptrEqual(s.Total, o.Total) &&
		ptrEqual(s.Current, o.Current)
}

// clearTagData drops the fields read from a tag.
func (s *Slot) clearTagData() {
	s.SKU, s.Brand = "", ""
	s.IconType, s.RGBA = nil, nil
	s.Extruder, s.Hotbed = nil, nil
	s.Diameter, s.Total, s.Current = nil, nil, nil
}

func (s *Slot) hasTagTemps() bool {
	return s.Extruder != nil && s.Hotbed != nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p

	return &v
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}
