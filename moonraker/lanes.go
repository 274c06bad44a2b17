package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/logger"
	"github.com/Kobra-S1/ACEPRO/unit"
)

// DefaultNamespace is the database namespace read by slicers for lane data.
const DefaultNamespace = "lane_data"

// unknownMaterials are published as an empty material.
var unknownMaterials = []string{"???", "UNKNOWN", "N/A", "NONE"}

var _ coordinator.LaneSink = (*LaneSync)(nil)

// laneEntry is the lane record expected by slicers.
type laneEntry struct {
	Lane       string `json:"lane"`
	Material   string `json:"material"`
	Color      string `json:"color"`
	ScanTime   string `json:"scan_time"`
	TD         string `json:"td"`
	NozzleTemp int    `json:"nozzle_temp,omitempty"`
	BedTemp    int    `json:"bed_temp,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
	SKU        string `json:"sku,omitempty"`
	SpoolID    *int   `json:"spool_id,omitempty"`
}

// LaneSync writes one lane<N> item per tool into a Moonraker database namespace.
type LaneSync struct {
	rpc       Caller
	namespace string
	logger    logger.Logger

	mu   sync.Mutex
	last string
}

// NewLaneSync creates a LaneSync writing to namespace through rpc.
func NewLaneSync(rpc Caller, namespace string) *LaneSync {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	return &LaneSync{
		rpc:       rpc,
		namespace: namespace,
		logger:    logger.GetLogger().With("component", "lane_sync"),
	}
}

// SetLogger replaces the logger.
func (s *LaneSync) SetLogger(l logger.Logger) { s.logger = l.With("component", "lane_sync") }

// SyncLanes publishes lanes. Nothing is sent when the lanes equal the last published
// ones. Items that already hold the same value are not rewritten, and lane items for
// tools that no longer exist are deleted.
func (s *LaneSync) SyncLanes(ctx context.Context, lanes []coordinator.Lane) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := make(map[string]laneEntry, len(lanes))
	for _, l := range lanes {
		payload[laneKey(l.Tool)] = buildEntry(l)
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if string(serialized) == s.last {
		return nil
	}

	existing, err := s.items(ctx)
	if err != nil {
		return err
	}

	for _, key := range slices.Sorted(maps.Keys(existing)) {
		if !strings.HasPrefix(key, "lane") {
			continue
		}
		if _, keep := payload[key]; keep && isLaneKey(key) {
			continue
		}
		if err := s.rpc.Call(ctx, "server.database.delete_item",
			map[string]any{"namespace": s.namespace, "key": key}, nil); err != nil {
			return err
		}
		s.logger.Info("removed lane item", "key", key)
	}

	for _, key := range slices.Sorted(maps.Keys(payload)) {
		value, err := normalize(payload[key])
		if err != nil {
			return err
		}
		if reflect.DeepEqual(existing[key], value) {
			continue
		}
		if err := s.rpc.Call(ctx, "server.database.post_item",
			map[string]any{"namespace": s.namespace, "key": key, "value": payload[key]}, nil); err != nil {
			return err
		}
	}

	s.last = string(serialized)
	s.logger.Info("lane sync updated", "lanes", len(payload))

	return nil
}

func (s *LaneSync) items(ctx context.Context) (map[string]any, error) {
	var res struct {
		Value map[string]any `json:"value"`
	}
	err := s.rpc.Call(ctx, "server.database.get_item", map[string]any{"namespace": s.namespace}, &res)
	if IsNotFound(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Value == nil {
		res.Value = map[string]any{}
	}

	return res.Value, nil
}

func buildEntry(l coordinator.Lane) laneEntry {
	sl := l.Slot
	material := publishedMaterial(sl.Material)
	loaded := sl.Status == unit.StatusReady && material != ""

	e := laneEntry{Lane: strconv.Itoa(l.Tool)}
	if sl.Temp > 0 {
		e.NozzleTemp = sl.Temp
	}
	if sl.Hotbed != nil {
		if sl.Hotbed.Max > 0 {
			e.BedTemp = sl.Hotbed.Max
		} else if sl.Hotbed.Min > 0 {
			e.BedTemp = sl.Hotbed.Min
		}
	}
	if !loaded {
		return e
	}

	e.Material = material
	e.Color = hexColor(sl.Color)
	e.Vendor = sl.Brand
	e.SKU = sl.SKU
	if id, err := strconv.Atoi(sl.SKU); err == nil {
		e.SpoolID = &id
	}

	return e
}

func publishedMaterial(m string) string {
	m = strings.TrimSpace(m)
	if slices.Contains(unknownMaterials, strings.ToUpper(m)) {
		return ""
	}

	return m
}

func hexColor(c [3]int) string {
	clamp := func(v int) int { return min(max(v, 0), 255) }

	return fmt.Sprintf("#%02X%02X%02X", clamp(c[0]), clamp(c[1]), clamp(c[2]))
}

func laneKey(tool int) string { return "lane" + strconv.Itoa(tool+1) }

func isLaneKey(key string) bool {
	suffix, ok := strings.CutPrefix(key, "lane")
	if !ok || suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}

// normalize converts v to the generic form it takes after a JSON round trip.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(b, &out)

	return out, err
}
