// Package unit drives one ACE Pro unit: its four slot inventory, feeding and
// retracting filament, feed-assist and the dryer.
//
// A Unit talks to the hardware through a Link, which is satisfied by
// *transport.Connection. Inventory changes are merged from the heartbeat status and
// persisted to the host store only when a slot record actually changed.
package unit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/logger"
	"github.com/Kobra-S1/ACEPRO/store"
	"github.com/Kobra-S1/ACEPRO/transport"
)

// Tag read states reported per slot.
const (
	RFIDNone        = 0
	RFIDFailed      = 1
	RFIDIdentified  = 2
	RFIDIdentifying = 3
)

// Link is the request surface of a unit connection.
type Link interface {
	Send(req transport.Request, p transport.Priority) <-chan transport.Reply
	AddConnectHandler(h transport.ConnectHandler)
	AddHeartbeatHandler(h transport.HeartbeatHandler)
	TopologyDepth() (depth int, ok bool)
}

var _ Link = (*transport.Connection)(nil)

// HWSlot is a slot as reported by get_status.
type HWSlot struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	SKU    string `json:"sku"`
	Type   string `json:"type"`
	Color  []int  `json:"color"`
	RFID   *int   `json:"rfid"`
	Brand  string `json:"brand"`
}

// Dryer is the dryer section of get_status.
type Dryer struct {
	Status     string  `json:"status"`
	TargetTemp float64 `json:"target_temp"`
	Duration   float64 `json:"duration"`
	RemainTime float64 `json:"remain_time"`
}

// HWStatus is the get_status result.
type HWStatus struct {
	Status          string   `json:"status"`
	Action          string   `json:"action,omitempty"`
	Temp            float64  `json:"temp"`
	EnableRFID      int      `json:"enable_rfid"`
	FanSpeed        int      `json:"fan_speed"`
	FeedAssistCount int      `json:"feed_assist_count"`
	ContAssistTime  float64  `json:"cont_assist_time"`
	Dryer           Dryer    `json:"dryer"`
	DryerStatus     *Dryer   `json:"dryer_status,omitempty"`
	Slots           []HWSlot `json:"slots"`
}

func (s *HWStatus) clone() HWStatus {
	c := *s
	c.Slots = slices.Clone(s.Slots)
	if s.DryerStatus != nil {
		d := *s.DryerStatus
		c.DryerStatus = &d
	}

	return c
}

func (s *HWStatus) slot(idx int) (HWSlot, bool) {
	for _, hs := range s.Slots {
		if hs.Index == idx {
			return hs, true
		}
	}

	return HWSlot{}, false
}

// filamentInfo is the get_filament_info result.
type filamentInfo struct {
	SKU          string    `json:"sku"`
	Brand        string    `json:"brand"`
	Type         string    `json:"type"`
	IconType     *int      `json:"icon_type"`
	Colors       [][]int   `json:"colors"`
	ExtruderTemp TempRange `json:"extruder_temp"`
	HotbedTemp   TempRange `json:"hotbed_temp"`
	Diameter     *float64  `json:"diameter"`
	Total        *int      `json:"total"`
	Current      *int      `json:"current"`
}

// InventoryFunc is invoked with a snapshot of the inventory after it changed.
type InventoryFunc func(unitID int, slots []Slot)

// Unit is one ACE Pro unit.
type Unit struct {
	ctx    context.Context
	id     int
	link   Link
	cfg    Config
	env    host.Env
	logger logger.Logger

	mu          sync.Mutex
	slots       [SlotCount]Slot
	hw          HWStatus
	feedAssist  int
	assistDepth int
	restore     int
	pending     [SlotCount]bool
	attempted   [SlotCount]bool
	listeners   []InventoryFunc

	tasks sync.WaitGroup
}

// New creates a unit and registers its connect and heartbeat handlers on link.
// Background work started by the unit ends when ctx is done.
func New(ctx context.Context, id int, link Link, cfg Config, env host.Env) *Unit {
	u := &Unit{
		ctx:         ctx,
		id:          id,
		link:        link,
		cfg:         cfg,
		env:         env,
		logger:      logger.GetLogger().With("unit", id),
		feedAssist:  -1,
		assistDepth: -1,
		restore:     -1,
		hw:          HWStatus{Status: "ready", Dryer: Dryer{Status: "stop"}},
	}
	for i := range u.slots {
		u.slots[i] = EmptySlot()
	}

	link.AddConnectHandler(u.onConnect)
	link.AddHeartbeatHandler(u.HandleHeartbeat)

	return u
}

// ID returns the unit number.
func (u *Unit) ID() int { return u.id }

// Config returns the motion parameters of the unit.
func (u *Unit) Config() Config { return u.cfg }

// SetLogger replaces the logger of the unit.
func (u *Unit) SetLogger(l logger.Logger) { u.logger = l.With("unit", u.id) }

// SetRFIDSync enables or disables applying tag metadata to the inventory.
func (u *Unit) SetRFIDSync(enabled bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.cfg.RFIDSync = enabled
}

// OnInventoryChange registers fn to run after every inventory change.
func (u *Unit) OnInventoryChange(fn InventoryFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.listeners = append(u.listeners, fn)
}

// Slot returns a copy of slot idx.
func (u *Unit) Slot(idx int) (Slot, error) {
	if err := checkSlot(idx); err != nil {
		return Slot{}, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	return u.slots[idx].Clone(), nil
}

// Slots returns a copy of the inventory.
func (u *Unit) Slots() []Slot {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.snapshotLocked()
}

// HWStatus returns the last status reported by the hardware.
func (u *Unit) HWStatus() HWStatus {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.hw.clone()
}

// Dryer returns the dryer state of the last status.
func (u *Unit) Dryer() Dryer {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.hw.DryerStatus != nil {
		return *u.hw.DryerStatus
	}

	return u.hw.Dryer
}

// FeedAssistIndex returns the slot with feed-assist enabled, or -1.
func (u *Unit) FeedAssistIndex() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.feedAssist
}

// Wait blocks until tag queries and feed-assist restorations started in the
// background have finished.
func (u *Unit) Wait() {
	u.tasks.Wait()
}

func (u *Unit) inventoryKey() string  { return fmt.Sprintf("ace_inventory_%d", u.id) }
func (u *Unit) feedAssistKey() string { return fmt.Sprintf("ace_feed_assist_index_%d", u.id) }

// LoadInventory restores the inventory and the feed-assist index from the store.
// Missing or malformed entries leave the slots empty.
func (u *Unit) LoadInventory() error {
	var saved []Slot
	err := store.Load(u.env.Store, u.inventoryKey(), &saved)

	u.mu.Lock()
	defer u.mu.Unlock()

	u.feedAssist = store.GetInt(u.env.Store, u.feedAssistKey(), -1)
	if u.feedAssist < -1 || u.feedAssist >= SlotCount {
		u.feedAssist = -1
	}

	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("unit %d: load inventory: %w", u.id, err)
	}

	for i := range min(len(saved), SlotCount) {
		s := saved[i]
		if s.Status != StatusReady {
			s.Status = StatusEmpty
		}
		u.slots[i] = s
	}
	u.logger.Info("inventory restored", "slots", len(saved), "feed_assist", u.feedAssist)

	return nil
}

// persistLocked writes the inventory and notifies the listeners. u.mu must be held;
// it is released while the listeners run.
func (u *Unit) persistLocked() {
	u.saveLocked(u.env.Store.Set)
}

// stageLocked is persistLocked for changes reported by the unit itself. They reach
// disk with the next durable store write or Flush.
func (u *Unit) stageLocked() {
	u.saveLocked(u.env.Store.Stage)
}

func (u *Unit) saveLocked(write func(key string, value any) error) {
	snapshot := u.snapshotLocked()
	listeners := slices.Clone(u.listeners)

	if err := write(u.inventoryKey(), snapshot); err != nil {
		u.logger.Error("failed to persist inventory", "error", err)
	}

	u.mu.Unlock()
	defer u.mu.Lock()

	for _, fn := range listeners {
		fn(u.id, snapshot)
	}
}

func (u *Unit) persistFeedAssist(idx int) {
	if err := u.env.Store.Set(u.feedAssistKey(), idx); err != nil {
		u.logger.Error("failed to persist feed assist index", "error", err)
	}
}

func (u *Unit) snapshotLocked() []Slot {
	out := make([]Slot, SlotCount)
	for i := range u.slots {
		out[i] = u.slots[i].Clone()
	}

	return out
}

// HandleHeartbeat merges a get_status response into the inventory. It is registered
// as heartbeat handler of the link.
func (u *Unit) HandleHeartbeat(resp *transport.Response) {
	if resp == nil {
		return
	}
	if resp.Code != 0 {
		u.logger.Warn("heartbeat response error", "code", resp.Code, "msg", resp.Msg)
		return
	}

	var st HWStatus
	if err := resp.DecodeResult(&st); err != nil {
		u.logger.Warn("invalid heartbeat status", "error", err)
		return
	}

	u.HandleStatus(st)

	u.mu.Lock()
	restore := u.restore
	u.restore = -1
	u.mu.Unlock()

	if restore >= 0 {
		u.logger.Info("restoring feed assist after reconnect", "slot", restore)
		u.goTask(func(ctx context.Context) {
			if err := u.EnableFeedAssist(ctx, restore); err != nil {
				u.logger.Warn("failed to restore feed assist", "slot", restore, "error", err)
			}
		})
	}
}

// HandleStatus merges a hardware status into the inventory.
//
// A slot that turns empty keeps its color, material and temperature but loses its tag
// data. A ready slot takes material and color from an identified tag when RFID sync is
// enabled and falls back to the defaults when it still has no material or temperature.
// The inventory is persisted only when a slot record changed.
func (u *Unit) HandleStatus(st HWStatus) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.hw = st.clone()

	changed := false
	loaded := false
	assistWas := u.feedAssist
	var queries []int

	for _, hs := range st.Slots {
		idx := hs.Index
		if idx < 0 || idx >= SlotCount {
			continue
		}

		cur := &u.slots[idx]
		next := cur.Clone()
		newStatus := hs.Status
		if newStatus == "" {
			newStatus = StatusEmpty
		}

		if cur.Status != newStatus {
			changed = true
			switch {
			case cur.Status == StatusEmpty && newStatus == StatusReady:
				u.logger.Info("slot auto-restored", "slot", idx, "material", cur.Material)
				loaded = true
			case cur.Status == StatusReady && newStatus == StatusEmpty:
				u.logger.Info("slot marked empty", "slot", idx, "material", cur.Material)
			}
		}
		next.Status = newStatus

		switch newStatus {
		case StatusEmpty:
			next.RFID = false
			next.clearTagData()
			u.pending[idx] = false
			u.attempted[idx] = false

		case StatusReady:
			if u.cfg.RFIDSync && u.applyTag(idx, hs, cur, &next) {
				queries = append(queries, idx)
				changed = true
			}
			if u.fillDefaults(hs, &next) {
				u.logger.Info("slot ready without metadata, using defaults", "slot", idx,
					"material", next.Material, "temp", next.Temp, "color", next.Color)
				changed = true
			}
		}

		if !cur.Equal(&next) {
			*cur = next
		}
	}

	for _, idx := range queries {
		u.queryTagLocked(idx)
	}

	if !changed {
		return
	}

	u.stageLocked()

	if loaded && assistWas >= 0 {
		u.logger.Info("re-enabling feed assist disabled by slot loading", "slot", assistWas)
		u.goTask(func(ctx context.Context) {
			if err := u.EnableFeedAssist(ctx, assistWas); err != nil {
				u.logger.Warn("failed to restore feed assist", "slot", assistWas, "error", err)
			}
		})
	}
}

// applyTag copies an identified tag into next. It returns true when the tag differs
// from the saved record and a full tag query should be issued.
func (u *Unit) applyTag(idx int, hs HWSlot, cur *Slot, next *Slot) bool {
	material := strings.TrimSpace(hs.Type)
	if hs.RFID == nil || *hs.RFID != RFIDIdentified || material == "" || len(hs.Color) < 3 {
		return false
	}
	color := [3]int{hs.Color[0], hs.Color[1], hs.Color[2]}

	missing := !cur.hasTagTemps() && !u.pending[idx] && !u.attempted[idx]
	if material == cur.Material && color == cur.Color && cur.RFID && !missing {
		return false
	}

	next.Material = material
	next.Color = color
	next.RFID = true
	next.Temp = MaterialTemp(material)
	if hs.SKU != "" {
		next.SKU = hs.SKU
	}
	if hs.Brand != "" {
		next.Brand = hs.Brand
	}
	u.logger.Info("slot tag detected", "slot", idx, "material", material, "color", color)

	return true
}

// fillDefaults applies the defaults to a ready slot without material or temperature.
// With RFID sync disabled, slots reporting a tag are left untouched.
func (u *Unit) fillDefaults(hs HWSlot, next *Slot) bool {
	if !u.cfg.RFIDSync && hs.RFID != nil && *hs.RFID != RFIDNone {
		return false
	}

	missingMaterial := strings.TrimSpace(next.Material) == ""
	missingTemp := next.Temp <= 0
	if !missingMaterial && !missingTemp {
		return false
	}

	if missingMaterial {
		next.Material = DefaultMaterial
	}
	if missingTemp {
		next.Temp = DefaultTemp
	}
	if next.Color == [3]int{} {
		next.Color = DefaultColor
	}

	return true
}

// queryTagLocked issues get_filament_info for slot idx unless a query is pending.
func (u *Unit) queryTagLocked(idx int) {
	if u.pending[idx] {
		return
	}
	u.pending[idx] = true
	u.attempted[idx] = true

	ch := u.link.Send(transport.NewRequest("get_filament_info", map[string]any{"index": idx}), transport.PriorityNormal)
	u.goTask(func(ctx context.Context) {
		select {
		case reply := <-ch:
			u.applyTagInfo(idx, reply)
		case <-ctx.Done():
			u.mu.Lock()
			u.pending[idx] = false
			u.mu.Unlock()
		}
	})
}

func (u *Unit) applyTagInfo(idx int, reply transport.Reply) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.pending[idx] = false

	if reply.Err != nil {
		u.logger.Warn("get_filament_info failed", "slot", idx, "error", reply.Err)
		return
	}
	if reply.Response.Code != 0 {
		u.logger.Warn("get_filament_info failed", "slot", idx, "msg", reply.Response.Msg)
		return
	}

	var fi filamentInfo
	if err := json.Unmarshal(reply.Response.Result, &fi); err != nil {
		u.logger.Warn("invalid filament info", "slot", idx, "error", err)
		return
	}

	cur := &u.slots[idx]
	if !cur.IsReady() {
		return
	}

	s := cur.Clone()
	s.Temp = tagTemp(fi, u.cfg.TempMode)
	if fi.SKU != "" {
		s.SKU = fi.SKU
	}
	if fi.Brand != "" {
		s.Brand = fi.Brand
	}
	if fi.IconType != nil {
		s.IconType = clonePtr(fi.IconType)
	}
	if len(fi.Colors) > 0 {
		s.RGBA = fi.Colors
	}
	ext, bed := fi.ExtruderTemp, fi.HotbedTemp
	s.Extruder, s.Hotbed = &ext, &bed
	s.Diameter = clonePtr(fi.Diameter)
	s.Total = clonePtr(fi.Total)
	s.Current = clonePtr(fi.Current)

	if cur.Equal(&s) {
		u.logger.Debug("slot tag data unchanged", "slot", idx, "sku", fi.SKU)
		return
	}
	*cur = s

	u.logger.Info("slot tag data", "slot", idx, "sku", fi.SKU, "temp", s.Temp,
		"min", fi.ExtruderTemp.Min, "max", fi.ExtruderTemp.Max, "brand", fi.Brand)

	u.stageLocked()
}

// tagTemp derives the print temperature from the extruder range of a tag.
func tagTemp(fi filamentInfo, mode TempMode) int {
	lo, hi := fi.ExtruderTemp.Min, fi.ExtruderTemp.Max
	switch {
	case lo <= 0 && hi <= 0:
		return MaterialTemp(fi.Type)
	case mode == TempMin && lo > 0:
		return lo
	case mode == TempMax && hi > 0:
		return hi
	case lo > 0 && hi > 0:
		return (lo + hi) / 2
	case hi > 0:
		return hi
	}

	return lo
}

func (u *Unit) onConnect() {
	depth, ok := u.link.TopologyDepth()
	if !ok {
		depth = -1
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.feedAssist < 0 {
		return
	}

	if !u.cfg.RestoreFeedAssist {
		u.logger.Info("feed assist restore disabled", "slot", u.feedAssist)
		return
	}

	if u.assistDepth < 0 || u.assistDepth == depth {
		u.restore = u.feedAssist
		u.logger.Info("feed assist restore scheduled for first heartbeat", "slot", u.feedAssist, "depth", depth)
		return
	}

	u.logger.Warn("usb topology changed, skipping feed assist restore",
		"slot", u.feedAssist, "depth", depth, "expected", u.assistDepth)
	u.feedAssist = -1
	u.persistFeedAssist(-1)
}

// goTask runs fn in a goroutine tracked by Wait.
func (u *Unit) goTask(fn func(ctx context.Context)) {
	u.tasks.Add(1)
	go func() {
		defer u.tasks.Done()
		fn(u.ctx)
	}()
}

func checkSlot(idx int) error {
	if idx < 0 || idx >= SlotCount {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, idx)
	}

	return nil
}
