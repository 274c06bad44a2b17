package unit

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSlotData indicates a manual slot update without material or temperature.
var ErrInvalidSlotData = errors.New("unit: material and temperature are required")

// SetSlot records a manually loaded spool in slot idx. Tag data of the slot is dropped.
func (u *Unit) SetSlot(idx int, color [3]int, material string, temp int) error {
	if err := checkSlot(idx); err != nil {
		return err
	}
	material = strings.TrimSpace(material)
	if material == "" || temp <= 0 {
		return fmt.Errorf("%w: material=%q temp=%d", ErrInvalidSlotData, material, temp)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	next := Slot{Status: StatusReady, Color: color, Material: material, Temp: temp}
	u.updateLocked(idx, next)
	u.logger.Info("slot set", "slot", idx, "color", color, "material", material, "temp", temp)

	return nil
}

// ClearSlot forgets the spool of slot idx, including its color, material and temperature.
func (u *Unit) ClearSlot(idx int) error {
	if err := checkSlot(idx); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.updateLocked(idx, EmptySlot())
	u.logger.Info("slot cleared", "slot", idx)

	return nil
}

// MarkEmpty marks slot idx empty after a runout. Color, material and temperature are
// kept, tag data is dropped.
func (u *Unit) MarkEmpty(idx int) error {
	if err := checkSlot(idx); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	next := u.slots[idx].Clone()
	next.Status = StatusEmpty
	next.RFID = false
	next.clearTagData()
	u.pending[idx] = false
	u.attempted[idx] = false
	u.updateLocked(idx, next)

	return nil
}

// RestoreReady marks slot idx ready again with its kept metadata.
func (u *Unit) RestoreReady(idx int) error {
	if err := checkSlot(idx); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	next := u.slots[idx].Clone()
	next.Status = StatusReady
	u.updateLocked(idx, next)

	return nil
}

// SaveInventory persists the inventory unconditionally.
func (u *Unit) SaveInventory() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.persistLocked()
}

// ResetInventory empties all slots and persists the result.
func (u *Unit) ResetInventory() {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i := range u.slots {
		u.slots[i] = EmptySlot()
		u.pending[i] = false
		u.attempted[i] = false
	}
	u.logger.Info("inventory reset")
	u.persistLocked()
}

// ResetFeedAssist forgets the feed-assist slot without talking to the unit.
func (u *Unit) ResetFeedAssist() {
	u.mu.Lock()
	idx := u.feedAssist
	u.feedAssist = -1
	u.restore = -1
	u.mu.Unlock()

	if idx != -1 {
		u.persistFeedAssist(-1)
		u.logger.Info("feed assist state reset")
	}
}

// updateLocked replaces slot idx and persists the inventory when the record changed.
func (u *Unit) updateLocked(idx int, next Slot) {
	if u.slots[idx].Equal(&next) {
		return
	}
	u.slots[idx] = next
	u.persistLocked()
}
