package coordinator

import (
	"context"

	"github.com/Kobra-S1/ACEPRO/unit"
)

// Lane is the inventory record of one tool as published to the host.
type Lane struct {
	Tool int
	Slot unit.Slot
}

// LaneSink publishes the lanes of all tools.
type LaneSink interface {
	SyncLanes(ctx context.Context, lanes []Lane) error
}

// SetLaneSink sets the sink that RunLaneSync publishes to.
func (c *Coordinator) SetLaneSink(sink LaneSink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lanes = sink
}

// Lanes returns a lane for every tool in tool order.
func (c *Coordinator) Lanes() []Lane {
	lanes := make([]Lane, 0, c.reg.ToolCount())
	for _, u := range c.reg.Units() {
		for slot, sl := range u.Slots() {
			lanes = append(lanes, Lane{Tool: Tool(u.ID(), slot), Slot: sl})
		}
	}

	return lanes
}

func (c *Coordinator) triggerLaneSync() {
	select {
	case c.laneTrigger <- struct{}{}:
	default:
	}
}

// RunLaneSync publishes the lanes once at start and after every inventory change
// until ctx is done. Changes arriving during a publish are coalesced.
func (c *Coordinator) RunLaneSync(ctx context.Context) error {
	c.triggerLaneSync()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.laneTrigger:
		}

		c.mu.Lock()
		sink := c.lanes
		c.mu.Unlock()
		if sink == nil {
			continue
		}

		if err := sink.SyncLanes(ctx, c.Lanes()); err != nil {
			c.logger.Warn("lane sync failed", "error", err)
		}
	}
}
