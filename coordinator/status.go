package coordinator

import (
	"github.com/Kobra-S1/ACEPRO/transport"
	"github.com/Kobra-S1/ACEPRO/unit"
)

// Status is a snapshot of the coordinator and its units.
type Status struct {
	Units                int          `json:"ace_instances"`
	CurrentTool          int          `json:"current_index"`
	Position             Position     `json:"filament_pos"`
	EndlessSpool         bool         `json:"endless_spool_enabled"`
	MatchMode            MatchMode    `json:"endless_spool_match_mode"`
	GlobalEnabled        bool         `json:"ace_global_enabled"`
	ToolchangeInProgress bool         `json:"toolchange_in_progress"`
	Instances            []UnitStatus `json:"instances"`
}

// UnitStatus is the status of one unit.
type UnitStatus struct {
	ID         int                         `json:"instance"`
	Status     string                      `json:"status"`
	Temp       float64                     `json:"temp"`
	FeedAssist int                         `json:"feed_assist_slot"`
	Dryer      unit.Dryer                  `json:"dryer"`
	Slots      []SlotSummary               `json:"slots"`
	Inventory  []unit.Slot                 `json:"inventory,omitempty"`
	Connection *transport.ConnectionStatus `json:"connection,omitempty"`
}

// SlotSummary is the compact form of a slot.
type SlotSummary struct {
	Tool     int    `json:"tool"`
	Status   string `json:"status"`
	Material string `json:"material"`
	Color    [3]int `json:"color"`
	Temp     int    `json:"temp"`
}

// Snapshot returns the current status. verbose adds the full slot records and the
// connection details.
func (c *Coordinator) Snapshot(verbose bool) Status {
	c.mu.Lock()
	st := Status{
		Units:                c.reg.Len(),
		CurrentTool:          c.current,
		Position:             c.position,
		EndlessSpool:         c.endless,
		MatchMode:            c.mode,
		GlobalEnabled:        c.enabled,
		ToolchangeInProgress: c.tcDepth > 0,
	}
	conns := append([]Supervised(nil), c.conns...)
	c.mu.Unlock()

	byUnit := make(map[int]transport.ConnectionStatus, len(conns))
	if verbose {
		for _, conn := range conns {
			cs := conn.ConnStatus()
			byUnit[cs.UnitID] = cs
		}
	}

	for _, u := range c.reg.Units() {
		hw := u.HWStatus()
		us := UnitStatus{
			ID:         u.ID(),
			Status:     hw.Status,
			Temp:       hw.Temp,
			FeedAssist: u.FeedAssistIndex(),
			Dryer:      u.Dryer(),
		}

		slots := u.Slots()
		for i, sl := range slots {
			us.Slots = append(us.Slots, SlotSummary{
				Tool:     Tool(u.ID(), i),
				Status:   sl.Status,
				Material: sl.Material,
				Color:    sl.Color,
				Temp:     sl.Temp,
			})
		}
		if verbose {
			us.Inventory = slots
			if cs, ok := byUnit[u.ID()]; ok {
				us.Connection = &cs
			}
		}

		st.Instances = append(st.Instances, us)
	}

	return st
}
