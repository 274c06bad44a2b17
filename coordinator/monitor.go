package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/transport"
)

const connectionIssueTitle = "ACE Connection Issue"

// Supervised is a unit connection whose stability the coordinator aggregates.
// *transport.Connection implements it.
type Supervised interface {
	ConnStatus() transport.ConnectionStatus
	IsUnstable() bool
	Enable()
	Disable()
}

// AddConnection registers conn for stability supervision and global enable.
func (c *Coordinator) AddConnection(conn Supervised) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conns = append(c.conns, conn)
}

// MonitorConnections checks the connection stability every MonitorInterval until
// ctx is done.
func (c *Coordinator) MonitorConnections(ctx context.Context) error {
	if !c.cfg.ConnectionSupervision {
		c.logger.Info("connection supervision disabled")
		return nil
	}

	for {
		if err := c.env.Scheduler.Sleep(ctx, c.cfg.MonitorInterval); err != nil {
			return err
		}
		c.CheckConnections(ctx)
	}
}

// CheckConnections runs one stability check. An unstable connection during a print
// pauses it and prompts the operator; while idle the prompt is informational. The
// prompt closes once every connection is stable again.
func (c *Coordinator) CheckConnections(ctx context.Context) {
	c.mu.Lock()
	enabled := c.enabled
	conns := append([]Supervised(nil), c.conns...)
	c.mu.Unlock()

	if !enabled {
		return
	}

	var (
		unstable  []transport.ConnectionStatus
		allStable = true
		recovered bool
	)
	for _, conn := range conns {
		st := conn.ConnStatus()

		c.mu.Lock()
		wasStable, seen := c.lastStable[st.UnitID]
		c.lastStable[st.UnitID] = st.Stable
		c.mu.Unlock()

		if conn.IsUnstable() {
			unstable = append(unstable, st)
		}
		if !st.Stable {
			allStable = false
		}
		if st.Stable && seen && !wasStable {
			c.logger.Info("connection stabilized", "unit", st.UnitID, "connected_for", st.TimeConnected)
			recovered = true
		}
	}

	c.mu.Lock()
	shown := c.connIssue
	c.mu.Unlock()

	if shown && recovered && allStable {
		if err := c.env.Prompter.ClosePrompt(ctx); err != nil {
			c.logger.Warn("failed to close prompt", "error", err)
		}
		c.setConnIssue(false)
		c.logger.Info("connections restored, prompt closed")
		return
	}

	if len(unstable) == 0 || shown {
		return
	}

	details := make([]string, 0, len(unstable))
	for _, st := range unstable {
		details = append(details, describeConnection(st))
	}
	summary := strings.Join(details, " | ")

	printing := c.env.Printer.PrintState().IsActive()
	text := fmt.Sprintf("ACE connection issue detected. %s. Please check connections and verify the ACE unit is powered on.", summary)
	if printing {
		c.logger.Warn("connection issue during print, pausing", "details", summary)
		if err := c.runScript(ctx, "PAUSE"); err != nil {
			c.logger.Error("failed to pause print", "error", err)
		}
		text = fmt.Sprintf("Print paused: ACE connection unstable. %s. Please fix the issue, then use RESUME to continue or CANCEL_PRINT to abort.", summary)
	} else {
		c.logger.Warn("connection issue detected", "details", summary)
	}

	prompt := host.Prompt{
		Title: connectionIssueTitle,
		Text:  []string{text},
		FooterButtons: []host.PromptButton{
			{Label: "Dismiss", Command: `RESPOND TYPE=command MSG=action:prompt_end`, Style: host.StyleSecondary},
		},
	}
	if err := c.env.Prompter.ShowPrompt(ctx, prompt); err != nil {
		c.logger.Warn("failed to show prompt", "title", prompt.Title, "error", err)
	}
	c.setConnIssue(true)
}

func (c *Coordinator) setConnIssue(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connIssue = v
}

func describeConnection(st transport.ConnectionStatus) string {
	switch {
	case !st.State.IsConnected():
		return fmt.Sprintf("ACE %d: disconnected", st.UnitID)
	case st.RecentReconnects >= 3:
		return fmt.Sprintf("ACE %d: unstable (%d reconnects)", st.UnitID, st.RecentReconnects)
	}

	return fmt.Sprintf("ACE %d: stabilizing (%.0fs connected)", st.UnitID, st.TimeConnected.Seconds())
}
