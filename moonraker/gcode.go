package moonraker

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kobra-S1/ACEPRO/host"
)

var (
	_ host.MotionSink = (*Client)(nil)
	_ host.Prompter   = (*Client)(nil)
)

// RunScript runs script through printer.gcode.script. The server answers once the
// script has completed, so only ctx bounds the wait.
func (c *Client) RunScript(ctx context.Context, script string) error {
	c.logger.Debug("run gcode", "script", script)

	return c.call(ctx, "printer.gcode.script", map[string]any{"script": script}, nil)
}

// MoveExtruder moves the extruder relative to its position. The G-code state of the
// print is saved and restored around the move.
func (c *Client) MoveExtruder(ctx context.Context, length float64, speed float64, wait bool) error {
	return c.RunScript(ctx, ExtrudeScript(length, speed, wait))
}

// ShowPrompt opens p as a host prompt dialog.
func (c *Client) ShowPrompt(ctx context.Context, p host.Prompt) error {
	return c.RunScript(ctx, PromptScript(p))
}

// ClosePrompt closes the open prompt dialog.
func (c *Client) ClosePrompt(ctx context.Context) error {
	return c.RunScript(ctx, respond("action:prompt_end"))
}

// ExtrudeScript returns the G-code of a relative extruder move at speed mm/s.
func ExtrudeScript(length, speed float64, wait bool) string {
	lines := []string{
		"SAVE_GCODE_STATE NAME=ace_extrude",
		"M83",
		fmt.Sprintf("G1 E%.3f F%.0f", length, speed*60),
	}
	if wait {
		lines = append(lines, "M400")
	}
	lines = append(lines, "RESTORE_GCODE_STATE NAME=ace_extrude")

	return strings.Join(lines, "\n")
}

// PromptScript returns the RESPOND commands that build and show p.
func PromptScript(p host.Prompt) string {
	lines := []string{respond("action:prompt_begin " + p.Title)}
	for _, t := range p.Text {
		lines = append(lines, respond("action:prompt_text "+t))
	}
	for _, b := range p.Buttons {
		lines = append(lines, respond("action:prompt_button "+button(b)))
	}
	for _, b := range p.FooterButtons {
		lines = append(lines, respond("action:prompt_footer_button "+button(b)))
	}
	lines = append(lines, respond("action:prompt_show"))

	return strings.Join(lines, "\n")
}

func button(b host.PromptButton) string {
	s := b.Label + "|" + b.Command
	if b.Style != host.StyleDefault {
		s += "|" + string(b.Style)
	}

	return s
}

// respond wraps msg in a RESPOND command. Double quotes would end the MSG argument.
func respond(msg string) string {
	msg = strings.ReplaceAll(msg, `"`, "'")
	msg = strings.ReplaceAll(msg, "\n", " ")

	return `RESPOND TYPE=command MSG="` + msg + `"`
}
