package coordinator

import "sync"

// ToolchangeGuard marks a tool change in progress until released.
type ToolchangeGuard struct {
	c    *Coordinator
	once sync.Once
}

// EnterToolchange marks a tool change in progress. Guards nest; the flag clears
// when the outermost guard is released.
//
//	guard := c.EnterToolchange()
//	defer guard.Release()
func (c *Coordinator) EnterToolchange() *ToolchangeGuard {
	c.mu.Lock()
	c.tcDepth++
	depth := c.tcDepth
	c.mu.Unlock()

	c.logger.Debug("toolchange guard entered", "depth", depth)

	return &ToolchangeGuard{c: c}
}

// Release leaves the tool change. Calling it more than once has no effect. Releasing
// the outermost guard runs the OnToolchangeExit listeners.
func (g *ToolchangeGuard) Release() {
	g.once.Do(func() {
		g.c.mu.Lock()
		g.c.tcDepth--
		depth := g.c.tcDepth
		var listeners []func()
		if depth == 0 {
			listeners = append(listeners, g.c.onTcExit...)
		}
		g.c.mu.Unlock()

		g.c.logger.Debug("toolchange guard released", "depth", depth)
		for _, fn := range listeners {
			fn()
		}
	})
}

// ToolchangeInProgress reports whether any guard is held.
func (c *Coordinator) ToolchangeInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tcDepth > 0
}
