package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Kobra-S1/ACEPRO/command"
	"github.com/Kobra-S1/ACEPRO/config"
	"github.com/Kobra-S1/ACEPRO/coordinator"
	"github.com/Kobra-S1/ACEPRO/host"
	"github.com/Kobra-S1/ACEPRO/logger"
	"github.com/Kobra-S1/ACEPRO/moonraker"
	"github.com/Kobra-S1/ACEPRO/runout"
	"github.com/Kobra-S1/ACEPRO/spool"
	"github.com/Kobra-S1/ACEPRO/store"
	"github.com/Kobra-S1/ACEPRO/transport"
	"github.com/Kobra-S1/ACEPRO/unit"
)

const clientName = "acepro"

// daemon holds the wired components of a running coordinator.
type daemon struct {
	cfg    config.Config
	logger logger.Logger

	store *store.File
	mr    *moonraker.Client
	lanes *moonraker.Client
	conns []*transport.Connection
	c     *coordinator.Coordinator
	w     *runout.Watcher
	d     *command.Dispatcher
}

// runDaemon runs the coordinator until ctx is done or the Moonraker connection ends.
func runDaemon(ctx context.Context, cfgPath string, cfg config.Config) error {
	level, ok := logger.ParseLevel(cfg.LogLevel)
	l := logger.NewSlog(level, false)
	logger.SetLogger(l)
	if !ok {
		l.Warn("unknown log level, using info", "log_level", cfg.LogLevel)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d := &daemon{cfg: cfg, logger: l}
	defer d.close()

	if err := d.setup(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.Error("task stopped", "task", name, "error", err)
			}
		}()
	}

	spawn("connection_monitor", d.c.MonitorConnections)
	spawn("runout", d.w.Run)
	if d.lanes != nil {
		spawn("lane_sync", d.c.RunLaneSync)
	}
	if _, err := os.Stat(cfgPath); err == nil {
		cw := config.NewWatcher(cfgPath, cfg, d.applyConfig)
		spawn("config_watcher", cw.Run)
	}

	for _, conn := range d.conns {
		if err := conn.Open(false); err != nil && !errors.Is(err, transport.ErrDisabled) {
			return fmt.Errorf("open unit %d: %w", conn.UnitID(), err)
		}
	}

	l.Info("acepro started", "version", getVersion(), "units", cfg.Count, "tools", d.c.Registry().ToolCount())

	var runErr error
	select {
	case <-ctx.Done():
		l.Info("shutting down")
	case <-d.mr.Done():
		runErr = fmt.Errorf("moonraker connection ended: %w", d.mr.Err())
	}

	cancel()
	wg.Wait()

	return runErr
}

func (d *daemon) setup(ctx context.Context) error {
	cfg := &d.cfg

	st, err := store.OpenFile(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	d.store = st

	opts := []moonraker.Option{
		moonraker.WithLogger(d.logger),
		moonraker.WithSensor(host.SensorToolhead, cfg.ToolheadSensor),
	}
	if cfg.HasReturnPathSensor() {
		opts = append(opts, moonraker.WithSensor(host.SensorReturnPath, cfg.ReturnPathSensor))
	}
	if d.mr, err = moonraker.Dial(ctx, cfg.MoonrakerURL, opts...); err != nil {
		return err
	}
	if err := d.mr.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe printer objects: %w", err)
	}

	env := host.Env{
		Scheduler: host.SystemScheduler{},
		Sensors:   d.mr,
		Printer:   d.mr,
		Motion:    d.mr,
		Prompter:  d.mr,
		Store:     st,
	}

	units := make([]*unit.Unit, 0, cfg.Count)
	for id := range cfg.Count {
		u, conn, err := d.newUnit(ctx, id, env)
		if err != nil {
			return err
		}
		units = append(units, u)
		d.conns = append(d.conns, conn)
	}

	reg, err := coordinator.NewRegistry(units...)
	if err != nil {
		return err
	}
	d.c = coordinator.New(reg, cfg.Coordinator(), env)
	if err := d.c.Restore(); err != nil {
		d.logger.Warn("failed to restore coordinator state", "error", err)
	}
	for _, conn := range d.conns {
		d.c.AddConnection(conn)
	}

	d.w = runout.New(d.c, spool.New(d.c), cfg.Runout())
	d.d = command.New(d.c, d.w)

	if err := d.registerCommands(ctx); err != nil {
		return err
	}
	if cfg.LaneSyncEnabled {
		d.setupLaneSync(ctx)
	}

	return nil
}

func (d *daemon) newUnit(ctx context.Context, id int, env host.Env) (*unit.Unit, *transport.Connection, error) {
	connOpts, err := d.cfg.ConnOptions(id)
	if err != nil {
		return nil, nil, err
	}
	connOpts = append(connOpts, transport.WithLogger(d.logger))

	connCfg, err := transport.NewConnectionConfig(id, connOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("unit %d: %w", id, err)
	}
	conn, err := transport.NewConnection(ctx, connCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("unit %d: %w", id, err)
	}

	unitCfg, err := d.cfg.Unit(id)
	if err != nil {
		return nil, nil, err
	}
	u := unit.New(ctx, id, conn, unitCfg, env)
	if err := u.LoadInventory(); err != nil {
		d.logger.Warn("failed to load inventory", "unit", id, "error", err)
	}

	return u, conn, nil
}

// registerCommands exposes every dispatcher command as a Moonraker remote method.
func (d *daemon) registerCommands(ctx context.Context) error {
	if err := d.mr.Identify(ctx, clientName, getVersion()); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	for _, name := range d.d.Commands() {
		err := d.mr.RegisterRemoteMethod(ctx, name, func(params json.RawMessage) {
			_ = d.d.Dispatch(ctx, name, params)
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	d.logger.Info("commands registered", "count", len(d.d.Commands()))

	return nil
}

// setupLaneSync connects the lane publisher. Lane sync is optional, so a failure only
// leaves it disabled.
func (d *daemon) setupLaneSync(ctx context.Context) {
	cfg := &d.cfg

	client, err := moonraker.Dial(ctx, cfg.LaneSyncURL,
		moonraker.WithAPIKey(cfg.LaneSyncAPIKey),
		moonraker.WithCallTimeout(cfg.LaneSyncTimeoutDuration()),
		moonraker.WithLogger(d.logger.With("purpose", "lane_sync")),
	)
	if err != nil {
		d.logger.Warn("lane sync disabled", "error", err)
		return
	}
	d.lanes = client

	sink := moonraker.NewLaneSync(client, cfg.LaneSyncNamespace)
	sink.SetLogger(d.logger)
	d.c.SetLaneSink(sink)
}

// applyConfig applies reloaded settings that take effect without a restart.
func (d *daemon) applyConfig(next config.Config, changed []string) {
	for _, key := range changed {
		switch key {
		case "status_debug_logging":
			for _, conn := range d.conns {
				if err := conn.UpdateConfigOptions(transport.WithStatusDebugLogging(next.StatusDebugLogging)); err != nil {
					d.logger.Warn("failed to update connection", "unit", conn.UnitID(), "error", err)
				}
			}
		case "runout_debounce_count":
			d.w.SetDebounceCount(next.RunoutDebounceCount)
		case "purge_multiplier":
			d.c.SetPurgeMultiplier(next.PurgeMultiplier)
		case "tangle_detection", "tangle_detection_length":
			d.w.SetTangleDetection(next.TangleDetection, next.TangleDetectionLength)
		}
	}
}

func (d *daemon) close() {
	for _, conn := range d.conns {
		_ = conn.Close()
	}
	if d.lanes != nil {
		_ = d.lanes.Close()
	}
	if d.mr != nil {
		_ = d.mr.Close()
	}
	if d.store != nil {
		if err := d.store.Flush(); err != nil {
			d.logger.Warn("failed to flush state", "error", err)
		}
	}
}
