// Command acepro runs the ACE Pro coordinator next to Klipper and Moonraker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/Kobra-S1/ACEPRO/config"
)

const defaultConfigPath = "/userdata/app/gk/printer_data/config/ace.toml"

var longHelp = strings.TrimSpace(`
acepro drives one or more Anycubic ACE Pro filament units for a Klipper printer.

It connects to the units over USB serial and to Klipper through Moonraker, then
serves the ACE commands as Moonraker remote methods. Call them from Klipper macros
with action_call_remote_method, e.g.

  [gcode_macro T1]
  gcode:
    {action_call_remote_method("ace_change_tool", tool=1)}
`)

var exampleUsage = strings.TrimSpace(`
  acepro --config ~/printer_data/config/ace.toml
  acepro ports
  acepro probe --instance 1
`)

// globalFlags are the flags that override the configuration file.
type globalFlags struct {
	configPath   string
	logLevel     string
	count        int
	stateFile    string
	moonrakerURL string
}

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:          "acepro",
		Short:        "Coordinate ACE Pro filament units for Klipper",
		Long:         longHelp,
		Example:      exampleUsage,
		Version:      fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), &flags)
			if err != nil {
				return err
			}

			return runDaemon(cmd.Context(), flags.configPath, cfg)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", defaultConfigPath, "Configuration file (TOML)")
	pf.StringVar(&flags.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pf.IntVarP(&flags.count, "ace-count", "n", 1, "Number of connected ACE units")
	pf.StringVar(&flags.stateFile, "state-file", "ace_state.cbor", "File holding the persisted coordinator state")
	pf.StringVar(&flags.moonrakerURL, "moonraker-url", "http://127.0.0.1:7125", "Moonraker base URL")

	root.AddCommand(newPortsCmd(&flags), newProbeCmd(&flags))

	return root
}

// loadConfig reads the configuration file and applies the flags set on the command
// line. A missing file is only an error when --config was given explicitly.
func loadConfig(fs *pflag.FlagSet, flags *globalFlags) (config.Config, error) {
	changed := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	cfg := config.Defaults()
	if _, err := os.Stat(flags.configPath); err == nil {
		if cfg, err = config.Load(flags.configPath); err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
	} else if changed["config"] || !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load config: %w", err)
	}

	if changed["log-level"] {
		cfg.LogLevel = flags.logLevel
	}
	if changed["ace-count"] {
		cfg.Count = flags.count
	}
	if changed["state-file"] {
		cfg.StateFile = flags.stateFile
	}
	if changed["moonraker-url"] {
		cfg.MoonrakerURL = flags.moonrakerURL
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}
