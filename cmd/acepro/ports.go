package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kobra-S1/ACEPRO/logger"
	"github.com/Kobra-S1/ACEPRO/transport"
)

func newPortsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List the serial ports of connected ACE units in instance order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), flags)
			if err != nil {
				return err
			}

			ports, err := transport.SerialPortFinder{}.Ports()
			if err != nil {
				return err
			}
			printPorts(cmd.OutOrStdout(), transport.MatchPorts(ports, cfg.DeviceName))

			return nil
		},
	}
}

func printPorts(w io.Writer, ports []transport.PortInfo) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "no ACE units found")
		return
	}

	for i, p := range ports {
		depth := "?"
		if n, ok := p.Depth(); ok {
			depth = fmt.Sprint(n)
		}
		fmt.Fprintf(w, "%d\t%s\t%s:%s\tserial=%s\tlocation=%s\tdepth=%s\n",
			i, p.Name, p.VID, p.PID, p.Serial, p.Location, depth)
	}
}

func newProbeCmd(flags *globalFlags) *cobra.Command {
	var (
		instance int
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to one ACE unit and print its info and status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), flags)
			if err != nil {
				return err
			}
			if instance < 0 || instance >= cfg.Count {
				return fmt.Errorf("instance %d out of range 0..%d", instance, cfg.Count-1)
			}

			level, _ := logger.ParseLevel(cfg.LogLevel)
			l := logger.NewSlog(level, false)

			opts, err := cfg.ConnOptions(instance)
			if err != nil {
				return err
			}
			connCfg, err := transport.NewConnectionConfig(instance, append(opts, transport.WithLogger(l))...)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			conn, err := transport.NewConnection(ctx, connCfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.Open(false); err != nil {
				return err
			}
			if err := conn.WaitConnected(ctx); err != nil {
				return fmt.Errorf("connect unit %d: %w", instance, err)
			}

			for _, method := range []string{"get_info", "get_status"} {
				resp, err := conn.Request(ctx, transport.NewRequest(method, nil), transport.PriorityNormal)
				if err != nil {
					return fmt.Errorf("%s: %w", method, err)
				}
				if err := printResult(cmd.OutOrStdout(), method, resp.Result); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&instance, "instance", "i", 0, "Unit instance to probe")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Time allowed to connect and query the unit")

	return cmd
}

func printResult(w io.Writer, method string, result json.RawMessage) error {
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s:\n%s\n", method, b)

	return nil
}
