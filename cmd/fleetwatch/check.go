package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fleetwatch/internal/format"
	"fleetwatch/internal/logging"
	"fleetwatch/internal/model"
	"fleetwatch/internal/portwatch"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

func newCheckCmd(flags *globalFlags) *cobra.Command {
	var noColor bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one poll cycle and print the fleet",
		Long: `Runs exactly one poll cycle against the control plane and every node,
then prints a per-node table. No alerts are sent and nothing is persisted.`,
		Example: `  fleetwatch check
  fleetwatch check --no-color --log-level debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if noColor {
				color.NoColor = true
			}
			return runCheck(cmd, flags)
		},
	}
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

func runCheck(cmd *cobra.Command, flags *globalFlags) error {
	cfg, err := loadConfig(cmd.Flags(), flags)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("log-level") {
		cfg.LogLevel = "warn"
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cmd.ErrOrStderr()})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	watcher := portwatch.New(cfg.MonitorPort, cfg.PollInterval, portwatch.WithLogger(logger))
	watcher.Check(ctx)

	p := buildPipeline(ctx, cfg, logger, nil, pipelineOptions{ports: watcher})
	defer p.close(context.Background(), logger)

	p.collector.RunOnce(ctx)
	state, ok := p.collector.Snapshot()
	if !ok {
		return errors.New("poll cycle did not complete")
	}

	printState(cmd.OutOrStdout(), state, time.Now())
	if state.Error != nil {
		return fmt.Errorf("poll failed: %s", *state.Error)
	}
	return nil
}

func printState(out io.Writer, state model.PollState, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	headerColor.Fprintf(w, "--- Fleet (%d/%d online) ---\n", state.Online(), len(state.Nodes))
	if state.LastUpdate != nil {
		fmt.Fprintf(w, "Updated %s\n", format.Ago(*state.LastUpdate, now))
	}
	if state.Error != nil {
		badColor.Fprintf(w, "Error: %s\n", *state.Error)
	}

	if sys := state.System; sys != nil {
		labelColor.Fprintln(w, "\nCONTROL PLANE")
		fmt.Fprintf(w, "  Version:\t%s\n", sys.Version)
		fmt.Fprintf(w, "  Users:\t%d online / %d active / %d total\n", sys.OnlineUsers, sys.UsersActive, sys.TotalUser)
		fmt.Fprintf(w, "  Memory:\t%s / %s\n", format.Bytes(sys.MemUsed), format.Bytes(sys.MemTotal))
		fmt.Fprintf(w, "  Bandwidth:\t%s in, %s out\n", format.Rate(float64(sys.IncomingBandwidthSpeed)), format.Rate(float64(sys.OutgoingBandwidthSpeed)))
	}

	if len(state.Nodes) > 0 {
		labelColor.Fprintln(w, "\nNODES")
		fmt.Fprintln(w, "  NAME\tSTATUS\tCLIENTS\tUPLINK\tDOWNLINK\tUSERS\tSOURCE")
		for _, node := range state.Nodes {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				node.DisplayName(),
				statusColor(node.Status).Sprint(node.Status),
				clientsCell(node),
				format.OptionalBytes(node.Uplink),
				format.OptionalBytes(node.Downlink),
				format.OptionalBytes(node.UsersTraffic),
				sourceCell(node),
			)
		}
	}

	if lp := state.LocalPort; lp != nil {
		labelColor.Fprintln(w, "\nLOCAL PORT")
		if lp.Error != nil {
			warnColor.Fprintf(w, "  :%d\tunavailable: %s\n", lp.Port, *lp.Error)
		} else {
			fmt.Fprintf(w, "  :%d\t%d unique clients\n", lp.Port, lp.UniqueClients)
		}
	}
}

func statusColor(status model.NodeStatus) *color.Color {
	switch status {
	case model.StatusConnected:
		return goodColor
	case model.StatusConnecting, model.StatusDisabled:
		return warnColor
	default:
		return badColor
	}
}

func clientsCell(node model.NodeSnapshot) string {
	if node.ClientsError != nil {
		return "-"
	}
	return strconv.Itoa(node.ClientsCount)
}

func sourceCell(node model.NodeSnapshot) string {
	if node.ClientsError != nil {
		return badColor.Sprint(*node.ClientsError)
	}
	if node.DetectedPath != nil {
		return *node.DetectedPath
	}
	return ""
}
