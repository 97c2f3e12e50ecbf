package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/livegraph/pkg/config"
	"github.com/openfroyo/livegraph/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		zonesFile  string
		watchZones bool
		once       bool
		quiet      bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <design>",
		Short: "Reconcile a design against live environments",
		Long: `Load a design file and keep its topology running.

The design (YAML or JSON) lists blocks, connections, graph constants and
optionally affinity zones. Blocks in the default zone run in-process; other
zones are attached through their host URI:
  - tcp://host:port  a livegraph host daemon spawns the peer
  - ssh://user@host  the peer binary is uploaded and started over SSH

Block and zone status changes are printed as they happen. With --once the
command waits for the first reconciliation, prints engine statistics and exits.`,
		Example: `  # Run a design until interrupted
  livegraph run design.yaml

  # Use a separate zone file and reload it on change
  livegraph run design.yaml --zones zones.cue --watch-zones

  # Reconcile once and print statistics as JSON
  livegraph run design.yaml --once --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := newStack(ctx, stackOptions{Metrics: !once, Journal: true})
			if err != nil {
				return err
			}
			defer s.close()

			if !quiet {
				out := cmd.OutOrStdout()
				s.tel.Events.Subscribe(func(ev telemetry.Event) {
					printEvent(out, ev)
				}, nil)
			}

			parser := config.NewZoneParser()
			d, err := loadDesign(args[0], parser)
			if err != nil {
				return err
			}

			if zonesFile == "" {
				zonesFile = s.cfg.ZonesFile
				watchZones = watchZones || s.cfg.WatchZones
			}
			if zonesFile != "" {
				zones, err := parser.LoadFile(ctx, zonesFile)
				if err != nil {
					return err
				}
				d.Zones = zones
			}

			op := telemetry.StartOperation(s.tel.WithContext(ctx), "submit-design",
				telemetry.AttrOperation.String("run"))
			op.Logger.WithFields(map[string]interface{}{
				"design":      d.Path,
				"blocks":      len(d.Blocks),
				"connections": len(d.Connections),
				"zones":       len(d.Zones),
			}).Info("Submitting design")
			err = d.submit(s.engine)
			op.End(err)
			if err != nil {
				return err
			}

			if zonesFile != "" && watchZones {
				w := config.NewZoneWatcher(parser, zonesFile, config.DefaultZoneDebounce, s.logger)
				if err := w.Watch(ctx, s.engine); err != nil {
					return err
				}
			}

			if once {
				flushCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				if err := s.engine.Flush(flushCtx); err != nil {
					return fmt.Errorf("reconciliation did not finish: %w", err)
				}
				stats, err := s.engine.DumpStatsJSON(flushCtx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			}

			<-ctx.Done()
			s.logger.Info().Msg("Stopping engine")
			return nil
		},
	}

	cmd.Flags().StringVar(&zonesFile, "zones", "", "zone file (.cue, .yaml, .json or .star); overrides the design's zones")
	cmd.Flags().BoolVar(&watchZones, "watch-zones", false, "reload the zone file when it changes")
	cmd.Flags().BoolVar(&once, "once", false, "reconcile once, print statistics and exit")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print status events")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long --once waits for reconciliation")

	return cmd
}

// printEvent writes one status event, as JSON with --json.
func printEvent(w io.Writer, ev telemetry.Event) {
	if jsonOutput {
		_ = json.NewEncoder(w).Encode(ev)
		return
	}
	fmt.Fprintf(w, "%s %-7s %-12s %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Level, ev.Type, ev.Message)
}

// printJSON re-indents raw JSON for terminals; --json keeps it compact.
func printJSON(w io.Writer, raw json.RawMessage) error {
	if jsonOutput {
		_, err := fmt.Fprintln(w, string(raw))
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
