package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/livegraph/pkg/config"
	"github.com/openfroyo/livegraph/pkg/engine"
)

func newExportCommand() *cobra.Command {
	var (
		mode     string
		ports    string
		output   string
		topology bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "export <design>",
		Short: "Reconcile a design once and export its graph",
		Long: `Reconcile a design once and write the result as Graphviz DOT.

Modes:
  - top       every block and connection of the design
  - flat      only the committed live topology
  - rendered  like top, coloured by block status and port type

With --topology the committed topology dump is written as JSON instead.`,
		Example: `  # Render the design with status colours
  livegraph export design.yaml --mode rendered | dot -Tsvg > design.svg

  # Show every port, not only connected ones
  livegraph export design.yaml --ports all -o design.dot

  # Dump the committed topology
  livegraph export design.yaml --topology`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ExportOptions{Mode: engine.ExportMode(mode), Ports: engine.PortFilter(ports)}
			if err := opts.Validate(); err != nil {
				return err
			}

			d, err := loadDesign(args[0], config.NewZoneParser())
			if err != nil {
				return err
			}

			s, err := newStack(cmd.Context(), stackOptions{})
			if err != nil {
				return err
			}
			defer s.close()

			if err := d.submit(s.engine); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := s.engine.Flush(ctx); err != nil {
				return fmt.Errorf("reconciliation did not finish: %w", err)
			}

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				w = f
			}

			if topology {
				raw, err := s.engine.DumpTopologyJSON(ctx)
				if err != nil {
					return err
				}
				return printJSON(w, raw)
			}

			markup, err := s.engine.ExportMarkup(ctx, opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(w, markup)
			return err
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", string(engine.ExportTop), "export mode (top, flat, rendered)")
	cmd.Flags().StringVarP(&ports, "ports", "p", string(engine.PortsConnected), "port filter (connected, all)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&topology, "topology", false, "write the committed topology as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for reconciliation")

	return cmd
}
