package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/livegraph/pkg/config"
	"github.com/openfroyo/livegraph/pkg/stores"
)

func newEventsCommand() *cobra.Command {
	var (
		dbPath  string
		kind    string
		subject string
		level   string
		since   time.Duration
		limit   int
		commits bool
		prune   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List journaled engine events",
		Long: `List the events the engine appended to its journal.

The journal records environment failures and recoveries, thread-pool
failures, topology commits and failures, and lock-ups. With --commits the
connection sets of committed topologies are listed instead.`,
		Example: `  # Errors from the last hour
  livegraph events --level error --since 1h

  # Everything about one environment
  livegraph events --subject lab/dsp

  # The last three committed topologies as JSON
  livegraph events --commits --limit 3 --json

  # Drop events older than a week
  livegraph events --prune 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if dbPath == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				dbPath = cfg.Store.Path
			}
			if dbPath == "" {
				return fmt.Errorf("no journal configured: set store.path or pass --db")
			}

			store, err := stores.Open(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()

			if prune > 0 {
				removed, err := store.PruneEvents(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Pruned %d events\n", removed)
				return nil
			}

			if commits {
				list, err := store.ListCommits(ctx, limit, 0)
				if err != nil {
					return err
				}
				return writeCommits(out, list)
			}

			filter := stores.EventFilter{
				Kind:    kind,
				Subject: subject,
				Level:   stores.EventLevel(level),
				Limit:   limit,
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			list, err := store.ListEvents(ctx, filter)
			if err != nil {
				return err
			}
			return writeEvents(out, list)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "journal database (default: store.path from config)")
	cmd.Flags().StringVar(&kind, "kind", "", "only events of this kind (e.g. environment.failed)")
	cmd.Flags().StringVar(&subject, "subject", "", "only events about this subject")
	cmd.Flags().StringVar(&level, "level", "", "only events of this level (info, error)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries (0 = all)")
	cmd.Flags().BoolVar(&commits, "commits", false, "list committed topologies instead of events")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete events older than this and exit")

	return cmd
}

func writeEvents(w io.Writer, events []*stores.Event) error {
	if jsonOutput {
		return json.NewEncoder(w).Encode(events)
	}
	if len(events) == 0 {
		_, err := fmt.Fprintln(w, "No events")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tLEVEL\tKIND\tSUBJECT\tMESSAGE")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			ev.Timestamp.Local().Format(time.DateTime), ev.Level, ev.Kind, ev.Subject, ev.Message)
	}
	return tw.Flush()
}

func writeCommits(w io.Writer, commits []*stores.Commit) error {
	if jsonOutput {
		return json.NewEncoder(w).Encode(commits)
	}
	if len(commits) == 0 {
		_, err := fmt.Fprintln(w, "No commits")
		return err
	}

	for _, c := range commits {
		fmt.Fprintf(w, "#%d %s (%d connections)\n", c.ID, c.CommittedAt.Local().Format(time.DateTime), len(c.Connections))
		for _, conn := range c.Connections {
			fmt.Fprintf(w, "  %s\n", conn)
		}
	}
	return nil
}
