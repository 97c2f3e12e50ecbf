package commands

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/livegraph/pkg/policy"
	"github.com/openfroyo/livegraph/pkg/remote/server"
)

func newHostCommand() *cobra.Command {
	var (
		listen         string
		peerListen     string
		maxPeers       int
		policyPaths    []string
		watchPolicies  bool
		peerBinary     string
		startupTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run a host daemon that spawns peers on request",
		Long: `Run the host daemon engines reach through tcp:// zone host URIs.

For each SPAWN request the daemon starts "livegraph peer" as a child process
(or reuses a running one with the same process name) and answers with the
peer's listen address. Requests are admitted by Rego policies: the built-in
ones check process naming and the peer limit; more can be loaded with --policy.`,
		Example: `  # Listen on the default port
  livegraph host

  # Limit peers and add site policies, reloading them on change
  livegraph host --max-peers 4 --policy ./policies --watch-policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := log.Logger

			pe, err := policy.NewEngine(logger)
			if err != nil {
				return fmt.Errorf("failed to initialize policy engine: %w", err)
			}
			if len(policyPaths) > 0 {
				if err := pe.LoadPolicies(ctx, policyPaths); err != nil {
					return err
				}
				if watchPolicies {
					if err := pe.Watch(ctx, policyPaths); err != nil {
						return err
					}
				}
			}

			host, _ := os.Hostname()
			daemon, err := server.NewHostDaemon(server.DaemonConfig{
				Host:     host,
				MaxPeers: maxPeers,
				Spawner: &server.ExecSpawner{
					Binary:         peerBinary,
					ListenHost:     peerListen,
					StartupTimeout: startupTimeout,
					Logger:         logger,
				},
				Policy: pe,
				Logger: logger,
			})
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}
			log.Info().
				Int("max_peers", maxPeers).
				Int("policies", len(pe.ListPolicies())).
				Msg("Starting host daemon")

			return daemon.Serve(ctx, ln)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":"+strconv.Itoa(server.DefaultDaemonPort), "daemon listen address")
	cmd.Flags().StringVar(&peerListen, "peer-listen", "127.0.0.1", "interface spawned peers listen on")
	cmd.Flags().IntVar(&maxPeers, "max-peers", 0, "maximum number of running peers (0 = unlimited)")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "Rego policy files or directories")
	cmd.Flags().BoolVar(&watchPolicies, "watch-policies", false, "reload policies when they change")
	cmd.Flags().StringVar(&peerBinary, "peer-binary", "", "livegraph binary for peers (default: this executable)")
	cmd.Flags().DurationVar(&startupTimeout, "startup-timeout", 10*time.Second, "how long to wait for a peer's READY")

	return cmd
}
