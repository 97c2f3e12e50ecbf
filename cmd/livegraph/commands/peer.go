package commands

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/livegraph/pkg/remote/protocol"
	"github.com/openfroyo/livegraph/pkg/remote/server"
	"github.com/openfroyo/livegraph/pkg/runtime"
	"github.com/openfroyo/livegraph/pkg/telemetry"
)

func newPeerCommand(version string) *cobra.Command {
	var (
		name        string
		listen      string
		stdio       bool
		idleTimeout time.Duration
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Serve an execution environment to engines",
		Long: `Run one execution environment process.

Peers are normally started by a host daemon (--listen) or over SSH (--stdio)
rather than by hand. With --listen the peer binds the address, prints a READY
frame with the bound address on stdout and accepts engine connections. With
--stdio a single engine session runs over stdin and stdout.

Log records are written to stderr and forwarded to connected engines.`,
		Example: `  # Serve on an ephemeral port
  livegraph peer --name dsp --listen 127.0.0.1:0

  # Serve one session over stdio
  livegraph peer --name dsp --stdio`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !stdio && listen == "" {
				return fmt.Errorf("one of --listen or --stdio is required")
			}
			if stdio && listen != "" {
				return fmt.Errorf("--listen and --stdio are mutually exclusive")
			}
			ctx := cmd.Context()

			// Records are JSON for the forwarder and rendered for stderr.
			forwarder := server.NewLogForwarder()
			tl := telemetry.NewLoggerWithWriter(
				telemetry.LoggingConfig{Level: logLevel, Format: "json", Output: "stderr"},
				zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, forwarder),
			)
			logger := tl.WithEnvironment(name).WithField("version", version).Zerolog()

			env := runtime.NewLocal(name, runtime.DefaultRegistry(), logger)
			defer env.Close()

			peer := server.NewPeer(env, server.PeerConfig{
				Logger:      logger,
				Forwarder:   forwarder,
				IdleTimeout: idleTimeout,
			})

			if stdio {
				return peer.ServeConn(ctx, stdioConn{Reader: os.Stdin, Writer: os.Stdout})
			}

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", listen, err)
			}
			ready := peer.Ready()
			ready.Address = ln.Addr().String()
			if err := protocol.NewEncoder(os.Stdout).EncodeReady(ready); err != nil {
				_ = ln.Close()
				return fmt.Errorf("failed to announce READY: %w", err)
			}
			return peer.Serve(ctx, ln)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "process name of this environment")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address; the bound address is announced on stdout")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve a single session over stdin/stdout")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "exit after this long without sessions (0 = never)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

// stdioConn joins stdin and stdout into one connection.
type stdioConn struct {
	io.Reader
	io.Writer
}

func (stdioConn) Close() error { return os.Stdin.Close() }
