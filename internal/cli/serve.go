package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/toolmesh/internal/server"
	"github.com/harun/toolmesh/pkg/commandqueue"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// runDrainTimeout bounds how long shutdown waits for queued runs.
const runDrainTimeout = 30 * time.Second

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the agent over HTTP",
	Long: `Serve the agent over HTTP. Each browser session gets its own history and
its messages run one at a time in arrival order. Idle sessions are reaped.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host, overrides the config")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port, overrides the config")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	httpCfg := a.Config.HTTP
	if serveHost != "" {
		httpCfg.Host = serveHost
	}
	if servePort != 0 {
		httpCfg.Port = servePort
	}

	if err := a.Reaper.Start(); err != nil {
		return fmt.Errorf("failed to start session reaper: %w", err)
	}
	defer func() { _ = a.Reaper.Stop() }()

	srv := server.New(server.Config{
		Host:          httpCfg.Host,
		Port:          httpCfg.Port,
		SharedSecret:  httpCfg.SharedSecret,
		ExcerptLength: httpCfg.ExcerptLength,
		Logger:        a.Logger,
	}, a.Registry, a.Sessions, a.Bridge)

	fmt.Fprintf(cmd.OutOrStdout(), "🚀 Serving %d tools on http://%s:%d\n", a.Registry.Len(), httpCfg.Host, httpCfg.Port)
	err = srv.Start(ctx)
	drainRuns(a.Queue, runDrainTimeout, a.Logger)
	return err
}

// drainRuns waits for runs still on the queue so they finish before their
// providers are closed. It reports whether the queue emptied in time.
func drainRuns(queue *commandqueue.CommandQueue, timeout time.Duration, logger zerolog.Logger) bool {
	if queue.WaitForActive(timeout) {
		return true
	}
	logger.Warn().Dur("timeout", timeout).Msg("Runs still active at shutdown, cancelling them")
	return false
}
