package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/patchlog/internal/engine"
	"github.com/roach88/patchlog/internal/metrics"
	"github.com/roach88/patchlog/internal/status"
)

// DefaultPruneInterval is how often the daemon purges old activity entries.
const DefaultPruneInterval = time.Hour

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr   string
	PruneInterval time.Duration

	// Ready, if set, is called with the metrics listener address (empty when
	// metrics are disabled) once every component is started (for testing).
	Ready func(metricsAddr string)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the batching daemon",
		Long: `Run the long-lived patchlog daemon.

The daemon starts the single-writer coordinator, fires wake-ups as they
fall due (including ones left over from before a restart), uploads
finalized doses to Nightscout, and purges old activity entries.

Clicks from other patchlog processes are picked up through the shared
database.

Example:
  patchlog run
  patchlog run --db ./patchlog.db --metrics-addr :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (disabled when empty)")
	cmd.Flags().DurationVar(&opts.PruneInterval, "prune-interval", DefaultPruneInterval, "how often to purge old activity entries")

	return cmd
}

func runDaemon(opts *RunOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	statusCh := status.New(a.clock, a.cfg.Status.DisplayFor.Std())
	defer statusCh.Close()

	worker, err := a.uploader(statusCh, m)
	if err != nil {
		return err
	}
	coord := a.coordinator(engine.WithMetrics(m), engine.WithSinks(worker))
	disp := a.dispatcher(coord)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	var metricsLn net.Listener
	if opts.MetricsAddr != "" {
		metricsLn, err = net.Listen("tcp", opts.MetricsAddr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return pruneLoop(gctx, a, opts.PruneInterval) })
	g.Go(func() error { return watchStatus(gctx, a, statusCh) })
	if metricsLn != nil {
		g.Go(func() error { return serveMetrics(gctx, a, metricsLn, m) })
	}

	a.logger.Info("daemon starting",
		"db", a.cfg.Database,
		"window", a.cfg.InactivityWindow.Std(),
		"nightscout", a.cfg.Nightscout.Configured(),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "patchlog running. Press Ctrl-C to stop.")
	if opts.Ready != nil {
		addr := ""
		if metricsLn != nil {
			addr = metricsLn.Addr().String()
		}
		opts.Ready(addr)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "daemon error", err)
	}

	a.logger.Info("daemon stopped gracefully")
	return nil
}

// pruneLoop purges old activity entries at start and then every interval.
func pruneLoop(ctx context.Context, a *app, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	for {
		if _, err := a.activity.Prune(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("activity prune failed", "error", err)
		}
		timer := a.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}

// watchStatus logs every transient status change.
func watchStatus(ctx context.Context, a *app, ch *status.Channel) error {
	updates, unsubscribe := ch.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-updates:
			if !ok {
				return nil
			}
			if s.IsZero() {
				a.logger.Debug("status cleared")
				continue
			}
			a.logger.Info("status", "tag", string(s.Tag), "message", s.Message)
		}
	}
}

// serveMetrics serves /metrics on ln until ctx is cancelled.
func serveMetrics(ctx context.Context, a *app, ln net.Listener, m *metrics.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("metrics listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		return ctx.Err()
	}
}
