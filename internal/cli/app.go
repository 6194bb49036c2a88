package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/patchlog/internal/activity"
	"github.com/roach88/patchlog/internal/clock"
	"github.com/roach88/patchlog/internal/config"
	"github.com/roach88/patchlog/internal/engine"
	"github.com/roach88/patchlog/internal/metrics"
	"github.com/roach88/patchlog/internal/schedule"
	"github.com/roach88/patchlog/internal/settings"
	"github.com/roach88/patchlog/internal/status"
	"github.com/roach88/patchlog/internal/store"
	"github.com/roach88/patchlog/internal/upload"
)

// app is the wiring shared by every command that touches the database.
type app struct {
	cfg      *config.Config
	store    *store.Store
	clock    clock.Clock
	logger   *slog.Logger
	settings *settings.Service
	activity *activity.Log
}

// openApp loads configuration and opens the database. Failures are command
// errors. The caller must Close the app.
func openApp(opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	slog.Debug("configuration loaded", "config", cfg)

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	logger := slog.Default()
	return &app{
		cfg:      cfg,
		store:    st,
		clock:    clk,
		logger:   logger,
		settings: settings.NewService(st, cfg.InsulinName, clk.Now),
		activity: activity.New(st, clk, cfg.Logs.Retention.Std(), logger),
	}, nil
}

// Close closes the database.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// coordinator builds a Coordinator over the app's store and settings.
func (a *app) coordinator(extra ...engine.Option) *engine.Coordinator {
	opts := []engine.Option{
		engine.WithClock(a.clock),
		engine.WithWindow(a.cfg.InactivityWindow.Std()),
		engine.WithRateSource(a.settings),
		engine.WithLogger(a.logger),
	}
	return engine.New(a.store, append(opts, extra...)...)
}

// dispatcher builds a Dispatcher that hands due wake-ups to coord.
func (a *app) dispatcher(coord *engine.Coordinator) *schedule.Dispatcher {
	return schedule.NewDispatcher(a.store, a.clock, coord.Scheduler(), coord.HandleWakeup,
		schedule.WithPollInterval(a.cfg.Scheduler.PollInterval.Std()),
		schedule.WithLogger(a.logger),
	)
}

// session runs a Coordinator for the duration of fn. Wake-ups that fell due
// while no process was running are evaluated first, so a late wake-up is
// never overtaken by the command that follows it.
func (a *app) session(ctx context.Context, fn func(*engine.Coordinator) error, extra ...engine.Option) error {
	coord := a.coordinator(extra...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- coord.Run(runCtx) }()

	var err error
	if n, dueErr := a.dispatcher(coord).RunDue(ctx); dueErr != nil {
		err = fmt.Errorf("catching up due wake-ups: %w", dueErr)
	} else {
		if n > 0 {
			a.logger.Debug("caught up due wake-ups", "count", n)
		}
		err = fn(coord)
	}

	coord.Stop()
	if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
		a.logger.Warn("coordinator stopped with error", "error", runErr)
	}
	return err
}

// uploader builds the upload worker. An unconfigured Nightscout yields a
// worker that skips every run; an invalid URL is a command error.
func (a *app) uploader(ch *status.Channel, m *metrics.Metrics) (*upload.Worker, error) {
	var poster upload.Poster
	client, err := upload.NewClient(a.cfg.Nightscout.URL, a.cfg.Nightscout.APISecret)
	switch {
	case errors.Is(err, upload.ErrNotConfigured):
		a.logger.Info("nightscout not configured, uploads disabled")
	case err != nil:
		return nil, WrapExitError(ExitCommandError, "invalid nightscout configuration", err)
	default:
		poster = client
	}

	return upload.NewWorker(a.store, poster,
		upload.WithClock(a.clock),
		upload.WithActivityLog(a.activity),
		upload.WithStatus(ch),
		upload.WithMetrics(m),
		upload.WithLogger(a.logger),
		upload.WithBatchSize(a.cfg.Upload.BatchSize),
		upload.WithBackoff(a.cfg.Upload.InitialBackoff.Std(), a.cfg.Upload.MaxAttempts),
	), nil
}

// commandContext returns the command's context, or Background when the
// command is run without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
