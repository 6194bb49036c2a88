package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/roach88/patchlog/internal/activity"
	"github.com/roach88/patchlog/internal/batcher"
	"github.com/roach88/patchlog/internal/dose"
	"github.com/roach88/patchlog/internal/engine"
	"github.com/roach88/patchlog/internal/settings"
	"github.com/roach88/patchlog/internal/status"
	"github.com/roach88/patchlog/internal/store"
)

// InteractiveOptions holds flags for the interactive command.
type InteractiveOptions struct {
	*RootOptions

	// IDGenerator allows overriding the dose ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator engine.IDGenerator
}

// NewInteractiveCommand creates the interactive command.
func NewInteractiveCommand(rootOpts *RootOptions) *cobra.Command {
	return newInteractiveCommand(&InteractiveOptions{RootOptions: rootOpts})
}

func newInteractiveCommand(opts *InteractiveOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "interactive",
		Aliases: []string{"i"},
		Short:   "Log clicks from the keyboard with an in-memory batcher",
		Long: `Read commands from stdin, one per line:

  c, click (or an empty line)   register a click
  u, undo                       remove the last click
  r, reset                      discard the open batch
  s, status                     show the open batch
  q, quit                       exit

This process owns the batch exclusively: it is held in memory and
finalized by a live timer, then stored and uploaded like any other dose.
A batch still open on exit is discarded. Do not run it alongside click
commands against the same database.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(opts, cmd)
		},
	}
}

// syncWriter serializes writes from the input loop and the timer goroutine.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func runInteractive(opts *InteractiveOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	out := &syncWriter{w: cmd.OutOrStdout()}
	ids := opts.IDGenerator
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}

	statusCh := status.New(a.clock, a.cfg.Status.DisplayFor.Std())
	defer statusCh.Close()
	worker, err := a.uploader(statusCh, nil)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = worker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		printStatus(ctx, out, statusCh)
	}()

	rate := func() float64 {
		p, err := a.settings.Current(ctx)
		if err != nil {
			a.logger.Warn("using default rate", "error", err)
			return settings.DefaultConcentration.UnitsPerClick()
		}
		return p.UnitsPerClick
	}

	onFinal := func(d dose.FinalDose) {
		fin, err := a.recordFinal(ctx, d, ids.Generate())
		if err != nil {
			a.logger.Error("failed to record dose", "error", err)
			fmt.Fprintf(out, "Failed to record %su: %v\n", activity.FormatUnits(d.TotalUnits), err)
			return
		}
		fmt.Fprintf(out, "Dose recorded: %su (%d clicks)\n", activity.FormatUnits(fin.TotalUnits), fin.Clicks)
		worker.Kick()
	}

	b := batcher.New(a.clock, a.cfg.InactivityWindow.Std(), onFinal,
		batcher.WithRate(rate),
		batcher.WithLogger(a.logger),
	)
	// Close waits for a dose being recorded, so it must run before ctx is
	// cancelled and the database closes.
	defer b.Close()

	fmt.Fprintln(out, "c=click u=undo r=reset s=status q=quit")
	scanner := bufio.NewScanner(cmd.InOrStdin())
loop:
	for scanner.Scan() {
		var v dose.View
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "", "c", "click":
			v = b.Click()
		case "u", "undo":
			v = b.Undo()
		case "r", "reset":
			v = b.Reset()
		case "s", "status":
			v = b.View()
		case "q", "quit", "exit":
			break loop
		default:
			fmt.Fprintf(out, "unknown command %q\n", scanner.Text())
			continue
		}
		fmt.Fprintln(out, newBatchOutput("", v))
	}
	if err := scanner.Err(); err != nil {
		return WrapExitError(ExitFailure, "reading input", err)
	}

	if v := b.View(); v.Clicks > 0 {
		fmt.Fprintf(out, "Discarding open batch of %d clicks\n", v.Clicks)
	}
	return nil
}

// recordFinal stores a dose finalized in memory, with the profile current
// at finalization.
func (a *app) recordFinal(ctx context.Context, d dose.FinalDose, id string) (*engine.Finalized, error) {
	p, err := a.settings.Current(ctx)
	if err != nil {
		p = settings.DefaultProfile(a.cfg.InsulinName)
	}
	rate := p.UnitsPerClick
	if d.Clicks > 0 {
		rate = d.TotalUnits / float64(d.Clicks)
	}
	fin := &engine.Finalized{
		FinalDose: d,
		DoseContext: engine.DoseContext{
			ID:            id,
			InsulinName:   p.InsulinName,
			Concentration: p.Concentration,
			UnitsPerClick: rate,
		},
	}
	err = a.store.Update(ctx, func(tx *store.Tx) error {
		return engine.InsertFinalized(tx, fin)
	})
	if err != nil {
		return nil, err
	}
	return fin, nil
}

// printStatus prints upload feedback until ctx is cancelled.
func printStatus(ctx context.Context, w io.Writer, ch *status.Channel) {
	updates, unsubscribe := ch.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			if !s.IsZero() {
				fmt.Fprintf(w, "[%s] %s\n", s.Tag, s.Message)
			}
		}
	}
}
