package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/patchlog/internal/activity"
	"github.com/roach88/patchlog/internal/dose"
	"github.com/roach88/patchlog/internal/engine"
	"github.com/roach88/patchlog/internal/store"
)

// BatchOutput is the printed form of the open batch.
type BatchOutput struct {
	Op          string     `json:"op,omitempty"`
	Clicks      int        `json:"clicks"`
	TotalUnits  float64    `json:"total_units"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RemainingMS int64      `json:"remaining_ms"`

	// Set by the status command only.
	Patch  *PatchOutput `json:"patch,omitempty"`
	Status string       `json:"status,omitempty"`
}

func newBatchOutput(op string, v dose.View) BatchOutput {
	out := BatchOutput{
		Op:          op,
		Clicks:      v.Clicks,
		TotalUnits:  v.TotalUnits,
		RemainingMS: v.Remaining.Milliseconds(),
	}
	if !v.ExpiresAt.IsZero() {
		at := v.ExpiresAt.UTC()
		out.ExpiresAt = &at
	}
	return out
}

func (o BatchOutput) String() string {
	var b strings.Builder
	switch {
	case o.Clicks == 0:
		b.WriteString("No open batch")
	case o.RemainingMS > 0:
		fmt.Fprintf(&b, "%d clicks, %su (finalizes in %s)", o.Clicks, activity.FormatUnits(o.TotalUnits),
			(time.Duration(o.RemainingMS) * time.Millisecond).String())
	default:
		fmt.Fprintf(&b, "%d clicks, %su (due)", o.Clicks, activity.FormatUnits(o.TotalUnits))
	}
	if o.Patch != nil {
		b.WriteString("\n")
		b.WriteString(o.Patch.String())
	}
	if o.Status != "" {
		fmt.Fprintf(&b, "\nLast upload: %s", o.Status)
	}
	return b.String()
}

// NewClickCommand creates the click command.
func NewClickCommand(rootOpts *RootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "click",
		Short: "Register a click",
		Long: `Register one or more clicks in the open batch.

The batch is finalized once no click or undo has been seen for the
inactivity window. Finalization happens in "patchlog run" or the next
"patchlog tick".

Example:
  patchlog click
  patchlog click -n 3`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return NewExitError(ExitCommandError, fmt.Sprintf("--count must be at least 1, got %d", count))
			}
			return runBatchCommand(rootOpts, cmd, "click", count, (*engine.Coordinator).Click)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of clicks")

	return cmd
}

// NewUndoCommand creates the undo command.
func NewUndoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Remove the last click",
		Long: `Remove one click from the open batch.

Undo counts as activity and restarts the inactivity window. Undoing the
last click discards the batch. Undo with no open batch does nothing.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatchCommand(rootOpts, cmd, "undo", 1, (*engine.Coordinator).Undo)
		},
	}
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "reset",
		Short:         "Discard the open batch without recording a dose",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatchCommand(rootOpts, cmd, "reset", 1, (*engine.Coordinator).Reset)
		},
	}
}

type batchOp func(*engine.Coordinator, context.Context) (engine.Result, error)

func runBatchCommand(opts *RootOptions, cmd *cobra.Command, name string, times int, op batchOp) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	var res engine.Result
	err = a.session(commandContext(cmd), func(coord *engine.Coordinator) error {
		for i := 0; i < times; i++ {
			r, err := op(coord, commandContext(cmd))
			if err != nil {
				return err
			}
			res = r
		}
		return nil
	})
	if err != nil {
		return WrapExitError(ExitFailure, name+" failed", err)
	}

	return opts.formatter(cmd).Success(newBatchOutput(name, res.View(a.clock.Now())))
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the open batch and remaining patch units",
		Long: `Show the open batch, the estimated units left in the patch, and the
result of the most recent upload if it happened within the status display
time. Status is read-only; it never finalizes a batch.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.store.ReadRecord(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read batch", err)
	}
	now := a.clock.Now()
	out := newBatchOutput("", rec.View(now))

	patch, err := a.patchOutput(ctx, out.TotalUnits)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read patch", err)
	}
	out.Patch = &patch

	tag, err := recentUploadStatus(ctx, a.store, now.Add(-a.cfg.Status.DisplayFor.Std()))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read activity", err)
	}
	out.Status = tag

	return opts.formatter(cmd).Success(out)
}

// recentUploadStatus returns "success" or "error" for the newest upload
// result recorded at or after since, or "" when there is none.
func recentUploadStatus(ctx context.Context, st *store.Store, since time.Time) (string, error) {
	entries, err := st.RecentActivity(ctx, 10)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.At.Before(since) {
			break
		}
		switch e.Level {
		case store.LevelSuccess:
			return "success", nil
		case store.LevelError:
			return "error", nil
		}
	}
	return "", nil
}

// PatchOutput is the printed form of the patch settings.
type PatchOutput struct {
	Concentration  string  `json:"concentration"`
	UnitsPerClick  float64 `json:"units_per_click"`
	LoadedUnits    float64 `json:"loaded_units"`
	RemainingUnits float64 `json:"remaining_units"`
}

func (o PatchOutput) String() string {
	if o.LoadedUnits <= 0 {
		return fmt.Sprintf("Patch: %s (%su/click), not loaded", o.Concentration, activity.FormatUnits(o.UnitsPerClick))
	}
	return fmt.Sprintf("Patch: %s (%su/click), %su of %su remaining", o.Concentration,
		activity.FormatUnits(o.UnitsPerClick), activity.FormatUnits(o.RemainingUnits), activity.FormatUnits(o.LoadedUnits))
}

func (a *app) patchOutput(ctx context.Context, openUnits float64) (PatchOutput, error) {
	p, err := a.settings.Patch(ctx)
	if err != nil {
		return PatchOutput{}, err
	}
	remaining, err := a.settings.Remaining(ctx, openUnits)
	if err != nil {
		return PatchOutput{}, err
	}
	return PatchOutput{
		Concentration:  p.Concentration.String(),
		UnitsPerClick:  p.Concentration.UnitsPerClick(),
		LoadedUnits:    p.LoadedUnits,
		RemainingUnits: remaining,
	}, nil
}
