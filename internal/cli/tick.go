package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/patchlog/internal/engine"
	"github.com/roach88/patchlog/internal/upload"
)

// TickOutput reports what one tick did.
type TickOutput struct {
	Finalized int             `json:"finalized"`
	Batch     BatchOutput     `json:"batch"`
	Upload    *upload.Summary `json:"upload,omitempty"`
}

func (o TickOutput) String() string {
	s := fmt.Sprintf("Finalized %d dose(s). %s", o.Finalized, o.Batch)
	if o.Upload != nil {
		s += fmt.Sprintf("\nUploaded %d, failed %d", o.Upload.Uploaded, o.Upload.Failed)
	}
	return s
}

// NewTickCommand creates the tick command.
func NewTickCommand(rootOpts *RootOptions) *cobra.Command {
	var withUpload bool

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run due wake-ups once and exit",
		Long: `Evaluate every wake-up that is due and exit.

Tick is the entry point for an external scheduler such as cron or a
systemd timer. A batch whose deadline has passed is finalized; a wake-up
that was replaced or cancelled does nothing.

Example:
  patchlog tick
  patchlog tick --upload`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(rootOpts, cmd, withUpload)
		},
	}

	cmd.Flags().BoolVar(&withUpload, "upload", false, "also upload one batch of pending doses")

	return cmd
}

func runTick(opts *RootOptions, cmd *cobra.Command, withUpload bool) error {
	ctx := commandContext(cmd)
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	before, err := a.store.CountDoses(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to count doses", err)
	}

	var out TickOutput
	err = a.session(ctx, func(coord *engine.Coordinator) error {
		view, err := coord.Snapshot(ctx)
		if err != nil {
			return err
		}
		out.Batch = newBatchOutput("", view)
		return nil
	})
	if err != nil {
		return WrapExitError(ExitFailure, "tick failed", err)
	}

	after, err := a.store.CountDoses(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to count doses", err)
	}
	out.Finalized = after - before

	if withUpload {
		w, err := a.uploader(nil, nil)
		if err != nil {
			return err
		}
		sum, err := w.RunOnce(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "upload failed", err)
		}
		out.Upload = &sum
	}

	return opts.formatter(cmd).Success(out)
}
