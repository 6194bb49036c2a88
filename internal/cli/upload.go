package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/patchlog/internal/upload"
)

// UploadOutput reports one upload run.
type UploadOutput struct {
	upload.Summary
	Configured bool `json:"configured"`
}

func (o UploadOutput) String() string {
	if !o.Configured {
		return "Nightscout not configured, nothing uploaded"
	}
	return fmt.Sprintf("Uploaded %d, failed %d", o.Uploaded, o.Failed)
}

// NewUploadCommand creates the upload command.
func NewUploadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload one batch of pending doses to Nightscout",
		Long: `Upload up to upload.batch_size pending or failed doses, oldest first.

Exit codes:
  0 - Every attempted upload succeeded (or Nightscout is not configured)
  1 - One or more uploads failed
  2 - Command error (invalid config, database unavailable, etc.)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(rootOpts, cmd)
		},
	}
}

func runUpload(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.uploader(nil, nil)
	if err != nil {
		return err
	}
	sum, err := w.RunOnce(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "upload failed", err)
	}

	out := UploadOutput{Summary: sum, Configured: a.cfg.Nightscout.Configured()}
	f := opts.formatter(cmd)
	if sum.Failed == 0 {
		return f.Success(out)
	}
	msg := fmt.Sprintf("%d upload(s) failed", sum.Failed)
	if err := f.Failure(CodeFailed, msg, out); err != nil {
		return err
	}
	return reportedFailure("%s", msg)
}
