package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/roach88/patchlog/internal/settings"
)

// NewPatchCommand creates the patch command and its new subcommand.
func NewPatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "patch",
		Short:         "Show the patch settings and remaining units",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.store.ReadRecord(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read batch", err)
			}
			out, err := a.patchOutput(ctx, rec.TotalUnits())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read patch", err)
			}
			return rootOpts.formatter(cmd).Success(out)
		},
	}

	cmd.AddCommand(newPatchNewCommand(rootOpts))

	return cmd
}

func newPatchNewCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		concentration string
		loaded        float64
	)

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start a new patch",
		Long: `Record a newly filled patch.

The concentration sets the units per click (U100: 2u, U200: 4u). Loaded
units must be positive and at most twice the concentration. Every dose
recorded for the previous patch is deleted.

Example:
  patchlog patch new --concentration U100 --loaded 180`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := settings.ParseConcentration(concentration)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid concentration", err)
			}

			ctx := commandContext(cmd)
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.settings.ConfigureNewPatch(ctx, settings.Patch{Concentration: c, LoadedUnits: loaded})
			if errors.Is(err, settings.ErrInvalidLoadedUnits) {
				return WrapExitError(ExitCommandError, "invalid loaded units", err)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "failed to configure patch", err)
			}

			out, err := a.patchOutput(ctx, 0)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read patch", err)
			}
			return rootOpts.formatter(cmd).Success(out)
		},
	}

	cmd.Flags().StringVar(&concentration, "concentration", settings.DefaultConcentration.String(), "insulin concentration (U100|U200)")
	cmd.Flags().Float64Var(&loaded, "loaded", 0, "units loaded into the patch (required)")
	_ = cmd.MarkFlagRequired("loaded")

	return cmd
}
