package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/patchlog/internal/activity"
	"github.com/roach88/patchlog/internal/settings"
	"github.com/roach88/patchlog/internal/store"
)

// timeLayout is how timestamps are printed in text output.
const timeLayout = "2006-01-02 15:04:05"

// DoseOutput is the printed form of a finalized dose.
type DoseOutput struct {
	ID            string    `json:"id"`
	FinalizedAt   time.Time `json:"finalized_at"`
	Clicks        int       `json:"clicks"`
	Units         float64   `json:"units"`
	InsulinName   string    `json:"insulin_name"`
	Concentration string    `json:"concentration"`
	Status        string    `json:"status"`
	LastError     string    `json:"last_error,omitempty"`
}

// HistoryOutput lists finalized doses, most recent first.
type HistoryOutput struct {
	Doses []DoseOutput `json:"doses"`
}

func (o HistoryOutput) String() string {
	if len(o.Doses) == 0 {
		return "No doses recorded."
	}
	var b strings.Builder
	for i, d := range o.Doses {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s  %6su  %3d clicks  %s  %s  %s",
			d.FinalizedAt.Local().Format(timeLayout), activity.FormatUnits(d.Units),
			d.Clicks, d.Concentration, d.InsulinName, d.Status)
		if d.LastError != "" {
			fmt.Fprintf(&b, "  (%s)", d.LastError)
		}
	}
	return b.String()
}

func newDoseOutput(d store.Dose) DoseOutput {
	return DoseOutput{
		ID:            d.ID,
		FinalizedAt:   d.FinalizedAt.UTC(),
		Clicks:        d.Clicks,
		Units:         d.Units,
		InsulinName:   d.InsulinName,
		Concentration: settings.ConcentrationFromValue(d.Concentration).String(),
		Status:        string(d.Status),
		LastError:     d.LastError,
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "history",
		Short:         "List finalized doses, most recent first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			doses, err := a.store.RecentDoses(commandContext(cmd), limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read doses", err)
			}
			out := HistoryOutput{Doses: make([]DoseOutput, 0, len(doses))}
			for _, d := range doses {
				out.Doses = append(out.Doses, newDoseOutput(d))
			}
			return rootOpts.formatter(cmd).Success(out)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum doses to list (0 for all)")

	return cmd
}

// EntryOutput is the printed form of an activity entry.
type EntryOutput struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// LogsOutput lists activity entries, most recent first.
type LogsOutput struct {
	Entries []EntryOutput `json:"entries"`
}

func (o LogsOutput) String() string {
	if len(o.Entries) == 0 {
		return "No activity."
	}
	var b strings.Builder
	for i, e := range o.Entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s  %-7s  %s", e.At.Local().Format(timeLayout), e.Level, e.Message)
		if e.Details != "" {
			fmt.Fprintf(&b, " (%s)", e.Details)
		}
	}
	return b.String()
}

// NewLogsCommand creates the logs command and its clear/prune subcommands.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the activity log",
		Long: `Show dose recordings, upload results and errors, most recent first.

Subcommands:
  logs prune   delete entries older than logs.retention
  logs clear   delete every entry`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.activity.Recent(commandContext(cmd), limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read activity", err)
			}
			out := LogsOutput{Entries: make([]EntryOutput, 0, len(entries))}
			for _, e := range entries {
				out.Entries = append(out.Entries, EntryOutput{
					At:      e.At.UTC(),
					Level:   string(e.Level),
					Message: e.Message,
					Details: e.Details,
				})
			}
			return rootOpts.formatter(cmd).Success(out)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", activity.DefaultLimit, "maximum entries to list")

	cmd.AddCommand(&cobra.Command{
		Use:           "prune",
		Short:         "Delete entries older than the retention period",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.activity.Prune(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitFailure, "failed to prune activity", err)
			}
			return rootOpts.formatter(cmd).Success(countOutput{Deleted: n})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "clear",
		Short:         "Delete every activity entry",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.activity.Clear(commandContext(cmd)); err != nil {
				return WrapExitError(ExitFailure, "failed to clear activity", err)
			}
			return rootOpts.formatter(cmd).Success("Activity log cleared.")
		},
	})

	return cmd
}

type countOutput struct {
	Deleted int64 `json:"deleted"`
}

func (o countOutput) String() string {
	return fmt.Sprintf("Deleted %d entries.", o.Deleted)
}
