package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/patchlog/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // glob matched against scenario file names
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult summarizes a test run.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r TestResult) String() string {
	if r.Total == 0 {
		return "No scenarios found."
	}
	summary := fmt.Sprintf("\nTest Summary: %d passed, %d failed, %d total", r.Passed, r.Failed, r.Total)
	if r.Failed == 0 {
		summary += "\n✓ All scenarios passed"
	}
	return summary
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run timeline scenarios",
		Long: `Run timeline scenarios against the coordinator.

Each scenario runs in a fresh in-memory database with a fake clock.
Assertions are checked and the trace is compared with
<scenarios-dir>/golden/<file>.golden when that file exists.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  patchlog test ./scenarios
  patchlog test ./scenarios --filter "undo_*"
  patchlog test ./scenarios --update
  patchlog test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenario files whose base name matches this glob")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}
	files, err := selectScenarios(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	// Per-scenario lines are progress output; JSON gets only the result.
	var progress io.Writer = io.Discard
	if opts.Format != "json" {
		progress = cmd.OutOrStdout()
	}

	result := TestResult{Scenarios: make([]ScenarioResult, 0, len(files))}
	for _, path := range files {
		r := checkScenario(path, opts.Update)
		printScenario(progress, r, opts.Update)
		result.Scenarios = append(result.Scenarios, r)
		result.Total++
		if r.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	f := opts.formatter(cmd)
	if result.Failed == 0 {
		return f.Success(result)
	}
	msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
	if err := f.Failure(CodeTestFailed, msg, result); err != nil {
		return err
	}
	return reportedFailure("%s", msg)
}

func printScenario(w io.Writer, r ScenarioResult, updated bool) {
	if !r.Pass {
		fmt.Fprintf(w, "✗ %s\n", r.Name)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		return
	}
	if updated {
		fmt.Fprintf(w, "✓ %s (golden updated)\n", r.Name)
		return
	}
	fmt.Fprintf(w, "✓ %s\n", r.Name)
}

// selectScenarios lists scenario files under dir, keeping those whose base
// name (without extension) matches filter.
func selectScenarios(dir, filter string) ([]string, error) {
	all, err := harness.FindScenarios(dir)
	if err != nil || filter == "" {
		return all, err
	}
	if _, err := filepath.Match(filter, ""); err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
	}
	var files []string
	for _, path := range all {
		if ok, _ := filepath.Match(filter, scenarioBaseName(path)); ok {
			files = append(files, path)
		}
	}
	return files, nil
}

// checkScenario runs one scenario file. With update set the golden file is
// rewritten; otherwise an existing golden file must match the trace.
func checkScenario(path string, update bool) ScenarioResult {
	fail := func(name string, errs ...string) ScenarioResult {
		return ScenarioResult{Name: name, Errors: errs}
	}

	s, err := harness.LoadScenario(path)
	if err != nil {
		return fail(filepath.Base(path), fmt.Sprintf("failed to load scenario: %v", err))
	}
	res, err := harness.Run(s)
	if err != nil {
		return fail(s.Name, fmt.Sprintf("execution failed: %v", err))
	}
	trace, err := harness.FormatTrace(s.Name, res.Trace)
	if err != nil {
		return fail(s.Name, fmt.Sprintf("failed to format trace: %v", err))
	}

	errs := append([]string(nil), res.Errors...)
	golden := goldenFilePath(path)
	if update {
		if err := writeGoldenFile(golden, trace); err != nil {
			errs = append(errs, fmt.Sprintf("failed to update golden file: %v", err))
		}
	} else if want, err := os.ReadFile(golden); err == nil {
		if !bytes.Equal(want, trace) {
			errs = append(errs, "trace does not match golden file (run with --update to regenerate)")
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Sprintf("failed to read golden file: %v", err))
	}

	if len(errs) > 0 {
		return fail(s.Name, errs...)
	}
	return ScenarioResult{Name: s.Name, Pass: true}
}

func scenarioBaseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// goldenFilePath is <dir>/golden/<base>.golden for <dir>/<base>.yaml.
func goldenFilePath(scenarioFile string) string {
	return filepath.Join(filepath.Dir(scenarioFile), "golden", scenarioBaseName(scenarioFile)+".golden")
}

func writeGoldenFile(path string, trace []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, trace, 0o644)
}
