package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// finalize records one dose of n clicks and leaves the clock past it.
func (e *testEnv) finalize(n string) {
	e.t.Helper()
	e.mustRun("click", "-n", n)
	e.clock.Advance(6 * time.Second)
	e.mustRun("tick")
}

func TestHistoryMostRecentFirst(t *testing.T) {
	env := newTestEnv(t)
	env.finalize("1")
	env.finalize("3")

	var got HistoryOutput
	env.runJSON(&got, "history")
	require.Len(t, got.Doses, 2)
	assert.Equal(t, 3, got.Doses[0].Clicks)
	assert.Equal(t, 1, got.Doses[1].Clicks)
	assert.Equal(t, "U100", got.Doses[0].Concentration)
	assert.Equal(t, "Rapid-acting", got.Doses[0].InsulinName)
	assert.Equal(t, "PENDING", got.Doses[0].Status)
	assert.NotEmpty(t, got.Doses[0].ID)

	env.runJSON(&got, "history", "--limit", "1")
	require.Len(t, got.Doses, 1)
	assert.Equal(t, 3, got.Doses[0].Clicks)
}

func TestHistoryEmpty(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, "No doses recorded.\n", env.mustRun("history"))
}

func TestHistoryInsulinNameFromEnv(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("PATCHLOG_INSULIN_NAME", "Lyumjev")
	env.finalize("2")

	var got HistoryOutput
	env.runJSON(&got, "history")
	require.Len(t, got.Doses, 1)
	assert.Equal(t, "Lyumjev", got.Doses[0].InsulinName)
}

func TestLogsRecordFinalization(t *testing.T) {
	env := newTestEnv(t)
	env.finalize("2")

	var got LogsOutput
	env.runJSON(&got, "logs")
	require.NotEmpty(t, got.Entries)
	assert.Equal(t, "INFO", got.Entries[0].Level)
	assert.Equal(t, "Dose recorded: 4.0u", got.Entries[0].Message)
	assert.Equal(t, "2 clicks", got.Entries[0].Details)

	assert.Contains(t, env.mustRun("logs"), "Dose recorded: 4.0u (2 clicks)")
}

func TestLogsClear(t *testing.T) {
	env := newTestEnv(t)
	env.finalize("1")

	assert.Equal(t, "Activity log cleared.\n", env.mustRun("logs", "clear"))
	assert.Equal(t, "No activity.\n", env.mustRun("logs"))
}

func TestLogsPrune(t *testing.T) {
	env := newTestEnv(t)
	env.finalize("1")

	var pruned countOutput
	env.runJSON(&pruned, "logs", "prune")
	assert.Equal(t, int64(0), pruned.Deleted)

	env.clock.Advance(8 * 24 * time.Hour)
	env.runJSON(&pruned, "logs", "prune")
	assert.Equal(t, int64(1), pruned.Deleted)

	var got LogsOutput
	env.runJSON(&got, "logs")
	assert.Empty(t, got.Entries)
}

func TestPatchShowDefaults(t *testing.T) {
	env := newTestEnv(t)

	var got PatchOutput
	env.runJSON(&got, "patch")
	assert.Equal(t, "U100", got.Concentration)
	assert.InDelta(t, 2.0, got.UnitsPerClick, 1e-9)
	assert.Zero(t, got.LoadedUnits)
	assert.Zero(t, got.RemainingUnits)
}

func TestPatchNew(t *testing.T) {
	env := newTestEnv(t)
	env.finalize("2")
	require.Len(t, env.doses(), 1)

	var got PatchOutput
	env.runJSON(&got, "patch", "new", "--concentration", "u200", "--loaded", "400")
	assert.Equal(t, "U200", got.Concentration)
	assert.InDelta(t, 4.0, got.UnitsPerClick, 1e-9)
	assert.InDelta(t, 400.0, got.LoadedUnits, 1e-9)
	assert.InDelta(t, 360.0, got.RemainingUnits, 1e-9)
	assert.Empty(t, env.doses(), "doses from the previous patch are cleared")

	env.finalize("5")
	env.runJSON(&got, "patch")
	assert.InDelta(t, 340.0, got.RemainingUnits, 1e-9)

	assert.Contains(t, env.mustRun("patch"), "Patch: U200 (4.0u/click), 340.0u of 400.0u remaining")
}

func TestPatchNewRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"too_much", []string{"--concentration", "U100", "--loaded", "201"}, "invalid loaded units"},
		{"zero", []string{"--loaded", "0"}, "invalid loaded units"},
		{"concentration", []string{"--concentration", "U300", "--loaded", "100"}, "invalid concentration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(append([]string{"patch", "new"}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPatchNewRequiresLoaded(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run("patch", "new")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}
