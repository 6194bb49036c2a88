package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/patchlog/internal/config"
	"github.com/roach88/patchlog/internal/store"
	"github.com/roach88/patchlog/internal/testutil"
)

var testEpoch = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

// testEnv is a database in a temp dir and a fake clock shared by every
// command a test runs.
type testEnv struct {
	t     *testing.T
	dir   string
	db    string
	clock *testutil.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	// Keep a patchlog.yaml or .env in the working directory out of the test.
	t.Chdir(dir)
	for _, key := range []string{config.EnvDatabase, config.EnvNightscoutURL, config.EnvAPISecret, config.EnvInsulinName} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	return &testEnv{
		t:     t,
		dir:   dir,
		db:    filepath.Join(dir, "patchlog.db"),
		clock: testutil.NewFakeClock(testEpoch),
	}
}

// run executes the root command with args and returns stdout.
func (e *testEnv) run(args ...string) (string, error) {
	e.t.Helper()
	return e.runWithInput(nil, args...)
}

func (e *testEnv) runWithInput(in io.Reader, args ...string) (string, error) {
	e.t.Helper()
	buf := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{Clock: e.clock})
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	if in != nil {
		cmd.SetIn(in)
	}
	cmd.SetArgs(append(args, "--db", e.db))
	err := cmd.Execute()
	return buf.String(), err
}

// mustRun executes the command and fails the test on error.
func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, "patchlog %v: %s", args, out)
	return out
}

// runJSON executes the command with --format json and decodes data into v.
func (e *testEnv) runJSON(v any, args ...string) {
	e.t.Helper()
	out := e.mustRun(append(args, "--format", "json")...)
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(e.t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(e.t, "ok", resp.Status, out)
	require.NoError(e.t, json.Unmarshal(resp.Data, v), out)
}

// openStore opens the test database directly.
func (e *testEnv) openStore() *store.Store {
	e.t.Helper()
	st, err := store.Open(e.db)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { st.Close() })
	return st
}

func (e *testEnv) doses() []store.Dose {
	e.t.Helper()
	doses, err := e.openStore().RecentDoses(context.Background(), 0)
	require.NoError(e.t, err)
	return doses
}
