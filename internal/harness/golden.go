package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/patchlog/internal/canon"
)

// TraceDomain separates trace digests from other canonical hashes.
const TraceDomain = "patchlog/trace/v1"

// FormatTrace renders a trace as canonical JSON, one event per line, after
// a header line naming the scenario.
func FormatTrace(name string, trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	header, err := canon.Marshal(map[string]any{"scenario": name, "events": len(trace)})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for _, ev := range trace {
		line, err := canon.Marshal(ev.canonical())
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// TraceDigest is a stable hash of the trace.
func TraceDigest(trace []TraceEvent) (string, error) {
	events := make([]any, len(trace))
	for i, ev := range trace {
		events[i] = ev.canonical()
	}
	return canon.Hash(TraceDomain, events)
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceText, err := FormatTrace(scenarioName, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceText)
	return nil
}
