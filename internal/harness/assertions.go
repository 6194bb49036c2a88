package harness

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/roach88/patchlog/internal/store"
)

// unitTolerance absorbs float rounding in unit totals.
const unitTolerance = 1e-9

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the store and returns
// the failure messages.
func EvaluateAssertions(ctx context.Context, st *store.Store, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(ctx, st, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(ctx context.Context, st *store.Store, a Assertion) error {
	switch a.Type {
	case AssertDoseCount:
		return assertDoseCount(ctx, st, a)
	case AssertDose:
		return assertDose(ctx, st, a)
	case AssertFinalState:
		return assertFinalState(ctx, st, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertDoseCount(ctx context.Context, st *store.Store, a Assertion) error {
	n, err := st.CountDoses(ctx)
	if err != nil {
		return err
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     AssertDoseCount,
			Expected: fmt.Sprintf("%d doses", *a.Count),
			Actual:   fmt.Sprintf("%d doses", n),
		}
	}
	return nil
}

// assertDose checks the Nth dose, oldest first.
func assertDose(ctx context.Context, st *store.Store, a Assertion) error {
	doses, err := st.RecentDoses(ctx, 0)
	if err != nil {
		return err
	}
	slices.Reverse(doses)
	if a.Index >= len(doses) {
		return &AssertionError{
			Type:     AssertDose,
			Expected: fmt.Sprintf("dose at index %d", a.Index),
			Actual:   fmt.Sprintf("%d doses", len(doses)),
		}
	}

	d := doses[a.Index]
	var mismatches []string
	if a.Clicks != nil && d.Clicks != *a.Clicks {
		mismatches = append(mismatches, fmt.Sprintf("clicks %d, want %d", d.Clicks, *a.Clicks))
	}
	if a.TotalUnits != nil && !unitsEqual(d.Units, *a.TotalUnits) {
		mismatches = append(mismatches, fmt.Sprintf("total_units %g, want %g", d.Units, *a.TotalUnits))
	}
	if a.FinalizedAt != nil {
		want := Epoch.Add(time.Duration(*a.FinalizedAt))
		if !d.FinalizedAt.Equal(want) {
			mismatches = append(mismatches, fmt.Sprintf("finalized_at %s, want %s",
				d.FinalizedAt.Sub(Epoch), time.Duration(*a.FinalizedAt)))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertDose,
			Expected: fmt.Sprintf("dose %d to match", a.Index),
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

func assertFinalState(ctx context.Context, st *store.Store, a Assertion) error {
	rec, err := st.ReadRecord(ctx)
	if err != nil {
		return err
	}

	var mismatches []string
	if a.Clicks != nil && rec.Clicks != *a.Clicks {
		mismatches = append(mismatches, fmt.Sprintf("clicks %d, want %d", rec.Clicks, *a.Clicks))
	}
	if a.TotalUnits != nil && !unitsEqual(rec.TotalUnits(), *a.TotalUnits) {
		mismatches = append(mismatches, fmt.Sprintf("total_units %g, want %g", rec.TotalUnits(), *a.TotalUnits))
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: "batch record to match",
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

func unitsEqual(a, b float64) bool {
	return math.Abs(a-b) < unitTolerance
}
