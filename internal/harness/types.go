package harness

import "time"

// TraceEvent is one processed command: a user action or an evaluation.
type TraceEvent struct {
	Seq        int64
	Op         string
	At         time.Duration // offset from Epoch
	Clicks     int
	TotalUnits float64
	Effect     string
	Outcome    string     // evaluations only
	Dose       *TraceDose // set when the evaluation finalized a dose
}

// TraceDose is the dose a finalizing evaluation produced.
type TraceDose struct {
	ID         string
	Clicks     int
	TotalUnits float64
}

// canonical returns the event as a map for canonical JSON.
func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{
		"seq":         e.Seq,
		"op":          e.Op,
		"at_ms":       e.At.Milliseconds(),
		"clicks":      e.Clicks,
		"total_units": e.TotalUnits,
		"effect":      e.Effect,
	}
	if e.Outcome != "" {
		m["outcome"] = e.Outcome
	}
	if e.Dose != nil {
		m["dose"] = map[string]any{
			"id":          e.Dose.ID,
			"clicks":      e.Dose.Clicks,
			"total_units": e.Dose.TotalUnits,
		}
	}
	return m
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool

	// Trace contains every processed command in order.
	Trace []TraceEvent

	// Errors contains failed assertion messages.
	// Empty if Pass is true.
	Errors []string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends an event to the trace.
func (r *Result) AddEvent(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
