package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/patchlog/internal/settings"
)

// Scenario is a timeline of user actions and clock movements.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Window is the inactivity window. Defaults to 5s.
	Window Duration `yaml:"window,omitempty"`

	// Concentration selects the patch profile ("U100" or "U200").
	// Defaults to U100.
	Concentration string `yaml:"concentration,omitempty"`

	// UnitsPerClick overrides the profile's rate.
	UnitsPerClick float64 `yaml:"units_per_click,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Step kinds.
const (
	StepClick    = "click"
	StepUndo     = "undo"
	StepReset    = "reset"
	StepAdvance  = "advance"
	StepTick     = "tick"
	StepEvaluate = "evaluate"
	StepRestart  = "restart"
)

// Step is one scenario action. In YAML it is either a bare kind ("click")
// or a single-key mapping ("click: 3", "advance: 2s").
type Step struct {
	Kind     string
	Count    int
	Duration time.Duration
}

// UnmarshalYAML accepts both step forms.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		s.Kind = node.Value
		s.Count = 1
		return nil

	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: step must have exactly one key", node.Line)
		}
		s.Kind = node.Content[0].Value
		arg := node.Content[1]
		switch s.Kind {
		case StepClick, StepUndo:
			if err := arg.Decode(&s.Count); err != nil {
				return fmt.Errorf("line %d: %s count: %w", arg.Line, s.Kind, err)
			}
		case StepAdvance:
			var d Duration
			if err := arg.Decode(&d); err != nil {
				return err
			}
			s.Duration = time.Duration(d)
		default:
			return fmt.Errorf("line %d: step %q takes no argument", node.Line, s.Kind)
		}
		return nil
	}
	return fmt.Errorf("line %d: invalid step", node.Line)
}

// String renders the step the way it is written in YAML.
func (s Step) String() string {
	switch s.Kind {
	case StepAdvance:
		return fmt.Sprintf("advance: %s", s.Duration)
	case StepClick, StepUndo:
		if s.Count != 1 {
			return fmt.Sprintf("%s: %d", s.Kind, s.Count)
		}
	}
	return s.Kind
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"5s\"", node.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Assertion checks the outcome of a scenario.
type Assertion struct {
	// Type is one of dose_count, dose, final_state.
	Type string `yaml:"type"`

	// Count is the expected number of doses (dose_count).
	Count *int `yaml:"count,omitempty"`

	// Index selects the dose, oldest first (dose).
	Index int `yaml:"index,omitempty"`

	// Clicks is the expected click count (dose, final_state).
	Clicks *int `yaml:"clicks,omitempty"`

	// TotalUnits is the expected unit total (dose, final_state).
	TotalUnits *float64 `yaml:"total_units,omitempty"`

	// FinalizedAt is the expected finalization offset from Epoch (dose).
	FinalizedAt *Duration `yaml:"finalized_at,omitempty"`
}

// Assertion type constants.
const (
	AssertDoseCount  = "dose_count"
	AssertDose       = "dose"
	AssertFinalState = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns every .yaml or .yml file under dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !d.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Window < 0 {
		return fmt.Errorf("window must be positive")
	}
	if s.UnitsPerClick < 0 {
		return fmt.Errorf("units_per_click must be positive")
	}
	if s.Concentration != "" {
		if _, err := settings.ParseConcentration(s.Concentration); err != nil {
			return fmt.Errorf("concentration: %w", err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s Step) error {
	switch s.Kind {
	case StepClick, StepUndo:
		if s.Count < 1 {
			return fmt.Errorf("steps[%d]: %s count must be at least 1", index, s.Kind)
		}
	case StepAdvance:
		if s.Duration <= 0 {
			return fmt.Errorf("steps[%d]: advance duration must be positive", index)
		}
	case StepReset, StepTick, StepEvaluate, StepRestart:
	default:
		return fmt.Errorf("steps[%d]: unknown step %q", index, s.Kind)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertDoseCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for dose_count", index)
		}
	case AssertDose:
		if a.Index < 0 {
			return fmt.Errorf("assertions[%d]: index must be non-negative for dose", index)
		}
		if a.Clicks == nil && a.TotalUnits == nil && a.FinalizedAt == nil {
			return fmt.Errorf("assertions[%d]: dose needs clicks, total_units or finalized_at", index)
		}
	case AssertFinalState:
		if a.Clicks == nil && a.TotalUnits == nil {
			return fmt.Errorf("assertions[%d]: final_state needs clicks or total_units", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
