package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a monitor conformance scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the manual clock's initial instant. Zero means testutil.Epoch.
	Start time.Time `yaml:"start,omitempty"`

	// Policy is an optional CUE policy file, relative to the scenario file.
	Policy string `yaml:"policy,omitempty"`

	// Steps run in order against one fresh monitor.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final issues, violations and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Update  *Write       `yaml:"update,omitempty"`
	Append  *Write       `yaml:"append,omitempty"`
	Advance string       `yaml:"advance,omitempty"`
	Log     *LogStep     `yaml:"log,omitempty"`
	Check   string       `yaml:"check,omitempty"`
	Outcome *OutcomeStep `yaml:"outcome,omitempty"`
}

// Write is a state store write.
type Write struct {
	Path  string `yaml:"path"`
	Value any    `yaml:"value"`
	// Limit bounds the list for append; 0 means the store default.
	Limit int `yaml:"limit,omitempty"`
}

// LogStep is a log event. A zero timestamp means the clock's current instant.
type LogStep struct {
	Timestamp time.Time      `yaml:"timestamp,omitempty"`
	Level     string         `yaml:"level"`
	Source    string         `yaml:"source,omitempty"`
	Message   string         `yaml:"message"`
	Details   map[string]any `yaml:"details,omitempty"`
}

// OutcomeStep records a verdict for the issue of the given type.
type OutcomeStep struct {
	Issue     string `yaml:"issue"`
	Confirmed bool   `yaml:"confirmed"`
}

// Assertion validates the scenario's final state.
type Assertion struct {
	Type     string         `yaml:"type"`
	Issue    string         `yaml:"issue,omitempty"`
	Contract string         `yaml:"contract,omitempty"`
	Path     string         `yaml:"path,omitempty"`
	Value    any            `yaml:"value,omitempty"`
	Count    int            `yaml:"count,omitempty"`
	Expect   map[string]any `yaml:"expect,omitempty"`
}

// Step kinds, as they appear in the trace.
const (
	StepUpdate  = "update"
	StepAppend  = "append"
	StepAdvance = "advance"
	StepLog     = "log"
	StepCheck   = "check"
	StepOutcome = "outcome"
)

// Check targets.
const (
	CheckContracts = "contracts"
	CheckVerify    = "verify"
	CheckAnomalies = "anomalies"
)

// Assertion type constants.
const (
	AssertIssue          = "issue"
	AssertNoIssue        = "no_issue"
	AssertViolationCount = "violation_count"
	AssertState          = "state"
	AssertStats          = "stats"
)

// Kind returns the step's kind, or "" when zero or several fields are set.
func (s Step) Kind() string {
	var kinds []string
	if s.Update != nil {
		kinds = append(kinds, StepUpdate)
	}
	if s.Append != nil {
		kinds = append(kinds, StepAppend)
	}
	if s.Advance != "" {
		kinds = append(kinds, StepAdvance)
	}
	if s.Log != nil {
		kinds = append(kinds, StepLog)
	}
	if s.Check != "" {
		kinds = append(kinds, StepCheck)
	}
	if s.Outcome != nil {
		kinds = append(kinds, StepOutcome)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly. A relative policy path is resolved
// against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Policy != "" && !filepath.IsAbs(scenario.Policy) {
		scenario.Policy = filepath.Join(filepath.Dir(path), scenario.Policy)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

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
	if s.Policy != "" {
		if _, err := os.Stat(s.Policy); err != nil {
			return fmt.Errorf("policy file not found: %s", s.Policy)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, s Step) error {
	switch s.Kind() {
	case "":
		return fmt.Errorf("steps[%d]: exactly one of update, append, advance, log, check, outcome is required", i)
	case StepUpdate:
		if s.Update.Path == "" {
			return fmt.Errorf("steps[%d].update: path is required", i)
		}
	case StepAppend:
		if s.Append.Path == "" {
			return fmt.Errorf("steps[%d].append: path is required", i)
		}
		if s.Append.Limit < 0 {
			return fmt.Errorf("steps[%d].append: limit must be non-negative", i)
		}
	case StepAdvance:
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d].advance: %w", i, err)
		}
		if d < 0 {
			return fmt.Errorf("steps[%d].advance: duration must be non-negative", i)
		}
	case StepLog:
		if s.Log.Message == "" {
			return fmt.Errorf("steps[%d].log: message is required", i)
		}
	case StepCheck:
		switch s.Check {
		case CheckContracts, CheckVerify, CheckAnomalies:
		default:
			return fmt.Errorf("steps[%d].check: unknown target %q", i, s.Check)
		}
	case StepOutcome:
		if s.Outcome.Issue == "" {
			return fmt.Errorf("steps[%d].outcome: issue is required", i)
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertIssue:
		if a.Issue == "" {
			return fmt.Errorf("assertions[%d]: issue is required for issue", index)
		}
	case AssertNoIssue:
		if a.Issue == "" {
			return fmt.Errorf("assertions[%d]: issue is required for no_issue", index)
		}
	case AssertViolationCount:
		if a.Contract == "" {
			return fmt.Errorf("assertions[%d]: contract is required for violation_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for violation_count", index)
		}
	case AssertState:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for state", index)
		}
	case AssertStats:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for stats", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
