package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/vorch/internal/driver/sim"
	"github.com/roach88/vorch/internal/fault"
	"github.com/roach88/vorch/internal/ir"
)

// Scenario defines a conformance test scenario.
// A scenario prepares simulated channels, runs a flow of resolutions,
// single steps and consistency checks, and asserts on the outcomes, the
// evidence trace and the final channel state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Catalog is the catalog file or directory, relative to the scenario
	// file unless absolute.
	Catalog string `yaml:"catalog"`

	// Setup prepares the simulated drivers before the flow runs.
	Setup Setup `yaml:"setup,omitempty"`

	// Flow is executed in order. Each entry does exactly one thing.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the evidence trace and final driver state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`

	// Policies are consistency policies by quantity, used by check steps
	// that carry no policy of their own.
	Policies map[string]PolicySpec `yaml:"policies,omitempty"`
}

// Setup prepares the simulated drivers.
type Setup struct {
	// Drivers lists the capabilities that have a driver. Empty means all.
	Drivers []ir.CapabilityKind `yaml:"drivers,omitempty"`

	Seed        []SeedStep          `yaml:"seed,omitempty"`
	Script      []ScriptStep        `yaml:"script,omitempty"`
	Hide        []TargetRef         `yaml:"hide,omitempty"`
	Link        []LinkStep          `yaml:"link,omitempty"`
	Unavailable []ir.CapabilityKind `yaml:"unavailable,omitempty"`
}

// TargetRef names one target on one capability.
type TargetRef struct {
	Capability ir.CapabilityKind `yaml:"capability"`
	Target     string            `yaml:"target"`
}

// SeedStep gives a target an initial reading, observed Age before the
// scenario clock's start.
type SeedStep struct {
	Capability ir.CapabilityKind `yaml:"capability"`
	Target     string            `yaml:"target"`
	Value      any               `yaml:"value"`
	Age        string            `yaml:"age,omitempty"`
}

// ScriptStep queues behaviors for successive writes to a target.
type ScriptStep struct {
	Capability ir.CapabilityKind `yaml:"capability"`
	Target     string            `yaml:"target"`
	Behaviors  []BehaviorSpec    `yaml:"behaviors"`
}

// BehaviorSpec is the YAML form of sim.Behavior.
type BehaviorSpec struct {
	Mode    sim.Mode       `yaml:"mode"`
	Delay   string         `yaml:"delay,omitempty"`
	Reason  string         `yaml:"reason,omitempty"`
	Effects map[string]any `yaml:"effects,omitempty"`
}

// LinkStep mirrors writes of one target into another driver's reading.
type LinkStep struct {
	Capability ir.CapabilityKind `yaml:"capability"`
	Target     string            `yaml:"target"`
	To         ir.CapabilityKind `yaml:"to"`
	ToTarget   string            `yaml:"to_target,omitempty"`
}

// FlowStep is one entry of the flow. Exactly one of Resolve, Step, Check
// or Advance is set.
type FlowStep struct {
	// Resolve names a precondition to resolve and execute as a plan.
	Resolve string `yaml:"resolve,omitempty"`
	// Set holds placeholder overrides for Resolve.
	Set map[string]any `yaml:"set,omitempty"`
	// Rollback resolves and executes the precondition's rollback instead.
	Rollback bool `yaml:"rollback,omitempty"`

	// Step executes a single step.
	Step *StepSpec `yaml:"step,omitempty"`

	// Check runs a consistency check of the named quantity.
	Check  string      `yaml:"check,omitempty"`
	Policy *PolicySpec `yaml:"policy,omitempty"`

	// Advance moves the scenario clock forward, ageing every reading.
	Advance string `yaml:"advance,omitempty"`

	// Expect specifies the expected result. If nil, the entry must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// StepSpec is the YAML form of ir.Step.
type StepSpec struct {
	Capability ir.CapabilityKind `yaml:"capability"`
	Action     ir.ActionKind     `yaml:"action"`
	Target     string            `yaml:"target"`
	Params     map[string]any    `yaml:"params,omitempty"`
	Timeout    string            `yaml:"timeout,omitempty"`
	Retries    int               `yaml:"retries,omitempty"`
	Required   *bool             `yaml:"required,omitempty"`
	Channel    string            `yaml:"channel,omitempty"`
}

// PolicySpec is the YAML form of checker.Policy.
type PolicySpec struct {
	Tolerance    *float64 `yaml:"tolerance,omitempty"`
	Categorical  bool     `yaml:"categorical,omitempty"`
	MaxStaleness string   `yaml:"max_staleness"`
}

// ExpectClause specifies the expected result of a flow entry.
type ExpectClause struct {
	// Outcome is "ok" or the expected fault code (e.g. "TIMEOUT").
	Outcome string `yaml:"outcome"`

	// State is the expected final command state of the last step.
	State string `yaml:"state,omitempty"`

	// Attempts is the expected number of attempts of the last step.
	Attempts int `yaml:"attempts,omitempty"`

	// Value is the expected value of the last step or sampled quantity.
	Value any `yaml:"value,omitempty"`
}

// OutcomeOK is the expected outcome of a successful entry.
const OutcomeOK = "ok"

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an evidence event matches kind/target/to
	// - "trace_order": driver calls on one capability appear in order
	// - "trace_count": events of a kind (and target) occur exactly Count times
	// - "final_state": a driver's reading of a target equals Value
	Type string `yaml:"type"`

	Kind   string `yaml:"kind,omitempty"`
	Target string `yaml:"target,omitempty"`
	To     string `yaml:"to,omitempty"`
	Count  int    `yaml:"count,omitempty"`

	Capability ir.CapabilityKind `yaml:"capability,omitempty"`
	// Calls is the expected call order, each "method target" (trace_order).
	Calls []string `yaml:"calls,omitempty"`

	Value any `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. The catalog path is
// resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the catalog path relative to basePath.
// Unknown fields are rejected so typos fail loudly.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
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

	if scenario.Catalog != "" && !filepath.IsAbs(scenario.Catalog) && basePath != "" {
		scenario.Catalog = filepath.Join(basePath, scenario.Catalog)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Catalog == "" {
		return fmt.Errorf("catalog is required")
	}
	if _, err := os.Stat(s.Catalog); err != nil {
		return fmt.Errorf("catalog not found: %s", s.Catalog)
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if err := validateSetup(s.Setup); err != nil {
		return err
	}
	for name, p := range s.Policies {
		if _, err := p.policy(); err != nil {
			return fmt.Errorf("policies[%s]: %w", name, err)
		}
	}
	for i, step := range s.Flow {
		if err := validateFlowStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateSetup(s Setup) error {
	for _, k := range s.Drivers {
		if !k.Valid() {
			return fmt.Errorf("setup.drivers: unknown capability %q", k)
		}
	}
	for i, seed := range s.Seed {
		if !seed.Capability.Valid() || seed.Target == "" {
			return fmt.Errorf("setup.seed[%d]: capability and target are required", i)
		}
		if _, err := optionalDuration(seed.Age); err != nil {
			return fmt.Errorf("setup.seed[%d].age: %w", i, err)
		}
	}
	for i, sc := range s.Script {
		if !sc.Capability.Valid() || sc.Target == "" {
			return fmt.Errorf("setup.script[%d]: capability and target are required", i)
		}
		if len(sc.Behaviors) == 0 {
			return fmt.Errorf("setup.script[%d]: behaviors are required", i)
		}
		for j, b := range sc.Behaviors {
			if _, err := b.behavior(); err != nil {
				return fmt.Errorf("setup.script[%d].behaviors[%d]: %w", i, j, err)
			}
		}
	}
	for i, l := range s.Link {
		if !l.Capability.Valid() || !l.To.Valid() || l.Target == "" {
			return fmt.Errorf("setup.link[%d]: capability, target and to are required", i)
		}
	}
	return nil
}

func validateFlowStep(f FlowStep) error {
	set := 0
	if f.Resolve != "" {
		set++
	}
	if f.Step != nil {
		set++
	}
	if f.Check != "" {
		set++
	}
	if f.Advance != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of resolve, step, check or advance is required")
	}

	if f.Step != nil {
		if _, err := f.Step.step(); err != nil {
			return err
		}
	}
	if f.Policy != nil {
		if _, err := f.Policy.policy(); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	}
	if f.Advance != "" {
		if d, err := time.ParseDuration(f.Advance); err != nil || d < 0 {
			return fmt.Errorf("advance: invalid duration %q", f.Advance)
		}
	}
	if f.Expect != nil {
		if f.Expect.Outcome == "" {
			return fmt.Errorf("expect: outcome is required")
		}
		if f.Expect.Outcome != OutcomeOK && !knownCode(f.Expect.Outcome) {
			return fmt.Errorf("expect: unknown outcome %q", f.Expect.Outcome)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if !a.Capability.Valid() {
			return fmt.Errorf("assertions[%d]: capability is required for trace_order", index)
		}
		if len(a.Calls) == 0 {
			return fmt.Errorf("assertions[%d]: calls list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if !a.Capability.Valid() || a.Target == "" {
			return fmt.Errorf("assertions[%d]: capability and target are required for final_state", index)
		}
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func (s StepSpec) step() (ir.Step, error) {
	params, err := ir.ObjectFromAny(s.Params)
	if err != nil {
		return ir.Step{}, fmt.Errorf("step params: %w", err)
	}
	timeout, err := optionalDuration(s.Timeout)
	if err != nil {
		return ir.Step{}, fmt.Errorf("step timeout: %w", err)
	}
	step := ir.Step{
		Capability: s.Capability,
		Action:     s.Action,
		Target:     s.Target,
		Params:     params,
		Timeout:    timeout,
		Retries:    s.Retries,
		Required:   s.Required == nil || *s.Required,
		Channel:    s.Channel,
	}
	if err := step.Validate(); err != nil {
		return ir.Step{}, err
	}
	return step, nil
}

func (b BehaviorSpec) behavior() (sim.Behavior, error) {
	switch b.Mode {
	case sim.ModeAck, sim.ModeNeverAck, sim.ModeReject, sim.ModeRefuse, sim.ModeUnavailable:
	default:
		return sim.Behavior{}, fmt.Errorf("unknown mode %q", b.Mode)
	}
	delay, err := optionalDuration(b.Delay)
	if err != nil {
		return sim.Behavior{}, fmt.Errorf("delay: %w", err)
	}
	effects, err := ir.ObjectFromAny(b.Effects)
	if err != nil {
		return sim.Behavior{}, fmt.Errorf("effects: %w", err)
	}
	return sim.Behavior{Mode: b.Mode, Delay: delay, Reason: b.Reason, Effects: effects}, nil
}

func optionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func knownCode(s string) bool {
	for _, c := range fault.Codes {
		if string(c) == s {
			return true
		}
	}
	return false
}
