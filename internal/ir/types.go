package ir

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// CapabilityKind identifies one of the four capability contracts a driver
// implements.
type CapabilityKind string

const (
	CapabilitySignal     CapabilityKind = "signal"
	CapabilityDiagnostic CapabilityKind = "diagnostic"
	CapabilityBackend    CapabilityKind = "backend"
	CapabilityService    CapabilityKind = "service"
)

// Capabilities lists every capability kind in a stable order.
var Capabilities = []CapabilityKind{
	CapabilitySignal,
	CapabilityDiagnostic,
	CapabilityBackend,
	CapabilityService,
}

// Valid reports whether c is one of the four known kinds.
func (c CapabilityKind) Valid() bool {
	return slices.Contains(Capabilities, c)
}

// ActionKind identifies what a step does against its capability.
type ActionKind string

const (
	ActionSet      ActionKind = "set"
	ActionWait     ActionKind = "wait"
	ActionDispatch ActionKind = "dispatch"
	ActionQuery    ActionKind = "query"
)

// Actions lists every action kind in a stable order.
var Actions = []ActionKind{ActionSet, ActionWait, ActionDispatch, ActionQuery}

// Valid reports whether a is one of the four known kinds.
func (a ActionKind) Valid() bool {
	return slices.Contains(Actions, a)
}

// IsCommand reports whether the action creates a Command with an
// acknowledgement lifecycle. Reads (wait, query) do not.
func (a ActionKind) IsCommand() bool {
	return a == ActionSet || a == ActionDispatch
}

// supportTable is the closed capability/action lookup table.
var supportTable = map[CapabilityKind][]ActionKind{
	CapabilitySignal:     {ActionSet, ActionWait, ActionQuery},
	CapabilityDiagnostic: {ActionDispatch, ActionWait, ActionQuery},
	CapabilityBackend:    {ActionDispatch, ActionWait, ActionQuery},
	CapabilityService:    {ActionSet, ActionDispatch, ActionWait, ActionQuery},
}

// Supports reports whether the capability accepts the action.
func Supports(c CapabilityKind, a ActionKind) bool {
	return slices.Contains(supportTable[c], a)
}

// SupportedActions returns the actions a capability accepts.
func SupportedActions(c CapabilityKind) []ActionKind {
	return slices.Clone(supportTable[c])
}

// ValueType is the declared type of a signal.
type ValueType string

const (
	TypeEnum   ValueType = "enum"
	TypeUint   ValueType = "uint"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypeBool   ValueType = "bool"
	TypeString ValueType = "string"
)

// ValidValueTypes defines allowed signal value types.
var ValidValueTypes = map[ValueType]bool{
	TypeEnum:   true,
	TypeUint:   true,
	TypeInt:    true,
	TypeFloat:  true,
	TypeBool:   true,
	TypeString: true,
}

// Range is an inclusive numeric bound.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v lies within the bound.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// SignalDescriptor describes one signal in the dictionary.
type SignalDescriptor struct {
	Name    string           `json:"name"`
	Channel string           `json:"channel"`            // bus identifier
	Type    ValueType        `json:"type"`
	FrameID uint32           `json:"frame_id,omitempty"` // bus frame id
	Range   *Range           `json:"range,omitempty"`
	Enum    []string         `json:"enum,omitempty"`
	Mapping map[string]int64 `json:"mapping,omitempty"` // enum label -> raw payload
}

// Clone returns a deep copy.
func (d SignalDescriptor) Clone() SignalDescriptor {
	out := d
	if d.Range != nil {
		r := *d.Range
		out.Range = &r
	}
	out.Enum = slices.Clone(d.Enum)
	out.Mapping = maps.Clone(d.Mapping)
	return out
}

// Step is one low-level operation against a capability.
//
// Timeout and Retries of zero mean "inherit" until resolution fills them in.
// Channel overrides the lane a step runs on; when empty the broker derives
// the lane from the signal dictionary or the capability kind.
type Step struct {
	Capability CapabilityKind `json:"capability"`
	Action     ActionKind     `json:"action"`
	Target     string         `json:"target"`
	Params     Object         `json:"params,omitempty"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	Retries    int            `json:"retries,omitempty"`
	Required   bool           `json:"required"`
	Channel    string         `json:"channel,omitempty"`
}

// Clone returns a deep copy.
func (s Step) Clone() Step {
	out := s
	out.Params = s.Params.Clone()
	return out
}

// String renders the step for logs.
func (s Step) String() string {
	return fmt.Sprintf("%s.%s %s", s.Capability, s.Action, s.Target)
}

// Validate checks the closed capability/action table and basic shape.
func (s Step) Validate() error {
	if !s.Capability.Valid() {
		return fmt.Errorf("unknown capability %q", s.Capability)
	}
	if !s.Action.Valid() {
		return fmt.Errorf("unknown action %q", s.Action)
	}
	if !Supports(s.Capability, s.Action) {
		return fmt.Errorf("capability %s does not support %s", s.Capability, s.Action)
	}
	if s.Target == "" {
		return fmt.Errorf("step %s.%s has no target", s.Capability, s.Action)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("step %s: negative timeout", s)
	}
	if s.Retries < 0 {
		return fmt.Errorf("step %s: negative retries", s)
	}
	return nil
}

// PreconditionEntry is a named, ordered list of steps with optional
// prerequisites.
type PreconditionEntry struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Requires    []string      `json:"requires,omitempty"`
	Params      Object        `json:"params,omitempty"`  // placeholder defaults
	Timeout     time.Duration `json:"timeout,omitempty"` // default for steps
	Retries     int           `json:"retries,omitempty"` // default for steps
	Steps       []Step        `json:"steps"`
	Rollback    []Step        `json:"rollback,omitempty"`
}

// Clone returns a deep copy.
func (e PreconditionEntry) Clone() PreconditionEntry {
	out := e
	out.Requires = slices.Clone(e.Requires)
	out.Params = e.Params.Clone()
	out.Steps = cloneSteps(e.Steps)
	out.Rollback = cloneSteps(e.Rollback)
	return out
}

func cloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}

// QuantityKind selects how samples of a quantity are compared.
type QuantityKind string

const (
	QuantityNumeric     QuantityKind = "numeric"
	QuantityCategorical QuantityKind = "categorical"
)

// QuantityDescriptor maps a logical quantity onto per-capability targets.
// A capability without an entry in Sources is queried under the quantity
// name itself.
type QuantityDescriptor struct {
	Name    string                    `json:"name"`
	Kind    QuantityKind              `json:"kind"`
	Sources map[CapabilityKind]string `json:"sources,omitempty"`
}

// Target returns the identifier to query on the given capability.
func (q QuantityDescriptor) Target(c CapabilityKind) string {
	if t, ok := q.Sources[c]; ok && t != "" {
		return t
	}
	return q.Name
}

// Clone returns a deep copy.
func (q QuantityDescriptor) Clone() QuantityDescriptor {
	out := q
	out.Sources = maps.Clone(q.Sources)
	return out
}

// Reading is a value observed on a channel together with its observation time.
type Reading struct {
	Value      Value     `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// PlannedStep is a resolved step plus the precondition that contributed it.
type PlannedStep struct {
	Step
	Origin string `json:"origin"`
}

// Plan is the flat, ordered result of resolving a precondition.
type Plan struct {
	Name  string        `json:"name"`
	Steps []PlannedStep `json:"steps"`
	Hash  string        `json:"hash"`
}

// StepList returns the plan's steps without origins, ready for execution.
func (p Plan) StepList() []Step {
	out := make([]Step, len(p.Steps))
	for i, ps := range p.Steps {
		out[i] = ps.Step.Clone()
	}
	return out
}
