package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/vorch/internal/ir"
)

// Document is the on-disk shape of a catalog file, shared by the YAML and
// CUE loaders. A catalog may be split across several documents (signals in
// one file, preconditions in another); Merge combines them.
type Document struct {
	Signals       map[string]SignalDoc       `yaml:"signals" json:"signals"`
	Preconditions map[string]PreconditionDoc `yaml:"preconditions" json:"preconditions"`
	Quantities    map[string]QuantityDoc     `yaml:"quantities" json:"quantities"`
}

// SignalDoc describes one signal.
type SignalDoc struct {
	Bus     string      `yaml:"bus" json:"bus"`
	Channel string      `yaml:"channel" json:"channel"` // alias for bus
	CanID   any         `yaml:"can_id" json:"can_id"`   // int or "0x..." string
	Type    string      `yaml:"type" json:"type"`
	Payload *PayloadDoc `yaml:"payload" json:"payload"`
	Range   *RangeDoc   `yaml:"range" json:"range"`
	Enum    []string    `yaml:"enum" json:"enum"`
}

// PayloadDoc carries the wire encoding of a signal.
type PayloadDoc struct {
	Type    string           `yaml:"type" json:"type"`
	Mapping map[string]int64 `yaml:"mapping" json:"mapping"`
}

// RangeDoc is an inclusive numeric range.
type RangeDoc struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// PreconditionDoc describes one precondition.
type PreconditionDoc struct {
	Description string         `yaml:"description" json:"description"`
	Requires    []string       `yaml:"requires" json:"requires"`
	Params      map[string]any `yaml:"params" json:"params"`
	SLA         *SLADoc        `yaml:"sla" json:"sla"`
	Steps       []StepDoc      `yaml:"steps" json:"steps"`
	Rollback    []StepDoc      `yaml:"rollback" json:"rollback"`
}

// SLADoc holds per-precondition defaults applied to its steps.
type SLADoc struct {
	Timeout any  `yaml:"timeout" json:"timeout"` // seconds or duration string
	Retries *int `yaml:"retries" json:"retries"`

	// PollingInterval is accepted for compatibility; waits are
	// notification-driven and ignore it.
	PollingInterval any `yaml:"polling_interval" json:"polling_interval"`
}

// StepDoc describes one step.
//
// Besides the explicit capability/action form, the legacy signal actions are
// accepted: set_signal, wait_for_signal, assert_signal, assert_signal_in and
// assert_signal_range, each taking its operand in Value.
type StepDoc struct {
	Capability string         `yaml:"capability" json:"capability"`
	Action     string         `yaml:"action" json:"action"`
	Target     string         `yaml:"target" json:"target"`
	Value      any            `yaml:"value" json:"value"`
	Params     map[string]any `yaml:"params" json:"params"`
	Timeout    any            `yaml:"timeout" json:"timeout"`
	Retries    *int           `yaml:"retries" json:"retries"`
	Required   *bool          `yaml:"required" json:"required"`
	Channel    string         `yaml:"channel" json:"channel"`
}

// QuantityDoc maps a logical quantity onto channel targets.
type QuantityDoc struct {
	Kind    string            `yaml:"kind" json:"kind"`
	Sources map[string]string `yaml:"sources" json:"sources"`
}

// Merge folds other into d. A name defined in both is an error.
func (d *Document) Merge(other *Document) error {
	if d.Signals == nil {
		d.Signals = make(map[string]SignalDoc)
	}
	if d.Preconditions == nil {
		d.Preconditions = make(map[string]PreconditionDoc)
	}
	if d.Quantities == nil {
		d.Quantities = make(map[string]QuantityDoc)
	}
	for name, s := range other.Signals {
		if _, dup := d.Signals[name]; dup {
			return fmt.Errorf("signal %q defined twice", name)
		}
		d.Signals[name] = s
	}
	for name, p := range other.Preconditions {
		if _, dup := d.Preconditions[name]; dup {
			return fmt.Errorf("precondition %q defined twice", name)
		}
		d.Preconditions[name] = p
	}
	for name, q := range other.Quantities {
		if _, dup := d.Quantities[name]; dup {
			return fmt.Errorf("quantity %q defined twice", name)
		}
		d.Quantities[name] = q
	}
	return nil
}

// Build converts the document into an immutable Catalog.
func (d *Document) Build() (*Catalog, error) {
	var (
		signals    []ir.SignalDescriptor
		entries    []ir.PreconditionEntry
		quantities []ir.QuantityDescriptor
	)

	for _, name := range sortedKeys(d.Signals) {
		sig, err := d.Signals[name].descriptor(name)
		if err != nil {
			return nil, fmt.Errorf("signal %q: %w", name, err)
		}
		signals = append(signals, sig)
	}
	for _, name := range sortedKeys(d.Preconditions) {
		entry, err := d.Preconditions[name].entry(name)
		if err != nil {
			return nil, fmt.Errorf("precondition %q: %w", name, err)
		}
		entries = append(entries, entry)
	}
	for _, name := range sortedKeys(d.Quantities) {
		q := d.Quantities[name]
		desc := ir.QuantityDescriptor{Name: name, Kind: ir.QuantityKind(q.Kind)}
		if len(q.Sources) > 0 {
			desc.Sources = make(map[ir.CapabilityKind]string, len(q.Sources))
			for c, target := range q.Sources {
				desc.Sources[ir.CapabilityKind(c)] = target
			}
		}
		quantities = append(quantities, desc)
	}

	return New(signals, entries, quantities)
}

func (s SignalDoc) descriptor(name string) (ir.SignalDescriptor, error) {
	desc := ir.SignalDescriptor{
		Name:    name,
		Channel: s.Bus,
		Type:    ir.ValueType(s.Type),
		Enum:    s.Enum,
	}
	if desc.Channel == "" {
		desc.Channel = s.Channel
	}

	if s.Payload != nil {
		if desc.Type == "" {
			desc.Type = ir.ValueType(s.Payload.Type)
		}
		desc.Mapping = s.Payload.Mapping
		if desc.Type == ir.TypeEnum && len(desc.Enum) == 0 {
			desc.Enum = sortedKeys(s.Payload.Mapping)
		}
	}

	if s.Range != nil {
		desc.Range = &ir.Range{Min: s.Range.Min, Max: s.Range.Max}
	}

	if s.CanID != nil {
		id, err := parseFrameID(s.CanID)
		if err != nil {
			return ir.SignalDescriptor{}, err
		}
		desc.FrameID = id
	}
	return desc, nil
}

func (p PreconditionDoc) entry(name string) (ir.PreconditionEntry, error) {
	entry := ir.PreconditionEntry{
		Name:        name,
		Description: p.Description,
		Requires:    p.Requires,
	}

	params, err := ir.ObjectFromAny(p.Params)
	if err != nil {
		return ir.PreconditionEntry{}, fmt.Errorf("params: %w", err)
	}
	entry.Params = params

	if p.SLA != nil {
		if p.SLA.Timeout != nil {
			entry.Timeout, err = parseDuration(p.SLA.Timeout)
			if err != nil {
				return ir.PreconditionEntry{}, fmt.Errorf("sla.timeout: %w", err)
			}
		}
		if p.SLA.Retries != nil {
			entry.Retries = *p.SLA.Retries
		}
	}

	if entry.Steps, err = convertSteps(p.Steps, "steps"); err != nil {
		return ir.PreconditionEntry{}, err
	}
	if entry.Rollback, err = convertSteps(p.Rollback, "rollback"); err != nil {
		return ir.PreconditionEntry{}, err
	}
	return entry, nil
}

func convertSteps(docs []StepDoc, field string) ([]ir.Step, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	steps := make([]ir.Step, len(docs))
	for i, sd := range docs {
		step, err := sd.step()
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		steps[i] = step
	}
	return steps, nil
}

// legacyActions maps the signal-only action names onto capability/action
// pairs plus the parameter that receives the step's value.
var legacyActions = map[string]struct {
	action ir.ActionKind
	param  string
}{
	"set_signal":          {ir.ActionSet, "value"},
	"wait_for_signal":     {ir.ActionWait, "equals"},
	"assert_signal":       {ir.ActionWait, "equals"},
	"assert_signal_in":    {ir.ActionWait, "in"},
	"assert_signal_range": {ir.ActionWait, ""}, // value is a {min, max} mapping
}

func (sd StepDoc) step() (ir.Step, error) {
	params, err := ir.ObjectFromAny(sd.Params)
	if err != nil {
		return ir.Step{}, fmt.Errorf("params: %w", err)
	}
	if params == nil {
		params = ir.Object{}
	}

	step := ir.Step{
		Capability: ir.CapabilityKind(sd.Capability),
		Action:     ir.ActionKind(sd.Action),
		Target:     sd.Target,
		Channel:    sd.Channel,
		Required:   true,
	}

	if legacy, ok := legacyActions[sd.Action]; ok {
		if step.Capability == "" {
			step.Capability = ir.CapabilitySignal
		}
		step.Action = legacy.action
		if sd.Value != nil {
			v, err := ir.FromAny(sd.Value)
			if err != nil {
				return ir.Step{}, fmt.Errorf("value: %w", err)
			}
			switch {
			case legacy.param == "in":
				if _, isList := v.(ir.List); !isList {
					v = ir.List{v}
				}
				params["in"] = v
			case legacy.param == "":
				bounds, ok := v.(ir.Object)
				if !ok {
					return ir.Step{}, fmt.Errorf("%s requires a mapping with min and max", sd.Action)
				}
				params["min"], params["max"] = bounds["min"], bounds["max"]
				if params["min"] == nil || params["max"] == nil {
					return ir.Step{}, fmt.Errorf("%s requires a mapping with min and max", sd.Action)
				}
			default:
				params[legacy.param] = v
			}
		}
	} else if sd.Value != nil {
		v, err := ir.FromAny(sd.Value)
		if err != nil {
			return ir.Step{}, fmt.Errorf("value: %w", err)
		}
		params["value"] = v
	}

	if len(params) > 0 {
		step.Params = params
	}
	if sd.Timeout != nil {
		if step.Timeout, err = parseDuration(sd.Timeout); err != nil {
			return ir.Step{}, fmt.Errorf("timeout: %w", err)
		}
	}
	if sd.Retries != nil {
		step.Retries = *sd.Retries
	}
	if sd.Required != nil {
		step.Required = *sd.Required
	}
	return step, nil
}

// parseDuration accepts a number of seconds (the original catalogs use
// fractional seconds) or a Go duration string.
func parseDuration(v any) (time.Duration, error) {
	var secs float64
	switch val := v.(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d, nil
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", val)
		}
		secs = f
	case int:
		secs = float64(val)
	case int64:
		secs = float64(val)
	case uint64:
		secs = float64(val)
	case float64:
		secs = val
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", val)
		}
		secs = f
	default:
		return 0, fmt.Errorf("invalid duration type %T", v)
	}
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("invalid duration %v", secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// parseFrameID accepts an integer or a hexadecimal "0x..." string.
func parseFrameID(v any) (uint32, error) {
	var (
		n   uint64
		err error
	)
	switch val := v.(type) {
	case string:
		s := strings.ToLower(strings.TrimSpace(val))
		if strings.HasPrefix(s, "0x") {
			n, err = strconv.ParseUint(s[2:], 16, 32)
		} else {
			n, err = strconv.ParseUint(s, 10, 32)
		}
	case int:
		if val < 0 {
			return 0, fmt.Errorf("can_id must be non-negative, got %d", val)
		}
		n = uint64(val)
	case int64:
		if val < 0 {
			return 0, fmt.Errorf("can_id must be non-negative, got %d", val)
		}
		n = uint64(val)
	case uint64:
		n = val
	case json.Number:
		n, err = strconv.ParseUint(val.String(), 10, 32)
	default:
		return 0, fmt.Errorf("can_id: unsupported type %T", v)
	}
	if err != nil {
		return 0, fmt.Errorf("can_id %v: %w", v, err)
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("can_id %v out of range", v)
	}
	return uint32(n), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
