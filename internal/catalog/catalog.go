// Package catalog holds the immutable signal dictionary, precondition
// catalog and quantity map the orchestration core reads.
//
// A Catalog is built once (from YAML or CUE files, or directly with New) and
// never changes afterwards. Every accessor returns a deep copy, so no caller
// can mutate shared catalog state and the catalog is safe to share across
// goroutines without locking.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/roach88/vorch/internal/ir"
)

// Catalog is the loaded-once, read-only store.
type Catalog struct {
	signals       map[string]ir.SignalDescriptor
	preconditions map[string]ir.PreconditionEntry
	quantities    map[string]ir.QuantityDescriptor
}

// New validates the definitions and builds a Catalog.
// All structural errors are reported together.
func New(signals []ir.SignalDescriptor, entries []ir.PreconditionEntry, quantities []ir.QuantityDescriptor) (*Catalog, error) {
	c := &Catalog{
		signals:       make(map[string]ir.SignalDescriptor, len(signals)),
		preconditions: make(map[string]ir.PreconditionEntry, len(entries)),
		quantities:    make(map[string]ir.QuantityDescriptor, len(quantities)),
	}

	var errs []ValidationError
	for _, s := range signals {
		if _, dup := c.signals[s.Name]; dup {
			errs = append(errs, ValidationError{Field: "signals." + s.Name, Code: ErrDuplicateName, Message: "signal defined twice"})
			continue
		}
		errs = append(errs, validateSignal(s)...)
		c.signals[s.Name] = s.Clone()
	}
	for _, e := range entries {
		if _, dup := c.preconditions[e.Name]; dup {
			errs = append(errs, ValidationError{Field: "preconditions." + e.Name, Code: ErrDuplicateName, Message: "precondition defined twice"})
			continue
		}
		errs = append(errs, validateEntry(e)...)
		c.preconditions[e.Name] = e.Clone()
	}
	for _, q := range quantities {
		if _, dup := c.quantities[q.Name]; dup {
			errs = append(errs, ValidationError{Field: "quantities." + q.Name, Code: ErrDuplicateName, Message: "quantity defined twice"})
			continue
		}
		errs = append(errs, validateQuantity(q)...)
		c.quantities[q.Name] = q.Clone()
	}

	if len(errs) > 0 {
		return nil, &InvalidError{Errors: errs}
	}
	return c, nil
}

// Signal returns the descriptor for name.
func (c *Catalog) Signal(name string) (ir.SignalDescriptor, bool) {
	s, ok := c.signals[name]
	if !ok {
		return ir.SignalDescriptor{}, false
	}
	return s.Clone(), true
}

// Precondition returns the entry for name.
func (c *Catalog) Precondition(name string) (ir.PreconditionEntry, bool) {
	e, ok := c.preconditions[name]
	if !ok {
		return ir.PreconditionEntry{}, false
	}
	return e.Clone(), true
}

// Quantity returns the descriptor for name.
func (c *Catalog) Quantity(name string) (ir.QuantityDescriptor, bool) {
	q, ok := c.quantities[name]
	if !ok {
		return ir.QuantityDescriptor{}, false
	}
	return q.Clone(), true
}

// Signals returns all signal names, sorted.
func (c *Catalog) Signals() []string {
	return sortedKeys(c.signals)
}

// Preconditions returns all precondition names, sorted.
func (c *Catalog) Preconditions() []string {
	return sortedKeys(c.preconditions)
}

// Quantities returns all quantity names, sorted.
func (c *Catalog) Quantities() []string {
	return sortedKeys(c.quantities)
}

// Empty returns a catalog with no definitions.
func Empty() *Catalog {
	c, _ := New(nil, nil, nil)
	return c
}

// Validation error codes (E200-E299).
const (
	ErrDuplicateName      = "E200" // name defined twice
	ErrSignalNoChannel    = "E201" // signal has no bus/channel
	ErrSignalBadType      = "E202" // unknown value type
	ErrSignalNoEnum       = "E203" // enum signal without values
	ErrSignalBadRange     = "E204" // min > max
	ErrMappingNotInEnum   = "E205" // payload mapping key outside enum
	ErrStepInvalid        = "E210" // step fails the capability/action table
	ErrEntryNoSteps       = "E211" // precondition with neither steps nor prerequisites
	ErrEntryBadDefaults   = "E212" // negative sla timeout/retries
	ErrQuantityBadKind    = "E220" // kind not numeric/categorical
	ErrQuantityBadSource  = "E221" // source capability cannot be queried for state
	ErrUnknownRequirement = "E230" // lint: requires names an undefined precondition
	ErrUnknownSignal      = "E231" // lint: signal step targets an undefined signal
	ErrCyclicRequirement  = "E232" // lint: prerequisite cycle
)

// ValidationError is one problem found in a catalog.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// InvalidError aggregates the structural errors that prevented a catalog
// from being built.
type InvalidError struct {
	Errors []ValidationError
}

func (e *InvalidError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid catalog: " + e.Errors[0].Error()
	}
	return fmt.Sprintf("invalid catalog: %d errors, first: %s", len(e.Errors), e.Errors[0].Error())
}

// ValidationErrors extracts the individual errors from err, if any.
func ValidationErrors(err error) []ValidationError {
	var ie *InvalidError
	if errors.As(err, &ie) {
		return ie.Errors
	}
	return nil
}

func validateSignal(s ir.SignalDescriptor) []ValidationError {
	var errs []ValidationError
	field := "signals." + s.Name

	if s.Channel == "" {
		errs = append(errs, ValidationError{Field: field + ".bus", Code: ErrSignalNoChannel, Message: "bus/channel is required"})
	}
	if !ir.ValidValueTypes[s.Type] {
		errs = append(errs, ValidationError{Field: field + ".type", Code: ErrSignalBadType, Message: fmt.Sprintf("unsupported type %q", s.Type)})
	}
	if s.Type == ir.TypeEnum && len(s.Enum) == 0 {
		errs = append(errs, ValidationError{Field: field + ".enum", Code: ErrSignalNoEnum, Message: "enum signal needs values or a payload mapping"})
	}
	if s.Range != nil && s.Range.Min > s.Range.Max {
		errs = append(errs, ValidationError{Field: field + ".range", Code: ErrSignalBadRange, Message: fmt.Sprintf("min %v > max %v", s.Range.Min, s.Range.Max)})
	}
	for _, label := range sortedKeys(s.Mapping) {
		if len(s.Enum) > 0 && !slices.Contains(s.Enum, label) {
			errs = append(errs, ValidationError{Field: field + ".payload.mapping." + label, Code: ErrMappingNotInEnum, Message: "mapping key is not an enum value"})
		}
	}
	return errs
}

func validateEntry(e ir.PreconditionEntry) []ValidationError {
	var errs []ValidationError
	field := "preconditions." + e.Name

	if len(e.Steps) == 0 && len(e.Requires) == 0 {
		errs = append(errs, ValidationError{Field: field + ".steps", Code: ErrEntryNoSteps, Message: "needs steps or prerequisites"})
	}
	if e.Timeout < 0 || e.Retries < 0 {
		errs = append(errs, ValidationError{Field: field + ".sla", Code: ErrEntryBadDefaults, Message: "timeout and retries must be non-negative"})
	}
	for i, s := range e.Steps {
		if err := s.Validate(); err != nil {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("%s.steps[%d]", field, i), Code: ErrStepInvalid, Message: err.Error()})
		}
	}
	for i, s := range e.Rollback {
		if err := s.Validate(); err != nil {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("%s.rollback[%d]", field, i), Code: ErrStepInvalid, Message: err.Error()})
		}
	}
	return errs
}

func validateQuantity(q ir.QuantityDescriptor) []ValidationError {
	var errs []ValidationError
	field := "quantities." + q.Name

	if q.Kind != ir.QuantityNumeric && q.Kind != ir.QuantityCategorical {
		errs = append(errs, ValidationError{Field: field + ".kind", Code: ErrQuantityBadKind, Message: fmt.Sprintf("kind must be numeric or categorical, got %q", q.Kind)})
	}
	capabilities := make([]string, 0, len(q.Sources))
	for c := range q.Sources {
		capabilities = append(capabilities, string(c))
	}
	sort.Strings(capabilities)
	for _, c := range capabilities {
		if !slices.Contains(ObservedCapabilities, ir.CapabilityKind(c)) {
			errs = append(errs, ValidationError{Field: field + ".sources." + c, Code: ErrQuantityBadSource, Message: "only backend, service and signal are sampled"})
		}
	}
	return errs
}

// ObservedCapabilities are the channels a consistency check samples.
var ObservedCapabilities = []ir.CapabilityKind{
	ir.CapabilityBackend,
	ir.CapabilityService,
	ir.CapabilitySignal,
}
