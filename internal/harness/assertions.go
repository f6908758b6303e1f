package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/vorch/internal/driver/sim"
	"github.com/roach88/vorch/internal/evidence"
	"github.com/roach88/vorch/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Context  []string // Relevant trace lines for debugging
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Context) > 0 {
		fmt.Fprintf(&buf, "\nTrace:\n")
		for i, line := range e.Context {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, line)
		}
	}
	return buf.String()
}

func eventMatches(e evidence.Event, a Assertion) bool {
	if string(e.Kind) != a.Kind {
		return false
	}
	if a.Target != "" && e.Target != a.Target {
		return false
	}
	if a.To != "" && e.To != a.To {
		return false
	}
	return true
}

func describeEvents(events []evidence.Event, kind string) []string {
	var lines []string
	for _, e := range events {
		if kind != "" && string(e.Kind) != kind {
			continue
		}
		lines = append(lines, fmt.Sprintf("#%d %s %s %s->%s", e.Seq, e.Kind, e.Target, e.From, e.To))
	}
	return lines
}

// assertTraceContains checks that at least one evidence event matches the
// assertion's kind, target and destination state.
func assertTraceContains(events []evidence.Event, a Assertion) error {
	for _, e := range events {
		if eventMatches(e, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s event target=%q to=%q", a.Kind, a.Target, a.To),
		Actual:   "not found in trace",
		Context:  describeEvents(events, a.Kind),
	}
}

// assertTraceOrder checks that the listed driver calls appear in order on
// one capability. Calls need not be consecutive.
func assertTraceOrder(calls []sim.Call, a Assertion) error {
	var seen []string
	for _, c := range calls {
		seen = append(seen, c.Method+" "+c.Target)
	}

	next := 0
	for _, s := range seen {
		if next < len(a.Calls) && s == a.Calls[next] {
			next++
		}
	}
	if next == len(a.Calls) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("%s calls in order: %v", a.Capability, a.Calls),
		Actual:   fmt.Sprintf("%q not found after %v", a.Calls[next], a.Calls[:next]),
		Context:  seen,
	}
}

// assertTraceCount checks that exactly Count events match.
func assertTraceCount(events []evidence.Event, a Assertion) error {
	count := 0
	for _, e := range events {
		if eventMatches(e, a) {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d %s events target=%q to=%q", a.Count, a.Kind, a.Target, a.To),
		Actual:   fmt.Sprintf("%d occurrences", count),
		Context:  describeEvents(events, a.Kind),
	}
}

// assertFinalState checks a driver's reading of one target after the flow.
func assertFinalState(drivers map[ir.CapabilityKind]*sim.Driver, a Assertion) error {
	d, ok := drivers[a.Capability]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("a %s driver", a.Capability),
			Actual:   "no such driver in this scenario",
		}
	}
	want, err := ir.FromAny(a.Value)
	if err != nil {
		return fmt.Errorf("final_state value: %w", err)
	}
	r, ok := d.Reading(a.Target)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s = %s", a.Capability, a.Target, ir.Text(want)),
			Actual:   "no reading",
		}
	}
	if !valuesMatch(want, r.Value) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s = %s", a.Capability, a.Target, ir.Text(want)),
			Actual:   fmt.Sprintf("%s %s = %s", a.Capability, a.Target, ir.Text(r.Value)),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The drivers give final_state assertions access to the channel state.
func EvaluateAssertions(result *Result, assertions []Assertion, drivers map[ir.CapabilityKind]*sim.Driver) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Events, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Calls[assertion.Capability], assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Events, assertion)
		case AssertFinalState:
			err = assertFinalState(drivers, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
