package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/vorch/internal/ir"
)

// Snapshot renders a scenario result as canonical JSON for golden
// comparison. Only the flow trace is included; evidence events carry
// wall-clock times and lane interleavings that vary between runs.
func Snapshot(name string, result *Result) ([]byte, error) {
	trace := make(ir.List, len(result.Trace))
	for i, ev := range result.Trace {
		trace[i] = traceValue(ev)
	}
	return ir.MarshalCanonical(ir.Object{
		"scenario_name": ir.String(name),
		"trace":         trace,
	})
}

func traceValue(ev TraceEvent) ir.Object {
	obj := ir.Object{
		"type":    ir.String(ev.Type),
		"subject": ir.String(ev.Subject),
		"outcome": ir.String(ev.Outcome),
	}
	if ev.PlanHash != "" {
		obj["plan_hash"] = ir.String(ev.PlanHash)
	}
	if len(ev.Outcomes) > 0 {
		outcomes := make(ir.List, len(ev.Outcomes))
		for i, o := range ev.Outcomes {
			oo := ir.Object{
				"index": ir.Int(o.Index),
				"step":  ir.String(o.Step),
				"lane":  ir.String(o.Lane),
				"state": ir.String(o.State),
			}
			if o.Attempts > 0 {
				oo["attempts"] = ir.Int(o.Attempts)
			}
			if o.Value != "" {
				oo["value"] = ir.String(o.Value)
			}
			if o.Code != "" {
				oo["code"] = ir.String(o.Code)
			}
			outcomes[i] = oo
		}
		obj["outcomes"] = outcomes
	}
	if ev.Verdict != "" {
		obj["verdict"] = ir.String(ev.Verdict)
	}
	if len(ev.Samples) > 0 {
		samples := make(ir.List, len(ev.Samples))
		for i, s := range ev.Samples {
			samples[i] = ir.Object{
				"capability": ir.String(s.Capability),
				"target":     ir.String(s.Target),
				"value":      ir.String(s.Value),
				"age_ms":     ir.Int(s.AgeMillis),
			}
		}
		obj["samples"] = samples
	}
	if len(ev.Absent) > 0 {
		absent := make(ir.List, len(ev.Absent))
		for i, a := range ev.Absent {
			absent[i] = ir.String(a)
		}
		obj["absent"] = absent
	}
	return obj
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
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
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
