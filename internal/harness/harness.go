package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/vorch/internal/broker"
	"github.com/roach88/vorch/internal/catalog"
	"github.com/roach88/vorch/internal/checker"
	"github.com/roach88/vorch/internal/driver"
	"github.com/roach88/vorch/internal/driver/sim"
	"github.com/roach88/vorch/internal/evidence"
	"github.com/roach88/vorch/internal/fault"
	"github.com/roach88/vorch/internal/ir"
	"github.com/roach88/vorch/internal/resolver"
	"github.com/roach88/vorch/internal/testutil"
)

// Harness runs one scenario against simulated drivers.
type Harness struct {
	scenario *Scenario
	catalog  *catalog.Catalog
	clock    *testutil.FixedClock
	drivers  map[ir.CapabilityKind]*sim.Driver
	broker   *broker.Broker
	resolver *resolver.Resolver
	checker  *checker.Checker
	events   *evidence.Memory
	logger   *slog.Logger
}

// Option configures a scenario run.
type Option func(*runConfig)

type runConfig struct {
	logger   *slog.Logger
	recorder evidence.Recorder
}

// WithLogger sets the logger. By default scenario runs are silent.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// WithRecorder receives every evidence event of the run in addition to the
// harness's own in-memory trace.
func WithRecorder(r evidence.Recorder) Option {
	return func(c *runConfig) { c.recorder = r }
}

// Run executes a scenario and returns the result.
//
// Each run gets fresh simulated drivers, a fixed clock starting at
// testutil.Epoch and sequential correlation ids, so traces are reproducible.
// An error is returned only when the scenario cannot be executed at all;
// expectation and assertion failures are reported in the Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	cat, err := catalog.Load(scenario.Catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	h := &Harness{
		scenario: scenario,
		catalog:  cat,
		clock:    testutil.NewFixedClock(time.Time{}),
		drivers:  make(map[ir.CapabilityKind]*sim.Driver),
		events:   evidence.NewMemory(),
		logger:   cfg.logger,
	}
	defer h.close()

	if err := h.start(cfg.recorder); err != nil {
		return nil, err
	}
	if err := h.setup(); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Flow {
		h.executeFlowStep(ctx, i, step, result)
	}

	result.Events = h.events.Events()
	for kind, d := range h.drivers {
		result.Calls[kind] = d.Calls()
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h.drivers) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) start(extra evidence.Recorder) error {
	kinds := h.scenario.Setup.Drivers
	if len(kinds) == 0 {
		kinds = []ir.CapabilityKind{ir.CapabilitySignal, ir.CapabilityDiagnostic, ir.CapabilityBackend, ir.CapabilityService}
	}
	var drivers []driver.Driver
	for _, k := range kinds {
		d := sim.New(k, sim.WithClock(h.clock.Now), sim.WithLogger(h.logger))
		h.drivers[k] = d
		drivers = append(drivers, d)
	}

	var sink evidence.Recorder = h.events
	if extra != nil {
		sink = evidence.Fanout{h.events, extra}
	}
	b, err := broker.New(drivers,
		broker.WithCatalog(h.catalog),
		broker.WithRecorder(sink),
		broker.WithLogger(h.logger),
		broker.WithIDGenerator(testutil.NewSequentialIDs("cmd")),
		broker.WithClock(h.clock.Now),
		broker.WithRetryDelay(time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	h.broker = b
	h.resolver = resolver.New(h.catalog, resolver.WithLogger(h.logger))

	policies := make(map[string]checker.Policy, len(h.scenario.Policies))
	for name, spec := range h.scenario.Policies {
		p, err := spec.policy()
		if err != nil {
			return fmt.Errorf("policies[%s]: %w", name, err)
		}
		policies[name] = p
	}
	h.checker, err = checker.New(b,
		checker.WithCatalog(h.catalog),
		checker.WithPolicies(policies),
		checker.WithRecorder(b.Recorder()),
		checker.WithClock(h.clock.Now),
		checker.WithLogger(h.logger),
	)
	if err != nil {
		return fmt.Errorf("failed to start checker: %w", err)
	}
	return nil
}

func (h *Harness) close() {
	if h.broker != nil {
		h.broker.Close()
	}
	for _, d := range h.drivers {
		d.Close()
	}
}

func (h *Harness) driver(kind ir.CapabilityKind) (*sim.Driver, error) {
	d, ok := h.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("no %s driver in this scenario", kind)
	}
	return d, nil
}

// setup applies seeds, scripts, links and outages in that order.
func (h *Harness) setup() error {
	s := h.scenario.Setup
	start := h.clock.Now()

	for i, seed := range s.Seed {
		d, err := h.driver(seed.Capability)
		if err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		v, err := ir.FromAny(seed.Value)
		if err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		age, _ := optionalDuration(seed.Age)
		d.Seed(seed.Target, v, start.Add(-age))
	}
	for i, sc := range s.Script {
		d, err := h.driver(sc.Capability)
		if err != nil {
			return fmt.Errorf("script[%d]: %w", i, err)
		}
		behaviors := make([]sim.Behavior, 0, len(sc.Behaviors))
		for _, spec := range sc.Behaviors {
			b, err := spec.behavior()
			if err != nil {
				return fmt.Errorf("script[%d]: %w", i, err)
			}
			behaviors = append(behaviors, b)
		}
		d.Script(sc.Target, behaviors...)
	}
	for i, ref := range s.Hide {
		d, err := h.driver(ref.Capability)
		if err != nil {
			return fmt.Errorf("hide[%d]: %w", i, err)
		}
		d.Hide(ref.Target)
	}
	for i, l := range s.Link {
		from, err := h.driver(l.Capability)
		if err != nil {
			return fmt.Errorf("link[%d]: %w", i, err)
		}
		to, err := h.driver(l.To)
		if err != nil {
			return fmt.Errorf("link[%d]: %w", i, err)
		}
		target := l.ToTarget
		if target == "" {
			target = l.Target
		}
		from.Link(l.Target, to, target)
	}
	for i, kind := range s.Unavailable {
		d, err := h.driver(kind)
		if err != nil {
			return fmt.Errorf("unavailable[%d]: %w", i, err)
		}
		d.SetUnavailable(true)
	}
	return nil
}

// executeFlowStep runs one flow entry, records its trace and checks its
// expect clause. A failing entry does not stop the flow.
func (h *Harness) executeFlowStep(ctx context.Context, i int, step FlowStep, result *Result) {
	var (
		ev   TraceEvent
		last *broker.Outcome
		val  ir.Value
		err  error
	)

	switch {
	case step.Resolve != "":
		ev, last, err = h.executePlan(ctx, step)
	case step.Step != nil:
		ev, last, err = h.executeStep(ctx, *step.Step)
	case step.Check != "":
		ev, val, err = h.executeCheck(ctx, step)
	case step.Advance != "":
		d, _ := time.ParseDuration(step.Advance)
		h.clock.Advance(d)
		ev = TraceEvent{Type: "advance", Subject: step.Advance}
	}

	ev.Outcome = OutcomeOK
	if err != nil {
		ev.Outcome = string(fault.CodeOf(err))
		if ev.Outcome == "" {
			ev.Outcome = "ERROR"
		}
		ev.Error = err.Error()
	}
	result.AddTrace(ev)

	if last != nil {
		val = last.Value
	}
	for _, msg := range checkExpect(step.Expect, ev, last, val) {
		result.AddError(fmt.Sprintf("flow[%d] %s %s: %s", i, ev.Type, ev.Subject, msg))
	}

	h.logger.Info("flow step completed",
		"step", i,
		"type", ev.Type,
		"subject", ev.Subject,
		"outcome", ev.Outcome,
	)
}

func (h *Harness) executePlan(ctx context.Context, step FlowStep) (TraceEvent, *broker.Outcome, error) {
	ev := TraceEvent{Type: "resolve", Subject: step.Resolve}
	overrides, err := ir.ObjectFromAny(step.Set)
	if err != nil {
		return ev, nil, fmt.Errorf("set: %w", err)
	}

	var plan ir.Plan
	if step.Rollback {
		ev.Type = "rollback"
		plan, err = h.resolver.ResolveRollback(step.Resolve, overrides)
	} else {
		plan, err = h.resolver.Resolve(step.Resolve, overrides)
	}
	if err != nil {
		return ev, nil, err
	}
	ev.PlanHash = plan.Hash

	outcomes, err := h.broker.ExecutePlan(ctx, plan.StepList())
	for _, o := range outcomes {
		ev.Outcomes = append(ev.Outcomes, traceOutcome(o))
	}
	var last *broker.Outcome
	if len(outcomes) > 0 {
		last = &outcomes[len(outcomes)-1]
	}
	return ev, last, err
}

func (h *Harness) executeStep(ctx context.Context, spec StepSpec) (TraceEvent, *broker.Outcome, error) {
	step, err := spec.step()
	if err != nil {
		return TraceEvent{Type: "step", Subject: spec.Target}, nil, err
	}
	ev := TraceEvent{Type: "step", Subject: step.String()}
	out, err := h.broker.Execute(ctx, step)
	ev.Outcomes = []StepOutcome{traceOutcome(out)}
	return ev, &out, err
}

func (h *Harness) executeCheck(ctx context.Context, step FlowStep) (TraceEvent, ir.Value, error) {
	ev := TraceEvent{Type: "check", Subject: step.Check}

	var (
		res checker.Result
		err error
	)
	if step.Policy != nil {
		p, perr := step.Policy.policy()
		if perr != nil {
			return ev, nil, perr
		}
		res, err = h.checker.Check(ctx, step.Check, p)
	} else {
		res, err = h.checker.CheckConfigured(ctx, step.Check)
	}

	ev.Verdict = res.Verdict
	for _, s := range res.Samples {
		ev.Samples = append(ev.Samples, SampleTrace{
			Capability: string(s.Capability),
			Target:     s.Target,
			Value:      ir.Text(s.Value),
			AgeMillis:  s.Age.Milliseconds(),
		})
	}
	for _, k := range res.Absent {
		ev.Absent = append(ev.Absent, string(k))
	}

	var val ir.Value
	if len(res.Samples) > 0 {
		val = res.Samples[0].Value
	}
	return ev, val, err
}

func traceOutcome(o broker.Outcome) StepOutcome {
	so := StepOutcome{
		Index:    o.Index,
		Step:     o.Step.String(),
		Lane:     o.Lane,
		State:    string(o.State),
		Attempts: o.Attempts,
	}
	if o.Value != nil {
		so.Value = ir.Text(o.Value)
	}
	if o.Err != nil {
		so.Code = string(fault.CodeOf(o.Err))
	}
	return so
}

// checkExpect compares a flow entry against its expect clause. Without a
// clause the entry must succeed.
func checkExpect(exp *ExpectClause, ev TraceEvent, last *broker.Outcome, val ir.Value) []string {
	if exp == nil {
		if ev.Outcome != OutcomeOK {
			return []string{fmt.Sprintf("expected ok, got %s: %s", ev.Outcome, ev.Error)}
		}
		return nil
	}

	var errs []string
	if exp.Outcome != ev.Outcome {
		errs = append(errs, fmt.Sprintf("expected outcome %s, got %s", exp.Outcome, ev.Outcome))
	}
	if exp.State != "" {
		got := ""
		if last != nil {
			got = string(last.State)
		}
		if got != exp.State {
			errs = append(errs, fmt.Sprintf("expected state %s, got %s", exp.State, got))
		}
	}
	if exp.Attempts != 0 {
		got := 0
		if last != nil {
			got = last.Attempts
		}
		if got != exp.Attempts {
			errs = append(errs, fmt.Sprintf("expected %d attempts, got %d", exp.Attempts, got))
		}
	}
	if exp.Value != nil {
		want, err := ir.FromAny(exp.Value)
		if err != nil {
			errs = append(errs, fmt.Sprintf("expected value: %v", err))
		} else if !valuesMatch(want, val) {
			errs = append(errs, fmt.Sprintf("expected value %s, got %s", ir.Text(want), ir.Text(val)))
		}
	}
	return errs
}

// valuesMatch compares an expected YAML value against an observed one.
// Numbers compare numerically so that 80 matches 80.0.
func valuesMatch(want, got ir.Value) bool {
	if got == nil {
		return false
	}
	if ir.Equal(want, got) {
		return true
	}
	switch w := want.(type) {
	case ir.Int:
		g, ok := got.(ir.Float)
		return ok && float64(w) == float64(g)
	case ir.Float:
		g, ok := got.(ir.Int)
		return ok && float64(w) == float64(g)
	}
	return false
}

func (p PolicySpec) policy() (checker.Policy, error) {
	staleness, err := time.ParseDuration(p.MaxStaleness)
	if err != nil {
		return checker.Policy{}, fmt.Errorf("max_staleness: %w", err)
	}
	var pol checker.Policy
	switch {
	case p.Categorical && p.Tolerance != nil:
		return checker.Policy{}, fmt.Errorf("categorical policies take no tolerance")
	case p.Categorical:
		pol = checker.Categorical(staleness)
	case p.Tolerance != nil && *p.Tolerance < 0:
		return checker.Policy{}, fmt.Errorf("tolerance must not be negative")
	case p.Tolerance != nil:
		pol = checker.Numeric(*p.Tolerance, staleness)
	default:
		return checker.Policy{}, fmt.Errorf("either tolerance or categorical is required")
	}
	if err := pol.Validate(); err != nil {
		return checker.Policy{}, err
	}
	return pol, nil
}
