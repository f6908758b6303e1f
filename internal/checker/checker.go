// Package checker verifies that the backend, the service middleware and the
// vehicle bus agree on the state of a logical quantity.
//
// A check samples every capability that exposes the quantity concurrently,
// through the broker, as query steps. The samples are then judged in a fixed
// order: no sample at all, any sample too old, any pair of samples that
// disagree. A failed check is final; nothing is retried.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/roach88/vorch/internal/broker"
	"github.com/roach88/vorch/internal/catalog"
	"github.com/roach88/vorch/internal/driver"
	"github.com/roach88/vorch/internal/evidence"
	"github.com/roach88/vorch/internal/fault"
	"github.com/roach88/vorch/internal/ir"
)

// VerdictConsistent is recorded as the outcome of a passing check.
const VerdictConsistent = "CONSISTENT"

// DefaultQueryTimeout bounds each channel query.
const DefaultQueryTimeout = 2 * time.Second

// Sources are the capabilities a quantity is sampled from, in report order.
var Sources = []ir.CapabilityKind{ir.CapabilityBackend, ir.CapabilityService, ir.CapabilitySignal}

// Executor runs query steps. *broker.Broker implements it.
type Executor interface {
	Execute(ctx context.Context, step ir.Step) (broker.Outcome, error)
	HasCapability(kind ir.CapabilityKind) bool
}

// Policy bounds how far samples may diverge.
type Policy struct {
	// Tolerance is the largest accepted absolute difference between two
	// numeric samples. Negative means categorical comparison.
	Tolerance float64

	// MaxStaleness is the largest accepted sample age. Must be positive.
	MaxStaleness time.Duration
}

// Numeric returns a policy comparing samples as numbers within tolerance.
func Numeric(tolerance float64, maxStaleness time.Duration) Policy {
	return Policy{Tolerance: tolerance, MaxStaleness: maxStaleness}
}

// Categorical returns a policy comparing samples for case-insensitive equality.
func Categorical(maxStaleness time.Duration) Policy {
	return Policy{Tolerance: -1, MaxStaleness: maxStaleness}
}

// IsCategorical reports whether samples are compared as labels.
func (p Policy) IsCategorical() bool {
	return p.Tolerance < 0
}

// Validate reports a policy that cannot be applied.
func (p Policy) Validate() error {
	if math.IsNaN(p.Tolerance) || math.IsInf(p.Tolerance, 0) {
		return fmt.Errorf("tolerance must be finite")
	}
	if p.MaxStaleness <= 0 {
		return fmt.Errorf("max staleness must be positive, got %s", p.MaxStaleness)
	}
	return nil
}

func (p Policy) String() string {
	if p.IsCategorical() {
		return fmt.Sprintf("categorical staleness<=%s", p.MaxStaleness)
	}
	return fmt.Sprintf("tolerance=%g staleness<=%s", p.Tolerance, p.MaxStaleness)
}

// Sample is one channel's view of a quantity.
type Sample struct {
	Capability ir.CapabilityKind
	Lane       string
	Target     string
	Value      ir.Value
	ObservedAt time.Time
	Age        time.Duration
}

// Result is the outcome of a check. Samples holds every present channel in
// Sources order; Absent lists the channels that do not expose the quantity.
type Result struct {
	Quantity string
	Policy   Policy
	Samples  []Sample
	Absent   []ir.CapabilityKind
	At       time.Time

	// Verdict is VerdictConsistent or the failing fault code.
	Verdict string
	Err     error
}

// OK reports whether the check passed.
func (r Result) OK() bool {
	return r.Err == nil
}

// Option configures a Checker.
type Option func(*Checker)

// WithCatalog supplies quantity descriptors that map a quantity onto
// per-capability targets.
func WithCatalog(c *catalog.Catalog) Option {
	return func(ch *Checker) { ch.catalog = c }
}

// WithPolicies supplies the per-quantity policies used by CheckConfigured.
func WithPolicies(p map[string]Policy) Option {
	return func(ch *Checker) {
		ch.policies = make(map[string]Policy, len(p))
		for k, v := range p {
			ch.policies[k] = v
		}
	}
}

// WithRecorder sets the evidence sink.
func WithRecorder(r evidence.Recorder) Option {
	return func(ch *Checker) { ch.recorder = r }
}

// WithClock sets the time source used to age samples.
func WithClock(now func() time.Time) Option {
	return func(ch *Checker) { ch.now = now }
}

// WithQueryTimeout bounds each channel query.
func WithQueryTimeout(d time.Duration) Option {
	return func(ch *Checker) { ch.queryTimeout = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ch *Checker) { ch.logger = l }
}

// Checker runs consistency checks.
//
// Thread-safety: a Checker is safe for concurrent use if its Executor is.
type Checker struct {
	exec         Executor
	catalog      *catalog.Catalog
	policies     map[string]Policy
	recorder     evidence.Recorder
	now          func() time.Time
	queryTimeout time.Duration
	logger       *slog.Logger
	fold         cases.Caser
	foldMu       sync.Mutex
}

// New creates a checker that samples through exec.
func New(exec Executor, opts ...Option) (*Checker, error) {
	if exec == nil {
		return nil, errors.New("checker: executor is required")
	}
	c := &Checker{
		exec:         exec,
		catalog:      catalog.Empty(),
		recorder:     evidence.Discard,
		now:          time.Now,
		queryTimeout: DefaultQueryTimeout,
		logger:       slog.Default(),
		fold:         cases.Fold(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.catalog == nil {
		c.catalog = catalog.Empty()
	}
	if c.queryTimeout <= 0 {
		return nil, fmt.Errorf("checker: query timeout must be positive, got %s", c.queryTimeout)
	}
	for name, p := range c.policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("checker: policy for %s: %w", name, err)
		}
	}
	return c, nil
}

// Policy returns the configured policy of a quantity.
func (c *Checker) Policy(quantity string) (Policy, bool) {
	p, ok := c.policies[quantity]
	return p, ok
}

// CheckConfigured checks quantity under its configured policy. A quantity
// without a policy is an error: tolerances are never guessed.
func (c *Checker) CheckConfigured(ctx context.Context, quantity string) (Result, error) {
	p, ok := c.policies[quantity]
	if !ok {
		return Result{}, fmt.Errorf("no consistency policy configured for %s", quantity)
	}
	return c.Check(ctx, quantity, p)
}

// Check samples quantity on every exposing channel and judges the samples
// under p. A consistency failure is returned both as the error and in
// Result.Err; a query failure other than "not exposed" is returned as the
// error with a partial Result.
func (c *Checker) Check(ctx context.Context, quantity string, p Policy) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, fmt.Errorf("check %s: %w", quantity, err)
	}
	desc, ok := c.catalog.Quantity(quantity)
	if !ok {
		desc = ir.QuantityDescriptor{Name: quantity}
	}

	res := Result{Quantity: quantity, Policy: p}
	samples, absent, err := c.sample(ctx, desc)
	res.At = c.now()
	res.Absent = absent
	if err != nil {
		res.Samples = samples
		res.Verdict = string(fault.CodeOf(err))
		res.Err = err
		c.record(res)
		return res, err
	}

	for i := range samples {
		s := &samples[i]
		if s.ObservedAt.IsZero() {
			s.ObservedAt = res.At
		}
		s.Age = res.At.Sub(s.ObservedAt)
		if s.Age < 0 {
			s.Age = 0
		}
	}
	res.Samples = samples
	res.Err = c.judge(desc, p, samples, absent)
	if res.Err != nil {
		res.Verdict = string(fault.CodeOf(res.Err))
	} else {
		res.Verdict = VerdictConsistent
	}
	c.record(res)
	return res, res.Err
}

type probe struct {
	sample  Sample
	present bool
	err     error
}

func (c *Checker) sample(ctx context.Context, desc ir.QuantityDescriptor) ([]Sample, []ir.CapabilityKind, error) {
	probes := make([]probe, len(Sources))
	var wg sync.WaitGroup
	for i, kind := range Sources {
		if !c.exec.HasCapability(kind) {
			continue
		}
		wg.Add(1)
		go func(i int, kind ir.CapabilityKind) {
			defer wg.Done()
			probes[i] = c.query(ctx, kind, desc.Target(kind))
		}(i, kind)
	}
	wg.Wait()

	var (
		samples []Sample
		absent  []ir.CapabilityKind
		errs    []error
	)
	for i, pr := range probes {
		switch {
		case pr.err != nil:
			errs = append(errs, pr.err)
		case pr.present:
			samples = append(samples, pr.sample)
		default:
			absent = append(absent, Sources[i])
		}
	}
	if len(errs) > 0 {
		return samples, absent, errs[0]
	}
	return samples, absent, nil
}

func (c *Checker) query(ctx context.Context, kind ir.CapabilityKind, target string) probe {
	step := ir.Step{
		Capability: kind,
		Action:     ir.ActionQuery,
		Target:     target,
		Timeout:    c.queryTimeout,
		Required:   true,
	}
	out, err := c.exec.Execute(ctx, step)
	if err != nil {
		if errors.Is(err, driver.ErrNotExposed) {
			c.logger.Debug("quantity not exposed", "capability", kind, "target", target)
			return probe{}
		}
		return probe{err: err}
	}
	return probe{
		present: true,
		sample: Sample{
			Capability: kind,
			Lane:       out.Lane,
			Target:     target,
			Value:      out.Value,
			ObservedAt: out.ObservedAt,
		},
	}
}

func (c *Checker) judge(desc ir.QuantityDescriptor, p Policy, samples []Sample, absent []ir.CapabilityKind) error {
	if len(samples) == 0 {
		return &fault.Error{
			Code:    fault.NoObservableChannel,
			Message: "no channel exposes the quantity",
			Target:  desc.Name,
			Details: map[string]string{"absent": joinKinds(absent)},
		}
	}

	for _, s := range samples {
		if s.Age > p.MaxStaleness {
			return &fault.Error{
				Code:    fault.StaleSample,
				Message: fmt.Sprintf("%s sample is %s old, limit %s", s.Capability, s.Age, p.MaxStaleness),
				Target:  desc.Name,
				Channel: string(s.Capability),
				Value:   ir.Text(s.Value),
				Elapsed: s.Age,
				Details: map[string]string{
					"observed_at": s.ObservedAt.UTC().Format(time.RFC3339Nano),
				},
			}
		}
	}

	categorical := p.IsCategorical() || desc.Kind == ir.QuantityCategorical
	for i := 0; i < len(samples); i++ {
		for j := i + 1; j < len(samples); j++ {
			a, b := samples[i], samples[j]
			agree, diff := c.agree(a.Value, b.Value, categorical, p.Tolerance)
			if agree {
				continue
			}
			details := map[string]string{
				string(a.Capability): ir.Text(a.Value),
				string(b.Capability): ir.Text(b.Value),
			}
			if !categorical && !math.IsNaN(diff) {
				details["difference"] = strconv.FormatFloat(diff, 'g', -1, 64)
			}
			return &fault.Error{
				Code: fault.InconsistentState,
				Message: fmt.Sprintf("%s reports %s but %s reports %s",
					a.Capability, ir.Text(a.Value), b.Capability, ir.Text(b.Value)),
				Target:  desc.Name,
				Channel: string(a.Capability) + "," + string(b.Capability),
				Details: details,
			}
		}
	}
	return nil
}

// agree compares two samples. Numeric comparison falls back to label
// equality when either value is not a number; diff is NaN in that case.
func (c *Checker) agree(a, b ir.Value, categorical bool, tolerance float64) (bool, float64) {
	if !categorical {
		fa, okA := ir.AsFloat(a)
		fb, okB := ir.AsFloat(b)
		if okA && okB {
			diff := math.Abs(fa - fb)
			return diff <= tolerance, diff
		}
	}
	return c.foldText(a) == c.foldText(b), math.NaN()
}

func (c *Checker) foldText(v ir.Value) string {
	c.foldMu.Lock()
	defer c.foldMu.Unlock()
	return c.fold.String(strings.TrimSpace(ir.Text(v)))
}

func (c *Checker) record(res Result) {
	details := map[string]string{
		"policy":  res.Policy.String(),
		"samples": strconv.Itoa(len(res.Samples)),
	}
	if len(res.Absent) > 0 {
		details["absent"] = joinKinds(res.Absent)
	}
	for _, s := range res.Samples {
		details[string(s.Capability)] = ir.Text(s.Value)
		details[string(s.Capability)+"_age_ms"] = strconv.FormatInt(s.Age.Milliseconds(), 10)
	}
	e := evidence.Event{
		At:      res.At,
		Kind:    evidence.KindConsistencyCheck,
		Target:  res.Quantity,
		To:      res.Verdict,
		Details: details,
	}
	if res.Err != nil {
		e.Code = string(fault.CodeOf(res.Err))
		e.Error = res.Err.Error()
		c.logger.Warn("consistency check failed", "quantity", res.Quantity, "verdict", res.Verdict, "error", res.Err)
	} else {
		c.logger.Info("consistency check passed", "quantity", res.Quantity, "samples", len(res.Samples))
	}
	c.recorder.Record(e)
}

func joinKinds(kinds []ir.CapabilityKind) string {
	s := make([]string, len(kinds))
	for i, k := range kinds {
		s[i] = string(k)
	}
	sort.Strings(s)
	return strings.Join(s, ",")
}
