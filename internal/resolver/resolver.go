// Package resolver expands named preconditions into flat, ordered plans.
//
// Resolution is a depth-first walk over the prerequisite graph: every
// prerequisite is expanded, in declaration order, before the entry's own
// steps. An explicit active-path set detects cycles; a done set keeps a
// prerequisite shared by several branches from being expanded twice.
// Placeholders of the form ${name} in step targets and string parameters are
// bound from caller overrides first and the entry's catalog defaults second.
//
// Resolution is pure: it reads an immutable catalog, performs no I/O and
// yields the same plan (and plan hash) for the same inputs.
package resolver

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/vorch/internal/catalog"
	"github.com/roach88/vorch/internal/fault"
	"github.com/roach88/vorch/internal/ir"
)

// DefaultTimeout is applied to steps when neither the step nor its entry
// sets a timeout.
const DefaultTimeout = 5 * time.Second

// RollbackSuffix is appended to the plan name of a resolved rollback.
const RollbackSuffix = "#rollback"

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.\-]*)\}`)

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefaultTimeout sets the timeout of steps that inherit none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.defaultTimeout = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// Resolver turns precondition names into plans.
//
// Thread-safety: a Resolver holds no mutable state and is safe for
// concurrent use.
type Resolver struct {
	catalog        *catalog.Catalog
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New creates a resolver over cat. A nil catalog resolves nothing.
func New(cat *catalog.Catalog, opts ...Option) *Resolver {
	if cat == nil {
		cat = catalog.Empty()
	}
	r := &Resolver{
		catalog:        cat,
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve expands the named precondition and its prerequisites.
func (r *Resolver) Resolve(name string, overrides ir.Object) (ir.Plan, error) {
	entry, ok := r.catalog.Precondition(name)
	if !ok {
		return ir.Plan{}, unknown(name, "")
	}
	return r.ResolveEntry(entry, overrides)
}

// ResolveEntry expands an entry that need not be in the catalog. Its
// prerequisites are looked up in the catalog.
func (r *Resolver) ResolveEntry(entry ir.PreconditionEntry, overrides ir.Object) (ir.Plan, error) {
	w := &walk{
		r:         r,
		overrides: overrides,
		active:    make(map[string]bool),
		done:      make(map[string]bool),
	}
	if err := w.expand(entry); err != nil {
		return ir.Plan{}, err
	}
	return r.finish(entry.Name, w.steps)
}

// ResolveRollback resolves only the rollback steps of the named entry.
// Rollbacks are never part of Resolve's plan and are never run implicitly.
func (r *Resolver) ResolveRollback(name string, overrides ir.Object) (ir.Plan, error) {
	entry, ok := r.catalog.Precondition(name)
	if !ok {
		return ir.Plan{}, unknown(name, "")
	}
	steps := make([]ir.PlannedStep, 0, len(entry.Rollback))
	for i, s := range entry.Rollback {
		ps, err := r.bind(entry, s, overrides)
		if err != nil {
			return ir.Plan{}, withStep(err, entry.Name, "rollback", i)
		}
		steps = append(steps, ps)
	}
	return r.finish(name+RollbackSuffix, steps)
}

func (r *Resolver) finish(name string, steps []ir.PlannedStep) (ir.Plan, error) {
	hash, err := ir.PlanHash(name, steps)
	if err != nil {
		return ir.Plan{}, err
	}
	r.logger.Debug("resolved precondition", "name", name, "steps", len(steps), "hash", hash)
	return ir.Plan{Name: name, Steps: steps, Hash: hash}, nil
}

// walk is the state of one resolution.
type walk struct {
	r         *Resolver
	overrides ir.Object
	active    map[string]bool // entries on the current DFS path
	path      []string
	done      map[string]bool // entries already expanded
	steps     []ir.PlannedStep
}

func (w *walk) expand(entry ir.PreconditionEntry) error {
	if w.active[entry.Name] {
		cycle := append(append([]string(nil), w.path[indexOf(w.path, entry.Name):]...), entry.Name)
		return &fault.Error{
			Code:    fault.CyclicPrecondition,
			Message: "prerequisite cycle: " + strings.Join(cycle, " -> "),
			Target:  entry.Name,
			Details: map[string]string{"path": strings.Join(cycle, " -> ")},
		}
	}
	if w.done[entry.Name] {
		return nil
	}

	w.active[entry.Name] = true
	w.path = append(w.path, entry.Name)

	for _, req := range entry.Requires {
		dep, ok := w.r.catalog.Precondition(req)
		if !ok {
			return unknown(req, entry.Name)
		}
		if err := w.expand(dep); err != nil {
			return err
		}
	}
	for i, s := range entry.Steps {
		ps, err := w.r.bind(entry, s, w.overrides)
		if err != nil {
			return withStep(err, entry.Name, "steps", i)
		}
		w.steps = append(w.steps, ps)
	}

	w.path = w.path[:len(w.path)-1]
	delete(w.active, entry.Name)
	w.done[entry.Name] = true
	return nil
}

// bind substitutes placeholders and fills inherited defaults.
func (r *Resolver) bind(entry ir.PreconditionEntry, s ir.Step, overrides ir.Object) (ir.PlannedStep, error) {
	out := s.Clone()
	lookup := func(name string) (ir.Value, bool) {
		if v, ok := overrides[name]; ok {
			return v, true
		}
		v, ok := entry.Params[name]
		return v, ok
	}

	target, err := interpolate(s.Target, lookup)
	if err != nil {
		return ir.PlannedStep{}, err
	}
	out.Target = target

	if len(s.Params) > 0 {
		params := make(ir.Object, len(s.Params))
		for _, k := range s.Params.SortedKeys() {
			v, err := substitute(s.Params[k], lookup)
			if err != nil {
				return ir.PlannedStep{}, err
			}
			params[k] = v
		}
		out.Params = params
	}

	if out.Timeout <= 0 {
		out.Timeout = entry.Timeout
	}
	if out.Timeout <= 0 {
		out.Timeout = r.defaultTimeout
	}
	if out.Retries == 0 {
		out.Retries = entry.Retries
	}
	return ir.PlannedStep{Step: out, Origin: entry.Name}, nil
}

// substitute resolves placeholders inside a parameter value. A string that
// is exactly one placeholder takes the bound value with its type.
func substitute(v ir.Value, lookup func(string) (ir.Value, bool)) (ir.Value, error) {
	switch val := v.(type) {
	case ir.String:
		s := string(val)
		if m := placeholder.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
			name := s[m[2]:m[3]]
			bound, ok := lookup(name)
			if !ok {
				return nil, unresolved(name)
			}
			return ir.CloneValue(bound), nil
		}
		text, err := interpolate(s, lookup)
		if err != nil {
			return nil, err
		}
		return ir.String(text), nil
	case ir.List:
		out := make(ir.List, len(val))
		for i, elem := range val {
			sv, err := substitute(elem, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = sv
		}
		return out, nil
	case ir.Object:
		out := make(ir.Object, len(val))
		for _, k := range val.SortedKeys() {
			sv, err := substitute(val[k], lookup)
			if err != nil {
				return nil, err
			}
			out[k] = sv
		}
		return out, nil
	default:
		return v, nil
	}
}

// interpolate replaces every placeholder in s with the text of its binding.
func interpolate(s string, lookup func(string) (ir.Value, bool)) (string, error) {
	var missing string
	out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		v, ok := lookup(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return ir.Text(v)
	})
	if missing != "" {
		return "", unresolved(missing)
	}
	return out, nil
}

func unknown(name, requiredBy string) *fault.Error {
	e := &fault.Error{
		Code:    fault.UnknownPrecondition,
		Message: "precondition " + name + " is not in the catalog",
		Target:  name,
	}
	if requiredBy != "" {
		e.Details = map[string]string{"required_by": requiredBy}
	}
	return e
}

func unresolved(name string) *fault.Error {
	return &fault.Error{
		Code:    fault.UnresolvedParameter,
		Message: "no binding for placeholder ${" + name + "}",
		Details: map[string]string{"parameter": name},
	}
}

// withStep adds the entry and step position to a binding error.
func withStep(err error, entry, list string, index int) error {
	if fe, ok := fault.As(err); ok {
		fe.Target = entry
		if fe.Details == nil {
			fe.Details = make(map[string]string)
		}
		fe.Details["step"] = list + "[" + strconv.Itoa(index) + "]"
	}
	return err
}

func indexOf(path []string, name string) int {
	for i, p := range path {
		if p == name {
			return i
		}
	}
	return 0
}
