// Package predicate builds wait conditions from step parameters.
//
// A wait step names its condition with one or more of these parameters:
//
//	equals: LOCKED          value must equal (strings compare case-insensitively)
//	value:  LOCKED          alias for equals
//	in:     [P, N]          value must be one of the listed values
//	min: 0 / max: 120       value must lie in the inclusive numeric range
//	expr:   value > 40      expr-lang boolean expression over value and target
//
// Several conditions on one step must all hold.
package predicate

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"golang.org/x/text/cases"

	"github.com/roach88/vorch/internal/driver"
	"github.com/roach88/vorch/internal/ir"
)

// Parameter names recognised by FromParams.
const (
	ParamEquals = "equals"
	ParamValue  = "value"
	ParamIn     = "in"
	ParamMin    = "min"
	ParamMax    = "max"
	ParamExpr   = "expr"
)

// FromParams builds the predicate for a wait step on target.
func FromParams(target string, params ir.Object) (driver.Predicate, error) {
	var preds []driver.Predicate

	for _, key := range []string{ParamEquals, ParamValue} {
		if v, ok := params[key]; ok {
			preds = append(preds, Equals{Want: v})
			break
		}
	}

	if v, ok := params[ParamIn]; ok {
		list, ok := v.(ir.List)
		if !ok {
			return nil, fmt.Errorf("%s must be a list, got %T", ParamIn, v)
		}
		preds = append(preds, In{Values: list})
	}

	minV, hasMin := params[ParamMin]
	maxV, hasMax := params[ParamMax]
	if hasMin || hasMax {
		r := Range{}
		if hasMin {
			f, ok := ir.AsFloat(minV)
			if !ok {
				return nil, fmt.Errorf("%s must be numeric, got %s", ParamMin, ir.Text(minV))
			}
			r.Min = &f
		}
		if hasMax {
			f, ok := ir.AsFloat(maxV)
			if !ok {
				return nil, fmt.Errorf("%s must be numeric, got %s", ParamMax, ir.Text(maxV))
			}
			r.Max = &f
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return nil, fmt.Errorf("empty range [%v, %v]", *r.Min, *r.Max)
		}
		preds = append(preds, r)
	}

	if v, ok := params[ParamExpr]; ok {
		src, ok := v.(ir.String)
		if !ok {
			return nil, fmt.Errorf("%s must be a string, got %T", ParamExpr, v)
		}
		p, err := CompileExpr(target, string(src))
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}

	switch len(preds) {
	case 0:
		return nil, fmt.Errorf("wait on %q has no condition (want one of equals, in, min/max, expr)", target)
	case 1:
		return preds[0], nil
	default:
		return All(preds), nil
	}
}

// Equals matches a single value. Strings compare with Unicode case folding,
// numbers compare numerically.
type Equals struct {
	Want ir.Value
}

// Match implements driver.Predicate.
func (p Equals) Match(v ir.Value) bool {
	return equalFold(p.Want, v)
}

func (p Equals) String() string {
	return "== " + ir.Text(p.Want)
}

// In matches any of a set of values.
type In struct {
	Values ir.List
}

// Match implements driver.Predicate.
func (p In) Match(v ir.Value) bool {
	for _, want := range p.Values {
		if equalFold(want, v) {
			return true
		}
	}
	return false
}

func (p In) String() string {
	parts := make([]string, len(p.Values))
	for i, v := range p.Values {
		parts[i] = ir.Text(v)
	}
	return "in [" + strings.Join(parts, ", ") + "]"
}

// Range matches numeric values within optional inclusive bounds.
type Range struct {
	Min *float64
	Max *float64
}

// Match implements driver.Predicate.
func (p Range) Match(v ir.Value) bool {
	f, ok := ir.AsFloat(v)
	if !ok {
		return false
	}
	if p.Min != nil && f < *p.Min {
		return false
	}
	if p.Max != nil && f > *p.Max {
		return false
	}
	return true
}

func (p Range) String() string {
	lo, hi := "-inf", "+inf"
	if p.Min != nil {
		lo = fmt.Sprint(*p.Min)
	}
	if p.Max != nil {
		hi = fmt.Sprint(*p.Max)
	}
	return fmt.Sprintf("in range [%s, %s]", lo, hi)
}

// All matches when every member matches.
type All []driver.Predicate

// Match implements driver.Predicate.
func (p All) Match(v ir.Value) bool {
	for _, member := range p {
		if !member.Match(v) {
			return false
		}
	}
	return true
}

func (p All) String() string {
	parts := make([]string, len(p))
	for i, member := range p {
		parts[i] = member.String()
	}
	return strings.Join(parts, " && ")
}

// exprEnv is the environment expr programs run against.
type exprEnv struct {
	Value  any    `expr:"value"`
	Target string `expr:"target"`
}

// Expr is a compiled expr-lang boolean expression.
type Expr struct {
	src     string
	target  string
	program *vm.Program
}

// CompileExpr compiles src once; Match only runs the program.
func CompileExpr(target, src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	program, err := expr.Compile(src, expr.Env(exprEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", src, err)
	}
	return &Expr{src: src, target: target, program: program}, nil
}

// Match implements driver.Predicate. Evaluation errors (for example a
// numeric comparison against a text value) count as no match.
func (p *Expr) Match(v ir.Value) bool {
	out, err := expr.Run(p.program, exprEnv{Value: ir.Native(v), Target: p.target})
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func (p *Expr) String() string {
	return p.src
}

func equalFold(want, got ir.Value) bool {
	ws, wok := want.(ir.String)
	gs, gok := got.(ir.String)
	if wok && gok {
		// Casers carry state; each comparison gets its own.
		fold := cases.Fold()
		return fold.String(string(ws)) == fold.String(string(gs))
	}
	return ir.Equal(want, got)
}
