package broker

import (
	"fmt"
	"math"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/roach88/vorch/internal/ir"
)

// ValueParam is the step parameter holding the value of a set.
const ValueParam = "value"

// encodeSet validates a set value against the signal descriptor and returns
// the normalized logical value and the wire payload. A nil descriptor passes
// the value through unchanged.
func encodeSet(desc *ir.SignalDescriptor, params ir.Object) (value, payload ir.Value, err error) {
	raw, ok := params[ValueParam]
	if !ok {
		return nil, nil, fmt.Errorf("set requires a %q parameter", ValueParam)
	}
	if desc == nil {
		return raw, raw, nil
	}

	switch desc.Type {
	case ir.TypeEnum:
		return encodeEnum(desc, raw)
	case ir.TypeUint, ir.TypeInt, ir.TypeFloat:
		return encodeNumber(desc, raw)
	case ir.TypeBool:
		if _, ok := raw.(ir.Bool); !ok {
			return nil, nil, fmt.Errorf("signal %s expects a bool, got %s", desc.Name, ir.Text(raw))
		}
		return raw, raw, nil
	default:
		return ir.String(ir.Text(raw)), ir.String(ir.Text(raw)), nil
	}
}

func encodeEnum(desc *ir.SignalDescriptor, raw ir.Value) (ir.Value, ir.Value, error) {
	s, ok := raw.(ir.String)
	if !ok {
		return nil, nil, fmt.Errorf("signal %s expects one of %v, got %s", desc.Name, desc.Enum, ir.Text(raw))
	}
	upper := cases.Upper(language.Und)
	want := upper.String(string(s))
	for _, label := range desc.Enum {
		if upper.String(label) != want {
			continue
		}
		if code, ok := desc.Mapping[label]; ok {
			return ir.String(label), ir.Int(code), nil
		}
		return ir.String(label), ir.String(label), nil
	}
	return nil, nil, fmt.Errorf("signal %s: %q is not one of %v", desc.Name, string(s), desc.Enum)
}

func encodeNumber(desc *ir.SignalDescriptor, raw ir.Value) (ir.Value, ir.Value, error) {
	if _, isString := raw.(ir.String); isString {
		return nil, nil, fmt.Errorf("signal %s expects a number, got %q", desc.Name, ir.Text(raw))
	}
	f, ok := ir.AsFloat(raw)
	if !ok {
		return nil, nil, fmt.Errorf("signal %s expects a number, got %s", desc.Name, ir.Text(raw))
	}
	if desc.Type != ir.TypeFloat && f != math.Trunc(f) {
		return nil, nil, fmt.Errorf("signal %s expects an integer, got %s", desc.Name, ir.Text(raw))
	}
	if desc.Type == ir.TypeUint && f < 0 {
		return nil, nil, fmt.Errorf("signal %s expects an unsigned value, got %s", desc.Name, ir.Text(raw))
	}
	if desc.Range != nil && !desc.Range.Contains(f) {
		return nil, nil, fmt.Errorf("signal %s: %s outside [%g, %g]", desc.Name, ir.Text(raw), desc.Range.Min, desc.Range.Max)
	}
	if desc.Type != ir.TypeFloat {
		return ir.Int(int64(f)), ir.Int(int64(f)), nil
	}
	return ir.Float(f), ir.Float(f), nil
}

// withoutValue returns params minus the set value.
func withoutValue(params ir.Object) ir.Object {
	if len(params) == 0 {
		return nil
	}
	out := params.Clone()
	delete(out, ValueParam)
	if len(out) == 0 {
		return nil
	}
	return out
}
