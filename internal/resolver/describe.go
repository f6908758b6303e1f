package resolver

import (
	"fmt"
	"strings"

	"github.com/roach88/vorch/internal/ir"
)

// Describe renders a plan's steps one per line, for dry runs and golden
// files:
//
//	1. [Standby] signal.set ignition {"value":"OFF"} timeout=5s retries=0 required
func Describe(p ir.Plan) string {
	var b strings.Builder
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. [%s] %s.%s %s", i+1, s.Origin, s.Capability, s.Action, s.Target)
		if len(s.Params) > 0 {
			data, err := ir.MarshalCanonical(s.Params)
			if err != nil {
				data = []byte(ir.Text(s.Params))
			}
			fmt.Fprintf(&b, " %s", data)
		}
		if s.Channel != "" {
			fmt.Fprintf(&b, " channel=%s", s.Channel)
		}
		fmt.Fprintf(&b, " timeout=%s retries=%d", s.Timeout, s.Retries)
		if s.Required {
			b.WriteString(" required")
		} else {
			b.WriteString(" optional")
		}
		b.WriteByte('\n')
	}
	return b.String()
}
