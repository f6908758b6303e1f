package harness

import (
	"github.com/roach88/vorch/internal/driver/sim"
	"github.com/roach88/vorch/internal/evidence"
	"github.com/roach88/vorch/internal/ir"
)

// StepOutcome is the deterministic part of one broker outcome: no
// correlation ids and no wall-clock times, so traces compare across runs.
type StepOutcome struct {
	Index    int    `json:"index"`
	Step     string `json:"step"`
	Lane     string `json:"lane"`
	State    string `json:"state"`
	Attempts int    `json:"attempts,omitempty"`
	Value    string `json:"value,omitempty"`
	Code     string `json:"code,omitempty"`
}

// SampleTrace is one channel sample of a consistency check.
type SampleTrace struct {
	Capability string `json:"capability"`
	Target     string `json:"target"`
	Value      string `json:"value"`
	AgeMillis  int64  `json:"age_ms"`
}

// TraceEvent records what one flow entry did.
type TraceEvent struct {
	// Type is "resolve", "rollback", "step", "check" or "advance".
	Type    string `json:"type"`
	Subject string `json:"subject"`

	// PlanHash is set for resolve and rollback entries.
	PlanHash string        `json:"plan_hash,omitempty"`
	Outcomes []StepOutcome `json:"outcomes,omitempty"`

	// Verdict, Samples and Absent are set for check entries.
	Verdict string        `json:"verdict,omitempty"`
	Samples []SampleTrace `json:"samples,omitempty"`
	Absent  []string      `json:"absent,omitempty"`

	// Outcome is "ok" or the fault code the entry failed with.
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success: every expect clause and every
	// assertion matched.
	Pass bool `json:"pass"`

	// Trace holds one entry per flow step, in flow order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Events is the full evidence stream of the run, in sequence order.
	Events []evidence.Event `json:"-"`

	// Calls are the recorded driver calls per capability.
	Calls map[ir.CapabilityKind][]sim.Call `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Calls:  make(map[ir.CapabilityKind][]sim.Call),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a flow entry record.
func (r *Result) AddTrace(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
