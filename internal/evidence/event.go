// Package evidence captures what the orchestration core did, as a stream of
// sequenced events.
//
// The broker and checker emit an Event for every command lifecycle
// transition, step outcome, late acknowledgement and consistency verdict.
// Recorders are passive: they receive immutable events and never influence
// execution. Sequence numbers come from a logical Clock so the interleaving
// of concurrent lanes can be reconstructed without trusting wall clocks.
package evidence

import (
	"sync"
	"time"

	"github.com/roach88/vorch/internal/ir"
)

// Kind identifies what an event records.
type Kind string

const (
	// KindTransition is a command lifecycle state change.
	KindTransition Kind = "transition"
	// KindOutcome is the final result of one step (all attempts).
	KindOutcome Kind = "outcome"
	// KindRetry marks a new attempt of a failed step.
	KindRetry Kind = "retry"
	// KindLateAck is an acknowledgement for a terminal or unknown command.
	KindLateAck Kind = "late_ack"
	// KindPlanStarted and KindPlanFinished bracket ExecutePlan.
	KindPlanStarted  Kind = "plan_started"
	KindPlanFinished Kind = "plan_finished"
	// KindConsistencyCheck is a checker verdict.
	KindConsistencyCheck Kind = "consistency_check"
)

// DetailElapsed is the outcome detail carrying the step duration in
// milliseconds.
const DetailElapsed = "elapsed_ms"

// Event is one immutable evidence record.
type Event struct {
	Seq           int64             `json:"seq"`
	At            time.Time         `json:"at"`
	Kind          Kind              `json:"kind"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Lane          string            `json:"lane,omitempty"`
	Capability    ir.CapabilityKind `json:"capability,omitempty"`
	Action        ir.ActionKind     `json:"action,omitempty"`
	Target        string            `json:"target,omitempty"`
	From          string            `json:"from,omitempty"`
	To            string            `json:"to,omitempty"`
	Attempt       int               `json:"attempt,omitempty"`
	Value         string            `json:"value,omitempty"`
	Code          string            `json:"code,omitempty"`
	Error         string            `json:"error,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

// Recorder receives events. Implementations must be safe for concurrent use
// and must not block for long; the broker calls Record on its hot path.
type Recorder interface {
	Record(e Event)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Event)

// Record implements Recorder.
func (f RecorderFunc) Record(e Event) { f(e) }

// Discard drops every event.
var Discard Recorder = RecorderFunc(func(Event) {})

// Fanout forwards each event to every recorder in order.
type Fanout []Recorder

// Record implements Recorder.
func (f Fanout) Record(e Event) {
	for _, r := range f {
		r.Record(e)
	}
}

// Sequencer stamps events with the next clock value and the current time
// before forwarding them. Stamping and forwarding happen under one lock, so
// downstream recorders observe events in sequence order.
type Sequencer struct {
	mu    sync.Mutex
	next  Recorder
	clock *Clock
	now   func() time.Time
}

// NewSequencer wraps next. A nil now uses time.Now.
func NewSequencer(next Recorder, clock *Clock, now func() time.Time) *Sequencer {
	if now == nil {
		now = time.Now
	}
	if clock == nil {
		clock = NewClock()
	}
	return &Sequencer{next: next, clock: clock, now: now}
}

// Record implements Recorder.
func (s *Sequencer) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = s.clock.Next()
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.next.Record(e)
}

// Memory keeps events in memory.
//
// Thread-safety: Memory is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// Record implements Recorder.
func (m *Memory) Record(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// Events returns a copy of all recorded events in arrival order.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfKind returns the recorded events of one kind.
func (m *Memory) OfKind(kind Kind) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// ForCommand returns the events of one correlation id.
func (m *Memory) ForCommand(correlationID string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards all recorded events.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
