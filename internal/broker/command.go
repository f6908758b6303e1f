package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/roach88/vorch/internal/ir"
)

// State is a command lifecycle state. Outcomes reuse the terminal states and
// add StateCompleted and StateSkipped.
type State string

const (
	StateCreated     State = "created"
	StateSent        State = "sent"
	StateAwaitingAck State = "awaiting_ack"
	StateAcked       State = "acked"
	StateTimedOut    State = "timed_out"
	StateRejected    State = "rejected"

	// StateUnavailable ends a command the driver could not take at all.
	StateUnavailable State = "unavailable"

	// StateCompleted is the outcome of a successful wait or query step.
	StateCompleted State = "completed"
	// StateSkipped is the outcome of a plan step never started after an abort.
	StateSkipped State = "skipped"
)

// transitions is the closed lifecycle table. Terminal states have no entry.
var transitions = map[State][]State{
	StateCreated:     {StateSent, StateRejected, StateUnavailable},
	StateSent:        {StateAwaitingAck, StateRejected, StateUnavailable, StateTimedOut},
	StateAwaitingAck: {StateAcked, StateRejected, StateTimedOut, StateUnavailable},
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal lifecycle step.
type TransitionError struct {
	CorrelationID string
	From, To      State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("command %s: illegal transition %s -> %s", e.CorrelationID, e.From, e.To)
}

// Command is an immutable snapshot of one submitted set or dispatch.
type Command struct {
	CorrelationID string
	Capability    ir.CapabilityKind
	Action        ir.ActionKind
	Lane          string
	Target        string
	Params        ir.Object
	Value         ir.Value // normalized value for set, ack value for dispatch
	SubmittedAt   time.Time
	State         State
	Reason        string
	Attempt       int
}

// command is the live, lock-protected record behind a Command snapshot.
type command struct {
	mu   sync.Mutex
	snap Command

	// ack receives the driver's acknowledgement. Buffered so the ack pump
	// never blocks on a command that stopped listening.
	ack chan ackResult
}

type ackResult struct {
	ok     bool
	reason string
	value  ir.Value
	at     time.Time
}

func newCommand(c Command) *command {
	c.State = StateCreated
	return &command{snap: c, ack: make(chan ackResult, 1)}
}

// transition moves the command to next and returns the previous state.
func (c *command) transition(next State, reason string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.snap.State
	if !CanTransition(prev, next) {
		return prev, &TransitionError{CorrelationID: c.snap.CorrelationID, From: prev, To: next}
	}
	c.snap.State = next
	if reason != "" {
		c.snap.Reason = reason
	}
	return prev, nil
}

func (c *command) setValue(v ir.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Value = v
}

func (c *command) snapshot() Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.snap
	out.Params = c.snap.Params.Clone()
	out.Value = ir.CloneValue(c.snap.Value)
	return out
}
