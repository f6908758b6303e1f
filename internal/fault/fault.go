// Package fault defines the error taxonomy shared by the broker, resolver and
// checker.
//
// Every failure surfaced by the orchestration core is a *Error carrying a
// Code plus enough context (target, channel, attempted value, elapsed time)
// to be rendered as an evidentiary record. Each code belongs to a blame
// Class that tells a test report whether the environment, the system under
// test, or the catalog author is at fault.
package fault

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code categorizes a failure.
type Code string

const (
	// ChannelUnavailable indicates the capability driver could not be reached.
	ChannelUnavailable Code = "CHANNEL_UNAVAILABLE"

	// Timeout indicates no acknowledgement or condition within the step timeout.
	Timeout Code = "TIMEOUT"

	// Rejected indicates the driver (or local validation) refused the command.
	Rejected Code = "REJECTED"

	// UnknownPrecondition indicates a precondition name is not in the catalog.
	UnknownPrecondition Code = "UNKNOWN_PRECONDITION"

	// CyclicPrecondition indicates the prerequisite graph contains a cycle.
	CyclicPrecondition Code = "CYCLIC_PRECONDITION"

	// UnresolvedParameter indicates a placeholder had no binding.
	UnresolvedParameter Code = "UNRESOLVED_PARAMETER"

	// InconsistentState indicates two channels disagree beyond tolerance.
	InconsistentState Code = "INCONSISTENT_STATE"

	// StaleSample indicates a sample older than the allowed staleness.
	StaleSample Code = "STALE_SAMPLE"

	// NoObservableChannel indicates no channel exposes the quantity.
	NoObservableChannel Code = "NO_OBSERVABLE_CHANNEL"
)

// Class assigns blame for a failure.
type Class string

const (
	// ClassEnvironment covers test-bench faults (a driver is down).
	ClassEnvironment Class = "environment"
	// ClassSUT covers faults attributed to the system under test.
	ClassSUT Class = "sut"
	// ClassAuthoring covers catalog and test-authoring mistakes.
	ClassAuthoring Class = "authoring"
)

var classes = map[Code]Class{
	ChannelUnavailable:  ClassEnvironment,
	Timeout:             ClassSUT,
	Rejected:            ClassSUT,
	InconsistentState:   ClassSUT,
	StaleSample:         ClassSUT,
	NoObservableChannel: ClassSUT,
	UnknownPrecondition: ClassAuthoring,
	CyclicPrecondition:  ClassAuthoring,
	UnresolvedParameter: ClassAuthoring,
}

// Codes lists every code in declaration order.
var Codes = []Code{
	ChannelUnavailable, Timeout, Rejected,
	UnknownPrecondition, CyclicPrecondition, UnresolvedParameter,
	InconsistentState, StaleSample, NoObservableChannel,
}

// Class returns the blame class of the code.
func (c Code) Class() Class {
	return classes[c]
}

// Retryable reports whether the broker may resubmit a step that failed with c.
func (c Code) Retryable() bool {
	return c == Timeout || c == ChannelUnavailable
}

// Error is the structured failure type of the orchestration core.
type Error struct {
	// Code identifies the failure category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Target is the signal, command, quantity or precondition involved.
	Target string

	// Channel is the lane or capability the failure happened on.
	Channel string

	// Value is the attempted value, rendered as text.
	Value string

	// Elapsed is the time spent before the failure was declared.
	Elapsed time.Duration

	// Attempts is how many times the step was tried (broker failures only).
	Attempts int

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)

	var ctx []string
	if e.Target != "" {
		ctx = append(ctx, "target="+e.Target)
	}
	if e.Channel != "" {
		ctx = append(ctx, "channel="+e.Channel)
	}
	if e.Attempts > 1 {
		ctx = append(ctx, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Class returns the blame class of the error's code.
func (e *Error) Class() Class {
	return e.Code.Class()
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
// Uses errors.As to handle wrapped errors.
func Is(err error, code Code) bool {
	fe, ok := As(err)
	return ok && fe.Code == code
}

// CodeOf returns the code of err, or "" if err is not a *Error.
func CodeOf(err error) Code {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return ""
}

// ClassOf returns the blame class of err, or "" if err is not a *Error.
func ClassOf(err error) Class {
	return CodeOf(err).Class()
}
