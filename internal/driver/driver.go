// Package driver defines the capability contract the broker consumes.
//
// A Driver implements one of the four capability kinds (signal, diagnostic,
// backend, service). Writes are asynchronous: Set and Dispatch hand the
// command to the channel and return; the outcome surfaces later as an Ack on
// the driver's Acks channel, keyed by the correlation id the broker minted.
// Reads are synchronous and bounded by the caller's context.
//
// Drivers are long-lived handles shared by every lane and quantity. They are
// injected at broker construction, never looked up globally.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/vorch/internal/ir"
)

// Sentinel errors drivers return (optionally wrapped) so the broker can map
// them onto the fault taxonomy.
var (
	// ErrUnavailable means the channel cannot be reached right now.
	ErrUnavailable = errors.New("channel unavailable")

	// ErrRejected means the driver refused the request synchronously.
	ErrRejected = errors.New("request rejected")

	// ErrNotExposed means the target or quantity is not observable here.
	ErrNotExposed = errors.New("not exposed on this channel")

	// ErrUnsupported means the driver does not implement the operation.
	ErrUnsupported = errors.New("operation not supported")
)

// Driver is the capability contract.
type Driver interface {
	// Kind returns the capability this driver implements.
	Kind() ir.CapabilityKind

	// Get reads the current value of a target.
	Get(ctx context.Context, target string) (ir.Reading, error)

	// Set writes a value. The outcome arrives later as an Ack.
	Set(ctx context.Context, req SetRequest) error

	// Dispatch sends a command. The outcome arrives later as an Ack.
	Dispatch(ctx context.Context, req DispatchRequest) error

	// WaitFor blocks until pred holds for target or ctx is done.
	WaitFor(ctx context.Context, target string, pred Predicate) (ir.Reading, error)

	// QueryState reads a logical quantity. Returns ErrNotExposed when the
	// channel does not observe it.
	QueryState(ctx context.Context, quantity string) (ir.Reading, error)

	// Acks delivers acknowledgements. The channel is closed when the driver
	// shuts down.
	Acks() <-chan Ack
}

// SetRequest asks a driver to write a value.
type SetRequest struct {
	CorrelationID string
	Target        string

	// Value is the normalized logical value (e.g. "OFF").
	Value ir.Value

	// Payload is the encoded value for the wire: the raw mapping for enum
	// signals, otherwise identical to Value.
	Payload ir.Value

	// Params carries the remaining step parameters.
	Params ir.Object
}

// DispatchRequest asks a driver to send a command.
type DispatchRequest struct {
	CorrelationID string
	Target        string
	Params        ir.Object
}

// Ack is a driver's final word on a command.
type Ack struct {
	CorrelationID string
	OK            bool     // false is a negative acknowledgement
	Reason        string   // set on negative acks
	Value         ir.Value // optional result value
	At            time.Time
}

// Predicate decides whether an observed value satisfies a wait condition.
type Predicate interface {
	Match(v ir.Value) bool
	String() string
}

// Closer is implemented by drivers that hold resources.
type Closer interface {
	Close() error
}
