// Package sim provides an in-memory capability driver.
//
// A sim.Driver keeps a map of target readings, acknowledges writes
// asynchronously on its Acks channel, and wakes WaitFor callers whenever a
// reading changes. Per-target scripts make it misbehave on purpose: never
// acknowledge, reject, report the channel unavailable, or acknowledge late.
// It backs the mock and sil execution modes, the conformance harness, and
// the broker and checker tests.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/vorch/internal/driver"
	"github.com/roach88/vorch/internal/ir"
)

// Mode selects how the driver answers a write.
type Mode string

const (
	// ModeAck acknowledges positively (after Delay) and applies the write.
	ModeAck Mode = "ack"
	// ModeNeverAck accepts the write and never answers.
	ModeNeverAck Mode = "never_ack"
	// ModeReject answers with a negative acknowledgement.
	ModeReject Mode = "reject"
	// ModeRefuse fails the call synchronously with driver.ErrRejected.
	ModeRefuse Mode = "refuse"
	// ModeUnavailable fails the call synchronously with driver.ErrUnavailable.
	ModeUnavailable Mode = "unavailable"
)

// Behavior describes how one write is answered.
type Behavior struct {
	Mode   Mode
	Delay  time.Duration // ack latency for ModeAck and ModeReject
	Reason string        // negative ack reason

	// Effects are readings applied when a dispatch is acknowledged.
	Effects ir.Object
}

// Call records one invocation, in arrival order.
type Call struct {
	Seq           int
	Method        string // "set", "dispatch", "get", "wait", "query"
	Target        string
	CorrelationID string
	Value         ir.Value
	At            time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithClock sets the time source used to stamp readings and acks.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		d.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithDefault sets the behavior for targets without a script.
func WithDefault(b Behavior) Option {
	return func(d *Driver) {
		d.fallback = b
	}
}

// Driver is an in-memory implementation of driver.Driver.
//
// Thread-safety: all methods are safe for concurrent use.
type Driver struct {
	kind   ir.CapabilityKind
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	state    map[string]ir.Reading
	hidden   map[string]bool
	changed  chan struct{} // closed and replaced on every state change
	scripts  map[string][]Behavior
	fallback Behavior
	links    map[string][]link
	down     bool
	calls    []Call
	closed   bool

	acks chan driver.Ack
	done chan struct{}
	wg   sync.WaitGroup
}

type link struct {
	to     *Driver
	target string
}

// New creates a driver for the given capability kind.
func New(kind ir.CapabilityKind, opts ...Option) *Driver {
	d := &Driver{
		kind:     kind,
		now:      time.Now,
		logger:   slog.Default(),
		state:    make(map[string]ir.Reading),
		hidden:   make(map[string]bool),
		changed:  make(chan struct{}),
		scripts:  make(map[string][]Behavior),
		fallback: Behavior{Mode: ModeAck},
		links:    make(map[string][]link),
		acks:     make(chan driver.Ack, 64),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Kind implements driver.Driver.
func (d *Driver) Kind() ir.CapabilityKind {
	return d.kind
}

// Acks implements driver.Driver.
func (d *Driver) Acks() <-chan driver.Ack {
	return d.acks
}

// Seed stores a reading observed at the given time without recording a call.
func (d *Driver) Seed(target string, v ir.Value, observedAt time.Time) {
	d.apply(target, ir.Reading{Value: v, ObservedAt: observedAt})
}

// Hide makes QueryState report target as not exposed even if it has a reading.
func (d *Driver) Hide(target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hidden[target] = true
}

// Script queues behaviors for successive writes to target. The last behavior
// sticks once the queue is down to one entry.
func (d *Driver) Script(target string, behaviors ...Behavior) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[target] = append([]Behavior(nil), behaviors...)
}

// Link mirrors every change of target into other's reading for otherTarget.
// Used to keep simulated channels coherent (a bus write visible to the backend).
func (d *Driver) Link(target string, other *Driver, otherTarget string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links[target] = append(d.links[target], link{to: other, target: otherTarget})
}

// SetUnavailable makes every call fail with driver.ErrUnavailable.
func (d *Driver) SetUnavailable(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = down
}

// Calls returns a copy of the recorded calls.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallsTo returns the recorded calls of one method on one target.
func (d *Driver) CallsTo(method, target string) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.Method == method && c.Target == target {
			out = append(out, c)
		}
	}
	return out
}

// Reading returns the current reading of target.
func (d *Driver) Reading(target string) (ir.Reading, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.state[target]
	return r, ok
}

// Get implements driver.Driver.
func (d *Driver) Get(ctx context.Context, target string) (ir.Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return ir.Reading{}, err
	}
	d.recordLocked("get", target, "", nil)
	r, ok := d.state[target]
	if !ok {
		return ir.Reading{}, fmt.Errorf("%s %q: %w", d.kind, target, driver.ErrNotExposed)
	}
	return r, nil
}

// QueryState implements driver.Driver.
func (d *Driver) QueryState(ctx context.Context, quantity string) (ir.Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return ir.Reading{}, err
	}
	d.recordLocked("query", quantity, "", nil)
	r, ok := d.state[quantity]
	if !ok || d.hidden[quantity] {
		return ir.Reading{}, fmt.Errorf("%s %q: %w", d.kind, quantity, driver.ErrNotExposed)
	}
	return r, nil
}

// WaitFor implements driver.Driver. It blocks on change notifications,
// never polling.
func (d *Driver) WaitFor(ctx context.Context, target string, pred driver.Predicate) (ir.Reading, error) {
	d.mu.Lock()
	if err := d.checkLocked(); err != nil {
		d.mu.Unlock()
		return ir.Reading{}, err
	}
	d.recordLocked("wait", target, "", nil)
	d.mu.Unlock()

	for {
		d.mu.Lock()
		r, ok := d.state[target]
		changed := d.changed
		closed := d.closed
		d.mu.Unlock()

		if ok && pred.Match(r.Value) {
			return r, nil
		}
		if closed {
			return ir.Reading{}, fmt.Errorf("%s closed: %w", d.kind, driver.ErrUnavailable)
		}

		select {
		case <-changed:
		case <-d.done:
		case <-ctx.Done():
			return ir.Reading{}, ctx.Err()
		}
	}
}

// Set implements driver.Driver.
func (d *Driver) Set(ctx context.Context, req driver.SetRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	d.recordLocked("set", req.Target, req.CorrelationID, req.Value)

	b := d.nextBehaviorLocked(req.Target)
	effects := ir.Object{req.Target: req.Value}
	return d.answerLocked(req.CorrelationID, req.Target, b, effects)
}

// Dispatch implements driver.Driver.
func (d *Driver) Dispatch(ctx context.Context, req driver.DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	d.recordLocked("dispatch", req.Target, req.CorrelationID, req.Params)

	b := d.nextBehaviorLocked(req.Target)
	return d.answerLocked(req.CorrelationID, req.Target, b, b.Effects)
}

// Close stops pending acks and closes the Acks channel.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
	close(d.acks)
	return nil
}

func (d *Driver) checkLocked() error {
	if d.closed {
		return fmt.Errorf("%s closed: %w", d.kind, driver.ErrUnavailable)
	}
	if d.down {
		return fmt.Errorf("%s: %w", d.kind, driver.ErrUnavailable)
	}
	return nil
}

func (d *Driver) nextBehaviorLocked(target string) Behavior {
	queue := d.scripts[target]
	if len(queue) == 0 {
		return d.fallback
	}
	b := queue[0]
	if len(queue) > 1 {
		d.scripts[target] = queue[1:]
	}
	return b
}

func (d *Driver) answerLocked(id, target string, b Behavior, effects ir.Object) error {
	switch b.Mode {
	case ModeUnavailable:
		return fmt.Errorf("%s %q: %w", d.kind, target, driver.ErrUnavailable)
	case ModeRefuse:
		reason := b.Reason
		if reason == "" {
			reason = "refused"
		}
		return fmt.Errorf("%s %q: %s: %w", d.kind, target, reason, driver.ErrRejected)
	case ModeNeverAck:
		d.logger.Debug("sim: swallowing write", "kind", d.kind, "target", target, "correlation_id", id)
		return nil
	case ModeReject:
		reason := b.Reason
		if reason == "" {
			reason = "negative acknowledgement"
		}
		d.ackLater(driver.Ack{CorrelationID: id, OK: false, Reason: reason}, b.Delay, nil)
		return nil
	default:
		d.ackLater(driver.Ack{CorrelationID: id, OK: true}, b.Delay, effects)
		return nil
	}
}

// ackLater applies effects and emits the ack after delay. Effects land before
// the ack so a caller that sees the ack also sees the new state.
func (d *Driver) ackLater(ack driver.Ack, delay time.Duration, effects ir.Object) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-d.done:
				return
			}
		}

		d.mu.Lock()
		closed := d.closed
		at := d.now()
		d.mu.Unlock()
		if closed {
			return
		}
		for _, k := range effects.SortedKeys() {
			d.apply(k, ir.Reading{Value: effects[k], ObservedAt: at})
		}

		ack.At = at
		select {
		case d.acks <- ack:
		case <-d.done:
		}
	}()
}

// apply stores a reading, wakes waiters, then propagates it through links.
// Links are followed after the lock is released so linked drivers never
// hold each other's locks; an unchanged reading stops propagation.
func (d *Driver) apply(target string, r ir.Reading) {
	d.mu.Lock()
	if cur, ok := d.state[target]; ok && ir.Equal(cur.Value, r.Value) && cur.ObservedAt.Equal(r.ObservedAt) {
		d.mu.Unlock()
		return
	}
	d.state[target] = r
	close(d.changed)
	d.changed = make(chan struct{})
	links := append([]link(nil), d.links[target]...)
	d.mu.Unlock()

	for _, l := range links {
		l.to.apply(l.target, r)
	}
}

func (d *Driver) recordLocked(method, target, id string, v ir.Value) {
	d.calls = append(d.calls, Call{
		Seq:           len(d.calls) + 1,
		Method:        method,
		Target:        target,
		CorrelationID: id,
		Value:         v,
		At:            d.now(),
	})
}
