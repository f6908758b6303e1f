// Package broker implements the Interaction Broker: it turns steps into
// correlated commands against capability drivers, tracks their lifecycle and
// acknowledgements, and schedules them on per-channel lanes.
//
// Every step runs on a lane. A lane is a FIFO queue with a single worker, so
// steps sharing a channel execute strictly in submission order while
// different channels proceed in parallel. Set and dispatch steps become
// Commands with a fresh correlation id per attempt; their acknowledgement is
// delivered to a per-command future by one ack pump per driver. Wait and query
// steps are bounded reads and create no Command.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/vorch/internal/catalog"
	"github.com/roach88/vorch/internal/driver"
	"github.com/roach88/vorch/internal/evidence"
	"github.com/roach88/vorch/internal/fault"
	"github.com/roach88/vorch/internal/ir"
	"github.com/roach88/vorch/internal/predicate"
)

const (
	// DefaultTimeout bounds a step that carries no timeout of its own.
	DefaultTimeout = 5 * time.Second

	// DefaultRetryDelay separates attempts of a retried step.
	DefaultRetryDelay = 100 * time.Millisecond
)

// Outcome is the result of one step across all of its attempts.
type Outcome struct {
	// Index is the step's position in the plan (0 for Execute).
	Index int
	Step  ir.Step
	Lane  string

	// State is the final command state for set/dispatch, StateCompleted for
	// a successful wait/query, or StateSkipped.
	State State

	// CorrelationID is the id of the last attempt's command, if any.
	CorrelationID string
	Attempts      int

	// Value is the normalized set value, the ack value of a dispatch, or
	// the observed value of a wait/query.
	Value      ir.Value
	ObservedAt time.Time

	Started  time.Time
	Finished time.Time

	// Err is a *fault.Error when the step failed.
	Err error
}

// Elapsed returns the wall time of the step.
func (o Outcome) Elapsed() time.Duration {
	return o.Finished.Sub(o.Started)
}

// OK reports whether the step succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil && o.State != StateSkipped
}

// Option configures a Broker.
type Option func(*Broker)

// WithCatalog supplies the signal dictionary used for lane selection and
// value encoding.
func WithCatalog(c *catalog.Catalog) Option {
	return func(b *Broker) { b.catalog = c }
}

// WithRecorder sets the evidence recorder. Events are sequenced by the broker
// before they reach it.
func WithRecorder(r evidence.Recorder) Option {
	return func(b *Broker) { b.sink = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithIDGenerator sets the correlation id generator. Defaults to UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(b *Broker) { b.ids = g }
}

// WithClock sets the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithRetryDelay sets the fixed delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Broker) { b.retryDelay = d }
}

// WithDefaultTimeout sets the timeout of steps that carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Broker) { b.defaultTimeout = d }
}

// Broker dispatches steps to capability drivers.
//
// Thread-safety: all methods are safe for concurrent use.
type Broker struct {
	drivers        map[ir.CapabilityKind]driver.Driver
	catalog        *catalog.Catalog
	logger         *slog.Logger
	ids            IDGenerator
	now            func() time.Time
	retryDelay     time.Duration
	defaultTimeout time.Duration
	sink           evidence.Recorder
	recorder       *evidence.Sequencer

	mu       sync.Mutex
	lanes    map[string]*lane
	pending  map[string]*command // awaiting an ack
	commands map[string]*command // every command ever created
	closed   bool

	done    chan struct{}
	stop    context.Context // canceled by Close
	cancel  context.CancelFunc
	workers sync.WaitGroup
	pumps   sync.WaitGroup
}

// New creates a broker over the given drivers, at most one per capability
// kind, and starts one ack pump per driver.
func New(drivers []driver.Driver, opts ...Option) (*Broker, error) {
	b := &Broker{
		drivers:        make(map[ir.CapabilityKind]driver.Driver),
		logger:         slog.Default(),
		ids:            UUIDv7Generator{},
		now:            time.Now,
		retryDelay:     DefaultRetryDelay,
		defaultTimeout: DefaultTimeout,
		sink:           evidence.Discard,
		lanes:          make(map[string]*lane),
		pending:        make(map[string]*command),
		commands:       make(map[string]*command),
		done:           make(chan struct{}),
	}
	b.stop, b.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(b)
	}

	for _, d := range drivers {
		if d == nil {
			return nil, errors.New("broker: nil driver")
		}
		kind := d.Kind()
		if !kind.Valid() {
			return nil, fmt.Errorf("broker: driver has unknown capability %q", kind)
		}
		if _, dup := b.drivers[kind]; dup {
			return nil, fmt.Errorf("broker: two drivers for capability %s", kind)
		}
		b.drivers[kind] = d
	}
	if b.defaultTimeout <= 0 {
		return nil, fmt.Errorf("broker: default timeout must be positive, got %s", b.defaultTimeout)
	}
	if b.retryDelay < 0 {
		return nil, fmt.Errorf("broker: negative retry delay %s", b.retryDelay)
	}

	b.recorder = evidence.NewSequencer(b.sink, nil, b.now)
	for _, d := range b.drivers {
		b.pumps.Add(1)
		go b.pump(d)
	}
	return b, nil
}

// Recorder returns the sequenced recorder the broker writes to, so other
// components can append to the same ordered trace.
func (b *Broker) Recorder() evidence.Recorder {
	return b.recorder
}

// HasCapability reports whether a driver for kind was injected.
func (b *Broker) HasCapability(kind ir.CapabilityKind) bool {
	_, ok := b.drivers[kind]
	return ok
}

// Command returns a snapshot of the command with the given correlation id.
func (b *Broker) Command(id string) (Command, bool) {
	b.mu.Lock()
	c, ok := b.commands[id]
	b.mu.Unlock()
	if !ok {
		return Command{}, false
	}
	return c.snapshot(), true
}

// Execute runs one step on its lane and waits for the outcome.
// The returned error is the outcome's error.
func (b *Broker) Execute(ctx context.Context, step ir.Step) (Outcome, error) {
	key := b.laneKey(step)
	j := &job{ctx: ctx, step: step.Clone(), lane: key, result: make(chan Outcome, 1)}
	if !b.submit(j) {
		out := b.closedOutcome(step, key)
		return out, out.Err
	}
	out := <-j.result
	return out, out.Err
}

// Read returns the current value of a target through the driver's plain Get.
func (b *Broker) Read(ctx context.Context, kind ir.CapabilityKind, target string) (ir.Reading, error) {
	d, ok := b.drivers[kind]
	if !ok {
		return ir.Reading{}, &fault.Error{
			Code: fault.ChannelUnavailable, Message: fmt.Sprintf("no %s driver", kind),
			Target: target, Channel: string(kind),
		}
	}
	ctx, cancel := context.WithTimeout(ctx, b.defaultTimeout)
	defer cancel()

	start := b.now()
	r, err := d.Get(ctx, target)
	if err != nil {
		return ir.Reading{}, &fault.Error{
			Code: classify(err), Message: "read failed",
			Target: target, Channel: string(kind), Elapsed: b.now().Sub(start), Err: err,
		}
	}
	return r, nil
}

// Close stops the lanes and ack pumps. Queued steps that have not started
// fail with ChannelUnavailable; drivers are owned by the caller and are not
// closed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.cancel()
	lanes := make([]*lane, 0, len(b.lanes))
	for _, l := range b.lanes {
		lanes = append(lanes, l)
	}
	b.mu.Unlock()

	for _, l := range lanes {
		l.queue.Close()
	}
	b.workers.Wait()
	b.pumps.Wait()
	return nil
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Broker) submit(j *job) bool {
	l, ok := b.lane(j.lane)
	if !ok {
		return false
	}
	return l.queue.Enqueue(j)
}

// pump delivers a driver's acks to the waiting commands.
func (b *Broker) pump(d driver.Driver) {
	defer b.pumps.Done()
	acks := d.Acks()
	for {
		select {
		case <-b.done:
			return
		case ack, ok := <-acks:
			if !ok {
				return
			}
			b.deliver(d.Kind(), ack)
		}
	}
}

func (b *Broker) deliver(kind ir.CapabilityKind, ack driver.Ack) {
	b.mu.Lock()
	c, ok := b.pending[ack.CorrelationID]
	if ok {
		delete(b.pending, ack.CorrelationID)
	}
	b.mu.Unlock()

	if !ok {
		b.lateAck(kind, ack)
		return
	}
	at := ack.At
	if at.IsZero() {
		at = b.now()
	}
	c.ack <- ackResult{ok: ack.OK, reason: ack.Reason, value: ack.Value, at: at}
}

func (b *Broker) lateAck(kind ir.CapabilityKind, ack driver.Ack) {
	state := "unknown"
	b.mu.Lock()
	if c, known := b.commands[ack.CorrelationID]; known {
		state = string(c.snapshot().State)
	}
	b.mu.Unlock()

	b.logger.Warn("discarding late acknowledgement",
		"correlation_id", ack.CorrelationID, "capability", kind, "state", state, "ok", ack.OK)
	b.recorder.Record(evidence.Event{
		Kind:          evidence.KindLateAck,
		CorrelationID: ack.CorrelationID,
		Capability:    kind,
		From:          state,
		Error:         ack.Reason,
		Details:       map[string]string{"ok": strconv.FormatBool(ack.OK)},
	})
}

// execute runs all attempts of a step. Called by lane workers only.
func (b *Broker) execute(ctx context.Context, step ir.Step, laneKey string) Outcome {
	out := Outcome{Step: step, Lane: laneKey, Started: b.now()}

	fail := func(code fault.Code, err error, msg string) Outcome {
		out.Finished = b.now()
		out.Err = &fault.Error{
			Code: code, Message: msg, Target: step.Target, Channel: laneKey,
			Elapsed: out.Finished.Sub(out.Started), Attempts: out.Attempts, Err: err,
		}
		b.recordOutcome(out)
		return out
	}

	if err := step.Validate(); err != nil {
		out.State = StateRejected
		return fail(fault.Rejected, err, "invalid step")
	}
	d, ok := b.drivers[step.Capability]
	if !ok {
		out.State = StateUnavailable
		return fail(fault.ChannelUnavailable, nil, fmt.Sprintf("no %s driver", step.Capability))
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	var last *fault.Error
	for attempt := 1; attempt <= step.Retries+1; attempt++ {
		if attempt > 1 {
			b.logger.Info("retrying step", "step", step.String(), "attempt", attempt, "lane", laneKey, "code", last.Code)
			b.recorder.Record(evidence.Event{
				Kind: evidence.KindRetry, Lane: laneKey, Capability: step.Capability, Action: step.Action,
				Target: step.Target, Attempt: attempt, Code: string(last.Code), Error: last.Message,
			})
			if !b.sleep(ctx, b.retryDelay) {
				break
			}
		}
		out.Attempts = attempt

		var res attemptResult
		if step.Action.IsCommand() {
			res = b.attemptCommand(ctx, d, step, laneKey, attempt, timeout)
		} else {
			res = b.attemptRead(ctx, d, step, timeout)
		}
		if res.err != nil && b.isClosed() {
			res.err = fault.Wrap(fault.ChannelUnavailable, res.err, "broker closed")
			res.state = StateUnavailable
		}
		out.State = res.state
		out.CorrelationID = res.correlationID
		if res.err == nil {
			out.Value = res.value
			out.ObservedAt = res.observedAt
			out.Finished = b.now()
			b.recordOutcome(out)
			return out
		}
		last = res.err
		if !last.Code.Retryable() || b.isClosed() {
			break
		}
	}

	out.Finished = b.now()
	last.Target = step.Target
	last.Channel = laneKey
	last.Attempts = out.Attempts
	last.Elapsed = out.Finished.Sub(out.Started)
	out.Err = last
	b.recordOutcome(out)
	return out
}

type attemptResult struct {
	state         State
	correlationID string
	value         ir.Value
	observedAt    time.Time
	err           *fault.Error
}

// attemptCommand submits one set or dispatch and waits for its ack.
func (b *Broker) attemptCommand(ctx context.Context, d driver.Driver, step ir.Step, laneKey string, attempt int, timeout time.Duration) attemptResult {
	submitted := b.now()
	c := newCommand(Command{
		CorrelationID: b.ids.Generate(),
		Capability:    step.Capability,
		Action:        step.Action,
		Lane:          laneKey,
		Target:        step.Target,
		Params:        step.Params.Clone(),
		SubmittedAt:   submitted,
		Attempt:       attempt,
	})
	id := c.snap.CorrelationID

	b.mu.Lock()
	if _, dup := b.commands[id]; dup {
		b.mu.Unlock()
		return attemptResult{state: StateRejected, err: fault.New(fault.Rejected, "duplicate correlation id %s", id)}
	}
	b.commands[id] = c
	b.mu.Unlock()

	res := attemptResult{correlationID: id}
	finish := func(state State, code fault.Code, reason string, err error) attemptResult {
		b.move(c, step, state, reason, code)
		res.state = state
		if code != "" {
			res.err = &fault.Error{Code: code, Message: reason, Value: ir.Text(c.snapshot().Value), Err: err}
		}
		return res
	}

	var value, payload ir.Value
	if step.Action == ir.ActionSet {
		var err error
		value, payload, err = encodeSet(b.descriptor(step), step.Params)
		if err != nil {
			return finish(StateRejected, fault.Rejected, err.Error(), err)
		}
		c.setValue(value)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Register before handing the command to the driver so an immediate ack
	// finds its future.
	b.mu.Lock()
	b.pending[id] = c
	b.mu.Unlock()
	b.move(c, step, StateSent, "", "")

	var err error
	if step.Action == ir.ActionSet {
		err = d.Set(ctx, driver.SetRequest{
			CorrelationID: id, Target: step.Target, Value: value, Payload: payload,
			Params: withoutValue(step.Params),
		})
	} else {
		err = d.Dispatch(ctx, driver.DispatchRequest{CorrelationID: id, Target: step.Target, Params: step.Params.Clone()})
	}
	if err != nil {
		b.unregister(id)
		code := classify(err)
		state := StateUnavailable
		switch code {
		case fault.Rejected:
			state = StateRejected
		case fault.Timeout:
			state = StateTimedOut
		}
		return finish(state, code, err.Error(), err)
	}
	b.move(c, step, StateAwaitingAck, "", "")

	select {
	case a := <-c.ack:
		if a.value != nil {
			res.value = a.value
		} else {
			res.value = value
		}
		res.observedAt = a.at
		if step.Action == ir.ActionDispatch && a.value != nil {
			c.setValue(a.value)
		}
		if !a.ok {
			reason := a.reason
			if reason == "" {
				reason = "negative acknowledgement"
			}
			return finish(StateRejected, fault.Rejected, reason, nil)
		}
		return finish(StateAcked, "", "", nil)
	case <-ctx.Done():
		b.unregister(id)
		b.drainLate(c, step)
		return finish(StateTimedOut, fault.Timeout, fmt.Sprintf("no acknowledgement within %s", timeout), ctx.Err())
	case <-b.done:
		b.unregister(id)
		return finish(StateUnavailable, fault.ChannelUnavailable, "broker closed", nil)
	}
}

// attemptRead runs one wait or query under the step timeout.
func (b *Broker) attemptRead(ctx context.Context, d driver.Driver, step ir.Step, timeout time.Duration) attemptResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		r   ir.Reading
		err error
	)
	switch step.Action {
	case ir.ActionWait:
		pred, perr := predicate.FromParams(step.Target, step.Params)
		if perr != nil {
			return attemptResult{state: StateRejected, err: fault.Wrap(fault.Rejected, perr, "invalid wait condition")}
		}
		r, err = d.WaitFor(ctx, step.Target, pred)
		if err != nil && classify(err) == fault.Timeout {
			return attemptResult{
				state: StateTimedOut,
				err:   fault.Wrap(fault.Timeout, err, "condition %s not met within %s", pred, timeout),
			}
		}
	default:
		r, err = d.QueryState(ctx, step.Target)
	}
	if err != nil {
		code := classify(err)
		state := StateUnavailable
		switch code {
		case fault.Rejected:
			state = StateRejected
		case fault.Timeout:
			state = StateTimedOut
		}
		return attemptResult{state: state, err: fault.Wrap(code, err, "%s failed", step.Action)}
	}
	return attemptResult{state: StateCompleted, value: r.Value, observedAt: r.ObservedAt}
}

func (b *Broker) descriptor(step ir.Step) *ir.SignalDescriptor {
	if step.Capability != ir.CapabilitySignal || b.catalog == nil {
		return nil
	}
	d, ok := b.catalog.Signal(step.Target)
	if !ok {
		return nil
	}
	return &d
}

func (b *Broker) unregister(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// drainLate records an ack that reached the future after the command gave up.
func (b *Broker) drainLate(c *command, step ir.Step) {
	select {
	case a := <-c.ack:
		b.lateAck(step.Capability, driver.Ack{CorrelationID: c.snap.CorrelationID, OK: a.ok, Reason: a.reason, At: a.at})
	default:
	}
}

// move applies a lifecycle transition and records it.
func (b *Broker) move(c *command, step ir.Step, next State, reason string, code fault.Code) {
	prev, err := c.transition(next, reason)
	snap := c.snapshot()
	if err != nil {
		b.logger.Error("command lifecycle violation", "correlation_id", snap.CorrelationID, "error", err)
		return
	}
	b.logger.Debug("command transition",
		"correlation_id", snap.CorrelationID, "lane", snap.Lane, "step", step.String(),
		"from", prev, "to", next, "attempt", snap.Attempt)
	b.recorder.Record(evidence.Event{
		Kind:          evidence.KindTransition,
		CorrelationID: snap.CorrelationID,
		Lane:          snap.Lane,
		Capability:    snap.Capability,
		Action:        snap.Action,
		Target:        snap.Target,
		From:          string(prev),
		To:            string(next),
		Attempt:       snap.Attempt,
		Value:         ir.Text(snap.Value),
		Code:          string(code),
		Error:         reason,
	})
}

func (b *Broker) recordOutcome(out Outcome) {
	e := evidence.Event{
		Kind:          evidence.KindOutcome,
		CorrelationID: out.CorrelationID,
		Lane:          out.Lane,
		Capability:    out.Step.Capability,
		Action:        out.Step.Action,
		Target:        out.Step.Target,
		To:            string(out.State),
		Attempt:       out.Attempts,
		Value:         ir.Text(out.Value),
		Details: map[string]string{
			evidence.DetailElapsed: strconv.FormatInt(out.Elapsed().Milliseconds(), 10),
			"index":                strconv.Itoa(out.Index),
		},
	}
	if fe, ok := fault.As(out.Err); ok {
		e.Code = string(fe.Code)
		e.Error = fe.Message
		e.Details["class"] = string(fe.Class())
		b.logger.Warn("step failed", "step", out.Step.String(), "lane", out.Lane, "code", fe.Code, "attempts", out.Attempts, "error", fe.Message)
	}
	b.recorder.Record(e)
}

func (b *Broker) skipped(j *job) Outcome {
	now := b.now()
	out := Outcome{Index: j.index, Step: j.step, Lane: j.lane, State: StateSkipped, Started: now, Finished: now}
	b.recordOutcome(out)
	return out
}

func (b *Broker) closedOutcome(step ir.Step, laneKey string) Outcome {
	now := b.now()
	return Outcome{
		Step: step, Lane: laneKey, State: StateUnavailable, Started: now, Finished: now,
		Err: &fault.Error{Code: fault.ChannelUnavailable, Message: "broker closed", Target: step.Target, Channel: laneKey},
	}
}

// sleep waits d, returning false if ctx or the broker ended first.
func (b *Broker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	}
}

// classify maps a driver or context error onto the fault taxonomy.
func classify(err error) fault.Code {
	switch {
	case errors.Is(err, driver.ErrUnavailable):
		return fault.ChannelUnavailable
	case errors.Is(err, driver.ErrRejected), errors.Is(err, driver.ErrNotExposed), errors.Is(err, driver.ErrUnsupported):
		return fault.Rejected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fault.Timeout
	default:
		return fault.ChannelUnavailable
	}
}
