package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vorch/internal/catalog"
	"github.com/roach88/vorch/internal/driver"
	"github.com/roach88/vorch/internal/driver/sim"
	"github.com/roach88/vorch/internal/evidence"
	"github.com/roach88/vorch/internal/fault"
	"github.com/roach88/vorch/internal/ir"
	"github.com/roach88/vorch/internal/testutil"
)

type fixture struct {
	broker  *Broker
	signal  *sim.Driver
	backend *sim.Driver
	service *sim.Driver
	events  *evidence.Memory
	ids     *testutil.SequentialIDs
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]ir.SignalDescriptor{
		{
			Name: "ignition", Channel: "body", Type: ir.TypeEnum, FrameID: 0x1A0,
			Enum: []string{"OFF", "ACC", "ON"}, Mapping: map[string]int64{"OFF": 0, "ACC": 1, "ON": 2},
		},
		{Name: "gear", Channel: "powertrain", Type: ir.TypeEnum, Enum: []string{"P", "R", "N", "D"}},
		{Name: "vehicleSpeed", Channel: "powertrain", Type: ir.TypeFloat, Range: &ir.Range{Min: 0, Max: 250}},
		{Name: "wiperLevel", Channel: "body", Type: ir.TypeUint, Range: &ir.Range{Min: 0, Max: 3}},
	}, nil, nil)
	require.NoError(t, err)
	return c
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		signal:  sim.New(ir.CapabilitySignal),
		backend: sim.New(ir.CapabilityBackend),
		service: sim.New(ir.CapabilityService),
		events:  evidence.NewMemory(),
		ids:     testutil.NewSequentialIDs("cmd"),
	}
	base := []Option{
		WithCatalog(testCatalog(t)),
		WithRecorder(f.events),
		WithIDGenerator(f.ids),
		WithRetryDelay(5 * time.Millisecond),
		WithDefaultTimeout(time.Second),
	}
	b, err := New([]driver.Driver{f.signal, f.backend, f.service}, append(base, opts...)...)
	require.NoError(t, err)
	f.broker = b

	t.Cleanup(func() {
		b.Close()
		f.signal.Close()
		f.backend.Close()
		f.service.Close()
	})
	return f
}

func setStep(target string, v ir.Value) ir.Step {
	return ir.Step{
		Capability: ir.CapabilitySignal, Action: ir.ActionSet, Target: target,
		Params: ir.Object{ValueParam: v}, Required: true,
	}
}

func eventTransitions(events []evidence.Event) []string {
	var out []string
	for _, e := range events {
		if e.Kind == evidence.KindTransition {
			out = append(out, e.From+">"+e.To)
		}
	}
	return out
}

func TestNewRejectsDuplicateCapability(t *testing.T) {
	_, err := New([]driver.Driver{sim.New(ir.CapabilitySignal), sim.New(ir.CapabilitySignal)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "two drivers")
}

func TestNewRejectsBadTimeout(t *testing.T) {
	_, err := New(nil, WithDefaultTimeout(0))
	assert.Error(t, err)
}

func TestExecuteSetAcked(t *testing.T) {
	f := newFixture(t)

	out, err := f.broker.Execute(context.Background(), setStep("ignition", ir.String("off")))
	require.NoError(t, err)

	assert.Equal(t, StateAcked, out.State)
	assert.Equal(t, "body", out.Lane)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "cmd-0001", out.CorrelationID)
	assert.Equal(t, ir.String("OFF"), out.Value, "enum values are case-normalized")

	calls := f.signal.CallsTo("set", "ignition")
	require.Len(t, calls, 1)
	assert.Equal(t, ir.String("OFF"), calls[0].Value)
	assert.Equal(t, "cmd-0001", calls[0].CorrelationID)

	cmd, ok := f.broker.Command("cmd-0001")
	require.True(t, ok)
	assert.Equal(t, StateAcked, cmd.State)
	assert.Equal(t, ir.String("OFF"), cmd.Value)

	assert.Equal(t,
		[]string{"created>sent", "sent>awaiting_ack", "awaiting_ack>acked"},
		eventTransitions(f.events.ForCommand("cmd-0001")))

	outcomes := f.events.OfKind(evidence.KindOutcome)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "acked", outcomes[0].To)
	assert.Contains(t, outcomes[0].Details, evidence.DetailElapsed)
}

func TestExecuteSetLocalValidation(t *testing.T) {
	tests := []struct {
		name  string
		step  ir.Step
		match string
	}{
		{"enum value not in dictionary", setStep("ignition", ir.String("START")), "not one of"},
		{"out of range", setStep("vehicleSpeed", ir.Float(300)), "outside"},
		{"fractional uint", setStep("wiperLevel", ir.Float(1.5)), "integer"},
		{"missing value", ir.Step{Capability: ir.CapabilitySignal, Action: ir.ActionSet, Target: "ignition"}, "requires"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.step.Retries = 3

			out, err := f.broker.Execute(context.Background(), tt.step)
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.Rejected))
			assert.Contains(t, err.Error(), tt.match)
			assert.Equal(t, StateRejected, out.State)
			assert.Equal(t, 1, out.Attempts, "rejections are never retried")
			assert.Empty(t, f.signal.Calls(), "nothing reaches the driver")
			assert.Equal(t, []string{"created>rejected"}, eventTransitions(f.events.Events()))
		})
	}
}

func TestExecuteNegativeAckNotRetried(t *testing.T) {
	f := newFixture(t)
	f.backend.Script("remoteUnlock", sim.Behavior{Mode: sim.ModeReject, Reason: "vehicle not paired"})

	out, err := f.broker.Execute(context.Background(), ir.Step{
		Capability: ir.CapabilityBackend, Action: ir.ActionDispatch, Target: "remoteUnlock", Retries: 2, Required: true,
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Rejected))
	assert.Equal(t, fault.ClassSUT, fault.ClassOf(err))
	assert.Contains(t, err.Error(), "vehicle not paired")
	assert.Equal(t, 1, out.Attempts)
	assert.Len(t, f.backend.CallsTo("dispatch", "remoteUnlock"), 1)
}

func TestExecuteSynchronousRefusal(t *testing.T) {
	f := newFixture(t)
	f.backend.Script("remoteUnlock", sim.Behavior{Mode: sim.ModeRefuse, Reason: "door open"})

	out, err := f.broker.Execute(context.Background(), ir.Step{
		Capability: ir.CapabilityBackend, Action: ir.ActionDispatch, Target: "remoteUnlock", Retries: 1,
	})
	assert.True(t, fault.Is(err, fault.Rejected))
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, []string{"created>sent", "sent>rejected"}, eventTransitions(f.events.Events()))
}

func TestBackendTimeoutWithRetry(t *testing.T) {
	f := newFixture(t)
	f.backend.Script("remoteUnlock", sim.Behavior{Mode: sim.ModeNeverAck})

	out, err := f.broker.Execute(context.Background(), ir.Step{
		Capability: ir.CapabilityBackend, Action: ir.ActionDispatch, Target: "remoteUnlock",
		Timeout: 40 * time.Millisecond, Retries: 1, Required: true,
	})
	require.Error(t, err)

	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.Timeout, fe.Code)
	assert.Equal(t, 2, fe.Attempts)
	assert.Equal(t, "backend", fe.Channel)
	assert.GreaterOrEqual(t, fe.Elapsed, 80*time.Millisecond)

	assert.Equal(t, StateTimedOut, out.State)
	assert.Equal(t, 2, out.Attempts)

	calls := f.backend.CallsTo("dispatch", "remoteUnlock")
	require.Len(t, calls, 2, "k retries mean k+1 attempts")
	assert.NotEqual(t, calls[0].CorrelationID, calls[1].CorrelationID, "each attempt is a fresh command")

	for _, id := range []string{calls[0].CorrelationID, calls[1].CorrelationID} {
		cmd, ok := f.broker.Command(id)
		require.True(t, ok)
		assert.Equal(t, StateTimedOut, cmd.State)
	}
	assert.Len(t, f.events.OfKind(evidence.KindRetry), 1)
}

func TestRetryRecoversOnSecondAttempt(t *testing.T) {
	f := newFixture(t)
	f.backend.Script("clearDtc",
		sim.Behavior{Mode: sim.ModeUnavailable},
		sim.Behavior{Mode: sim.ModeAck},
	)

	out, err := f.broker.Execute(context.Background(), ir.Step{
		Capability: ir.CapabilityBackend, Action: ir.ActionDispatch, Target: "clearDtc", Retries: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, StateAcked, out.State)
	assert.Equal(t, 2, out.Attempts)

	first, ok := f.broker.Command("cmd-0001")
	require.True(t, ok)
	assert.Equal(t, StateUnavailable, first.State)
}

func TestChannelUnavailableExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	f.service.SetUnavailable(true)

	out, err := f.broker.Execute(context.Background(), ir.Step{
		Capability: ir.CapabilityService, Action: ir.ActionSet, Target: "hvacMode",
		Params: ir.Object{ValueParam: ir.String("AUTO")}, Retries: 2,
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ChannelUnavailable))
	assert.Equal(t, fault.ClassEnvironment, fault.ClassOf(err))
	assert.Equal(t, 3, out.Attempts)
	assert.True(t, errors.Is(err, driver.ErrUnavailable))
}

func TestMissingDriver(t *testing.T) {
	f := newFixture(t)

	out, err := f.broker.Execute(context.Background(), ir.Step{
		Capability: ir.CapabilityDiagnostic, Action: ir.ActionDispatch, Target: "clearDtc",
	})
	assert.True(t, fault.Is(err, fault.ChannelUnavailable))
	assert.Equal(t, StateUnavailable, out.State)
	assert.False(t, f.broker.HasCapability(ir.CapabilityDiagnostic))
	assert.True(t, f.broker.HasCapability(ir.CapabilityBackend))
}

func TestLateAckIsDiscardedAndRecorded(t *testing.T) {
	f := newFixture(t)
	f.backend.Script("remoteLock", sim.Behavior{Mode: sim.ModeAck, Delay: 80 * time.Millisecond})

	_, err := f.broker.Execute(context.Background(), ir.Step{
		Capability: ir.CapabilityBackend, Action: ir.ActionDispatch, Target: "remoteLock", Timeout: 10 * time.Millisecond,
	})
	require.True(t, fault.Is(err, fault.Timeout))

	require.Eventually(t, func() bool {
		return len(f.events.OfKind(evidence.KindLateAck)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	late := f.events.OfKind(evidence.KindLateAck)[0]
	assert.Equal(t, "cmd-0001", late.CorrelationID)
	assert.Equal(t, "timed_out", late.From)

	cmd, _ := f.broker.Command("cmd-0001")
	assert.Equal(t, StateTimedOut, cmd.State, "terminal states are final")
}

func TestWaitStep(t *testing.T) {
	f := newFixture(t)
	f.backend.Script("remoteUnlock", sim.Behavior{
		Mode: sim.ModeAck, Delay: 20 * time.Millisecond,
		Effects: ir.Object{"doorLockState": ir.String("UNLOCKED")},
	})
	f.backend.Link("doorLockState", f.service, "doorLockState")

	ctx := context.Background()
	_, err := f.broker.Execute(ctx, ir.Step{Capability: ir.CapabilityBackend, Action: ir.ActionDispatch, Target: "remoteUnlock"})
	require.NoError(t, err)

	out, err := f.broker.Execute(ctx, ir.Step{
		Capability: ir.CapabilityService, Action: ir.ActionWait, Target: "doorLockState",
		Params: ir.Object{"equals": ir.String("unlocked")}, Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, ir.String("UNLOCKED"), out.Value)
	assert.Empty(t, out.CorrelationID, "waits create no command")
}

func TestWaitTimeout(t *testing.T) {
	f := newFixture(t)
	f.signal.Seed("gear", ir.String("P"), time.Now())

	out, err := f.broker.Execute(context.Background(), ir.Step{
		Capability: ir.CapabilitySignal, Action: ir.ActionWait, Target: "gear",
		Params: ir.Object{"equals": ir.String("D")}, Timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Timeout))
	assert.Equal(t, StateTimedOut, out.State)
	assert.Equal(t, "powertrain", out.Lane)
}

func TestWaitWithoutCondition(t *testing.T) {
	f := newFixture(t)
	_, err := f.broker.Execute(context.Background(), ir.Step{
		Capability: ir.CapabilitySignal, Action: ir.ActionWait, Target: "gear", Retries: 2,
	})
	assert.True(t, fault.Is(err, fault.Rejected))
}

func TestQueryNotExposed(t *testing.T) {
	f := newFixture(t)
	f.service.Seed("doorLockState", ir.String("LOCKED"), time.Now())
	f.service.Hide("doorLockState")

	_, err := f.broker.Execute(context.Background(), ir.Step{
		Capability: ir.CapabilityService, Action: ir.ActionQuery, Target: "doorLockState",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrNotExposed))
}

func TestRead(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	f.signal.Seed("ignition", ir.String("ON"), at)

	r, err := f.broker.Read(context.Background(), ir.CapabilitySignal, "ignition")
	require.NoError(t, err)
	assert.Equal(t, ir.String("ON"), r.Value)
	assert.Equal(t, at, r.ObservedAt)

	_, err = f.broker.Read(context.Background(), ir.CapabilityDiagnostic, "dtc")
	assert.True(t, fault.Is(err, fault.ChannelUnavailable))
}

func TestExecuteAfterClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.broker.Close())
	require.NoError(t, f.broker.Close(), "close is idempotent")

	out, err := f.broker.Execute(context.Background(), setStep("ignition", ir.String("OFF")))
	assert.True(t, fault.Is(err, fault.ChannelUnavailable))
	assert.Equal(t, StateUnavailable, out.State)
}

func TestCloseUnblocksPendingCommand(t *testing.T) {
	f := newFixture(t)
	f.backend.Script("remoteUnlock", sim.Behavior{Mode: sim.ModeNeverAck})

	done := make(chan error, 1)
	go func() {
		_, err := f.broker.Execute(context.Background(), ir.Step{
			Capability: ir.CapabilityBackend, Action: ir.ActionDispatch, Target: "remoteUnlock", Timeout: time.Minute,
		})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(f.backend.CallsTo("dispatch", "remoteUnlock")) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.broker.Close())

	select {
	case err := <-done:
		assert.True(t, fault.Is(err, fault.ChannelUnavailable))
	case <-time.After(2 * time.Second):
		t.Fatal("Execute still blocked after Close")
	}
}
