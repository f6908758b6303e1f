package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vorch/internal/driver/sim"
	"github.com/roach88/vorch/internal/evidence"
	"github.com/roach88/vorch/internal/fault"
	"github.com/roach88/vorch/internal/ir"
)

func dispatch(target string) ir.Step {
	return ir.Step{Capability: ir.CapabilityBackend, Action: ir.ActionDispatch, Target: target, Required: true}
}

func TestExecutePlanPreservesLaneOrder(t *testing.T) {
	f := newFixture(t)
	// Earlier steps are slower: a lane that did not serialize would
	// complete them out of order.
	for i := 0; i < 5; i++ {
		f.backend.Script(fmt.Sprintf("cmd%d", i), sim.Behavior{Mode: sim.ModeAck, Delay: time.Duration(25-5*i) * time.Millisecond})
	}

	var steps []ir.Step
	for i := 0; i < 5; i++ {
		steps = append(steps, dispatch(fmt.Sprintf("cmd%d", i)))
	}
	outcomes, err := f.broker.ExecutePlan(context.Background(), steps)
	require.NoError(t, err)
	require.Len(t, outcomes, 5)

	calls := f.backend.Calls()
	require.Len(t, calls, 5)
	for i, c := range calls {
		assert.Equal(t, fmt.Sprintf("cmd%d", i), c.Target)
		assert.Equal(t, i, outcomes[i].Index)
	}
	for i := 1; i < 5; i++ {
		assert.False(t, outcomes[i].Started.Before(outcomes[i-1].Finished), "step %d started before step %d finished", i, i-1)
	}
}

func TestExecutePlanRunsLanesInParallel(t *testing.T) {
	f := newFixture(t)
	delay := 150 * time.Millisecond
	f.backend.Script("remoteUnlock", sim.Behavior{Mode: sim.ModeAck, Delay: delay})
	f.service.Script("hvacMode", sim.Behavior{Mode: sim.ModeAck, Delay: delay})
	f.signal.Script("ignition", sim.Behavior{Mode: sim.ModeAck, Delay: delay})

	start := time.Now()
	outcomes, err := f.broker.ExecutePlan(context.Background(), []ir.Step{
		dispatch("remoteUnlock"),
		{Capability: ir.CapabilityService, Action: ir.ActionSet, Target: "hvacMode", Params: ir.Object{ValueParam: ir.String("AUTO")}, Required: true},
		setStep("ignition", ir.String("ON")),
	})
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 3*delay-20*time.Millisecond, "independent lanes overlap")
	lanes := map[string]bool{}
	for _, o := range outcomes {
		lanes[o.Lane] = true
		assert.Equal(t, StateAcked, o.State)
	}
	assert.Len(t, lanes, 3)
}

func TestExecutePlanRequiredFailureSkipsRemaining(t *testing.T) {
	f := newFixture(t)
	f.backend.Script("first", sim.Behavior{Mode: sim.ModeReject, Reason: "denied"})

	outcomes, err := f.broker.ExecutePlan(context.Background(), []ir.Step{
		dispatch("first"),
		dispatch("second"),
		dispatch("third"),
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Rejected))

	require.Len(t, outcomes, 3)
	assert.Equal(t, StateRejected, outcomes[0].State)
	assert.Equal(t, StateSkipped, outcomes[1].State)
	assert.Equal(t, StateSkipped, outcomes[2].State)
	assert.False(t, outcomes[1].OK())
	assert.NoError(t, outcomes[1].Err)
	assert.Len(t, f.backend.Calls(), 1, "skipped steps never reach the driver")

	finished := f.events.OfKind(evidence.KindPlanFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, "failed", finished[0].To)
	assert.Equal(t, "2", finished[0].Details["skipped"])
}

func TestExecutePlanOptionalFailureContinues(t *testing.T) {
	f := newFixture(t)
	f.backend.Script("optional", sim.Behavior{Mode: sim.ModeReject})

	optional := dispatch("optional")
	optional.Required = false

	outcomes, err := f.broker.ExecutePlan(context.Background(), []ir.Step{optional, dispatch("next")})
	require.NoError(t, err)
	assert.Error(t, outcomes[0].Err)
	assert.Equal(t, StateAcked, outcomes[1].State)
}

func TestExecutePlanReturnsLowestIndexedFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.Script("slowFail", sim.Behavior{Mode: sim.ModeReject, Delay: 60 * time.Millisecond, Reason: "backend says no"})
	f.signal.Script("ignition", sim.Behavior{Mode: sim.ModeReject, Delay: 20 * time.Millisecond, Reason: "bus says no"})

	_, err := f.broker.ExecutePlan(context.Background(), []ir.Step{
		dispatch("slowFail"),
		setStep("ignition", ir.String("ON")),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend says no")
}

func TestExecutePlanStandbyThenDriving(t *testing.T) {
	f := newFixture(t)

	outcomes, err := f.broker.ExecutePlan(context.Background(), []ir.Step{
		setStep("ignition", ir.String("OFF")),
		setStep("ignition", ir.String("ON")),
		setStep("gear", ir.String("d")),
		{
			Capability: ir.CapabilitySignal, Action: ir.ActionWait, Target: "gear",
			Params: ir.Object{"equals": ir.String("D")}, Timeout: time.Second, Required: true,
		},
	})
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.True(t, o.OK(), "step %s: %v", o.Step, o.Err)
	}

	sets := f.signal.CallsTo("set", "ignition")
	require.Len(t, sets, 2)
	assert.Equal(t, ir.String("OFF"), sets[0].Value)
	assert.Equal(t, ir.String("ON"), sets[1].Value)

	r, ok := f.signal.Reading("gear")
	require.True(t, ok)
	assert.Equal(t, ir.String("D"), r.Value)

	started := f.events.OfKind(evidence.KindPlanStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "4", started[0].Details["steps"])
}

func TestExecutePlanEventsAreSequenced(t *testing.T) {
	f := newFixture(t)
	_, err := f.broker.ExecutePlan(context.Background(), []ir.Step{dispatch("a"), setStep("ignition", ir.String("ON"))})
	require.NoError(t, err)

	events := f.events.Events()
	require.NotEmpty(t, events)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.False(t, e.At.IsZero())
	}
	assert.Equal(t, evidence.KindPlanStarted, events[0].Kind)
	assert.Equal(t, evidence.KindPlanFinished, events[len(events)-1].Kind)
}
