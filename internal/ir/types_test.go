package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupportsTable(t *testing.T) {
	tests := []struct {
		capability CapabilityKind
		action     ActionKind
		want       bool
	}{
		{CapabilitySignal, ActionSet, true},
		{CapabilitySignal, ActionWait, true},
		{CapabilitySignal, ActionQuery, true},
		{CapabilitySignal, ActionDispatch, false},
		{CapabilityDiagnostic, ActionDispatch, true},
		{CapabilityDiagnostic, ActionSet, false},
		{CapabilityBackend, ActionDispatch, true},
		{CapabilityBackend, ActionSet, false},
		{CapabilityService, ActionSet, true},
		{CapabilityService, ActionDispatch, true},
		{CapabilityService, ActionWait, true},
		{CapabilityService, ActionQuery, true},
		{CapabilityKind("radio"), ActionSet, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.capability)+"/"+string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.want, Supports(tt.capability, tt.action))
		})
	}
}

func TestSupportedActionsReturnsCopy(t *testing.T) {
	actions := SupportedActions(CapabilitySignal)
	actions[0] = ActionDispatch
	assert.True(t, Supports(CapabilitySignal, ActionSet))
}

func TestActionIsCommand(t *testing.T) {
	assert.True(t, ActionSet.IsCommand())
	assert.True(t, ActionDispatch.IsCommand())
	assert.False(t, ActionWait.IsCommand())
	assert.False(t, ActionQuery.IsCommand())
}

func TestStepValidate(t *testing.T) {
	valid := Step{Capability: CapabilitySignal, Action: ActionSet, Target: "ignition"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		step Step
		want string
	}{
		{"unknown capability", Step{Capability: "radio", Action: ActionSet, Target: "x"}, "unknown capability"},
		{"unknown action", Step{Capability: CapabilitySignal, Action: "poke", Target: "x"}, "unknown action"},
		{"unsupported", Step{Capability: CapabilityBackend, Action: ActionSet, Target: "x"}, "does not support"},
		{"no target", Step{Capability: CapabilitySignal, Action: ActionSet}, "no target"},
		{"negative retries", Step{Capability: CapabilitySignal, Action: ActionSet, Target: "x", Retries: -1}, "negative retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEntryCloneIsDeep(t *testing.T) {
	entry := PreconditionEntry{
		Name:     "Driving",
		Requires: []string{"Standby"},
		Params:   Object{"gear": String("D")},
		Steps:    []Step{{Capability: CapabilitySignal, Action: ActionSet, Target: "gear", Params: Object{"value": String("${gear}")}}},
	}
	clone := entry.Clone()
	clone.Requires[0] = "Parked"
	clone.Steps[0].Params["value"] = String("R")
	clone.Params["gear"] = String("N")

	assert.Equal(t, "Standby", entry.Requires[0])
	assert.Equal(t, String("${gear}"), entry.Steps[0].Params["value"])
	assert.Equal(t, String("D"), entry.Params["gear"])
}

func TestSignalDescriptorClone(t *testing.T) {
	d := SignalDescriptor{Name: "speed", Range: &Range{Min: 0, Max: 250}, Enum: []string{"A"}, Mapping: map[string]int64{"A": 1}}
	c := d.Clone()
	c.Range.Max = 1
	c.Enum[0] = "B"
	c.Mapping["A"] = 9

	assert.Equal(t, 250.0, d.Range.Max)
	assert.Equal(t, "A", d.Enum[0])
	assert.Equal(t, int64(1), d.Mapping["A"])
}

func TestQuantityTarget(t *testing.T) {
	q := QuantityDescriptor{
		Name:    "doorLockState",
		Kind:    QuantityCategorical,
		Sources: map[CapabilityKind]string{CapabilitySignal: "DoorLockSts"},
	}
	assert.Equal(t, "DoorLockSts", q.Target(CapabilitySignal))
	assert.Equal(t, "doorLockState", q.Target(CapabilityBackend))
}

func TestPlanStepList(t *testing.T) {
	plan := Plan{Steps: []PlannedStep{standbyStep()}}
	steps := plan.StepList()
	require.Len(t, steps, 1)
	steps[0].Params["value"] = String("ON")
	assert.Equal(t, String("OFF"), plan.Steps[0].Params["value"])
}
