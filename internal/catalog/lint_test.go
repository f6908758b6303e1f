package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vorch/internal/ir"
)

func entry(name string, requires ...string) ir.PreconditionEntry {
	return ir.PreconditionEntry{
		Name:     name,
		Requires: requires,
		Steps: []ir.Step{{
			Capability: ir.CapabilityBackend,
			Action:     ir.ActionDispatch,
			Target:     "noop",
			Required:   true,
		}},
	}
}

func TestAnalyzeCyclesAcyclic(t *testing.T) {
	c, err := New(nil, []ir.PreconditionEntry{
		entry("A"),
		entry("B", "A"),
		entry("C", "A", "B"),
	}, nil)
	require.NoError(t, err)

	assert.Empty(t, AnalyzeCycles(c))
}

func TestAnalyzeCyclesFindsEachCycle(t *testing.T) {
	c, err := New(nil, []ir.PreconditionEntry{
		entry("A", "B"),
		entry("B", "C"),
		entry("C", "A"),
		entry("Self", "Self"),
		entry("Leaf"),
		entry("UsesCycle", "A"),
	}, nil)
	require.NoError(t, err, "cycles do not prevent loading")

	warnings := AnalyzeCycles(c)
	require.Len(t, warnings, 2)

	assert.Equal(t, []string{"A", "B", "C", "A"}, warnings[0].Path)
	assert.Contains(t, warnings[0].Message, "A -> B -> C -> A")
	assert.Equal(t, []string{"Self", "Self"}, warnings[1].Path)
}

func TestLint(t *testing.T) {
	signals := []ir.SignalDescriptor{{Name: "ignition", Channel: "body", Type: ir.TypeString}}
	entries := []ir.PreconditionEntry{
		{
			Name:     "Standby",
			Requires: []string{"Ghost"},
			Steps: []ir.Step{
				{Capability: ir.CapabilitySignal, Action: ir.ActionSet, Target: "ignition"},
				{Capability: ir.CapabilitySignal, Action: ir.ActionSet, Target: "wipers"},
				{Capability: ir.CapabilitySignal, Action: ir.ActionSet, Target: "${which}"},
			},
		},
		entry("Loop", "Loop"),
	}
	c, err := New(signals, entries, nil)
	require.NoError(t, err)

	issues := Lint(c)
	require.Len(t, issues, 3)
	assert.Equal(t, ErrUnknownRequirement, issues[0].Code)
	assert.Equal(t, "preconditions.Standby.requires", issues[0].Field)
	assert.Equal(t, ErrUnknownSignal, issues[1].Code)
	assert.Equal(t, "preconditions.Standby.steps[1].target", issues[1].Field)
	assert.Equal(t, ErrCyclicRequirement, issues[2].Code)
}

func TestLintVehicleCatalogIsClean(t *testing.T) {
	assert.Empty(t, Lint(loadVehicle(t)))
}
