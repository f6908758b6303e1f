package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vorch/internal/ir"
)

func loadVehicle(t *testing.T) *Catalog {
	t.Helper()
	c, err := Load(filepath.Join("testdata", "vehicle.yaml"))
	require.NoError(t, err)
	return c
}

func TestLoadYAML(t *testing.T) {
	c := loadVehicle(t)

	assert.Equal(t, []string{"DoorLockSts", "gear", "ignition", "vehicleSpeed"}, c.Signals())
	assert.Equal(t, []string{"Driving", "RemoteUnlocked", "Standby"}, c.Preconditions())
	assert.Equal(t, []string{"doorLockState", "vehicleSpeed"}, c.Quantities())

	ign, ok := c.Signal("ignition")
	require.True(t, ok)
	assert.Equal(t, "body", ign.Channel)
	assert.Equal(t, uint32(0x1A0), ign.FrameID)
	assert.Equal(t, ir.TypeEnum, ign.Type)
	assert.Equal(t, []string{"ACC", "OFF", "ON"}, ign.Enum)
	assert.Equal(t, int64(2), ign.Mapping["ON"])

	gear, _ := c.Signal("gear")
	assert.Equal(t, uint32(0x1B2), gear.FrameID)

	speed, _ := c.Signal("vehicleSpeed")
	require.NotNil(t, speed.Range)
	assert.Equal(t, 250.0, speed.Range.Max)
}

func TestLegacyStepActions(t *testing.T) {
	c := loadVehicle(t)

	standby, ok := c.Precondition("Standby")
	require.True(t, ok)
	require.Len(t, standby.Steps, 1)
	assert.Equal(t, ir.Step{
		Capability: ir.CapabilitySignal,
		Action:     ir.ActionSet,
		Target:     "ignition",
		Params:     ir.Object{"value": ir.String("OFF")},
		Required:   true,
	}, standby.Steps[0])

	driving, _ := c.Precondition("Driving")
	require.Len(t, driving.Steps, 3)
	assert.Equal(t, ir.ActionWait, driving.Steps[2].Action)
	assert.Equal(t, ir.List{ir.String("D"), ir.String("R")}, driving.Steps[2].Params["in"])
}

func TestEntryDefaults(t *testing.T) {
	c := loadVehicle(t)

	driving, _ := c.Precondition("Driving")
	assert.Equal(t, []string{"Standby"}, driving.Requires)
	assert.Equal(t, 5*time.Second, driving.Timeout)
	assert.Equal(t, 1, driving.Retries)
	assert.Equal(t, ir.String("D"), driving.Params["gear"])
	require.Len(t, driving.Rollback, 1)
	assert.Equal(t, "gear", driving.Rollback[0].Target)

	remote, _ := c.Precondition("RemoteUnlocked")
	assert.Equal(t, 2*time.Second, remote.Steps[0].Timeout)
	assert.False(t, remote.Steps[1].Required)
}

func TestQuantities(t *testing.T) {
	c := loadVehicle(t)

	door, ok := c.Quantity("doorLockState")
	require.True(t, ok)
	assert.Equal(t, ir.QuantityCategorical, door.Kind)
	assert.Equal(t, "DoorLockSts", door.Target(ir.CapabilitySignal))
	assert.Equal(t, "doorLockState", door.Target(ir.CapabilityBackend))

	_, ok = c.Quantity("cabinTemp")
	assert.False(t, ok)
}

func TestAccessorsReturnCopies(t *testing.T) {
	c := loadVehicle(t)

	driving, _ := c.Precondition("Driving")
	driving.Steps[1].Params["value"] = ir.String("R")
	driving.Requires[0] = "Other"

	again, _ := c.Precondition("Driving")
	assert.Equal(t, ir.String("${gear}"), again.Steps[1].Params["value"])
	assert.Equal(t, "Standby", again.Requires[0])

	sig, _ := c.Signal("ignition")
	sig.Mapping["ON"] = 99
	sig2, _ := c.Signal("ignition")
	assert.Equal(t, int64(2), sig2.Mapping["ON"])
}

func TestLoadCUE(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "vehicle.cue"))
	require.NoError(t, err)

	assert.Equal(t, []string{"Parked", "Standby"}, c.Preconditions())

	parked, _ := c.Precondition("Parked")
	assert.Equal(t, 1500*time.Millisecond, parked.Timeout)
	require.Len(t, parked.Steps, 1)
	assert.Equal(t, ir.CapabilityDiagnostic, parked.Steps[0].Capability)
	assert.Equal(t, 2, parked.Steps[0].Retries)

	ign, _ := c.Signal("ignition")
	assert.Equal(t, uint32(0x1A0), ign.FrameID)
	assert.Equal(t, int64(1), ign.Mapping["ACC"])
}

func TestLoadCUESchemaViolation(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "bad_schema.cue"))
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, err.Error(), "bad_schema.cue")
}

func TestLoadMultipleFilesMerges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "signals.yaml", `
signals:
  ignition: {bus: body, can_id: 1, type: string}
`)
	writeFile(t, dir, "preconditions.yaml", `
preconditions:
  Standby:
    steps:
      - {action: set_signal, target: ignition, value: "OFF"}
`)
	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"ignition"}, c.Signals())
	assert.Equal(t, []string{"Standby"}, c.Preconditions())
}

func TestLoadDuplicateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", "signals:\n  x: {bus: b, type: int}\n")
	b := writeFile(t, dir, "b.yaml", "signals:\n  x: {bus: b, type: int}\n")

	_, err := Load(a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `signal "x" defined twice`)
}

func TestParseYAMLRejectsUnknownFields(t *testing.T) {
	_, err := ParseYAML([]byte("signals:\n  x: {bus: b, type: int, colour: red}\n"))
	require.Error(t, err)
}

func TestParseYAMLEmpty(t *testing.T) {
	doc, err := ParseYAML(nil)
	require.NoError(t, err)
	c, err := doc.Build()
	require.NoError(t, err)
	assert.Empty(t, c.Preconditions())
}

func TestBuildStructuralErrors(t *testing.T) {
	doc, err := ParseYAML([]byte(`
signals:
  mode: {bus: "", type: enum}
  speed: {bus: pt, type: float, range: {min: 10, max: 1}}
preconditions:
  Bad:
    steps:
      - {capability: backend, action: set, target: x}
quantities:
  q: {kind: fuzzy, sources: {diagnostic: dtc}}
`))
	require.NoError(t, err)

	_, err = doc.Build()
	require.Error(t, err)

	codes := map[string]bool{}
	for _, ve := range ValidationErrors(err) {
		codes[ve.Code] = true
	}
	for _, want := range []string{ErrSignalNoChannel, ErrSignalNoEnum, ErrSignalBadRange, ErrStepInvalid, ErrQuantityBadKind, ErrQuantityBadSource} {
		assert.True(t, codes[want], "missing %s in %v", want, err)
	}
}

func TestBuildLegacyRangeNeedsBounds(t *testing.T) {
	doc, err := ParseYAML([]byte(`
preconditions:
  Fast:
    steps:
      - {action: assert_signal_range, target: vehicleSpeed, value: {min: 40}}
`))
	require.NoError(t, err)
	_, err = doc.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min and max")
}

func TestParseFrameID(t *testing.T) {
	tests := []struct {
		in   any
		want uint32
		err  bool
	}{
		{"0x1A0", 0x1A0, false},
		{"0X1a0", 0x1A0, false},
		{"416", 416, false},
		{416, 416, false},
		{-1, 0, true},
		{"0xZZ", 0, true},
		{1.5, 0, true},
	}
	for _, tt := range tests {
		got, err := parseFrameID(tt.in)
		if tt.err {
			assert.Error(t, err, "%v", tt.in)
			continue
		}
		require.NoError(t, err, "%v", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   any
		want time.Duration
		err  bool
	}{
		{30, 30 * time.Second, false},
		{0.5, 500 * time.Millisecond, false},
		{"2s", 2 * time.Second, false},
		{"1.5", 1500 * time.Millisecond, false},
		{"soon", 0, true},
		{-1, 0, true},
		{true, 0, true},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		if tt.err {
			assert.Error(t, err, "%v", tt.in)
			continue
		}
		require.NoError(t, err, "%v", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
