package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vorch/internal/catalog"
)

const cyclicCatalog = `
signals:
  ignition:
    bus: body
    can_id: 1
    payload: {type: enum, mapping: {"OFF": 0, "ON": 2}}
preconditions:
  A:
    requires: [B]
    steps:
      - {action: set_signal, target: ignition, value: "ON"}
  B:
    requires: [A]
    steps:
      - {action: set_signal, target: ignition, value: "OFF"}
  C:
    requires: [Missing]
    steps:
      - {action: set_signal, target: horn, value: 1}
`

func TestValidate_Valid(t *testing.T) {
	out, err := execute(t, "validate", vehicleCatalog)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Catalog is valid")
	assert.Contains(t, out, "4 signal(s), 3 precondition(s), 2 quantity(ies)")
}

func TestValidate_ValidJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", vehicleCatalog)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, 3, resp.Data.Preconditions)
	assert.Empty(t, resp.Data.Cycles)
}

func TestValidate_LintErrors(t *testing.T) {
	path := writeTemp(t, "cyclic.yaml", cyclicCatalog)

	out, err := execute(t, "--format", "json", "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)

	codes := map[string]bool{}
	for _, e := range resp.Data.Errors {
		codes[e.Code] = true
	}
	assert.True(t, codes[catalog.ErrUnknownRequirement])
	assert.True(t, codes[catalog.ErrUnknownSignal])
	assert.True(t, codes[catalog.ErrCyclicRequirement])
	require.Len(t, resp.Data.Cycles, 1)
}

func TestValidate_TextErrors(t *testing.T) {
	path := writeTemp(t, "cyclic.yaml", cyclicCatalog)

	out, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, catalog.ErrCyclicRequirement)
	assert.Contains(t, out, "cycle:")
}

func TestValidate_ParseError(t *testing.T) {
	path := writeTemp(t, "broken.yaml", "signals: [\n")

	_, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestValidate_MissingPath(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "catalog not found")
}
