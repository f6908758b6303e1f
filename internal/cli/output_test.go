package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vorch/internal/fault"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"result": "success"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error("E230", "unknown precondition", map[string]string{"field": "requires"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E230", resp.Error.Code)
	assert.Equal(t, "unknown precondition", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	require.NoError(t, formatter.Error("E001", "bad catalog", "line 3"))
	assert.Equal(t, "Error [E001]: bad catalog\nDetails: line 3\n", buf.String())
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}

	quiet := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag}
	quiet.VerboseLog("hidden %d", 1)
	assert.Empty(t, diag.String())

	loud := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}
	loud.VerboseLog("shown %d", 2)
	assert.Equal(t, "shown 2\n", diag.String())
	assert.Empty(t, out.String(), "diagnostics never touch stdout")

	fallback := &OutputFormatter{Writer: out, Verbose: true}
	assert.Equal(t, out, fallback.GetErrWriter())
}

func TestExitError(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapExitError(ExitCommandError, "failed to open evidence database", cause)

	assert.Equal(t, "failed to open evidence database: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ExitFailure, GetExitCode(cause))
	assert.Equal(t, "plan failed", NewExitError(ExitFailure, "plan failed").Error())
}

func TestFaultError(t *testing.T) {
	fe := &fault.Error{
		Code:    fault.InconsistentState,
		Message: "doorLockState disagrees",
		Target:  "doorLockState",
		Details: map[string]string{"backend": "LOCKED", "signal": "UNLOCKED"},
	}
	ce := FaultError(WrapExitError(ExitFailure, "check failed", fe))
	assert.Equal(t, string(fault.InconsistentState), ce.Code)
	assert.Equal(t, string(fault.InconsistentState.Class()), ce.Class)
	assert.Equal(t, fe.Details, ce.Details)

	plain := FaultError(errors.New("boom"))
	assert.Equal(t, "ERROR", plain.Code)
	assert.Equal(t, "boom", plain.Message)
}
