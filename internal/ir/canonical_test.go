package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalScalars(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want string
	}{
		{"null", Null{}, `null`},
		{"string", String("OFF"), `"OFF"`},
		{"int", Int(-7), `-7`},
		{"integral float", Float(2), `2`},
		{"fraction", Float(0.1), `0.1`},
		{"large float", Float(1e21), `1e+21`},
		{"small float", Float(1e-7), `1e-7`},
		{"bool", Bool(false), `false`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonicalObjectKeyOrder(t *testing.T) {
	got, err := MarshalCanonical(Object{
		"target":     String("ignition"),
		"capability": String("signal"),
		"params":     Object{"value": String("OFF"), "bus": String("body")},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"capability":"signal","params":{"bus":"body","value":"OFF"},"target":"ignition"}`, string(got))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical(String("a<b>&c"))
	require.NoError(t, err)
	assert.Equal(t, `"a<b>&c"`, string(got))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := String("e\u0301")
	composed := String("\u00e9")

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	got, err := MarshalCanonical(String("a\u2028b\u2029c"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(got))

	// A literal backslash followed by the text u2028 stays escaped.
	got, err = MarshalCanonical(String(`\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(got))
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(List{Float(posInf())})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "array[0]")
}
