package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("OFF")
	var _ Value = Int(42)
	var _ Value = Float(12.5)
	var _ Value = Bool(true)
	var _ Value = List{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
}

func TestObjectSortedKeys(t *testing.T) {
	obj := Object{
		"zebra":  String("z"),
		"apple":  String("a"),
		"banana": String("b"),
	}
	assert.Equal(t, []string{"apple", "banana", "zebra"}, obj.SortedKeys())
}

func TestObjectSortedKeysUTF16Order(t *testing.T) {
	// U+1F600 encodes as the surrogate pair D83D DE00 and sorts before U+FFFD
	// in UTF-16, the opposite of UTF-8 byte order.
	obj := Object{
		"\uFFFD":     Int(1),
		"\U0001F600": Int(2),
		"A":          Int(3),
	}
	assert.Equal(t, []string{"A", "\U0001F600", "\uFFFD"}, obj.SortedKeys())
}

func TestObjectCloneIsDeep(t *testing.T) {
	orig := Object{
		"list":   List{String("a")},
		"nested": Object{"k": Int(1)},
	}
	clone := orig.Clone()
	clone["list"].(List)[0] = String("changed")
	clone["nested"].(Object)["k"] = Int(2)

	assert.Equal(t, String("a"), orig["list"].(List)[0])
	assert.Equal(t, Int(1), orig["nested"].(Object)["k"])
	assert.Nil(t, Object(nil).Clone())
}

func TestAsFloat(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want float64
		ok   bool
	}{
		{"int", Int(3), 3, true},
		{"float", Float(2.5), 2.5, true},
		{"numeric string", String(" 12.5 "), 12.5, true},
		{"text", String("LOCKED"), 0, false},
		{"nan string", String("NaN"), 0, false},
		{"bool", Bool(true), 0, false},
		{"null", Null{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AsFloat(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Int(3), Float(3)))
	assert.True(t, Equal(Null{}, nil))
	assert.True(t, Equal(List{String("a"), Int(1)}, List{String("a"), Float(1)}))
	assert.True(t, Equal(Object{"a": Bool(true)}, Object{"a": Bool(true)}))

	assert.False(t, Equal(String("3"), Int(3)))
	assert.False(t, Equal(List{Int(1)}, List{Int(1), Int(2)}))
	assert.False(t, Equal(Object{"a": Int(1)}, Object{"b": Int(1)}))
	assert.False(t, Equal(Bool(true), Bool(false)))
}

func TestText(t *testing.T) {
	assert.Equal(t, "", Text(Null{}))
	assert.Equal(t, "OFF", Text(String("OFF")))
	assert.Equal(t, "42", Text(Int(42)))
	assert.Equal(t, "0.1", Text(Float(0.1)))
	assert.Equal(t, "true", Text(Bool(true)))
	assert.Equal(t, `["a",1]`, Text(List{String("a"), Int(1)}))
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{
		"speed":  json.Number("12.5"),
		"gear":   json.Number("3"),
		"labels": []any{"a", true, nil},
		"count":  7,
	})
	require.NoError(t, err)

	obj := v.(Object)
	assert.Equal(t, Float(12.5), obj["speed"])
	assert.Equal(t, Int(3), obj["gear"])
	assert.Equal(t, List{String("a"), Bool(true), Null{}}, obj["labels"])
	assert.Equal(t, Int(7), obj["count"])
}

func TestFromAnyRejectsUnsupported(t *testing.T) {
	_, err := FromAny(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")
}

func TestNative(t *testing.T) {
	got := Native(Object{"a": List{Int(1), Float(1.5), String("x"), Null{}}})
	assert.Equal(t, map[string]any{"a": []any{int64(1), 1.5, "x", nil}}, got)
}

func TestObjectJSONRoundTrip(t *testing.T) {
	obj := Object{"b": Int(1), "a": Float(0.5), "c": String("x")}

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":0.5,"b":1,"c":"x"}`, string(data))

	var back Object
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, Equal(obj, back))
}

func TestMarshalValueRejectsNonFinite(t *testing.T) {
	_, err := MarshalValue(Float(posInf()))
	require.Error(t, err)
}

func posInf() float64 {
	zero := 0.0
	return 1 / zero
}
