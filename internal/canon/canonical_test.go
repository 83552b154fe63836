package canon

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int64", int64(-100), "-100"},
		{"zero", 0, "0"},
		{"max int64", int64(9223372036854775807), "9223372036854775807"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"null", nil, "null"},
		{"integral float", float64(25), "25"},
		{"fraction", 1.5, "1.5"},
		{"small float", 0.000001, "0.000001"},
		{"tiny float", 1e-7, "1e-7"},
		{"json number int", json.Number("7"), "7"},
		{"json number float", json.Number("7.25"), "7.25"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"array of ints", []any{1, 2, 3}, "[1,2,3]"},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
		{"simple object", map[string]any{"a": 1}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": 1,
		"alpha": 2,
		"beta":  map[string]any{"y": true, "x": nil},
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":{"x":null,"y":true},"zebra":1}`, string(result))
}

// TestMarshalCanonicalUTF16Order verifies supplementary-plane keys sort after
// BMP keys above U+D800 the way UTF-16 code units dictate.
func TestMarshalCanonicalUTF16Order(t *testing.T) {
	obj := map[string]any{
		"\U0001F600": 1, // surrogate pair D83D DE00
		"\uFB01":     2, // BMP FB01 sorts after D83D in UTF-16
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":1,\"\uFB01\":2}", string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical("<a>&</a>")
	require.NoError(t, err)
	assert.Equal(t, `"<a>&</a>"`, string(result))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	result, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(result))

	literal, err := MarshalCanonical(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(literal))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(math.NaN())
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"x": math.Inf(1)})
	assert.Error(t, err)
}

func TestMarshalCanonicalStructs(t *testing.T) {
	type row struct {
		Name string    `json:"name"`
		At   time.Time `json:"at"`
		Tags []string  `json:"tags,omitempty"`
	}

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	result, err := MarshalCanonical(row{Name: "x", At: at})
	require.NoError(t, err)
	assert.Equal(t, `{"at":"2024-01-02T03:04:05Z","name":"x"}`, string(result))

	var nilPtr *row
	result, err = MarshalCanonical(nilPtr)
	require.NoError(t, err)
	assert.Equal(t, "null", string(result))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(map[string]any{"a": 1, "b": "x"}, map[string]any{"b": "x", "a": int64(1)}))
	assert.True(t, Equal(float64(3), 3))
	assert.False(t, Equal(map[string]any{"a": 1}, map[string]any{"a": 2}))
	assert.False(t, Equal(math.NaN(), math.NaN()))
}
