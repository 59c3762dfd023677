package canon

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"policygateway/internal/domain"
)

func TestCanonicalizeKeyOrdering(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	out, err := Canonicalize(a)
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(out))
}

func TestCanonicalizeIntegerFloatEquivalence(t *testing.T) {
	withFloat, err := Canonicalize(map[string]any{"amount": 3.0})
	require.NoError(t, err)
	withInt, err := Canonicalize(map[string]any{"amount": int64(3)})
	require.NoError(t, err)
	require.Equal(t, string(withInt), string(withFloat))
}

func TestCanonicalizeRejectsNaNAndInf(t *testing.T) {
	_, err := Canonicalize(map[string]any{"x": math.NaN()})
	require.Error(t, err)
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	v := map[string]any{"x": []any{1, 2, map[string]any{"k": "v"}}}
	out1, err := Canonicalize(v)
	require.NoError(t, err)
	var roundtrip any
	require.NoError(t, json.Unmarshal(out1, &roundtrip))
	out2, err := Canonicalize(roundtrip)
	require.NoError(t, err)
	require.Equal(t, string(out1), string(out2))
}

func TestActionHashExcludesDescription(t *testing.T) {
	amount := 100.0
	a1 := domain.Action{Type: "transfer", Tool: "bank", Params: map[string]any{"to": "x"}, Amount: &amount, Currency: "USD"}
	h1, err := ActionHash(a1)
	require.NoError(t, err)

	a2 := a1
	a2.Description = "totally different context string that should not affect the hash"
	h2, err := ActionHash(a2)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
}

func TestCanonicalizeEscapesNonASCII(t *testing.T) {
	out, err := Canonicalize(map[string]any{"name": "café☺"})
	require.NoError(t, err)
	require.Equal(t, "{\"name\":\"caf\\u00e9\\u263a\"}", string(out))
	require.NotContains(t, string(out), "é")
	require.NotContains(t, string(out), "☺")
}

func TestCanonicalizeEscapesAstralPlaneRuneAsSurrogatePair(t *testing.T) {
	out, err := Canonicalize(map[string]any{"emoji": "😀"})
	require.NoError(t, err)
	require.Equal(t, "{\"emoji\":\"\\ud83d\\ude00\"}", string(out))
}

func TestCanonicalizeNonASCIIIsDeterministicAcrossEquivalentInputs(t *testing.T) {
	direct, err := Canonicalize(map[string]any{"name": "café"})
	require.NoError(t, err)

	var roundtrip any
	require.NoError(t, json.Unmarshal([]byte(`{"name":"café"}`), &roundtrip))
	viaEscape, err := Canonicalize(roundtrip)
	require.NoError(t, err)

	require.Equal(t, string(direct), string(viaEscape))
}

func TestActionHashChangesWithParams(t *testing.T) {
	a1 := domain.Action{Type: "transfer", Tool: "bank", Params: map[string]any{"to": "x"}}
	a2 := domain.Action{Type: "transfer", Tool: "bank", Params: map[string]any{"to": "y"}}
	h1, err := ActionHash(a1)
	require.NoError(t, err)
	h2, err := ActionHash(a2)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}
