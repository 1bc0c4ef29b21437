package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSKeyOrderIndependence(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1, "c": map[string]interface{}{"z": true, "y": false}}
	b := map[string]interface{}{"c": map[string]interface{}{"y": false, "z": true}, "a": 1, "b": 2}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestCanonicalHashChangesWithValue(t *testing.T) {
	h1, err := CanonicalHash(map[string]interface{}{"amount": 100})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]interface{}{"amount": 101})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashBytesIsHexSHA256(t *testing.T) {
	h := HashBytes([]byte("hello"))
	assert.Len(t, h, 64)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", h)
}

func TestNormalizeStringNFC(t *testing.T) {
	// Single codepoint vs "e" + combining acute accent.
	composed := "\u00e9"
	decomposed := "e\u0301"
	assert.NotEqual(t, composed, decomposed)
	assert.Equal(t, NormalizeString(composed), NormalizeString(decomposed))
}

func TestNormalizeRecursesIntoCollections(t *testing.T) {
	in := map[string]interface{}{
		"name": "Rene\u0301",
		"tags": []interface{}{"cafe\u0301"},
	}
	out := Normalize(in).(map[string]interface{})
	assert.Equal(t, "Ren\u00e9", out["name"])
	assert.Equal(t, "caf\u00e9", out["tags"].([]interface{})[0])
}

func TestStripVolatileDefaults(t *testing.T) {
	in := map[string]interface{}{
		"order_id":  "ord_1",
		"timestamp": int64(123),
		"nested": map[string]interface{}{
			"created_at": "2026-01-01",
			"sku":        "ring-01",
		},
		"items": []interface{}{
			map[string]interface{}{"trace_id": "t1", "qty": 2},
		},
	}
	out := StripVolatile(in)

	assert.NotContains(t, out, "timestamp")
	assert.NotContains(t, out["nested"].(map[string]interface{}), "created_at")
	assert.NotContains(t, out["items"].([]interface{})[0].(map[string]interface{}), "trace_id")
	assert.Equal(t, "ord_1", out["order_id"])
	// Input untouched.
	assert.Contains(t, in, "timestamp")
}

func TestStripVolatileExplicitFields(t *testing.T) {
	in := map[string]interface{}{"keep": 1, "drop": 2}
	out := StripVolatile(in, "drop")
	assert.Equal(t, map[string]interface{}{"keep": 1}, out)
}

func TestCanonicalHashDeterministicProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("hash is stable across repeated canonicalization", prop.ForAll(
		func(m map[string]string) bool {
			payload := make(map[string]interface{}, len(m))
			for k, v := range m {
				payload[k] = v
			}
			h1, err1 := CanonicalHash(payload)
			h2, err2 := CanonicalHash(payload)
			return err1 == nil && err2 == nil && h1 == h2 && len(h1) == 64
		},
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
	))

	properties.TestingRun(t)
}
