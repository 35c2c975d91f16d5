package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeysAtEveryDepth(t *testing.T) {
	input := map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{
			"z": 1,
			"y": 2,
		},
	}

	out, err := Marshal(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":2,"z":1},"b":1}`, string(out))
}

func TestMarshal_PreservesArrayOrder(t *testing.T) {
	input := map[string]interface{}{
		"items": []interface{}{3, 1, 2},
	}

	out, err := Marshal(input)
	require.NoError(t, err)
	assert.Equal(t, `{"items":[3,1,2]}`, string(out))
}

func TestMarshal_Deterministic(t *testing.T) {
	type payload struct {
		Z string `json:"z"`
		A string `json:"a"`
	}

	first, err := Marshal(payload{Z: "1", A: "2"})
	require.NoError(t, err)
	second, err := Marshal(payload{Z: "1", A: "2"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, `{"a":"2","z":"1"}`, string(first))
}

func TestMarshal_NullAndAbsentFieldsDiffer(t *testing.T) {
	withNull, err := Marshal(map[string]interface{}{"x": nil})
	require.NoError(t, err)
	assert.Equal(t, `{"x":null}`, string(withNull))

	empty, err := Marshal(map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(empty))
}

func TestChainHash_EmptyPrevHashStillJoined(t *testing.T) {
	withEmpty := ChainHash("", "order.requested", "1", `{"a":1}`)
	withNonEmpty := ChainHash("deadbeef", "order.requested", "1", `{"a":1}`)
	assert.NotEqual(t, withEmpty, withNonEmpty)
	assert.Len(t, withEmpty, 64)
}

func TestChainHash_Deterministic(t *testing.T) {
	a := ChainHash("p1", "t", "1", "{}")
	b := ChainHash("p1", "t", "1", "{}")
	assert.Equal(t, a, b)
}

func TestSha256Hex_Length(t *testing.T) {
	h := Sha256Hex([]byte("hello"))
	assert.Len(t, h, 64)
}
