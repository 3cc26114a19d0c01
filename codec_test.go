package pgcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec_RoundTrip(t *testing.T) {
	var codec JSONCodec

	cases := []any{
		map[string]any{"n": float64(1)},
		[]any{"a", "b", float64(3)},
		"plain string",
		float64(3.5),
		true,
		nil,
	}

	for _, in := range cases {
		data, err := codec.Encode(in)
		require.NoError(t, err)

		var out any
		require.NoError(t, codec.Decode(data, &out))
		assert.Equal(t, in, out)
	}
}

func TestJSONCodec_EncodeRejectsUnrepresentableValues(t *testing.T) {
	var codec JSONCodec

	_, err := codec.Encode(make(chan int))
	require.Error(t, err)

	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}

func TestJSONCodec_DecodeRejectsMalformedPayload(t *testing.T) {
	var codec JSONCodec

	var out any
	err := codec.Decode([]byte("not json"), &out)
	require.Error(t, err)

	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}
