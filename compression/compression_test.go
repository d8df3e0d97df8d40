package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecsRoundtrip(t *testing.T) {
	payload := bytes.Repeat([]byte("some fairly repetitive table block content "), 64)

	for name, typ := range ReverseTypeMap {
		t.Run(name, func(t *testing.T) {
			codec, err := ForName(name)
			require.NoError(t, err)
			assert.Equal(t, typ, codec.Type())

			compressed := codec.Compress(payload)
			if typ != TYPE_NONE {
				assert.Less(t, len(compressed), len(payload))
			}

			restored, err := codec.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, restored)
		})
	}
}

func TestForNameUnknown(t *testing.T) {
	_, err := ForName("lz77")
	assert.ErrorIs(t, err, ErrUnknownCodec)

	_, err = ForType(Type(200))
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestDecompressGarbage(t *testing.T) {
	for _, typ := range []Type{TYPE_SNAPPY, TYPE_S2, TYPE_ZSTD} {
		codec, err := ForType(typ)
		require.NoError(t, err)

		_, err = codec.Decompress([]byte{0xff, 0x01, 0xaa, 0x55, 0x00})
		assert.Error(t, err, TypeMap[typ])
	}
}
