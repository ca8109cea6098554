package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_Roundtrip(t *testing.T) {
	payload := bytes.Repeat([]byte("drift-scan beam transfer block "), 512)

	tests := []struct {
		name  string
		codec Codec
	}{
		{name: "zstd", codec: Zstd{}},
		{name: "zstd-level", codec: Zstd{Level: 9}},
		{name: "lz4", codec: LZ4{}},
		{name: "none", codec: None{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed, err := tt.codec.Compress(payload)
			require.NoError(t, err)

			got, err := tt.codec.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestCodec_CompressesRepetitiveData(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 1<<16)

	for _, c := range []Codec{Zstd{}, LZ4{}} {
		compressed, err := c.Compress(payload)
		require.NoError(t, err)
		assert.Less(t, len(compressed), len(payload)/10, "codec %s", c.Name())
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"zstd", "lz4", "none"} {
		c, ok := ByName(name)
		require.True(t, ok)
		assert.Equal(t, name, c.Name())
	}

	_, ok := ByName("gzip")
	assert.False(t, ok)
}
