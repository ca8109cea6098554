package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Zstd compresses payloads with zstandard. Dense beam and eigenvector blocks
// compress well and decode fast enough that zstd is the default.
type Zstd struct {
	// Level maps to zstd encoder levels; zero selects the library default.
	Level int
}

var (
	zstdInit    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder) {
	zstdInit.Do(func() {
		// EncodeAll/DecodeAll on shared instances are concurrency-safe.
		zstdEncoder, _ = zstd.NewWriter(nil)
		zstdDecoder, _ = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder
}

// Name implements Codec.
func (Zstd) Name() string { return "zstd" }

// Compress implements Codec.
func (z Zstd) Compress(data []byte) ([]byte, error) {
	if z.Level > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(z.Level)))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	}
	enc, _ := zstdCodecs()
	return enc.EncodeAll(data, nil), nil
}

// Decompress implements Codec.
func (Zstd) Decompress(data []byte) ([]byte, error) {
	_, dec := zstdCodecs()
	return dec.DecodeAll(data, nil)
}
