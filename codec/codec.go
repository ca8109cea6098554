// Package codec centralizes artifact payload compression.
//
// Skydrift intentionally treats codec selection as a breaking-change boundary:
// if you change codecs, cached artifacts created by older codecs may no longer
// decode. The codec name is stored in each artifact header so caches remain
// self-describing.
package codec

// Codec compresses and decompresses artifact payload bytes.
// Implementations must be safe for concurrent use.
type Codec interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Name() string
}

// Default is the codec used when none is configured.
var Default Codec = Zstd{}

// ByName returns a built-in codec by its stable name.
//
// This is used by the artifact store, which records the codec name in the
// artifact header.
func ByName(name string) (Codec, bool) {
	switch name {
	case "zstd":
		return Zstd{}, true
	case "lz4":
		return LZ4{}, true
	case "none":
		return None{}, true
	default:
		return nil, false
	}
}

// None passes payloads through unchanged.
type None struct{}

// Name implements Codec.
func (None) Name() string { return "none" }

// Compress implements Codec.
func (None) Compress(data []byte) ([]byte, error) { return data, nil }

// Decompress implements Codec.
func (None) Decompress(data []byte) ([]byte, error) { return data, nil }
