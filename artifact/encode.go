package artifact

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/hupe1980/skydrift/codec"
)

// File format: a fixed header carrying the codec name, followed by the
// codec-compressed dataset payload. The header is uncompressed so caches are
// self-describing across codec changes.
const (
	fileMagic   uint32 = 0x534b4441 // "SKDA"
	fileVersion uint16 = 1
)

// Encode serializes an artifact with the given codec. A nil codec selects
// codec.Default.
func Encode(a *Artifact, c codec.Codec) ([]byte, error) {
	if c == nil {
		c = codec.Default
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	var payload bytes.Buffer

	names := make([]string, 0, len(a.Datasets))
	for name := range a.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)

	writeU32(&payload, uint32(len(names)))
	for _, name := range names {
		arr := a.Datasets[name]
		writeString(&payload, name)
		payload.WriteByte(byte(arr.Kind))
		payload.WriteByte(byte(len(arr.Shape)))
		for _, d := range arr.Shape {
			writeU32(&payload, uint32(d))
		}
		var err error
		switch arr.Kind {
		case Float64:
			err = binary.Write(&payload, binary.LittleEndian, arr.Floats)
		case Complex128:
			err = binary.Write(&payload, binary.LittleEndian, arr.Complexs)
		case Int64:
			err = binary.Write(&payload, binary.LittleEndian, arr.Ints)
		}
		if err != nil {
			return nil, fmt.Errorf("artifact: encode dataset %q: %w", name, err)
		}
	}

	keys := make([]string, 0, len(a.Attrs))
	for k := range a.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writeU32(&payload, uint32(len(keys)))
	for _, k := range keys {
		writeString(&payload, k)
		writeString(&payload, a.Attrs[k])
	}

	compressed, err := c.Compress(payload.Bytes())
	if err != nil {
		return nil, fmt.Errorf("artifact: compress payload: %w", err)
	}

	var out bytes.Buffer
	writeU32(&out, fileMagic)
	writeU16(&out, fileVersion)
	writeString(&out, c.Name())
	out.Write(compressed)

	return out.Bytes(), nil
}

// Decode parses bytes produced by Encode.
func Decode(data []byte) (*Artifact, error) {
	r := bytes.NewReader(data)

	magic, err := readU32(r)
	if err != nil || magic != fileMagic {
		return nil, fmt.Errorf("artifact: bad magic, not an artifact file")
	}
	version, err := readU16(r)
	if err != nil {
		return nil, fmt.Errorf("artifact: truncated header")
	}
	if version != fileVersion {
		return nil, fmt.Errorf("artifact: unsupported version %d (expected %d)", version, fileVersion)
	}
	codecName, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("artifact: truncated header")
	}
	c, ok := codec.ByName(codecName)
	if !ok {
		return nil, fmt.Errorf("artifact: unknown codec %q", codecName)
	}

	compressed := make([]byte, r.Len())
	if _, err := io.ReadFull(r, compressed); err != nil && len(compressed) > 0 {
		return nil, fmt.Errorf("artifact: read payload: %w", err)
	}
	payload, err := c.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("artifact: decompress payload: %w", err)
	}

	pr := bytes.NewReader(payload)
	a := New()

	nds, err := readU32(pr)
	if err != nil {
		return nil, fmt.Errorf("artifact: truncated payload")
	}
	for i := uint32(0); i < nds; i++ {
		name, err := readString(pr)
		if err != nil {
			return nil, fmt.Errorf("artifact: truncated dataset header")
		}
		kindB, err := pr.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("artifact: truncated dataset header")
		}
		ndim, err := pr.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("artifact: truncated dataset header")
		}
		arr := &Array{Kind: Kind(kindB), Shape: make([]int, ndim)}
		// Every element is at least 8 bytes, so the element count is bounded
		// by the remaining payload. Checked per dimension to keep the product
		// from overflowing on corrupt shapes.
		n := 1
		for d := range arr.Shape {
			v, err := readU32(pr)
			if err != nil {
				return nil, fmt.Errorf("artifact: truncated dataset shape")
			}
			arr.Shape[d] = int(v)
			if v != 0 && int64(n)*int64(v) > int64(pr.Len()) {
				return nil, fmt.Errorf("artifact: dataset %q shape %v exceeds payload", name, arr.Shape[:d+1])
			}
			n *= int(v)
		}
		switch arr.Kind {
		case Float64:
			arr.Floats = make([]float64, n)
			err = binary.Read(pr, binary.LittleEndian, arr.Floats)
		case Complex128:
			arr.Complexs = make([]complex128, n)
			err = binary.Read(pr, binary.LittleEndian, arr.Complexs)
		case Int64:
			arr.Ints = make([]int64, n)
			err = binary.Read(pr, binary.LittleEndian, arr.Ints)
		default:
			return nil, fmt.Errorf("artifact: dataset %q has unknown kind %d", name, kindB)
		}
		if err != nil {
			return nil, fmt.Errorf("artifact: decode dataset %q: %w", name, err)
		}
		a.Set(name, arr)
	}

	nattrs, err := readU32(pr)
	if err != nil {
		return nil, fmt.Errorf("artifact: truncated payload")
	}
	for i := uint32(0); i < nattrs; i++ {
		k, err := readString(pr)
		if err != nil {
			return nil, fmt.Errorf("artifact: truncated attribute")
		}
		v, err := readString(pr)
		if err != nil {
			return nil, fmt.Errorf("artifact: truncated attribute")
		}
		a.Attrs[k] = v
	}

	return a, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if int64(n) > int64(r.Len()) {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes", n, r.Len())
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}
