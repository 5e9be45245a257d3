package compression

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Type identifies the codec used for a stored frame
type Type int8

const (
	None Type = iota
	Snappy
	Zstd
)

// String returns the string representation of the compression type
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseType maps a config string to a compression type, defaulting to none
func ParseType(s string) Type {
	switch s {
	case "snappy":
		return Snappy
	case "zstd":
		return Zstd
	default:
		return None
	}
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// EncodeFrame compresses data and prepends a self-describing header:
// compression type (1 byte) + original length (4 bytes) + payload.
func EncodeFrame(data []byte, t Type) ([]byte, error) {
	var compressed []byte
	switch t {
	case None:
		compressed = data
	case Snappy:
		compressed = snappy.Encode(nil, data)
	case Zstd:
		compressed = zstdEncoder.EncodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", t)
	}

	result := make([]byte, 5+len(compressed))
	result[0] = byte(t)

	originalLen := uint32(len(data))
	result[1] = byte(originalLen >> 24)
	result[2] = byte(originalLen >> 16)
	result[3] = byte(originalLen >> 8)
	result[4] = byte(originalLen)

	copy(result[5:], compressed)
	return result, nil
}

// DecodeFrame reverses EncodeFrame
func DecodeFrame(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("invalid compressed frame: too short")
	}

	t := Type(data[0])
	originalLen := uint32(data[1])<<24 | uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4])

	var decompressed []byte
	var err error
	switch t {
	case None:
		decompressed = data[5:]
	case Snappy:
		decompressed, err = snappy.Decode(nil, data[5:])
		if err != nil {
			return nil, fmt.Errorf("snappy decompress failed: %v", err)
		}
	case Zstd:
		decompressed, err = zstdDecoder.DecodeAll(data[5:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed: %v", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", t)
	}

	if uint32(len(decompressed)) != originalLen {
		return nil, fmt.Errorf("decompressed frame length mismatch: expected %d, got %d",
			originalLen, len(decompressed))
	}
	return decompressed, nil
}
