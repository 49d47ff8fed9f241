package compress

import (
	"errors"
	"fmt"
	"strings"
)

// Algorithm identifies a payload compression algorithm. The numeric values are
// the ones carried in the PingResponse frame.
type Algorithm uint8

const (
	Deflate Algorithm = 0
	ZStd    Algorithm = 1
)

var (
	ErrInvalidData      = errors.New("compress: invalid compressed data")
	ErrSizeExceeded     = errors.New("compress: decompressed size exceeds limit")
	ErrInvalidLevel     = errors.New("compress: invalid compression level")
	ErrUnknownAlgorithm = errors.New("compress: unknown algorithm")
)

// Compressor compresses one forwarded payload at a time. Compress returns
// ok=false when it declines, in which case the caller sends the raw bytes.
// Implementations are not safe for concurrent use.
type Compressor interface {
	Algorithm() Algorithm
	Compress(src []byte) (out []byte, ok bool)
	Close() error
}

// Decompressor reverses Compressor. maxSize bounds the decompressed output.
type Decompressor interface {
	Algorithm() Algorithm
	Decompress(src []byte, maxSize int) ([]byte, error)
	Close() error
}

// ParseAlgorithm maps a wire byte to an Algorithm.
func ParseAlgorithm(b uint8) (Algorithm, error) {
	switch Algorithm(b) {
	case Deflate, ZStd:
		return Algorithm(b), nil
	default:
		return 0, fmt.Errorf("%w: 0x%x", ErrUnknownAlgorithm, b)
	}
}

// AlgorithmFromString accepts the names used in configuration files.
func AlgorithmFromString(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deflate", "flate":
		return Deflate, nil
	case "zstd", "zstandard":
		return ZStd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
}

func (a Algorithm) String() string {
	switch a {
	case Deflate:
		return "deflate"
	case ZStd:
		return "zstd"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// NewPair builds a matching compressor/decompressor for alg at level.
func NewPair(alg Algorithm, level uint8) (Compressor, Decompressor, error) {
	switch alg {
	case Deflate:
		c, err := NewDeflateCompressor(level)
		if err != nil {
			return nil, nil, err
		}
		return c, NewDeflateDecompressor(), nil
	case ZStd:
		c, err := NewZStdCompressor(level)
		if err != nil {
			return nil, nil, err
		}
		d, err := NewZStdDecompressor()
		if err != nil {
			_ = c.Close()
			return nil, nil, err
		}
		return c, d, nil
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, alg)
	}
}
