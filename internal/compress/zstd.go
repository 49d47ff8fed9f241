package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

type ZStdCompressor struct {
	enc *zstd.Encoder
}

// NewZStdCompressor maps level onto the closest klauspost encoder level;
// zero selects the default.
func NewZStdCompressor(level uint8) (*ZStdCompressor, error) {
	opts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLevel, err)
	}
	return &ZStdCompressor{enc: enc}, nil
}

func (c *ZStdCompressor) Algorithm() Algorithm { return ZStd }

func (c *ZStdCompressor) Compress(src []byte) ([]byte, bool) {
	out := c.enc.EncodeAll(src, make([]byte, 0, len(src)))
	if len(out) == 0 || len(out) >= len(src) {
		return nil, false
	}
	return out, true
}

func (c *ZStdCompressor) Close() error { return c.enc.Close() }

type ZStdDecompressor struct {
	dec *zstd.Decoder
}

func NewZStdDecompressor() (*ZStdDecompressor, error) {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecodeAllCapLimit(true),
	)
	if err != nil {
		return nil, err
	}
	return &ZStdDecompressor{dec: dec}, nil
}

func (d *ZStdDecompressor) Algorithm() Algorithm { return ZStd }

// Decompress decodes into a buffer of capacity maxSize; the decoder refuses to
// grow past it.
func (d *ZStdDecompressor) Decompress(src []byte, maxSize int) ([]byte, error) {
	out, err := d.dec.DecodeAll(src, make([]byte, 0, maxSize))
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, ErrSizeExceeded
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if len(out) > maxSize {
		return nil, ErrSizeExceeded
	}
	return out, nil
}

func (d *ZStdDecompressor) Close() error {
	d.dec.Close()
	return nil
}
