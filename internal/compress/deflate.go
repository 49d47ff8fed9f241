package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// MaxDeflateLevel is the highest accepted deflate level.
const MaxDeflateLevel = 9

type DeflateCompressor struct {
	level int
	buf   bytes.Buffer
	w     *flate.Writer
}

func NewDeflateCompressor(level uint8) (*DeflateCompressor, error) {
	if level > MaxDeflateLevel {
		return nil, fmt.Errorf("%w: deflate level %d", ErrInvalidLevel, level)
	}
	c := &DeflateCompressor{level: int(level)}
	w, err := flate.NewWriter(&c.buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLevel, err)
	}
	c.w = w
	return c, nil
}

func (c *DeflateCompressor) Algorithm() Algorithm { return Deflate }

// Compress declines when the output is not smaller than the input.
func (c *DeflateCompressor) Compress(src []byte) ([]byte, bool) {
	if c.w == nil {
		return nil, false
	}
	c.buf.Reset()
	c.w.Reset(&c.buf)
	if _, err := c.w.Write(src); err != nil {
		return nil, false
	}
	if err := c.w.Close(); err != nil {
		return nil, false
	}
	if c.buf.Len() == 0 || c.buf.Len() >= len(src) {
		return nil, false
	}
	return bytes.Clone(c.buf.Bytes()), true
}

// Close releases the writer and its buffer. A closed compressor declines
// every payload.
func (c *DeflateCompressor) Close() error {
	if c.w == nil {
		return nil
	}
	err := c.w.Close()
	c.w = nil
	c.buf = bytes.Buffer{}
	return err
}

type DeflateDecompressor struct {
	r   io.ReadCloser
	src bytes.Reader
}

func NewDeflateDecompressor() *DeflateDecompressor {
	d := &DeflateDecompressor{}
	d.r = flate.NewReader(&d.src)
	return d
}

func (d *DeflateDecompressor) Algorithm() Algorithm { return Deflate }

func (d *DeflateDecompressor) Decompress(src []byte, maxSize int) ([]byte, error) {
	d.src.Reset(src)
	if err := d.r.(flate.Resetter).Reset(&d.src, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	hint := len(src) << 1
	if hint > maxSize {
		hint = maxSize
	}
	out := bytes.NewBuffer(make([]byte, 0, hint))
	n, err := io.Copy(out, io.LimitReader(d.r, int64(maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if n > int64(maxSize) {
		return nil, ErrSizeExceeded
	}
	return out.Bytes(), nil
}

func (d *DeflateDecompressor) Close() error { return d.r.Close() }
