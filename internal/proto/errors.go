package proto

import (
	"errors"
	"fmt"
)

// Decode failure reasons. A *DecodeError always unwraps to one of these.
var (
	ErrInvalidPacketType  = errors.New("invalid packet type")
	ErrInvalidString      = errors.New("invalid utf8 string")
	ErrInvalidErrorCode   = errors.New("invalid error code")
	ErrInvalidRights      = errors.New("invalid rights")
	ErrInvalidProtocol    = errors.New("invalid network protocol")
	ErrInvalidCompression = errors.New("failed to read compression details")
	ErrDecompress         = errors.New("failed to decompress forward payload")
	ErrPayloadTooLong     = errors.New("forward payload too long")
)

// Encode-side errors.
var (
	ErrStringTooLong = errors.New("string longer than 255 bytes")
	ErrUnknownFrame  = errors.New("unknown frame variant")
)

// DecodeError describes a malformed frame. Every decode error is fatal for the
// control session; the stream can only be trusted afterwards for
// ErrPayloadTooLong, which leaves the reader aligned on the next header.
type DecodeError struct {
	Reason error
	Value  uint8
	Err    error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("decode: %v: %v", e.Reason, e.Err)
	case e.Value != 0:
		return fmt.Sprintf("decode: %v: 0x%x", e.Reason, e.Value)
	default:
		return fmt.Sprintf("decode: %v", e.Reason)
	}
}

func (e *DecodeError) Unwrap() error { return e.Reason }

// IsDecodeError reports whether err (or anything it wraps) is a *DecodeError.
func IsDecodeError(err error) (*DecodeError, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

var errNoDecompressor = errors.New("no compression negotiated")

func errLength(declared uint16, limit int) error {
	return fmt.Errorf("declared %d bytes, limit %d", declared, limit)
}
