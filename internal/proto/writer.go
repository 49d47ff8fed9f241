package proto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/matst80/neogrok/internal/compress"
)

// MaxPayload is the largest Forward payload the length field can carry.
const MaxPayload = 0xffff

// NoCompression disables compression when passed as a Forward threshold.
const NoCompression = -1

// CompressionStatus describes what WriteForward actually put on the wire.
type CompressionStatus struct {
	Before     int
	After      int
	Compressed bool
}

func (s CompressionStatus) Ratio() float64 {
	if s.After == 0 {
		return 0
	}
	return float64(s.Before) / float64(s.After)
}

// Writer encodes frames. Each frame goes out in a single Write call. It owns
// the active compressor and must only be used by one goroutine at a time.
type Writer struct {
	w    io.Writer
	comp compress.Compressor
	buf  []byte
}

func NewWriter(w io.Writer, comp compress.Compressor) *Writer {
	return &Writer{w: w, comp: comp, buf: make([]byte, 0, 512)}
}

func (w *Writer) flush(b []byte) error {
	_, err := w.w.Write(b)
	w.buf = b[:0]
	return err
}

func (w *Writer) WritePing() error {
	return w.flush(append(w.buf[:0], encodeHeader(TypePing, 0)))
}

// WritePingResponse encodes [algorithm][level][name_len][name].
func (w *Writer) WritePingResponse(name string, c Compression) error {
	if len(name) > 0xff {
		return ErrStringTooLong
	}
	b := append(w.buf[:0], encodeHeader(TypePing, 0), byte(c.Algorithm), c.Level, byte(len(name)))
	return w.flush(append(b, name...))
}

// WriteServerRequest folds the port and protocol into the flags: SHORT means
// port 0, SHORT2 means TCP, COMPRESSED means UDP.
func (w *Writer) WriteServerRequest(port uint16, protocol Protocol) error {
	var flags Flags
	switch protocol {
	case ProtocolTCP:
		flags |= FlagShort2
	case ProtocolUDP:
		flags |= FlagCompressed
	default:
		return fmt.Errorf("%w: %d", ErrInvalidProtocol, protocol)
	}
	if port == 0 {
		flags |= FlagShort
		return w.flush(append(w.buf[:0], encodeHeader(TypeServer, flags)))
	}
	b := append(w.buf[:0], encodeHeader(TypeServer, flags))
	return w.flush(binary.LittleEndian.AppendUint16(b, port))
}

func (w *Writer) WriteServerResponse(port uint16) error {
	b := append(w.buf[:0], encodeHeader(TypeServer, 0))
	return w.flush(binary.LittleEndian.AppendUint16(b, port))
}

func (w *Writer) WriteAuthThroughMagic(magic string) error {
	if len(magic) > 0xff {
		return ErrStringTooLong
	}
	b := append(w.buf[:0], encodeHeader(TypeAuthMagic, 0), byte(len(magic)))
	return w.flush(append(b, magic...))
}

func (w *Writer) WriteUpdateRights(r Rights) error {
	return w.flush(append(w.buf[:0], encodeHeader(TypeUpdateRights, 0), byte(r&AllRights)))
}

func (w *Writer) WriteError(code ErrorCode) error {
	return w.flush(append(w.buf[:0], encodeHeader(TypeError, 0), byte(code)))
}

func (w *Writer) WriteConnect(id uint16) error {
	return w.flush(appendIDFrame(w.buf[:0], TypeConnect, id))
}

func (w *Writer) WriteDisconnect(id uint16) error {
	return w.flush(appendIDFrame(w.buf[:0], TypeDisconnect, id))
}

// WriteForward sends payload for id. Payloads of at least threshold bytes are
// offered to the compressor; the COMPRESSED flag and the length field follow
// whatever bytes are actually emitted.
func (w *Writer) WriteForward(id uint16, payload []byte, threshold int) (CompressionStatus, error) {
	status := CompressionStatus{Before: len(payload), After: len(payload)}
	if len(payload) > MaxPayload {
		return status, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(payload))
	}
	body := payload
	var flags Flags
	if threshold >= 0 && len(payload) >= threshold && w.comp != nil {
		if out, ok := w.comp.Compress(payload); ok && len(out) <= MaxPayload {
			body = out
			flags |= FlagCompressed
			status.Compressed = true
			status.After = len(out)
		}
	}

	b := append(w.buf[:0], 0)
	if id <= 0xff {
		flags |= FlagShort2
		b = append(b, byte(id))
	} else {
		b = binary.LittleEndian.AppendUint16(b, id)
	}
	if len(body) <= 0xff {
		flags |= FlagShort
		b = append(b, byte(len(body)))
	} else {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(body)))
	}
	b[0] = encodeHeader(TypeForward, flags)
	return status, w.flush(append(b, body...))
}

// WriteFrame encodes any frame variant. threshold only affects Forward.
func (w *Writer) WriteFrame(f Frame, threshold int) error {
	switch f := f.(type) {
	case Ping:
		return w.WritePing()
	case PingResponse:
		return w.WritePingResponse(f.Name, f.Compression)
	case ServerRequest:
		return w.WriteServerRequest(f.Port, f.Protocol)
	case ServerResponse:
		return w.WriteServerResponse(f.Port)
	case AuthThroughMagic:
		return w.WriteAuthThroughMagic(f.Magic)
	case UpdateRights:
		return w.WriteUpdateRights(f.Rights)
	case Connect:
		return w.WriteConnect(f.ID)
	case Disconnect:
		return w.WriteDisconnect(f.ID)
	case Forward:
		_, err := w.WriteForward(f.ID, f.Payload, threshold)
		return err
	case ErrorFrame:
		return w.WriteError(f.Code)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownFrame, f)
	}
}

func appendIDFrame(b []byte, t PacketType, id uint16) []byte {
	if id <= 0xff {
		return append(b, encodeHeader(t, FlagShort2), byte(id))
	}
	b = append(b, encodeHeader(t, 0))
	return binary.LittleEndian.AppendUint16(b, id)
}

// ReplaceCompression swaps the compressor and decompressor of both halves of
// a codec together. Call it only between frames; the previous instances are
// closed.
func ReplaceCompression(r *Reader, w *Writer, c compress.Compressor, d compress.Decompressor) {
	if r.dec != nil {
		_ = r.dec.Close()
	}
	if w.comp != nil {
		_ = w.comp.Close()
	}
	r.dec = d
	w.comp = c
}

// Close releases the reader's decompressor.
func (r *Reader) Close() error {
	if r.dec == nil {
		return nil
	}
	err := r.dec.Close()
	r.dec = nil
	return err
}

// Close releases the writer's compressor.
func (w *Writer) Close() error {
	if w.comp == nil {
		return nil
	}
	err := w.comp.Close()
	w.comp = nil
	return err
}
