package proto

import (
	"bufio"
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/matst80/neogrok/internal/compress"
)

// Reader decodes frames for one side of a control connection. It owns the
// active decompressor and must only be used by one goroutine at a time.
type Reader struct {
	r    *bufio.Reader
	role Role
	dec  compress.Decompressor
	buf  [2]byte
}

func NewReader(r io.Reader, role Role, dec compress.Decompressor) *Reader {
	return NewReaderSize(r, 4096, role, dec)
}

// NewReaderSize buffers r with at least size bytes unless r already is a
// *bufio.Reader.
func NewReaderSize(r io.Reader, size int, role Role, dec compress.Decompressor) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, size)
	}
	return &Reader{r: br, role: role, dec: dec}
}

func (r *Reader) Role() Role { return r.role }

// ReadFrame reads one complete frame. Forward payloads longer than maxPayload
// are skipped and reported as ErrPayloadTooLong.
func (r *Reader) ReadFrame(maxPayload int) (Frame, error) {
	t, flags, err := r.ReadHeader()
	if err != nil {
		return nil, err
	}
	return r.ReadBody(t, flags, maxPayload)
}

// ReadHeader reads the header byte. io.EOF here means the peer closed the
// connection between frames.
func (r *Reader) ReadHeader() (PacketType, Flags, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	t, flags := decodeHeader(b)
	return t, flags, nil
}

// ReadBody decodes the trailer of a frame whose header was already read.
func (r *Reader) ReadBody(t PacketType, flags Flags, maxPayload int) (Frame, error) {
	switch t {
	case TypePing:
		if r.role == RoleServer {
			return Ping{}, nil
		}
		c, err := r.readCompression()
		if err != nil {
			return nil, err
		}
		name, err := r.readString()
		if err != nil {
			return nil, err
		}
		return PingResponse{Name: name, Compression: c}, nil

	case TypeServer:
		if r.role == RoleServer {
			return r.readServerRequest(flags)
		}
		port, err := r.readU16()
		if err != nil {
			return nil, err
		}
		return ServerResponse{Port: port}, nil

	case TypeUpdateRights:
		b, err := r.r.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		rights, err := ParseRights(b)
		if err != nil {
			return nil, err
		}
		return UpdateRights{Rights: rights}, nil

	case TypeConnect:
		id, err := r.readVariadic(flags, FlagShort2)
		if err != nil {
			return nil, err
		}
		return Connect{ID: id}, nil

	case TypeDisconnect:
		id, err := r.readVariadic(flags, FlagShort2)
		if err != nil {
			return nil, err
		}
		return Disconnect{ID: id}, nil

	case TypeForward:
		return r.readForward(flags, maxPayload)

	case TypeAuthMagic:
		magic, err := r.readString()
		if err != nil {
			return nil, err
		}
		return AuthThroughMagic{Magic: magic}, nil

	case TypeError:
		b, err := r.r.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		code, err := ParseErrorCode(b)
		if err != nil {
			return nil, err
		}
		return ErrorFrame{Code: code}, nil
	}
	return nil, &DecodeError{Reason: ErrInvalidPacketType, Value: encodeHeader(t, flags)}
}

func (r *Reader) readServerRequest(flags Flags) (Frame, error) {
	var protocol Protocol
	switch {
	case flags.Has(FlagCompressed):
		protocol = ProtocolUDP
	case flags.Has(FlagShort2):
		protocol = ProtocolTCP
	default:
		return nil, &DecodeError{Reason: ErrInvalidProtocol, Value: byte(flags)}
	}
	var port uint16
	if !flags.Has(FlagShort) {
		p, err := r.readU16()
		if err != nil {
			return nil, err
		}
		port = p
	}
	return ServerRequest{Port: port, Protocol: protocol}, nil
}

func (r *Reader) readForward(flags Flags, maxPayload int) (Frame, error) {
	id, err := r.readVariadic(flags, FlagShort2)
	if err != nil {
		return nil, err
	}
	length, err := r.readVariadic(flags, FlagShort)
	if err != nil {
		return nil, err
	}
	if int(length) > maxPayload {
		if _, err := r.r.Discard(int(length)); err != nil {
			return nil, unexpected(err)
		}
		return nil, &DecodeError{Reason: ErrPayloadTooLong, Err: errLength(length, maxPayload)}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, unexpected(err)
	}
	if flags.Has(FlagCompressed) {
		if r.dec == nil {
			return nil, &DecodeError{Reason: ErrDecompress, Err: errNoDecompressor}
		}
		out, err := r.dec.Decompress(payload, maxPayload)
		if err != nil {
			return nil, &DecodeError{Reason: ErrDecompress, Err: err}
		}
		payload = out
	}
	return Forward{ID: id, Payload: payload}, nil
}

func (r *Reader) readCompression() (Compression, error) {
	var b [2]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return Compression{}, unexpected(err)
	}
	alg, err := compress.ParseAlgorithm(b[0])
	if err != nil {
		return Compression{}, &DecodeError{Reason: ErrInvalidCompression, Value: b[0]}
	}
	return Compression{Algorithm: alg, Level: b[1]}, nil
}

func (r *Reader) readVariadic(flags, short Flags) (uint16, error) {
	if flags.Has(short) {
		b, err := r.r.ReadByte()
		if err != nil {
			return 0, unexpected(err)
		}
		return uint16(b), nil
	}
	return r.readU16()
}

func (r *Reader) readU16() (uint16, error) {
	if _, err := io.ReadFull(r.r, r.buf[:]); err != nil {
		return 0, unexpected(err)
	}
	return binary.LittleEndian.Uint16(r.buf[:]), nil
}

func (r *Reader) readString() (string, error) {
	n, err := r.r.ReadByte()
	if err != nil {
		return "", unexpected(err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return "", unexpected(err)
	}
	if !utf8.Valid(b) {
		return "", &DecodeError{Reason: ErrInvalidString}
	}
	return string(b), nil
}

// unexpected turns an EOF in the middle of a frame into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
