package proto

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/matst80/neogrok/internal/compress"
)

// halving "compresses" payloads made of two identical halves by dropping the
// second one. It declines anything shorter than four bytes.
type halving struct{ closed bool }

func (h *halving) Algorithm() compress.Algorithm { return compress.Deflate }
func (h *halving) Close() error                  { h.closed = true; return nil }

func (h *halving) Compress(src []byte) ([]byte, bool) {
	if len(src) < 4 {
		return nil, false
	}
	return bytes.Clone(src[:len(src)/2]), true
}

func (h *halving) Decompress(src []byte, maxSize int) ([]byte, error) {
	if 2*len(src) > maxSize {
		return nil, compress.ErrSizeExceeded
	}
	return append(bytes.Clone(src), src...), nil
}

type failing struct{}

func (failing) Algorithm() compress.Algorithm { return compress.ZStd }
func (failing) Close() error                  { return nil }
func (failing) Decompress([]byte, int) ([]byte, error) {
	return nil, compress.ErrInvalidData
}

func repeat(n int) []byte {
	return bytes.Repeat([]byte{'x'}, n)
}

func TestHeaderEncoding(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  []byte
	}{
		{"server request tcp", ServerRequest{Port: 10, Protocol: ProtocolTCP}, []byte{5<<3 | 2, 10, 0}},
		{"server request udp", ServerRequest{Port: 10, Protocol: ProtocolUDP}, []byte{5<<3 | 4, 10, 0}},
		{"server request udp any port", ServerRequest{Protocol: ProtocolUDP}, []byte{5<<3 | 4 | 1}},
		{"server request tcp any port", ServerRequest{Protocol: ProtocolTCP}, []byte{5<<3 | 2 | 1}},
		{"server response", ServerResponse{Port: 0x1234}, []byte{5 << 3, 0x34, 0x12}},
		{"connect short id", Connect{ID: 10}, []byte{2<<3 | 2, 10}},
		{"disconnect wide id", Disconnect{ID: 1024}, []byte{4 << 3, 0, 4}},
		{"forward short", Forward{ID: 10, Payload: repeat(10)}, append([]byte{3<<3 | 3, 10, 10}, repeat(10)...)},
		{"ping", Ping{}, []byte{0}},
		{"ping response", PingResponse{Name: "relay", Compression: Compression{Algorithm: compress.ZStd, Level: 5}},
			[]byte{0, 1, 5, 5, 'r', 'e', 'l', 'a', 'y'}},
		{"auth", AuthThroughMagic{Magic: "ab"}, []byte{6 << 3, 2, 'a', 'b'}},
		{"update rights", UpdateRights{Rights: CanCreateTCP | CanSelectTCP}, []byte{7 << 3, 3}},
		{"error", ErrorFrame{Code: NoSuchClient}, []byte{1 << 3, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf, nil)
			if err := w.WriteFrame(tt.frame, NoCompression); err != nil {
				t.Fatalf("write: %v", err)
			}
			if !bytes.Equal(buf.Bytes(), tt.want) {
				t.Errorf("got % x, want % x", buf.Bytes(), tt.want)
			}
		})
	}
}

func TestForwardHeaderFlags(t *testing.T) {
	tests := []struct {
		name       string
		id         uint16
		payload    []byte
		wantHeader []byte
	}{
		{"short id wide compressed length", 10, repeat(2048), []byte{3<<3 | 2 | 4, 10, 0, 4}},
		{"wide id wide compressed length", 1024, repeat(2048), []byte{3<<3 | 4, 0, 4, 0, 4}},
		{"short id short compressed length", 10, repeat(20), []byte{3<<3 | 1 | 2 | 4, 10, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf, &halving{})
			status, err := w.WriteForward(tt.id, tt.payload, 0)
			if err != nil {
				t.Fatalf("write: %v", err)
			}
			if !status.Compressed {
				t.Fatal("expected compressed frame")
			}
			got := buf.Bytes()[:len(tt.wantHeader)]
			if !bytes.Equal(got, tt.wantHeader) {
				t.Errorf("header % x, want % x", got, tt.wantHeader)
			}
			if buf.Len() != len(tt.wantHeader)+len(tt.payload)/2 {
				t.Errorf("frame length %d", buf.Len())
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	// frames the client writes are decoded by the server role and vice versa.
	tests := []struct {
		name  string
		role  Role
		frame Frame
	}{
		{"ping", RoleServer, Ping{}},
		{"ping response", RoleClient, PingResponse{Name: "relay", Compression: Compression{Algorithm: compress.ZStd, Level: 5}}},
		{"ping response empty name", RoleClient, PingResponse{Compression: Compression{Algorithm: compress.Deflate, Level: 6}}},
		{"server request any port", RoleServer, ServerRequest{Port: 0, Protocol: ProtocolTCP}},
		{"server request port", RoleServer, ServerRequest{Port: 8080, Protocol: ProtocolTCP}},
		{"server request udp", RoleServer, ServerRequest{Port: 53, Protocol: ProtocolUDP}},
		{"server response", RoleClient, ServerResponse{Port: 40000}},
		{"auth", RoleServer, AuthThroughMagic{Magic: "secret"}},
		{"auth unicode", RoleServer, AuthThroughMagic{Magic: "sécret"}},
		{"update rights", RoleClient, UpdateRights{Rights: AllRights}},
		{"update rights none", RoleClient, UpdateRights{}},
		{"connect 0xff", RoleClient, Connect{ID: 0xff}},
		{"connect 0x100", RoleClient, Connect{ID: 0x100}},
		{"disconnect 0xff", RoleServer, Disconnect{ID: 0xff}},
		{"disconnect 0xffff", RoleServer, Disconnect{ID: 0xffff}},
		{"forward empty", RoleServer, Forward{ID: 1, Payload: []byte{}}},
		{"forward id 0xff len 0xff", RoleClient, Forward{ID: 0xff, Payload: repeat(0xff)}},
		{"forward id 0x100 len 0x100", RoleServer, Forward{ID: 0x100, Payload: repeat(0x100)}},
		{"forward max", RoleClient, Forward{ID: 7, Payload: repeat(MaxPayload)}},
		{"error", RoleClient, ErrorFrame{Code: FailedToCreateServer}},
		{"error server side", RoleServer, ErrorFrame{Code: NotImplemented}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf, nil)
			if err := w.WriteFrame(tt.frame, NoCompression); err != nil {
				t.Fatalf("write: %v", err)
			}
			r := NewReader(&buf, tt.role, nil)
			got, err := r.ReadFrame(MaxPayload)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !reflect.DeepEqual(got, tt.frame) {
				t.Errorf("got %#v, want %#v", got, tt.frame)
			}
			if _, _, err := r.ReadHeader(); err != io.EOF {
				t.Errorf("trailing data after frame: %v", err)
			}
		})
	}
}

func TestOversizedForwardIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	if _, err := w.WriteForward(3, repeat(300), NoCompression); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteDisconnect(3); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf, RoleServer, nil)
	_, err := r.ReadFrame(100)
	if !errors.Is(err, ErrPayloadTooLong) {
		t.Fatalf("expected ErrPayloadTooLong, got %v", err)
	}
	if _, ok := IsDecodeError(err); !ok {
		t.Errorf("expected *DecodeError, got %T", err)
	}
	f, err := r.ReadFrame(100)
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	if f != (Disconnect{ID: 3}) {
		t.Errorf("next frame = %#v", f)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		role Role
		data []byte
		want error
	}{
		{"unknown packet type", RoleServer, []byte{8 << 3}, ErrInvalidPacketType},
		{"unknown rights bits", RoleClient, []byte{7 << 3, 0x40}, ErrInvalidRights},
		{"unknown error code", RoleClient, []byte{1 << 3, 8}, ErrInvalidErrorCode},
		{"invalid utf8 magic", RoleServer, []byte{6 << 3, 2, 0xff, 0xfe}, ErrInvalidString},
		{"server request without protocol", RoleServer, []byte{5<<3 | 1}, ErrInvalidProtocol},
		{"unknown compression", RoleClient, []byte{0, 9, 1, 0}, ErrInvalidCompression},
		{"compressed without codec", RoleServer, []byte{3<<3 | 7, 1, 1, 0}, ErrDecompress},
		{"truncated forward", RoleServer, []byte{3 << 3}, io.ErrUnexpectedEOF},
		{"truncated payload", RoleClient, []byte{3<<3 | 3, 1, 5, 'a'}, io.ErrUnexpectedEOF},
		{"truncated oversized skip", RoleClient, []byte{3<<3 | 3, 1, 200, 'a'}, io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(bytes.NewReader(tt.data), tt.role, nil)
			_, err := r.ReadFrame(100)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecompressFailure(t *testing.T) {
	data := []byte{3<<3 | 7, 1, 2, 0xde, 0xad}
	r := NewReader(bytes.NewReader(data), RoleServer, failing{})
	_, err := r.ReadFrame(MaxPayload)
	if !errors.Is(err, ErrDecompress) {
		t.Fatalf("expected ErrDecompress, got %v", err)
	}
	if !errors.Is(errors.Unwrap(err), ErrDecompress) {
		t.Errorf("unwrap should yield the reason")
	}
}

func TestForwardCompressionThreshold(t *testing.T) {
	tests := []struct {
		name       string
		payload    []byte
		threshold  int
		compressed bool
	}{
		{"below threshold", repeat(63), 64, false},
		{"at threshold", repeat(64), 64, true},
		{"disabled", repeat(1024), NoCompression, false},
		{"declined", repeat(3), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			codec := &halving{}
			w := NewWriter(&buf, codec)
			status, err := w.WriteForward(9, tt.payload, tt.threshold)
			if err != nil {
				t.Fatal(err)
			}
			if status.Compressed != tt.compressed {
				t.Errorf("compressed = %v, want %v", status.Compressed, tt.compressed)
			}
			hasFlag := Flags(buf.Bytes()[0]).Has(FlagCompressed)
			if hasFlag != tt.compressed {
				t.Errorf("COMPRESSED flag = %v", hasFlag)
			}

			r := NewReader(&buf, RoleServer, codec)
			f, err := r.ReadFrame(MaxPayload)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			fwd, ok := f.(Forward)
			if !ok || !bytes.Equal(fwd.Payload, tt.payload) {
				t.Errorf("payload mismatch: %#v", f)
			}
		})
	}
}

func TestReplaceCompression(t *testing.T) {
	for _, alg := range []compress.Algorithm{compress.Deflate, compress.ZStd} {
		t.Run(alg.String(), func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf, nil)
			r := NewReader(&buf, RoleClient, nil)

			old := &halving{}
			ReplaceCompression(r, w, old, old)
			c, d, err := compress.NewPair(alg, 3)
			if err != nil {
				t.Fatal(err)
			}
			ReplaceCompression(r, w, c, d)
			if !old.closed {
				t.Error("previous codec was not closed")
			}

			payload := []byte(strings.Repeat("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n", 40))
			status, err := w.WriteForward(300, payload, 16)
			if err != nil {
				t.Fatal(err)
			}
			if !status.Compressed || status.After >= status.Before || status.Ratio() <= 1 {
				t.Errorf("unexpected status %+v", status)
			}
			f, err := r.ReadFrame(MaxPayload)
			if err != nil {
				t.Fatal(err)
			}
			if fwd := f.(Forward); fwd.ID != 300 || !bytes.Equal(fwd.Payload, payload) {
				t.Errorf("round trip mismatch")
			}
			_ = r.Close()
			_ = w.Close()
		})
	}
}

func TestWriterRejects(t *testing.T) {
	w := NewWriter(io.Discard, nil)
	if _, err := w.WriteForward(1, repeat(MaxPayload+1), NoCompression); !errors.Is(err, ErrPayloadTooLong) {
		t.Errorf("oversized forward: %v", err)
	}
	if err := w.WriteAuthThroughMagic(strings.Repeat("m", 256)); !errors.Is(err, ErrStringTooLong) {
		t.Errorf("long magic: %v", err)
	}
	if err := w.WritePingResponse(strings.Repeat("n", 300), Compression{}); !errors.Is(err, ErrStringTooLong) {
		t.Errorf("long name: %v", err)
	}
	if err := w.WriteServerRequest(1, Protocol(7)); !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("bad protocol: %v", err)
	}
	if err := w.WriteFrame(nil, 0); !errors.Is(err, ErrUnknownFrame) {
		t.Errorf("nil frame: %v", err)
	}
}

func TestRights(t *testing.T) {
	tests := []struct {
		held, required Rights
		want           bool
	}{
		{AllRights, CanCreateTCP, true},
		{CanCreateTCP, CanCreateTCP | CanSelectTCP, false},
		{CanCreateTCP | CanSelectTCP, CanCreateTCP | CanSelectTCP, true},
		{0, 0, true},
		{CanCreateUDP, CanCreateTCP, false},
	}
	for _, tt := range tests {
		if got := tt.held.AllowedTo(tt.required); got != tt.want {
			t.Errorf("%s.AllowedTo(%s) = %v", tt.held, tt.required, got)
		}
	}

	if got := RequiredRights(ProtocolTCP, 0); got != CanCreateTCP {
		t.Errorf("tcp any port: %s", got)
	}
	if got := RequiredRights(ProtocolTCP, 80); got != CanCreateTCP|CanSelectTCP {
		t.Errorf("tcp fixed port: %s", got)
	}
	if got := RequiredRights(ProtocolUDP, 53); got != CanCreateUDP|CanSelectUDP {
		t.Errorf("udp fixed port: %s", got)
	}
	if s := (CanCreateTCP | CanSelectHTTP).String(); s != "create_tcp|select_http" {
		t.Errorf("String() = %q", s)
	}
	if _, err := ParseRights(0xff); !errors.Is(err, ErrInvalidRights) {
		t.Errorf("ParseRights(0xff) = %v", err)
	}
}

func TestErrorCodeAsError(t *testing.T) {
	var err error = AccessDenied
	var code ErrorCode
	if !errors.As(err, &code) || code != AccessDenied {
		t.Fatalf("errors.As failed")
	}
	if err.Error() != "no access to this command" {
		t.Errorf("message %q", err.Error())
	}
}
