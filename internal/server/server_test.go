package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matst80/neogrok/internal/compress"
	"github.com/matst80/neogrok/internal/obs"
	"github.com/matst80/neogrok/internal/proto"
)

func init() { obs.SetOutput(io.Discard) }

type peer struct {
	t    *testing.T
	conn net.Conn
	r    *proto.Reader
	w    *proto.Writer
	errc chan error
}

func testOptions() Options {
	return Options{
		Name:        "relay",
		Magic:       "secret",
		Compression: proto.Compression{Algorithm: compress.ZStd, Level: 5},
		Threshold:   16,
		BaseRights:  proto.CanCreateTCP,
		MagicRights: proto.CanCreateTCP | proto.CanSelectTCP,
		BindHost:    "127.0.0.1",
	}
}

func start(t *testing.T, ctx context.Context, opts Options) *peer {
	t.Helper()
	client, srv := net.Pipe()
	p := &peer{
		t:    t,
		conn: client,
		r:    proto.NewReader(client, proto.RoleClient, nil),
		w:    proto.NewWriter(client, nil),
		errc: make(chan error, 1),
	}
	go func() { p.errc <- ServeConn(ctx, srv, opts) }()
	t.Cleanup(func() { client.Close() })
	return p
}

func (p *peer) send(f proto.Frame) {
	p.t.Helper()
	if err := p.w.WriteFrame(f, proto.NoCompression); err != nil {
		p.t.Fatalf("send %s: %v", proto.FrameName(f), err)
	}
}

func (p *peer) expect() proto.Frame {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	f, err := p.r.ReadFrame(proto.MaxPayload)
	if err != nil {
		p.t.Fatalf("read frame: %v", err)
	}
	return f
}

func (p *peer) expectFrame(want proto.Frame) {
	p.t.Helper()
	if got := p.expect(); got != want {
		p.t.Fatalf("got %#v, want %#v", got, want)
	}
}

func (p *peer) result() error {
	p.t.Helper()
	select {
	case err := <-p.errc:
		return err
	case <-time.After(3 * time.Second):
		p.t.Fatal("ServeConn did not return")
		return nil
	}
}

// handshake pings the relay and installs the negotiated compression.
func (p *peer) handshake() proto.PingResponse {
	p.t.Helper()
	p.send(proto.Ping{})
	resp, ok := p.expect().(proto.PingResponse)
	if !ok {
		p.t.Fatal("expected PingResponse")
	}
	c, d, err := compress.NewPair(resp.Compression.Algorithm, resp.Compression.Level)
	if err != nil {
		p.t.Fatal(err)
	}
	proto.ReplaceCompression(p.r, p.w, c, d)
	return resp
}

func (p *peer) requestServer(port uint16) uint16 {
	p.t.Helper()
	p.send(proto.ServerRequest{Port: port, Protocol: proto.ProtocolTCP})
	f := p.expect()
	resp, ok := f.(proto.ServerResponse)
	if !ok || resp.Port == 0 {
		p.t.Fatalf("expected ServerResponse, got %#v", f)
	}
	return resp.Port
}

func dialPort(t *testing.T, port uint16) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", portString(port)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func portString(p uint16) string { return strconv.Itoa(int(p)) }

func TestMagicHandshakeAndRelay(t *testing.T) {
	p := start(t, context.Background(), testOptions())

	resp := p.handshake()
	if resp.Name != "relay" || resp.Compression != (proto.Compression{Algorithm: compress.ZStd, Level: 5}) {
		t.Fatalf("ping response %#v", resp)
	}
	p.send(proto.AuthThroughMagic{Magic: "secret"})
	p.expectFrame(proto.UpdateRights{Rights: proto.CanCreateTCP | proto.CanSelectTCP})
	port := p.requestServer(0)

	public := dialPort(t, port)
	conn, ok := p.expect().(proto.Connect)
	if !ok {
		t.Fatal("expected Connect")
	}

	request := []byte(strings.Repeat("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n", 8))
	if _, err := public.Write(request); err != nil {
		t.Fatal(err)
	}
	var got []byte
	for len(got) < len(request) {
		fwd, ok := p.expect().(proto.Forward)
		if !ok || fwd.ID != conn.ID {
			t.Fatalf("expected Forward for %d", conn.ID)
		}
		got = append(got, fwd.Payload...)
	}
	if !bytes.Equal(got, request) {
		t.Fatalf("forwarded %q", got)
	}

	response := []byte(strings.Repeat("HTTP/1.1 200 OK\r\n", 20))
	if _, err := p.w.WriteForward(conn.ID, response, 0); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(response))
	_ = public.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(public, buf); err != nil || !bytes.Equal(buf, response) {
		t.Fatalf("public read %q %v", buf, err)
	}

	// peer-initiated close is silent
	p.send(proto.Disconnect{ID: conn.ID})
	if _, err := public.Read(make([]byte, 1)); err == nil {
		t.Fatal("public connection still open after Disconnect")
	}

	// locally initiated close is announced
	second := dialPort(t, port)
	c2, ok := p.expect().(proto.Connect)
	if !ok {
		t.Fatal("expected Connect")
	}
	_ = second.Close()
	p.expectFrame(proto.Disconnect{ID: c2.ID})

	_ = p.conn.Close()
	if err := p.result(); err != nil {
		t.Errorf("clean close returned %v", err)
	}
	if _, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", portString(port))); err == nil {
		t.Error("public listener outlived the control connection")
	}
}

func TestInvalidMagicIsFatal(t *testing.T) {
	p := start(t, context.Background(), testOptions())
	p.handshake()
	p.send(proto.AuthThroughMagic{Magic: "wrong"})
	p.expectFrame(proto.ErrorFrame{Code: proto.InvalidCredentials})
	if err := p.result(); !errors.Is(err, proto.InvalidCredentials) {
		t.Errorf("ServeConn = %v", err)
	}
}

func TestEmptyMagicNeverMatches(t *testing.T) {
	opts := testOptions()
	opts.Magic = ""
	p := start(t, context.Background(), opts)
	p.handshake()
	p.send(proto.AuthThroughMagic{Magic: ""})
	p.expectFrame(proto.ErrorFrame{Code: proto.InvalidCredentials})
	if err := p.result(); !errors.Is(err, proto.InvalidCredentials) {
		t.Errorf("ServeConn = %v", err)
	}
}

func TestBaseRightsChecks(t *testing.T) {
	tests := []struct {
		name   string
		rights proto.Rights
		port   uint16
	}{
		{"no create right", 0, 0},
		{"fixed port without select", proto.CanCreateTCP, 8080},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.BaseRights = tt.rights
			p := start(t, context.Background(), opts)
			p.handshake()
			p.send(proto.ServerRequest{Port: tt.port, Protocol: proto.ProtocolTCP})
			p.expectFrame(proto.ErrorFrame{Code: proto.AccessDenied})

			// the session survives
			p.send(proto.Ping{})
			if _, ok := p.expect().(proto.PingResponse); !ok {
				t.Error("expected PingResponse after AccessDenied")
			}
		})
	}
}

func TestRecoverableErrors(t *testing.T) {
	opts := testOptions()
	opts.MagicRights = proto.AllRights
	opts.Listen = func(string, string) (net.Listener, error) {
		return nil, errors.New("address already in use")
	}
	p := start(t, context.Background(), opts)
	p.handshake()

	p.send(proto.Forward{ID: 1, Payload: []byte("x")})
	p.expectFrame(proto.ErrorFrame{Code: proto.ServerIsNotCreated})
	p.send(proto.Disconnect{ID: 1})
	p.expectFrame(proto.ErrorFrame{Code: proto.ServerIsNotCreated})

	p.send(proto.AuthThroughMagic{Magic: "secret"})
	p.expectFrame(proto.UpdateRights{Rights: proto.AllRights})

	p.send(proto.ServerRequest{Port: 53, Protocol: proto.ProtocolUDP})
	p.expectFrame(proto.ErrorFrame{Code: proto.NotImplemented})

	p.send(proto.ServerRequest{Protocol: proto.ProtocolTCP})
	p.expectFrame(proto.ErrorFrame{Code: proto.FailedToCreateServer})

	_ = p.conn.Close()
	if err := p.result(); err != nil {
		t.Errorf("ServeConn = %v", err)
	}
}

func TestUnexpectedFrames(t *testing.T) {
	t.Run("before ping", func(t *testing.T) {
		p := start(t, context.Background(), testOptions())
		p.send(proto.ServerRequest{Protocol: proto.ProtocolTCP})
		p.expectFrame(proto.ErrorFrame{Code: proto.UnexpectedFrame})
		if err := p.result(); !errors.Is(err, proto.UnexpectedFrame) {
			t.Errorf("ServeConn = %v", err)
		}
	})
	t.Run("auth while polling", func(t *testing.T) {
		p := start(t, context.Background(), testOptions())
		p.handshake()
		p.requestServer(0)
		p.send(proto.AuthThroughMagic{Magic: "secret"})
		p.expectFrame(proto.ErrorFrame{Code: proto.UnexpectedFrame})
		if err := p.result(); !errors.Is(err, proto.UnexpectedFrame) {
			t.Errorf("ServeConn = %v", err)
		}
	})
	t.Run("unknown packet type", func(t *testing.T) {
		p := start(t, context.Background(), testOptions())
		go p.conn.Write([]byte{8 << 3})
		p.expectFrame(proto.ErrorFrame{Code: proto.UnknownFrame})
		if err := p.result(); !errors.Is(err, proto.ErrInvalidPacketType) {
			t.Errorf("ServeConn = %v", err)
		}
	})
}

func TestStaleRoutingIsNotFatal(t *testing.T) {
	p := start(t, context.Background(), testOptions())
	p.handshake()
	p.requestServer(0)
	p.send(proto.Forward{ID: 42, Payload: []byte("late")})
	p.send(proto.Disconnect{ID: 42})
	p.send(proto.Ping{})
	if _, ok := p.expect().(proto.PingResponse); !ok {
		t.Fatal("session should survive stale ids")
	}
}

func TestServerRequestSupersedes(t *testing.T) {
	p := start(t, context.Background(), testOptions())
	p.handshake()
	first := p.requestServer(0)
	public := dialPort(t, first)
	p.expectFrame(proto.Connect{ID: 0})

	// live ids of the replaced server are released before the new one answers
	p.send(proto.ServerRequest{Port: 0, Protocol: proto.ProtocolTCP})
	p.expectFrame(proto.Disconnect{ID: 0})
	resp, ok := p.expect().(proto.ServerResponse)
	if !ok || resp.Port == 0 {
		t.Fatal("expected ServerResponse for the new server")
	}
	second := resp.Port

	_ = public.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := public.Read(make([]byte, 1)); err == nil {
		t.Error("connection of the superseded server still open")
	}
	if first != second {
		if c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", portString(first))); err == nil {
			c.Close()
			t.Error("superseded listener still accepting")
		}
	}
	dialPort(t, second)
	// the fresh pool starts over at 0, which the peer has already dropped
	p.expectFrame(proto.Connect{ID: 0})
}

type failingListener struct{ net.Listener }

func (failingListener) Accept() (net.Conn, error) { return nil, errors.New("too many open files") }

func TestListenerFailureEndsControl(t *testing.T) {
	opts := testOptions()
	opts.Listen = func(network, addr string) (net.Listener, error) {
		ln, err := net.Listen(network, addr)
		if err != nil {
			return nil, err
		}
		return failingListener{ln}, nil
	}
	p := start(t, context.Background(), opts)
	p.handshake()
	p.requestServer(0)
	if err := p.result(); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("ServeConn = %v", err)
	}
}

func TestContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := start(t, ctx, testOptions())
	p.handshake()
	cancel()
	if err := p.result(); err != nil {
		t.Errorf("ServeConn = %v", err)
	}
}

type recorder struct {
	mu      sync.Mutex
	opened  []Info
	updated []Info
	closed  []string
}

func (r *recorder) SessionOpened(i Info) { r.mu.Lock(); r.opened = append(r.opened, i); r.mu.Unlock() }
func (r *recorder) SessionUpdated(i Info) {
	r.mu.Lock()
	r.updated = append(r.updated, i)
	r.mu.Unlock()
}
func (r *recorder) SessionClosed(id string) { r.mu.Lock(); r.closed = append(r.closed, id); r.mu.Unlock() }

func TestObserver(t *testing.T) {
	rec := &recorder{}
	opts := testOptions()
	opts.Observer = rec
	p := start(t, context.Background(), opts)
	p.handshake()
	p.send(proto.AuthThroughMagic{Magic: "secret"})
	p.expect()
	port := p.requestServer(0)
	_ = p.conn.Close()
	_ = p.result()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.opened) != 1 || len(rec.closed) != 1 || rec.closed[0] != rec.opened[0].ID {
		t.Fatalf("opened %v closed %v", rec.opened, rec.closed)
	}
	last := rec.updated[len(rec.updated)-1]
	if last.Port != port || last.Protocol != "tcp" || last.Rights != "create_tcp|select_tcp" {
		t.Errorf("last update %+v", last)
	}
}
