// Package agent runs the tunnel side of a control connection: it negotiates
// a public server with the relay and dials the local target for every
// connection the relay announces.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/matst80/neogrok/internal/compress"
	"github.com/matst80/neogrok/internal/mux"
	"github.com/matst80/neogrok/internal/obs"
	"github.com/matst80/neogrok/internal/proto"
)

var (
	// ErrInsufficientRights means the relay accepted the magic but the
	// granted rights cannot open the requested server.
	ErrInsufficientRights = errors.New("insufficient rights")
	// ErrRelayClosed means the relay closed the control connection.
	ErrRelayClosed = errors.New("relay closed the connection")
)

type Options struct {
	// Target is the local address dialed for each relayed connection.
	Target string
	// Port is the public port requested from the relay, 0 for any.
	Port       uint16
	Magic      string
	Threshold  int
	MaxPayload int
	ReadSize   int
	InboxSize  int
	// Dial opens local connections; a net.Dialer with a 10s timeout when nil.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
	// OnReady is called with the public port once the relay has created it.
	OnReady func(port uint16)
}

// Permanent reports whether retrying with the same options is pointless.
func Permanent(err error) bool {
	return errors.Is(err, ErrInsufficientRights) ||
		errors.Is(err, proto.InvalidCredentials) ||
		errors.Is(err, proto.AccessDenied)
}

type state int

const (
	waitingForPing state = iota
	waitingForRightsUpdate
	waitingForServer
	polling
)

func (s state) String() string {
	switch s {
	case waitingForPing:
		return "waiting_for_ping"
	case waitingForRightsUpdate:
		return "waiting_for_rights_update"
	case waitingForServer:
		return "waiting_for_server"
	default:
		return "polling"
	}
}

type agent struct {
	ctx    context.Context
	conn   net.Conn
	opts   Options
	r      *proto.Reader
	w      *proto.Writer
	state  state
	sess   *mux.Session
	fields obs.Fields
}

// Run drives one control connection. It returns nil only when ctx is done.
func Run(ctx context.Context, conn net.Conn, opts Options) error {
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = proto.MaxPayload
	}
	if opts.ReadSize <= 0 || opts.ReadSize > proto.MaxPayload {
		opts.ReadSize = mux.DefaultReadSize
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = mux.DefaultInboxSize
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: 10 * time.Second}
		opts.Dial = d.DialContext
	}
	a := &agent{
		ctx:    ctx,
		conn:   conn,
		opts:   opts,
		r:      proto.NewReaderSize(conn, opts.MaxPayload, proto.RoleClient, nil),
		w:      proto.NewWriter(conn, nil),
		fields: obs.Fields{"relay": conn.RemoteAddr().String(), "target": opts.Target},
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		if a.sess != nil {
			a.sess.Shutdown()
		}
		_ = conn.Close()
		_ = a.r.Close()
		_ = a.w.Close()
	}()

	err := a.handshake()
	if err == nil {
		err = a.poll()
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *agent) handshake() error {
	if err := a.w.WritePing(); err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	for a.state != polling {
		f, err := a.r.ReadFrame(a.opts.MaxPayload)
		if err != nil {
			return a.readFailed(err)
		}
		if err := a.handleHandshake(f); err != nil {
			return err
		}
	}
	return nil
}

func (a *agent) handleHandshake(f proto.Frame) error {
	switch a.state {
	case waitingForPing:
		resp, ok := f.(proto.PingResponse)
		if !ok {
			break
		}
		c, d, err := compress.NewPair(resp.Compression.Algorithm, resp.Compression.Level)
		if err != nil {
			return fmt.Errorf("negotiated compression %s: %w", resp.Compression, err)
		}
		proto.ReplaceCompression(a.r, a.w, c, d)
		obs.Info("agent.connected", a.fields.With(obs.Fields{"name": resp.Name, "compression": resp.Compression.String()}))
		if a.opts.Magic != "" {
			a.state = waitingForRightsUpdate
			return a.w.WriteAuthThroughMagic(a.opts.Magic)
		}
		a.state = waitingForServer
		return a.w.WriteServerRequest(a.opts.Port, proto.ProtocolTCP)

	case waitingForRightsUpdate:
		switch f := f.(type) {
		case proto.UpdateRights:
			required := proto.RequiredRights(proto.ProtocolTCP, a.opts.Port)
			if !f.Rights.AllowedTo(required) {
				return fmt.Errorf("%w: got %s, need %s", ErrInsufficientRights, f.Rights, required)
			}
			obs.Info("agent.rights", a.fields.With(obs.Fields{"rights": f.Rights.String()}))
			a.state = waitingForServer
			return a.w.WriteServerRequest(a.opts.Port, proto.ProtocolTCP)
		case proto.ErrorFrame:
			return fmt.Errorf("authorization: %w", f.Code)
		}

	case waitingForServer:
		switch f := f.(type) {
		case proto.ServerResponse:
			a.state = polling
			obs.Info("agent.ready", a.fields.With(obs.Fields{"port": f.Port}))
			if a.opts.OnReady != nil {
				a.opts.OnReady(f.Port)
			}
			return nil
		case proto.ErrorFrame:
			return fmt.Errorf("server request: %w", f.Code)
		}
	}
	return fmt.Errorf("%w: %s in state %s", proto.UnexpectedFrame, proto.FrameName(f), a.state)
}

type readResult struct {
	frame proto.Frame
	err   error
}

func (a *agent) poll() error {
	a.sess = mux.NewSession(a.ctx, mux.Options{
		ReadSize:  a.opts.ReadSize,
		InboxSize: a.opts.InboxSize,
		Fields:    a.fields,
	})

	frames := make(chan readResult)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			f, err := a.r.ReadFrame(a.opts.MaxPayload)
			select {
			case frames <- readResult{f, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-a.ctx.Done():
			return nil
		case res := <-frames:
			if res.err != nil {
				return a.readFailed(res.err)
			}
			a.handleFrame(res.frame)
		case ev := <-a.sess.Events():
			if err := a.handleEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (a *agent) handleFrame(f proto.Frame) {
	switch f := f.(type) {
	case proto.Connect:
		l := mux.NewLink(a.opts.InboxSize)
		if err := a.sess.Insert(f.ID, l); err != nil {
			obs.Warn("agent.connect", a.fields.With(obs.Fields{"id": f.ID, "err": err}))
			return
		}
		obs.Debug("agent.connect", a.fields.With(obs.Fields{"id": f.ID}))
		a.sess.Dial(f.ID, l, func(ctx context.Context) (net.Conn, error) {
			return a.opts.Dial(ctx, "tcp", a.opts.Target)
		})
	case proto.Forward:
		if res := a.sess.SendTo(f.ID, mux.Write{Payload: f.Payload}); res != mux.SendOK {
			obs.Debug("agent.route", a.fields.With(obs.Fields{"id": f.ID, "result": res.String()}))
		}
	case proto.Disconnect:
		a.sess.SendTo(f.ID, mux.ForceDisconnect{})
		a.sess.Remove(f.ID)
		obs.Debug("agent.disconnect", a.fields.With(obs.Fields{"id": f.ID}))
	case proto.ErrorFrame:
		obs.Error("agent.relay_error", a.fields.With(obs.Fields{"err": f.Code}))
	default:
		obs.Warn("agent.unexpected_frame", a.fields.With(obs.Fields{"frame": proto.FrameName(f)}))
	}
}

func (a *agent) handleEvent(ev mux.Event) error {
	switch ev := ev.(type) {
	case mux.Forward:
		// the relay may have reused the id since these bytes were read
		if !a.sess.Owns(ev.ID, ev.Link) {
			obs.Debug("agent.stale_forward", a.fields.With(obs.Fields{"id": ev.ID}))
			return nil
		}
		if _, err := a.w.WriteForward(ev.ID, ev.Payload, a.opts.Threshold); err != nil {
			return fmt.Errorf("write forward: %w", err)
		}
	case mux.Disconnected:
		if !a.sess.RemoveIf(ev.ID, ev.Link) {
			obs.Debug("agent.stale_disconnect", a.fields.With(obs.Fields{"id": ev.ID}))
			return nil
		}
		if err := a.w.WriteDisconnect(ev.ID); err != nil {
			return fmt.Errorf("write disconnect: %w", err)
		}
	}
	return nil
}

func (a *agent) readFailed(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrRelayClosed
	}
	if _, ok := proto.IsDecodeError(err); ok {
		return err
	}
	return fmt.Errorf("read frame: %w", err)
}
