// Package server runs the relay side of a control connection: it answers the
// handshake, opens the public listener an agent asks for and multiplexes the
// accepted connections over the control stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/neogrok/internal/compress"
	"github.com/matst80/neogrok/internal/idpool"
	"github.com/matst80/neogrok/internal/mux"
	"github.com/matst80/neogrok/internal/obs"
	"github.com/matst80/neogrok/internal/proto"
	"github.com/matst80/neogrok/internal/ratelimit"
)

// Options configure every control connection served by the relay.
type Options struct {
	Name        string
	Magic       string
	Compression proto.Compression
	// Threshold is the smallest Forward payload offered to the compressor.
	// proto.NoCompression disables compression of outgoing frames.
	Threshold   int
	BaseRights  proto.Rights
	MagicRights proto.Rights
	// BindHost is the host public listeners are bound on. Empty means all
	// interfaces.
	BindHost   string
	ReadSize   int
	MaxPayload int
	InboxSize  int
	PoolPolicy idpool.Policy
	Limiter    *ratelimit.RateLimiter
	Observer   Observer
	// Listen opens public listeners; net.Listen when nil.
	Listen func(network, address string) (net.Listener, error)
}

// Info describes one control session for registries and dashboards.
type Info struct {
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	Rights   string    `json:"rights"`
	Port     uint16    `json:"port"`
	Protocol string    `json:"protocol,omitempty"`
	Created  time.Time `json:"created"`
}

// Observer is told about session lifecycle changes.
type Observer interface {
	SessionOpened(Info)
	SessionUpdated(Info)
	SessionClosed(id string)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(Info)   {}
func (nopObserver) SessionUpdated(Info)  {}
func (nopObserver) SessionClosed(string) {}

type state int

const (
	waitingForPing state = iota
	negotiated
	polling
)

func (s state) String() string {
	switch s {
	case waitingForPing:
		return "waiting_for_ping"
	case negotiated:
		return "negotiated"
	default:
		return "polling"
	}
}

// ErrListenerClosed ends a control connection whose public listener failed.
var ErrListenerClosed = errors.New("public listener closed")

type control struct {
	ctx    context.Context
	conn   net.Conn
	opts   Options
	r      *proto.Reader
	w      *proto.Writer
	state  state
	rights proto.Rights
	sess   *mux.Session
	info   Info
	fields obs.Fields
}

type readResult struct {
	frame proto.Frame
	err   error
}

// ServeConn runs the control task for conn until the peer disconnects, a
// fatal protocol error occurs or ctx is done. conn is closed on return. A
// clean disconnect or cancellation returns nil.
func ServeConn(ctx context.Context, conn net.Conn, opts Options) error {
	opts = withDefaults(opts)
	comp, dec, err := compress.NewPair(opts.Compression.Algorithm, opts.Compression.Level)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("compression pair: %w", err)
	}

	id := uuid.NewString()
	c := &control{
		ctx:    ctx,
		conn:   conn,
		opts:   opts,
		r:      proto.NewReaderSize(conn, opts.MaxPayload, proto.RoleServer, dec),
		w:      proto.NewWriter(conn, comp),
		rights: opts.BaseRights,
		info: Info{
			ID:      id,
			Remote:  conn.RemoteAddr().String(),
			Rights:  opts.BaseRights.String(),
			Created: time.Now().UTC(),
		},
		fields: obs.Fields{"session": id, "remote": conn.RemoteAddr().String()},
	}
	obs.ControlSessions.Inc()
	opts.Observer.SessionOpened(c.info)
	obs.Info("control.open", c.fields)

	err = c.run()

	c.closeSession("control_closed")
	_ = conn.Close()
	_ = c.r.Close()
	_ = c.w.Close()
	opts.Limiter.Forget(id)
	opts.Observer.SessionClosed(id)
	obs.ControlSessions.Dec()
	obs.ControlDurationSeconds.Observe(time.Since(c.info.Created).Seconds())
	if err != nil {
		obs.Error("control.closed", c.fields.With(obs.Fields{"err": err, "state": c.state.String()}))
	} else {
		obs.Info("control.closed", c.fields)
	}
	return err
}

func withDefaults(o Options) Options {
	if o.ReadSize <= 0 {
		o.ReadSize = mux.DefaultReadSize
	}
	if o.ReadSize > proto.MaxPayload {
		o.ReadSize = proto.MaxPayload
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = proto.MaxPayload
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Listen == nil {
		o.Listen = net.Listen
	}
	return o
}

func (c *control) run() error {
	frames := make(chan readResult)
	done := make(chan struct{})
	defer close(done)
	go c.readLoop(frames, done)

	for {
		// events stays nil, and never fires, until a server exists
		var events <-chan mux.Event
		if c.sess != nil {
			events = c.sess.Events()
		}
		select {
		case <-c.ctx.Done():
			return nil
		case res := <-frames:
			if res.err != nil {
				return c.readFailed(res.err)
			}
			obs.FramesTotal.WithLabelValues("in", proto.FrameName(res.frame)).Inc()
			if err := c.handleFrame(res.frame); err != nil {
				return err
			}
		case ev := <-events:
			if err := c.handleEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (c *control) readLoop(out chan<- readResult, done <-chan struct{}) {
	for {
		f, err := c.r.ReadFrame(c.opts.MaxPayload)
		select {
		case out <- readResult{f, err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *control) readFailed(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	if errors.Is(err, net.ErrClosed) && c.ctx.Err() != nil {
		return nil
	}
	if de, ok := proto.IsDecodeError(err); ok {
		obs.ErrorsTotal.WithLabelValues("decode").Inc()
		if errors.Is(de, proto.ErrInvalidPacketType) {
			_ = c.writeError(proto.UnknownFrame)
		}
		return err
	}
	obs.ErrorsTotal.WithLabelValues("control_read").Inc()
	return fmt.Errorf("read frame: %w", err)
}

func (c *control) writeError(code proto.ErrorCode) error {
	obs.FramesTotal.WithLabelValues("out", "error").Inc()
	if err := c.w.WriteError(code); err != nil {
		return fmt.Errorf("write error frame: %w", err)
	}
	return nil
}

// closeSession shuts the public listener and its relays down, if any.
func (c *control) closeSession(reason string) {
	if c.sess == nil {
		return
	}
	c.sess.Shutdown()
	c.sess = nil
	obs.ActiveServers.Dec()
	obs.Info("session.server.closed", c.fields.With(obs.Fields{"port": c.info.Port, "reason": reason}))
	c.info.Port = 0
	c.info.Protocol = ""
}
