package server

import (
	"fmt"
	"net"
	"strconv"

	"github.com/matst80/neogrok/internal/idpool"
	"github.com/matst80/neogrok/internal/mux"
	"github.com/matst80/neogrok/internal/obs"
	"github.com/matst80/neogrok/internal/proto"
)

func (c *control) handleFrame(f proto.Frame) error {
	if p, ok := f.(proto.Ping); ok {
		return c.handlePing(p)
	}
	switch c.state {
	case waitingForPing:
		return c.unexpected(f)

	case negotiated:
		switch f := f.(type) {
		case proto.AuthThroughMagic:
			return c.handleAuth(f)
		case proto.ServerRequest:
			return c.handleServerRequest(f)
		case proto.Forward, proto.Disconnect:
			obs.Debug("control.no_server", c.fields.With(obs.Fields{"frame": proto.FrameName(f)}))
			return c.writeError(proto.ServerIsNotCreated)
		}

	case polling:
		switch f := f.(type) {
		case proto.Forward:
			obs.ForwardedBytes.WithLabelValues("in").Add(float64(len(f.Payload)))
			c.route(f.ID, mux.Write{Payload: f.Payload})
			return nil
		case proto.Disconnect:
			if c.route(f.ID, mux.ForceDisconnect{}) == mux.SendOK {
				obs.Debug("control.disconnect", c.fields.With(obs.Fields{"id": f.ID}))
			}
			c.sess.Remove(f.ID)
			return nil
		case proto.ServerRequest:
			return c.handleServerRequest(f)
		}
	}
	return c.unexpected(f)
}

// route delivers cmd to a relay. Stale ids are expected after races between
// the two ends closing the same connection.
func (c *control) route(id uint16, cmd mux.Command) mux.SendResult {
	res := c.sess.SendTo(id, cmd)
	if res != mux.SendOK {
		obs.ErrorsTotal.WithLabelValues("route_" + res.String()).Inc()
		obs.Debug("control.route", c.fields.With(obs.Fields{"id": id, "result": res.String()}))
	}
	return res
}

func (c *control) unexpected(f proto.Frame) error {
	obs.ErrorsTotal.WithLabelValues("unexpected_frame").Inc()
	if err := c.writeError(proto.UnexpectedFrame); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s in state %s", proto.UnexpectedFrame, proto.FrameName(f), c.state)
}

func (c *control) handlePing(proto.Ping) error {
	obs.Debug("control.ping", c.fields)
	if c.state == waitingForPing {
		c.state = negotiated
	}
	obs.FramesTotal.WithLabelValues("out", "ping_response").Inc()
	return c.w.WritePingResponse(c.opts.Name, c.opts.Compression)
}

func (c *control) handleAuth(f proto.AuthThroughMagic) error {
	if c.opts.Magic == "" || f.Magic != c.opts.Magic {
		obs.AuthTotal.WithLabelValues("invalid").Inc()
		obs.Error("control.auth.magic", c.fields)
		if err := c.writeError(proto.InvalidCredentials); err != nil {
			return err
		}
		return fmt.Errorf("magic auth: %w", proto.InvalidCredentials)
	}
	// promotion replaces the base rights
	c.rights = c.opts.MagicRights
	c.info.Rights = c.rights.String()
	c.opts.Observer.SessionUpdated(c.info)
	obs.AuthTotal.WithLabelValues("ok").Inc()
	obs.Info("control.auth.ok", c.fields.With(obs.Fields{"rights": c.info.Rights}))
	obs.FramesTotal.WithLabelValues("out", "update_rights").Inc()
	return c.w.WriteUpdateRights(c.rights)
}

func (c *control) handleServerRequest(f proto.ServerRequest) error {
	fields := c.fields.With(obs.Fields{"port": f.Port, "protocol": f.Protocol.String()})
	if required := proto.RequiredRights(f.Protocol, f.Port); !c.rights.AllowedTo(required) {
		obs.ErrorsTotal.WithLabelValues("access_denied").Inc()
		obs.Error("session.server.denied", fields.With(obs.Fields{"rights": c.rights.String(), "required": required.String()}))
		return c.writeError(proto.AccessDenied)
	}
	if f.Protocol != proto.ProtocolTCP {
		obs.Warn("session.server.unsupported", fields)
		return c.writeError(proto.NotImplemented)
	}

	// a running server is replaced, and must release a fixed port first.
	// The peer is told about every live id because the new pool starts over.
	if c.sess != nil {
		for _, id := range c.sess.IDs() {
			obs.FramesTotal.WithLabelValues("out", "disconnect").Inc()
			if err := c.w.WriteDisconnect(id); err != nil {
				return fmt.Errorf("write disconnect: %w", err)
			}
		}
		c.closeSession("superseded")
		c.state = negotiated
		c.opts.Observer.SessionUpdated(c.info)
	}

	addr := net.JoinHostPort(c.opts.BindHost, strconv.Itoa(int(f.Port)))
	ln, err := c.opts.Listen("tcp", addr)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("listen").Inc()
		obs.Error("session.server.listen", fields.With(obs.Fields{"err": err}))
		return c.writeError(proto.FailedToCreateServer)
	}
	port := uint16(0)
	if ta, ok := ln.Addr().(*net.TCPAddr); ok {
		port = uint16(ta.Port)
	}

	c.sess = mux.NewSession(c.ctx, mux.Options{
		Pool:      idpool.New(c.opts.PoolPolicy),
		ReadSize:  c.opts.ReadSize,
		InboxSize: c.opts.InboxSize,
		Limiter:   c.opts.Limiter,
		Key:       c.info.ID,
		Fields:    c.fields,
	})
	c.sess.Listen(ln)
	c.state = polling
	c.info.Port = port
	c.info.Protocol = f.Protocol.String()
	c.opts.Observer.SessionUpdated(c.info)
	obs.ActiveServers.Inc()
	obs.Info("session.server.created", c.fields.With(obs.Fields{"addr": ln.Addr().String()}))

	obs.FramesTotal.WithLabelValues("out", "server_response").Inc()
	return c.w.WriteServerResponse(port)
}

func (c *control) handleEvent(ev mux.Event) error {
	switch ev := ev.(type) {
	case mux.Connected:
		if err := c.sess.Insert(ev.ID, ev.Link); err != nil {
			obs.Error("control.connected", c.fields.With(obs.Fields{"id": ev.ID, "err": err}))
			return nil
		}
		obs.Debug("control.connected", c.fields.With(obs.Fields{"id": ev.ID, "remote": ev.Remote.String()}))
		obs.FramesTotal.WithLabelValues("out", "connect").Inc()
		return c.w.WriteConnect(ev.ID)

	case mux.Disconnected:
		// the peer already knows when it disconnected the id itself
		if !c.sess.RemoveIf(ev.ID, ev.Link) {
			obs.Debug("control.stale_disconnect", c.fields.With(obs.Fields{"id": ev.ID}))
			return nil
		}
		obs.FramesTotal.WithLabelValues("out", "disconnect").Inc()
		return c.w.WriteDisconnect(ev.ID)

	case mux.Forward:
		if !c.sess.Owns(ev.ID, ev.Link) {
			obs.Debug("control.stale_forward", c.fields.With(obs.Fields{"id": ev.ID}))
			return nil
		}
		status, err := c.w.WriteForward(ev.ID, ev.Payload, c.opts.Threshold)
		if err != nil {
			return err
		}
		obs.FramesTotal.WithLabelValues("out", "forward").Inc()
		obs.ForwardedBytes.WithLabelValues("out").Add(float64(status.Before))
		obs.WireBytes.WithLabelValues("out").Add(float64(status.After))
		if status.Compressed {
			obs.CompressionRatio.Observe(status.Ratio())
		}
		return nil

	case mux.Closed:
		c.closeSession("listener_failed")
		return fmt.Errorf("%w: %v", ErrListenerClosed, ev.Err)
	}
	return nil
}
