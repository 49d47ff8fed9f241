package mux

import (
	"net"

	"github.com/matst80/neogrok/internal/obs"
)

// Listen starts accepting connections on ln. Shutdown closes ln.
func (s *Session) Listen(ln net.Listener) {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	select {
	case <-s.ctx.Done():
		// Shutdown ran before ln was recorded
		_ = ln.Close()
		return
	default:
	}
	s.Go(func() { s.accept(ln) })
}

func (s *Session) accept(ln net.Listener) {
	fields := s.opts.Fields.With(obs.Fields{"addr": ln.Addr().String()})
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("listener.accept.timeout", fields.With(obs.Fields{"err": err}))
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			obs.Error("listener.accept", fields.With(obs.Fields{"err": err}))
			obs.ErrorsTotal.WithLabelValues("listener_accept").Inc()
			s.Emit(Closed{Err: err})
			return
		}

		if !s.opts.Limiter.AllowConnection(s.opts.Key) {
			obs.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
			obs.Debug("listener.rate_limited", fields.With(obs.Fields{"remote": c.RemoteAddr().String()}))
			_ = c.Close()
			continue
		}
		id, err := s.requestID()
		if err != nil {
			obs.ConnectionsRejected.WithLabelValues("ids_exhausted").Inc()
			obs.Warn("listener.id", fields.With(obs.Fields{"err": err}))
			_ = c.Close()
			continue
		}
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		l := NewLink(s.opts.InboxSize)
		if !s.Emit(Connected{ID: id, Link: l, Remote: c.RemoteAddr()}) {
			_ = c.Close()
			s.returnID(id)
			return
		}
		obs.ConnectionsTotal.Inc()
		obs.Debug("listener.accepted", fields.With(obs.Fields{"id": id, "remote": c.RemoteAddr().String()}))
		s.Relay(c, id, l)
	}
}
