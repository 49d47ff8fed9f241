package mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/matst80/neogrok/internal/obs"
)

// Go runs fn in a goroutine that Wait accounts for.
func (s *Session) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Dial starts a relay for id whose socket is produced by dial. A failed dial
// is reported as Disconnected so the peer drops the connection, unless the
// peer already disconnected id while the dial was pending.
func (s *Session) Dial(id uint16, l *Link, dial func(ctx context.Context) (net.Conn, error)) {
	s.Go(func() {
		conn, err := dial(s.ctx)
		if err != nil {
			obs.Warn("relay.dial.failed", s.opts.Fields.With(obs.Fields{"id": id, "err": err}))
			obs.ErrorsTotal.WithLabelValues("relay_dial").Inc()
			forced := drainForced(l)
			close(l.done)
			if !forced {
				s.Emit(Disconnected{ID: id, Link: l})
			}
			s.returnID(id)
			return
		}
		obs.Debug("relay.dial.ok", s.opts.Fields.With(obs.Fields{"id": id, "remote": conn.RemoteAddr().String()}))
		s.relay(conn, id, l)
	})
}

// drainForced discards the commands queued on l and reports whether one of
// them was a ForceDisconnect.
func drainForced(l *Link) bool {
	for {
		select {
		case cmd, ok := <-l.inbox:
			if !ok {
				return false
			}
			if _, forced := cmd.(ForceDisconnect); forced {
				return true
			}
		default:
			return false
		}
	}
}

// Relay pumps conn through the session until either side closes it.
func (s *Session) Relay(conn net.Conn, id uint16, l *Link) {
	s.Go(func() { s.relay(conn, id, l) })
}

type readResult struct {
	n   int64
	err error
}

var errSessionGone = errors.New("session shut down")

func (s *Session) relay(conn net.Conn, id uint16, l *Link) {
	defer close(l.done)
	start := time.Now()
	obs.ActiveConnections.Inc()

	readDone := make(chan readResult, 1)
	go func() {
		var total int64
		buf := make([]byte, s.opts.ReadSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				total += int64(n)
				if !s.Emit(Forward{ID: id, Link: l, Payload: bytes.Clone(buf[:n])}) {
					readDone <- readResult{total, errSessionGone}
					return
				}
			}
			if err != nil {
				readDone <- readResult{total, err}
				return
			}
		}
	}()

	var (
		sent     int64
		forced   bool
		reason   string
		cause    error
		read     readResult
		readSeen bool
	)
loop:
	for {
		select {
		case cmd, ok := <-l.inbox:
			if !ok {
				reason = "removed"
				break loop
			}
			switch cmd := cmd.(type) {
			case Write:
				if _, err := conn.Write(cmd.Payload); err != nil {
					reason, cause = "write", err
					break loop
				}
				sent += int64(len(cmd.Payload))
			case ForceDisconnect:
				forced, reason = true, "force_disconnect"
				break loop
			}
		case read = <-readDone:
			readSeen = true
			reason = "eof"
			if !errors.Is(read.err, io.EOF) {
				reason, cause = "read", read.err
			}
			break loop
		case <-s.ctx.Done():
			reason = "shutdown"
			break loop
		}
	}

	_ = conn.Close()
	// the reader must be gone before the id can be handed out again
	if !readSeen {
		read = <-readDone
	}
	if !forced {
		s.Emit(Disconnected{ID: id, Link: l})
	}
	s.returnID(id)

	obs.ActiveConnections.Dec()
	obs.ConnDurationSeconds.Observe(time.Since(start).Seconds())
	f := s.opts.Fields.With(obs.Fields{
		"id":       id,
		"reason":   reason,
		"sent":     sizestr.ToString(sent),
		"received": sizestr.ToString(read.n),
		"duration": time.Since(start).String(),
	})
	if cause != nil && !errors.Is(cause, net.ErrClosed) {
		f["err"] = cause
	}
	obs.Info("relay.closed", f)
}
