package main

import (
	"sync"
	"time"

	"github.com/matst80/neogrok/internal/server"
)

type serverState struct {
	mu            sync.Mutex
	instance      string
	tunnels       map[string]*tunnelRecord // session id -> record
	closing       bool
	ready         bool
	totalSessions int64
	now           func() time.Time
}

func newServerState(instance string) *serverState {
	return &serverState{instance: instance, tunnels: make(map[string]*tunnelRecord), now: time.Now}
}

var _ StateStore = (*serverState)(nil)

func (s *serverState) SessionOpened(info server.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunnels[info.ID] = &tunnelRecord{Info: info, Instance: s.instance, LastSeen: s.now()}
	s.totalSessions++
}

func (s *serverState) SessionUpdated(info server.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tunnels[info.ID]
	if !ok {
		return
	}
	rec.Info = info
	rec.LastSeen = s.now()
}

func (s *serverState) SessionClosed(id string) {
	s.mu.Lock()
	delete(s.tunnels, id)
	s.mu.Unlock()
}

func (s *serverState) listTunnels() []tunnelRecord {
	s.mu.Lock()
	out := make([]tunnelRecord, 0, len(s.tunnels))
	for _, rec := range s.tunnels {
		out = append(out, *rec)
	}
	s.mu.Unlock()
	sortTunnels(out)
	return out
}

func (s *serverState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *serverState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *serverState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *serverState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *serverState) getStats() (int, int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	servers := 0
	for _, rec := range s.tunnels {
		if rec.Protocol != "" {
			servers++
		}
	}
	return len(s.tunnels), servers, s.totalSessions
}

func (s *serverState) close() error { return nil }
