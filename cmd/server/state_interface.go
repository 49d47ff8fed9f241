package main

import "github.com/matst80/neogrok/internal/server"

// StateStore tracks control sessions and the servers they opened. It is told
// about lifecycle changes through server.Observer and feeds the dashboard.
type StateStore interface {
	server.Observer
	listTunnels() []tunnelRecord
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	// stats helpers (not exported outside package main)
	getStats() (sessions int, servers int, totalSessions int64)
	close() error
}
