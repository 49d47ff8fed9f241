package main

import (
	"sort"
	"time"

	"github.com/matst80/neogrok/internal/server"
)

// tunnelRecord is one control session as stored in the registry. Instance
// names the relay process that owns the control connection.
type tunnelRecord struct {
	server.Info
	Instance string    `json:"instance"`
	LastSeen time.Time `json:"last_seen"`
}

func sortTunnels(ts []tunnelRecord) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].Created.Equal(ts[j].Created) {
			return ts[i].Created.Before(ts[j].Created)
		}
		return ts[i].ID < ts[j].ID
	})
}
