package main

import (
	"github.com/matst80/neogrok/internal/config"
	"github.com/matst80/neogrok/internal/obs"
)

// newStateStore creates either an in-memory or Redis-backed state store based on configuration
func newStateStore(rc config.Redis, instance string) (StateStore, error) {
	if rc.Addr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return newServerState(instance), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": rc.Addr})
	return newRedisStateStore(rc.Addr, rc.Password, rc.DB, instance)
}
