package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/neogrok/internal/obs"
	"github.com/matst80/neogrok/internal/server"
)

const (
	tunnelKeyPrefix = "tunnel:"
	totalSessionKey = "stats:total_sessions"
)

// redisStateStore implements StateStore on Redis so several relays behind one
// dashboard see each other's tunnels. Records of locally owned sessions are
// also kept in memory and re-written on every heartbeat; a relay that dies
// leaves its keys to expire.
type redisStateStore struct {
	client   *redis.Client
	mu       sync.Mutex
	instance string
	local    map[string]*tunnelRecord
	closing  bool
	ready    bool
	now      func() time.Time

	// maintenance configuration
	heartbeatInterval time.Duration
	redisKeyTTL       time.Duration
	opTimeout         time.Duration
}

func newRedisStateStore(addr, password string, db int, instance string) (*redisStateStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStateStore{
		client:            rdb,
		instance:          instance,
		local:             make(map[string]*tunnelRecord),
		now:               time.Now,
		heartbeatInterval: 30 * time.Second,
		redisKeyTTL:       2 * time.Minute,
		opTimeout:         2 * time.Second,
	}, nil
}

var _ StateStore = (*redisStateStore)(nil)

func (r *redisStateStore) setClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisStateStore) setReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisStateStore) isClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisStateStore) isReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *redisStateStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

func (r *redisStateStore) SessionOpened(info server.Info) {
	rec := &tunnelRecord{Info: info, Instance: r.instance, LastSeen: r.now()}
	r.mu.Lock()
	r.local[info.ID] = rec
	r.mu.Unlock()
	ctx, cancel := r.opContext()
	defer cancel()
	if err := r.client.Incr(ctx, totalSessionKey).Err(); err != nil {
		obs.Error("redis.total_sessions", obs.Fields{"err": err})
	}
	r.store(ctx, *rec)
}

func (r *redisStateStore) SessionUpdated(info server.Info) {
	r.mu.Lock()
	rec, ok := r.local[info.ID]
	if ok {
		rec.Info = info
		rec.LastSeen = r.now()
	}
	var snapshot tunnelRecord
	if ok {
		snapshot = *rec
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := r.opContext()
	defer cancel()
	r.store(ctx, snapshot)
}

func (r *redisStateStore) SessionClosed(id string) {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()
	ctx, cancel := r.opContext()
	defer cancel()
	if err := r.client.Del(ctx, tunnelKeyPrefix+id).Err(); err != nil {
		obs.Error("redis.remove_tunnel", obs.Fields{"err": err, "session": id})
	}
}

func (r *redisStateStore) store(ctx context.Context, rec tunnelRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		obs.Error("redis.marshal_tunnel", obs.Fields{"err": err, "session": rec.ID})
		return
	}
	if err := r.client.Set(ctx, tunnelKeyPrefix+rec.ID, data, r.redisKeyTTL).Err(); err != nil {
		obs.Error("redis.set_tunnel", obs.Fields{"err": err, "session": rec.ID})
	}
}

// listTunnels returns every live record across instances. When Redis is
// unreachable only the local sessions are reported.
func (r *redisStateStore) listTunnels() []tunnelRecord {
	ctx, cancel := r.opContext()
	defer cancel()
	out, err := r.scanTunnels(ctx)
	if err != nil {
		obs.Error("redis.list_tunnels", obs.Fields{"err": err})
		r.mu.Lock()
		out = make([]tunnelRecord, 0, len(r.local))
		for _, rec := range r.local {
			out = append(out, *rec)
		}
		r.mu.Unlock()
	}
	sortTunnels(out)
	return out
}

func (r *redisStateStore) scanTunnels(ctx context.Context) ([]tunnelRecord, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, tunnelKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []tunnelRecord{}, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]tunnelRecord, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var rec tunnelRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			obs.Error("redis.unmarshal_tunnel", obs.Fields{"err": err, "key": keys[i]})
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *redisStateStore) getStats() (int, int, int64) {
	tunnels := r.listTunnels()
	servers := 0
	for _, t := range tunnels {
		if t.Protocol != "" {
			servers++
		}
	}
	ctx, cancel := r.opContext()
	defer cancel()
	total, err := r.client.Get(ctx, totalSessionKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		obs.Error("redis.total_sessions", obs.Fields{"err": err})
	}
	return len(tunnels), servers, total
}

// startMaintenance launches the periodic heartbeat.
func (r *redisStateStore) startMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

// heartbeat refreshes LastSeen for locally owned sessions and extends key TTLs.
func (r *redisStateStore) heartbeat() {
	now := r.now()
	r.mu.Lock()
	recs := make([]tunnelRecord, 0, len(r.local))
	for _, rec := range r.local {
		rec.LastSeen = now
		recs = append(recs, *rec)
	}
	r.mu.Unlock()
	if len(recs) == 0 {
		return
	}
	ctx, cancel := r.opContext()
	defer cancel()
	for _, rec := range recs {
		r.store(ctx, rec)
	}
}

func (r *redisStateStore) close() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, tunnelKeyPrefix+id)
	}
	r.local = make(map[string]*tunnelRecord)
	r.mu.Unlock()
	if len(ids) > 0 {
		ctx, cancel := r.opContext()
		if err := r.client.Del(ctx, ids...).Err(); err != nil {
			obs.Error("redis.close", obs.Fields{"err": err})
		}
		cancel()
	}
	return r.client.Close()
}
