package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/neogrok/internal/config"
	"github.com/matst80/neogrok/internal/obs"
	"github.com/matst80/neogrok/internal/proto"
	"github.com/matst80/neogrok/internal/ratelimit"
	"github.com/matst80/neogrok/internal/server"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	file, err := loadConfig(flag.CommandLine, cfg)
	if err != nil {
		obs.Error("config", obs.Fields{"err": err, "file": cfg.ConfigFile})
		os.Exit(1)
	}
	instance := "neogrok-" + uuid.NewString()[:8]
	obs.Info("server.start", obs.Fields{"listen": file.Server.Listen, "metrics": file.Metrics.Addr, "instance": instance})

	state, err := newStateStore(file.Redis, instance)
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err})
		os.Exit(1)
	}
	defer state.close()

	opts, err := serverOptions(file, state)
	if err != nil {
		obs.Error("config", obs.Fields{"err": err})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tlsConfig, err := createServerTLSConfig(file.TLS)
	if err != nil {
		obs.Error("tls.config", obs.Fields{"err": err})
		os.Exit(1)
	}
	ctrlLn, err := createListener(file.Server.Listen, tlsConfig)
	if err != nil {
		obs.Error("listen.control", obs.Fields{"err": err, "addr": file.Server.Listen})
		os.Exit(1)
	}
	defer ctrlLn.Close()

	var metricsSrv *http.Server
	if file.Metrics.Addr != "" {
		metricsSrv = &http.Server{Addr: file.Metrics.Addr, Handler: metricsHandler(state), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				obs.Error("metrics.server", obs.Fields{"err": err, "addr": file.Metrics.Addr})
			}
		}()
	}

	var wg sync.WaitGroup
	if rs, ok := state.(*redisStateStore); ok {
		wg.Add(1)
		go func() { defer wg.Done(); rs.startMaintenance(ctx) }()
	}
	wg.Add(1)
	go func() { defer wg.Done(); runCleanupLoop(ctx, opts.Limiter, state, instance, cfg.CleanupInterval) }()
	wg.Add(1)
	go func() { defer wg.Done(); acceptControl(ctx, ctrlLn, opts) }()

	state.setReady(true)
	obs.Info("server.ready", obs.Fields{"tls": tlsConfig != nil})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	state.setClosing(true)
	_ = ctrlLn.Close()
	wg.Wait()
	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(sctx)
		cancel()
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
}

// serverOptions maps the configuration file onto the control session options.
func serverOptions(f *config.File, state StateStore) (server.Options, error) {
	comp, err := f.Compression.Descriptor()
	if err != nil {
		return server.Options{}, err
	}
	threshold := f.Compression.Threshold
	if threshold < 0 {
		threshold = proto.NoCompression
	}
	var limiter *ratelimit.RateLimiter
	if f.Limits.GlobalConnRate > 0 || f.Limits.PerSessionConnRate > 0 {
		limiter = ratelimit.NewRateLimiter(f.Limits.GlobalConnRate, f.Limits.PerSessionConnRate, f.Limits.Burst)
	}
	return server.Options{
		Name:        f.Server.Name,
		Magic:       f.Server.Magic,
		Compression: comp,
		Threshold:   threshold,
		BaseRights:  f.Permissions.Base.Rights(),
		MagicRights: f.Permissions.Magic.Rights(),
		BindHost:    f.Server.BindHost,
		ReadSize:    f.Buffer.PerClient,
		MaxPayload:  f.Buffer.Read,
		PoolPolicy:  f.PoolPolicy(),
		Limiter:     limiter,
		Observer:    state,
	}, nil
}

// runCleanupLoop drops rate limiter buckets of sessions that are gone.
func runCleanupLoop(ctx context.Context, rl *ratelimit.RateLimiter, state StateStore, instance string, interval time.Duration) {
	if rl == nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			active := make(map[string]bool)
			for _, rec := range state.listTunnels() {
				if rec.Instance == instance {
					active[rec.ID] = true
				}
			}
			rl.CleanupExpired(active)
		}
	}
}
