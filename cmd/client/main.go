package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jpillora/backoff"

	"github.com/matst80/neogrok/internal/agent"
	"github.com/matst80/neogrok/internal/obs"
	"github.com/matst80/neogrok/internal/proto"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.Port > 0xffff {
		obs.Error("config", obs.Fields{"err": "port out of range", "port": cfg.Port})
		os.Exit(2)
	}
	tlsConfig, err := createClientTLSConfig(cfg)
	if err != nil {
		obs.Error("tls.config", obs.Fields{"err": err})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Info("client.start", obs.Fields{"server": cfg.ServerAddr, "target": cfg.Target, "port": cfg.Port, "tls": tlsConfig != nil})
	if err := connectionLoop(ctx, cfg, tlsConfig, nil); err != nil {
		obs.Error("client.stopped", obs.Fields{"err": err})
		os.Exit(1)
	}
	obs.Info("client.shutdown", obs.Fields{})
}

func agentOptions(c Config, onReady func(uint16)) agent.Options {
	threshold := c.Threshold
	if threshold < 0 {
		threshold = proto.NoCompression
	}
	return agent.Options{
		Target:    c.Target,
		Port:      uint16(c.Port),
		Magic:     c.Magic,
		Threshold: threshold,
		OnReady:   onReady,
	}
}

// connectionLoop keeps one control connection to the relay alive, waiting
// with exponential backoff between failed attempts. It returns nil when ctx
// is done and an error once retrying is pointless. notify, when set, sees
// every public port the relay opens.
func connectionLoop(ctx context.Context, c Config, tlsConfig *tls.Config, notify func(port uint16)) error {
	b := &backoff.Backoff{Max: c.MaxRetryInterval}
	var connerr error
	for ctx.Err() == nil {
		if connerr != nil {
			if agent.Permanent(connerr) {
				return connerr
			}
			attempt := int(b.Attempt())
			if c.MaxRetryCount >= 0 && attempt >= c.MaxRetryCount {
				return connerr
			}
			d := b.Duration()
			obs.Warn("client.retry", obs.Fields{"err": connerr, "attempt": attempt + 1, "in": d.String()})
			connerr = nil
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d):
			}
		}
		conn, err := dialRelay(ctx, c.ServerAddr, tlsConfig)
		if err != nil {
			connerr = err
			continue
		}
		connerr = agent.Run(ctx, conn, agentOptions(c, func(port uint16) {
			b.Reset()
			host, _, _ := net.SplitHostPort(c.ServerAddr)
			obs.Info("client.tunnel", obs.Fields{"public": net.JoinHostPort(host, strconv.Itoa(int(port))), "target": c.Target})
			if notify != nil {
				notify(port)
			}
		}))
		if connerr == nil {
			return nil
		}
		if errors.Is(connerr, agent.ErrRelayClosed) {
			obs.Info("client.relay_closed", obs.Fields{})
		}
	}
	return nil
}

func dialRelay(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	d := &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if tlsConfig == nil {
		return conn, nil
	}
	tconn := tls.Client(conn, tlsConfig)
	if err := tconn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tconn, nil
}

// createClientTLSConfig builds the TLS settings for the control connection,
// nil when TLS is off.
func createClientTLSConfig(c Config) (*tls.Config, error) {
	if !c.EnableTLS {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: c.TLSServer}
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(c.ServerAddr)
		if err != nil {
			return nil, err
		}
		tlsConfig.ServerName = host
	}
	if c.TLSCAFile != "" {
		caCert, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if c.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
