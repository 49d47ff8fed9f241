package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/matst80/neogrok/internal/config"
	"github.com/matst80/neogrok/internal/obs"
	"github.com/matst80/neogrok/internal/server"
)

// acceptControl serves every agent connection on ln until ctx is done or the
// listener fails. It waits for the running control sessions before returning.
func acceptControl(ctx context.Context, ln net.Listener, opts server.Options) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("accept.control.temp", obs.Fields{"err": err})
				continue
			}
			if ctx.Err() == nil {
				obs.Error("accept.control", obs.Fields{"err": err})
			}
			return
		}
		setNoDelay(c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = server.ServeConn(ctx, c, opts)
		}()
	}
}

func setNoDelay(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
}

// tcpListener wraps accepted connections before the TLS layer sees them, so
// NODELAY reaches the socket even when control connections are encrypted.
type tcpListener struct{ net.Listener }

func (l tcpListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	setNoDelay(c)
	return c, nil
}

// createServerTLSConfig creates a TLS configuration for the server with mTLS support
func createServerTLSConfig(tc config.TLS) (*tls.Config, error) {
	if tc.Cert == "" {
		return nil, nil
	}
	// Load server certificate and key
	cert, err := tls.LoadX509KeyPair(tc.Cert, tc.Key)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	// If CA file is provided, enable mTLS (mutual authentication)
	if tc.CA != "" {
		caCert, err := os.ReadFile(tc.CA)
		if err != nil {
			return nil, err
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}

		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		obs.Info("tls.mtls_enabled", obs.Fields{"ca_file": tc.CA})
	}

	return tlsConfig, nil
}

// createListener creates either a plain TCP or TLS listener based on tlsConfig
func createListener(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil {
		return ln, nil
	}
	return tls.NewListener(tcpListener{ln}, tlsConfig), nil
}
