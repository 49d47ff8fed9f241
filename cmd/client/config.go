package main

import (
	"flag"
	"time"
)

// Config holds client runtime configuration.
type Config struct {
	ServerAddr       string
	Target           string
	Port             uint
	Magic            string
	Threshold        int
	Debug            bool
	MaxRetryInterval time.Duration
	MaxRetryCount    int
	// TLS towards the relay; a client certificate is needed for mTLS relays
	EnableTLS   bool
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
	TLSServer   string
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&cfg.ServerAddr, "server", "127.0.0.1:6567", "relay control address")
	flag.StringVar(&cfg.Target, "target", "127.0.0.1:3000", "local address to expose")
	flag.UintVar(&cfg.Port, "port", 0, "public port to request, 0 lets the relay pick")
	flag.StringVar(&cfg.Magic, "magic", "", "shared secret for the relay's magic permissions")
	flag.IntVar(&cfg.Threshold, "threshold", 256, "smallest forward payload that is compressed, -1 disables")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.DurationVar(&cfg.MaxRetryInterval, "max-retry-interval", 5*time.Minute, "maximum wait between reconnect attempts")
	flag.IntVar(&cfg.MaxRetryCount, "max-retry-count", -1, "give up after this many failed attempts, -1 retries forever")
	flag.BoolVar(&cfg.EnableTLS, "tls", false, "connect to the relay over TLS")
	flag.StringVar(&cfg.TLSCAFile, "tls-ca", "", "CA file used to verify the relay certificate")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "client certificate for mTLS")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "client private key for mTLS")
	flag.StringVar(&cfg.TLSServer, "tls-server-name", "", "override the server name checked in the relay certificate")
}
