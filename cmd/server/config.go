package main

import (
	"flag"
	"time"

	"github.com/matst80/neogrok/internal/config"
)

// Config holds the flag values. Flags that are set explicitly override the
// YAML file given with -config.
type Config struct {
	ConfigFile    string
	Listen        string
	Name          string
	Magic         string
	BindHost      string
	Compression   string
	Level         uint
	Threshold     int
	PoolPolicy    string
	MetricsAddr   string
	Debug         bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// TLS configuration for mTLS
	TLSCertFile     string
	TLSKeyFile      string
	TLSCAFile       string
	CleanupInterval time.Duration
}

var cfg Config

// init registers flags into the global flag set. main() parses them.
func init() {
	flag.StringVar(&cfg.ConfigFile, "config", "", "YAML configuration file")
	flag.StringVar(&cfg.Listen, "listen", ":6567", "address for agent control connections")
	flag.StringVar(&cfg.Name, "name", "neogrok", "relay name announced in the handshake")
	flag.StringVar(&cfg.Magic, "magic", "", "shared secret promoting agents to the magic permissions")
	flag.StringVar(&cfg.BindHost, "bind-host", "", "interface public listeners are bound on")
	flag.StringVar(&cfg.Compression, "compression", "zstd", "forward compression algorithm (deflate|zstd)")
	flag.UintVar(&cfg.Level, "level", 5, "compression level")
	flag.IntVar(&cfg.Threshold, "threshold", 256, "smallest forward payload that is compressed, -1 disables")
	flag.StringVar(&cfg.PoolPolicy, "pool", "lifo", "connection id reuse policy (lifo|lowest)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address, empty disables")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for the shared tunnel registry (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file path")
	flag.StringVar(&cfg.TLSCAFile, "tls-ca", "", "TLS CA file for client certificate verification (enables mTLS)")
	flag.DurationVar(&cfg.CleanupInterval, "cleanup-interval", time.Minute, "interval for sweeping idle rate limiter buckets")
}

// loadConfig reads the optional file and applies the flags the user set.
func loadConfig(fs *flag.FlagSet, c Config) (*config.File, error) {
	f := config.Default()
	if c.ConfigFile != "" {
		var err error
		if f, err = config.Load(c.ConfigFile); err != nil {
			return nil, err
		}
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "listen":
			f.Server.Listen = c.Listen
		case "name":
			f.Server.Name = c.Name
		case "magic":
			f.Server.Magic = c.Magic
		case "bind-host":
			f.Server.BindHost = c.BindHost
		case "compression":
			f.Compression.Algorithm = c.Compression
		case "level":
			f.Compression.Level = uint8(c.Level)
		case "threshold":
			f.Compression.Threshold = c.Threshold
		case "pool":
			f.Pool.Policy = c.PoolPolicy
		case "metrics":
			f.Metrics.Addr = c.MetricsAddr
		case "redis":
			f.Redis.Addr = c.RedisAddr
		case "redis-password":
			f.Redis.Password = c.RedisPassword
		case "redis-db":
			f.Redis.DB = c.RedisDB
		case "tls-cert":
			f.TLS.Cert = c.TLSCertFile
		case "tls-key":
			f.TLS.Key = c.TLSKeyFile
		case "tls-ca":
			f.TLS.CA = c.TLSCAFile
		}
	})
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
