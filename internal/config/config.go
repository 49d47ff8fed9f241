// Package config models the relay's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matst80/neogrok/internal/compress"
	"github.com/matst80/neogrok/internal/idpool"
	"github.com/matst80/neogrok/internal/proto"
)

var ErrInvalid = errors.New("invalid config")

type File struct {
	Server      Server      `yaml:"server"`
	Buffer      Buffer      `yaml:"buffer"`
	Compression Compression `yaml:"compression"`
	Permissions Permissions `yaml:"permissions"`
	Pool        Pool        `yaml:"pool"`
	Limits      Limits      `yaml:"limits"`
	Redis       Redis       `yaml:"redis"`
	Metrics     Metrics     `yaml:"metrics"`
	TLS         TLS         `yaml:"tls"`
}

type Server struct {
	Listen string `yaml:"listen"`
	Name   string `yaml:"name"`
	// Magic is the shared secret that promotes a session to the magic
	// permissions. Empty disables magic authorization.
	Magic string `yaml:"magic"`
	// BindHost is the interface public listeners are opened on.
	BindHost string `yaml:"bind_host"`
}

type Buffer struct {
	// PerClient is the largest chunk read from one relayed socket, and so
	// the largest Forward payload this relay sends.
	PerClient int `yaml:"per_client"`
	// Read is the largest Forward payload accepted from an agent.
	Read int `yaml:"read"`
}

type Compression struct {
	Algorithm string `yaml:"algorithm"`
	Level     uint8  `yaml:"level"`
	Threshold int    `yaml:"threshold"`
}

type Permissions struct {
	Base  PermissionsEntry `yaml:"base"`
	Magic PermissionsEntry `yaml:"magic"`
}

type PermissionsEntry struct {
	Can struct {
		Create ProtocolEntry `yaml:"create"`
		Select ProtocolEntry `yaml:"select"`
	} `yaml:"can"`
}

type ProtocolEntry struct {
	TCP  bool `yaml:"tcp"`
	UDP  bool `yaml:"udp"`
	HTTP bool `yaml:"http"`
}

type Pool struct {
	Policy string `yaml:"policy"`
}

type Limits struct {
	GlobalConnRate     int `yaml:"global_conn_rate"`
	PerSessionConnRate int `yaml:"per_session_conn_rate"`
	Burst              int `yaml:"burst"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

// Default returns the configuration used when no file is given. Anonymous
// sessions may open TCP servers on any port; magic adds the select rights.
func Default() *File {
	f := &File{
		Server:      Server{Listen: ":6567", Name: "neogrok"},
		Buffer:      Buffer{PerClient: 4096, Read: 8192},
		Compression: Compression{Algorithm: "zstd", Level: 5, Threshold: 256},
		Pool:        Pool{Policy: "lifo"},
		Limits:      Limits{Burst: 50},
		Metrics:     Metrics{Addr: ":9100"},
	}
	f.Permissions.Base.Can.Create.TCP = true
	f.Permissions.Magic.Can.Create.TCP = true
	f.Permissions.Magic.Can.Select.TCP = true
	return f
}

// Load reads path on top of Default and validates the result.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*File, error) {
	f := Default()
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Validate() error {
	if strings.TrimSpace(f.Server.Listen) == "" {
		return fmt.Errorf("%w: server.listen is empty", ErrInvalid)
	}
	if len(f.Server.Name) > 0xff {
		return fmt.Errorf("%w: server.name longer than 255 bytes", ErrInvalid)
	}
	if len(f.Server.Magic) > 0xff {
		return fmt.Errorf("%w: server.magic longer than 255 bytes", ErrInvalid)
	}
	if f.Buffer.PerClient < 1 || f.Buffer.PerClient > proto.MaxPayload {
		return fmt.Errorf("%w: buffer.per_client must be within 1..%d", ErrInvalid, proto.MaxPayload)
	}
	if f.Buffer.Read < f.Buffer.PerClient || f.Buffer.Read > proto.MaxPayload {
		return fmt.Errorf("%w: buffer.read must be within buffer.per_client..%d", ErrInvalid, proto.MaxPayload)
	}
	if _, err := f.Compression.Descriptor(); err != nil {
		return fmt.Errorf("%w: compression: %v", ErrInvalid, err)
	}
	if _, err := idpool.ParsePolicy(f.Pool.Policy); err != nil {
		return fmt.Errorf("%w: pool.policy: %v", ErrInvalid, err)
	}
	if f.Limits.GlobalConnRate < 0 || f.Limits.PerSessionConnRate < 0 || f.Limits.Burst < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalid)
	}
	if (f.TLS.Cert == "") != (f.TLS.Key == "") {
		return fmt.Errorf("%w: tls.cert and tls.key go together", ErrInvalid)
	}
	if f.TLS.CA != "" && f.TLS.Cert == "" {
		return fmt.Errorf("%w: tls.ca requires tls.cert", ErrInvalid)
	}
	return nil
}

// Descriptor converts the section to the value announced in PingResponse.
func (c Compression) Descriptor() (proto.Compression, error) {
	alg, err := compress.AlgorithmFromString(c.Algorithm)
	if err != nil {
		return proto.Compression{}, err
	}
	if alg == compress.Deflate && c.Level > compress.MaxDeflateLevel {
		return proto.Compression{}, fmt.Errorf("%w: deflate level %d", compress.ErrInvalidLevel, c.Level)
	}
	return proto.Compression{Algorithm: alg, Level: c.Level}, nil
}

// Rights folds the booleans into the wire bitset.
func (p PermissionsEntry) Rights() proto.Rights {
	var r proto.Rights
	set := func(on bool, bit proto.Rights) {
		if on {
			r |= bit
		}
	}
	set(p.Can.Create.TCP, proto.CanCreateTCP)
	set(p.Can.Select.TCP, proto.CanSelectTCP)
	set(p.Can.Create.UDP, proto.CanCreateUDP)
	set(p.Can.Select.UDP, proto.CanSelectUDP)
	set(p.Can.Create.HTTP, proto.CanCreateHTTP)
	set(p.Can.Select.HTTP, proto.CanSelectHTTP)
	return r
}

// PoolPolicy returns the parsed pool.policy. Validate has already checked it.
func (f *File) PoolPolicy() idpool.Policy {
	p, _ := idpool.ParsePolicy(f.Pool.Policy)
	return p
}
