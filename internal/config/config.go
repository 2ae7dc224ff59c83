// Package config loads the two cmd/ binaries' YAML configuration files,
// using gopkg.in/yaml.v3 rather than introducing a TOML dependency nothing
// else in this module needs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/varphone/tls-tunnel/internal/protocol"
	"github.com/varphone/tls-tunnel/internal/terr"
)

// EnvPrefix is prepended to every environment variable this package
// consults for an override.
const EnvPrefix = "RT_"

// TransportKind selects which internal/transport implementation a Server
// or Client should construct.
type TransportKind string

const (
	TransportTLS       TransportKind = "tls"
	TransportWebSocket TransportKind = "websocket"
)

// ServerConfig is the on-disk shape of the server binary's configuration.
type ServerConfig struct {
	BindAddr    string        `yaml:"bind_addr"`
	AuthKey     string        `yaml:"auth_key"`
	Transport   TransportKind `yaml:"transport"`
	CertFile    string        `yaml:"cert_file"`
	KeyFile     string        `yaml:"key_file"`
	BehindProxy bool          `yaml:"behind_proxy"`
	ServerPath  string        `yaml:"server_path"`

	AuthTimeout   time.Duration `yaml:"auth_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	Verbose       bool          `yaml:"verbose"`
}

// ClientConfig is the on-disk shape of the client binary's configuration.
type ClientConfig struct {
	ServerAddr string        `yaml:"server_addr"`
	AuthKey    string        `yaml:"auth_key"`
	Transport  TransportKind `yaml:"transport"`
	SkipVerify bool          `yaml:"skip_verify"`
	CACertFile string        `yaml:"ca_cert_file"`
	ServerName string        `yaml:"server_name"`
	ServerPath string        `yaml:"server_path"`

	Proxies  []protocol.ProxyDescriptor   `yaml:"proxies"`
	Visitors []protocol.VisitorDescriptor `yaml:"visitors"`

	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LocalDialRetries  int           `yaml:"local_dial_retries"`
	LocalDialDelay    time.Duration `yaml:"local_dial_delay"`

	Pool     PoolConfig `yaml:"pool"`
	Verbose  bool       `yaml:"verbose"`
}

// PoolConfig holds the tunable defaults for the client-side local
// connection pool.
type PoolConfig struct {
	MinIdle        int           `yaml:"min_idle"`
	MaxSize        int           `yaml:"max_size"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultPoolConfig returns the baseline pool sizing used when a client
// config omits the pool section entirely.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinIdle:        2,
		MaxSize:        10,
		MaxIdleTime:    60 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// LoadServerConfig reads and parses a server YAML file from path, then
// applies RT_-prefixed environment overrides.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{
		Transport:     TransportTLS,
		AuthTimeout:   10 * time.Second,
		IdleTimeout:   2 * time.Minute,
		StatsInterval: 30 * time.Second,
	}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	applyServerEnvOverrides(cfg)
	if cfg.BindAddr == "" {
		return nil, terr.New(terr.KindConfig, "bind_addr is required")
	}
	if cfg.AuthKey == "" {
		return nil, terr.New(terr.KindConfig, "auth_key is required")
	}
	return cfg, nil
}

// LoadClientConfig reads and parses a client YAML file from path, then
// applies RT_-prefixed environment overrides.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		Transport:         TransportTLS,
		ReconnectDelay:    5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		LocalDialRetries:  3,
		LocalDialDelay:    time.Second,
		Pool:              DefaultPoolConfig(),
	}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	applyClientEnvOverrides(cfg)
	if cfg.ServerAddr == "" {
		return nil, terr.New(terr.KindConfig, "server_addr is required")
	}
	if cfg.AuthKey == "" {
		return nil, terr.New(terr.KindConfig, "auth_key is required")
	}
	bundle := protocol.ConfigBundle{Proxies: cfg.Proxies, Visitors: cfg.Visitors}
	if err := bundle.ValidateSelfConsistent(0); err != nil {
		return nil, terr.Wrap(terr.KindConfig, err, "invalid proxies/visitors in %s", path)
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return terr.Wrap(terr.KindConfig, err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return terr.Wrap(terr.KindConfig, err, "parse config file %s", path)
	}
	return nil
}

func applyServerEnvOverrides(cfg *ServerConfig) {
	if v, ok := lookupEnv("BIND_ADDR"); ok {
		cfg.BindAddr = v
	}
	if v, ok := lookupEnv("AUTH_KEY"); ok {
		cfg.AuthKey = v
	}
	if v, ok := lookupEnvDuration("IDLE_TIMEOUT"); ok {
		cfg.IdleTimeout = v
	}
	if v, ok := lookupEnvBool("VERBOSE"); ok {
		cfg.Verbose = v
	}
}

func applyClientEnvOverrides(cfg *ClientConfig) {
	if v, ok := lookupEnv("SERVER_ADDR"); ok {
		cfg.ServerAddr = v
	}
	if v, ok := lookupEnv("AUTH_KEY"); ok {
		cfg.AuthKey = v
	}
	if v, ok := lookupEnvDuration("RECONNECT_DELAY"); ok {
		cfg.ReconnectDelay = v
	}
	if v, ok := lookupEnvBool("VERBOSE"); ok {
		cfg.Verbose = v
	}
	if v, ok := lookupEnvInt("LOCAL_DIAL_RETRIES"); ok {
		cfg.LocalDialRetries = v
	}
}

func lookupEnv(suffix string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + suffix)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func lookupEnvBool(suffix string) (bool, bool) {
	v, ok := lookupEnv(suffix)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func lookupEnvInt(suffix string) (int, bool) {
	v, ok := lookupEnv(suffix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupEnvDuration(suffix string) (time.Duration, bool) {
	v, ok := lookupEnv(suffix)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// String renders a TransportKind for error messages/logging.
func (t TransportKind) String() string { return string(t) }

// Validate rejects a transport kind this build does not know how to
// construct.
func (t TransportKind) Validate() error {
	switch t {
	case TransportTLS, TransportWebSocket, "":
		return nil
	default:
		return fmt.Errorf("unknown transport %q", t)
	}
}
