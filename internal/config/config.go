// Package config loads the broker daemon's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/vitalvas/mqtt311"
)

// Listener types.
const (
	ListenerTCP       = "tcp"
	ListenerTLS       = "tls"
	ListenerWebSocket = "websocket"
	ListenerUnix      = "unix"
	ListenerQUIC      = "quic"
	ListenerGnet      = "gnet"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageBadger = "badger"
	StorageMongo  = "mongo"
)

var (
	ErrNoListeners     = errors.New("at least one listener is required")
	ErrUnknownListener = errors.New("unknown listener type")
	ErrUnknownStorage  = errors.New("unknown storage type")
)

// Config is the root of the configuration file.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Limits    LimitsConfig     `yaml:"limits"`
	Storage   StorageConfig    `yaml:"storage"`
	Auth      AuthConfig       `yaml:"auth"`
	ACL       []ACLRuleConfig  `yaml:"acl"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	NoColor bool   `yaml:"no_color"`
}

// ListenerConfig describes one listening endpoint. Which fields apply
// depends on Type.
type ListenerConfig struct {
	Type    string `yaml:"type"`
	Address string `yaml:"address"`

	// Path is the socket file for unix listeners and the HTTP path for
	// websocket listeners.
	Path string `yaml:"path"`

	// CertFile and KeyFile are required for tls and quic, and enable TLS on
	// websocket listeners.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	Multicore bool `yaml:"multicore"`
	ReusePort bool `yaml:"reuse_port"`
}

// TLS reports whether certificate files are configured.
func (l ListenerConfig) TLS() bool {
	return l.CertFile != "" && l.KeyFile != ""
}

type LimitsConfig struct {
	MaxConnections  int           `yaml:"max_connections"`
	MaxPacketSize   uint32        `yaml:"max_packet_size"`
	MaxQoS          *byte         `yaml:"max_qos"`
	MaxInflight     int           `yaml:"max_inflight"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ServerKeepAlive uint16        `yaml:"server_keep_alive"`
	AssignClientIDs bool          `yaml:"assign_client_ids"`

	// PublishRate is the per-connection PUBLISH rate in messages per
	// second. Zero disables the limit.
	PublishRate  float64 `yaml:"publish_rate"`
	PublishBurst int     `yaml:"publish_burst"`
}

type StorageConfig struct {
	Type   string       `yaml:"type"`
	Badger BadgerConfig `yaml:"badger"`
	Mongo  MongoConfig  `yaml:"mongo"`
}

type BadgerConfig struct {
	Dir string `yaml:"dir"`
}

type MongoConfig struct {
	URI        string        `yaml:"uri"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	// Anonymous allows clients that send no username.
	Anonymous bool         `yaml:"anonymous"`
	Users     []UserConfig `yaml:"users"`
}

type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

type ACLRuleConfig struct {
	Username  string `yaml:"username"`
	Filter    string `yaml:"filter"`
	Publish   bool   `yaml:"publish"`
	Subscribe bool   `yaml:"subscribe"`
	MaxQoS    *byte  `yaml:"max_qos"`
}

// Default returns the configuration used when no file is given: one
// plain TCP listener with in-memory sessions and no authentication.
func Default() *Config {
	cfg := &Config{
		Listeners: []ListenerConfig{{Type: ListenerTCP, Address: ":1883"}},
		Auth:      AuthConfig{Anonymous: true},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Limits.MaxPacketSize == 0 {
		c.Limits.MaxPacketSize = 256 * 1024
	}
	if c.Limits.MaxInflight == 0 {
		c.Limits.MaxInflight = 1000
	}
	if c.Limits.ConnectTimeout == 0 {
		c.Limits.ConnectTimeout = 10 * time.Second
	}
	if c.Limits.WriteTimeout == 0 {
		c.Limits.WriteTimeout = 30 * time.Second
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageMemory
	}
	if c.Storage.Mongo.Database == "" {
		c.Storage.Mongo.Database = "mqtt311"
	}
	if c.Storage.Mongo.Collection == "" {
		c.Storage.Mongo.Collection = "sessions"
	}
	if c.Storage.Mongo.Timeout == 0 {
		c.Storage.Mongo.Timeout = 5 * time.Second
	}
	for i := range c.Listeners {
		l := &c.Listeners[i]
		if l.Type == ListenerWebSocket && l.Path == "" {
			l.Path = "/mqtt"
		}
	}
}

// MaxQoSOrDefault returns the configured QoS ceiling, 2 when unset.
func (l LimitsConfig) MaxQoSOrDefault() byte {
	if l.MaxQoS == nil {
		return 2
	}
	return *l.MaxQoS
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Listeners) == 0 {
		errs = append(errs, ErrNoListeners)
	}
	for i, l := range c.Listeners {
		if err := l.validate(); err != nil {
			errs = append(errs, fmt.Errorf("listeners[%d]: %w", i, err))
		}
	}

	if q := c.Limits.MaxQoSOrDefault(); q > 2 {
		errs = append(errs, fmt.Errorf("limits.max_qos: %d is above 2", q))
	}
	if c.Limits.PublishRate < 0 {
		errs = append(errs, errors.New("limits.publish_rate: must not be negative"))
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageBadger:
		if c.Storage.Badger.Dir == "" {
			errs = append(errs, errors.New("storage.badger.dir: required"))
		}
	case StorageMongo:
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, errors.New("storage.mongo.uri: required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type: %w: %q", ErrUnknownStorage, c.Storage.Type))
	}

	for i, u := range c.Auth.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Errorf("auth.users[%d].username: required", i))
		}
		if u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("auth.users[%d].password_hash: required", i))
		}
	}

	for i, r := range c.ACL {
		if err := mqtt311.ValidateTopicFilter(r.Filter); err != nil {
			errs = append(errs, fmt.Errorf("acl[%d].filter: %w", i, err))
		}
		if r.MaxQoS != nil && *r.MaxQoS > 2 {
			errs = append(errs, fmt.Errorf("acl[%d].max_qos: %d is above 2", i, *r.MaxQoS))
		}
	}

	return errors.Join(errs...)
}

func (l ListenerConfig) validate() error {
	switch l.Type {
	case ListenerTCP, ListenerGnet, ListenerWebSocket:
		if l.Address == "" {
			return errors.New("address: required")
		}
	case ListenerTLS, ListenerQUIC:
		if l.Address == "" {
			return errors.New("address: required")
		}
		if !l.TLS() {
			return errors.New("cert_file and key_file: required")
		}
	case ListenerUnix:
		if l.Path == "" {
			return errors.New("path: required")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownListener, l.Type)
	}
	return nil
}

// ACLRules converts the acl section. A rule without max_qos allows QoS 2.
func (c *Config) ACLRules() []mqtt311.ACLRule {
	rules := make([]mqtt311.ACLRule, 0, len(c.ACL))
	for _, r := range c.ACL {
		maxQoS := byte(2)
		if r.MaxQoS != nil {
			maxQoS = *r.MaxQoS
		}
		rules = append(rules, mqtt311.ACLRule{
			Username:  r.Username,
			Filter:    r.Filter,
			Publish:   r.Publish,
			Subscribe: r.Subscribe,
			MaxQoS:    maxQoS,
		})
	}
	return rules
}
