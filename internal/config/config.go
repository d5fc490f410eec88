// Package config loads the lidarcast configuration file. Every field is
// optional: the Get* methods fall back to defaults for anything the file
// leaves out, so partial configs are safe.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/lidarcast/internal/fsutil"
)

// Defaults for every optional field.
const (
	DefaultBaudRate        = 115200
	DefaultReconnectDelay  = time.Second
	DefaultStopTimeout     = 2 * time.Second
	DefaultPublishInterval = 100 * time.Millisecond
	DefaultTopic           = "lidar/scan"
	DefaultListen          = "localhost:8081"

	DefaultMQTTBroker    = "localhost"
	DefaultMQTTPort      = 1883
	DefaultMQTTKeepAlive = 60 * time.Second

	DefaultNATSURL = "nats://127.0.0.1:4222"

	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisLatestTTL = 5 * time.Second

	DefaultWebSocketPath = "/ws"
)

// maxFileSize bounds the config file read.
const maxFileSize = 1 * 1024 * 1024

// Config is the root configuration.
type Config struct {
	// Serial port. Empty means try Candidates in order.
	Port       *string  `json:"port,omitempty" yaml:"port,omitempty"`
	Candidates []string `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	BaudRate   *int     `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`

	// Acquisition loop
	ReconnectDelay *string `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty"` // duration string like "1s"
	StopTimeout    *string `json:"stop_timeout,omitempty" yaml:"stop_timeout,omitempty"`

	// Publisher
	PublishInterval *string `json:"publish_interval,omitempty" yaml:"publish_interval,omitempty"`
	Topic           *string `json:"topic,omitempty" yaml:"topic,omitempty"`

	// Debug and websocket HTTP listener
	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`

	MQTT      MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket"`
}

type MQTTConfig struct {
	Enabled   *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Broker    *string `json:"broker,omitempty" yaml:"broker,omitempty"`
	Port      *int    `json:"port,omitempty" yaml:"port,omitempty"`
	KeepAlive *string `json:"keepalive,omitempty" yaml:"keepalive,omitempty"`
	ClientID  *string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

type NATSConfig struct {
	Enabled *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL     *string `json:"url,omitempty" yaml:"url,omitempty"`
	Subject *string `json:"subject,omitempty" yaml:"subject,omitempty"`
}

type RedisConfig struct {
	Enabled   *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Addr      *string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password  *string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        *int    `json:"db,omitempty" yaml:"db,omitempty"`
	LatestTTL *string `json:"latest_ttl,omitempty" yaml:"latest_ttl,omitempty"`
}

type WebSocketConfig struct {
	Enabled *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    *string `json:"path,omitempty" yaml:"path,omitempty"`

	// Browser origins allowed besides the server's own host.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a .json, .yaml or .yml file through fsys and validates it.
// Unknown keys are rejected.
func Load(fsys fsutil.FileSystem, path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	info, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *Config) Validate() error {
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	for _, d := range []struct {
		name  string
		value *string
	}{
		{"reconnect_delay", c.ReconnectDelay},
		{"stop_timeout", c.StopTimeout},
		{"publish_interval", c.PublishInterval},
		{"mqtt.keepalive", c.MQTT.KeepAlive},
		{"redis.latest_ttl", c.Redis.LatestTTL},
	} {
		if err := validateDuration(d.name, d.value); err != nil {
			return err
		}
	}
	if c.Topic != nil && strings.TrimSpace(*c.Topic) == "" {
		return errors.New("topic must not be empty")
	}
	if c.Listen != nil {
		if _, _, err := net.SplitHostPort(*c.Listen); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", *c.Listen, err)
		}
	}
	if c.MQTT.Port != nil && (*c.MQTT.Port < 1 || *c.MQTT.Port > 65535) {
		return fmt.Errorf("mqtt.port must be between 1 and 65535, got %d", *c.MQTT.Port)
	}
	if c.WebSocket.Path != nil && !strings.HasPrefix(*c.WebSocket.Path, "/") {
		return fmt.Errorf("websocket.path must start with /, got %q", *c.WebSocket.Path)
	}
	return nil
}

func validateDuration(name string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *s)
	}
	return nil
}

func duration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func str(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

func integer(i *int, def int) int {
	if i == nil {
		return def
	}
	return *i
}

func boolean(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// GetPort returns the explicit serial port, or "" to use candidates.
func (c *Config) GetPort() string { return str(c.Port, "") }

// GetCandidates returns the configured candidate ports. Nil means the
// OS default table.
func (c *Config) GetCandidates() []string { return c.Candidates }

func (c *Config) GetBaudRate() int { return integer(c.BaudRate, DefaultBaudRate) }

func (c *Config) GetReconnectDelay() time.Duration {
	return duration(c.ReconnectDelay, DefaultReconnectDelay)
}

func (c *Config) GetStopTimeout() time.Duration {
	return duration(c.StopTimeout, DefaultStopTimeout)
}

func (c *Config) GetPublishInterval() time.Duration {
	return duration(c.PublishInterval, DefaultPublishInterval)
}

func (c *Config) GetTopic() string  { return str(c.Topic, DefaultTopic) }
func (c *Config) GetListen() string { return str(c.Listen, DefaultListen) }

// MQTT is the original transport and is on unless disabled.
func (m MQTTConfig) GetEnabled() bool    { return boolean(m.Enabled, true) }
func (m MQTTConfig) GetBroker() string   { return str(m.Broker, DefaultMQTTBroker) }
func (m MQTTConfig) GetPort() int        { return integer(m.Port, DefaultMQTTPort) }
func (m MQTTConfig) GetClientID() string { return str(m.ClientID, "") }
func (m MQTTConfig) GetKeepAlive() time.Duration {
	return duration(m.KeepAlive, DefaultMQTTKeepAlive)
}

func (n NATSConfig) GetEnabled() bool   { return boolean(n.Enabled, false) }
func (n NATSConfig) GetURL() string     { return str(n.URL, DefaultNATSURL) }
func (n NATSConfig) GetSubject() string { return str(n.Subject, "") }

func (r RedisConfig) GetEnabled() bool    { return boolean(r.Enabled, false) }
func (r RedisConfig) GetAddr() string     { return str(r.Addr, DefaultRedisAddr) }
func (r RedisConfig) GetPassword() string { return str(r.Password, "") }
func (r RedisConfig) GetDB() int          { return integer(r.DB, 0) }
func (r RedisConfig) GetLatestTTL() time.Duration {
	return duration(r.LatestTTL, DefaultRedisLatestTTL)
}

func (w WebSocketConfig) GetEnabled() bool           { return boolean(w.Enabled, false) }
func (w WebSocketConfig) GetPath() string            { return str(w.Path, DefaultWebSocketPath) }
func (w WebSocketConfig) GetAllowedOrigins() []string { return w.AllowedOrigins }
