// Package config loads the tracker's YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ermn/tracking.go/tracking"

	"gopkg.in/yaml.v3"
)

const (
	TransportWebSocket   = "websocket"
	TransportLongPolling = "longpolling"

	DefaultEndpoint = "ws://localhost:8080/ws/tracking/websocket"
	DefaultAPIURL   = "http://localhost:8080/api"
)

// Environment variables that override file values.
const (
	EnvConfig    = "TRACKER_CONFIG"
	EnvEndpoint  = "TRACKER_ENDPOINT"
	EnvToken     = "TRACKER_TOKEN"
	EnvTransport = "TRACKER_TRANSPORT"
	EnvAPIURL    = "TRACKER_API_URL"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Endpoint       string        `yaml:"endpoint"`
	Transport      string        `yaml:"transport"`
	TokenFile      string        `yaml:"token_file"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	Resubscribe    bool          `yaml:"resubscribe"`
	API            APIConfig     `yaml:"api"`
	Metrics        MetricsConfig `yaml:"metrics"`
	Broker         BrokerConfig  `yaml:"broker"`
	Sinks          []SinkConfig  `yaml:"sinks"`

	// Token is only ever taken from the environment.
	Token string `yaml:"-"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// BrokerConfig configures `tracker serve`.
type BrokerConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
	Token  string `yaml:"token"`
}

type SinkConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

// SinkTypes lists the sink types Validate accepts.
var SinkTypes = []string{"log", "redis", "mqtt", "kafka"}

func Default() *Config {
	return &Config{
		Endpoint:       DefaultEndpoint,
		Transport:      TransportWebSocket,
		ReconnectDelay: tracking.DefaultReconnectDelay,
		Heartbeat:      tracking.DefaultHeartbeat,
		API: APIConfig{
			BaseURL: DefaultAPIURL,
			Timeout: 10 * time.Second,
		},
		Broker: BrokerConfig{
			Listen: ":8080",
			Path:   "/ws/tracking/",
		},
	}
}

// Load reads path (if not empty) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvEndpoint); ok && v != "" {
		c.Endpoint = v
	}
	if v, ok := lookup(EnvToken); ok {
		c.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvTransport); ok && v != "" {
		c.Transport = v
	}
	if v, ok := lookup(EnvAPIURL); ok && v != "" {
		c.API.BaseURL = v
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalid)
	}
	switch c.Transport {
	case TransportWebSocket, TransportLongPolling:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("%w: reconnect_delay must be positive", ErrInvalid)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("%w: heartbeat must not be negative", ErrInvalid)
	}

	names := make(map[string]bool, len(c.Sinks))
	for i, s := range c.Sinks {
		if !knownSink(s.Type) {
			return fmt.Errorf("%w: sinks[%d]: unknown type %q", ErrInvalid, i, s.Type)
		}
		name := s.DisplayName()
		if names[name] {
			return fmt.Errorf("%w: sinks[%d]: duplicate name %q", ErrInvalid, i, name)
		}
		names[name] = true
	}
	return nil
}

func knownSink(t string) bool {
	for _, known := range SinkTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DisplayName is the sink's name, or its type when unnamed.
func (s SinkConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type
}

// Get returns a sink setting or def when unset.
func (s SinkConfig) Get(key, def string) string {
	if v, ok := s.Config[key]; ok && v != "" {
		return v
	}
	return def
}

// TokenSource returns the bearer token for a new session. A token file is
// re-read every time so rotated credentials are picked up on the next
// EnsureConnected; TRACKER_TOKEN is used when no file is configured.
func (c *Config) TokenSource() tracking.TokenSource {
	if c.TokenFile == "" {
		return tracking.StaticToken(c.Token)
	}
	path := c.TokenFile
	fallback := c.Token
	return func() string {
		data, err := os.ReadFile(path)
		if err != nil {
			return fallback
		}
		return strings.TrimSpace(string(data))
	}
}
