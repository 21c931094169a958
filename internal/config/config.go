// Package config handles configuration loading and management for Tether.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inercia/tether/internal/appdir"
)

// ConfigPathEnv overrides the configuration file path when set.
const ConfigPathEnv = "TETHER_CONFIG"

// Duration is a time.Duration that unmarshals from YAML strings
// like "500ms" or "15s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig points the client at the remote coding-assistant server.
type ServerConfig struct {
	// URL is the base URL of the remote server (e.g. "http://localhost:4096").
	URL string `yaml:"url"`
	// Directory scopes the event stream to one project directory.
	Directory string `yaml:"directory"`
}

// ProxyConfig configures the local ingress proxy and state bridge listener.
type ProxyConfig struct {
	// Host is the listen address (default: 127.0.0.1).
	Host string `yaml:"host"`
	// Port is the listen port (default: 8424).
	Port int `yaml:"port"`
	// MaxSnippetBytes caps how much of an upstream error body is captured
	// into diagnostic envelopes (default: 2048).
	MaxSnippetBytes int `yaml:"max_snippet_bytes"`
}

// StreamConfig tunes event stream reconnection.
type StreamConfig struct {
	// InitialBackoff is the delay before the first reconnect attempt.
	InitialBackoff Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the reconnect delay.
	MaxBackoff Duration `yaml:"max_backoff"`
	// MaxAttempts is the consecutive-failure limit before giving up.
	MaxAttempts int `yaml:"max_attempts"`
}

// SessionConfig tunes per-session timers.
type SessionConfig struct {
	// ReconcileTimeout bounds how long an optimistic message may wait for
	// server confirmation.
	ReconcileTimeout Duration `yaml:"reconcile_timeout"`
	// AbortTimeout bounds the wait for a server abort acknowledgment.
	AbortTimeout Duration `yaml:"abort_timeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// File is an optional log file path with rotation.
	File string `yaml:"file"`
	// JSON enables JSON output format.
	JSON bool `yaml:"json"`
	// Components restricts logging to the named components (empty means all).
	Components []string `yaml:"components"`
}

// Config represents the complete Tether configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Stream  StreamConfig  `yaml:"stream"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL: "http://localhost:4096",
		},
		Proxy: ProxyConfig{
			Host:            "127.0.0.1",
			Port:            8424,
			MaxSnippetBytes: 2048,
		},
		Stream: StreamConfig{
			InitialBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(15 * time.Second),
			MaxAttempts:    10,
		},
		Session: SessionConfig{
			ReconcileTimeout: Duration(10 * time.Second),
			AbortTimeout:     Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Path returns the configuration file path: TETHER_CONFIG when set,
// otherwise config.yaml inside the Tether data directory.
func Path() (string, error) {
	if envPath := os.Getenv(ConfigPathEnv); envPath != "" {
		return envPath, nil
	}
	return appdir.ConfigPath()
}

// Load reads and parses the configuration file from the given path.
// A missing file yields the defaults, not an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses YAML configuration data, filling unset fields with defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects values the rest of the program cannot work with.
func (c *Config) validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url must not be empty")
	}
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port %d out of range", c.Proxy.Port)
	}
	if c.Stream.InitialBackoff <= 0 {
		return fmt.Errorf("stream.initial_backoff must be positive")
	}
	if c.Stream.MaxBackoff < c.Stream.InitialBackoff {
		return fmt.Errorf("stream.max_backoff must be >= stream.initial_backoff")
	}
	if c.Stream.MaxAttempts <= 0 {
		return fmt.Errorf("stream.max_attempts must be positive")
	}
	return nil
}

// ListenAddr returns the proxy listen address as host:port.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Proxy.Host, c.Proxy.Port)
}
