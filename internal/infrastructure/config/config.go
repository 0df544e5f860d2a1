package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// FileEnv names the environment variable pointing at an optional TOML file.
const FileEnv = "BROKER_CONFIG_FILE"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Broker    BrokerConfig    `toml:"broker"`
	Logging   LogConfig       `toml:"logging"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string   `envconfig:"BROKER_PORT" toml:"port"`
	Host            string   `envconfig:"BROKER_HOST" toml:"host"`
	Token           string   `envconfig:"BROKER_TOKEN" toml:"token"`
	AllowedOrigins  []string `envconfig:"BROKER_ALLOWED_ORIGINS" toml:"allowed_origins"`
	ShutdownTimeout Duration `envconfig:"BROKER_SHUTDOWN_TIMEOUT" toml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// BrokerConfig holds routing and persistence settings.
type BrokerConfig struct {
	PagesDir          string   `envconfig:"BROKER_PAGES_DIR" toml:"pages_dir"`
	ForwardTimeout    Duration `envconfig:"BROKER_FORWARD_TIMEOUT" toml:"forward_timeout"`
	SendBuffer        int      `envconfig:"BROKER_SEND_BUFFER" toml:"send_buffer"`
	MaxMessageBytes   int64    `envconfig:"BROKER_MAX_MESSAGE_BYTES" toml:"max_message_bytes"`
	MessagesPerSecond float64  `envconfig:"WS_MESSAGES_PER_SECOND" toml:"messages_per_second"`
	MessageBurst      int      `envconfig:"WS_MESSAGE_BURST" toml:"message_burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" toml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" toml:"enabled"`
}

// Duration is a time.Duration read from strings such as "10s" in both the
// environment and TOML files.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration from the optional file named by
// BROKER_CONFIG_FILE and then the environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(FileEnv))
}

// LoadFrom loads configuration from the TOML file at path, if non-empty, and
// then the environment.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	// Fields carry no default tags, so only variables that are set override.
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "7411",
			Host:            "127.0.0.1",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Broker: BrokerConfig{
			PagesDir:          ".storebridge/pages",
			ForwardTimeout:    Duration(10 * time.Second),
			SendBuffer:        256,
			MaxMessageBytes:   1 << 20,
			MessagesPerSecond: 100,
			MessageBurst:      200,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks that the configuration can start a broker.
func (c *Config) Validate() error {
	var errs []error

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %q", c.Server.Port))
	}
	if c.Broker.PagesDir == "" {
		errs = append(errs, errors.New("pages dir is required"))
	}
	if c.Broker.ForwardTimeout <= 0 {
		errs = append(errs, errors.New("forward timeout must be positive"))
	}
	if c.Broker.SendBuffer <= 0 {
		errs = append(errs, errors.New("send buffer must be positive"))
	}
	if c.Broker.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("max message bytes must be positive"))
	}
	if c.Broker.MessagesPerSecond < 0 || c.Broker.MessageBurst < 0 {
		errs = append(errs, errors.New("message rate limits must not be negative"))
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate limit requires positive requests per second and burst"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
