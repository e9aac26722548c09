// Package config loads the fleetwatch configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/energyflow/fleetwatch/internal/engine"
	"github.com/energyflow/fleetwatch/internal/logging"
)

// EnvAPIURL overrides api.base_url.
const EnvAPIURL = "FLEETWATCH_API_URL"

// Config represents the configuration file structure. Durations are whole
// seconds.
type Config struct {
	API struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
		Timeout int    `yaml:"timeout"`
	} `yaml:"api"`

	Socket struct {
		URL          string `yaml:"url"` // derived from api.base_url when empty
		Disabled     bool   `yaml:"disabled"`
		PingInterval int    `yaml:"ping_interval"`
		ReadTimeout  int    `yaml:"read_timeout"`
		WriteTimeout int    `yaml:"write_timeout"`
	} `yaml:"socket"`

	Stream struct {
		RetryDelay    int `yaml:"retry_delay"`
		MaxRetryDelay int `yaml:"max_retry_delay"`
	} `yaml:"stream"`

	Query struct {
		StaleTime int `yaml:"stale_time"`
		Retries   int `yaml:"retries"`
	} `yaml:"query"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"logging"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	var c Config
	c.API.Timeout = 15
	c.Socket.PingInterval = 30
	c.Socket.ReadTimeout = 60
	c.Socket.WriteTimeout = 10
	c.Stream.RetryDelay = 1
	c.Stream.MaxRetryDelay = 30
	c.Query.StaleTime = 10
	c.Query.Retries = 3
	c.Logging.Level = "info"
	c.Logging.Format = "text"
	return &c
}

// Load reads path over the defaults. An empty path loads defaults only.
// The environment override is applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		cfg.API.BaseURL = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required (or set %s)", EnvAPIURL)
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL)
	}
	if c.Query.Retries < 0 {
		return errors.New("query.retries must not be negative")
	}
	if c.Stream.MaxRetryDelay < c.Stream.RetryDelay {
		return errors.New("stream.max_retry_delay must not be below stream.retry_delay")
	}
	return nil
}

// SocketURL returns the push channel URL: the configured one, or the API
// host with a ws scheme and path /ws.
func (c *Config) SocketURL() string {
	if c.Socket.URL != "" {
		return c.Socket.URL
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String()
}

// Engine builds the engine configuration.
func (c *Config) Engine() engine.Config {
	ec := engine.DefaultConfig()

	ec.API.BaseURL = c.API.BaseURL
	ec.API.Token = c.API.Token
	if c.API.Timeout > 0 {
		ec.API.Timeout = secondsToDuration(c.API.Timeout)
	}

	if !c.Socket.Disabled {
		ec.Socket.URL = c.SocketURL()
		ec.Socket.Token = c.API.Token
	}
	if c.Socket.PingInterval > 0 {
		ec.Socket.PingInterval = secondsToDuration(c.Socket.PingInterval)
	}
	if c.Socket.ReadTimeout > 0 {
		ec.Socket.ReadTimeout = secondsToDuration(c.Socket.ReadTimeout)
	}
	if c.Socket.WriteTimeout > 0 {
		ec.Socket.WriteTimeout = secondsToDuration(c.Socket.WriteTimeout)
	}

	if c.Stream.RetryDelay > 0 {
		ec.Stream.InitialDelay = secondsToDuration(c.Stream.RetryDelay)
	}
	if c.Stream.MaxRetryDelay > 0 {
		ec.Stream.MaxDelay = secondsToDuration(c.Stream.MaxRetryDelay)
	}
	ec.Socket.Backoff = ec.Stream

	if c.Query.StaleTime > 0 {
		ec.StaleTime = secondsToDuration(c.Query.StaleTime)
	}
	ec.Retry = c.Query.Retries
	return ec
}

// LoggingConfig builds the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		File:   c.Logging.File,
	}
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
