package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"whisper/internal/outbox"
)

// ConfigFile is the client configuration file name inside Home.
const ConfigFile = "config.yaml"

type LoggingConfig struct {
	File    string `yaml:"file"`
	Level   string `yaml:"level"`
	Disable bool   `yaml:"disable"`
}

// Config holds runtime wiring options for building the client.
type Config struct {
	Home string `yaml:"-"` // config directory, e.g. $HOME/.whisper

	// RelayURL is the websocket endpoint, e.g. ws://127.0.0.1:8080/ws.
	RelayURL string `yaml:"relay_url"`
	// HTTPURL is the REST base; derived from RelayURL when empty.
	HTTPURL string `yaml:"http_url"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	RingTimeout    time.Duration `yaml:"ring_timeout"`
	PushToken      string        `yaml:"push_token"`

	Outbox  outbox.Policy `yaml:"outbox"`
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig(home string) Config {
	return Config{
		Home:           home,
		RelayURL:       "ws://127.0.0.1:8080/ws",
		RequestTimeout: 15 * time.Second,
		RingTimeout:    30 * time.Second,
		Outbox:         outbox.DefaultPolicy(),
		Logging:        LoggingConfig{Level: "NOTICE"},
	}
}

// LoadConfig reads Home/config.yaml over the defaults. A missing file is
// not an error.
func LoadConfig(home string) (Config, error) {
	cfg := DefaultConfig(home)
	b, err := os.ReadFile(filepath.Join(home, ConfigFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, err
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration and fills derived fields.
func (c *Config) Validate() error {
	if c.Home == "" {
		return errors.New("config: home directory not set")
	}
	u, err := url.Parse(c.RelayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("config: relay_url %q must be a ws:// or wss:// URL", c.RelayURL)
	}
	if c.HTTPURL == "" {
		scheme := "http"
		if u.Scheme == "wss" {
			scheme = "https"
		}
		c.HTTPURL = scheme + "://" + u.Host
	}
	c.HTTPURL = strings.TrimRight(c.HTTPURL, "/")
	if c.RequestTimeout <= 0 {
		return errors.New("config: request_timeout must be positive")
	}
	if c.RingTimeout <= 0 {
		return errors.New("config: ring_timeout must be positive")
	}
	if c.Outbox.MaxAttempts <= 0 || c.Outbox.BaseDelay <= 0 || c.Outbox.Multiplier < 1 {
		return errors.New("config: outbox policy needs max_attempts, base_delay and multiplier >= 1")
	}
	return nil
}
