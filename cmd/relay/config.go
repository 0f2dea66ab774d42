package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"whisper/internal/server/calls"
	"whisper/internal/server/router"
)

type LoggingConfig struct {
	File    string `yaml:"file"`
	Level   string `yaml:"level"`
	Disable bool   `yaml:"disable"`
}

type TurnConfig struct {
	URLs   []string      `yaml:"urls"`
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// Config is the relay configuration file.
type Config struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	// PublicURL is how clients reach Listen over HTTP; presigned blob URLs
	// are built from it.
	PublicURL string `yaml:"public_url"`
	DataDir   string `yaml:"data_dir"`
	URLSecret string `yaml:"url_secret"`

	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	SendQueue        int           `yaml:"send_queue"`
	ClockSkew        time.Duration `yaml:"clock_skew"`
	PendingRetention time.Duration `yaml:"pending_retention"`
	CallTTL          time.Duration `yaml:"call_ttl"`
	AnsweredCallTTL  time.Duration `yaml:"answered_call_ttl"`

	MessageRate   float64 `yaml:"message_rate"`
	MessageBurst  int     `yaml:"message_burst"`
	RegisterRate  float64 `yaml:"register_rate"`
	RegisterBurst int     `yaml:"register_burst"`

	Turn    TurnConfig    `yaml:"turn"`
	Logging LoggingConfig `yaml:"logging"`
}

func DefaultConfig() Config {
	return Config{
		Listen:           ":8080",
		MetricsListen:    "127.0.0.1:9090",
		PublicURL:        "http://127.0.0.1:8080",
		DataDir:          "data",
		IdleTimeout:      60 * time.Second,
		SendQueue:        256,
		ClockSkew:        router.DefaultSkew,
		PendingRetention: router.DefaultRetention,
		CallTTL:          calls.DefaultCallTTL,
		AnsweredCallTTL:  calls.DefaultAnsweredTTL,
		MessageRate:      20,
		MessageBurst:     40,
		RegisterRate:     1,
		RegisterBurst:    5,
		Turn:             TurnConfig{TTL: calls.DefaultTurnTTL},
		Logging:          LoggingConfig{Level: "NOTICE"},
	}
}

// LoadFile reads path over the defaults. An empty path yields the defaults.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("config: listen is required")
	case c.DataDir == "":
		return errors.New("config: data_dir is required")
	case c.PublicURL == "":
		return errors.New("config: public_url is required")
	case c.ClockSkew <= 0 || c.PendingRetention <= 0 || c.CallTTL <= 0 || c.AnsweredCallTTL <= 0:
		return errors.New("config: clock_skew, pending_retention, call_ttl and answered_call_ttl must be positive")
	case c.MessageRate < 0 || c.RegisterRate < 0:
		return errors.New("config: rates must not be negative")
	case len(c.Turn.URLs) > 0 && c.Turn.Secret == "":
		return errors.New("config: turn.secret is required when turn.urls are set")
	}
	return nil
}
