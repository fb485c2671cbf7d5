// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// StorePath is the SQLite database location.
	StorePath string `yaml:"store_path"`

	// MetricsAddr is the Prometheus scrape listen address (empty = disabled).
	MetricsAddr string `yaml:"metrics_addr"`

	// BotPrefix marks the gateway's own messages, e.g. "Andy:". Used both to
	// tag echoed sends and to filter them out of history reads.
	BotPrefix string `yaml:"bot_prefix"`

	Attachments AttachmentsConfig `yaml:"attachments"`
	Channels    ChannelsConfig    `yaml:"channels"`

	// Groups seeds registrations declaratively. Entries here are merged into
	// the store at startup and on config reload.
	Groups []GroupConfig `yaml:"groups"`
}

// AttachmentsConfig controls inbound attachment downloads.
type AttachmentsConfig struct {
	Dir              string        `yaml:"dir"`
	AllowedMimeTypes []string      `yaml:"allowed_mime_types"`
	MaxBytes         int64         `yaml:"max_bytes"`
	Timeout          time.Duration `yaml:"timeout"`
}

// GroupConfig is a declarative group registration.
type GroupConfig struct {
	JID             string `yaml:"jid"`
	Name            string `yaml:"name"`
	Folder          string `yaml:"folder"`
	Trigger         string `yaml:"trigger"`
	RequiresTrigger *bool  `yaml:"requires_trigger"`
	ContainerConfig string `yaml:"container_config"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets tokens come from the environment so they stay out of the
// config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Channels.Telegram.Token = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		c.Channels.Discord.Token = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Channels.Slack.BotToken = v
	}
	if v := os.Getenv("SLACK_APP_TOKEN"); v != "" {
		c.Channels.Slack.AppToken = v
	}
}

// Defaults returns a config with every default applied.
func Defaults() *Config {
	return &Config{
		LogLevel:  "info",
		StorePath: "nanoclaw.db",
		BotPrefix: "Andy:",
		Attachments: AttachmentsConfig{
			Dir:              "attachments",
			AllowedMimeTypes: []string{"image/*", "audio/*", "video/*", "application/pdf"},
			MaxBytes:         50 * 1024 * 1024,
			Timeout:          30 * time.Second,
		},
		Channels: defaultChannels(),
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if err := c.Channels.validate(); err != nil {
		return err
	}
	for i, g := range c.Groups {
		if g.JID == "" {
			return fmt.Errorf("groups[%d]: jid is required", i)
		}
		if g.Name == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
	}
	return nil
}

// RequiresTriggerOrDefault returns the group's requires_trigger, defaulting
// to true when unset. Groups respond only when addressed unless explicitly
// opted out.
func (g GroupConfig) RequiresTriggerOrDefault() bool {
	if g.RequiresTrigger == nil {
		return true
	}
	return *g.RequiresTrigger
}
