package config

import (
	"fmt"
	"time"

	"github.com/qwibitai/nanoclaw-sub004/internal/backoff"
	"github.com/qwibitai/nanoclaw-sub004/internal/channels"
)

// ChannelsConfig holds the per-platform adapter configuration.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
}

// DeliveryConfig tunes the delivery pipeline for one channel. Platforms
// differ in how aggressively they may be redialed and how fast they accept
// sends, so every knob is per-channel.
type DeliveryConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`

	// RateLimit is outbound sends per second; RateBurst is the bucket size.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	// TriggerExempt skips trigger matching; set on DM-style channels.
	TriggerExempt bool `yaml:"trigger_exempt"`
}

// ReconnectConfig tunes the reconnection backoff.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	Jitter       float64       `yaml:"jitter"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// WhatsAppConfig configures the WhatsApp adapter. WhatsApp uses a paired
// device session, so it has a session store instead of a token.
type WhatsAppConfig struct {
	Enabled     bool           `yaml:"enabled"`
	SessionPath string         `yaml:"session_path"`
	DeviceName  string         `yaml:"device_name"`
	Delivery    DeliveryConfig `yaml:"delivery"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Token    string         `yaml:"token"`
	Delivery DeliveryConfig `yaml:"delivery"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Token    string         `yaml:"token"`
	Delivery DeliveryConfig `yaml:"delivery"`
}

// SlackConfig configures the Slack adapter (Socket Mode).
type SlackConfig struct {
	Enabled  bool           `yaml:"enabled"`
	BotToken string         `yaml:"bot_token"`
	AppToken string         `yaml:"app_token"`
	Delivery DeliveryConfig `yaml:"delivery"`
}

func defaultDelivery(rate float64, burst int) DeliveryConfig {
	return DeliveryConfig{
		QueueCapacity: 100,
		RateLimit:     rate,
		RateBurst:     burst,
		Reconnect: ReconnectConfig{
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Factor:       2,
			Jitter:       0.1,
		},
	}
}

func defaultChannels() ChannelsConfig {
	return ChannelsConfig{
		WhatsApp: WhatsAppConfig{
			SessionPath: "whatsapp-session.db",
			DeviceName:  "nanoclaw",
			Delivery:    defaultDelivery(5, 3),
		},
		Telegram: TelegramConfig{Delivery: defaultDelivery(20, 10)},
		Discord:  DiscordConfig{Delivery: defaultDelivery(10, 5)},
		Slack:    SlackConfig{Delivery: defaultDelivery(1, 2)},
	}
}

func (c ChannelsConfig) validate() error {
	if !c.WhatsApp.Enabled && !c.Telegram.Enabled && !c.Discord.Enabled && !c.Slack.Enabled {
		return fmt.Errorf("at least one channel must be enabled")
	}
	if c.WhatsApp.Enabled && c.WhatsApp.SessionPath == "" {
		return fmt.Errorf("channels.whatsapp.session_path is required")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.token is required")
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("channels.discord.token is required")
	}
	if c.Slack.Enabled {
		if c.Slack.BotToken == "" {
			return fmt.Errorf("channels.slack.bot_token is required")
		}
		if c.Slack.AppToken == "" {
			return fmt.Errorf("channels.slack.app_token is required")
		}
	}
	return nil
}

// Options converts delivery tuning into channel options.
func (d DeliveryConfig) Options() channels.ChannelOptions {
	return channels.ChannelOptions{
		QueueCapacity: d.QueueCapacity,
		Reconnect: backoff.Policy{
			Initial: d.Reconnect.InitialDelay,
			Max:     d.Reconnect.MaxDelay,
			Factor:  d.Reconnect.Factor,
			Jitter:  d.Reconnect.Jitter,
		},
		MaxReconnectAttempts: d.Reconnect.MaxAttempts,
		RateLimit:            d.RateLimit,
		RateBurst:            d.RateBurst,
	}
}
