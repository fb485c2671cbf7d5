package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nanoclaw.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
channels:
  telegram:
    enabled: true
    token: "123:abc"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.StorePath != "nanoclaw.db" {
		t.Errorf("StorePath = %q", cfg.StorePath)
	}
	if cfg.BotPrefix != "Andy:" {
		t.Errorf("BotPrefix = %q", cfg.BotPrefix)
	}
	if cfg.Channels.Telegram.Delivery.QueueCapacity != 100 {
		t.Errorf("QueueCapacity = %d", cfg.Channels.Telegram.Delivery.QueueCapacity)
	}
	if cfg.Channels.Telegram.Delivery.Reconnect.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v", cfg.Channels.Telegram.Delivery.Reconnect.InitialDelay)
	}
	if cfg.Attachments.MaxBytes != 50*1024*1024 {
		t.Errorf("MaxBytes = %d", cfg.Attachments.MaxBytes)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
log_level: debug
bot_prefix: "Claw:"
channels:
  telegram:
    enabled: true
    token: "123:abc"
    delivery:
      queue_capacity: 7
      rate_limit: 2.5
      reconnect:
        initial_delay: 1s
        max_delay: 10s
        factor: 3
        max_attempts: 4
groups:
  - jid: "telegram:100"
    name: devs
    trigger: "@claw"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.BotPrefix != "Claw:" {
		t.Errorf("overrides not applied: %q %q", cfg.LogLevel, cfg.BotPrefix)
	}
	d := cfg.Channels.Telegram.Delivery
	if d.QueueCapacity != 7 || d.RateLimit != 2.5 || d.Reconnect.MaxAttempts != 4 {
		t.Errorf("delivery = %+v", d)
	}
	if len(cfg.Groups) != 1 || cfg.Groups[0].JID != "telegram:100" {
		t.Errorf("groups = %+v", cfg.Groups)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no channel enabled", `log_level: info`},
		{"telegram without token", "channels:\n  telegram:\n    enabled: true"},
		{"discord without token", "channels:\n  discord:\n    enabled: true"},
		{"slack without app token", "channels:\n  slack:\n    enabled: true\n    bot_token: xoxb-1"},
		{"bad log level", "log_level: loud\nchannels:\n  telegram:\n    enabled: true\n    token: t"},
		{"group without jid", minimalConfig + "groups:\n  - name: devs"},
		{"group without name", minimalConfig + "groups:\n  - jid: x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load should fail")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load should fail for a missing file")
	}
}

func TestTokensFromEnvironment(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")

	cfg, err := Load(writeConfig(t, "channels:\n  telegram:\n    enabled: true"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Errorf("Token = %q", cfg.Channels.Telegram.Token)
	}
}

func TestRequiresTriggerDefault(t *testing.T) {
	g := GroupConfig{}
	if !g.RequiresTriggerOrDefault() {
		t.Error("unset requires_trigger must default to true")
	}

	f := false
	g.RequiresTrigger = &f
	if g.RequiresTriggerOrDefault() {
		t.Error("explicit false must win")
	}
}

func TestDeliveryOptionsMapping(t *testing.T) {
	d := DeliveryConfig{
		QueueCapacity: 42,
		RateLimit:     3,
		RateBurst:     6,
		Reconnect: ReconnectConfig{
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Factor:       2,
			Jitter:       0.2,
			MaxAttempts:  9,
		},
	}

	opts := d.Options()
	if opts.QueueCapacity != 42 || opts.RateLimit != 3 || opts.RateBurst != 6 {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Reconnect.Initial != time.Second || opts.Reconnect.Max != time.Minute {
		t.Errorf("reconnect policy = %+v", opts.Reconnect)
	}
	if opts.MaxReconnectAttempts != 9 {
		t.Errorf("MaxReconnectAttempts = %d", opts.MaxReconnectAttempts)
	}
}
