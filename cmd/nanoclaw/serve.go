package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/qwibitai/nanoclaw-sub004/internal/channels"
	"github.com/qwibitai/nanoclaw-sub004/internal/channels/discord"
	"github.com/qwibitai/nanoclaw-sub004/internal/channels/slack"
	"github.com/qwibitai/nanoclaw-sub004/internal/channels/telegram"
	"github.com/qwibitai/nanoclaw-sub004/internal/channels/utils"
	"github.com/qwibitai/nanoclaw-sub004/internal/channels/whatsapp"
	"github.com/qwibitai/nanoclaw-sub004/internal/config"
	"github.com/qwibitai/nanoclaw-sub004/internal/observability"
	"github.com/qwibitai/nanoclaw-sub004/internal/store"
	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the channel gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	db, err := store.New(cfg.StorePath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := seedGroups(ctx, db, cfg); err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	obs := observability.NewMetrics(promReg)

	registry := channels.NewRegistry(db, channels.Handlers{
		OnMessage: func(ctx context.Context, msg models.InboundMessage) {
			logger.Info("message delivered",
				"id", msg.ID,
				"channel", string(msg.Channel),
				"chat", msg.ChatJID,
				"sender", msg.SenderName,
				"attachments", len(msg.Attachments))
		},
		OnFatal: func(channel models.ChannelType, err error) {
			logger.Error("channel terminated, operator action required",
				"channel", string(channel), "error", err)
		},
	}, logger, obs)

	if err := addTransports(ctx, registry, cfg, logger); err != nil {
		return err
	}

	if err := registry.Start(ctx); err != nil {
		return err
	}
	defer registry.Stop()

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr, promReg, registry, logger)
	}

	err = config.Watch(ctx, configPath, logger, func(newCfg *config.Config) {
		if err := seedGroups(ctx, db, newCfg); err != nil {
			logger.Warn("group reseed failed", "error", err)
			return
		}
		if err := registry.RefreshGroups(ctx); err != nil {
			logger.Warn("group refresh failed", "error", err)
		}
	})
	if err != nil {
		logger.Warn("config watch disabled", "error", err)
	}

	logger.Info("gateway running", "config", configPath)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// addTransports builds and registers every enabled platform adapter.
func addTransports(ctx context.Context, registry *channels.Registry, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Attachments.Dir != "" {
		if err := utils.EnsureDir(cfg.Attachments.Dir); err != nil {
			return fmt.Errorf("attachments dir: %w", err)
		}
	}

	attachments := channels.AttachmentPolicy{
		AllowedMimeTypes: cfg.Attachments.AllowedMimeTypes,
		MaxBytes:         cfg.Attachments.MaxBytes,
		Dir:              cfg.Attachments.Dir,
		Timeout:          cfg.Attachments.Timeout,
	}

	if cfg.Channels.WhatsApp.Enabled {
		wa, err := whatsapp.New(ctx, whatsapp.Config{
			SessionPath: cfg.Channels.WhatsApp.SessionPath,
			DeviceName:  cfg.Channels.WhatsApp.DeviceName,
		}, logger)
		if err != nil {
			return fmt.Errorf("whatsapp: %w", err)
		}
		registry.AddTransport(wa, channels.TransportConfig{
			Options:       cfg.Channels.WhatsApp.Delivery.Options(),
			Directory:     wa,
			BotPrefix:     cfg.BotPrefix,
			TriggerExempt: cfg.Channels.WhatsApp.Delivery.TriggerExempt,
			Attachments:   attachments,
		})
	}

	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(telegram.Config{Token: cfg.Channels.Telegram.Token}, logger)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		registry.AddTransport(tg, channels.TransportConfig{
			Options:       cfg.Channels.Telegram.Delivery.Options(),
			BotPrefix:     cfg.BotPrefix,
			TriggerExempt: cfg.Channels.Telegram.Delivery.TriggerExempt,
			Attachments:   attachments,
		})
	}

	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(discord.Config{Token: cfg.Channels.Discord.Token}, logger)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		registry.AddTransport(dc, channels.TransportConfig{
			Options:       cfg.Channels.Discord.Delivery.Options(),
			BotPrefix:     cfg.BotPrefix,
			TriggerExempt: cfg.Channels.Discord.Delivery.TriggerExempt,
			Attachments:   attachments,
		})
	}

	if cfg.Channels.Slack.Enabled {
		sl := slack.New(slack.Config{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
		}, logger)
		registry.AddTransport(sl, channels.TransportConfig{
			Options:       cfg.Channels.Slack.Delivery.Options(),
			BotPrefix:     cfg.BotPrefix,
			TriggerExempt: cfg.Channels.Slack.Delivery.TriggerExempt,
			Attachments:   attachments,
		})
	}

	return nil
}

// seedGroups merges declarative registrations from the config into the store.
func seedGroups(ctx context.Context, db *store.Store, cfg *config.Config) error {
	for _, g := range cfg.Groups {
		group := models.RegisteredGroup{
			JID:             g.JID,
			Name:            g.Name,
			Folder:          g.Folder,
			Trigger:         g.Trigger,
			RequiresTrigger: g.RequiresTriggerOrDefault(),
			AddedAt:         time.Now().UTC().Format(time.RFC3339),
			ContainerConfig: g.ContainerConfig,
		}
		if group.Folder == "" {
			group.Folder = group.Name
		}
		if group.Trigger == "" {
			group.Trigger = group.Name
		}
		if err := db.UpsertRegisteredGroup(ctx, group); err != nil {
			return fmt.Errorf("seed group %s: %w", g.JID, err)
		}
	}
	return nil
}

// startMetricsServer serves the Prometheus scrape endpoint and a small
// health surface.
func startMetricsServer(ctx context.Context, addr string, reg *prometheus.Registry, registry *channels.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		for channel, state := range registry.Status() {
			fmt.Fprintf(w, "%s: %s\n", channel, state)
		}
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
