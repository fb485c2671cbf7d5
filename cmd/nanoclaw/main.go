// Package main provides the CLI entry point for the nanoclaw channel
// gateway.
//
// Nanoclaw connects messaging platforms (WhatsApp, Telegram, Discord, Slack)
// to an agent orchestrator through a single reliable delivery pipeline:
// registered-group gating, trigger matching, outbound queueing, and
// supervised reconnection.
//
// # Basic Usage
//
// Start the gateway:
//
//	nanoclaw serve --config nanoclaw.yaml
//
// Manage group registrations:
//
//	nanoclaw groups list
//	nanoclaw groups add --jid 1203@g.us --name family --folder family
//	nanoclaw groups remove --jid 1203@g.us
//
// # Environment Variables
//
//   - NANOCLAW_CONFIG: Path to configuration file (default: nanoclaw.yaml)
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - DISCORD_BOT_TOKEN: Discord bot token
//   - SLACK_BOT_TOKEN: Slack bot OAuth token
//   - SLACK_APP_TOKEN: Slack app-level token for Socket Mode
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "nanoclaw",
		Short: "Multi-platform channel gateway for agent orchestration",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to configuration file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newGroupsCmd())
	rootCmd.AddCommand(newChatsCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nanoclaw %s (commit %s, built %s)\n", version, commit, date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("NANOCLAW_CONFIG"); path != "" {
		return path
	}
	return "nanoclaw.yaml"
}
