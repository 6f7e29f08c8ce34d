// Package main provides the CLI entry point for parley, a conversational
// bot that runs menu driven sessions over WhatsApp and Telegram.
//
// # Basic Usage
//
// Start the bot:
//
//	parley serve --config parley.yaml
//
// Check a configuration file without starting anything:
//
//	parley config validate --config parley.yaml
//
// Secrets can be referenced from the environment inside the config file,
// for example api_key: ${GROQ_API_KEY}. A .env file in the working directory
// is loaded first when present.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultConfigPath = "parley.yaml"
	defaultEnvFile    = ".env"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "parley - menu driven chat bot with AI answers and media downloads",
		Long: `parley answers chat messages through a small per-user state machine.

Supported channels: WhatsApp, Telegram
Features: AI chat through an OpenAI compatible endpoint, video and audio downloads`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
