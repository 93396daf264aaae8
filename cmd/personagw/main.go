// Package main is the entry point for the personagw gateway.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/szaher/designs/personagw/internal/config"
	"github.com/szaher/designs/personagw/internal/secrets"
	"github.com/szaher/designs/personagw/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "personagw",
		Short: "Multi-persona conversational gateway",
		Long: `Personagw fronts a single multimodal inference engine with several
chat personas, each with its own system prompt and per-user conversation
history, and serves them over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newPromptCmd())

	return root
}

// loadConfig builds the redacting logger and loads the config. The logger is
// created first so secrets resolved during loading are masked from then on.
func loadConfig(ctx context.Context, w io.Writer) (config.Config, *slog.Logger, error) {
	level := new(slog.LevelVar)
	filter := secrets.NewRedactFilter(telemetry.NewHandler(w, level))
	logger := slog.New(filter)

	cfg, err := config.Load(ctx, configPath, filter)
	if err != nil {
		return config.Config{}, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	l, err := telemetry.ParseLevel(cfg.Log.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	level.Set(l)
	return cfg, logger, nil
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
