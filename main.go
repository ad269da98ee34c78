// Command voicelabel runs the voice channel labeler: a Discord bot that renames
// each voice channel after the game most of its occupants are playing, and
// back to an idle label when nobody is.
//
// Subcommands:
//   - serve (default): connects to the gateway, starts the retry, poll and
//     eviction jobs, and exposes /healthz, /readyz, /status, /metrics and the
//     admin endpoints.
//   - migrate: applies (or with --down rolls back) the Postgres schema.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/voicelabel/config"
)

// Version information (set at build time)
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	serve := newServeCmd()
	root := &cobra.Command{
		Use:           "voicelabel",
		Short:         "Rename Discord voice channels after what their occupants are playing",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Load .env file if present (local dev convenience only; production relies on real env)
			_ = godotenv.Load(envFile)
			return nil
		},
		RunE: serve.RunE,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading configuration")
	root.AddCommand(serve, newMigrateCmd())
	return root
}

// loadConfig reads and validates configuration, then installs the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// setupLogger configures logging (level + format). Defaults: level=info, format=text.
func setupLogger(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}
