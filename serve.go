package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/onnwee/voicelabel/config"
	"github.com/onnwee/voicelabel/db"
	"github.com/onnwee/voicelabel/discordapi"
	"github.com/onnwee/voicelabel/naming"
	"github.com/onnwee/voicelabel/server"
	"github.com/onnwee/voicelabel/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and keep voice channel labels in sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateDiscordReady(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()
	// Optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := telemetry.InitTracing("voicelabel", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdownTracing()

	store, checks, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := discordapi.New(cfg.DiscordToken)
	if err != nil {
		return err
	}
	svc := naming.NewService(store, client, client, naming.Options{
		IdleLabels:       cfg.IdleLabels,
		IdleMode:         cfg.IdleMode,
		RateLimitBackoff: cfg.RateLimitBackoff,
		RenameTimeout:    cfg.RenameTimeout,
		StaleAfter:       cfg.StaleAfter,
		OtherErrors:      cfg.OtherErrorPolicy,
	})
	// Handlers must be registered before the gateway opens so no event is missed.
	naming.Bind(ctx, client, svc)

	if err := client.Open(); err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("failed to close discord session", slog.Any("err", err))
		}
	}()

	slog.Info("starting workers",
		slog.Int("idle_labels", len(cfg.IdleLabels)),
		slog.String("idle_mode", cfg.IdleMode.String()),
		slog.String("other_error_policy", cfg.OtherErrorPolicy.String()))
	go naming.StartRetryJob(ctx, svc, cfg.RetrySweepInterval)
	go naming.StartPollJob(ctx, svc, cfg.PollInterval, cfg.PollConcurrency)
	go naming.StartEvictionJob(ctx, svc, cfg.EvictionInterval)

	checks = append([]server.Check{{Name: "gateway", Fn: func(context.Context) error {
		if !client.Ready() {
			return errors.New("discord gateway not ready")
		}
		return nil
	}}}, checks...)

	go func() {
		deps := server.Deps{
			Service: svc,
			Checks:  checks,
			Auth: server.AuthConfig{
				Token:    cfg.AdminToken,
				Username: cfg.AdminUsername,
				Password: cfg.AdminPassword,
			},
			RateLimit: server.RateLimitConfig{
				Enabled:       cfg.AdminRateLimitEnabled,
				RequestsPerIP: cfg.AdminRateLimitRequests,
				Window:        cfg.AdminRateLimitWindow,
			},
		}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

// openStore returns the Postgres store when DB_DSN is set and the in-memory
// store otherwise, with any readiness checks the store contributes.
func openStore(ctx context.Context, cfg *config.Config) (naming.Store, []server.Check, func(), error) {
	if cfg.DBDsn == "" {
		slog.Info("DB_DSN not set; channel state is kept in memory and lost on restart")
		return naming.NewMemoryStore(), nil, func() {}, nil
	}
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, nil, nil, err
	}
	closeDB := func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(ctx, database); err != nil {
		closeDB()
		return nil, nil, nil, err
	}
	store := db.NewStore(database)
	return store, []server.Check{{Name: "database", Fn: store.Ping}}, closeDB, nil
}
