package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/JonMunkholm/equipimport/internal/advisor"
	"github.com/JonMunkholm/equipimport/internal/artifact"
	"github.com/JonMunkholm/equipimport/internal/config"
	"github.com/JonMunkholm/equipimport/internal/core"
	"github.com/JonMunkholm/equipimport/internal/logging"
	"github.com/JonMunkholm/equipimport/internal/store/postgres"
	"github.com/JonMunkholm/equipimport/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	store := postgres.New(pool)
	if err := store.Migrate(ctx); err != nil {
		slog.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	artifacts, err := openArtifacts(ctx, cfg)
	if err != nil {
		slog.Error("failed to open artifact storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}

	adv, err := openAdvisor(ctx, cfg.Advisor)
	if err != nil {
		slog.Error("failed to create mapping advisor", "provider", cfg.Advisor.Provider, "error", err)
		os.Exit(1)
	}

	service := core.NewService(store, artifacts, adv, core.ServiceOptions{
		PreviewRows:    cfg.Import.PreviewRows,
		MaxRows:        cfg.Import.MaxRows,
		MaxBytes:       cfg.Import.MaxDecompressedSize,
		Parallelism:    cfg.Import.Parallelism,
		ExecuteTimeout: cfg.Import.ExecuteTimeout,
		MaxConcurrent:  cfg.Import.MaxConcurrent,
		MaxWaitTime:    cfg.Import.MaxWaitTime,
		AdvisorTimeout: cfg.Advisor.Timeout,
		AdvisorWait:    cfg.Advisor.PreviewWait,
	})

	if err := service.RecoverInterruptedRuns(ctx); err != nil {
		slog.Error("failed to recover interrupted runs", "error", err)
		os.Exit(1)
	}

	server := web.NewServer(service, cfg)

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go service.Sessions().StartSweeper(jobCtx, cfg.Session.SweepInterval, cfg.Session.IdleTimeout)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		status := service.LimiterStatus()
		if status.Active > 0 {
			slog.Info("waiting for imports to complete", "active", status.Active)
		}
		if err := service.Shutdown(shutdownCtx); err != nil {
			slog.Warn("imports did not complete in time", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func openArtifacts(ctx context.Context, cfg *config.Config) (core.ArtifactStore, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "s3":
		client, err := artifact.NewS3Client(ctx, artifact.S3Options{
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("artifact storage", "backend", "s3", "bucket", cfg.Storage.Bucket, "prefix", cfg.Storage.Prefix)
		return artifact.NewS3Store(client, cfg.Storage.Bucket, cfg.Storage.Prefix), nil
	case "fs":
		store, err := artifact.NewFSStore(cfg.Session.ScratchDir)
		if err != nil {
			return nil, err
		}
		slog.Info("artifact storage", "backend", "fs", "dir", store.Dir())
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// openAdvisor returns nil for the "none" provider, which makes every upload
// fall back to the default mapping.
func openAdvisor(ctx context.Context, cfg config.AdvisorConfig) (core.Advisor, error) {
	switch strings.ToLower(cfg.Provider) {
	case "none":
		return nil, nil
	case "heuristic":
		return advisor.NewHeuristic(), nil
	case "gemini":
		g, err := advisor.NewGemini(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		slog.Info("mapping advisor", "provider", g.Name())
		return g, nil
	default:
		return nil, fmt.Errorf("unknown advisor provider %q", cfg.Provider)
	}
}
