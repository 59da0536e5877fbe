package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"corpusd/internal/config"
	"corpusd/internal/embed"
	"corpusd/internal/index"
	"corpusd/internal/settings"
)

// Dependencies holds everything with a connection or file handle behind it.
// The caller owns the lifecycle and closes them on shutdown.
type Dependencies struct {
	DB       *sql.DB
	Settings *settings.Service

	// Effective is the stored runtime configuration after first-boot
	// seeding; it decides the provider and backend below.
	Effective *settings.Settings

	Provider embed.Provider
	Index    index.Index

	// TxWriter is non-nil for the pgvector backend only.
	TxWriter *index.Pgvector
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.PingContext(ctx); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1)
		time.Sleep(retryDelay)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("migration up error: %w", err)
	}

	settingsService := settings.NewService(settings.NewPostgresRepo(db))
	effective, err := settingsService.EnsureDefaults(ctx, defaultsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("settings bootstrap error: %w", err)
	}

	provider, err := buildProvider(ctx, cfg, effective.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedding provider error: %w", err)
	}

	deps := &Dependencies{
		DB:        db,
		Settings:  settingsService,
		Effective: effective,
		Provider:  provider,
	}

	switch effective.Vector.Backend {
	case "pgvector":
		pg := index.NewPgvector(db, provider.Dimension())
		if err := pg.EnsureIndex(ctx); err != nil {
			return nil, fmt.Errorf("vector index error: %w", err)
		}
		deps.Index = pg
		deps.TxWriter = pg
	default:
		idx, err := index.NewChromem(effective.Vector.IndexPath, provider.Dimension())
		if err != nil {
			return nil, fmt.Errorf("vector index error: %w", err)
		}
		deps.Index = idx
	}

	slog.Info("bootstrap complete",
		"backend", effective.Vector.Backend,
		"provider", effective.Embedding.Provider,
		"model", effective.Embedding.Model,
		"dimension", provider.Dimension())
	return deps, nil
}

// defaultsFromConfig maps the environment to first-boot runtime settings.
// After the first boot the stored row wins.
func defaultsFromConfig(cfg *config.Config) settings.Settings {
	return settings.Settings{
		Vector: settings.VectorSettings{
			Backend:   cfg.VectorBackend,
			IndexPath: cfg.IndexPath,
		},
		Embedding: settings.EmbeddingSettings{
			Provider:       cfg.EmbeddingProvider,
			Model:          cfg.EmbeddingModel,
			ChunkMaxTokens: cfg.ChunkMaxTokens,
		},
		Search: settings.SearchSettings{
			VectorWeight:     cfg.HybridVectorWeight,
			LexicalWeight:    cfg.HybridLexicalWeight,
			OversampleFactor: cfg.OversampleFactor,
			RerankEnabled:    cfg.RerankProvider != "none",
			RerankTopN:       cfg.RerankTopN,
		},
	}
}

func buildProvider(ctx context.Context, cfg *config.Config, es settings.EmbeddingSettings) (embed.Provider, error) {
	switch es.Provider {
	case "gemini":
		return embed.NewGemini(ctx, cfg.GeminiAPIKey, es.Model,
			cfg.EmbedRetryAttempts, time.Duration(cfg.EmbedTimeoutSecs)*time.Second)
	default:
		return embed.NewLocal(es.Model, cfg.EmbeddingCacheDir)
	}
}

func (d *Dependencies) Close() {
	if d.Index != nil {
		if err := d.Index.Close(); err != nil {
			slog.Error("failed to close vector index", "error", err)
		}
	}
	if d.Provider != nil {
		if err := d.Provider.Close(); err != nil {
			slog.Error("failed to close embedding provider", "error", err)
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Error("failed to close db", "error", err)
		}
	}
}
