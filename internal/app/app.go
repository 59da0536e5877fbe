package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"corpusd/features/document"
	ingestfeature "corpusd/features/ingest"
	"corpusd/features/job"
	"corpusd/features/search"
	"corpusd/features/stats"
	"corpusd/internal/config"
	"corpusd/internal/extract"
	"corpusd/internal/ingest"
	"corpusd/internal/middleware"
	"corpusd/internal/rerank"
	"corpusd/internal/retrieval"
	"corpusd/internal/settings"
)

type App struct {
	Handler     http.Handler
	Coordinator *ingest.Coordinator

	port int
}

func New(cfg *config.Config, deps *Dependencies) (*App, error) {
	db := deps.DB
	effective := deps.Effective

	// Feature: Document
	docRepo := document.NewPostgresRepo(db)
	docService := document.NewService(docRepo, deps.Index)
	docHandler := document.NewHandler(docService)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobHandler := job.NewHandler(jobRepo)

	// Ingestion pipeline
	extractor := extract.NewHTTPExtractor(cfg.ExtractorURL)
	var txWriter ingest.TxVectorWriter
	if deps.TxWriter != nil {
		txWriter = deps.TxWriter
	}
	coordinator := ingest.NewCoordinator(
		deps.Provider, deps.Index, txWriter, docRepo, jobRepo, extractor,
		effective.Embedding.ChunkMaxTokens, cfg.IngestWorkers, cfg.IngestQueueSize)

	// Metrics shared between the ingest and search surfaces.
	metrics := stats.NewMetrics()

	ingestHandler := ingestfeature.NewHandler(coordinator, metrics, cfg.MaxUploadSizeMB<<20)

	// Retrieval pipeline
	rerankClient := rerank.NewClient(cfg.RerankProvider, cfg.RerankAPIKey)
	retrievalService := retrieval.NewService(
		deps.Provider, deps.Index, docRepo, rerankClient,
		retrieval.Weights{Vector: effective.Search.VectorWeight, Lexical: effective.Search.LexicalWeight},
		effective.Search.OversampleFactor, effective.Search.RerankTopN)

	searchHandler := search.NewHandler(retrievalService, metrics)
	searchHandler.ApplySettings(effective.Search)

	// Live search settings flow straight into the running pipeline.
	deps.Settings.OnSearchChange(func(ss settings.SearchSettings) {
		retrievalService.SetTuning(
			retrieval.Weights{Vector: ss.VectorWeight, Lexical: ss.LexicalWeight},
			ss.OversampleFactor, ss.RerankTopN)
		searchHandler.ApplySettings(ss)
	})

	settingsHandler := settings.NewHandler(deps.Settings, nil)

	// Feature: Stats
	statsHandler := stats.NewHandler(docRepo, jobRepo, deps.Index, metrics, stats.Info{
		Backend:   effective.Vector.Backend,
		Provider:  effective.Embedding.Provider,
		Model:     effective.Embedding.Model,
		StartedAt: time.Now(),
	})

	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	mux := http.NewServeMux()

	mux.Handle("POST /ingest", middleware.CorrelationID(enableCORS(ingestHandler.Ingest)))
	mux.Handle("POST /search", middleware.CorrelationID(enableCORS(searchHandler.Search)))

	mux.Handle("GET /documents/{doc_id}", middleware.CorrelationID(enableCORS(docHandler.Get)))
	mux.Handle("DELETE /documents/{doc_id}", middleware.CorrelationID(enableCORS(docHandler.Delete)))

	mux.Handle("GET /jobs/{doc_id}", middleware.CorrelationID(enableCORS(jobHandler.Get)))

	mux.Handle("GET /config", middleware.CorrelationID(enableCORS(settingsHandler.Get)))
	mux.Handle("PUT /config", middleware.CorrelationID(enableCORS(settingsHandler.Update)))
	mux.Handle("POST /config/validate-db", middleware.CorrelationID(enableCORS(settingsHandler.ValidateDB)))

	mux.Handle("GET /status", middleware.CorrelationID(enableCORS(statsHandler.Status)))
	mux.Handle("GET /metrics", middleware.CorrelationID(enableCORS(statsHandler.Metrics)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:     mux,
		Coordinator: coordinator,
		port:        cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
