package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"braid/internal/api"
	"braid/internal/buildconfig"
	"braid/internal/config"
	"braid/internal/domain"
	"braid/internal/embedding"
	"braid/internal/engine"
	"braid/internal/llm"
	"braid/internal/semantic"
	"braid/internal/service"
	"braid/internal/store"
	"braid/internal/tools"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if err := config.Load(); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	var pool *pgxpool.Pool
	if config.PersistenceBackend() == "postgres" || config.SemanticBackend() == semantic.BackendPgvector {
		dbURL := config.DatabaseURL()
		if dbURL == "" {
			logger.Fatal("DATABASE_URL is required for the postgres backend")
		}
		var err error
		pool, err = pgxpool.New(ctx, dbURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping database", zap.Error(err))
		}
		logger.Info("connected to database")
	}

	cognition, err := llm.NewClient(
		config.LLMProvider(),
		config.OllamaBaseURL(),
		config.OllamaFallbackURL(),
		config.OllamaModel(),
		config.OllamaTimeout(),
	)
	if err != nil {
		logger.Fatal("cognition client initialization failed", zap.Error(err))
	}
	logger.Info("cognition client initialized", zap.String("provider", config.LLMProvider()))

	var embedder domain.EmbeddingClient
	if config.SemanticBackend() != semantic.BackendNone {
		embedder, err = embedding.NewClient(config.EmbeddingProvider(), config.OpenAIAPIKey())
		if err != nil {
			logger.Fatal("embedding client initialization failed", zap.Error(err))
		}
		logger.Info("embedding client initialized", zap.String("provider", config.EmbeddingProvider()))
	}

	registry := tools.NewDefaultRegistry(config.DocsSearchRoots())
	trust := service.NewTrustEngine(
		config.TrustPromoteThreshold(),
		config.TrustDecayHalfLife(),
		config.TrustProvenanceWeightsJSON(),
		logger,
	)
	params := engine.Params{
		EnableForking:        config.EnableForking(),
		ConfirmationRequired: config.ForkConfirmationRequired(),
		ForkTTLKnots:         config.ForkPendingTTLKnots(),
		ForkTTLSeconds:       config.ForkPendingTTLSeconds(),
		ForkConfidenceFloor:  config.ForkConfidenceFloor(),
		MaxRecentMessages:    config.MaxRecentMessages(),
		SemanticTopK:         config.SemanticTopK(),
		TraceMaxDeltas:       config.TraceMaxDeltas(),
	}

	factory := func(ctx context.Context, braidID string) (*engine.Engine, error) {
		eventStore, err := newEventStore(ctx, pool, braidID)
		if err != nil {
			return nil, err
		}
		index, err := newSemanticIndex(ctx, pool, braidID, embedder)
		if err != nil {
			return nil, err
		}
		return engine.New(engine.Config{
			Store:     eventStore,
			Cognition: cognition,
			Index:     index,
			Tools:     registry,
			Tests:     service.DefaultTurnTests(),
			Trust:     trust,
			Logger:    logger,
			Params:    params,
		}), nil
	}

	sessions := engine.NewRegistry(
		factory,
		config.EnableBackgroundWorkers(),
		config.DreamInterval(),
		config.MetacogInterval(),
		logger,
	)

	app := api.NewApp(sessions, pool, logger)

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:    addr,
		Handler: app.Router,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting",
			zap.String("addr", addr),
			zap.String("version", buildconfig.Version()),
			zap.String("commit", buildconfig.Commit()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	sessions.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newEventStore(ctx context.Context, pool *pgxpool.Pool, braidID string) (domain.EventStore, error) {
	switch config.PersistenceBackend() {
	case "memory":
		return store.NewMemoryEventStore(braidID), nil
	case "postgres":
		return store.NewPostgresEventStore(ctx, pool, braidID)
	default:
		return nil, fmt.Errorf("unknown persistence backend: %s (valid options: memory, postgres)", config.PersistenceBackend())
	}
}

func newSemanticIndex(ctx context.Context, pool *pgxpool.Pool, braidID string, embedder domain.EmbeddingClient) (domain.SemanticIndex, error) {
	switch config.SemanticBackend() {
	case semantic.BackendNone:
		return semantic.NoopIndex{}, nil
	case semantic.BackendQdrant:
		return semantic.NewQdrantIndex(ctx, config.QdrantURL(), braidID, embedder)
	case semantic.BackendPgvector:
		return semantic.NewPgvectorIndex(pool, braidID, embedder), nil
	default:
		return nil, fmt.Errorf("unknown semantic backend: %s (valid options: none, qdrant, pgvector)", config.SemanticBackend())
	}
}
