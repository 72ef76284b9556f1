package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/knoguchi/docrag/internal/auth"
	"github.com/knoguchi/docrag/internal/config"
	"github.com/knoguchi/docrag/internal/embedder"
	"github.com/knoguchi/docrag/internal/extractor"
	"github.com/knoguchi/docrag/internal/ingestion"
	"github.com/knoguchi/docrag/internal/llm"
	"github.com/knoguchi/docrag/internal/repository"
	"github.com/knoguchi/docrag/internal/repository/memory"
	"github.com/knoguchi/docrag/internal/repository/postgres"
	"github.com/knoguchi/docrag/internal/reranker"
	"github.com/knoguchi/docrag/internal/retriever"
	"github.com/knoguchi/docrag/internal/server"
	"github.com/knoguchi/docrag/internal/service"
	"github.com/knoguchi/docrag/internal/vectorstore"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting document retrieval service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"vector_backend", cfg.VectorBackend,
		"reranker", cfg.RerankerBackend,
	)

	// Document metadata
	var documentRepo repository.DocumentRepository
	if cfg.DatabaseURL != "" {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		documentRepo = postgres.NewDocumentRepo(db)
		slog.Info("connected to PostgreSQL")
	} else {
		documentRepo = memory.NewDocumentRepo()
		slog.Warn("DATABASE_URL not set, document metadata is kept in memory")
	}

	// Vector index
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Embedder
	var embed embedder.Embedder
	if cfg.UseHashEmbedder() {
		embed = embedder.NewHashEmbedder(0)
		slog.Warn("using offline hash embedder")
	} else {
		embed = embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaEmbeddingModel,
		})
		slog.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel)
	}
	index := vectorstore.NewTenantIndex(store, embed, slog.Default())

	// Ollama LLM
	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)
	slog.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel)

	rr := newReranker(cfg, llmClient)
	slog.Info("initialized reranker", "scorer", rr.ScorerName())

	// Ingestion
	registry := extractor.NewRegistry()
	pipeline := ingestion.NewPipeline(documentRepo, registry, ingestion.NewChunker(cfg.Chunker()), embed, index, slog.Default())
	queue := ingestion.NewQueue(pipeline, ingestion.QueueConfig{
		Workers:  cfg.IngestWorkers,
		Capacity: cfg.IngestCapacity,
	}, slog.Default())
	queue.Start(ctx)

	// Services
	documentSvc := service.NewDocumentService(documentRepo, index, queue, registry, service.DocumentConfig{
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, slog.Default())
	retrievalSvc := service.NewRetrievalService(documentRepo,
		retriever.NewHybridRetriever(index, cfg.Retriever(), slog.Default()),
		rr, index, llmClient,
		service.RetrievalConfig{
			TopK:      cfg.RerankTopK,
			Threshold: cfg.RerankThreshold,
			Model:     cfg.OllamaLLMModel,
		}, slog.Default())

	jwtManager := auth.NewJWTManager(cfg.JWT())

	// Create gRPC server
	grpcServer, err := server.NewGRPCServer(server.GRPCServerConfig{
		Port:      cfg.GRPCPort,
		Logger:    slog.Default(),
		Auth:      jwtManager,
		Retrieval: server.NewRetrievalHandler(retrievalSvc),
	})
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	// Create HTTP server
	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
		MaxUploadBytes: cfg.MaxUploadBytes,
		Documents:      documentSvc,
		Retrieval:      retrievalSvc,
		Auth:           jwtManager,
		Ready: map[string]server.Pinger{
			"database":     documentRepo,
			"vector_index": index,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	// Start servers
	errCh := make(chan error, 2)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-errCh:
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown: stop accepting requests, then drain the ingestion queue
	slog.Info("shutting down servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to drain ingestion queue", "error", err)
	}

	slog.Info("servers stopped")
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config) (vectorstore.Store, error) {
	switch cfg.VectorBackend {
	case config.VectorBackendBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.BoltPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		store, err := vectorstore.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt index: %w", err)
		}
		slog.Info("opened bolt index", "path", cfg.BoltPath)
		return store, nil
	default:
		store, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantURL, cfg.QdrantAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		slog.Info("connected to Qdrant", "url", cfg.QdrantURL)
		return store, nil
	}
}

func newReranker(cfg *config.Config, llmClient llm.LLM) *reranker.Reranker {
	logger := reranker.WithLogger(slog.Default())
	switch cfg.RerankerBackend {
	case config.RerankerLLM:
		// A local model serves one generation at a time
		return reranker.New(reranker.NewLLMScorer(llmClient, reranker.WithModel(cfg.OllamaLLMModel)), reranker.Serialized(), logger)
	case config.RerankerLexical:
		return reranker.New(reranker.NewLexicalScorer(), logger)
	default:
		return reranker.New(reranker.NewHTTPCrossEncoder(reranker.CrossEncoderConfig{
			BaseURL: cfg.RerankerURL,
			Model:   cfg.RerankerModel,
			APIKey:  cfg.RerankerAPIKey,
			Timeout: cfg.RerankerTimeout,
		}), logger)
	}
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.DocumentRepository = (*postgres.DocumentRepo)(nil)
	_ repository.DocumentRepository = (*memory.DocumentRepo)(nil)
	_ vectorstore.Store             = (*vectorstore.QdrantStore)(nil)
	_ vectorstore.Store             = (*vectorstore.BoltStore)(nil)
	_ embedder.Embedder             = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                       = (*llm.OllamaClient)(nil)
)
