// Package config loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/knoguchi/docrag/internal/auth"
	"github.com/knoguchi/docrag/internal/ingestion"
	"github.com/knoguchi/docrag/internal/retriever"
)

// Vector index backends.
const (
	VectorBackendQdrant = "qdrant"
	VectorBackendBolt   = "bolt"
)

// Reranker backends.
const (
	RerankerCrossEncoder = "cross-encoder"
	RerankerLLM          = "llm"
	RerankerLexical      = "lexical"
)

// HashEmbeddingModel selects the offline feature-hashing embedder.
const HashEmbeddingModel = "hash"

// Config holds all configuration for the document retrieval service
type Config struct {
	// Server
	GRPCPort    int    `env:"GRPC_PORT" envDefault:"9090"`
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// PostgreSQL. Empty keeps document metadata in memory.
	DatabaseURL string `env:"DATABASE_URL"`

	// Vector index
	VectorBackend string `env:"VECTOR_BACKEND" envDefault:"qdrant"`
	QdrantURL     string `env:"QDRANT_URL" envDefault:"localhost:6334"`
	QdrantAPIKey  string `env:"QDRANT_API_KEY"`
	BoltPath      string `env:"BOLT_PATH" envDefault:"./data/index.db"`

	// Ollama
	OllamaURL            string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaEmbeddingModel string `env:"OLLAMA_EMBEDDING_MODEL" envDefault:"nomic-embed-text"`
	OllamaLLMModel       string `env:"OLLAMA_LLM_MODEL" envDefault:"llama3.2"`

	// Reranking
	RerankerBackend string        `env:"RERANKER_BACKEND" envDefault:"cross-encoder"`
	RerankerURL     string        `env:"RERANKER_URL" envDefault:"http://localhost:8081"`
	RerankerModel   string        `env:"RERANKER_MODEL" envDefault:"BAAI/bge-reranker-v2-m3"`
	RerankerAPIKey  string        `env:"RERANKER_API_KEY"`
	RerankerTimeout time.Duration `env:"RERANKER_TIMEOUT" envDefault:"30s"`

	// Uploads
	UploadDir      string `env:"UPLOAD_DIR" envDefault:"./uploads"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"52428800"`

	// Ingestion queue
	IngestWorkers  int `env:"INGEST_WORKERS" envDefault:"2"`
	IngestCapacity int `env:"INGEST_QUEUE_CAPACITY" envDefault:"64"`

	// Auth
	JWTSecret string        `env:"JWT_SECRET" envDefault:"change-this-in-production"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" envDefault:"24h"`

	// Retrieval tuning. A profile file overrides these.
	RetrievalProfile string  `env:"RETRIEVAL_PROFILE"`
	ChunkSize        int     `env:"CHUNK_SIZE" envDefault:"1000"`
	ChunkOverlap     int     `env:"CHUNK_OVERLAP" envDefault:"200"`
	Candidates       int     `env:"RETRIEVAL_CANDIDATES" envDefault:"120"`
	MaxDistance      float64 `env:"RETRIEVAL_MAX_DISTANCE" envDefault:"1.2"`
	Alpha            float64 `env:"RETRIEVAL_ALPHA" envDefault:"0.7"`
	BM25K1           float64 `env:"BM25_K1" envDefault:"1.5"`
	BM25B            float64 `env:"BM25_B" envDefault:"0.75"`
	RerankTopK       int     `env:"RERANK_TOP_K" envDefault:"6"`
	RerankThreshold  float64 `env:"RERANK_THRESHOLD" envDefault:"0.3"`
}

// Load loads configuration from .env file (if present) and environment variables,
// then applies the retrieval profile if one is configured.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.RetrievalProfile != "" {
		profile, err := LoadProfile(cfg.RetrievalProfile)
		if err != nil {
			return nil, err
		}
		profile.Apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the service cannot start with.
func (c *Config) Validate() error {
	switch c.VectorBackend {
	case VectorBackendQdrant, VectorBackendBolt:
	default:
		return fmt.Errorf("unknown VECTOR_BACKEND %q", c.VectorBackend)
	}
	switch c.RerankerBackend {
	case RerankerCrossEncoder, RerankerLLM, RerankerLexical:
	default:
		return fmt.Errorf("unknown RERANKER_BACKEND %q", c.RerankerBackend)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if err := c.Chunker().Validate(); err != nil {
		return fmt.Errorf("invalid chunker settings: %w", err)
	}
	if err := c.Retriever().Validate(); err != nil {
		return fmt.Errorf("invalid retrieval settings: %w", err)
	}
	if c.RerankThreshold < 0 || c.RerankThreshold > 1 {
		return fmt.Errorf("RERANK_THRESHOLD must be within [0, 1], got %v", c.RerankThreshold)
	}
	return nil
}

// UseHashEmbedder reports whether the offline embedder is selected.
func (c *Config) UseHashEmbedder() bool {
	return c.OllamaEmbeddingModel == HashEmbeddingModel
}

// Chunker returns the chunker settings.
func (c *Config) Chunker() ingestion.ChunkerConfig {
	return ingestion.ChunkerConfig{Size: c.ChunkSize, Overlap: c.ChunkOverlap}
}

// Retriever returns the hybrid retriever settings.
func (c *Config) Retriever() retriever.Config {
	return retriever.Config{
		Candidates:  c.Candidates,
		MaxDistance: c.MaxDistance,
		Alpha:       c.Alpha,
		K1:          c.BM25K1,
		B:           c.BM25B,
	}
}

// JWT returns the token settings.
func (c *Config) JWT() *auth.JWTConfig {
	jwtCfg := auth.DefaultJWTConfig(c.JWTSecret)
	if c.JWTExpiry > 0 {
		jwtCfg.Expiry = c.JWTExpiry
	}
	return jwtCfg
}
