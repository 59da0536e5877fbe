package config

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"corpusd"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"corpusd"`

	// VectorBackend selects where chunk vectors live: "chromem" keeps an
	// in-process persistent index, "pgvector" stores them next to the chunk
	// rows. Changing it requires a restart and a full reindex.
	VectorBackend string `envconfig:"VECTOR_BACKEND" default:"chromem"`
	IndexPath     string `envconfig:"INDEX_PATH" default:"data/index"`

	// EmbeddingProvider is "local" (fastembed) or "gemini".
	EmbeddingProvider  string `envconfig:"EMBEDDING_PROVIDER" default:"local"`
	EmbeddingModel     string `envconfig:"EMBEDDING_MODEL" default:"BAAI/bge-small-en-v1.5"`
	EmbeddingCacheDir  string `envconfig:"EMBEDDING_CACHE_DIR" default:"data/models"`
	EmbedRetryAttempts int    `envconfig:"EMBED_RETRY_ATTEMPTS" default:"3"`
	EmbedTimeoutSecs   int    `envconfig:"EMBED_TIMEOUT_SECONDS" default:"30"`
	GeminiAPIKey       string `envconfig:"GEMINI_API_KEY"`

	// Reranker: "none", "jina" or "cohere".
	RerankProvider string `envconfig:"RERANK_PROVIDER" default:"none"`
	RerankAPIKey   string `envconfig:"RERANK_API_KEY"`
	RerankTopN     int    `envconfig:"RERANK_TOP_N" default:"20"`

	ChunkMaxTokens      int     `envconfig:"CHUNK_MAX_TOKENS" default:"256"`
	HybridVectorWeight  float64 `envconfig:"HYBRID_VECTOR_WEIGHT" default:"0.7"`
	HybridLexicalWeight float64 `envconfig:"HYBRID_LEXICAL_WEIGHT" default:"0.3"`
	OversampleFactor    int     `envconfig:"OVERSAMPLE_FACTOR" default:"3"`

	IngestWorkers   int    `envconfig:"INGEST_WORKERS" default:"4"`
	IngestQueueSize int    `envconfig:"INGEST_QUEUE_SIZE" default:"64"`
	ExtractorURL    string `envconfig:"EXTRACTOR_URL" default:"http://extractor:8000"`
	MigrationPath   string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Server
	ServerPort      int   `envconfig:"SERVER_PORT" default:"8081"`
	MaxUploadSizeMB int64 `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may be set in the shell, so a missing .env is fine.
	_ = godotenv.Load(".env")

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	switch c.VectorBackend {
	case "chromem", "pgvector":
	default:
		return fmt.Errorf("unknown VECTOR_BACKEND %q", c.VectorBackend)
	}
	switch c.EmbeddingProvider {
	case "local":
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}
	switch c.RerankProvider {
	case "none", "jina", "cohere":
	default:
		return fmt.Errorf("unknown RERANK_PROVIDER %q", c.RerankProvider)
	}
	if c.HybridVectorWeight < 0 || c.HybridLexicalWeight < 0 {
		return errors.New("hybrid weights must be non-negative")
	}
	return nil
}

// DSN renders the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}
