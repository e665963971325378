// Package config provides configuration management for LTMC: environment
// variables (loaded via github.com/joho/godotenv from an optional .env
// file) override struct defaults, then Validate runs before the config is
// handed to the lifecycle root.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is LTMC's full runtime configuration, one field group per component.
type Config struct {
	DB         DBConfig
	Vector     VectorConfig
	Graph      GraphConfig
	Cache      CacheConfig
	Embedding  EmbeddingConfig
	Chunking   ChunkingConfig
	Retrieval  RetrievalConfig
	Breaker    BreakerConfig
	Auth       AuthConfig
	HTTP       HTTPConfig
	Logging    LoggingConfig
}

// DBConfig wires the relational store. Driver is "sqlite" (default) or
// "postgres", with postgres selectable via lib/pq as an alternate
// relational store driver.
type DBConfig struct {
	Driver string // DB_DRIVER: "sqlite" | "postgres"
	Path   string // DB_PATH: sqlite file path, or postgres DSN when Driver=="postgres"
}

// VectorConfig wires the vector index.
type VectorConfig struct {
	IndexPath  string // VECTOR_INDEX_PATH
	Dimensions int    // EMBEDDING_DIM
	Host       string // QDRANT_HOST
	Port       int    // QDRANT_PORT
	APIKey     string // QDRANT_API_KEY
	UseTLS     bool   // QDRANT_TLS
	Collection string
}

// GraphConfig wires the graph store (optional).
type GraphConfig struct {
	Enabled    bool   // GRAPH_ENABLED
	URI        string // GRAPH_URI (reused as the Qdrant host:port when the
	// graph adapter is backed by a second Qdrant collection, see storage/graph.go)
	User       string // GRAPH_USER
	Password   string // GRAPH_PASSWORD
	Collection string
}

// CacheConfig wires the cache (optional).
type CacheConfig struct {
	Enabled  bool   // CACHE_ENABLED
	Host     string // CACHE_HOST
	Port     int    // CACHE_PORT
	Password string // CACHE_PASSWORD
	DB       int
}

// EmbeddingConfig wires the embedding service.
type EmbeddingConfig struct {
	Provider string // EMBEDDING_PROVIDER: "local" (default) | "openai"
	APIKey   string // OPENAI_API_KEY
	Model    string // OPENAI_EMBEDDING_MODEL
}

// ChunkingConfig wires the chunker.
type ChunkingConfig struct {
	Size    int // CHUNK_SIZE (target T, default 512)
	Overlap int // CHUNK_OVERLAP (default 50)
}

// RetrievalConfig wires the hybrid retriever tunables, overridable per-request from the
// persisted RetrievalWeights row.
type RetrievalConfig struct {
	Alpha, Beta, Gamma, Delta, Epsilon float64
	Overfetch                          int           // OVERFETCH (default 4)
	RecencyTau                         time.Duration // RECENCY_TAU (default 7 days)
	ContextBudgetChars                 int           // default 4000
}

// BreakerConfig wires the sync coordinator's per-adapter circuit breakers.
type BreakerConfig struct {
	Failures int           // BREAKER_FAILS
	Cooldown time.Duration // BREAKER_COOLDOWN_S
}

// AuthConfig wires the optional bearer-token gate.
type AuthConfig struct {
	Enabled bool   // ENABLE_AUTH
	Token   string // API_TOKEN
}

// HTTPConfig wires the optional parallel HTTP surface.
type HTTPConfig struct {
	Enabled bool
	Addr    string
}

// LoggingConfig wires the ambient structured logger.
type LoggingConfig struct {
	Level string
	JSON  bool
}

// DefaultConfig returns LTMC's defaults before any environment override.
func DefaultConfig() *Config {
	return &Config{
		DB: DBConfig{
			Driver: "sqlite",
			Path:   "./data/ltmc.db",
		},
		Vector: VectorConfig{
			IndexPath:  "./data/vectors",
			Dimensions: 384,
			Host:       "localhost",
			Port:       6334,
			UseTLS:     false,
			Collection: "ltmc_chunks",
		},
		Graph: GraphConfig{
			Enabled:    false,
			URI:        "localhost:6334",
			Collection: "ltmc_relations",
		},
		Cache: CacheConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    6379,
			DB:      0,
		},
		Embedding: EmbeddingConfig{
			Provider: "local",
			Model:    "text-embedding-3-small",
		},
		Chunking: ChunkingConfig{
			Size:    512,
			Overlap: 50,
		},
		Retrieval: RetrievalConfig{
			Alpha: 0.6, Beta: 0.15, Gamma: 0.1, Delta: 0.1, Epsilon: 0.05,
			Overfetch:          4,
			RecencyTau:         7 * 24 * time.Hour,
			ContextBudgetChars: 4000,
		},
		Breaker: BreakerConfig{
			Failures: 5,
			Cooldown: 30 * time.Second,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Addr:    ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads an optional .env file, applies environment overrides over
// DefaultConfig, then validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	loadDBConfig(cfg)
	loadVectorConfig(cfg)
	loadGraphConfig(cfg)
	loadCacheConfig(cfg)
	loadEmbeddingConfig(cfg)
	loadChunkingConfig(cfg)
	loadRetrievalConfig(cfg)
	loadBreakerConfig(cfg)
	loadAuthConfig(cfg)
	loadHTTPConfig(cfg)
	loadLoggingConfig(cfg)
}

func loadDBConfig(cfg *Config) {
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DB.Path = v
	}
}

func loadVectorConfig(cfg *Config) {
	if v := os.Getenv("VECTOR_INDEX_PATH"); v != "" {
		cfg.Vector.IndexPath = v
	}
	if v := os.Getenv("EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Vector.Dimensions = n
		}
	}
	if v := os.Getenv("QDRANT_HOST"); v != "" {
		cfg.Vector.Host = v
	}
	if v := os.Getenv("QDRANT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Vector.Port = n
		}
	}
	if v := os.Getenv("QDRANT_API_KEY"); v != "" {
		cfg.Vector.APIKey = v
	}
	if v := os.Getenv("QDRANT_TLS"); v != "" {
		cfg.Vector.UseTLS = v == "true" || v == "1"
	}
}

func loadGraphConfig(cfg *Config) {
	if v := os.Getenv("GRAPH_ENABLED"); v != "" {
		cfg.Graph.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GRAPH_URI"); v != "" {
		cfg.Graph.URI = v
	}
	if v := os.Getenv("GRAPH_USER"); v != "" {
		cfg.Graph.User = v
	}
	if v := os.Getenv("GRAPH_PASSWORD"); v != "" {
		cfg.Graph.Password = v
	}
}

func loadCacheConfig(cfg *Config) {
	if v := os.Getenv("CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CACHE_HOST"); v != "" {
		cfg.Cache.Host = v
	}
	if v := os.Getenv("CACHE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Port = n
		}
	}
	if v := os.Getenv("CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
}

func loadEmbeddingConfig(cfg *Config) {
	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("OPENAI_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
}

func loadChunkingConfig(cfg *Config) {
	if v := os.Getenv("CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chunking.Size = n
		}
	}
	if v := os.Getenv("CHUNK_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chunking.Overlap = n
		}
	}
}

func loadRetrievalConfig(cfg *Config) {
	setFloat := func(env string, dst *float64) {
		if v := os.Getenv(env); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setFloat("RANK_ALPHA", &cfg.Retrieval.Alpha)
	setFloat("RANK_BETA", &cfg.Retrieval.Beta)
	setFloat("RANK_GAMMA", &cfg.Retrieval.Gamma)
	setFloat("RANK_DELTA", &cfg.Retrieval.Delta)
	setFloat("RANK_EPSILON", &cfg.Retrieval.Epsilon)
	if v := os.Getenv("OVERFETCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retrieval.Overfetch = n
		}
	}
	if v := os.Getenv("RECENCY_TAU"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Retrieval.RecencyTau = time.Duration(secs) * time.Second
		}
	}
}

func loadBreakerConfig(cfg *Config) {
	if v := os.Getenv("BREAKER_FAILS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.Failures = n
		}
	}
	if v := os.Getenv("BREAKER_COOLDOWN_S"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.Cooldown = time.Duration(secs) * time.Second
		}
	}
}

func loadAuthConfig(cfg *Config) {
	if v := os.Getenv("ENABLE_AUTH"); v != "" {
		cfg.Auth.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
}

func loadHTTPConfig(cfg *Config) {
	if v := os.Getenv("HTTP_ENABLED"); v != "" {
		cfg.HTTP.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
}

func loadLoggingConfig(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.Logging.JSON = v == "true" || v == "1"
	}
}

// Validate checks the configuration is internally consistent enough to
// start the lifecycle root. Startup aborts with a non-zero exit code
// on failure,.
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if c.Vector.Dimensions <= 0 {
		return errors.New("EMBEDDING_DIM must be positive")
	}
	if c.Auth.Enabled && c.Auth.Token == "" {
		return errors.New("ENABLE_AUTH=1 requires API_TOKEN")
	}
	if c.Breaker.Failures <= 0 {
		return errors.New("BREAKER_FAILS must be positive")
	}
	if c.Retrieval.Overfetch <= 0 {
		return errors.New("OVERFETCH must be positive")
	}
	return nil
}

// Schema describes every recognized option, grouped by the component it wires, so a caller can discover
// what LTMC reads from its environment without grepping the source.
func Schema() map[string][]string {
	return map[string][]string{
		"db":        {"DB_DRIVER", "DB_PATH"},
		"vector":    {"VECTOR_INDEX_PATH", "EMBEDDING_DIM", "QDRANT_HOST", "QDRANT_PORT", "QDRANT_API_KEY", "QDRANT_TLS"},
		"graph":     {"GRAPH_ENABLED", "GRAPH_URI", "GRAPH_USER", "GRAPH_PASSWORD"},
		"cache":     {"CACHE_ENABLED", "CACHE_HOST", "CACHE_PORT", "CACHE_PASSWORD"},
		"embedding": {"EMBEDDING_PROVIDER", "OPENAI_API_KEY", "OPENAI_EMBEDDING_MODEL"},
		"chunking":  {"CHUNK_SIZE", "CHUNK_OVERLAP"},
		"retrieval": {"RANK_ALPHA", "RANK_BETA", "RANK_GAMMA", "RANK_DELTA", "RANK_EPSILON", "OVERFETCH", "RECENCY_TAU"},
		"breaker":   {"BREAKER_FAILS", "BREAKER_COOLDOWN_S"},
		"auth":      {"ENABLE_AUTH", "API_TOKEN"},
		"http":      {"HTTP_ENABLED", "HTTP_ADDR"},
		"logging":   {"LOG_LEVEL", "LOG_JSON"},
	}
}

// ExportYAML serializes the live configuration to YAML, use of
// gopkg.in/yaml.v3 for its own config export path. Secrets (API tokens,
// passwords, API keys) are redacted rather than round-tripped, matching
// "never leak secrets" propagation policy.
func (c *Config) ExportYAML() ([]byte, error) {
	redacted := *c
	redacted.Auth.Token = redactIfSet(c.Auth.Token)
	redacted.Cache.Password = redactIfSet(c.Cache.Password)
	redacted.Graph.Password = redactIfSet(c.Graph.Password)
	redacted.Vector.APIKey = redactIfSet(c.Vector.APIKey)
	redacted.Embedding.APIKey = redactIfSet(c.Embedding.APIKey)
	return yaml.Marshal(&redacted)
}

func redactIfSet(s string) string {
	if s == "" {
		return ""
	}
	return "REDACTED"
}
