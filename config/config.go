package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigError marks a config value that would make a run misbehave. It is
// surfaced before any run starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

type Config struct {
	DB         DBConfig         `yaml:"db"`
	Vector     VectorConfig     `yaml:"vector"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Ingest     IngestConfig     `yaml:"ingest"`
}

type DBConfig struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type VectorConfig struct {
	// Backend is qdrant or weaviate.
	Backend string `yaml:"backend"`
	// Host and Port address qdrant's gRPC endpoint.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// URL addresses weaviate, e.g. http://localhost:8080.
	URL string `yaml:"url"`
	// Dimension must match the embedding model's output width.
	Dimension int `yaml:"dimension"`
}

type EmbeddingConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type ChunkingConfig struct {
	// Strategy is token or recursive.
	Strategy string `yaml:"strategy"`
	Size     int    `yaml:"size"`
	Overlap  int    `yaml:"overlap"`
	// TokenizerPath points at a HuggingFace tokenizer.json; empty selects
	// the built-in cl100k_base encoding.
	TokenizerPath string `yaml:"tokenizer_path"`
}

type ExtractionConfig struct {
	// Worker is the argv of the extraction worker binary.
	Worker         []string `yaml:"worker"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Mode           string   `yaml:"mode"`
}

func (c ExtractionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type IngestConfig struct {
	Workers              int  `yaml:"workers"`
	RetryFailed          bool `yaml:"retry_failed"`
	EmbedBatchSize       int  `yaml:"embed_batch_size"`
	MaxRetries           int  `yaml:"max_retries"`
	BaseDelayMS          int  `yaml:"base_delay_ms"`
	ShutdownGraceSeconds int  `yaml:"shutdown_grace_seconds"`
}

func (c IngestConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

func (c IngestConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func Default() *Config {
	return &Config{
		DB: DBConfig{
			Driver: "sqlite",
			DSN:    "vellum.db",
		},
		Vector: VectorConfig{
			Backend:   "qdrant",
			Host:      "localhost",
			Port:      6334,
			URL:       "http://localhost:8080",
			Dimension: 1024,
		},
		Embedding: EmbeddingConfig{
			URL:            "http://localhost:8081",
			TimeoutSeconds: 30,
		},
		Chunking: ChunkingConfig{
			Strategy: "token",
			Size:     1024,
			Overlap:  20,
		},
		Extraction: ExtractionConfig{
			Worker:         []string{"vellum-extract"},
			TimeoutSeconds: 60,
		},
		Ingest: IngestConfig{
			Workers:              4,
			EmbedBatchSize:       32,
			MaxRetries:           3,
			BaseDelayMS:          100,
			ShutdownGraceSeconds: 30,
		},
	}
}

// Load reads a YAML config file over the defaults, so a partial file only
// overrides what it names. An empty path returns the defaults. The result
// is always validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return &ConfigError{Field: "db.driver", Reason: fmt.Sprintf("unsupported driver %q", c.DB.Driver)}
	}
	if c.DB.DSN == "" {
		return &ConfigError{Field: "db.dsn", Reason: "must not be empty"}
	}

	switch c.Vector.Backend {
	case "qdrant":
		if c.Vector.Host == "" {
			return &ConfigError{Field: "vector.host", Reason: "required for the qdrant backend"}
		}
		if c.Vector.Port <= 0 {
			return &ConfigError{Field: "vector.port", Reason: "required for the qdrant backend"}
		}
	case "weaviate":
		if c.Vector.URL == "" {
			return &ConfigError{Field: "vector.url", Reason: "required for the weaviate backend"}
		}
	default:
		return &ConfigError{Field: "vector.backend", Reason: fmt.Sprintf("unsupported backend %q", c.Vector.Backend)}
	}
	if c.Vector.Dimension <= 0 {
		return &ConfigError{Field: "vector.dimension", Reason: "must be positive"}
	}

	if c.Embedding.URL == "" {
		return &ConfigError{Field: "embedding.url", Reason: "must not be empty"}
	}
	if c.Embedding.TimeoutSeconds < 0 {
		return &ConfigError{Field: "embedding.timeout_seconds", Reason: "must not be negative"}
	}

	switch c.Chunking.Strategy {
	case "token", "recursive":
	default:
		return &ConfigError{Field: "chunking.strategy", Reason: fmt.Sprintf("unsupported strategy %q", c.Chunking.Strategy)}
	}
	if c.Chunking.Size <= 0 {
		return &ConfigError{Field: "chunking.size", Reason: "must be positive"}
	}
	if c.Chunking.Overlap < 0 {
		return &ConfigError{Field: "chunking.overlap", Reason: "must not be negative"}
	}
	if c.Chunking.Overlap >= c.Chunking.Size {
		return &ConfigError{Field: "chunking.overlap", Reason: "must be smaller than chunking.size"}
	}

	if len(c.Extraction.Worker) == 0 {
		return &ConfigError{Field: "extraction.worker", Reason: "must name the worker binary"}
	}
	if c.Extraction.TimeoutSeconds <= 0 {
		return &ConfigError{Field: "extraction.timeout_seconds", Reason: "must be positive"}
	}

	if c.Ingest.Workers <= 0 {
		return &ConfigError{Field: "ingest.workers", Reason: "must be positive"}
	}
	if c.Ingest.EmbedBatchSize <= 0 {
		return &ConfigError{Field: "ingest.embed_batch_size", Reason: "must be positive"}
	}
	if c.Ingest.MaxRetries < 0 {
		return &ConfigError{Field: "ingest.max_retries", Reason: "must not be negative"}
	}
	return nil
}
