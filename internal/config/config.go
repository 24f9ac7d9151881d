package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port string

	// Book library
	LibraryFile string
	CacheDir    string

	// Auth
	APIKeysFile string

	// Ollama
	OllamaBaseURL   string
	OllamaModel     string
	OllamaKeepAlive string
	EmbeddingModel  string

	// Chunking defaults (per-book overrides live in the library file)
	ChunkSize    int
	ChunkOverlap int

	// Retrieval
	TopK    int
	MaxTopK int

	// Generation
	Temperature   float64
	TopP          float64
	MaxTokens     int
	ContextWindow int

	// Concurrency
	MaxConcurrentBuilds int
	MaxConcurrentEmbed  int

	// Requests
	QueryTimeout time.Duration

	// Observability
	StatsWindow time.Duration

	// PDF
	PDFFallbackPdftotext bool
}

func Load() Config {
	cfg := Config{
		Port: envOr("PORT", "8000"),

		LibraryFile: envOr("LIBRARY_FILE", "books.yaml"),
		CacheDir:    envOr("CACHE_DIR", ".cache"),

		APIKeysFile: envOr("API_KEYS_FILE", "api_keys.json"),

		OllamaBaseURL:   envOr("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:     envOr("OLLAMA_MODEL", "qwen2.5:3b"),
		OllamaKeepAlive: envOr("OLLAMA_KEEP_ALIVE", "30m"),
		EmbeddingModel:  envOr("EMBEDDING_MODEL", "nomic-embed-text"),

		ChunkSize:    envInt("CHUNK_SIZE", 1000),
		ChunkOverlap: envInt("CHUNK_OVERLAP", 200),

		TopK:    envInt("TOP_K", 3),
		MaxTopK: envInt("MAX_TOP_K", 10),

		Temperature:   envFloat("TEMPERATURE", 0.3),
		TopP:          envFloat("TOP_P", 0.9),
		MaxTokens:     envInt("MAX_TOKENS", 384),
		ContextWindow: envInt("CONTEXT_WINDOW", 2048),

		MaxConcurrentBuilds: envInt("MAX_CONCURRENT_BUILDS", 2),
		MaxConcurrentEmbed:  envInt("MAX_CONCURRENT_EMBED", 4),

		QueryTimeout: envDuration("QUERY_TIMEOUT", 2*time.Minute),

		StatsWindow: envDuration("STATS_WINDOW", 1*time.Hour),

		PDFFallbackPdftotext: envBool("PDF_FALLBACK_PDFTOTEXT", true),
	}

	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = 2
	}
	if cfg.MaxConcurrentEmbed <= 0 {
		cfg.MaxConcurrentEmbed = 4
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 10
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 2 * time.Minute
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 1 * time.Hour
	}

	return cfg
}

func (c Config) Validate() error {
	if c.LibraryFile == "" {
		return fmt.Errorf("LIBRARY_FILE is required")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("CACHE_DIR is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}
	if c.ChunkOverlap <= 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in (0, CHUNK_SIZE)")
	}
	if c.TopK > c.MaxTopK {
		return fmt.Errorf("TOP_K must not exceed MAX_TOP_K")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("TEMPERATURE must be in [0.0, 2.0]")
	}
	if c.ContextWindow <= 0 {
		return fmt.Errorf("CONTEXT_WINDOW must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
