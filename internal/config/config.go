// Package config loads server configuration from an optional YAML file and
// PIKO_-prefixed environment variables. Environment always wins so a
// deployment can override a checked-in file without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the server.
type Config struct {
	// Host and Port bind the HTTP/WebSocket listener.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// APIKey is the shared device key required on auth and the REST surface.
	APIKey string `yaml:"api_key"`

	// StorageEngine selects the backend: "sqlite" or "postgres".
	StorageEngine string `yaml:"storage_engine"`
	SQLitePath    string `yaml:"sqlite_path"`
	PostgresDSN   string `yaml:"postgres_dsn"`

	// EmbeddingDim is the face embedding length.
	EmbeddingDim int `yaml:"embedding_dim"`

	// MatchThreshold is the minimum cosine similarity for identification.
	MatchThreshold float64 `yaml:"match_threshold"`

	// CompactionThreshold and CompactionRetain tune history compaction.
	CompactionThreshold int `yaml:"compaction_threshold"`
	CompactionRetain    int `yaml:"compaction_retain"`

	// MemoryTopK is how many memories join the system prompt per turn.
	MemoryTopK int `yaml:"memory_top_k"`

	// MemorySweepInterval controls the optional expired-memory sweep.
	// Zero disables it.
	MemorySweepInterval time.Duration `yaml:"memory_sweep_interval"`

	// IdleTimeout is the quiet period before an idle_timeout signal.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// Model service settings.
	ModelAPIKey  string        `yaml:"model_api_key"`
	ModelBaseURL string        `yaml:"model_base_url"`
	ModelName    string        `yaml:"model_name"`
	ModelTimeout time.Duration `yaml:"model_timeout"`

	// PersonaPath optionally points at a hot-reloaded system prompt file.
	PersonaPath string `yaml:"persona_path"`

	// RateLimitRPS and RateLimitBurst bound REST requests per client IP.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                8080,
		StorageEngine:       "sqlite",
		SQLitePath:          "piko.db",
		EmbeddingDim:        128,
		MatchThreshold:      0.85,
		CompactionThreshold: 20,
		CompactionRetain:    5,
		MemoryTopK:          10,
		MemorySweepInterval: time.Hour,
		IdleTimeout:         60 * time.Second,
		ModelName:           "gpt-4o-mini",
		ModelTimeout:        30 * time.Second,
		RateLimitRPS:        10,
		RateLimitBurst:      20,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.Host = getEnv("PIKO_HOST", cfg.Host)
	cfg.Port = getEnvInt("PIKO_PORT", cfg.Port)
	cfg.APIKey = getEnv("PIKO_API_KEY", cfg.APIKey)
	cfg.StorageEngine = getEnv("PIKO_STORAGE_ENGINE", cfg.StorageEngine)
	cfg.SQLitePath = getEnv("PIKO_SQLITE_PATH", cfg.SQLitePath)
	cfg.PostgresDSN = getEnv("PIKO_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.EmbeddingDim = getEnvInt("PIKO_EMBEDDING_DIM", cfg.EmbeddingDim)
	cfg.MatchThreshold = getEnvFloat("PIKO_MATCH_THRESHOLD", cfg.MatchThreshold)
	cfg.CompactionThreshold = getEnvInt("PIKO_COMPACTION_THRESHOLD", cfg.CompactionThreshold)
	cfg.CompactionRetain = getEnvInt("PIKO_COMPACTION_RETAIN", cfg.CompactionRetain)
	cfg.MemoryTopK = getEnvInt("PIKO_MEMORY_TOP_K", cfg.MemoryTopK)
	cfg.MemorySweepInterval = getEnvDuration("PIKO_MEMORY_SWEEP_INTERVAL", cfg.MemorySweepInterval)
	cfg.IdleTimeout = getEnvDuration("PIKO_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ModelAPIKey = getEnv("PIKO_MODEL_API_KEY", cfg.ModelAPIKey)
	cfg.ModelBaseURL = getEnv("PIKO_MODEL_BASE_URL", cfg.ModelBaseURL)
	cfg.ModelName = getEnv("PIKO_MODEL_NAME", cfg.ModelName)
	cfg.ModelTimeout = getEnvDuration("PIKO_MODEL_TIMEOUT", cfg.ModelTimeout)
	cfg.PersonaPath = getEnv("PIKO_PERSONA_PATH", cfg.PersonaPath)
	cfg.RateLimitRPS = getEnvFloat("PIKO_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getEnvInt("PIKO_RATE_LIMIT_BURST", cfg.RateLimitBurst)

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("config: PIKO_API_KEY is required")
	}
	switch c.StorageEngine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.StorageEngine)
	}
	if c.StorageEngine == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("config: PIKO_POSTGRES_DSN is required for the postgres engine")
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("config: match threshold %v out of range (0, 1]", c.MatchThreshold)
	}
	if c.CompactionRetain >= c.CompactionThreshold {
		return fmt.Errorf("config: compaction retain %d must be below threshold %d",
			c.CompactionRetain, c.CompactionThreshold)
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
