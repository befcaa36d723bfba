package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Store    StoreConfig
	Worker   WorkerConfig
	Render   RenderConfig
	Match    MatchConfig
	Services ServicesConfig
}

// StoreConfig holds persistent-store configuration
type StoreConfig struct {
	Path        string
	BusyTimeout time.Duration
	CacheKB     int
}

// WorkerConfig holds stage-worker configuration
type WorkerConfig struct {
	BatchSize     int
	PauseInterval time.Duration
	BatchInterval time.Duration
}

// RenderConfig holds PDF rasterizer configuration
type RenderConfig struct {
	DPI      int
	MaxPages int
}

// MatchConfig holds default matcher thresholds
type MatchConfig struct {
	PositiveThreshold float64
	NegativeThreshold float64
	VoidCheckTopN     int
}

// ServicesConfig holds endpoints for the model collaborators. Both run
// as separate processes; the pipeline only talks JSON over HTTP.
type ServicesConfig struct {
	EmbedURL   string
	ExtractURL string
	Timeout    time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:        getEnv("STORE_PATH", "batch_tasks.db"),
			BusyTimeout: getEnvAsDuration("STORE_BUSY_TIMEOUT", 30*time.Second),
			CacheKB:     getEnvAsInt("STORE_CACHE_KB", 64000),
		},
		Worker: WorkerConfig{
			BatchSize:     getEnvAsInt("WORKER_BATCH_SIZE", 5),
			PauseInterval: getEnvAsDuration("WORKER_PAUSE_INTERVAL", time.Second),
			BatchInterval: getEnvAsDuration("WORKER_BATCH_INTERVAL", 100*time.Millisecond),
		},
		Render: RenderConfig{
			DPI:      getEnvAsInt("RENDER_DPI", 200),
			MaxPages: getEnvAsInt("RENDER_MAX_PAGES", 0),
		},
		Match: MatchConfig{
			PositiveThreshold: getEnvAsFloat("MATCH_POSITIVE_THRESHOLD", 0.25),
			NegativeThreshold: getEnvAsFloat("MATCH_NEGATIVE_THRESHOLD", 0.30),
			VoidCheckTopN:     getEnvAsInt("MATCH_VOID_CHECK_TOP_N", 5),
		},
		Services: ServicesConfig{
			EmbedURL:   getEnv("EMBED_SERVICE_URL", "http://localhost:8081"),
			ExtractURL: getEnv("EXTRACT_SERVICE_URL", "http://localhost:8082"),
			Timeout:    getEnvAsDuration("SERVICE_TIMEOUT", 10*time.Minute),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return NewAppError("CONFIG_ERROR", "STORE_PATH is required", ErrValidation)
	}
	if c.Worker.BatchSize <= 0 {
		return NewAppError("CONFIG_ERROR", "WORKER_BATCH_SIZE must be positive", ErrValidation)
	}
	if c.Render.DPI <= 0 {
		return NewAppError("CONFIG_ERROR", "RENDER_DPI must be positive", ErrValidation)
	}
	if c.Services.EmbedURL == "" {
		return NewAppError("CONFIG_ERROR", "EMBED_SERVICE_URL is required", ErrValidation)
	}
	return nil
}
