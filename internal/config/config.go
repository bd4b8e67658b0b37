package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all agent configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Cloud backend
	CloudAPIURL string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Local fallback store
	DataDir        string
	MemoryStore    bool // EDGE_MEMORY_STORE=true disables disk persistence (tests, demos)

	// Notifications
	NotificationFeedSize int

	// Incident search debounce
	SearchDebounce time.Duration

	// Observability
	OTLPEndpoint string
	TracingOff   bool
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		CloudAPIURL: getEnv("CLOUD_API_URL", "https://api.autocontrolpro.com"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 2),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 20),

		DataDir:     getEnv("DATA_DIR", "./data"),
		MemoryStore: getEnv("EDGE_MEMORY_STORE", "false") == "true",

		NotificationFeedSize: getEnvInt("NOTIFICATION_FEED_SIZE", 100),

		SearchDebounce: getEnvDuration("SEARCH_DEBOUNCE", 300*time.Millisecond),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TracingOff:   getEnv("TRACING_OFF", "false") == "true",
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
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
