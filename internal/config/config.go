package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Local replica
	DBPath string

	// Remote replica (PostgREST backend)
	ReplicaURL        string
	ReplicaAnonKey    string
	ReplicaServiceKey string
	UseReplica        bool

	// Reward verification backend
	RewardVerifyURL string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Sync
	SyncCooldown time.Duration
	SyncTimeout  time.Duration

	// Ledger policy
	StartingGrant float64

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// JWT (validation only; issuance lives in the auth backend)
	JWTSecret string

	// Dev mode mounts /v1/dev routes
	DevMode bool
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBPath: getEnv("DB_PATH", "./data/ledger.db"),

		ReplicaURL:        getEnv("REPLICA_URL", ""),
		ReplicaAnonKey:    getEnv("REPLICA_ANON_KEY", ""),
		ReplicaServiceKey: getEnv("REPLICA_SERVICE_ROLE_KEY", ""),
		UseReplica:        getEnv("USE_REPLICA", "true") == "true",

		RewardVerifyURL: getEnv("REWARD_VERIFY_URL", "http://localhost:8090"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		SyncCooldown: getEnvDuration("SYNC_COOLDOWN", 30*time.Second),
		SyncTimeout:  getEnvDuration("SYNC_TIMEOUT", 15*time.Second),

		StartingGrant: getEnvFloat("STARTING_GRANT", 50),

		CacheTTL: getEnvDuration("CACHE_TTL", 15*time.Second),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		DevMode: getEnv("DEV_MODE", "false") == "true",
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
