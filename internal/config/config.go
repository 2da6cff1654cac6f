// Package config provides configuration loading for the flowdeck service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the flowdeck orchestration core.
type Config struct {
	// Server configuration (webhook intake surface)
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// APIURL is the externally reachable base URL handed to sandboxed
	// engine code so it can call back into the platform.
	APIURL string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Store backends: "memory" or "redis"
	StoreType string

	// Sandbox pool
	SandboxCount    int
	SandboxRoot     string
	SandboxTimeout  time.Duration
	SandboxIsolator string // command prefix for OS-level isolation, e.g. "firejail"

	// Engine invocation
	EngineCommand string // interpreter for the engine bundle, e.g. "node"
	EngineBundle  string // path of the engine runtime bundle staged into sandboxes

	// Worker
	WorkerConcurrency int

	// Token issuance
	TokenSecret string
	TokenTTL    time.Duration

	// Artifact/file store: "memory" or "s3"
	FileStoreType string
	S3Endpoint    string
	S3Bucket      string
	S3Region      string
	S3AccessKey   string
	S3SecretKey   string
	S3UseSSL      bool

	// Rate limiting on the webhook surface
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string
	TraceSample    float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),
		APIURL:        getEnv("API_URL", "http://localhost:7080"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Stores
		StoreType: getEnv("FLOWDECK_STORE", "memory"),

		// Sandbox
		SandboxCount:    getInt("SANDBOX_COUNT", 100),
		SandboxRoot:     getEnv("SANDBOX_ROOT", os.TempDir()+"/flowdeck-sandboxes"),
		SandboxTimeout:  getDuration("SANDBOX_TIMEOUT", 600*time.Second),
		SandboxIsolator: getEnv("SANDBOX_ISOLATOR", ""),

		// Engine
		EngineCommand: getEnv("ENGINE_COMMAND", "node"),
		EngineBundle:  getEnv("ENGINE_BUNDLE", "engine/main.js"),

		// Worker
		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 4),

		// Tokens
		TokenSecret: getEnv("TOKEN_SECRET", "dev-secret-change-me"),
		TokenTTL:    getDuration("TOKEN_TTL", time.Hour),

		// Files
		FileStoreType: getEnv("FLOWDECK_FILESTORE", "memory"),
		S3Endpoint:    getEnv("S3_ENDPOINT", ""),
		S3Bucket:      getEnv("S3_BUCKET", "flowdeck-artifacts"),
		S3Region:      getEnv("S3_REGION", ""),
		S3AccessKey:   getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:   getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:      getBool("S3_USE_SSL", false),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Tracing
		TracingEnabled: getBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TraceSample:    getFloat("TRACE_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
