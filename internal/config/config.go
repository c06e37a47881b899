// Package config loads process configuration from environment variables
// with code defaults, and owns the shared logrus setup.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries everything the api and worker binaries need. Both load it
// the same way; each uses the slice relevant to it.
type Config struct {
	// HTTP API.
	Port string

	// Store selection: "memory", "postgres" or "postgrest".
	StoreBackend string
	DatabaseURL  string

	// Supabase project, used by the postgrest store and the upload handler.
	SupabaseURL        string
	SupabaseServiceKey string
	StorageBucket      string

	// Broker selection: "memory" or "redis".
	BrokerBackend string
	RedisAddr     string

	// Worker tuning.
	WorkerConcurrency int
	DispatchInterval  time.Duration
	SweepInterval     time.Duration

	// HeartbeatTimeout must sit comfortably above the longest task timeout
	// so healthy long-running tasks are never requeued as orphans.
	HeartbeatTimeout time.Duration

	// Per-kind task body deadlines; DefaultTaskTimeout covers kinds not
	// listed.
	TaskTimeouts       map[string]time.Duration
	DefaultTaskTimeout time.Duration

	// Bulk job policy.
	BulkFailureThreshold float64
	BulkItemRetries      int

	// Drawing-analysis service endpoint.
	AnalysisServiceURL string
}

// Load reads the environment and applies defaults.
func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		StoreBackend: getEnv("STORE_BACKEND", "memory"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),
		StorageBucket:      getEnv("STORAGE_BUCKET", "drawings"),

		BrokerBackend: getEnv("BROKER_BACKEND", "memory"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		DispatchInterval:  getEnvDuration("DISPATCH_INTERVAL", 5*time.Second),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getEnvDuration("HEARTBEAT_TIMEOUT", 5*time.Minute),

		TaskTimeouts: map[string]time.Duration{
			"pdf":      getEnvDuration("PDF_TASK_TIMEOUT", 2*time.Minute),
			"dxf":      getEnvDuration("DXF_TASK_TIMEOUT", 2*time.Minute),
			"analysis": getEnvDuration("ANALYSIS_TASK_TIMEOUT", 3*time.Minute),
		},
		DefaultTaskTimeout: getEnvDuration("DEFAULT_TASK_TIMEOUT", 2*time.Minute),

		BulkFailureThreshold: getEnvFloat("BULK_FAILURE_THRESHOLD", 0.5),
		BulkItemRetries:      getEnvInt("BULK_ITEM_RETRIES", 1),

		AnalysisServiceURL: getEnv("ANALYSIS_SERVICE_URL", "http://localhost:9090"),
	}
}

// TaskTimeout returns the deadline for the given task kind.
func (c Config) TaskTimeout(kind string) time.Duration {
	if d, ok := c.TaskTimeouts[kind]; ok {
		return d
	}
	return c.DefaultTaskTimeout
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
