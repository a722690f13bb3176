package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all configuration for the sandpool server.
type Config struct {
	Port     int
	APIKey   string
	LogLevel string

	// Pool
	WorkDir            string // directory for worker sockets, mode 0700
	PoolSize           int
	KillTimeoutMs      int
	QueueWaitTimeoutMs int
	RecycleThreshold   int
	ReadinessTimeoutMs int
	Retries            int

	// Worker binary override. Empty means "sandpool-worker" next to the
	// server executable.
	WorkerBin string

	// Module loading
	AllowNetworkModules bool

	// Task history journal. Empty disables the journal.
	DataDir string

	// Metrics listener, e.g. ":9091". Empty disables the standalone server.
	MetricsAddr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		APIKey:   os.Getenv("SANDPOOL_API_KEY"),
		LogLevel: envOrDefault("SANDPOOL_LOG_LEVEL", "info"),

		WorkDir:            envOrDefault("SANDPOOL_WORK_DIR", filepath.Join(os.TempDir(), "sandpool")),
		PoolSize:           envOrDefaultInt("SANDPOOL_POOL_SIZE", 4),
		KillTimeoutMs:      envOrDefaultInt("SANDPOOL_KILL_TIMEOUT_MS", 5000),
		QueueWaitTimeoutMs: envOrDefaultInt("SANDPOOL_QUEUE_WAIT_TIMEOUT_MS", 10000),
		RecycleThreshold:   envOrDefaultInt("SANDPOOL_RECYCLE_THRESHOLD", 100),
		ReadinessTimeoutMs: envOrDefaultInt("SANDPOOL_READINESS_TIMEOUT_MS", 10000),
		Retries:            envOrDefaultInt("SANDPOOL_RETRIES", 2),

		WorkerBin: os.Getenv("SANDPOOL_WORKER_BIN"),

		AllowNetworkModules: os.Getenv("SANDPOOL_ALLOW_NETWORK_MODULES") == "true",

		DataDir:     os.Getenv("SANDPOOL_DATA_DIR"),
		MetricsAddr: envOrDefault("SANDPOOL_METRICS_ADDR", ":9091"),
	}

	if portStr := os.Getenv("SANDPOOL_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid SANDPOOL_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("SANDPOOL_POOL_SIZE must be >= 1, got %d", cfg.PoolSize)
	}
	if cfg.RecycleThreshold < 1 {
		return nil, fmt.Errorf("SANDPOOL_RECYCLE_THRESHOLD must be >= 1, got %d", cfg.RecycleThreshold)
	}

	return cfg, nil
}

// WorkerCommand resolves the worker invocation. The worker binary lives next
// to the server executable unless overridden.
func (c *Config) WorkerCommand() ([]string, error) {
	if c.WorkerBin != "" {
		return []string{c.WorkerBin}, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable: %w", err)
	}
	return []string{filepath.Join(filepath.Dir(self), "sandpool-worker")}, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
