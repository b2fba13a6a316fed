package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server ServerConfig
	Redis  RedisConfig
	Queues QueueConfig
	Shard  ShardConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host             string
	Port             int
	ShutdownTimeout  time.Duration
	ServerGeneration int64
}

// RedisConfig holds the work queue broker connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Disabled switches the work queue to the in-process publisher; useful
	// for development without a broker.
	Disabled bool
}

// QueueConfig holds event queue lifecycle configuration
type QueueConfig struct {
	SweepInterval   time.Duration
	PersistDir      string
	ReloadBatchSize int
	ReloadInterval  time.Duration
	ReloadImmediate bool
	FailureLogPath  string
}

// ShardConfig holds the routing table location
type ShardConfig struct {
	TablePath string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             getEnv("SERVER_HOST", "0.0.0.0"),
			Port:             getIntEnv("SERVER_PORT", 9800),
			ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
			ServerGeneration: int64(getIntEnv("SERVER_GENERATION", int(time.Now().Unix()))),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			Disabled: getBoolEnv("REDIS_DISABLED", false),
		},
		Queues: QueueConfig{
			SweepInterval:   getDurationEnv("QUEUE_SWEEP_INTERVAL", 60*time.Second),
			PersistDir:      getEnv("QUEUE_PERSIST_DIR", "/var/lib/chatrelay"),
			ReloadBatchSize: getIntEnv("RELOAD_BATCH_SIZE", 50),
			ReloadInterval:  getDurationEnv("RELOAD_INTERVAL", 2*time.Second),
			ReloadImmediate: getBoolEnv("RELOAD_IMMEDIATE", false),
			FailureLogPath:  getEnv("QUEUE_FAILURE_LOG", "/var/log/chatrelay/queue_failures.jsonl"),
		},
		Shard: ShardConfig{
			TablePath: getEnv("SHARD_TABLE_PATH", ""),
		},
	}
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv returns an integer from environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getBoolEnv returns a boolean from environment variable or default
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv returns duration from environment variable or default.
// Values parse as Go durations ("90s", "5m").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
