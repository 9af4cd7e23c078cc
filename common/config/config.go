package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Batch start methods accepted via PF_BATCH_METHOD. Line workers run as
// goroutines either way; the value is validated for compatibility with
// callers that set it.
const (
	BatchMethodFork  = "fork"
	BatchMethodSpawn = "spawn"
)

// Config holds all engine configuration. Constructed once at process
// start and injected explicitly; tests build a fresh one.
type Config struct {
	Service  ServiceConfig
	Executor ExecutorConfig
	Batch    BatchConfig
	Storage  StorageConfig
	Cache    CacheConfig
	Database DatabaseConfig
	Redis    RedisConfig
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name         string
	LogLevel     string
	LogFormat    string
	ProjectPath  string // flow folder served by the scoring endpoint
	Port         int
	InCIPipeline bool
}

// ExecutorConfig holds intra-line execution settings.
type ExecutorConfig struct {
	NodeConcurrency int
	ConnectionsFile string
}

// BatchConfig holds inter-line execution settings.
type BatchConfig struct {
	Method      string
	WorkerCount int
	LineTimeout time.Duration
	OutputPath  string // may contain the ${flow_directory} macro
}

// StorageConfig holds run-folder settings.
type StorageConfig struct {
	BatchSize int // line-run records per flow_artifacts block file
}

// CacheConfig holds node-result cache settings.
type CacheConfig struct {
	Enabled    bool
	Backend    string // "memory" or "redis"
	DefaultTTL time.Duration
}

// DatabaseConfig holds Postgres settings for the run entity store.
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis settings for the cache backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load loads configuration from environment variables.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:         serviceName,
			LogLevel:     getEnv("LOG_LEVEL", "info"),
			LogFormat:    getEnv("LOG_FORMAT", "text"),
			ProjectPath:  getEnv("PROMPTFLOW_PROJECT_PATH", ""),
			Port:         getEnvInt("PORT", 8080),
			InCIPipeline: getEnvBool("IS_IN_CI_PIPELINE", false),
		},
		Executor: ExecutorConfig{
			NodeConcurrency: getEnvInt("PF_NODE_CONCURRENCY", 16),
			ConnectionsFile: getEnv("PROMPTFLOW_CONNECTIONS", ""),
		},
		Batch: BatchConfig{
			Method:      getEnv("PF_BATCH_METHOD", ""),
			WorkerCount: getEnvInt("PF_WORKER_COUNT", 4),
			LineTimeout: getEnvDuration("PF_LINE_TIMEOUT_SEC", 600*time.Second),
			OutputPath:  getEnv("PF_RUN_OUTPUT_PATH", ""),
		},
		Storage: StorageConfig{
			BatchSize: getEnvInt("PF_LOCAL_STORAGE_BATCH_SIZE", 1),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("PF_CACHE_ENABLED", true),
			Backend:    getEnv("PF_CACHE_BACKEND", "memory"),
			DefaultTTL: getEnvDuration("PF_CACHE_TTL_SEC", 0),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", ""),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "promptflow"),
			User:        getEnv("POSTGRES_USER", "promptflow"),
			Password:    getEnv("POSTGRES_PASSWORD", ""),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME_SEC", 1800*time.Second),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME_SEC", 3600*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid.
func (c *Config) Validate() error {
	if c.Batch.WorkerCount < 1 {
		return fmt.Errorf("worker count must be >= 1, got %d", c.Batch.WorkerCount)
	}
	if c.Executor.NodeConcurrency < 1 {
		return fmt.Errorf("node concurrency must be >= 1, got %d", c.Executor.NodeConcurrency)
	}
	if c.Storage.BatchSize < 1 {
		return fmt.Errorf("local storage batch size must be >= 1, got %d", c.Storage.BatchSize)
	}
	if c.Batch.LineTimeout <= 0 {
		return fmt.Errorf("line timeout must be positive, got %s", c.Batch.LineTimeout)
	}
	return nil
}

// ValidatedMethod returns the configured batch start method and whether
// the value was usable. Invalid values fall back to the platform default;
// the caller logs the warning.
func (b BatchConfig) ValidatedMethod() (string, bool) {
	switch b.Method {
	case "", BatchMethodFork, BatchMethodSpawn:
		return b.Method, true
	default:
		return b.Method, false
	}
}

// DatabaseURL returns the PostgreSQL connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration reads a duration given in seconds, e.g. "600".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
