// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Broker      BrokerConfig
	Queues      QueueConfig
	ObjectStore ObjectStoreConfig
	Dispatch    DispatchConfig
}

// BrokerConfig selects between the durable broker queue and the
// in-process synchronous runner. The decision is made once, at Load
// time, and never re-inspected afterwards: if BROKER_DB_PATH is set
// the broker database at that path is used, otherwise enqueue calls
// execute handlers synchronously on the calling goroutine.
type BrokerConfig struct {
	Enabled bool
	DBPath  string
}

// QueueConfig holds retry and worker tuning knobs shared by both
// queue backends.
type QueueConfig struct {
	MaxAttempts     int           // Attempt ceiling before a task is dead-lettered
	BackoffBase     time.Duration // First retry delay, doubled per attempt
	BackoffCap      time.Duration // Upper bound on the retry delay
	LeaseDuration   time.Duration // How long a dequeued task stays claimed before it is reclaimable
	TaskTimeout     time.Duration // Per-task execution deadline
	PollInterval    time.Duration // Worker poll interval when the queue is empty
	NotificationTTL time.Duration // Push notification tasks older than this expire unsent

	DataWorkers      int // Concurrency width of the data processing queue
	NotifyWorkers    int // Concurrency width of the push notification queue
	AnalyticsWorkers int // Concurrency width of the analytics queue
}

// ObjectStoreConfig selects the object storage backend. If S3Bucket is
// set the S3 client is used; otherwise objects are kept under LocalDir.
type ObjectStoreConfig struct {
	S3Bucket   string
	S3Region   string
	S3Endpoint string // Optional custom endpoint (S3-compatible stores)
	LocalDir   string
}

// DispatchConfig holds scheduler pass tuning.
type DispatchConfig struct {
	LockTTL time.Duration // Expiry on the singleton dispatch lock
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Broker:   loadBrokerConfig(),
		Queues: QueueConfig{
			MaxAttempts:      getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
			BackoffBase:      getEnvAsDuration("QUEUE_BACKOFF_BASE", 30*time.Second),
			BackoffCap:       getEnvAsDuration("QUEUE_BACKOFF_CAP", 15*time.Minute),
			LeaseDuration:    getEnvAsDuration("QUEUE_LEASE_DURATION", 10*time.Minute),
			TaskTimeout:      getEnvAsDuration("QUEUE_TASK_TIMEOUT", 5*time.Minute),
			PollInterval:     getEnvAsDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
			NotificationTTL:  getEnvAsDuration("NOTIFICATION_TASK_TTL", 5*time.Minute),
			DataWorkers:      getEnvAsInt("DATA_WORKERS", 4),
			NotifyWorkers:    getEnvAsInt("NOTIFY_WORKERS", 8),
			AnalyticsWorkers: getEnvAsInt("ANALYTICS_WORKERS", 2),
		},
		ObjectStore: ObjectStoreConfig{
			S3Bucket:   getEnv("S3_BUCKET", ""),
			S3Region:   getEnv("S3_REGION", "us-east-1"),
			S3Endpoint: getEnv("S3_ENDPOINT", ""),
			LocalDir:   getEnv("OBJECT_STORE_DIR", filepath.Join(absDataDir, "objects")),
		},
		Dispatch: DispatchConfig{
			LockTTL: getEnvAsDuration("DISPATCH_LOCK_TTL", 30*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadBrokerConfig resolves the broker/fallback decision once. An
// empty BROKER_DB_PATH degrades to the in-process runner; single-box
// deployments run without a broker database entirely.
func loadBrokerConfig() BrokerConfig {
	path := getEnv("BROKER_DB_PATH", "")
	if path == "" {
		return BrokerConfig{Enabled: false}
	}
	return BrokerConfig{Enabled: true, DBPath: path}
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Queues.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queues.MaxAttempts)
	}
	if c.Queues.BackoffBase <= 0 {
		return fmt.Errorf("QUEUE_BACKOFF_BASE must be positive, got %s", c.Queues.BackoffBase)
	}
	if c.Queues.LeaseDuration <= 0 {
		return fmt.Errorf("QUEUE_LEASE_DURATION must be positive, got %s", c.Queues.LeaseDuration)
	}
	if c.Queues.TaskTimeout <= 0 {
		return fmt.Errorf("QUEUE_TASK_TIMEOUT must be positive, got %s", c.Queues.TaskTimeout)
	}
	// The task deadline must stay inside the lease, otherwise a task
	// still running on one worker becomes reclaimable by another.
	if c.Queues.TaskTimeout > c.Queues.LeaseDuration {
		return fmt.Errorf("QUEUE_TASK_TIMEOUT (%s) must not exceed QUEUE_LEASE_DURATION (%s)",
			c.Queues.TaskTimeout, c.Queues.LeaseDuration)
	}
	return nil
}

// Helper functions
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
