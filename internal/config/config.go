// Package config loads process configuration from the environment,
// following the same .env/.env.local layering the rest of this codebase's
// teacher uses, extended with the knobs the model-runner pipeline needs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of settings a model-runner process needs to wire
// its state store, queues, sinks, and worker pool.
type Config struct {
	AWSRegion string

	Database DatabaseConfig
	Tables   TableConfig
	Queues   QueueConfig
	Topics   TopicConfig
	Workers  WorkerConfig
	Capacity CapacityConfig
	Staging  StagingConfig
	Detector DetectorConfig
	Reaper   ReaperConfig
}

// DatabaseConfig is the Postgres connection backing the state store (C1).
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// TableConfig names the logical tables the state store manages. Kept as
// names (not just one DB) so a deployment can point each table at its own
// schema/tablespace without code changes.
type TableConfig struct {
	ImageRequest            string
	RegionRequest           string
	OutstandingImageRequest string
	Endpoint                string
	Feature                 string
}

// QueueConfig names the SQS queues (C2).
type QueueConfig struct {
	ImageQueue  string
	ImageDLQ    string
	RegionQueue string
}

// TopicConfig names the SNS topics the status monitor (C8) publishes to.
type TopicConfig struct {
	ImageStatusTopic  string
	RegionStatusTopic string
	TileStatusTopic   string
}

// WorkerConfig controls the size of the in-process tile worker pool (C4).
type WorkerConfig struct {
	WorkersPerCPU int
	Workers       int // explicit override; 0 means derive from WorkersPerCPU
}

// CapacityConfig controls the endpoint capacity throttle (C7).
type CapacityConfig struct {
	ThrottlingEnabled             bool
	DefaultInstanceConcurrency    int
	DefaultHTTPEndpointConcurrency int
	TileWorkersPerInstance        int
	CapacityTargetPercentage      float64
}

// StagingConfig is where asynchronous detector payloads are staged (§6).
type StagingConfig struct {
	Bucket string
	Prefix string
}

// DetectorConfig controls inference endpoint invocation behavior.
type DetectorConfig struct {
	HTTPTimeout          time.Duration
	KinesisMaxRecordSize int
}

// ReaperConfig controls the stuck-lease reaper (§4.7).
type ReaperConfig struct {
	RegionLeaseVisibility time.Duration
	PollInterval          time.Duration
}

// Load reads configuration from environment variables, first layering in
// a .env/.env.local file the same way the teacher's LoadConfig does: prefer
// envPath with any ".env" suffix replaced by ".env.local" when present,
// else fall back to envPath.
func Load(envPath string) (*Config, error) {
	localEnvPath := strings.TrimSuffix(envPath, ".env") + ".env.local"
	if _, err := os.Stat(localEnvPath); err == nil {
		if err := loadEnvFile(localEnvPath); err != nil {
			return nil, fmt.Errorf("failed to load local env file: %w", err)
		}
	} else if _, err := os.Stat(envPath); err == nil {
		if err := loadEnvFile(envPath); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg := &Config{
		AWSRegion: getEnv("AWS_DEFAULT_REGION", "us-west-2"),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "modelrunner"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Tables: TableConfig{
			ImageRequest:            getEnv("IMAGE_REQUEST_TABLE", "image_requests"),
			RegionRequest:           getEnv("REGION_REQUEST_TABLE", "region_requests"),
			OutstandingImageRequest: getEnv("OUTSTANDING_IMAGE_REQUEST_TABLE", "outstanding_image_requests"),
			Endpoint:                getEnv("ENDPOINT_TABLE", "endpoints"),
			Feature:                 getEnv("FEATURE_TABLE", "features"),
		},
		Queues: QueueConfig{
			ImageQueue:  getEnv("IMAGE_QUEUE", "ImageRequestQueue"),
			ImageDLQ:    getEnv("IMAGE_DLQ", "ImageRequestDLQ"),
			RegionQueue: getEnv("REGION_QUEUE", "RegionRequestQueue"),
		},
		Topics: TopicConfig{
			ImageStatusTopic:  getEnv("IMAGE_STATUS_TOPIC", "ImageStatusTopic"),
			RegionStatusTopic: getEnv("REGION_STATUS_TOPIC", "RegionStatusTopic"),
			TileStatusTopic:   getEnv("TILE_STATUS_TOPIC", "TileStatusTopic"),
		},
		Workers: WorkerConfig{
			WorkersPerCPU: getEnvInt("WORKERS_PER_CPU", 4),
			Workers:       getEnvInt("WORKERS", 0),
		},
		Capacity: CapacityConfig{
			ThrottlingEnabled:              getEnvBool("SCHEDULER_THROTTLING_ENABLED", true),
			DefaultInstanceConcurrency:     getEnvInt("DEFAULT_INSTANCE_CONCURRENCY", 2),
			DefaultHTTPEndpointConcurrency: getEnvInt("DEFAULT_HTTP_ENDPOINT_CONCURRENCY", 10),
			TileWorkersPerInstance:         getEnvInt("TILE_WORKERS_PER_INSTANCE", 4),
			CapacityTargetPercentage:       getEnvFloat("CAPACITY_TARGET_PERCENTAGE", 1.0),
		},
		Staging: StagingConfig{
			Bucket: getEnv("STAGING_S3_BUCKET", ""),
			Prefix: getEnv("STAGING_S3_PREFIX", "staging"),
		},
		Detector: DetectorConfig{
			HTTPTimeout:          getEnvDuration("DETECTOR_HTTP_TIMEOUT_SECONDS", 30*time.Second),
			KinesisMaxRecordSize: getEnvInt("KINESIS_MAX_RECORD_SIZE", 1024*1024),
		},
		Reaper: ReaperConfig{
			RegionLeaseVisibility: getEnvDuration("REGION_LEASE_VISIBILITY_SECONDS", 5*time.Minute),
			PollInterval:          getEnvDuration("REAPER_POLL_INTERVAL_SECONDS", 60*time.Second),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD environment variable is required")
	}
	if cfg.Capacity.CapacityTargetPercentage <= 0 {
		slog.Warn("CAPACITY_TARGET_PERCENTAGE must be greater than 0, defaulting to 1.0",
			"value", cfg.Capacity.CapacityTargetPercentage)
		cfg.Capacity.CapacityTargetPercentage = 1.0
	}

	return cfg, nil
}

// loadEnvFile loads environment variables from a .env file.
func loadEnvFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lines := strings.Split(string(content), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			os.Setenv(key, value)
		}
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
