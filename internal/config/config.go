package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DatabaseConfig holds PostgreSQL database connection settings.
type DatabaseConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	Name               string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeSec int
}

// MinIOConfig holds object storage settings for MinIO.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// RedisConfig holds the claim store settings. An empty Addr disables Redis and
// duplicate-trigger claims are then tracked in-process only.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ExtractionConfig points at the external OCR extraction service.
type ExtractionConfig struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
	RatePerSec  float64
	Burst       int
	PresignTTL  time.Duration
}

// PollerConfig bounds how long and how often a job is polled.
type PollerConfig struct {
	Budget       time.Duration
	BaseInterval time.Duration
	MaxInterval  time.Duration
	Jitter       float64
}

// IngestConfig holds coordinator settings.
type IngestConfig struct {
	TaskBudget      time.Duration
	SubmitAttempts  int
	ExpectedBucket  string
	AllowedFormats  []string
	MaxObjectSize   int64
	ReviewThreshold float64
	Workers         int
	QueueSize       int
	ClaimTTL        time.Duration
}

// BatchConfig holds batch writer settings.
type BatchConfig struct {
	MaxBatch      int
	FlushInterval time.Duration
	CopyThreshold int
	WriteTimeout  time.Duration
}

// AppConfig is the centralized configuration struct for the application.
// It is populated from environment variables. Sensitive values are not hardcoded.
type AppConfig struct {
	AppHost    string
	Port       string
	LogLevel   string
	Timezone   string
	Database   DatabaseConfig
	MinIO      MinIOConfig
	Redis      RedisConfig
	Extraction ExtractionConfig
	Poller     PollerConfig
	Ingest     IngestConfig
	Batch      BatchConfig
}

// Load reads configuration from environment variables.
// A .env file can be auto-loaded by importing: _ "github.com/joho/godotenv/autoload"
// This function does not require a .env file; real environment variables take precedence.
func Load() *AppConfig {
	return &AppConfig{
		AppHost:  getEnv("APP_HOST", "localhost:8080"),
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Timezone: getEnv("APP_TIMEZONE", "UTC"),
		Database: DatabaseConfig{
			Host:               getEnv("DB_HOST", ""),
			Port:               getEnv("DB_PORT", "5432"),
			User:               getEnv("DB_USER", ""),
			Password:           getEnv("DB_PASSWORD", ""),
			Name:               getEnv("DB_NAME", ""),
			SSLMode:            getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:       getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:       getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetimeSec: getEnvInt("DB_CONN_MAX_LIFETIME_SEC", 300),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", ""),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Extraction: ExtractionConfig{
			BaseURL:     getEnv("EXTRACTION_BASE_URL", ""),
			APIKey:      getEnv("EXTRACTION_API_KEY", ""),
			CallTimeout: getEnvDuration("EXTRACTION_CALL_TIMEOUT", 10*time.Second),
			RatePerSec:  getEnvFloat("EXTRACTION_RATE_PER_SEC", 5),
			Burst:       getEnvInt("EXTRACTION_BURST", 10),
			PresignTTL:  getEnvDuration("EXTRACTION_PRESIGN_TTL", 15*time.Minute),
		},
		Poller: PollerConfig{
			Budget:       getEnvDuration("POLL_BUDGET", 9*time.Minute),
			BaseInterval: getEnvDuration("POLL_BASE_INTERVAL", time.Second),
			MaxInterval:  getEnvDuration("POLL_MAX_INTERVAL", 30*time.Second),
			Jitter:       getEnvFloat("POLL_JITTER", 0.2),
		},
		Ingest: IngestConfig{
			TaskBudget:      getEnvDuration("INGEST_TASK_BUDGET", 10*time.Minute),
			SubmitAttempts:  getEnvInt("INGEST_SUBMIT_ATTEMPTS", 3),
			ExpectedBucket:  getEnv("INVOICE_BUCKET", ""),
			AllowedFormats:  getEnvList("ALLOWED_FORMATS", []string{"pdf", "jpg", "jpeg", "png"}),
			MaxObjectSize:   getEnvInt64("MAX_OBJECT_SIZE_BYTES", 500*1024*1024),
			ReviewThreshold: getEnvFloat("REVIEW_CONFIDENCE_THRESHOLD", 70),
			Workers:         getEnvInt("INGEST_WORKERS", 4),
			QueueSize:       getEnvInt("INGEST_QUEUE_SIZE", 256),
			ClaimTTL:        getEnvDuration("INGEST_CLAIM_TTL", 15*time.Minute),
		},
		Batch: BatchConfig{
			MaxBatch:      getEnvInt("BATCH_MAX_SIZE", 100),
			FlushInterval: getEnvDuration("BATCH_FLUSH_INTERVAL", 2*time.Second),
			CopyThreshold: getEnvInt("BATCH_COPY_THRESHOLD", 100),
			WriteTimeout:  getEnvDuration("BATCH_WRITE_TIMEOUT", 30*time.Second),
		},
	}
}

// Validate checks cross-field constraints that Load cannot express.
func (c *AppConfig) Validate() error {
	if c.Poller.Budget <= 0 {
		return fmt.Errorf("poll budget must be positive")
	}
	if c.Poller.Budget >= c.Ingest.TaskBudget {
		return fmt.Errorf("poll budget %s must be below task budget %s", c.Poller.Budget, c.Ingest.TaskBudget)
	}
	if c.Poller.BaseInterval <= 0 || c.Poller.MaxInterval < c.Poller.BaseInterval {
		return fmt.Errorf("poll intervals must satisfy 0 < base <= max")
	}
	if c.Ingest.SubmitAttempts < 1 {
		return fmt.Errorf("submit attempts must be at least 1")
	}
	if c.Batch.MaxBatch < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	return nil
}

// Location resolves Timezone, falling back to UTC.
func (c *AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

// getEnvList splits a comma separated value, trimming and lower-casing entries.
func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
