// Package config loads DataCore settings from the environment (optionally
// seeded from a .env file) and the catalog file that describes models,
// projects and pull plans.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	DataDir string `validate:"required"`
	MetaDB  string `validate:"required"`

	RecordStore   RecordStoreConfig
	DocumentStore DocumentStoreConfig
	Blob          BlobConfig
	Redcap        RedcapConfig
	Pull          PullConfig
	Export        ExportConfig
	Queue         QueueConfig
	SMTP          SMTPConfig
	Kafka         KafkaConfig
	Schedule      ScheduleConfig
	Log           LogConfig

	RedisAddr   string
	HTTPAddr    string `validate:"required"`
	CatalogFile string
	IngestDir   string
}

// RecordStoreConfig selects the relational record backend. A full DSN
// wins; otherwise one is built from the server fields and the
// RECORD_STORE_PASSWORD secret.
type RecordStoreConfig struct {
	Driver   string `validate:"oneof=memory sqlite postgres mysql"`
	DSN      string
	Host     string
	Port     int `validate:"omitempty,min=1,max=65535"`
	User     string
	Database string
	SSLMode  string `validate:"omitempty,oneof=disable require verify-full"`
}

// DocumentStoreConfig points at the document store. Empty URI keeps
// document-backend models on the record store.
type DocumentStoreConfig struct {
	URI      string
	Database string `validate:"required_with=URI"`
}

type BlobConfig struct {
	Driver      string `validate:"oneof=fs s3 memory"`
	FSRoot      string `validate:"required_if=Driver fs"`
	S3Bucket    string `validate:"required_if=Driver s3"`
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

type RedcapConfig struct {
	APIURL        string
	MaxAttempts   int           `validate:"min=1"`
	BackoffFactor time.Duration `validate:"gt=0"`
	PageSize      int           `validate:"min=1"`
}

// PullConfig is the time budget and retry policy of one project pull.
type PullConfig struct {
	SoftLimit  time.Duration `validate:"gt=0"`
	HardLimit  time.Duration `validate:"gtefield=SoftLimit"`
	ExtendBy   time.Duration `validate:"gte=0"`
	MaxRetries int           `validate:"gte=0"`
	RetryDelay time.Duration `validate:"gte=0"`
}

type ExportConfig struct {
	PageSize int `validate:"min=1"`
	Timeout  time.Duration
}

type QueueConfig struct {
	Workers int `validate:"min=1"`
	Size    int `validate:"min=1"`
	// TaskTimeout bounds every background task. Zero means unbounded; a
	// value below Pull.HardLimit cancels pulls before their own budget.
	TaskTimeout time.Duration `validate:"gte=0"`
}

// SMTPConfig configures outgoing mail. The password is a secret and is
// read through the secret package. Empty Host logs messages instead.
type SMTPConfig struct {
	Host string
	Port int    `validate:"omitempty,min=1,max=65535"`
	User string
	From string `validate:"required_with=Host"`
}

type KafkaConfig struct {
	Brokers []string
	Topic   string `validate:"required_with=Brokers"`
}

// ScheduleConfig drives the cron pull. Empty Spec disables it.
type ScheduleConfig struct {
	Spec     string
	Projects []string `validate:"required_with=Spec"`
	Emails   []string
}

type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
}

// Load reads .env (if present) and the environment, then validates.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg := FromEnv()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables without validating it.
func FromEnv() *Config {
	dataDir := getEnv("DATACORE_DATA_DIR", defaultDataDir())
	driver := getEnv("RECORD_STORE_DRIVER", "sqlite")
	dsn := getEnv("RECORD_STORE_DSN", "")
	if dsn == "" && driver == "sqlite" {
		dsn = filepath.Join(dataDir, "records.db")
	}
	return &Config{
		DataDir: dataDir,
		MetaDB:  getEnv("DATACORE_META_DB", filepath.Join(dataDir, "datacore.db")),
		RecordStore: RecordStoreConfig{
			Driver:   driver,
			DSN:      dsn,
			Host:     getEnv("RECORD_STORE_HOST", ""),
			Port:     getEnvInt("RECORD_STORE_PORT", 0),
			User:     getEnv("RECORD_STORE_USER", ""),
			Database: getEnv("RECORD_STORE_DB", "datacore"),
			SSLMode:  getEnv("RECORD_STORE_SSLMODE", ""),
		},
		DocumentStore: DocumentStoreConfig{
			URI:      getEnv("DOCUMENT_STORE_URI", ""),
			Database: getEnv("DOCUMENT_STORE_DB", "datacore"),
		},
		Blob: BlobConfig{
			Driver:      getEnv("BLOB_DRIVER", "fs"),
			FSRoot:      getEnv("BLOB_FS_ROOT", filepath.Join(dataDir, "media")),
			S3Bucket:    getEnv("BLOB_S3_BUCKET", ""),
			S3Region:    getEnv("BLOB_S3_REGION", "us-east-1"),
			S3Endpoint:  getEnv("BLOB_S3_ENDPOINT", ""),
			S3PathStyle: getEnvBool("BLOB_S3_PATH_STYLE", false),
		},
		Redcap: RedcapConfig{
			APIURL:        getEnv("REDCAP_API_URL", ""),
			MaxAttempts:   getEnvInt("REDCAP_MAX_ATTEMPTS", 10),
			BackoffFactor: getEnvDuration("REDCAP_BACKOFF_FACTOR", 10*time.Second),
			PageSize:      getEnvInt("REDCAP_PAGE_SIZE", 500),
		},
		Pull: PullConfig{
			SoftLimit:  getEnvDuration("PULL_SOFT_LIMIT", 7000*time.Second),
			HardLimit:  getEnvDuration("PULL_HARD_LIMIT", 7200*time.Second),
			ExtendBy:   getEnvDuration("PULL_EXTEND_BY", time.Hour),
			MaxRetries: getEnvInt("PULL_MAX_RETRIES", 5),
			RetryDelay: getEnvDuration("PULL_RETRY_DELAY", 10*time.Second),
		},
		Export: ExportConfig{
			PageSize: getEnvInt("EXPORT_PAGE_SIZE", 1000),
			Timeout:  getEnvDuration("EXPORT_TIMEOUT", time.Hour),
		},
		Queue: QueueConfig{
			Workers:     getEnvInt("WORKERS", 4),
			Size:        getEnvInt("QUEUE_SIZE", 64),
			TaskTimeout: getEnvDuration("QUEUE_TASK_TIMEOUT", 0),
		},
		SMTP: SMTPConfig{
			Host: getEnv("SMTP_HOST", ""),
			Port: getEnvInt("SMTP_PORT", 587),
			User: getEnv("SMTP_USER", ""),
			From: getEnv("SMTP_FROM", ""),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "datacore.jobs"),
		},
		Schedule: ScheduleConfig{
			Spec:     getEnv("PULL_SCHEDULE", ""),
			Projects: getEnvList("PULL_SCHEDULE_PROJECTS"),
			Emails:   getEnvList("PULL_SCHEDULE_EMAILS"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		RedisAddr:   getEnv("REDIS_ADDR", ""),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		CatalogFile: getEnv("CATALOG_FILE", ""),
		IngestDir:   getEnv("INGEST_DIR", filepath.Join(dataDir, "ingest")),
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".datacore")
	}
	return ".datacore"
}

// ── Env helpers ────────────────────────────────────────────

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90m") and bare seconds ("7000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
