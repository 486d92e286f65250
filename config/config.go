package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config carries everything the uploads service and the recorder pipeline
// need. Values come from the environment; a local .env file is loaded by the
// godotenv autoload import in main.
type Config struct {
	Env string

	ServiceConfig *ServiceConfig
	AWSConfig     *AWSConfig
	RedisConfig   *RedisConfig
	UploadConfig  *UploadConfig

	Tracing     bool
	TracingAddr string
}

type ServiceConfig struct {
	HTTPAddr string
	// Base URL the worker uses to reach this service.
	UploadsURL string
}

type AWSConfig struct {
	Region string
	// R2-compatible endpoint; empty means plain AWS S3.
	Endpoint string
	Bucket   string
}

type RedisConfig struct {
	Host string
}

type UploadConfig struct {
	// Exact size of every non-final multipart part.
	PartSize int64
	// Path of the embedded durable log database.
	LogPath string
	// Path of the recordings metadata database.
	RecordingsDBPath string
	// Lifetime of part-upload authorizations.
	SignedURLTTL time.Duration
}

func LoadConfig() Config {
	return Config{
		Env: getEnv("APP_ENV", "development"),
		ServiceConfig: &ServiceConfig{
			HTTPAddr:   getEnv("UPLOADS_HTTP_ADDR", ":8085"),
			UploadsURL: getEnv("UPLOADS_URL", "http://localhost:8085"),
		},
		AWSConfig: &AWSConfig{
			Region:   getEnv("AWS_REGION", "auto"),
			Endpoint: os.Getenv("R2_ENDPOINT"),
			Bucket:   os.Getenv("R2_BUCKET"),
		},
		RedisConfig: &RedisConfig{
			Host: os.Getenv("REDIS_HOST"),
		},
		UploadConfig: &UploadConfig{
			PartSize:         getEnvInt64("UPLOAD_PART_SIZE", 5*1024*1024),
			LogPath:          getEnv("UPLOAD_LOG_PATH", "seashore-uploads.db"),
			RecordingsDBPath: getEnv("RECORDINGS_DB_PATH", "seashore-recordings.db"),
			SignedURLTTL:     getEnvDuration("SIGNED_URL_TTL", 10*time.Minute),
		},
		Tracing:     getEnv("TRACING_ENABLED", "false") == "true",
		TracingAddr: getEnv("TRACING_ADDR", "localhost:4317"),
	}
}

func (c *AWSConfig) Validate() error {
	if c.Bucket == "" {
		return errors.New("R2_BUCKET is required")
	}
	if c.Region == "" {
		return errors.New("AWS_REGION is required")
	}
	return nil
}

func (c *UploadConfig) Validate() error {
	if c.PartSize <= 0 {
		return errors.New("UPLOAD_PART_SIZE must be positive")
	}
	if c.LogPath == "" {
		return errors.New("UPLOAD_LOG_PATH is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
