package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort   string
	ServiceName   string
	Env           string
	LogLevel      string
	PublicBaseURL string

	// Blob storage configuration
	BlobBackend string // minio, s3 or memory
	ChunkSizeMB int

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// S3 configuration
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3BaseEndpoint string

	// TiDB / MySQL configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Jaeger configuration
	JaegerEndpoint string

	// Transfer configuration
	TransferTTL      time.Duration
	MaxTransferTTL   time.Duration
	MaxUploadBytes   int64
	KDFIterations    int
	ReaperInterval   time.Duration
	ReaperBatchLimit int

	// Rate limiter configuration
	RateLimitThreshold int
	RateLimitWindow    time.Duration
	RateLimitBlock     time.Duration

	// Vault configuration
	SessionSecret string
	SessionTTL    time.Duration
}

// LoadConfig loads configuration from an optional .env file and environment
// variables with sensible defaults
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	} else if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	config := &Config{
		// Service defaults
		ServicePort:   getEnv("SERVICE_PORT", "8080"),
		ServiceName:   getEnv("SERVICE_NAME", "dropvault-service"),
		Env:           getEnv("APP_ENV", "local"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),

		// Blob defaults
		BlobBackend: getEnv("BLOB_BACKEND", "minio"),
		ChunkSizeMB: getEnvAsInt("CHUNK_SIZE_MB", 1),

		// MinIO defaults
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "dropvault"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		// S3 defaults
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Bucket:       getEnv("S3_BUCKET", "dropvault"),
		S3AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("S3_SECRET_KEY", ""),
		S3BaseEndpoint: getEnv("S3_BASE_ENDPOINT", ""),

		// TiDB defaults
		TiDBHost:     getEnv("TIDB_HOST", "localhost"),
		TiDBPort:     getEnv("TIDB_PORT", "4000"),
		TiDBUser:     getEnv("TIDB_USER", "root"),
		TiDBPassword: getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase: getEnv("TIDB_DATABASE", "dropvault"),

		// Redis defaults
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Jaeger defaults
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "localhost:4318"),

		// Transfer defaults
		TransferTTL:      getEnvAsDuration("TRANSFER_TTL", 24*time.Hour),
		MaxTransferTTL:   getEnvAsDuration("MAX_TRANSFER_TTL", 7*24*time.Hour),
		MaxUploadBytes:   int64(getEnvAsInt("MAX_UPLOAD_MB", 1024)) * 1024 * 1024,
		KDFIterations:    getEnvAsInt("KDF_ITERATIONS", 480000),
		ReaperInterval:   getEnvAsDuration("REAPER_INTERVAL", 15*time.Minute),
		ReaperBatchLimit: getEnvAsInt("REAPER_BATCH_LIMIT", 500),

		// Rate limiter defaults
		RateLimitThreshold: getEnvAsInt("RATE_LIMIT_THRESHOLD", 3),
		RateLimitWindow:    getEnvAsDuration("RATE_LIMIT_WINDOW", 5*time.Minute),
		RateLimitBlock:     getEnvAsDuration("RATE_LIMIT_BLOCK", 15*time.Minute),

		// Vault defaults
		SessionSecret: getEnv("SESSION_SECRET", ""),
		SessionTTL:    getEnvAsDuration("SESSION_TTL", 12*time.Hour),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	switch {
	case c.TransferTTL <= 0:
		return fmt.Errorf("TRANSFER_TTL must be positive")
	case c.MaxTransferTTL < c.TransferTTL:
		return fmt.Errorf("MAX_TRANSFER_TTL must not be shorter than TRANSFER_TTL")
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("MAX_UPLOAD_MB must be positive")
	case c.KDFIterations <= 0:
		return fmt.Errorf("KDF_ITERATIONS must be positive")
	case c.ChunkSizeMB <= 0:
		return fmt.Errorf("CHUNK_SIZE_MB must be positive")
	case c.RateLimitThreshold <= 0:
		return fmt.Errorf("RATE_LIMIT_THRESHOLD must be positive")
	case c.RateLimitWindow <= 0 || c.RateLimitBlock <= 0:
		return fmt.Errorf("RATE_LIMIT_WINDOW and RATE_LIMIT_BLOCK must be positive")
	case c.SessionTTL <= 0:
		return fmt.Errorf("SESSION_TTL must be positive")
	case c.ReaperInterval <= 0:
		return fmt.Errorf("REAPER_INTERVAL must be positive")
	}

	switch c.BlobBackend {
	case "minio", "s3", "memory":
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}

	if c.SessionSecret == "" {
		if c.Env != "local" {
			return fmt.Errorf("SESSION_SECRET is required outside the local environment")
		}
		c.SessionSecret = "local-development-session-secret"
	}

	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns chunk size in bytes
func (c *Config) GetChunkSizeBytes() int64 {
	return int64(c.ChunkSizeMB) * 1024 * 1024
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
