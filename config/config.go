package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Env      string // APP_ENV; "production" hides persistence error detail
	LogLevel string
	Server   ServerConfig
	Mongo    MongoConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	AI       AIConfig
	Worker   WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port                string
	ReadHeaderTimeout   int
	ReadTimeout         int // whole request; /upload/direct overrides it per request
	WriteTimeout        int
	CORSAllowedOrigins  string // comma-separated, or "*" for all
	PublicBaseURL       string // externally reachable base URL of this API, used for AI callbacks
	MaxDirectUploadMB   int
	DirectUploadTimeout time.Duration
}

// MongoConfig holds the document store connection settings.
type MongoConfig struct {
	URI      string
	Database string
}

// DatabaseConfig holds the PostgreSQL connection used by the indexing task ledger.
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds object store credentials and the video bucket.
// Endpoint is set for S3-compatible stores (R2, MinIO); empty means AWS S3.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Endpoint             string
	PublicBaseURL        string
	VideoBucket          string
	PresignExpireMinutes int
}

// AIConfig holds the AI indexing service location and call policy.
type AIConfig struct {
	BaseURL        string
	APIPrefix      string // prefix for index/segment/task-status routes; /health lives at the root
	RequestTimeout time.Duration
	SegmentTimeout time.Duration
	HealthRetries  int
	RetryDelay     time.Duration
	WebhookSecret  string
	IndexingBudget time.Duration // total time upload completion may spend on health + index-video
}

// WorkerConfig holds segmentation worker settings.
type WorkerConfig struct {
	Embedded    bool // run the segmentation worker inside cmd/server
	MaxAttempts int
	MetricsPort string
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Port:                getEnv("PORT", "8080"),
			ReadHeaderTimeout:   getEnvInt("READ_HEADER_TIMEOUT_SEC", 10),
			ReadTimeout:         getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:        getEnvInt("WRITE_TIMEOUT_SEC", 60),
			CORSAllowedOrigins:  getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000"),
			PublicBaseURL:       strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
			MaxDirectUploadMB:   getEnvInt("MAX_DIRECT_UPLOAD_MB", 2048),
			DirectUploadTimeout: getEnvDuration("DIRECT_UPLOAD_TIMEOUT", 30*time.Minute),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGODB_DATABASE", "no-more-tears"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", "postgres://localhost:5432/nomoretears?sslmode=disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:             getEnv("S3_ENDPOINT", ""),
			PublicBaseURL:        strings.TrimRight(getEnv("S3_PUBLIC_BASE_URL", ""), "/"),
			VideoBucket:          getEnv("S3_VIDEO_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("PRESIGN_EXPIRE_MINUTES", 60),
		},
		AI: AIConfig{
			BaseURL:        strings.TrimRight(getEnv("AI_SERVICE_URL", "http://localhost:5001"), "/"),
			APIPrefix:      getEnv("AI_SERVICE_API_PREFIX", "/api"),
			RequestTimeout: getEnvDuration("AI_REQUEST_TIMEOUT", 15*time.Second),
			SegmentTimeout: getEnvDuration("AI_SEGMENT_TIMEOUT", 20*time.Minute),
			HealthRetries:  getEnvInt("AI_HEALTH_RETRIES", 2),
			RetryDelay:     getEnvDuration("AI_RETRY_DELAY", time.Second),
			WebhookSecret:  getEnv("AI_WEBHOOK_SECRET", ""),
			IndexingBudget: getEnvDuration("AI_INDEXING_BUDGET", 45*time.Second),
		},
		Worker: WorkerConfig{
			Embedded:    getEnvBool("RUN_EMBEDDED_WORKER", true),
			MaxAttempts: getEnvInt("SEGMENT_MAX_ATTEMPTS", 1),
			MetricsPort: getEnv("WORKER_METRICS_PORT", "9091"),
		},
	}
	// Completion must answer (degraded if need be) before the write deadline cuts the connection.
	if wt := time.Duration(cfg.Server.WriteTimeout) * time.Second; wt > 0 && cfg.AI.IndexingBudget > wt-indexingHeadroom {
		cfg.AI.IndexingBudget = wt - indexingHeadroom
		if cfg.AI.IndexingBudget <= 0 {
			cfg.AI.IndexingBudget = wt / 2
		}
	}
	return cfg, nil
}

// indexingHeadroom is left under WriteTimeout for the store lookups and upserts around indexing.
const indexingHeadroom = 15 * time.Second

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("15s", "20m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
