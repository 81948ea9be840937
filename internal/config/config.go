package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	LogLevel      string
	API           APIConfig
	Media         MediaConfig
	Catalog       CatalogConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port           string
	ServerURL      string
	StaticPrefix   string
	JWTSecret      string
	MaxUploadBytes int64
}

// MediaConfig holds filesystem and encoder configuration.
type MediaConfig struct {
	VideosRoot           string
	UploadTmpDir         string
	FFmpegPath           string
	FFprobePath          string
	MaxConcurrentEncodes int
	EncodeTimeout        time.Duration
	ProbeTimeout         time.Duration
}

// CatalogConfig selects and configures the catalog backend.
type CatalogConfig struct {
	Backend     string
	DatabaseURL string
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region         string
	DynamoDBTable  string
	ArtifactBucket string
	EventsQueueURL string
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Catalog backends
const (
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// Default values
const (
	DefaultPort           = "4000"
	DefaultServerURL      = "http://localhost:4000"
	DefaultStaticPrefix   = "/static/videos"
	DefaultVideosRoot     = "uploads/videos"
	DefaultUploadTmpDir   = "uploads/tmp"
	DefaultMaxUploadBytes = 4 << 30 // 4 GiB
	DefaultEncodeTimeout  = 2 * time.Hour
	DefaultProbeTimeout   = time.Minute
	DefaultRegion         = "us-west-2"
	DefaultLogLevel       = "info"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		API: APIConfig{
			Port:           getEnv("PORT", DefaultPort),
			ServerURL:      strings.TrimRight(getEnv("SERVER_URL", DefaultServerURL), "/"),
			StaticPrefix:   "/" + strings.Trim(getEnv("STATIC_PREFIX", DefaultStaticPrefix), "/"),
			JWTSecret:      os.Getenv("JWT_SECRET"),
			MaxUploadBytes: getEnvInt64("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes),
		},
		Media: MediaConfig{
			VideosRoot:           getEnv("VIDEOS_ROOT", DefaultVideosRoot),
			UploadTmpDir:         getEnv("UPLOAD_TMP_DIR", DefaultUploadTmpDir),
			FFmpegPath:           getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:          getEnv("FFPROBE_PATH", "ffprobe"),
			MaxConcurrentEncodes: getEnvInt("MAX_CONCURRENT_ENCODES", runtime.NumCPU()),
			EncodeTimeout:        getEnvDuration("ENCODE_TIMEOUT", DefaultEncodeTimeout),
			ProbeTimeout:         getEnvDuration("PROBE_TIMEOUT", DefaultProbeTimeout),
		},
		Catalog: CatalogConfig{
			Backend:     strings.ToLower(getEnv("CATALOG_BACKEND", BackendPostgres)),
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		AWS: AWSConfig{
			Region:         getEnv("AWS_REGION", DefaultRegion),
			DynamoDBTable:  os.Getenv("DYNAMODB_TABLE"),
			ArtifactBucket: os.Getenv("ARTIFACT_BUCKET"),
			EventsQueueURL: os.Getenv("EVENTS_QUEUE_URL"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
	}

	return cfg, nil
}

// LoadAPI loads and validates configuration required for the API service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateAPI validates configuration required for the API service.
func (c *Config) ValidateAPI() error {
	var errs []string

	switch c.Catalog.Backend {
	case BackendPostgres:
		if c.Catalog.DatabaseURL == "" {
			errs = append(errs, "DATABASE_URL is required for the postgres catalog")
		}
	case BackendDynamoDB:
		if c.AWS.DynamoDBTable == "" {
			errs = append(errs, "DYNAMODB_TABLE is required for the dynamodb catalog")
		}
	default:
		errs = append(errs, fmt.Sprintf("CATALOG_BACKEND must be %q or %q", BackendPostgres, BackendDynamoDB))
	}

	if c.Media.VideosRoot == "" {
		errs = append(errs, "VIDEOS_ROOT is required")
	}
	if c.Media.UploadTmpDir == "" {
		errs = append(errs, "UPLOAD_TMP_DIR is required")
	}
	if c.API.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	}

	if c.IsProduction() {
		if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
		if strings.HasPrefix(c.API.ServerURL, "http://localhost") {
			errs = append(errs, "SERVER_URL must be set in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// GetJWTSecret returns the JWT signing secret.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret
	if secret == "" {
		return nil, errors.New("JWT_SECRET not configured")
	}
	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}
	return []byte(secret), nil
}

// ThumbnailURL builds the public URL of a video's thumbnail.
func (c *Config) ThumbnailURL(videoKey string) string {
	return fmt.Sprintf("%s%s/%s/thumbnail.jpg", c.API.ServerURL, c.API.StaticPrefix, videoKey)
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
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
