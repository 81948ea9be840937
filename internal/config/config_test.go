package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/vod")
	t.Setenv("SERVER_URL", "https://media.example.com/")
	t.Setenv("STATIC_PREFIX", "assets/videos/")
	t.Setenv("ENCODE_TIMEOUT", "30m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Catalog.Backend != BackendPostgres {
		t.Errorf("Backend = %v, want %v", cfg.Catalog.Backend, BackendPostgres)
	}
	if cfg.Catalog.DatabaseURL != "postgres://localhost/vod" {
		t.Errorf("DatabaseURL = %v", cfg.Catalog.DatabaseURL)
	}
	if cfg.API.ServerURL != "https://media.example.com" {
		t.Errorf("ServerURL = %v, want trailing slash trimmed", cfg.API.ServerURL)
	}
	if cfg.API.StaticPrefix != "/assets/videos" {
		t.Errorf("StaticPrefix = %v, want /assets/videos", cfg.API.StaticPrefix)
	}
	if cfg.Media.EncodeTimeout != 30*time.Minute {
		t.Errorf("EncodeTimeout = %v, want 30m", cfg.Media.EncodeTimeout)
	}
	if cfg.Media.MaxConcurrentEncodes < 1 {
		t.Errorf("MaxConcurrentEncodes = %d, want >= 1", cfg.Media.MaxConcurrentEncodes)
	}
}

func TestValidateAPI_MissingRequired(t *testing.T) {
	cfg := &Config{
		Environment: "dev",
		Catalog:     CatalogConfig{Backend: BackendPostgres},
	}

	err := cfg.ValidateAPI()
	if err == nil {
		t.Fatal("ValidateAPI() expected error for missing required fields")
	}
	for _, want := range []string{"DATABASE_URL", "VIDEOS_ROOT", "JWT_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("ValidateAPI() error %q does not mention %s", err, want)
		}
	}
}

func TestValidateAPI_DynamoRequiresTable(t *testing.T) {
	cfg := validConfig()
	cfg.Catalog = CatalogConfig{Backend: BackendDynamoDB}

	err := cfg.ValidateAPI()
	if err == nil || !strings.Contains(err.Error(), "DYNAMODB_TABLE") {
		t.Errorf("ValidateAPI() error = %v, want DYNAMODB_TABLE error", err)
	}
}

func TestValidateAPI_UnknownBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Catalog.Backend = "sqlite"

	if err := cfg.ValidateAPI(); err == nil {
		t.Error("ValidateAPI() expected error for unknown backend")
	}
}

func TestValidateAPI_ProductionRequiresLongSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Environment = "production"
	cfg.API.ServerURL = "https://media.example.com"
	cfg.API.JWTSecret = "short"

	if err := cfg.ValidateAPI(); err == nil {
		t.Error("ValidateAPI() expected error for short secret in production")
	}
}

func TestValidateAPI_AllPresent(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ValidateAPI(); err != nil {
		t.Errorf("ValidateAPI() unexpected error = %v", err)
	}
}

func TestIsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"prod", true},
		{"production", true},
		{"PROD", true},
		{"PRODUCTION", true},
		{"dev", false},
		{"staging", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := &Config{Environment: tt.env}
			if got := cfg.IsProduction(); got != tt.want {
				t.Errorf("IsProduction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetJWTSecret(t *testing.T) {
	cfg := &Config{Environment: "dev"}
	if _, err := cfg.GetJWTSecret(); err == nil {
		t.Error("GetJWTSecret() expected error when unset")
	}

	cfg.API.JWTSecret = "dev-secret"
	secret, err := cfg.GetJWTSecret()
	if err != nil {
		t.Fatalf("GetJWTSecret() error = %v", err)
	}
	if string(secret) != "dev-secret" {
		t.Errorf("GetJWTSecret() = %s, want dev-secret", secret)
	}
}

func TestThumbnailURL(t *testing.T) {
	cfg := &Config{API: APIConfig{ServerURL: "http://localhost:4000", StaticPrefix: "/static/videos"}}

	got := cfg.ThumbnailURL("abc")
	want := "http://localhost:4000/static/videos/abc/thumbnail.jpg"
	if got != want {
		t.Errorf("ThumbnailURL() = %s, want %s", got, want)
	}
}

func TestGetEnvSlice(t *testing.T) {
	os.Setenv("TEST_SLICE", "a, b, c")
	defer os.Unsetenv("TEST_SLICE")

	result := getEnvSlice("TEST_SLICE", nil)
	if len(result) != 3 {
		t.Errorf("getEnvSlice() len = %d, want 3", len(result))
	}
	if result[0] != "a" || result[1] != "b" || result[2] != "c" {
		t.Errorf("getEnvSlice() = %v, want [a b c]", result)
	}
}

func TestGetEnvInt(t *testing.T) {
	os.Setenv("TEST_INT", "42")
	defer os.Unsetenv("TEST_INT")

	result := getEnvInt("TEST_INT", 10)
	if result != 42 {
		t.Errorf("getEnvInt() = %d, want 42", result)
	}

	// Test default
	result = getEnvInt("NONEXISTENT", 10)
	if result != 10 {
		t.Errorf("getEnvInt() = %d, want 10", result)
	}
}

func TestGetEnvDuration_Invalid(t *testing.T) {
	t.Setenv("TEST_DURATION", "soon")

	if got := getEnvDuration("TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() = %v, want default 1s", got)
	}
}

func validConfig() *Config {
	return &Config{
		Environment: "dev",
		API:         APIConfig{JWTSecret: "secret", ServerURL: DefaultServerURL},
		Media:       MediaConfig{VideosRoot: "videos", UploadTmpDir: "tmp"},
		Catalog:     CatalogConfig{Backend: BackendPostgres, DatabaseURL: "postgres://localhost/vod"},
	}
}
