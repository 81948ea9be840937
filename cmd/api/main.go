package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/amillerrr/vod-pipeline/internal/api"
	"github.com/amillerrr/vod-pipeline/internal/artifacts"
	"github.com/amillerrr/vod-pipeline/internal/auth"
	"github.com/amillerrr/vod-pipeline/internal/config"
	"github.com/amillerrr/vod-pipeline/internal/events"
	"github.com/amillerrr/vod-pipeline/internal/health"
	"github.com/amillerrr/vod-pipeline/internal/logger"
	"github.com/amillerrr/vod-pipeline/internal/observability"
	"github.com/amillerrr/vod-pipeline/internal/pipeline"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/internal/stream"
	"github.com/amillerrr/vod-pipeline/internal/transcoder"
)

const (
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	StartupTimeout        = 15 * time.Second
)

func main() {
	// Load .env file if present
	envErr := godotenv.Load()

	// Load configuration
	cfg, err := config.LoadAPI()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, using system environment variables")
	}

	if err := run(cfg, log); err != nil {
		log.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize tracer
	shutdownTracer, err := observability.InitTracer(ctx, "vod-api", cfg)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	for _, dir := range []string{cfg.Media.VideosRoot, cfg.Media.UploadTmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create media directory %s: %w", dir, err)
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, StartupTimeout)
	defer cancel()

	awsCfg, err := storage.LoadAWSConfig(startCtx, cfg.AWS.Region)
	if err != nil {
		return err
	}

	// Initialize catalog
	catalog, closeCatalog, err := openCatalog(startCtx, cfg, awsCfg)
	if err != nil {
		return err
	}
	defer closeCatalog()
	log.Info("Catalog initialized", "backend", cfg.Catalog.Backend)

	components := []health.Component{health.CatalogComponent(catalog)}

	// Optional S3 mirror of committed artifacts
	var mirror artifacts.Mirror = artifacts.NopMirror{}
	if cfg.AWS.ArtifactBucket != "" {
		s3Client := s3.NewFromConfig(awsCfg)
		mirror = artifacts.NewS3Mirror(s3Client, cfg.AWS.ArtifactBucket, log)
		components = append(components, health.S3Component(s3Client, cfg.AWS.ArtifactBucket))
		log.Info("Artifact mirror enabled", "bucket", cfg.AWS.ArtifactBucket)
	}

	// Optional lifecycle events
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AWS.EventsQueueURL != "" {
		sqsClient := sqs.NewFromConfig(awsCfg)
		publisher = events.NewSQSPublisher(sqsClient, cfg.AWS.EventsQueueURL, log)
		components = append(components, health.SQSComponent(sqsClient, cfg.AWS.EventsQueueURL))
		log.Info("Event publishing enabled", "queueUrl", cfg.AWS.EventsQueueURL)
	}

	store, err := artifacts.NewStore(cfg.Media.VideosRoot, log)
	if err != nil {
		return fmt.Errorf("initialize artifact store: %w", err)
	}

	encoder := transcoder.NewOrchestrator(transcoder.OrchestratorConfig{
		Runner:        transcoder.NewFFmpegRunner(cfg.Media.FFmpegPath, log),
		MaxConcurrent: cfg.Media.MaxConcurrentEncodes,
		JobTimeout:    cfg.Media.EncodeTimeout,
		Logger:        log,
	})

	videos := pipeline.New(pipeline.Config{
		Prober:       transcoder.NewProber(cfg.Media.FFprobePath, cfg.Media.ProbeTimeout),
		Encoder:      encoder,
		Store:        store,
		Catalog:      catalog,
		Mirror:       mirror,
		Publisher:    publisher,
		ThumbnailURL: cfg.ThumbnailURL,
		Logger:       log,
	})

	// Initialize JWT service
	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		return fmt.Errorf("get JWT secret: %w", err)
	}
	jwtService, err := auth.NewJWTService(jwtSecret)
	if err != nil {
		return fmt.Errorf("create JWT service: %w", err)
	}

	server, err := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Videos:        videos,
		Catalog:       catalog,
		Streamer:      stream.NewServer(catalog, store, log),
		JWTService:    jwtService,
		RateLimiter:   auth.NewRateLimiter(auth.DefaultRateLimiterConfig()),
		HealthChecker: health.NewChecker(health.DefaultConfig("vod-api", log, components...)),
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Server shutdown complete")
	return nil
}

// openCatalog connects the configured catalog backend and returns a release
// func for it.
func openCatalog(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (storage.Catalog, func(), error) {
	switch cfg.Catalog.Backend {
	case config.BackendDynamoDB:
		catalog, err := storage.NewDynamoCatalog(dynamodb.NewFromConfig(awsCfg), cfg.AWS.DynamoDBTable)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize dynamodb catalog: %w", err)
		}
		return catalog, func() {}, nil
	default:
		catalog, err := storage.NewPostgresCatalog(ctx, cfg.Catalog.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize postgres catalog: %w", err)
		}
		return catalog, catalog.Close, nil
	}
}
