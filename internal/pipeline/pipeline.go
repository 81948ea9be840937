package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/artifacts"
	"github.com/amillerrr/vod-pipeline/internal/events"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/internal/transcoder"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-pipeline")

// Prober reads source metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (transcoder.Metadata, error)
}

// Encoder produces every file of a plan into a directory.
type Encoder interface {
	Run(ctx context.Context, sourcePath, outputDir string, plan transcoder.Plan) (transcoder.Result, error)
}

// ArtifactStore is the on-disk lifecycle of a video's files.
type ArtifactStore interface {
	Stage(key string) (string, error)
	Commit(ctx context.Context, key string, files []string) (artifacts.CommitToken, error)
	DiscardSource(ctx context.Context, path string)
	Destroy(ctx context.Context, key string)
}

// SourceUpload is a fully received upload waiting to be processed.
type SourceUpload struct {
	Path        string
	VideoKey    string
	Title       string
	Description string
	AuthorID    string
}

// Config holds pipeline dependencies.
type Config struct {
	Prober    Prober
	Encoder   Encoder
	Store     ArtifactStore
	Catalog   storage.Catalog
	Mirror    artifacts.Mirror
	Publisher events.Publisher

	// ThumbnailURL maps a video key to the public thumbnail URL.
	ThumbnailURL func(videoKey string) string
	Logger       *slog.Logger
}

// Pipeline turns an uploaded source into catalogued renditions.
type Pipeline struct {
	prober       Prober
	encoder      Encoder
	store        ArtifactStore
	catalog      storage.Catalog
	mirror       artifacts.Mirror
	publisher    events.Publisher
	thumbnailURL func(string) string
	log          *slog.Logger
}

// New creates a Pipeline. Mirror and Publisher default to no-ops.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		prober:       cfg.Prober,
		encoder:      cfg.Encoder,
		store:        cfg.Store,
		catalog:      cfg.Catalog,
		mirror:       cfg.Mirror,
		publisher:    cfg.Publisher,
		thumbnailURL: cfg.ThumbnailURL,
		log:          cfg.Logger,
	}
	if p.mirror == nil {
		p.mirror = artifacts.NopMirror{}
	}
	if p.publisher == nil {
		p.publisher = events.NopPublisher{}
	}
	if p.thumbnailURL == nil {
		p.thumbnailURL = func(string) string { return "" }
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Ingest probes, plans, encodes, commits and catalogs an upload. The source
// file is always discarded. On any failure after staging, the artifact
// directory is destroyed before Ingest returns, so a failed upload leaves
// neither files nor a record behind.
func (p *Pipeline) Ingest(ctx context.Context, src SourceUpload) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "ingest")
	defer span.End()

	span.SetAttributes(
		attribute.String("video.key", src.VideoKey),
		attribute.String("video.author", src.AuthorID),
	)

	metrics.ActivePipelines.Inc()
	defer metrics.ActivePipelines.Dec()

	start := time.Now()
	defer p.store.DiscardSource(context.WithoutCancel(ctx), src.Path)

	p.log.InfoContext(ctx, "Processing upload",
		"videoKey", src.VideoKey,
		"authorId", src.AuthorID,
	)

	// Stage of the most recent failure, for metrics and logs.
	var failedStage string
	defer func() {
		if failedStage != "" {
			metrics.RecordFailure(failedStage)
		}
	}()

	meta, err := p.prober.Probe(ctx, src.Path)
	if err != nil {
		failedStage = "probe"
		span.RecordError(err)
		return nil, err
	}

	// A source below the smallest rendition still yields a thumbnail and a
	// record with no renditions.
	plan := transcoder.PlanRenditions(meta.SourceHeight)
	span.SetAttributes(
		attribute.Int("video.source_height", meta.SourceHeight),
		attribute.StringSlice("video.renditions", plan.Names()),
	)

	dir, err := p.store.Stage(src.VideoKey)
	if err != nil {
		failedStage = "stage"
		return nil, fmt.Errorf("%w: %w", models.ErrEncode, err)
	}

	committed := false
	defer func() {
		if !committed {
			p.store.Destroy(context.WithoutCancel(ctx), src.VideoKey)
		}
	}()

	if _, err := p.encoder.Run(ctx, src.Path, dir, plan); err != nil {
		failedStage = "encode"
		span.RecordError(err)
		return nil, err
	}

	token, err := p.store.Commit(ctx, src.VideoKey, plan.Files())
	if err != nil {
		failedStage = "commit"
		span.RecordError(err)
		return nil, err
	}

	video, err := p.catalog.CreateVideo(ctx, token, models.NewVideo{
		Title:           src.Title,
		Description:     src.Description,
		AuthorID:        src.AuthorID,
		DurationSeconds: meta.DurationSeconds,
		ThumbnailURL:    p.thumbnailURL(src.VideoKey),
	})
	if err != nil {
		failedStage = "catalog"
		span.RecordError(err)
		if errors.Is(err, models.ErrDuplicateVideoKey) {
			// The directory belongs to the record that already owns the key.
			committed = true
		}
		if errors.Is(err, models.ErrAuthorNotFound) ||
			errors.Is(err, models.ErrMissingTitle) ||
			errors.Is(err, models.ErrCatalog) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", models.ErrCatalog, err)
	}
	committed = true

	p.afterCommit(ctx, token, video)

	duration := time.Since(start)
	metrics.PipelineDuration.Observe(duration.Seconds())
	metrics.RecordSuccess()

	p.log.InfoContext(ctx, "Video processed successfully",
		"videoId", video.ID,
		"videoKey", video.VideoKey,
		"renditions", video.Renditions,
		"durationSeconds", video.DurationSeconds,
		"processingSeconds", duration.Seconds(),
	)

	return video, nil
}

// afterCommit runs the best-effort steps that follow a durable catalog write.
func (p *Pipeline) afterCommit(ctx context.Context, token artifacts.CommitToken, video *models.Video) {
	if err := p.mirror.Upload(ctx, token); err != nil {
		p.log.WarnContext(ctx, "Failed to mirror artifacts",
			"videoKey", video.VideoKey,
			"error", err,
		)
	}
	if err := p.publisher.Publish(ctx, events.NewEvent(events.VideoPublished, video)); err != nil {
		p.log.WarnContext(ctx, "Failed to publish event",
			"videoId", video.ID,
			"error", err,
		)
	}
}

// Delete removes an owned video. The catalog delete decides the outcome;
// artifact and mirror removal afterwards are best-effort.
func (p *Pipeline) Delete(ctx context.Context, id, userID string) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "delete")
	defer span.End()

	video, err := p.catalog.DeleteVideo(ctx, id, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	cleanupCtx := context.WithoutCancel(ctx)
	p.store.Destroy(cleanupCtx, video.VideoKey)
	if err := p.mirror.Remove(cleanupCtx, video.VideoKey); err != nil {
		p.log.WarnContext(ctx, "Failed to remove mirrored artifacts",
			"videoKey", video.VideoKey,
			"error", err,
		)
	}
	if err := p.publisher.Publish(cleanupCtx, events.NewEvent(events.VideoDeleted, video)); err != nil {
		p.log.WarnContext(ctx, "Failed to publish event",
			"videoId", video.ID,
			"error", err,
		)
	}

	p.log.InfoContext(ctx, "Video deleted", "videoId", video.ID, "videoKey", video.VideoKey)
	return video, nil
}
