package storage

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/amillerrr/vod-pipeline/internal/artifacts"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-catalog")

// Catalog is the durable store of video records.
//
// CreateVideo is the only way to add a record and requires a CommitToken, so a
// record can never point at artifacts that were not verified on disk.
type Catalog interface {
	CreateVideo(ctx context.Context, token artifacts.CommitToken, v models.NewVideo) (*models.Video, error)
	GetVideo(ctx context.Context, id string) (*models.Video, error)
	GetVideoByKey(ctx context.Context, videoKey string) (*models.Video, error)
	ListVideos(ctx context.Context, search string) ([]models.Video, error)
	ListByAuthor(ctx context.Context, authorID string) ([]models.Video, error)
	UpdateVideo(ctx context.Context, id, userID string, patch models.VideoUpdate) (*models.Video, error)
	DeleteVideo(ctx context.Context, id, userID string) (*models.Video, error)
	RecordView(ctx context.Context, videoID, userID string) error
	Ping(ctx context.Context) error
}

// checkCreate validates the inputs shared by every backend's CreateVideo.
func checkCreate(token artifacts.CommitToken, v *models.NewVideo) error {
	if !token.Valid() {
		return fmt.Errorf("%w: artifacts were not committed", models.ErrCommit)
	}
	return v.Validate()
}

// renditionsOf lists the quality names of the committed rendition files.
func renditionsOf(token artifacts.CommitToken) []string {
	names := []string{}
	for _, f := range token.Files() {
		if name, ok := strings.CutSuffix(f, ".mp4"); ok {
			names = append(names, name)
		}
	}
	return names
}

// matchesSearch reports whether title contains search, ignoring case.
func matchesSearch(title, search string) bool {
	search = strings.TrimSpace(search)
	if search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(title), strings.ToLower(search))
}
