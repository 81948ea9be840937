package testsupport

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amillerrr/vod-pipeline/internal/artifacts"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// CatalogStub is an in-memory storage.Catalog implementation intended for tests.
// Authors must be seeded with AddUser before they can create videos.
type CatalogStub struct {
	mu     sync.RWMutex
	users  map[string]bool
	videos map[string]models.Video
	views  map[string]bool
	seq    time.Time

	// CreateErr, when set, is returned by CreateVideo.
	CreateErr error
	// PingErr is returned by Ping.
	PingErr error
}

// NewCatalogStub constructs a CatalogStub with empty state.
func NewCatalogStub() *CatalogStub {
	return &CatalogStub{
		users:  make(map[string]bool),
		videos: make(map[string]models.Video),
		views:  make(map[string]bool),
		seq:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// AddUser registers an author id.
func (c *CatalogStub) AddUser(id string) {
	c.mu.Lock()
	c.users[id] = true
	c.mu.Unlock()
}

// Seed inserts a record directly, bypassing the commit check.
func (c *CatalogStub) Seed(v models.Video) {
	c.mu.Lock()
	if v.CreatedAt.IsZero() {
		c.seq = c.seq.Add(time.Second)
		v.CreatedAt = c.seq
		v.UpdatedAt = c.seq
	}
	c.videos[v.ID] = v
	c.mu.Unlock()
}

// Len returns the number of stored records.
func (c *CatalogStub) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.videos)
}

func (c *CatalogStub) CreateVideo(ctx context.Context, token artifacts.CommitToken, v models.NewVideo) (*models.Video, error) {
	if c.CreateErr != nil {
		return nil, c.CreateErr
	}
	if !token.Valid() {
		return nil, models.ErrCommit
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.users[v.AuthorID] {
		return nil, models.ErrAuthorNotFound
	}
	for _, existing := range c.videos {
		if existing.VideoKey == token.Key() {
			return nil, models.ErrDuplicateVideoKey
		}
	}

	renditions := []string{}
	for _, f := range token.Files() {
		if name, ok := strings.CutSuffix(f, ".mp4"); ok {
			renditions = append(renditions, name)
		}
	}

	c.seq = c.seq.Add(time.Second)
	video := models.Video{
		ID:              uuid.NewString(),
		Title:           strings.TrimSpace(v.Title),
		Description:     v.Description,
		ThumbnailURL:    v.ThumbnailURL,
		VideoKey:        token.Key(),
		DurationSeconds: v.DurationSeconds,
		AuthorID:        v.AuthorID,
		Status:          models.StatusDone,
		Renditions:      renditions,
		CreatedAt:       c.seq,
		UpdatedAt:       c.seq,
	}
	c.videos[video.ID] = video
	return &video, nil
}

func (c *CatalogStub) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.videos[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &v, nil
}

func (c *CatalogStub) GetVideoByKey(ctx context.Context, videoKey string) (*models.Video, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.videos {
		if v.VideoKey == videoKey {
			return &v, nil
		}
	}
	return nil, models.ErrNotFound
}

func (c *CatalogStub) ListVideos(ctx context.Context, search string) ([]models.Video, error) {
	search = strings.ToLower(strings.TrimSpace(search))
	return c.list(func(v models.Video) bool {
		return search == "" || strings.Contains(strings.ToLower(v.Title), search)
	}), nil
}

func (c *CatalogStub) ListByAuthor(ctx context.Context, authorID string) ([]models.Video, error) {
	return c.list(func(v models.Video) bool { return v.AuthorID == authorID }), nil
}

func (c *CatalogStub) list(keep func(models.Video) bool) []models.Video {
	c.mu.RLock()
	defer c.mu.RUnlock()
	videos := make([]models.Video, 0)
	for _, v := range c.videos {
		if keep(v) {
			videos = append(videos, v)
		}
	}
	sort.Slice(videos, func(i, j int) bool {
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	return videos
}

func (c *CatalogStub) UpdateVideo(ctx context.Context, id, userID string, patch models.VideoUpdate) (*models.Video, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.videos[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !v.OwnedBy(userID) {
		return nil, models.ErrForbidden
	}
	patch.Apply(&v)
	if strings.TrimSpace(v.Title) == "" {
		return nil, models.ErrMissingTitle
	}
	c.videos[id] = v
	return &v, nil
}

func (c *CatalogStub) DeleteVideo(ctx context.Context, id, userID string) (*models.Video, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.videos[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !v.OwnedBy(userID) {
		return nil, models.ErrForbidden
	}
	delete(c.videos, id)
	return &v, nil
}

func (c *CatalogStub) RecordView(ctx context.Context, videoID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.videos[videoID]
	if !ok {
		return models.ErrNotFound
	}
	key := videoID + "|" + userID
	if c.views[key] {
		return nil
	}
	c.views[key] = true
	v.ViewsCount++
	c.videos[videoID] = v
	return nil
}

func (c *CatalogStub) Ping(ctx context.Context) error {
	return c.PingErr
}
