package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/transcoder"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-artifacts")

// CommitToken proves that every planned artifact of a video exists on disk.
// Only Store.Commit can produce a valid token.
type CommitToken struct {
	key   string
	dir   string
	files []string
}

// Key returns the committed video key.
func (t CommitToken) Key() string { return t.key }

// Dir returns the committed artifact directory.
func (t CommitToken) Dir() string { return t.dir }

// Files returns the committed file names relative to Dir.
func (t CommitToken) Files() []string {
	return append([]string(nil), t.files...)
}

// Valid reports whether the token was produced by a successful Commit.
func (t CommitToken) Valid() bool {
	return t.key != "" && t.dir != "" && len(t.files) > 0
}

// Store owns the on-disk layout <root>/<videoKey>/<file>.
type Store struct {
	root string
	log  *slog.Logger
}

// NewStore creates a store rooted at root. The root is created if missing.
func NewStore(root string, log *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("artifact root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{root: root, log: log}, nil
}

// Root returns the directory all artifacts live under.
func (s *Store) Root() string {
	return s.root
}

// ValidateKey rejects anything that is not a UUID so keys can never escape the root.
func ValidateKey(key string) error {
	if _, err := uuid.Parse(key); err != nil {
		return fmt.Errorf("%w: %q", models.ErrInvalidVideoKey, key)
	}
	return nil
}

// Dir returns the artifact directory of key without touching the filesystem.
func (s *Store) Dir(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, key), nil
}

// Stage creates the artifact directory for key. Calling it twice is harmless.
func (s *Store) Stage(key string) (string, error) {
	dir, err := s.Dir(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", key, err)
	}
	return dir, nil
}

// Commit checks that every expected file is a non-empty regular file inside
// the staged directory.
func (s *Store) Commit(ctx context.Context, key string, files []string) (CommitToken, error) {
	_, span := tracer.Start(ctx, "commit-artifacts")
	defer span.End()

	dir, err := s.Dir(key)
	if err != nil {
		return CommitToken{}, fmt.Errorf("%w: %w", models.ErrCommit, err)
	}
	if len(files) == 0 {
		return CommitToken{}, fmt.Errorf("%w: no artifacts expected for %s", models.ErrCommit, key)
	}

	for _, name := range files {
		if name != filepath.Base(name) {
			return CommitToken{}, fmt.Errorf("%w: artifact name %q is not a plain file name", models.ErrCommit, name)
		}
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			span.RecordError(err)
			return CommitToken{}, fmt.Errorf("%w: %s: %w", models.ErrCommit, name, err)
		}
		if !info.Mode().IsRegular() {
			return CommitToken{}, fmt.Errorf("%w: %s is not a regular file", models.ErrCommit, name)
		}
		if info.Size() == 0 {
			return CommitToken{}, fmt.Errorf("%w: %s is empty", models.ErrCommit, name)
		}
	}

	return CommitToken{
		key:   key,
		dir:   dir,
		files: append([]string(nil), files...),
	}, nil
}

// DiscardSource removes an uploaded source file. Failures are logged only.
func (s *Store) DiscardSource(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		metrics.ArtifactCleanupFailures.WithLabelValues("source").Inc()
		s.log.WarnContext(ctx, "Failed to remove source upload", "path", path, "error", err)
	}
}

// Destroy removes the artifact directory of key. Failures are logged only.
func (s *Store) Destroy(ctx context.Context, key string) {
	dir, err := s.Dir(key)
	if err != nil {
		s.log.WarnContext(ctx, "Refusing to destroy artifacts", "videoKey", key, "error", err)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		metrics.ArtifactCleanupFailures.WithLabelValues("directory").Inc()
		s.log.WarnContext(ctx, "Failed to remove artifact directory",
			"videoKey", key,
			"dir", dir,
			"error", err,
		)
		return
	}
	s.log.DebugContext(ctx, "Removed artifact directory", "videoKey", key)
}

// RenditionPath returns the path of a rendition file. It does not check that
// the file exists.
func (s *Store) RenditionPath(key, quality string) (string, error) {
	dir, err := s.Dir(key)
	if err != nil {
		return "", err
	}
	r, ok := transcoder.RenditionByName(quality)
	if !ok {
		return "", fmt.Errorf("%w: %q", models.ErrQualityNotFound, quality)
	}
	return filepath.Join(dir, r.FileName()), nil
}
