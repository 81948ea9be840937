package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-stream")

// VideoLookup resolves a public video key to its catalog record.
type VideoLookup interface {
	GetVideoByKey(ctx context.Context, videoKey string) (*models.Video, error)
}

// RenditionLocator maps a key and quality to a rendition file on disk.
type RenditionLocator interface {
	RenditionPath(key, quality string) (string, error)
}

// File is the read side of an open rendition.
type File interface {
	io.ReaderAt
	io.Closer
	Stat() (fs.FileInfo, error)
}

// Server serves rendition files in byte ranges.
type Server struct {
	videos VideoLookup
	files  RenditionLocator
	open   func(name string) (File, error)
	log    *slog.Logger
}

// NewServer creates a Server.
func NewServer(videos VideoLookup, files RenditionLocator, log *slog.Logger) *Server {
	return &Server{videos: videos, files: files, open: openFile, log: log}
}

func openFile(name string) (File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Rendition is an open rendition file.
type Rendition struct {
	File    File
	Size    int64
	Quality string
}

// Open resolves key and quality to an open rendition file. An empty quality
// selects the highest rendition of the video. The caller must close the file.
func (s *Server) Open(ctx context.Context, key, quality string) (*Rendition, error) {
	video, err := s.videos.GetVideoByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	if quality == "" {
		if len(video.Renditions) == 0 {
			return nil, fmt.Errorf("%w: video %s has no renditions", models.ErrQualityNotFound, key)
		}
		quality = video.Renditions[0]
	}
	if !slices.Contains(video.Renditions, quality) {
		return nil, fmt.Errorf("%w: %q", models.ErrQualityNotFound, quality)
	}

	path, err := s.files.RenditionPath(key, quality)
	if err != nil {
		return nil, err
	}

	f, err := s.open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", models.ErrQualityNotFound, quality)
		}
		return nil, fmt.Errorf("open rendition: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat rendition: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %q", models.ErrQualityNotFound, quality)
	}

	return &Rendition{File: f, Size: info.Size(), Quality: quality}, nil
}

// Serve writes the requested range of the rendition. Lookup failures are
// returned without writing anything so the caller can map them to a status.
// Once headers are sent the response is either completed or aborted.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, key, quality string) error {
	ctx, span := tracer.Start(r.Context(), "stream.Serve")
	defer span.End()
	span.SetAttributes(
		attribute.String("video.key", key),
		attribute.String("video.quality", quality),
	)

	rend, err := s.Open(ctx, key, quality)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer rend.File.Close()
	quality, size := rend.Quality, rend.Size

	window, err := ParseRange(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		s.log.DebugContext(ctx, "Rejected range", "videoKey", key, "range", r.Header.Get("Range"), "error", err)
		return nil
	}

	h := w.Header()
	h.Set("Content-Range", window.ContentRange())
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(window.Length(), 10))
	h.Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusPartialContent)

	src := &trackedReader{r: io.NewSectionReader(rend.File, window.Start, window.Length())}
	n, err := io.Copy(w, src)
	metrics.StreamBytes.WithLabelValues(quality).Add(float64(n))
	if err == nil {
		return nil
	}

	if src.err != nil {
		metrics.StreamAborts.WithLabelValues("read_error").Inc()
		s.log.ErrorContext(ctx, "Rendition read failed mid-stream",
			"videoKey", key,
			"quality", quality,
			"sent", n,
			"error", src.err,
		)
		panic(http.ErrAbortHandler)
	}

	metrics.StreamAborts.WithLabelValues("client_gone").Inc()
	s.log.DebugContext(ctx, "Client stopped reading", "videoKey", key, "sent", n, "error", err)
	return nil
}

// trackedReader remembers the first read error so a failed copy can be
// attributed to the file rather than the client.
type trackedReader struct {
	r   io.Reader
	err error
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
