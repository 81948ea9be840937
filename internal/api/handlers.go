package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/vod-pipeline/internal/auth"
	"github.com/amillerrr/vod-pipeline/internal/config"
	"github.com/amillerrr/vod-pipeline/internal/pipeline"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-api")

// MaxRequestBodySize bounds JSON request bodies.
const MaxRequestBodySize = 1 << 20 // 1 MB

// VideoService runs the write paths that touch both files and the catalog.
type VideoService interface {
	Ingest(ctx context.Context, src pipeline.SourceUpload) (*models.Video, error)
	Delete(ctx context.Context, id, userID string) (*models.Video, error)
}

// Streamer serves rendition bytes.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, key, quality string) error
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	cfg      *config.Config
	log      *slog.Logger
	videos   VideoService
	catalog  storage.Catalog
	streamer Streamer
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Config   *config.Config
	Logger   *slog.Logger
	Videos   VideoService
	Catalog  storage.Catalog
	Streamer Streamer
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		cfg:      cfg.Config,
		log:      cfg.Logger,
		videos:   cfg.Videos,
		catalog:  cfg.Catalog,
		streamer: cfg.Streamer,
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// writeFailure maps err to a status and writes it. Server-side failures are
// logged with their cause; the client only sees the public message.
func (h *Handlers) writeFailure(ctx context.Context, w http.ResponseWriter, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		trace.SpanFromContext(ctx).RecordError(err)
		h.log.ErrorContext(ctx, "Request failed", "error", err)
	}
	h.writeError(ctx, w, status, message)
}

// statusFor maps domain errors to an HTTP status and a public message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrQualityNotFound):
		return http.StatusNotFound, "Video quality not found"
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrInvalidVideoKey):
		return http.StatusNotFound, "Video not found"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "You do not own this video"
	case errors.Is(err, models.ErrAuthorNotFound):
		return http.StatusUnprocessableEntity, "Author does not exist"
	case errors.Is(err, models.ErrMissingFile):
		return http.StatusBadRequest, "File is required"
	case errors.Is(err, models.ErrMissingTitle):
		return http.StatusBadRequest, "Title is required"
	case errors.Is(err, models.ErrInvalidFileType):
		return http.StatusBadRequest, "Invalid file type: allowed extensions are mp4, mov, avi, mkv, webm"
	case errors.Is(err, models.ErrFilenameTooLong):
		return http.StatusBadRequest, "Filename too long"
	case errors.Is(err, models.ErrProbe), errors.Is(err, models.ErrEncode),
		errors.Is(err, models.ErrCommit), errors.Is(err, models.ErrCatalog):
		return http.StatusInternalServerError, "Video processing failed"
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return http.StatusRequestEntityTooLarge, "Request body too large"
	}
	return http.StatusInternalServerError, "Internal server error"
}

// callerID returns the authenticated user id set by the JWT middleware.
func callerID(r *http.Request) (string, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	return p.UserID, ok
}

// StatusResponse is the response payload of the status endpoint.
type StatusResponse struct {
	Status models.VideoStatus `json:"status"`
}

// StatusHandler reports the processing status of a video.
func (h *Handlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	video, err := h.catalog.GetVideo(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, StatusResponse{Status: video.Status})
}

// GetVideoHandler returns the full record of a video.
func (h *Handlers) GetVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	video, err := h.catalog.GetVideo(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, video)
}

// ListVideosHandler lists videos newest first, optionally filtered by a
// case-insensitive title search.
func (h *Handlers) ListVideosHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	search := strings.TrimSpace(r.URL.Query().Get("search"))

	ctx, span := tracer.Start(ctx, "list-videos",
		trace.WithAttributes(attribute.String("search", search)))
	defer span.End()

	videos, err := h.catalog.ListVideos(ctx, search)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}
	if videos == nil {
		videos = []models.Video{}
	}

	h.writeJSON(ctx, w, http.StatusOK, videos)
}

// MyVideosHandler lists the caller's videos newest first.
func (h *Handlers) MyVideosHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := callerID(r)
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	videos, err := h.catalog.ListByAuthor(ctx, userID)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}
	if videos == nil {
		videos = []models.Video{}
	}

	h.writeJSON(ctx, w, http.StatusOK, videos)
}

// WatchHandler streams a rendition of a video in byte ranges.
func (h *Handlers) WatchHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := mux.Vars(r)["key"]
	quality := r.URL.Query().Get("quality")

	if err := h.streamer.Serve(w, r, key, quality); err != nil {
		h.writeFailure(ctx, w, err)
	}
}

// ViewHandler records that the caller watched a video. Repeated views by
// the same user are counted once.
func (h *Handlers) ViewHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := callerID(r)
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := h.catalog.RecordView(ctx, mux.Vars(r)["id"], userID); err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]bool{"success": true})
}

// UpdateHandler lets the owner edit the title and description of a video.
func (h *Handlers) UpdateHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := callerID(r)
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var patch models.VideoUpdate
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		h.writeFailure(ctx, w, models.ErrMissingTitle)
		return
	}

	video, err := h.catalog.UpdateVideo(ctx, mux.Vars(r)["id"], userID, patch)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, video)
}

// DeleteHandler removes a video owned by the caller.
func (h *Handlers) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := callerID(r)
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	video, err := h.videos.Delete(ctx, mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	h.log.InfoContext(ctx, "Video deleted", "videoId", video.ID, "userId", userID)
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"message": "Video deleted successfully"})
}
