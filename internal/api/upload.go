package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/vod-pipeline/internal/pipeline"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// Upload limits
const (
	MaxFilenameLength = 255
	MaxFieldBytes     = 64 << 10 // 64 KiB
)

// AllowedExtensions are the source container formats accepted for upload.
var AllowedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

// UploadResponse is the response payload of a processed upload.
type UploadResponse struct {
	Message string `json:"message"`
	VideoID string `json:"videoId"`
}

// UploadHandler receives a multipart upload, runs it through the pipeline
// and returns the catalogued video id. The request completes only after
// every rendition is encoded and catalogued.
func (h *Handlers) UploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := callerID(r)
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	videoKey := uuid.NewString()
	ctx, span := tracer.Start(ctx, "upload-handler",
		trace.WithAttributes(
			attribute.String("handler", "upload"),
			attribute.String("video.key", videoKey),
		))
	defer span.End()

	if h.cfg.API.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.API.MaxUploadBytes)
	}

	src, err := h.receiveUpload(ctx, r, videoKey)
	if err != nil {
		span.RecordError(err)
		h.log.WarnContext(ctx, "Rejected upload", "videoKey", videoKey, "error", err)
		h.writeFailure(ctx, w, err)
		return
	}
	src.AuthorID = userID

	h.log.InfoContext(ctx, "Upload received",
		"videoKey", videoKey,
		"userId", userID,
		"title", src.Title,
	)

	video, err := h.videos.Ingest(ctx, src)
	if err != nil {
		h.writeFailure(ctx, w, err)
		return
	}

	span.SetAttributes(attribute.String("video.id", video.ID))
	h.writeJSON(ctx, w, http.StatusCreated, UploadResponse{
		Message: "Video processed and saved",
		VideoID: video.ID,
	})
}

// receiveUpload streams the multipart body into the upload directory. The
// saved file is removed again if the form turns out to be invalid.
func (h *Handlers) receiveUpload(ctx context.Context, r *http.Request, videoKey string) (src pipeline.SourceUpload, err error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return src, fmt.Errorf("%w: %v", models.ErrMissingFile, err)
	}

	src.VideoKey = videoKey
	defer func() {
		if err != nil && src.Path != "" {
			os.Remove(src.Path)
		}
	}()

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return src, fmt.Errorf("read multipart data: %w", err)
		}

		switch part.FormName() {
		case "file":
			if src.Path != "" {
				part.Close()
				continue
			}
			path, err := h.saveUpload(ctx, part, videoKey)
			part.Close()
			if err != nil {
				return src, err
			}
			src.Path = path
		case "title":
			if src.Title, err = readField(part); err != nil {
				return src, err
			}
		case "description":
			if src.Description, err = readField(part); err != nil {
				return src, err
			}
		default:
			part.Close()
		}
	}

	if src.Path == "" {
		return src, models.ErrMissingFile
	}
	if src.Title == "" {
		return src, models.ErrMissingTitle
	}
	return src, nil
}

// saveUpload writes the file part to <UPLOAD_TMP_DIR>/<videoKey><ext>.
func (h *Handlers) saveUpload(ctx context.Context, part *multipart.Part, videoKey string) (string, error) {
	filename := part.FileName()
	if err := validateFilename(filename); err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	path := filepath.Join(h.cfg.Media.UploadTmpDir, videoKey+ext)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	n, err := io.Copy(f, part)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if n == 0 {
		os.Remove(path)
		return "", fmt.Errorf("%w: uploaded file is empty", models.ErrMissingFile)
	}

	h.log.DebugContext(ctx, "Saved upload", "path", path, "bytes", n, "filename", filename)
	return path, nil
}

func readField(part io.ReadCloser) (string, error) {
	defer part.Close()
	payload, err := io.ReadAll(io.LimitReader(part, MaxFieldBytes))
	if err != nil {
		return "", fmt.Errorf("read form field: %w", err)
	}
	return strings.TrimSpace(string(payload)), nil
}

func validateFilename(filename string) error {
	if filename == "" {
		return models.ErrMissingFile
	}
	if len(filename) > MaxFilenameLength {
		return models.ErrFilenameTooLong
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !AllowedExtensions[ext] {
		return fmt.Errorf("%w: %q", models.ErrInvalidFileType, ext)
	}

	return nil
}
