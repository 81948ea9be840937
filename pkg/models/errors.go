package models

import "errors"

// Sentinel errors for video operations.
var (
	// Pipeline errors
	ErrProbe           = errors.New("failed to probe source video")
	ErrEncode          = errors.New("failed to encode renditions")
	ErrFFmpegFailed    = errors.New("ffmpeg execution failed")
	ErrCommit          = errors.New("failed to commit artifacts")
	ErrCatalog         = errors.New("failed to write catalog record")
	ErrContextCanceled = errors.New("context canceled")

	// Catalog errors
	ErrNotFound          = errors.New("video not found")
	ErrQualityNotFound   = errors.New("video quality not found")
	ErrForbidden         = errors.New("video not owned by caller")
	ErrAuthorNotFound    = errors.New("author does not exist")
	ErrDuplicateVideoKey = errors.New("video key already exists")

	// Upload validation errors
	ErrMissingFile     = errors.New("file is required")
	ErrMissingTitle    = errors.New("title is required")
	ErrInvalidFileType = errors.New("invalid file type")
	ErrFilenameTooLong = errors.New("filename too long")
	ErrInvalidVideoKey = errors.New("invalid video key")
)
