package models

import (
	"strings"
	"time"
)

// VideoStatus represents the processing status of a catalogued video.
type VideoStatus string

const (
	StatusDone   VideoStatus = "done"
	StatusFailed VideoStatus = "failed"
)

// IsValid returns true if the status is a valid VideoStatus.
func (s VideoStatus) IsValid() bool {
	switch s {
	case StatusDone, StatusFailed:
		return true
	}
	return false
}

// Video is the durable catalog record for one processed upload.
type Video struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	ThumbnailURL    string      `json:"thumbnailUrl"`
	VideoKey        string      `json:"videoKey"`
	DurationSeconds int         `json:"durationSeconds"`
	AuthorID        string      `json:"authorId"`
	Status          VideoStatus `json:"status"`
	Renditions      []string    `json:"renditions"`
	LikesCount      int64       `json:"likesCount"`
	ViewsCount      int64       `json:"viewsCount"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// OwnedBy reports whether userID authored the video.
func (v *Video) OwnedBy(userID string) bool {
	return userID != "" && v.AuthorID == userID
}

// NewVideo carries the caller-supplied fields of a record about to be catalogued.
// The video key and rendition list come from the committed artifacts.
type NewVideo struct {
	Title           string
	Description     string
	AuthorID        string
	DurationSeconds int
	ThumbnailURL    string
}

// Validate checks that the record has all required fields.
func (n *NewVideo) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return ErrMissingTitle
	}
	if n.AuthorID == "" {
		return ErrAuthorNotFound
	}
	return nil
}

// VideoUpdate is an owner edit. Nil fields are left untouched.
type VideoUpdate struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Apply copies the set fields onto v.
func (u VideoUpdate) Apply(v *Video) {
	if u.Title != nil {
		v.Title = *u.Title
	}
	if u.Description != nil {
		v.Description = *u.Description
	}
}
