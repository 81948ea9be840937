package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amillerrr/vod-pipeline/internal/artifacts"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// Postgres error codes
const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

const videoColumns = `id, title, description, thumbnail_url, video_key, duration_seconds,
author_id, status, renditions, likes_count, views_count, created_at, updated_at`

// PostgresCatalog stores video records in Postgres.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// NewPostgresCatalog opens a pool for dsn and applies the schema.
func NewPostgresCatalog(ctx context.Context, dsn string) (*PostgresCatalog, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	c := &PostgresCatalog{pool: pool}
	if err := c.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

// NewPostgresCatalogFromPool wraps an existing pool. The schema is not applied.
func NewPostgresCatalogFromPool(pool *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (c *PostgresCatalog) Migrate(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply catalog schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (c *PostgresCatalog) Close() {
	if c != nil && c.pool != nil {
		c.pool.Close()
	}
}

// Ping checks that the database is reachable.
func (c *PostgresCatalog) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// CreateVideo inserts the record for committed artifacts in one transaction.
func (c *PostgresCatalog) CreateVideo(ctx context.Context, token artifacts.CommitToken, v models.NewVideo) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "catalog-create")
	defer span.End()

	if err := checkCreate(token, &v); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	video := &models.Video{
		ID:              uuid.NewString(),
		Title:           strings.TrimSpace(v.Title),
		Description:     v.Description,
		ThumbnailURL:    v.ThumbnailURL,
		VideoKey:        token.Key(),
		DurationSeconds: v.DurationSeconds,
		AuthorID:        v.AuthorID,
		Status:          models.StatusDone,
		Renditions:      renditionsOf(token),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO videos (id, title, description, thumbnail_url, video_key, duration_seconds,
    author_id, status, renditions, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, video.ID, video.Title, video.Description, video.ThumbnailURL, video.VideoKey,
			video.DurationSeconds, video.AuthorID, string(video.Status), video.Renditions,
			video.CreatedAt, video.UpdatedAt)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, mapPgError(err)
	}

	return video, nil
}

// GetVideo returns the record with the given id.
func (c *PostgresCatalog) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	row := c.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	return scanVideo(row)
}

// GetVideoByKey returns the record whose artifacts live under videoKey.
func (c *PostgresCatalog) GetVideoByKey(ctx context.Context, videoKey string) (*models.Video, error) {
	row := c.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE video_key = $1`, videoKey)
	return scanVideo(row)
}

// ListVideos returns every record newest first, optionally filtered by a
// case-insensitive title substring.
func (c *PostgresCatalog) ListVideos(ctx context.Context, search string) ([]models.Video, error) {
	search = strings.TrimSpace(search)
	if search == "" {
		return c.queryVideos(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY created_at DESC`)
	}
	return c.queryVideos(ctx, `
SELECT `+videoColumns+`
FROM videos
WHERE title ILIKE '%' || $1 || '%'
ORDER BY created_at DESC
`, escapeLike(search))
}

// ListByAuthor returns the author's records newest first.
func (c *PostgresCatalog) ListByAuthor(ctx context.Context, authorID string) ([]models.Video, error) {
	return c.queryVideos(ctx, `
SELECT `+videoColumns+`
FROM videos
WHERE author_id = $1
ORDER BY created_at DESC
`, authorID)
}

// UpdateVideo applies an owner edit.
func (c *PostgresCatalog) UpdateVideo(ctx context.Context, id, userID string, patch models.VideoUpdate) (*models.Video, error) {
	var updated *models.Video
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		video, err := scanVideo(tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if !video.OwnedBy(userID) {
			return models.ErrForbidden
		}

		patch.Apply(video)
		if strings.TrimSpace(video.Title) == "" {
			return models.ErrMissingTitle
		}
		video.UpdatedAt = time.Now().UTC()

		if _, err := tx.Exec(ctx, `
UPDATE videos SET title = $2, description = $3, updated_at = $4 WHERE id = $1
`, id, video.Title, video.Description, video.UpdatedAt); err != nil {
			return err
		}
		updated = video
		return nil
	})
	if err != nil {
		return nil, mapPgError(err)
	}
	return updated, nil
}

// DeleteVideo removes an owned record and returns it so the caller can
// release its artifacts.
func (c *PostgresCatalog) DeleteVideo(ctx context.Context, id, userID string) (*models.Video, error) {
	var deleted *models.Video
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		video, err := scanVideo(tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if !video.OwnedBy(userID) {
			return models.ErrForbidden
		}
		if _, err := tx.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id); err != nil {
			return err
		}
		deleted = video
		return nil
	})
	if err != nil {
		return nil, mapPgError(err)
	}
	return deleted, nil
}

// RecordView counts a view once per (video, user).
func (c *PostgresCatalog) RecordView(ctx context.Context, videoID, userID string) error {
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
INSERT INTO video_views (video_id, user_id) VALUES ($1, $2)
ON CONFLICT (video_id, user_id) DO NOTHING
`, videoID, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE videos SET views_count = views_count + 1 WHERE id = $1`, videoID)
		return err
	})
	return mapPgError(err)
}

func (c *PostgresCatalog) queryVideos(ctx context.Context, sql string, args ...any) ([]models.Video, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list videos: %w", models.ErrCatalog, err)
	}
	defer rows.Close()

	videos := make([]models.Video, 0)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, *video)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list videos: %w", models.ErrCatalog, err)
	}
	return videos, nil
}

func (c *PostgresCatalog) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func scanVideo(row pgx.Row) (*models.Video, error) {
	var (
		video  models.Video
		status string
	)
	err := row.Scan(
		&video.ID,
		&video.Title,
		&video.Description,
		&video.ThumbnailURL,
		&video.VideoKey,
		&video.DurationSeconds,
		&video.AuthorID,
		&status,
		&video.Renditions,
		&video.LikesCount,
		&video.ViewsCount,
		&video.CreatedAt,
		&video.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan video: %w", models.ErrCatalog, err)
	}
	video.Status = models.VideoStatus(status)
	return &video, nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

// mapPgError translates constraint violations to catalog errors. Errors that
// already carry a catalog sentinel pass through.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		models.ErrNotFound,
		models.ErrForbidden,
		models.ErrMissingTitle,
		models.ErrCatalog,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			if strings.Contains(pgErr.ConstraintName, "video_id") {
				return models.ErrNotFound
			}
			return fmt.Errorf("%w: %s", models.ErrAuthorNotFound, pgErr.Detail)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", models.ErrDuplicateVideoKey, pgErr.Detail)
		}
	}
	return fmt.Errorf("%w: %w", models.ErrCatalog, err)
}

// escapeLike escapes LIKE wildcards so search text matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
