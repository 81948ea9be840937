package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// MaxConcurrentUploads bounds parallel PutObject calls per video.
const MaxConcurrentUploads = 8

// Mirror copies committed artifacts to secondary storage.
type Mirror interface {
	Upload(ctx context.Context, token CommitToken) error
	Remove(ctx context.Context, key string) error
}

// S3API is the subset of the S3 client used by S3Mirror.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Mirror uploads artifacts under videos/<key>/ in a bucket.
type S3Mirror struct {
	client S3API
	bucket string
	log    *slog.Logger
}

// NewS3Mirror creates a mirror for bucket.
func NewS3Mirror(client S3API, bucket string, log *slog.Logger) *S3Mirror {
	return &S3Mirror{
		client: client,
		bucket: bucket,
		log:    log,
	}
}

func objectPrefix(key string) string {
	return "videos/" + key + "/"
}

// Upload puts every committed file of the token into the bucket.
func (m *S3Mirror) Upload(ctx context.Context, token CommitToken) error {
	ctx, span := tracer.Start(ctx, "mirror-upload")
	defer span.End()

	if !token.Valid() {
		return fmt.Errorf("refusing to mirror an uncommitted video")
	}

	var totalBytes atomic.Int64
	var firstErr atomic.Pointer[error]

	sem := semaphore.NewWeighted(MaxConcurrentUploads)
	var wg sync.WaitGroup

	for _, name := range token.Files() {
		if err := sem.Acquire(ctx, 1); err != nil {
			wrapped := fmt.Errorf("upload of %s interrupted: %w", token.Key(), err)
			firstErr.CompareAndSwap(nil, &wrapped)
			break
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sem.Release(1)

			n, err := m.put(ctx, token, name)
			if err != nil {
				firstErr.CompareAndSwap(nil, &err)
				return
			}
			totalBytes.Add(n)
		}(name)
	}
	wg.Wait()

	if errPtr := firstErr.Load(); errPtr != nil {
		span.RecordError(*errPtr)
		return *errPtr
	}

	span.SetAttributes(
		attribute.Int("files.uploaded", len(token.Files())),
		attribute.Int64("bytes.total", totalBytes.Load()),
	)
	m.log.InfoContext(ctx, "Artifacts mirrored",
		"videoKey", token.Key(),
		"bucket", m.bucket,
		"filesUploaded", len(token.Files()),
		"totalBytes", totalBytes.Load(),
	)
	return nil
}

func (m *S3Mirror) put(ctx context.Context, token CommitToken, name string) (int64, error) {
	file, err := os.Open(filepath.Join(token.Dir(), name))
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	key := objectPrefix(token.Key()) + name
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(name)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	m.log.DebugContext(ctx, "Uploaded file", "key", key)
	return info.Size(), nil
}

// Remove deletes every object under the video's prefix.
func (m *S3Mirror) Remove(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "mirror-remove")
	defer span.End()

	if err := ValidateKey(key); err != nil {
		return err
	}

	listed, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(objectPrefix(key)),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to list mirrored objects: %w", err)
	}
	if len(listed.Contents) == 0 {
		return nil
	}

	ids := make([]types.ObjectIdentifier, 0, len(listed.Contents))
	for _, obj := range listed.Contents {
		ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
	}

	out, err := m.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(m.bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete mirrored objects: %w", err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("failed to delete %d mirrored objects, first: %s", len(out.Errors), aws.ToString(out.Errors[0].Message))
	}

	m.log.InfoContext(ctx, "Mirrored artifacts removed", "videoKey", key, "objects", len(ids))
	return nil
}

// contentType returns the content type of an artifact file.
func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(name, ".jpg"):
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// NopMirror is used when no bucket is configured.
type NopMirror struct{}

func (NopMirror) Upload(context.Context, CommitToken) error { return nil }
func (NopMirror) Remove(context.Context, string) error      { return nil }
