package transcoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// Metadata is what the pipeline needs to know about a source file.
type Metadata struct {
	DurationSeconds int
	SourceHeight    int
	HasVideoStream  bool
}

// ffprobeOutput is the subset of `ffprobe -print_format json` output we read.
type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format *struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Prober extracts container and stream metadata with ffprobe.
type Prober struct {
	binary  string
	timeout time.Duration
}

// NewProber creates a Prober running the given ffprobe binary.
func NewProber(binary string, timeout time.Duration) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{binary: binary, timeout: timeout}
}

// Probe inspects the file at path. A file without a video stream is not an
// error: it yields SourceHeight 0.
func (p *Prober) Probe(ctx context.Context, path string) (Metadata, error) {
	ctx, span := tracer.Start(ctx, "ffprobe")
	defer span.End()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	).Output()
	metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return Metadata{}, fmt.Errorf("%w: %v: %s", models.ErrProbe, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return Metadata{}, fmt.Errorf("%w: %v", models.ErrProbe, err)
	}

	meta, err := ParseProbeOutput(out)
	if err != nil {
		span.RecordError(err)
		return Metadata{}, err
	}

	span.SetAttributes(
		attribute.Int("video.source_height", meta.SourceHeight),
		attribute.Int("video.duration_seconds", meta.DurationSeconds),
	)
	return meta, nil
}

// ParseProbeOutput decodes ffprobe JSON output.
func ParseProbeOutput(data []byte) (Metadata, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return Metadata{}, fmt.Errorf("%w: malformed ffprobe output: %v", models.ErrProbe, err)
	}
	if probe.Format == nil && probe.Streams == nil {
		return Metadata{}, fmt.Errorf("%w: ffprobe output has no format or streams", models.ErrProbe)
	}

	var meta Metadata
	for _, s := range probe.Streams {
		if s.CodecType == "video" {
			meta.HasVideoStream = true
			meta.SourceHeight = s.Height
			break
		}
	}

	if probe.Format != nil {
		// "N/A" and other non-numeric durations count as zero.
		if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil && d > 0 {
			meta.DurationSeconds = int(math.Round(d))
		}
	}

	return meta, nil
}
