package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// stderrTailLines is how many trailing ffmpeg stderr lines are kept for error messages.
const stderrTailLines = 8

var tracer = otel.Tracer("vod-transcoder")

// JobKind identifies what a job produces.
type JobKind string

const (
	JobCopy      JobKind = "copy"
	JobScale     JobKind = "scale"
	JobThumbnail JobKind = "thumbnail"
)

// Job is an immutable description of one unit of transcode work.
type Job struct {
	Kind       JobKind
	Name       string
	InputPath  string
	OutputPath string
	Width      int
	Height     int
	PresetArgs []string
}

// External reports whether the job runs the encoding engine.
func (j Job) External() bool {
	return j.Kind != JobCopy
}

// Args returns the ffmpeg argument list for the job.
func (j Job) Args() []string {
	scale := "scale=" + strconv.Itoa(j.Width) + ":" + strconv.Itoa(j.Height)

	switch j.Kind {
	case JobThumbnail:
		return []string{
			"-y",
			"-ss", ThumbnailOffset,
			"-i", j.InputPath,
			"-frames:v", "1",
			"-vf", scale,
			j.OutputPath,
		}
	case JobScale:
		args := []string{"-y", "-i", j.InputPath}
		args = append(args, j.PresetArgs...)
		return append(args, "-vf", scale, j.OutputPath)
	default:
		return nil
	}
}

// Runner executes a single external job.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// FFmpegRunner runs jobs with the ffmpeg binary.
type FFmpegRunner struct {
	binary string
	log    *slog.Logger
}

// NewFFmpegRunner creates a runner for the given ffmpeg binary.
func NewFFmpegRunner(binary string, log *slog.Logger) *FFmpegRunner {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegRunner{binary: binary, log: log}
}

// Run executes the job and waits for ffmpeg to exit.
func (r *FFmpegRunner) Run(ctx context.Context, job Job) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-"+string(job.Kind),
		trace.WithAttributes(
			attribute.String("job.name", job.Name),
			attribute.String("job.output", job.OutputPath),
		))
	defer span.End()

	args := job.Args()
	if args == nil {
		return fmt.Errorf("%w: job kind %q is not an ffmpeg job", models.ErrFFmpegFailed, job.Kind)
	}

	cmd := exec.CommandContext(ctx, r.binary, args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: failed to start ffmpeg: %v", models.ErrFFmpegFailed, err)
	}

	tail := r.monitorOutput(ctx, job, stderrPipe)

	if err := cmd.Wait(); err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s %s: %w", models.ErrFFmpegFailed, job.Kind, job.Name, ctx.Err())
		}
		return fmt.Errorf("%w: %s %s: %v: %s", models.ErrFFmpegFailed, job.Kind, job.Name, err, strings.Join(tail, " | "))
	}

	return nil
}

// monitorOutput logs ffmpeg progress and warnings until stderr closes and
// returns the last few lines.
func (r *FFmpegRunner) monitorOutput(ctx context.Context, job Job, stderr io.Reader) []string {
	tail := make([]string, 0, stderrTailLines)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if len(tail) == stderrTailLines {
			tail = tail[1:]
		}
		tail = append(tail, line)

		if r.log == nil {
			continue
		}
		if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
			r.log.DebugContext(ctx, "FFmpeg progress", "job", job.Name, "output", line)
		} else if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			r.log.WarnContext(ctx, "FFmpeg warning", "job", job.Name, "output", line)
		}
	}
	if err := scanner.Err(); err != nil && r.log != nil {
		r.log.WarnContext(ctx, "FFmpeg output scanner error", "job", job.Name, "error", err)
	}

	return tail
}
