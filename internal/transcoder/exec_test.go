package transcoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// writeScript installs an executable shell script standing in for an
// ffmpeg or ffprobe binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProber_Probe(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		binary     string
		timeout    time.Duration
		wantErr    bool
		wantMeta   Metadata
		wantErrMsg string
	}{
		{
			name:     "video source",
			script:   `echo '{"streams":[{"codec_type":"audio"},{"codec_type":"video","width":1280,"height":720}],"format":{"duration":"12.6"}}'`,
			timeout:  5 * time.Second,
			wantMeta: Metadata{DurationSeconds: 13, SourceHeight: 720, HasVideoStream: true},
		},
		{
			name:     "audio only",
			script:   `echo '{"streams":[{"codec_type":"audio"}],"format":{"duration":"3.2"}}'`,
			timeout:  5 * time.Second,
			wantMeta: Metadata{DurationSeconds: 3},
		},
		{
			name:    "missing binary",
			binary:  "/nonexistent/ffprobe",
			timeout: time.Second,
			wantErr: true,
		},
		{
			name:       "tool exits non-zero",
			script:     "echo 'Invalid data found when processing input' >&2\nexit 1",
			timeout:    5 * time.Second,
			wantErr:    true,
			wantErrMsg: "Invalid data found",
		},
		{
			name:    "malformed output",
			script:  "echo 'not json'",
			timeout: 5 * time.Second,
			wantErr: true,
		},
		{
			name:    "timeout",
			script:  "exec sleep 10",
			timeout: 200 * time.Millisecond,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			binary := tt.binary
			if binary == "" {
				binary = writeScript(t, tt.script)
			}

			start := time.Now()
			meta, err := NewProber(binary, tt.timeout).Probe(context.Background(), "source.mp4")
			if time.Since(start) > 5*time.Second {
				t.Errorf("Probe() took %v", time.Since(start))
			}

			if tt.wantErr {
				if !errors.Is(err, models.ErrProbe) {
					t.Fatalf("Probe() error = %v, want %v", err, models.ErrProbe)
				}
				if tt.wantErrMsg != "" && !strings.Contains(err.Error(), tt.wantErrMsg) {
					t.Errorf("Probe() error = %q, want it to contain %q", err, tt.wantErrMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Probe() error = %v", err)
			}
			if meta != tt.wantMeta {
				t.Errorf("Probe() = %+v, want %+v", meta, tt.wantMeta)
			}
		})
	}
}

func TestFFmpegRunner_Run(t *testing.T) {
	job := Job{
		Kind:       JobThumbnail,
		Name:       "thumbnail",
		InputPath:  "source.mp4",
		OutputPath: "thumbnail.jpg",
		Width:      1280,
		Height:     720,
	}
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))

	tests := []struct {
		name        string
		script      string
		timeout     time.Duration
		wantErr     bool
		wantContain []string
		wantOmit    []string
		wantCtxErr  error
	}{
		{
			name:    "success",
			script:  "echo 'frame=    1 fps=0.0' >&2\nexit 0",
			timeout: 5 * time.Second,
		},
		{
			name:        "failure keeps the stderr tail",
			script:      "i=1\nwhile [ $i -le 12 ]; do echo \"line $i\" >&2; i=$((i+1)); done\nexit 1",
			timeout:     5 * time.Second,
			wantErr:     true,
			wantContain: []string{"line 5", "line 12", "thumbnail"},
			wantOmit:    []string{"line 4"},
		},
		{
			name:       "timeout",
			script:     "exec sleep 10",
			timeout:    200 * time.Millisecond,
			wantErr:    true,
			wantCtxErr: context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := NewFFmpegRunner(writeScript(t, tt.script), log)

			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			start := time.Now()
			err := runner.Run(ctx, job)
			if time.Since(start) > 5*time.Second {
				t.Errorf("Run() took %v", time.Since(start))
			}

			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Run() error = %v", err)
				}
				return
			}
			if !errors.Is(err, models.ErrFFmpegFailed) {
				t.Fatalf("Run() error = %v, want %v", err, models.ErrFFmpegFailed)
			}
			if tt.wantCtxErr != nil && !errors.Is(err, tt.wantCtxErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantCtxErr)
			}
			for _, s := range tt.wantContain {
				if !strings.Contains(err.Error(), s) {
					t.Errorf("Run() error = %q, want it to contain %q", err, s)
				}
			}
			for _, s := range tt.wantOmit {
				if strings.Contains(err.Error(), s) {
					t.Errorf("Run() error = %q, should not contain %q", err, s)
				}
			}
		})
	}
}

func TestFFmpegRunner_RejectsCopyJob(t *testing.T) {
	runner := NewFFmpegRunner("/nonexistent/ffmpeg", nil)
	err := runner.Run(context.Background(), Job{Kind: JobCopy, Name: "720p"})
	if !errors.Is(err, models.ErrFFmpegFailed) {
		t.Errorf("Run() error = %v, want %v", err, models.ErrFFmpegFailed)
	}
}

func TestFFmpegRunner_MissingBinary(t *testing.T) {
	runner := NewFFmpegRunner("/nonexistent/ffmpeg", nil)
	err := runner.Run(context.Background(), Job{Kind: JobThumbnail, Name: "thumbnail", OutputPath: "out.jpg"})
	if !errors.Is(err, models.ErrFFmpegFailed) {
		t.Errorf("Run() error = %v, want %v", err, models.ErrFFmpegFailed)
	}
}
