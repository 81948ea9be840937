package transcoder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// JobStatus is the runtime state of a job.
type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusFailed  JobStatus = "failed"
)

// JobResult is the outcome of one job.
type JobResult struct {
	Job      Job
	Status   JobStatus
	Err      error
	Duration time.Duration
}

// Result holds the outcome of every job in a batch, in planned order.
type Result struct {
	Jobs []JobResult
}

// Err returns the first failure in planned order, or nil.
func (r Result) Err() error {
	for _, j := range r.Jobs {
		if j.Status != StatusDone {
			if j.Err != nil {
				return j.Err
			}
			return fmt.Errorf("job %s ended in state %s", j.Job.Name, j.Status)
		}
	}
	return nil
}

// Failed returns the number of jobs that did not finish successfully.
func (r Result) Failed() int {
	n := 0
	for _, j := range r.Jobs {
		if j.Status != StatusDone {
			n++
		}
	}
	return n
}

// OrchestratorConfig holds orchestrator dependencies.
type OrchestratorConfig struct {
	Runner        Runner
	MaxConcurrent int
	JobTimeout    time.Duration
	Logger        *slog.Logger
}

// Orchestrator runs the jobs of a plan concurrently and joins on all of them.
type Orchestrator struct {
	runner     Runner
	sem        *semaphore.Weighted
	jobTimeout time.Duration
	log        *slog.Logger
}

// NewOrchestrator creates an Orchestrator. External jobs are bounded by
// MaxConcurrent across every batch the orchestrator runs.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		runner:     cfg.Runner,
		sem:        semaphore.NewWeighted(int64(limit)),
		jobTimeout: cfg.JobTimeout,
		log:        log,
	}
}

// Run produces every rendition of the plan and the thumbnail into outputDir.
// It waits for all jobs before returning, even after a failure, and never
// deletes what was written; cleanup belongs to the caller.
func (o *Orchestrator) Run(ctx context.Context, sourcePath, outputDir string, plan Plan) (Result, error) {
	ctx, span := tracer.Start(ctx, "transcode-batch")
	defer span.End()

	jobs := BuildJobs(sourcePath, outputDir, plan)
	result := Result{Jobs: make([]JobResult, len(jobs))}
	for i, job := range jobs {
		result.Jobs[i] = JobResult{Job: job, Status: StatusPending}
	}

	span.SetAttributes(
		attribute.Int("batch.jobs", len(jobs)),
		attribute.StringSlice("batch.renditions", plan.Names()),
	)

	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		go func(res *JobResult) {
			defer wg.Done()
			o.runJob(ctx, res)
		}(&result.Jobs[i])
	}
	wg.Wait()

	if err := result.Err(); err != nil {
		span.RecordError(err)
		o.log.WarnContext(ctx, "Transcode batch failed",
			"failedJobs", result.Failed(),
			"totalJobs", len(jobs),
			"error", err,
		)
		return result, fmt.Errorf("%w: %w", models.ErrEncode, err)
	}

	return result, nil
}

// runJob executes a single job and records its outcome in res. Each goroutine
// owns exactly one JobResult.
func (o *Orchestrator) runJob(ctx context.Context, res *JobResult) {
	job := res.Job

	if job.External() {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("%w: %s %s: %w", models.ErrContextCanceled, job.Kind, job.Name, err)
			return
		}
		defer o.sem.Release(1)
	}

	if o.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.jobTimeout)
		defer cancel()
	}

	res.Status = StatusRunning
	start := time.Now()

	var err error
	if job.External() {
		err = o.runner.Run(ctx, job)
	} else {
		err = copyFile(ctx, job.InputPath, job.OutputPath)
	}

	res.Duration = time.Since(start)
	status := StatusDone
	if err != nil {
		status = StatusFailed
		res.Err = err
	}
	res.Status = status
	metrics.JobDuration.WithLabelValues(string(job.Kind), string(status)).Observe(res.Duration.Seconds())

	o.log.DebugContext(ctx, "Transcode job finished",
		"job", job.Name,
		"kind", job.Kind,
		"status", status,
		"duration", res.Duration,
	)
}

// copyFile copies src to dst byte for byte.
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy source: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	return out.Close()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
