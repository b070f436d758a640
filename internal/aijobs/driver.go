// Package aijobs is the C10 driver: claims rows from the analysis_jobs work
// queue and runs each through a pluggable LLMClient, writing the result (or
// failure) back to the store. Grounded on go-chatty's asynq adapter for the
// queue transport and on the teacher's ticker-driven background-loop style
// (internal/worker/worker.go's loadReporter) for the polling goroutine.
package aijobs

import (
	"context"
	"time"

	"github.com/vollawetscher/media-worker/internal/logging"
	"github.com/vollawetscher/media-worker/internal/store"
)

// JobGateway is the slice of store.Gateway the driver depends on.
type JobGateway interface {
	ClaimPendingJobs(ctx context.Context, workerID string, limit int) ([]store.AnalysisJob, error)
	CompleteJob(ctx context.Context, jobID string, result map[string]any) error
	FailJob(ctx context.Context, jobID string, reason string) error
}

// Options configures the driver.
type Options struct {
	WorkerID     string
	PollInterval time.Duration
	Concurrency  int

	// RedisURL, when set, routes claimed jobs through an asynq queue so the
	// LLM run happens on the asynq worker pool rather than inline on the
	// polling goroutine. Left empty, the driver runs each claimed job inline,
	// degrading gracefully to a single-goroutine executor.
	RedisURL string

	// LLM is the pluggable job executor. Defaults to NoopLLMClient.
	LLM LLMClient
}

// Driver polls analysis_jobs and dispatches claimed rows to an LLMClient.
type Driver struct {
	gw   JobGateway
	opts Options
	llm  LLMClient
	q    *queue
}

// New constructs a Driver. The asynq queue is created lazily on Run; a bad
// Redis URL makes Run log a warning and run jobs inline instead.
func New(gw JobGateway, opts Options) *Driver {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	llm := opts.LLM
	if llm == nil {
		llm = NoopLLMClient{}
	}
	return &Driver{gw: gw, opts: opts, llm: llm}
}

// Run blocks until ctx is cancelled, polling for claimable jobs on
// PollInterval and dispatching them. When RedisURL is configured it also
// runs the asynq consumer side in the background for the lifetime of ctx.
func (d *Driver) Run(ctx context.Context) error {
	if d.opts.RedisURL != "" {
		q, err := newQueue(d.opts.RedisURL, d.opts.Concurrency)
		if err != nil {
			logging.Warning(logging.CategoryAIJobs, "queue unavailable, running jobs inline: %v", err)
		} else {
			d.q = q
			for _, jt := range []store.JobType{store.JobSummary, store.JobActionItems, store.JobSentiment, store.JobSpeakerAnalytics} {
				d.q.handle(string(jt), d.execute)
			}
			go func() {
				if err := d.q.run(ctx); err != nil {
					logging.Error(logging.CategoryAIJobs, "asynq server stopped: %v", err)
				}
			}()
		}
	}

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Driver) poll(ctx context.Context) {
	jobs, err := d.gw.ClaimPendingJobs(ctx, d.opts.WorkerID, d.opts.Concurrency)
	if err != nil {
		logging.Error(logging.CategoryAIJobs, "claim pending jobs: %v", err)
		return
	}
	for _, job := range jobs {
		job := job
		if d.q != nil {
			if err := d.q.enqueue(ctx, job); err != nil {
				logging.Error(logging.CategoryAIJobs, "enqueue job %s: %v", job.ID, err)
				d.fail(ctx, job.ID.String(), err)
			}
			continue
		}
		d.runInline(ctx, job)
	}
}

func (d *Driver) runInline(ctx context.Context, job store.AnalysisJob) {
	if err := d.execute(ctx, taskPayload{
		JobID:        job.ID.String(),
		RoomID:       job.RoomID.String(),
		JobType:      job.JobType,
		InputPayload: job.InputPayload,
	}); err != nil {
		logging.Error(logging.CategoryAIJobs, "job %s failed: %v", job.ID, err)
	}
}

// execute runs one job's LLM step and writes the outcome back. It is the
// shared body for both the inline path and the asynq handler path.
func (d *Driver) execute(ctx context.Context, p taskPayload) error {
	result, err := d.llm.Run(ctx, p.JobType, p.InputPayload)
	if err != nil {
		d.fail(ctx, p.JobID, err)
		return err
	}
	if err := d.gw.CompleteJob(ctx, p.JobID, result); err != nil {
		logging.Error(logging.CategoryAIJobs, "complete job %s: %v", p.JobID, err)
		return err
	}
	return nil
}

func (d *Driver) fail(ctx context.Context, jobID string, cause error) {
	if err := d.gw.FailJob(ctx, jobID, cause.Error()); err != nil {
		logging.Error(logging.CategoryAIJobs, "fail job %s: %v", jobID, err)
	}
}
