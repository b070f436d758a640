package aijobs

import (
	"context"
	"fmt"

	"github.com/vollawetscher/media-worker/internal/store"
)

// LLMClient executes one post-call analysis job and returns its result
// payload. Concrete model/prompt logic is intentionally out of scope here —
// the worker wires a real implementation (or leaves the noop default) at
// startup; this package only owns claiming, dispatch, and write-back.
type LLMClient interface {
	Run(ctx context.Context, jobType store.JobType, inputPayload map[string]any) (map[string]any, error)
}

// NoopLLMClient fails every job with a fixed reason. Wiring this by default
// rather than leaving LLMClient nil makes an unconfigured AI-jobs mode
// observable (jobs land in analysis_jobs.status='failed' with a clear
// error_message) instead of panicking or silently stalling.
type NoopLLMClient struct{}

func (NoopLLMClient) Run(_ context.Context, jobType store.JobType, _ map[string]any) (map[string]any, error) {
	return nil, fmt.Errorf("aijobs: no LLMClient configured for job type %s", jobType)
}
