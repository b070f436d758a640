package aijobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vollawetscher/media-worker/internal/store"
)

type fakeJobGateway struct {
	mu        sync.Mutex
	pending   []store.AnalysisJob
	completed map[string]map[string]any
	failed    map[string]string
}

func newFakeJobGateway(jobs ...store.AnalysisJob) *fakeJobGateway {
	return &fakeJobGateway{
		pending:   jobs,
		completed: map[string]map[string]any{},
		failed:    map[string]string{},
	}
}

func (f *fakeJobGateway) ClaimPendingJobs(ctx context.Context, workerID string, limit int) ([]store.AnalysisJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	claimed := f.pending[:limit]
	f.pending = f.pending[limit:]
	return claimed, nil
}

func (f *fakeJobGateway) CompleteJob(ctx context.Context, jobID string, result map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[jobID] = result
	return nil
}

func (f *fakeJobGateway) FailJob(ctx context.Context, jobID string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = reason
	return nil
}

type stubLLM struct {
	result map[string]any
	err    error
	calls  []store.JobType
	mu     sync.Mutex
}

func (s *stubLLM) Run(_ context.Context, jobType store.JobType, _ map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, jobType)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func TestDriverInlineCompletesJob(t *testing.T) {
	jobID := uuid.New()
	roomID := uuid.New()
	gw := newFakeJobGateway(store.AnalysisJob{
		ID:           jobID,
		RoomID:       roomID,
		JobType:      store.JobSummary,
		InputPayload: map[string]any{"room_id": roomID.String()},
	})
	llm := &stubLLM{result: map[string]any{"summary": "ok"}}

	d := New(gw, Options{WorkerID: "w1", PollInterval: 5 * time.Millisecond, Concurrency: 4, LLM: llm})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Contains(t, gw.completed, jobID.String())
	assert.Equal(t, "ok", gw.completed[jobID.String()]["summary"])
	assert.Empty(t, gw.failed)
}

func TestDriverInlineFailsJobOnLLMError(t *testing.T) {
	jobID := uuid.New()
	gw := newFakeJobGateway(store.AnalysisJob{
		ID:           jobID,
		RoomID:       uuid.New(),
		JobType:      store.JobSentiment,
		InputPayload: map[string]any{},
	})
	llm := &stubLLM{err: assert.AnError}

	d := New(gw, Options{WorkerID: "w1", PollInterval: 5 * time.Millisecond, Concurrency: 4, LLM: llm})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Contains(t, gw.failed, jobID.String())
	assert.Empty(t, gw.completed)
}

func TestDriverDefaultsToNoopLLM(t *testing.T) {
	jobID := uuid.New()
	gw := newFakeJobGateway(store.AnalysisJob{
		ID:           jobID,
		RoomID:       uuid.New(),
		JobType:      store.JobActionItems,
		InputPayload: map[string]any{},
	})

	d := New(gw, Options{WorkerID: "w1", PollInterval: 5 * time.Millisecond, Concurrency: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Contains(t, gw.failed, jobID.String())
}
