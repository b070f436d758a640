package aijobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/vollawetscher/media-worker/internal/logging"
	"github.com/vollawetscher/media-worker/internal/store"
)

// aiJobsQueueName is the single asynq queue this driver dispatches onto.
// Grounded on go-chatty's adapter/asynq.go, which keys its queue map the
// same way (one named queue, weight 1).
const aiJobsQueueName = "ai-jobs"

// taskPayload is the wire shape carried inside every asynq.Task: the
// {job_id, room_id, input_payload} envelope of SPEC_FULL.md 4.10, plus the
// job_type.
type taskPayload struct {
	JobID        string         `json:"job_id"`
	RoomID       string         `json:"room_id"`
	JobType      store.JobType  `json:"job_type"`
	InputPayload map[string]any `json:"input_payload"`
}

// queue wraps an asynq client/server pair the way go-chatty's adapter does:
// one struct owns both the producer half (Enqueue, used by the polling
// loop) and the consumer half (Run, the handler loop), sharing a single
// Redis connection option set.
type queue struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
}

func newQueue(redisURL string, concurrency int) (*queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("aijobs: parse redis uri: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{aiJobsQueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logging.Error(logging.CategoryAIJobs, "task %s failed: %v", task.Type(), err)
		}),
	})

	return &queue{client: client, server: server, mux: asynq.NewServeMux()}, nil
}

func (q *queue) enqueue(ctx context.Context, job store.AnalysisJob) error {
	payload, err := json.Marshal(taskPayload{
		JobID:        job.ID.String(),
		RoomID:       job.RoomID.String(),
		JobType:      job.JobType,
		InputPayload: job.InputPayload,
	})
	if err != nil {
		return fmt.Errorf("aijobs: marshal task payload: %w", err)
	}

	task := asynq.NewTask(string(job.JobType), payload, asynq.Queue(aiJobsQueueName))
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("aijobs: enqueue task: %w", err)
	}
	return nil
}

// handle registers fn as the asynq handler for one task type. The driver
// calls it once per canonical job type, passing the same fn each time, since
// the dispatch logic (run LLM, write back) is identical across all four.
func (q *queue) handle(pattern string, fn func(ctx context.Context, p taskPayload) error) {
	q.mux.HandleFunc(pattern, func(ctx context.Context, task *asynq.Task) error {
		var p taskPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("aijobs: unmarshal task payload: %w", err)
		}
		return fn(ctx, p)
	})
}

func (q *queue) run(ctx context.Context) error {
	if err := q.server.Start(q.mux); err != nil {
		return fmt.Errorf("aijobs: start asynq server: %w", err)
	}
	<-ctx.Done()
	q.server.Shutdown()
	q.client.Close()
	return nil
}
