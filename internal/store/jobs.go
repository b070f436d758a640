package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// ExistingJobForRoom answers finalize step 4's existence check.
func (g *PgGateway) ExistingJobForRoom(ctx context.Context, roomID string, jobType JobType) (bool, error) {
	var exists bool
	if err := g.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM analysis_jobs WHERE room_id = $1 AND job_type = $2)
	`, roomID, jobType).Scan(&exists); err != nil {
		return false, fmt.Errorf("existing job for room: %w", err)
	}
	return exists, nil
}

// InsertJobIfAbsent inserts the canonical job row, relying on the unique
// (room_id, job_type) constraint to make a race against the external
// webhook's equivalent check harmless: whichever writer gets there first
// wins, the other's insert is a silent no-op. Returns whether this call
// actually inserted a row.
func (g *PgGateway) InsertJobIfAbsent(ctx context.Context, job *AnalysisJob) (bool, error) {
	payload, err := json.Marshal(job.InputPayload)
	if err != nil {
		return false, fmt.Errorf("insert job if absent: marshal payload: %w", err)
	}

	tag, err := g.pool.Exec(ctx, `
		INSERT INTO analysis_jobs (room_id, job_type, priority, status, input_payload)
		VALUES ($1, $2, $3, 'pending', $4)
		ON CONFLICT (room_id, job_type) DO NOTHING
	`, job.RoomID, job.JobType, job.Priority, payload)
	if err != nil {
		return false, fmt.Errorf("insert job if absent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimPendingJobs implements C10's poll+claim step: SKIP LOCKED lets many
// AI-jobs workers drain the same queue without double-claiming, the
// Redis/asynq-free analogue of C1's room claim CAS.
func (g *PgGateway) ClaimPendingJobs(ctx context.Context, workerID string, limit int) ([]AnalysisJob, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim pending jobs: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, room_id, job_type, priority, input_payload, created_at
		FROM analysis_jobs
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending jobs: select: %w", err)
	}

	var claimed []AnalysisJob
	for rows.Next() {
		var j AnalysisJob
		if err := rows.Scan(&j.ID, &j.RoomID, &j.JobType, &j.Priority, &j.InputPayload, &j.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim pending jobs: scan: %w", err)
		}
		claimed = append(claimed, j)
	}
	rows.Close()

	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(claimed))
	for i, j := range claimed {
		ids[i] = j.ID.String()
	}

	if _, err := tx.Exec(ctx, `
		UPDATE analysis_jobs SET status = 'claimed', claimed_by = $1, claimed_at = now()
		WHERE id = ANY($2)
	`, workerID, ids); err != nil {
		return nil, fmt.Errorf("claim pending jobs: mark claimed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("claim pending jobs: commit: %w", err)
	}
	return claimed, nil
}

// CompleteJob writes back a successful result.
func (g *PgGateway) CompleteJob(ctx context.Context, jobID string, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("complete job: marshal result: %w", err)
	}
	if _, err := g.pool.Exec(ctx, `
		UPDATE analysis_jobs SET status = 'completed', result = $1, completed_at = now() WHERE id = $2
	`, payload, jobID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob records a job execution failure.
func (g *PgGateway) FailJob(ctx context.Context, jobID string, reason string) error {
	if _, err := g.pool.Exec(ctx, `
		UPDATE analysis_jobs SET status = 'failed', error_message = $1, completed_at = now() WHERE id = $2
	`, reason, jobID); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}
