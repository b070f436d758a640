package store

import (
	"context"
	"fmt"
)

// InsertWorker performs C9 startup step 2.
func (g *PgGateway) InsertWorker(ctx context.Context, w *Worker) error {
	if _, err := g.pool.Exec(ctx, `
		INSERT INTO workers (id, mode, status, last_heartbeat_at, started_at)
		VALUES ($1, $2, 'active', now(), now())
		ON CONFLICT (id) DO UPDATE SET mode = $2, status = 'active', last_heartbeat_at = now()
	`, w.ID, w.Mode); err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

// SetWorkerStopped performs the worker-row half of graceful shutdown.
func (g *PgGateway) SetWorkerStopped(ctx context.Context, workerID string) error {
	if _, err := g.pool.Exec(ctx, `
		UPDATE workers SET status = 'stopped', current_room_id = NULL WHERE id = $1
	`, workerID); err != nil {
		return fmt.Errorf("set worker stopped: %w", err)
	}
	return nil
}
