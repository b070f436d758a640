package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ClaimRoom is the atomic conditional update at the heart of the mutual
// exclusion invariant. The WHERE clause is the single-statement
// read-decide-write: it only matches a row that is claimable right now, so
// a RowsAffected of exactly one row is both necessary and sufficient proof
// of a successful claim. Grounded on webinar_backend's UpdatePeakViewers
// conditional update (`WHERE $1 > peak_viewers`), generalized to a
// disjunctive claimability condition.
func (g *PgGateway) ClaimRoom(ctx context.Context, workerID, roomID string) (bool, error) {
	tag, err := g.pool.Exec(ctx, `
		UPDATE rooms
		SET owner_worker_id = $1,
		    owner_claimed_at = now(),
		    owner_heartbeat_at = now(),
		    status = 'processing'
		WHERE id = $2
		  AND status IN ('pending', 'active')
		  AND (owner_worker_id IS NULL OR owner_heartbeat_at < now() - interval '45 seconds')
	`, workerID, roomID)
	if err != nil {
		return false, fmt.Errorf("claim room: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if _, err := g.pool.Exec(ctx, `
		UPDATE workers
		SET current_room_id = $1, last_heartbeat_at = now()
		WHERE id = $2
	`, roomID, workerID); err != nil {
		return false, fmt.Errorf("claim room: piggyback heartbeat: %w", err)
	}
	return true, nil
}

// UpdateHeartbeat writes the worker's liveness tick. roomID is written even
// when nil, matching the spec's "never coalesce with prior value" rule —
// a nil here genuinely means "I no longer own a room".
func (g *PgGateway) UpdateHeartbeat(ctx context.Context, workerID string, roomID *string) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE workers
		SET last_heartbeat_at = now(), current_room_id = $1, status = 'active'
		WHERE id = $2
	`, roomID, workerID)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReleaseRoom clears ownership columns iff the named worker currently owns
// the room; a second call against an already-released room is a no-op,
// satisfying the round-trip idempotence law.
func (g *PgGateway) ReleaseRoom(ctx context.Context, workerID, roomID string) error {
	if _, err := g.pool.Exec(ctx, `
		UPDATE rooms
		SET owner_worker_id = NULL, owner_claimed_at = NULL, owner_heartbeat_at = NULL
		WHERE id = $1 AND owner_worker_id = $2
	`, roomID, workerID); err != nil {
		return fmt.Errorf("release room: clear room owner: %w", err)
	}

	if _, err := g.pool.Exec(ctx, `
		UPDATE workers SET current_room_id = NULL WHERE id = $1 AND current_room_id = $2
	`, workerID, roomID); err != nil {
		return fmt.Errorf("release room: clear worker current_room_id: %w", err)
	}
	return nil
}

// ReapStaleWorkers clears ownership for any room owned by a worker whose
// heartbeat has gone stale, then marks those workers stopped. Runs inside a
// single transaction so a reaped room's owner and the worker's stopped
// status move together.
func (g *PgGateway) ReapStaleWorkers(ctx context.Context, thresholdSeconds int) (int, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("reap stale workers: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM workers
		WHERE status = 'active' AND last_heartbeat_at < now() - ($1 || ' seconds')::interval
	`, thresholdSeconds)
	if err != nil {
		return 0, fmt.Errorf("reap stale workers: select: %w", err)
	}

	var staleIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("reap stale workers: scan: %w", err)
		}
		staleIDs = append(staleIDs, id)
	}
	rows.Close()

	if len(staleIDs) == 0 {
		return 0, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE rooms SET owner_worker_id = NULL, owner_claimed_at = NULL, owner_heartbeat_at = NULL
		WHERE owner_worker_id = ANY($1)
	`, staleIDs); err != nil {
		return 0, fmt.Errorf("reap stale workers: clear room owners: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE workers SET status = 'stopped', current_room_id = NULL WHERE id = ANY($1)
	`, staleIDs)
	if err != nil {
		return 0, fmt.Errorf("reap stale workers: stop workers: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("reap stale workers: commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetRoom fetches a room by id. Returns nil, nil when not found.
func (g *PgGateway) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	row := g.pool.QueryRow(ctx, roomSelectColumns+` FROM rooms WHERE id = $1`, roomID)
	room, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

// OldestClaimableRoom implements C8's polling query: the oldest room that is
// claimable right now, optionally filtered by transcription_enabled for the
// mode filter.
func (g *PgGateway) OldestClaimableRoom(ctx context.Context, transcriptionEnabled *bool) (*Room, error) {
	query := roomSelectColumns + `
		FROM rooms
		WHERE status IN ('pending', 'active')
		  AND (owner_worker_id IS NULL OR owner_heartbeat_at < now() - interval '45 seconds')`
	args := []any{}
	if transcriptionEnabled != nil {
		query += ` AND transcription_enabled = $1`
		args = append(args, *transcriptionEnabled)
	}
	query += ` ORDER BY created_at ASC LIMIT 1`

	row := g.pool.QueryRow(ctx, query, args...)
	room, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest claimable room: %w", err)
	}
	return room, nil
}

// SetRoomStatus is used for the non-terminal transitions the core drives
// directly (e.g. external collaborators moving rooms to active).
func (g *PgGateway) SetRoomStatus(ctx context.Context, roomID string, status RoomStatus) error {
	if _, err := g.pool.Exec(ctx, `UPDATE rooms SET status = $1 WHERE id = $2`, status, roomID); err != nil {
		return fmt.Errorf("set room status: %w", err)
	}
	return nil
}

// CompleteRoom performs finalize step 2: terminal status, closed_at set
// exactly once. Conditioning on the current status, not on closed_at being
// null, is what makes a second finalize call a no-op per the idempotence law.
func (g *PgGateway) CompleteRoom(ctx context.Context, roomID string) error {
	if _, err := g.pool.Exec(ctx, `
		UPDATE rooms SET status = 'completed', closed_at = now()
		WHERE id = $1 AND status != 'completed'
	`, roomID); err != nil {
		return fmt.Errorf("complete room: %w", err)
	}
	return nil
}

// LoadOrSetTimebaseOrigin implements the set-once, adopt-the-winner contract
// of C2.initialize: a plain UPDATE ... WHERE timebase_origin IS NULL either
// sets candidate or loses the race; either way a follow-up SELECT returns
// whichever value is now stored.
func (g *PgGateway) LoadOrSetTimebaseOrigin(ctx context.Context, roomID string, candidate time.Time) (time.Time, error) {
	if _, err := g.pool.Exec(ctx, `
		UPDATE rooms SET timebase_origin = $1 WHERE id = $2 AND timebase_origin IS NULL
	`, candidate, roomID); err != nil {
		return time.Time{}, fmt.Errorf("set timebase origin: %w", err)
	}

	var origin time.Time
	if err := g.pool.QueryRow(ctx, `SELECT timebase_origin FROM rooms WHERE id = $1`, roomID).Scan(&origin); err != nil {
		return time.Time{}, fmt.Errorf("load timebase origin: %w", err)
	}
	return origin, nil
}

const roomSelectColumns = `SELECT id, name, server_ref, status, ai_enabled, transcription_enabled, org_id,
	empty_timeout_seconds, owner_worker_id, owner_claimed_at, owner_heartbeat_at,
	timebase_origin, created_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*Room, error) {
	var r Room
	if err := row.Scan(&r.ID, &r.Name, &r.ServerRef, &r.Status, &r.AIEnabled, &r.TranscriptionEnabled, &r.OrgID,
		&r.EmptyTimeoutSeconds, &r.OwnerWorkerID, &r.OwnerClaimedAt, &r.OwnerHeartbeatAt,
		&r.TimebaseOrigin, &r.CreatedAt, &r.ClosedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// RoomOrgID returns the room's organization attribution, used by C3's sink
// to tag flushed batches. Empty string when the room carries no org_id.
func (g *PgGateway) RoomOrgID(ctx context.Context, roomID string) (string, error) {
	var orgID *string
	if err := g.pool.QueryRow(ctx, `SELECT org_id FROM rooms WHERE id = $1`, roomID).Scan(&orgID); err != nil {
		return "", fmt.Errorf("room org id: %w", err)
	}
	if orgID == nil {
		return "", nil
	}
	return *orgID, nil
}
