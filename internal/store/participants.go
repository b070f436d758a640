package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// UpsertParticipant keys on (room_id, identity) per the data model; a
// reconnecting identity reuses the same row rather than creating a duplicate.
func (g *PgGateway) UpsertParticipant(ctx context.Context, roomID, identity, connectionType string, metadata map[string]any) (*Participant, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("upsert participant: marshal metadata: %w", err)
	}

	var p Participant
	if err := g.pool.QueryRow(ctx, `
		INSERT INTO participants (room_id, identity, connection_type, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, identity) DO UPDATE
			SET is_active = true, left_at = NULL, connection_type = $3, metadata = $4
		RETURNING id, room_id, identity, connection_type, joined_at, left_at, is_active, metadata
	`, roomID, identity, connectionType, meta).Scan(
		&p.ID, &p.RoomID, &p.Identity, &p.ConnectionType, &p.JoinedAt, &p.LeftAt, &p.IsActive, &p.Metadata,
	); err != nil {
		return nil, fmt.Errorf("upsert participant: %w", err)
	}
	return &p, nil
}

// MarkParticipantLeft performs the participant half of a leave event.
func (g *PgGateway) MarkParticipantLeft(ctx context.Context, participantID string) error {
	if _, err := g.pool.Exec(ctx, `
		UPDATE participants SET left_at = now(), is_active = false WHERE id = $1
	`, participantID); err != nil {
		return fmt.Errorf("mark participant left: %w", err)
	}
	return nil
}

// MarkAllParticipantsInactive performs finalize step 3.
func (g *PgGateway) MarkAllParticipantsInactive(ctx context.Context, roomID string) error {
	if _, err := g.pool.Exec(ctx, `
		UPDATE participants SET is_active = false, left_at = now()
		WHERE room_id = $1 AND is_active = true
	`, roomID); err != nil {
		return fmt.Errorf("mark all participants inactive: %w", err)
	}
	return nil
}
