package store

import (
	"context"
	"fmt"
)

// InsertSTTSession creates the session row C4.start() requires before it
// opens the provider transport.
func (g *PgGateway) InsertSTTSession(ctx context.Context, s *STTSession) error {
	if err := g.pool.QueryRow(ctx, `
		INSERT INTO stt_sessions (room_id, participant_id, external_session_tag, status, started_at)
		VALUES ($1, $2, $3, 'active', now())
		RETURNING id, started_at
	`, s.RoomID, s.ParticipantID, s.ExternalSessionTag).Scan(&s.ID, &s.StartedAt); err != nil {
		return fmt.Errorf("insert stt session: %w", err)
	}
	return nil
}

// CompleteSTTSession performs the normal-close half of C4.stop().
func (g *PgGateway) CompleteSTTSession(ctx context.Context, sessionID string, audioMinutes float64, transcriptCount int, averageConfidence float64) error {
	if _, err := g.pool.Exec(ctx, `
		UPDATE stt_sessions
		SET status = 'completed', ended_at = now(), audio_minutes = $1,
		    transcript_count = $2, average_confidence = $3
		WHERE id = $4
	`, audioMinutes, transcriptCount, averageConfidence, sessionID); err != nil {
		return fmt.Errorf("complete stt session: %w", err)
	}
	return nil
}

// FailSTTSession records a provider protocol error or unclean transport
// close without tearing down the room.
func (g *PgGateway) FailSTTSession(ctx context.Context, sessionID string, reason string) error {
	if _, err := g.pool.Exec(ctx, `
		UPDATE stt_sessions SET status = 'failed', ended_at = now(), error_message = $1
		WHERE id = $2
	`, reason, sessionID); err != nil {
		return fmt.Errorf("fail stt session: %w", err)
	}
	return nil
}
