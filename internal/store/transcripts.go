package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertTranscripts writes a batch of finalized transcript rows in one
// round trip via pgx.Batch, wrapped in a single transaction so the batch is
// all-or-nothing: transcripts has no unique constraint, so a partially
// committed batch would be duplicate-inserted by the sink's retry-the-whole-
// batch requeue policy.
func (g *PgGateway) InsertTranscripts(ctx context.Context, rows []TranscriptRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("insert transcripts: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range rows {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("insert transcripts: marshal metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO transcripts (room_id, stt_session_id, participant_id, text, is_final,
				confidence, relative_timestamp_seconds, start_time, end_time, language,
				wall_clock_timestamp, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, r.RoomID, r.STTSessionID, r.ParticipantID, r.Text, r.IsFinal,
			r.Confidence, r.RelativeTimestampSeconds, r.StartTime, r.EndTime, r.Language,
			r.WallClockTimestamp, meta)
	}

	results := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert transcripts: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("insert transcripts: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("insert transcripts: commit: %w", err)
	}
	return nil
}
