//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// These scenarios exercise C1 against a live Postgres rather than a fake, so
// they're skipped unless INTEGRATION_TEST=1 and STORE_DSN point at a real
// database. Run them with:
//
//	INTEGRATION_TEST=1 STORE_DSN=postgres://... go test -tags=integration ./internal/store/...
func skipUnlessIntegration(t *testing.T) string {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") != "1" {
		t.Skip("set INTEGRATION_TEST=1 to run against a live Postgres")
	}
	dsn := os.Getenv("STORE_DSN")
	if dsn == "" {
		t.Skip("STORE_DSN not set")
	}
	return dsn
}

func newIntegrationGateway(t *testing.T) *PgGateway {
	t.Helper()
	dsn := skipUnlessIntegration(t)

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	return NewPgGateway(pool)
}

// TestIntegration_ClaimRoomIsMutuallyExclusive pins down the invariant that
// two workers calling ClaimRoom on the same room, one after the other, can't
// both end up owning it, which the in-memory fakes used elsewhere can't prove
// against Postgres's actual conditional update.
func TestIntegration_ClaimRoomIsMutuallyExclusive(t *testing.T) {
	gw := newIntegrationGateway(t)
	ctx := context.Background()

	roomID := uuid.New().String()
	_, err := gw.pool.Exec(ctx, `
		INSERT INTO rooms (id, name, server_ref, status, transcription_enabled, created_at)
		VALUES ($1, $2, $3, 'pending', true, now())
	`, roomID, "integration-test-room", "integration-test")
	require.NoError(t, err)

	workerA := uuid.New().String()
	workerB := uuid.New().String()
	require.NoError(t, gw.InsertWorker(ctx, &Worker{ID: uuid.MustParse(workerA), Mode: WorkerModeTranscription}))
	require.NoError(t, gw.InsertWorker(ctx, &Worker{ID: uuid.MustParse(workerB), Mode: WorkerModeTranscription}))

	okA, err := gw.ClaimRoom(ctx, workerA, roomID)
	require.NoError(t, err)
	okB, err := gw.ClaimRoom(ctx, workerB, roomID)
	require.NoError(t, err)

	require.True(t, okA)
	require.False(t, okB, "a room already owned must not be claimable by a second worker")
}

// TestIntegration_FullRoomLifecycle walks a room through claim, a heartbeat,
// a transcript flush, and finalize end to end, the sequence manager.go's
// driveRoom/finalize actually runs in production.
func TestIntegration_FullRoomLifecycle(t *testing.T) {
	gw := newIntegrationGateway(t)
	ctx := context.Background()

	roomID := uuid.New().String()
	_, err := gw.pool.Exec(ctx, `
		INSERT INTO rooms (id, name, server_ref, status, transcription_enabled, created_at)
		VALUES ($1, $2, $3, 'pending', true, now())
	`, roomID, "integration-test-room-2", "integration-test")
	require.NoError(t, err)

	workerID := uuid.New().String()
	require.NoError(t, gw.InsertWorker(ctx, &Worker{ID: uuid.MustParse(workerID), Mode: WorkerModeTranscription}))

	ok, err := gw.ClaimRoom(ctx, workerID, roomID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, gw.UpdateHeartbeat(ctx, workerID, &roomID))

	participant, err := gw.UpsertParticipant(ctx, roomID, "alice", "webrtc", nil)
	require.NoError(t, err)

	session := &STTSession{ID: uuid.New(), RoomID: uuid.MustParse(roomID), ParticipantID: participant.ID, ExternalSessionTag: "integration-test"}
	require.NoError(t, gw.InsertSTTSession(ctx, session))

	row := TranscriptRow{
		ID:                 uuid.New(),
		RoomID:             uuid.MustParse(roomID),
		STTSessionID:       session.ID,
		ParticipantID:      participant.ID,
		Text:               "hello from an integration test",
		IsFinal:            true,
		Confidence:         0.95,
		StartTime:          time.Now(),
		EndTime:            time.Now(),
		Language:           "en",
		WallClockTimestamp: time.Now(),
	}
	require.NoError(t, gw.InsertTranscripts(ctx, []TranscriptRow{row}))

	require.NoError(t, gw.CompleteSTTSession(ctx, session.ID.String(), 0.5, 1, 0.95))
	require.NoError(t, gw.MarkParticipantLeft(ctx, participant.ID.String()))
	require.NoError(t, gw.CompleteRoom(ctx, roomID))
	require.NoError(t, gw.ReleaseRoom(ctx, workerID, roomID))

	fetched, err := gw.GetRoom(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, RoomCompleted, fetched.Status)
}
