// Package store is the C1 store gateway: typed operations over the
// coordination store, exposing the atomic claim/heartbeat/release/cleanup
// routines the rest of the core depends on for its atomicity contract.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StaleAfter is the heartbeat staleness threshold the manager passes to
// ReapStaleWorkers (spec: 45s). ClaimRoom and OldestClaimableRoom spell the
// same 45 seconds as a literal interval in their SQL.
const StaleAfter = 45 * time.Second

// Gateway is the C1 remote-callable surface consumed by the rest of the core.
// All methods must be safe for concurrent use by many goroutines; pgxpool
// already gives us that for free, so Gateway just forwards into it.
type Gateway interface {
	ClaimRoom(ctx context.Context, workerID, roomID string) (bool, error)
	UpdateHeartbeat(ctx context.Context, workerID string, roomID *string) error
	ReleaseRoom(ctx context.Context, workerID, roomID string) error
	ReapStaleWorkers(ctx context.Context, thresholdSeconds int) (int, error)

	InsertWorker(ctx context.Context, w *Worker) error
	SetWorkerStopped(ctx context.Context, workerID string) error

	GetRoom(ctx context.Context, roomID string) (*Room, error)
	OldestClaimableRoom(ctx context.Context, transcriptionEnabled *bool) (*Room, error)
	SetRoomStatus(ctx context.Context, roomID string, status RoomStatus) error
	CompleteRoom(ctx context.Context, roomID string) error

	LoadOrSetTimebaseOrigin(ctx context.Context, roomID string, candidate time.Time) (time.Time, error)
	RoomOrgID(ctx context.Context, roomID string) (string, error)

	UpsertParticipant(ctx context.Context, roomID, identity, connectionType string, metadata map[string]any) (*Participant, error)
	MarkParticipantLeft(ctx context.Context, participantID string) error
	MarkAllParticipantsInactive(ctx context.Context, roomID string) error

	InsertSTTSession(ctx context.Context, s *STTSession) error
	CompleteSTTSession(ctx context.Context, sessionID string, audioMinutes float64, transcriptCount int, averageConfidence float64) error
	FailSTTSession(ctx context.Context, sessionID string, reason string) error

	InsertTranscripts(ctx context.Context, rows []TranscriptRow) error

	ExistingJobForRoom(ctx context.Context, roomID string, jobType JobType) (bool, error)
	InsertJobIfAbsent(ctx context.Context, job *AnalysisJob) (bool, error)
	ClaimPendingJobs(ctx context.Context, workerID string, limit int) ([]AnalysisJob, error)
	CompleteJob(ctx context.Context, jobID string, result map[string]any) error
	FailJob(ctx context.Context, jobID string, reason string) error
}

// PgGateway is the pgx-backed Gateway implementation.
type PgGateway struct {
	pool *pgxpool.Pool
}

// NewPool opens a pgxpool against dsn, tolerating the connection-string
// prefix variants seen across the retrieval pack (postgres://, postgresql://)
// and applying conservative pool defaults, following go-chatty's
// infrastructure/database/postgres.go.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("parse store dsn: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 8
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return pool, nil
}

func normalizeDSN(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgresql+asyncpg://"):
		return "postgres://" + strings.TrimPrefix(dsn, "postgresql+asyncpg://")
	case strings.HasPrefix(dsn, "postgresql://"):
		return "postgres://" + strings.TrimPrefix(dsn, "postgresql://")
	default:
		return dsn
	}
}

// NewPgGateway wraps an already-open pool.
func NewPgGateway(pool *pgxpool.Pool) *PgGateway {
	return &PgGateway{pool: pool}
}

// Pool exposes the underlying pool for callers that need a raw connection
// rather than the typed gateway surface. C8's notify channel does not use it;
// it opens its own dedicated connection from STORE_DIRECT_URL.
func (g *PgGateway) Pool() *pgxpool.Pool {
	return g.pool
}
