package store

import (
	"time"

	"github.com/google/uuid"
)

// RoomStatus is the lifecycle state of a Room.
type RoomStatus string

const (
	RoomPending    RoomStatus = "pending"
	RoomActive     RoomStatus = "active"
	RoomProcessing RoomStatus = "processing"
	RoomCompleted  RoomStatus = "completed"
	RoomClosed     RoomStatus = "closed"
)

// WorkerMode mirrors config.Mode at the store boundary.
type WorkerMode string

const (
	WorkerModeTranscription WorkerMode = "transcription"
	WorkerModeAIJobs        WorkerMode = "ai-jobs"
	WorkerModeBoth          WorkerMode = "both"
)

// WorkerStatus is the lifecycle state of a Worker row.
type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerStopped WorkerStatus = "stopped"
)

// SessionStatus is the lifecycle state of an STT session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// JobStatus is the lifecycle state of an analysis_jobs row.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobType enumerates the canonical post-call analysis job set.
type JobType string

const (
	JobSummary          JobType = "summary"
	JobActionItems      JobType = "action_items"
	JobSentiment        JobType = "sentiment"
	JobSpeakerAnalytics JobType = "speaker_analytics"
)

// Room is the logical Room entity described by the data model.
type Room struct {
	ID                  uuid.UUID
	Name                string
	ServerRef           string
	Status              RoomStatus
	AIEnabled           bool
	TranscriptionEnabled bool
	OrgID               *string
	EmptyTimeoutSeconds int
	OwnerWorkerID       *uuid.UUID
	OwnerClaimedAt      *time.Time
	OwnerHeartbeatAt    *time.Time
	TimebaseOrigin      *time.Time
	CreatedAt           time.Time
	ClosedAt            *time.Time
}

// Worker is the logical Worker entity.
type Worker struct {
	ID              uuid.UUID
	Mode            WorkerMode
	Status          WorkerStatus
	CurrentRoomID   *uuid.UUID
	LastHeartbeatAt time.Time
	StartedAt       time.Time
}

// Participant is the logical Participant entity.
type Participant struct {
	ID             uuid.UUID
	RoomID         uuid.UUID
	Identity       string
	ConnectionType string
	JoinedAt       time.Time
	LeftAt         *time.Time
	IsActive       bool
	Metadata       map[string]any
}

// STTSession is the logical STT session entity.
type STTSession struct {
	ID                 uuid.UUID
	RoomID             uuid.UUID
	ParticipantID      uuid.UUID
	ExternalSessionTag string
	Status             SessionStatus
	StartedAt          time.Time
	EndedAt            *time.Time
	AudioMinutes       float64
	TranscriptCount    int
	AverageConfidence  float64
	ErrorMessage       *string
}

// TranscriptRow is one finalized, persisted transcript fragment.
type TranscriptRow struct {
	ID                       uuid.UUID
	RoomID                   uuid.UUID
	STTSessionID             uuid.UUID
	ParticipantID            uuid.UUID
	Text                     string
	IsFinal                  bool
	Confidence               float64
	RelativeTimestampSeconds float64
	StartTime                time.Time
	EndTime                  time.Time
	Language                 string
	WallClockTimestamp       time.Time
	Metadata                 map[string]any
}

// AnalysisJob is one row of the analysis_jobs work queue.
type AnalysisJob struct {
	ID            uuid.UUID
	RoomID        uuid.UUID
	JobType       JobType
	Priority      int
	Status        JobStatus
	InputPayload  map[string]any
	Result        map[string]any
	ClaimedBy     *uuid.UUID
	ClaimedAt     *time.Time
	CompletedAt   *time.Time
	ErrorMessage  *string
	CreatedAt     time.Time
}
