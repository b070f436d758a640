// Package worker implements C9: the single-room loop that drives discovery,
// room construction, and graceful shutdown. Grounded on the teacher's
// internal/worker/worker.go lifecycle (register, heartbeat, drain, signal
// handling), retargeted from LiveKit agent-dispatch to the store-mediated
// claim model.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vollawetscher/media-worker/internal/aijobs"
	"github.com/vollawetscher/media-worker/internal/callend"
	"github.com/vollawetscher/media-worker/internal/conference"
	"github.com/vollawetscher/media-worker/internal/config"
	"github.com/vollawetscher/media-worker/internal/discovery"
	"github.com/vollawetscher/media-worker/internal/logging"
	"github.com/vollawetscher/media-worker/internal/sink"
	"github.com/vollawetscher/media-worker/internal/store"
	"github.com/vollawetscher/media-worker/internal/stt"
	"github.com/vollawetscher/media-worker/internal/timebase"
)

// Manager is C9.
type Manager struct {
	cfg         *config.Config
	gw          store.Gateway
	redisClient *redis.Client

	orchestrator *discovery.Orchestrator
	aiDriver     *aijobs.Driver

	mu             sync.Mutex
	processingRoom bool
	activeRoomID   string

	wg sync.WaitGroup
}

// New constructs a Manager. redisClient may be nil: C8's realtime notifier
// and C10's queue transport are both skipped when absent.
func New(cfg *config.Config, gw store.Gateway, redisClient *redis.Client) *Manager {
	return &Manager{cfg: cfg, gw: gw, redisClient: redisClient}
}

// Run executes the full C9 startup sequence and blocks until a shutdown
// signal or ctx cancellation, then runs the shutdown sequence.
func (m *Manager) Run(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logging.Info(logging.CategoryWorker, "received shutdown signal, starting drain")
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := m.gw.ReapStaleWorkers(ctx, int(store.StaleAfter.Seconds())); err != nil {
		logging.Warning(logging.CategoryWorker, "startup reap failed (best-effort): %v", err)
	}

	workerID, err := uuid.Parse(m.cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("worker manager: worker id %q is not a UUID: %w", m.cfg.WorkerID, err)
	}
	if err := m.gw.InsertWorker(ctx, &store.Worker{
		ID:     workerID,
		Mode:   store.WorkerMode(m.cfg.Mode),
		Status: store.WorkerActive,
	}); err != nil {
		return fmt.Errorf("worker manager: insert worker row: %w", err)
	}

	m.wg.Add(1)
	go m.heartbeatLoop(ctx)

	m.wg.Add(1)
	go m.reaperLoop(ctx)

	if m.cfg.Mode == config.ModeAIJobs || m.cfg.Mode == config.ModeBoth {
		redisURL := ""
		if m.redisClient != nil {
			redisURL = m.cfg.RedisURL
		}
		m.aiDriver = aijobs.New(m.gw, aijobs.Options{
			WorkerID:     m.cfg.WorkerID,
			PollInterval: m.cfg.AIJobsPollInterval(),
			Concurrency:  m.cfg.AIJobsConcurrency,
			RedisURL:     redisURL,
		})
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.aiDriver.Run(ctx)
		}()
	}

	if m.cfg.Mode == config.ModeTranscription || m.cfg.Mode == config.ModeBoth {
		m.orchestrator = discovery.New(m.gw, discovery.Options{
			WorkerID:              m.cfg.WorkerID,
			Mode:                  string(m.cfg.Mode),
			PollingInterval:       m.cfg.PollingInterval(),
			RealtimeRetryInterval: m.cfg.RealtimeRetryInterval(),
			NotifyRetryInterval:   m.cfg.NotifyRetryInterval(),
			DedupWindow:           m.cfg.RoomClaimCacheDuration(),
			EnablePollingFallback: m.cfg.EnablePollingFallback,
			EnableDatabaseNotify:  m.cfg.EnableDatabaseNotify,
			StoreDirectURL:        m.cfg.StoreDirectURL,
			RedisClient:           m.redisClient,
		})
		m.orchestrator.Start(ctx)

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.singleRoomLoop(ctx)
		}()
	}

	if m.cfg.Port != "" {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.startHealthServer(ctx, m.cfg.Port)
		}()
	}

	<-ctx.Done()
	m.shutdown()
	return nil
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			roomID := m.currentRoomID()
			if err := m.gw.UpdateHeartbeat(ctx, m.cfg.WorkerID, roomID); err != nil {
				logging.Error(logging.CategoryWorker, "heartbeat failed, retrying next tick: %v", err)
			}
		}
	}
}

func (m *Manager) reaperLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReaperInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.gw.ReapStaleWorkers(ctx, int(store.StaleAfter.Seconds()))
			if err != nil {
				logging.Error(logging.CategoryWorker, "periodic reap failed: %v", err)
				continue
			}
			if n > 0 {
				logging.Info(logging.CategoryWorker, "reaped %d stale workers", n)
			}
		}
	}
}

func (m *Manager) currentRoomID() *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.processingRoom {
		return nil
	}
	id := m.activeRoomID
	return &id
}

// singleRoomLoop owns the processing_room gate: while unset, any claim
// delivered by the orchestrator is taken up; once set, further claims queue
// in the orchestrator's channel until this room finalizes.
func (m *Manager) singleRoomLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case claim, ok := <-m.orchestrator.Claimed():
			if !ok {
				return
			}
			m.processRoom(ctx, claim)
		}
	}
}

func (m *Manager) setProcessing(roomID string) {
	m.mu.Lock()
	m.processingRoom = true
	m.activeRoomID = roomID
	m.mu.Unlock()
}

func (m *Manager) clearProcessing() {
	m.mu.Lock()
	m.processingRoom = false
	m.activeRoomID = ""
	m.mu.Unlock()
}

// processRoom constructs {C2, C3, C5..., C6, C7} for one claimed room,
// drives it until shutdown or disconnection, then finalizes and releases.
func (m *Manager) processRoom(ctx context.Context, claim discovery.Claimed) {
	room := claim.Room
	roomIDStr := room.ID.String()
	m.setProcessing(roomIDStr)
	defer m.clearProcessing()

	logging.Info(logging.CategoryWorker, "claimed room roomID=%s method=%s", roomIDStr, claim.Method)

	roomCtx, cancelRoom := context.WithCancel(ctx)
	defer cancelRoom()

	tb := timebase.New(m.gw, roomIDStr, nil)
	if _, err := tb.Initialize(roomCtx); err != nil {
		logging.Error(logging.CategoryWorker, "initialize timebase roomID=%s: %v", roomIDStr, err)
		m.releaseAndRequeue(roomIDStr)
		return
	}

	roomSink := sink.New(m.gw, tb, m.gw, roomIDStr, m.cfg.SinkBatchSize, m.cfg.SinkBatchInterval(), m.cfg.SinkQueueCap)

	detector := callend.New(time.Duration(room.EmptyTimeoutSeconds)*time.Second, cancelRoom)

	newSTTClient := func(participantID string) *stt.Client {
		return stt.New(stt.Config{
			ProviderURL:      m.cfg.STTProviderURL,
			ProviderToken:    m.cfg.STTProviderToken,
			IdleFlushTimeout: m.cfg.UtteranceFlushIdle(),
			MaxBufferChars:   m.cfg.UtteranceMaxChars,
		}, m.gw, roomSink, roomIDStr, participantID)
	}

	session := conference.New(conference.Options{
		URL:           m.cfg.LiveKitURL,
		WorkerID:      m.cfg.WorkerID,
		RoomID:        room.ID,
		Store:         m.gw,
		NewSTTClient:  newSTTClient,
		OnCountChange: detector.Update,
	})

	if err := session.Connect(roomCtx, m.cfg.LiveKitAPIKey, m.cfg.LiveKitAPISecret, room.Name); err != nil {
		logging.Error(logging.CategoryWorker, "connect to room roomID=%s: %v", roomIDStr, err)
		if stopErr := roomSink.Stop(); stopErr != nil {
			logging.Warning(logging.CategoryWorker, "stop sink after failed connect roomID=%s: %v", roomIDStr, stopErr)
		}
		m.releaseAndRequeue(roomIDStr)
		return
	}

	m.driveRoom(ctx, roomCtx, session)
	m.finalize(room, session, roomSink)
}

// driveRoom polls C6.is_connected() until shutdown, call-end, or disconnect.
func (m *Manager) driveRoom(ctx, roomCtx context.Context, session *conference.Session) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-roomCtx.Done():
			return
		case <-ticker.C:
			if !session.IsConnected() {
				return
			}
		}
	}
}

// finalize is idempotent per §4.9: safe to run exactly once per claimed room,
// but every step tolerates being retried.
func (m *Manager) finalize(room *store.Room, session *conference.Session, roomSink *sink.Sink) {
	roomIDStr := room.ID.String()
	ctx := context.Background()

	session.StopTracks()
	if err := roomSink.Stop(); err != nil {
		logging.Error(logging.CategoryWorker, "finalize: sink stop roomID=%s: %v", roomIDStr, err)
	}
	session.LeaveRoom()

	if err := m.gw.CompleteRoom(ctx, roomIDStr); err != nil {
		logging.Error(logging.CategoryWorker, "finalize: complete room roomID=%s: %v", roomIDStr, err)
	}
	if err := m.gw.MarkAllParticipantsInactive(ctx, roomIDStr); err != nil {
		logging.Error(logging.CategoryWorker, "finalize: mark participants inactive roomID=%s: %v", roomIDStr, err)
	}

	m.fallbackInsertJobs(ctx, room)

	if err := m.gw.ReleaseRoom(ctx, m.cfg.WorkerID, roomIDStr); err != nil {
		logging.Error(logging.CategoryWorker, "finalize: release room roomID=%s: %v", roomIDStr, err)
	}

	if m.orchestrator != nil {
		m.orchestrator.ReleaseFromCache(roomIDStr)
		m.orchestrator.CheckNow()
	}

	logging.Info(logging.CategoryWorker, "finalized room roomID=%s", roomIDStr)
}

// canonicalJobSet is the fallback job set finalize installs when the
// conferencing server's completion webhook hasn't beaten the worker to it.
var canonicalJobSet = []struct {
	jobType  store.JobType
	priority int
}{
	{store.JobSummary, 100},
	{store.JobActionItems, 90},
	{store.JobSentiment, 70},
	{store.JobSpeakerAnalytics, 50},
}

func (m *Manager) fallbackInsertJobs(ctx context.Context, room *store.Room) {
	roomIDStr := room.ID.String()
	for _, jt := range canonicalJobSet {
		exists, err := m.gw.ExistingJobForRoom(ctx, roomIDStr, jt.jobType)
		if err != nil {
			logging.Error(logging.CategoryWorker, "fallback job check roomID=%s type=%s: %v", roomIDStr, jt.jobType, err)
			continue
		}
		if exists {
			continue
		}
		job := &store.AnalysisJob{
			RoomID:   room.ID,
			JobType:  jt.jobType,
			Priority: jt.priority,
			InputPayload: map[string]any{
				"room_id":   roomIDStr,
				"room_name": room.Name,
			},
		}
		if _, err := m.gw.InsertJobIfAbsent(ctx, job); err != nil {
			logging.Error(logging.CategoryWorker, "fallback job insert roomID=%s type=%s: %v", roomIDStr, jt.jobType, err)
		}
	}
}

func (m *Manager) releaseAndRequeue(roomIDStr string) {
	ctx := context.Background()
	if err := m.gw.ReleaseRoom(ctx, m.cfg.WorkerID, roomIDStr); err != nil {
		logging.Error(logging.CategoryWorker, "release after failed setup roomID=%s: %v", roomIDStr, err)
	}
	if m.orchestrator != nil {
		m.orchestrator.ReleaseFromCache(roomIDStr)
		m.orchestrator.CheckNow()
	}
}

// shutdown runs §4.9's graceful-shutdown sequence. There is at most one room
// in flight (the single-room-loop invariant), so "stop all" reduces to
// letting ctx cancellation unwind processRoom's in-flight call.
func (m *Manager) shutdown() {
	logging.Info(logging.CategoryWorker, "shutting down")

	if m.orchestrator != nil {
		m.orchestrator.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.DrainTimeout()):
		logging.Warning(logging.CategoryWorker, "drain timeout exceeded, forcing shutdown")
	}

	ctx := context.Background()
	if err := m.gw.SetWorkerStopped(ctx, m.cfg.WorkerID); err != nil {
		logging.Warning(logging.CategoryWorker, "failed to mark worker stopped: %v", err)
	}

	logging.Info(logging.CategoryWorker, "shutdown complete")
}
