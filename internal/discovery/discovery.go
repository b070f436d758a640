package discovery

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vollawetscher/media-worker/internal/logging"
	"github.com/vollawetscher/media-worker/internal/store"
)

// RoomFetcher is the slice of the store gateway the orchestrator needs to
// apply the mode filter after a claim succeeds via the realtime or notify
// path (which, unlike polling, can't filter in SQL before claiming).
type RoomFetcher interface {
	GetRoom(ctx context.Context, roomID string) (*store.Room, error)
	ReleaseRoom(ctx context.Context, workerID, roomID string) error
}

// Gateway bundles everything the orchestrator needs from the store.
type Gateway interface {
	ClaimGateway
	ClaimableRoomFinder
	RoomFetcher
}

// Claimed is delivered to the manager on a successful, mode-matching claim.
type Claimed struct {
	Room   *store.Room
	Method Method
}

// Options configures the three notifiers and the dedup window.
type Options struct {
	WorkerID                 string
	Mode                     string // "transcription" | "ai-jobs" | "both"
	PollingInterval          time.Duration
	RealtimeRetryInterval    time.Duration
	NotifyRetryInterval      time.Duration
	DedupWindow              time.Duration
	EnablePollingFallback    bool
	EnableDatabaseNotify     bool
	StoreDirectURL           string
	RedisClient              *redis.Client
}

// Orchestrator is C8: three redundant notifiers racing to claim, one dedup
// cache, one mode filter.
type Orchestrator struct {
	gateway Gateway
	opts    Options
	dedup   *DedupCache

	poll     *PollNotifier
	realtime *RealtimeNotifier
	notify   *NotifyNotifier

	claimed chan Claimed
}

// New constructs an Orchestrator wired to the given gateway.
func New(gateway Gateway, opts Options) *Orchestrator {
	o := &Orchestrator{
		gateway: gateway,
		opts:    opts,
		dedup:   NewDedupCache(opts.DedupWindow),
		claimed: make(chan Claimed, 8),
	}

	transcriptionFilter := modeFilter(opts.Mode)

	if opts.EnablePollingFallback {
		o.poll = NewPollNotifier(gateway, opts.PollingInterval, transcriptionFilter, o.handleEvent)
	}
	if opts.RedisClient != nil {
		o.realtime = NewRealtimeNotifier(opts.RedisClient, "room_available", opts.RealtimeRetryInterval, o.handleEvent)
	}
	if opts.EnableDatabaseNotify && opts.StoreDirectURL != "" {
		o.notify = NewNotifyNotifier(opts.StoreDirectURL, opts.NotifyRetryInterval, o.handleEvent)
	}

	return o
}

// modeFilter translates the worker mode into the transcription_enabled
// predicate used by SQL-filterable paths (polling).
func modeFilter(mode string) *bool {
	switch mode {
	case "transcription":
		v := true
		return &v
	case "ai-jobs":
		v := false
		return &v
	default:
		return nil
	}
}

// Start launches every configured notifier in its own goroutine.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.poll != nil {
		go o.poll.Start(ctx)
	}
	if o.realtime != nil {
		go o.realtime.Start(ctx)
	}
	if o.notify != nil {
		go o.notify.Start(ctx)
	}
}

// Stop ends every configured notifier.
func (o *Orchestrator) Stop() {
	if o.poll != nil {
		o.poll.Stop()
	}
	if o.realtime != nil {
		o.realtime.Stop()
	}
	if o.notify != nil {
		o.notify.Stop()
	}
}

// CheckNow accelerates the polling notifier's next tick, called by the
// manager right after releasing a room.
func (o *Orchestrator) CheckNow() {
	if o.poll != nil {
		o.poll.CheckNow()
	}
}

// Claimed delivers successful, mode-matching claims to the manager.
func (o *Orchestrator) Claimed() <-chan Claimed {
	return o.claimed
}

// ReleaseFromCache clears a room from the dedup cache so it can be
// legitimately re-processed later, called by the manager after finalize.
func (o *Orchestrator) ReleaseFromCache(roomID string) {
	o.dedup.Clear(roomID)
}

func (o *Orchestrator) handleEvent(evt RoomEvent) {
	if !o.dedup.TryMark(evt.RoomID) {
		return
	}

	ctx := context.Background()
	ok, err := o.gateway.ClaimRoom(ctx, o.opts.WorkerID, evt.RoomID)
	if err != nil {
		logging.Error(logging.CategoryDiscovery, "claim attempt for room %s via %s failed: %v", evt.RoomID, evt.Method, err)
		return
	}
	if !ok {
		return
	}

	room, err := o.gateway.GetRoom(ctx, evt.RoomID)
	if err != nil || room == nil {
		logging.Error(logging.CategoryDiscovery, "claimed room %s via %s but failed to fetch it: %v", evt.RoomID, evt.Method, err)
		return
	}

	if !o.modeMatches(room) {
		if relErr := o.gateway.ReleaseRoom(ctx, o.opts.WorkerID, evt.RoomID); relErr != nil {
			logging.Error(logging.CategoryDiscovery, "release mode-mismatched room %s: %v", evt.RoomID, relErr)
		}
		o.dedup.Clear(evt.RoomID)
		return
	}

	select {
	case o.claimed <- Claimed{Room: room, Method: evt.Method}:
	default:
		logging.Warning(logging.CategoryDiscovery, "claimed channel full, dropping claim for room %s (manager too slow to drain)", evt.RoomID)
	}
}

func (o *Orchestrator) modeMatches(room *store.Room) bool {
	switch o.opts.Mode {
	case "transcription":
		return room.TranscriptionEnabled
	case "ai-jobs":
		return !room.TranscriptionEnabled
	default:
		return true
	}
}
