package discovery

import (
	"context"
	"time"

	"github.com/vollawetscher/media-worker/internal/logging"
	"github.com/vollawetscher/media-worker/internal/store"
)

// ClaimableRoomFinder is the slice of the store gateway PollNotifier needs
// beyond ClaimGateway.
type ClaimableRoomFinder interface {
	OldestClaimableRoom(ctx context.Context, transcriptionEnabled *bool) (*store.Room, error)
}

// PollNotifier is C8's interval-polling notifier, plus an on-demand
// check_now() the manager calls right after releasing a room.
type PollNotifier struct {
	finder               ClaimableRoomFinder
	interval             time.Duration
	onEvent              func(RoomEvent)
	transcriptionEnabled *bool

	checkNow chan struct{}
	done     chan struct{}
}

// NewPollNotifier constructs a PollNotifier. interval defaults to 5s.
// transcriptionEnabled is the mode filter: nil for "both", true for
// transcription-only, false for ai-jobs-only.
func NewPollNotifier(finder ClaimableRoomFinder, interval time.Duration, transcriptionEnabled *bool, onEvent func(RoomEvent)) *PollNotifier {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollNotifier{
		finder:               finder,
		interval:             interval,
		onEvent:               onEvent,
		transcriptionEnabled: transcriptionEnabled,
		checkNow:             make(chan struct{}, 1),
		done:                 make(chan struct{}),
	}
}

// Start runs the polling loop until Stop is called.
func (p *PollNotifier) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.poll(ctx)
		case <-p.checkNow:
			p.poll(ctx)
		}
	}
}

// CheckNow triggers an immediate poll without waiting for the next tick.
func (p *PollNotifier) CheckNow() {
	select {
	case p.checkNow <- struct{}{}:
	default:
	}
}

// Stop ends the polling loop.
func (p *PollNotifier) Stop() {
	close(p.done)
}

func (p *PollNotifier) poll(ctx context.Context) {
	room, err := p.finder.OldestClaimableRoom(ctx, p.transcriptionEnabled)
	if err != nil {
		logging.Error(logging.CategoryDiscovery, "poll notifier: %v", err)
		return
	}
	if room == nil {
		return
	}
	p.onEvent(RoomEvent{RoomID: room.ID.String(), Method: MethodPolling})
}
