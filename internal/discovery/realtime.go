package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vollawetscher/media-worker/internal/logging"
)

// realtimePayload mirrors the JSON the store's row-change relay publishes,
// the same shape the database notification channel uses.
type realtimePayload struct {
	RoomID   string `json:"room_id"`
	RoomName string `json:"room_name"`
	Status   string `json:"status"`
	Event    string `json:"event"`
}

// RealtimeNotifier subscribes to a Redis pub/sub channel fed by an external
// row-change relay, standing in for the store's realtime change stream.
// Grounded on randeeprajputr-webinar_backend's internal/realtime/redis_pubsub.go.
type RealtimeNotifier struct {
	client        *redis.Client
	channel       string
	retryInterval time.Duration
	onEvent       func(RoomEvent)

	mu            sync.Mutex
	lastEventAt   time.Time
	done          chan struct{}
}

// NewRealtimeNotifier constructs a RealtimeNotifier. retryInterval defaults
// to 120s, matching REALTIME_RETRY_INTERVAL_MS's default.
func NewRealtimeNotifier(client *redis.Client, channel string, retryInterval time.Duration, onEvent func(RoomEvent)) *RealtimeNotifier {
	if channel == "" {
		channel = "room_available"
	}
	if retryInterval <= 0 {
		retryInterval = 120 * time.Second
	}
	return &RealtimeNotifier{
		client:        client,
		channel:       channel,
		retryInterval: retryInterval,
		onEvent:       onEvent,
		done:          make(chan struct{}),
	}
}

// Start subscribes and reconnects on close/error after retryInterval, until
// Stop is called or ctx is cancelled.
func (r *RealtimeNotifier) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		if err := r.subscribeOnce(ctx); err != nil {
			logging.Warning(logging.CategoryDiscovery, "realtime notifier: %v, retrying in %s", err, r.retryInterval)
		}

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(r.retryInterval):
		}
	}
}

func (r *RealtimeNotifier) subscribeOnce(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleMessage(msg.Payload)
		}
	}
}

func (r *RealtimeNotifier) handleMessage(payload string) {
	var p realtimePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		logging.Debug(logging.CategoryDiscovery, "realtime notifier: malformed payload: %v", err)
		return
	}

	r.mu.Lock()
	r.lastEventAt = time.Now()
	r.mu.Unlock()

	if p.Event != "insert" && p.Event != "update" {
		return
	}
	r.onEvent(RoomEvent{RoomID: p.RoomID, Method: MethodRealtime})
}

// Healthy reports "healthy" while events keep arriving, per the spec's
// last-event-time tracking.
func (r *RealtimeNotifier) Healthy(staleness time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastEventAt.IsZero() {
		return false
	}
	return time.Since(r.lastEventAt) < staleness
}

// Stop ends the subscription loop.
func (r *RealtimeNotifier) Stop() {
	close(r.done)
}
