package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vollawetscher/media-worker/internal/logging"
)

// NotifyNotifier holds a long-lived connection LISTENing on room_available,
// the store's database notification channel. Uses a dedicated pgx.Conn
// rather than a pool connection: LISTEN state must survive for the life of
// the notifier, which a pool would otherwise reclaim.
type NotifyNotifier struct {
	dsn           string
	retryInterval time.Duration
	onEvent       func(RoomEvent)
	done          chan struct{}
}

// NewNotifyNotifier constructs a NotifyNotifier against a direct SQL DSN.
// Returns nil when dsn is empty: C8's notify path is disabled when
// STORE_DIRECT_URL is absent.
func NewNotifyNotifier(dsn string, retryInterval time.Duration, onEvent func(RoomEvent)) *NotifyNotifier {
	if dsn == "" {
		return nil
	}
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	return &NotifyNotifier{dsn: dsn, retryInterval: retryInterval, onEvent: onEvent, done: make(chan struct{})}
}

// Start listens until Stop is called or ctx is cancelled, reconnecting on
// any connection error after retryInterval.
func (n *NotifyNotifier) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		default:
		}

		if err := n.listenOnce(ctx); err != nil {
			logging.Warning(logging.CategoryDiscovery, "notify notifier: %v, retrying in %s", err, n.retryInterval)
		}

		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case <-time.After(n.retryInterval):
		}
	}
}

func (n *NotifyNotifier) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, n.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "LISTEN room_available"); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		n.handlePayload(notification.Payload)

		select {
		case <-n.done:
			return nil
		default:
		}
	}
}

func (n *NotifyNotifier) handlePayload(payload string) {
	var p realtimePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		logging.Debug(logging.CategoryDiscovery, "notify notifier: malformed payload: %v", err)
		return
	}
	n.onEvent(RoomEvent{RoomID: p.RoomID, Method: MethodNotify})
}

// Stop ends the listen loop.
func (n *NotifyNotifier) Stop() {
	close(n.done)
}
