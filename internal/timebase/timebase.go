// Package timebase implements C2: a per-room origin established by the
// first owner and reused by any successor, so transcripts produced across
// worker crashes align on one timeline.
package timebase

import (
	"context"
	"fmt"
	"time"
)

// OriginStore is the slice of the store gateway timebase.Timebase needs.
// Kept as its own interface (rather than depending on *store.PgGateway
// directly) so tests can supply a fake without a live database.
type OriginStore interface {
	LoadOrSetTimebaseOrigin(ctx context.Context, roomID string, candidate time.Time) (time.Time, error)
}

// Now abstracts wall-clock reads so tests can supply a deterministic one.
type Now func() time.Time

// Timebase holds one room's origin once initialized.
type Timebase struct {
	store     OriginStore
	roomID    string
	now       Now
	origin    time.Time
	hasOrigin bool
}

// New constructs a Timebase bound to one room. now defaults to time.Now.
func New(store OriginStore, roomID string, now Now) *Timebase {
	if now == nil {
		now = time.Now
	}
	return &Timebase{store: store, roomID: roomID, now: now}
}

// Initialize fetches the room's origin if one exists, otherwise proposes the
// current instant and adopts whatever value the store ends up holding — a
// losing contender adopts the winner's origin, per the set-once contract.
func (t *Timebase) Initialize(ctx context.Context) (time.Time, error) {
	candidate := t.now()
	origin, err := t.store.LoadOrSetTimebaseOrigin(ctx, t.roomID, candidate)
	if err != nil {
		return time.Time{}, fmt.Errorf("initialize timebase: %w", err)
	}
	t.origin = origin
	t.hasOrigin = true
	return origin, nil
}

// Relative converts an instant to seconds-from-origin. A nil instant uses
// the current wall clock. Calling before Initialize is a usage error.
func (t *Timebase) Relative(instant *time.Time) (float64, error) {
	if !t.hasOrigin {
		return 0, fmt.Errorf("timebase: relative called before initialize for room %s", t.roomID)
	}
	at := t.now()
	if instant != nil {
		at = *instant
	}
	return at.Sub(t.origin).Seconds(), nil
}

// Origin returns the loaded origin. Callers must check Initialized first.
func (t *Timebase) Origin() time.Time {
	return t.origin
}

// Initialized reports whether Initialize has completed successfully.
func (t *Timebase) Initialized() bool {
	return t.hasOrigin
}
