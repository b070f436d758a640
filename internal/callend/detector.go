// Package callend implements C7: tracks participant count, fires a single
// call-end signal after a configured empty-room window.
package callend

import (
	"sync"
	"time"
)

// Detector fires its handler exactly once, either when the room has been
// empty for the configured window or when Force is called. Re-arming after
// a fire requires constructing a fresh Detector for a new room.
type Detector struct {
	mu            sync.Mutex
	emptyTimeout  time.Duration
	timer         *time.Timer
	fired         bool
	handler       func()
}

// New constructs a Detector for one room. handler is registered once, at
// construction, by the worker manager.
func New(emptyTimeout time.Duration, handler func()) *Detector {
	return &Detector{emptyTimeout: emptyTimeout, handler: handler}
}

// Update reports the current participant count. A transition to zero arms
// the empty-timeout timer; any positive count prior to firing cancels it.
func (d *Detector) Update(count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired {
		return
	}

	if count == 0 {
		if d.timer == nil {
			d.timer = time.AfterFunc(d.emptyTimeout, d.fire)
		}
		return
	}

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Force cancels any pending timer and fires immediately.
func (d *Detector) Force() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	already := d.fired
	d.mu.Unlock()

	if !already {
		d.fire()
	}
}

func (d *Detector) fire() {
	d.mu.Lock()
	if d.fired {
		d.mu.Unlock()
		return
	}
	d.fired = true
	handler := d.handler
	d.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// Fired reports whether the handler has already run.
func (d *Detector) Fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}
