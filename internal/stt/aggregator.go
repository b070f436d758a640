package stt

import (
	"strings"
	"sync"
	"time"
)

// Fragment is one inbound final transcript fragment from the provider.
type Fragment struct {
	Text       string
	StartTime  time.Time
	EndTime    time.Time
	Confidence float64
}

// Utterance is the result of flushing the aggregator's buffer: the joined
// text of every fragment since the last flush, ready to become one
// transcript row.
type Utterance struct {
	Text              string
	MeanConfidence    float64
	StartTime         time.Time
	EndTime           time.Time
	WallClockCaptured time.Time
}

// Aggregator buffers final fragments into utterances, per session. Two
// flush triggers (sentence terminator, size cap) can fire on the same
// fragment; the buffer is drained and reset as one atomic step under the
// same lock that both triggers check, which is what keeps a double flush
// from happening without a separate flag.
type Aggregator struct {
	mu              sync.Mutex
	buffer          []Fragment
	confidenceSum   float64
	bufferStart     time.Time
	bufferEnd       time.Time
	idleTimer       *time.Timer
	idleDuration    time.Duration
	maxChars        int
	onFlush         func(Utterance)
	idleTimerActive bool
}

// NewAggregator constructs an Aggregator. idleDuration and maxChars follow
// the spec's defaults (2s, 500 chars) when zero.
func NewAggregator(idleDuration time.Duration, maxChars int, onFlush func(Utterance)) *Aggregator {
	if idleDuration <= 0 {
		idleDuration = 2 * time.Second
	}
	if maxChars <= 0 {
		maxChars = 500
	}
	return &Aggregator{idleDuration: idleDuration, maxChars: maxChars, onFlush: onFlush}
}

// AddFragment appends a final fragment and flushes if a trigger condition
// now holds: the fragment's trimmed text ends in a sentence terminator, or
// the buffered text exceeds the size cap. Otherwise the idle timer is
// (re)armed.
func (a *Aggregator) AddFragment(f Fragment) {
	a.mu.Lock()

	if len(a.buffer) == 0 {
		a.bufferStart = f.StartTime
	}
	a.bufferEnd = f.EndTime
	a.buffer = append(a.buffer, f)
	a.confidenceSum += f.Confidence

	trimmed := strings.TrimSpace(f.Text)
	endsInTerminator := strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") || strings.HasSuffix(trimmed, "?")
	oversize := a.bufferedLen() > a.maxChars

	if endsInTerminator || oversize {
		a.stopIdleTimerLocked()
		a.flushLocked()
		a.mu.Unlock()
		return
	}

	a.armIdleTimerLocked()
	a.mu.Unlock()
}

// Stop cancels the idle timer and flushes any remaining buffer. Called from
// C4.stop().
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.stopIdleTimerLocked()
	a.flushLocked()
	a.mu.Unlock()
}

func (a *Aggregator) bufferedLen() int {
	n := 0
	for _, f := range a.buffer {
		n += len(f.Text)
	}
	return n
}

// flushLocked must be called with a.mu held. It is a no-op on an empty
// buffer, which is what makes overlapping triggers safe: whichever trigger
// gets the lock first drains the buffer, the other finds it already empty.
func (a *Aggregator) flushLocked() {
	if len(a.buffer) == 0 {
		return
	}

	var sb strings.Builder
	for i, f := range a.buffer {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.TrimSpace(f.Text))
	}

	mean := 0.0
	if len(a.buffer) > 0 {
		mean = a.confidenceSum / float64(len(a.buffer))
	}

	u := Utterance{
		Text:              sb.String(),
		MeanConfidence:    mean,
		StartTime:         a.bufferStart,
		EndTime:           a.bufferEnd,
		WallClockCaptured: time.Now(),
	}

	a.buffer = nil
	a.confidenceSum = 0

	if a.onFlush != nil {
		a.onFlush(u)
	}
}

func (a *Aggregator) armIdleTimerLocked() {
	a.stopIdleTimerLocked()
	a.idleTimer = time.AfterFunc(a.idleDuration, a.onIdleFire)
	a.idleTimerActive = true
}

func (a *Aggregator) stopIdleTimerLocked() {
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	a.idleTimerActive = false
}

func (a *Aggregator) onIdleFire() {
	a.mu.Lock()
	a.idleTimerActive = false
	a.flushLocked()
	a.mu.Unlock()
}
