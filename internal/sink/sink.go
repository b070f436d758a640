// Package sink implements C3: a bounded, time- and size-triggered batch
// writer for finalized transcript fragments, lossy-on-overflow with
// accounting.
package sink

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/vollawetscher/media-worker/internal/logging"
	"github.com/vollawetscher/media-worker/internal/store"
	"github.com/vollawetscher/media-worker/internal/timebase"
)

// Inserter is the slice of the store gateway the sink needs to flush a batch.
type Inserter interface {
	InsertTranscripts(ctx context.Context, rows []store.TranscriptRow) error
}

// OrgLoader lazily resolves a room's organization attribution field, cached
// after first load per the spec's "lazily loaded once per room" rule.
type OrgLoader interface {
	RoomOrgID(ctx context.Context, roomID string) (string, error)
}

// pendingRow is a row awaiting flush, captured at enqueue time.
type pendingRow struct {
	row       store.TranscriptRow
	enqueued  time.Time
	wallClock time.Time
}

// Sink is one per active room.
type Sink struct {
	insert   Inserter
	tb       *timebase.Timebase
	roomID   string
	orgs     OrgLoader
	orgCache *gocache.Cache

	batchSize     int
	batchInterval time.Duration
	cap           int

	mu      sync.Mutex
	pending []pendingRow
	dropped int64

	flushNow chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Sink for one room. batchSize/batchInterval/cap follow the
// spec's defaults (10, 100ms, 500) when zero.
func New(insert Inserter, tb *timebase.Timebase, orgs OrgLoader, roomID string, batchSize int, batchInterval time.Duration, cap int) *Sink {
	if batchSize <= 0 {
		batchSize = 10
	}
	if batchInterval <= 0 {
		batchInterval = 100 * time.Millisecond
	}
	if cap <= 0 {
		cap = 500
	}

	s := &Sink{
		insert:        insert,
		tb:            tb,
		roomID:        roomID,
		orgs:          orgs,
		orgCache:      gocache.New(gocache.NoExpiration, gocache.NoExpiration),
		batchSize:     batchSize,
		batchInterval: batchInterval,
		cap:           cap,
		flushNow:      make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Enqueue admits one finalized fragment. Only is_final=true rows may be
// passed in; the caller (the utterance aggregator) is responsible for that.
func (s *Sink) Enqueue(row store.TranscriptRow) {
	s.mu.Lock()
	if len(s.pending) >= s.cap {
		s.pending = s.pending[1:]
		s.dropped++
		logging.Warning(logging.CategorySink, "transcript queue overflow for room %s, dropped oldest (total dropped=%d)", s.roomID, s.dropped)
	}
	s.pending = append(s.pending, pendingRow{row: row, enqueued: time.Now(), wallClock: row.WallClockTimestamp})
	trigger := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if trigger {
		select {
		case s.flushNow <- struct{}{}:
		default:
		}
	}
}

// Dropped returns the cumulative overflow-drop counter.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sink) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.flushNow:
			s.maybeFlush(false)
		case <-ticker.C:
			s.maybeFlush(false)
		}
	}
}

// maybeFlush flushes when either trigger condition holds. force bypasses
// the trigger check (used by Stop's synchronous drain).
func (s *Sink) maybeFlush(force bool) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	oldestAge := time.Since(s.pending[0].enqueued)
	if !force && len(s.pending) < s.batchSize && oldestAge < s.batchInterval {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.flushBatch(batch)
}

func (s *Sink) flushBatch(batch []pendingRow) {
	ctx := context.Background()

	orgID, err := s.RoomOrgID(ctx)
	if err != nil {
		logging.Warning(logging.CategorySink, "room %s: load org attribution: %v", s.roomID, err)
	}

	rows := make([]store.TranscriptRow, len(batch))
	for i, p := range batch {
		rel, err := s.tb.Relative(&p.wallClock)
		if err != nil {
			logging.Error(logging.CategorySink, "room %s: compute relative timestamp: %v", s.roomID, err)
			rel = 0
		}
		p.row.RelativeTimestampSeconds = rel
		if orgID != "" {
			if p.row.Metadata == nil {
				p.row.Metadata = map[string]any{}
			}
			p.row.Metadata["org_id"] = orgID
		}
		rows[i] = p.row
	}

	if err := s.insert.InsertTranscripts(ctx, rows); err != nil {
		logging.Error(logging.CategorySink, "room %s: flush of %d rows failed: %v", s.roomID, len(rows), err)
		s.requeueAfterFailure(batch)
		return
	}
}

// requeueAfterFailure prepends the failed batch back onto pending only if
// doing so would not exceed the cap; otherwise the batch is dropped with an
// error event.
func (s *Sink) requeueAfterFailure(batch []pendingRow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(batch)+len(s.pending) > s.cap {
		s.dropped += int64(len(batch))
		logging.Error(logging.CategorySink, "room %s: dropping failed batch of %d rows, would exceed cap", s.roomID, len(batch))
		return
	}
	s.pending = append(batch, s.pending...)
}

// RoomOrgID returns the room's org attribution, loading and caching it on
// first use.
func (s *Sink) RoomOrgID(ctx context.Context) (string, error) {
	if cached, ok := s.orgCache.Get(s.roomID); ok {
		return cached.(string), nil
	}
	orgID, err := s.orgs.RoomOrgID(ctx, s.roomID)
	if err != nil {
		return "", err
	}
	s.orgCache.Set(s.roomID, orgID, gocache.NoExpiration)
	return orgID, nil
}

// Stop flushes synchronously and stops the background loop. Safe to call
// once; the caller (the manager) owns ensuring that.
func (s *Sink) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	remaining := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(remaining) == 0 {
		return nil
	}

	ctx := context.Background()
	rows := make([]store.TranscriptRow, len(remaining))
	for i, p := range remaining {
		rel, err := s.tb.Relative(&p.wallClock)
		if err != nil {
			rel = 0
		}
		p.row.RelativeTimestampSeconds = rel
		rows[i] = p.row
	}
	if err := s.insert.InsertTranscripts(ctx, rows); err != nil {
		logging.Error(logging.CategorySink, "room %s: final flush on stop failed: %v", s.roomID, err)
		return err
	}
	return nil
}
