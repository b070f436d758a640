package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vollawetscher/media-worker/internal/store"
	"github.com/vollawetscher/media-worker/internal/timebase"
)

type fakeInserter struct {
	mu        sync.Mutex
	batches   [][]store.TranscriptRow
	failCount int32
}

func (f *fakeInserter) InsertTranscripts(ctx context.Context, rows []store.TranscriptRow) error {
	if atomic.LoadInt32(&f.failCount) > 0 {
		atomic.AddInt32(&f.failCount, -1)
		return assert.AnError
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]store.TranscriptRow, len(rows))
	copy(cp, rows)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeInserter) totalRows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type fakeOriginStore struct{ origin time.Time }

func (f *fakeOriginStore) LoadOrSetTimebaseOrigin(ctx context.Context, roomID string, candidate time.Time) (time.Time, error) {
	return f.origin, nil
}

type fakeOrgLoader struct{ orgID string }

func (f *fakeOrgLoader) RoomOrgID(ctx context.Context, roomID string) (string, error) {
	return f.orgID, nil
}

func newTestTimebase(t *testing.T) *timebase.Timebase {
	origin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tb := timebase.New(&fakeOriginStore{origin: origin}, "room-1", func() time.Time { return origin })
	_, err := tb.Initialize(context.Background())
	require.NoError(t, err)
	return tb
}

func newRow() store.TranscriptRow {
	return store.TranscriptRow{
		ID:                 uuid.New(),
		RoomID:             uuid.New(),
		STTSessionID:       uuid.New(),
		ParticipantID:      uuid.New(),
		Text:               "hello there.",
		IsFinal:            true,
		Confidence:         0.9,
		StartTime:          time.Now(),
		EndTime:            time.Now(),
		Language:           "en",
		WallClockTimestamp: time.Now(),
	}
}

func TestSink_FlushesOnBatchSize(t *testing.T) {
	ins := &fakeInserter{}
	s := New(ins, newTestTimebase(t), &fakeOrgLoader{}, "room-1", 3, time.Hour, 500)
	defer s.Stop()

	for i := 0; i < 3; i++ {
		s.Enqueue(newRow())
	}

	require.Eventually(t, func() bool { return ins.totalRows() == 3 }, time.Second, 10*time.Millisecond)
}

func TestSink_FlushesOnAge(t *testing.T) {
	ins := &fakeInserter{}
	s := New(ins, newTestTimebase(t), &fakeOrgLoader{}, "room-1", 100, 20*time.Millisecond, 500)
	defer s.Stop()

	s.Enqueue(newRow())

	require.Eventually(t, func() bool { return ins.totalRows() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSink_OverflowDropsOldest(t *testing.T) {
	ins := &fakeInserter{}
	s := New(ins, newTestTimebase(t), &fakeOrgLoader{}, "room-1", 10000, time.Hour, 5)
	defer s.Stop()

	for i := 0; i < 10; i++ {
		s.Enqueue(newRow())
	}

	assert.Equal(t, int64(5), s.Dropped())
}

func TestSink_StopFlushesSynchronously(t *testing.T) {
	ins := &fakeInserter{}
	s := New(ins, newTestTimebase(t), &fakeOrgLoader{}, "room-1", 10000, time.Hour, 500)

	s.Enqueue(newRow())
	s.Enqueue(newRow())

	err := s.Stop()
	require.NoError(t, err)
	assert.Equal(t, 2, ins.totalRows())
}

func TestSink_RoomOrgID_CachedAfterFirstLoad(t *testing.T) {
	ins := &fakeInserter{}
	loader := &fakeOrgLoader{orgID: "org-123"}
	s := New(ins, newTestTimebase(t), loader, "room-1", 10, time.Hour, 500)
	defer s.Stop()

	org1, err := s.RoomOrgID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "org-123", org1)

	loader.orgID = "org-456"
	org2, err := s.RoomOrgID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "org-123", org2, "second call must hit the cache, not re-resolve")
}
