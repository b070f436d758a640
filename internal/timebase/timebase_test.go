package timebase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOriginStore struct {
	stored    map[string]time.Time
	callCount int
}

func newFakeOriginStore() *fakeOriginStore {
	return &fakeOriginStore{stored: map[string]time.Time{}}
}

func (f *fakeOriginStore) LoadOrSetTimebaseOrigin(ctx context.Context, roomID string, candidate time.Time) (time.Time, error) {
	f.callCount++
	if existing, ok := f.stored[roomID]; ok {
		return existing, nil
	}
	f.stored[roomID] = candidate
	return candidate, nil
}

func TestInitialize_FirstOwnerSetsOrigin(t *testing.T) {
	fs := newFakeOriginStore()
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tb := New(fs, "room-1", func() time.Time { return fixedNow })
	origin, err := tb.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fixedNow, origin)
	assert.True(t, tb.Initialized())
}

func TestInitialize_SuccessorAdoptsWinnersOrigin(t *testing.T) {
	fs := newFakeOriginStore()
	firstNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	secondNow := firstNow.Add(5 * time.Minute)

	first := New(fs, "room-1", func() time.Time { return firstNow })
	winnerOrigin, err := first.Initialize(context.Background())
	require.NoError(t, err)

	successor := New(fs, "room-1", func() time.Time { return secondNow })
	loserOrigin, err := successor.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, winnerOrigin, loserOrigin, "successor must adopt the winner's origin, not its own candidate")
}

func TestRelative_BeforeInitializeIsUsageError(t *testing.T) {
	tb := New(newFakeOriginStore(), "room-1", nil)
	_, err := tb.Relative(nil)
	assert.Error(t, err)
}

func TestRelative_ComputesSecondsFromOrigin(t *testing.T) {
	fs := newFakeOriginStore()
	origin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tb := New(fs, "room-1", func() time.Time { return origin })
	_, err := tb.Initialize(context.Background())
	require.NoError(t, err)

	later := origin.Add(3500 * time.Millisecond)
	rel, err := tb.Relative(&later)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, rel, 0.001)
}
