package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vollawetscher/media-worker/internal/store"
)

type fakeGateway struct {
	mu          sync.Mutex
	rooms       map[string]*store.Room
	claimCalls  int
	released    []string
}

func newFakeGateway(rooms ...*store.Room) *fakeGateway {
	m := map[string]*store.Room{}
	for _, r := range rooms {
		m[r.ID.String()] = r
	}
	return &fakeGateway{rooms: m}
}

func (f *fakeGateway) ClaimRoom(ctx context.Context, workerID, roomID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	r, ok := f.rooms[roomID]
	if !ok || r.OwnerWorkerID != nil {
		return false, nil
	}
	w := uuid.MustParse(workerID)
	r.OwnerWorkerID = &w
	return true, nil
}

func (f *fakeGateway) OldestClaimableRoom(ctx context.Context, transcriptionEnabled *bool) (*store.Room, error) {
	return nil, nil
}

func (f *fakeGateway) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[roomID], nil
}

func (f *fakeGateway) ReleaseRoom(ctx context.Context, workerID, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, roomID)
	if r, ok := f.rooms[roomID]; ok {
		r.OwnerWorkerID = nil
	}
	return nil
}

func newRoom(transcriptionEnabled bool) *store.Room {
	return &store.Room{ID: uuid.New(), Status: store.RoomPending, TranscriptionEnabled: transcriptionEnabled}
}

func TestOrchestrator_HandleEvent_ClaimsAndDelivers(t *testing.T) {
	room := newRoom(true)
	gw := newFakeGateway(room)
	o := New(gw, Options{WorkerID: uuid.New().String(), Mode: "transcription", DedupWindow: time.Hour})

	o.handleEvent(RoomEvent{RoomID: room.ID.String(), Method: MethodPolling})

	select {
	case c := <-o.Claimed():
		assert.Equal(t, room.ID, c.Room.ID)
		assert.Equal(t, MethodPolling, c.Method)
	case <-time.After(time.Second):
		t.Fatal("expected a claim to be delivered")
	}
}

func TestOrchestrator_HandleEvent_ModeMismatchReleases(t *testing.T) {
	room := newRoom(false) // transcription_enabled=false, but mode is "transcription"
	gw := newFakeGateway(room)
	o := New(gw, Options{WorkerID: uuid.New().String(), Mode: "transcription", DedupWindow: time.Hour})

	o.handleEvent(RoomEvent{RoomID: room.ID.String(), Method: MethodNotify})

	select {
	case <-o.Claimed():
		t.Fatal("a mode-mismatched room must not be delivered")
	case <-time.After(50 * time.Millisecond):
	}

	require.Len(t, gw.released, 1)
	assert.Equal(t, room.ID.String(), gw.released[0])
}

func TestOrchestrator_HandleEvent_DedupSkipsSecondNotifier(t *testing.T) {
	room := newRoom(true)
	gw := newFakeGateway(room)
	o := New(gw, Options{WorkerID: uuid.New().String(), Mode: "both", DedupWindow: time.Hour})

	o.handleEvent(RoomEvent{RoomID: room.ID.String(), Method: MethodRealtime})
	<-o.Claimed()

	gw.mu.Lock()
	callsBefore := gw.claimCalls
	gw.mu.Unlock()

	o.handleEvent(RoomEvent{RoomID: room.ID.String(), Method: MethodNotify})

	gw.mu.Lock()
	callsAfter := gw.claimCalls
	gw.mu.Unlock()
	assert.Equal(t, callsBefore, callsAfter, "a room already seen in-window must not trigger a second claim attempt")
}

func TestModeFilter(t *testing.T) {
	transcription := modeFilter("transcription")
	require.NotNil(t, transcription)
	assert.True(t, *transcription)

	aiJobs := modeFilter("ai-jobs")
	require.NotNil(t, aiJobs)
	assert.False(t, *aiJobs)

	assert.Nil(t, modeFilter("both"))
}
