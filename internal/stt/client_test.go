package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vollawetscher/media-worker/internal/store"
)

type fakeSessionStore struct {
	mu        sync.Mutex
	inserted  []*store.STTSession
	completed []string
	failed    []string
	failedReason string
}

func (f *fakeSessionStore) InsertSTTSession(ctx context.Context, s *store.STTSession) error {
	s.ID = uuid.New()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, s)
	return nil
}

func (f *fakeSessionStore) CompleteSTTSession(ctx context.Context, sessionID string, audioMinutes float64, transcriptCount int, averageConfidence float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, sessionID)
	return nil
}

func (f *fakeSessionStore) FailSTTSession(ctx context.Context, sessionID string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, sessionID)
	f.failedReason = reason
	return nil
}

type fakeSink struct {
	mu   sync.Mutex
	rows []store.TranscriptRow
}

func (f *fakeSink) Enqueue(row store.TranscriptRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, row)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

var upgrader = websocket.Upgrader{}

// newFakeProvider starts an httptest server that speaks just enough of the
// wire contract for Client's handshake/transcript/close paths.
func newFakeProvider(t *testing.T, onAudio func([]byte)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			kind, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				if len(raw) == 0 {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"EndOfTranscript"}`))
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				if onAudio != nil {
					onAudio(raw)
				}
				continue
			}

			var env inboundEnvelope
			_ = json.Unmarshal(raw, &env)
			if env.Message == "StartRecognition" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"RecognitionStarted"}`))
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClient_HandshakeReachesActive(t *testing.T) {
	srv := newFakeProvider(t, nil)
	defer srv.Close()

	sessions := &fakeSessionStore{}
	sink := &fakeSink{}
	c := New(Config{ProviderURL: wsURL(srv.URL), ProviderToken: "tok"}, sessions, sink, uuid.New().String(), uuid.New().String())

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == Active }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, Closed, c.State())
	require.Len(t, sessions.completed, 1)
}

func TestClient_SendAudioDroppedWhenNotActive(t *testing.T) {
	sessions := &fakeSessionStore{}
	sink := &fakeSink{}
	c := New(Config{ProviderURL: "ws://unused", ProviderToken: "tok"}, sessions, sink, uuid.New().String(), uuid.New().String())

	// Never started: still Idle. SendAudio must not panic or block.
	c.SendAudio([]byte{1, 2, 3})
	assert.Equal(t, Idle, c.State())
}

func TestClient_AddTranscriptFlowsToSink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, _, err = conn.ReadMessage() // StartRecognition
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"RecognitionStarted"}`)))

		frame := `{"message":"AddTranscript","metadata":{"transcript":"hello world.","start_time":0,"end_time":1},"results":[{"alternatives":[{"confidence":0.95}]}]}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sessions := &fakeSessionStore{}
	sink := &fakeSink{}
	c := New(Config{ProviderURL: wsURL(srv.URL), ProviderToken: "tok"}, sessions, sink, uuid.New().String(), uuid.New().String())

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, "hello world.", sink.rows[0].Text)
	assert.InDelta(t, 0.95, sink.rows[0].Confidence, 0.001)

	require.NoError(t, c.Stop(context.Background()))
}

func TestClient_ProviderErrorFailsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, _, err = conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"Error","reason":"quota exceeded"}`)))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sessions := &fakeSessionStore{}
	sink := &fakeSink{}
	c := New(Config{ProviderURL: wsURL(srv.URL), ProviderToken: "tok"}, sessions, sink, uuid.New().String(), uuid.New().String())

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == Failed }, time.Second, 5*time.Millisecond)
	require.Len(t, sessions.failed, 1)
	assert.Equal(t, "quota exceeded", sessions.failedReason)
}
