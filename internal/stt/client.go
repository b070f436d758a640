package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vollawetscher/media-worker/internal/logging"
	"github.com/vollawetscher/media-worker/internal/store"
)

// State is one of the C4 state machine's states.
type State int

const (
	Idle State = iota
	Opening
	Active
	Draining
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionStore is the slice of the store gateway Client needs.
type SessionStore interface {
	InsertSTTSession(ctx context.Context, s *store.STTSession) error
	CompleteSTTSession(ctx context.Context, sessionID string, audioMinutes float64, transcriptCount int, averageConfidence float64) error
	FailSTTSession(ctx context.Context, sessionID string, reason string) error
}

// Sink is the slice of the transcript sink Client needs to publish finalized
// utterances.
type Sink interface {
	Enqueue(row store.TranscriptRow)
}

// Dialer abstracts the websocket dial so tests can substitute a fake
// transport without a live provider.
type Dialer interface {
	Dial(url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(url, header)
}

// Client is one per participant track: C4's STT stream client.
type Client struct {
	providerURL   string
	providerToken string
	language      string
	dialer        Dialer

	sessions SessionStore
	sink     Sink

	roomID        string
	participantID string

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	session        *store.STTSession
	aggregator     *Aggregator
	startedAt      time.Time
	transcriptCnt  int
	confidenceSum  float64

	writeCh chan wsFrame
	done    chan struct{}
	closed  sync.Once
}

type wsFrame struct {
	kind    int
	payload []byte
}

// Config bundles the per-client construction parameters that come from the
// process config rather than from the call site.
type Config struct {
	ProviderURL      string
	ProviderToken    string
	Language         string
	IdleFlushTimeout time.Duration
	MaxBufferChars   int
	Dialer           Dialer
}

// New constructs an idle Client for one participant track.
func New(cfg Config, sessions SessionStore, sink Sink, roomID, participantID string) *Client {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = gorillaDialer{}
	}
	c := &Client{
		providerURL:   cfg.ProviderURL,
		providerToken: cfg.ProviderToken,
		language:      cfg.Language,
		dialer:        dialer,
		sessions:      sessions,
		sink:          sink,
		roomID:        roomID,
		participantID: participantID,
		state:         Idle,
		writeCh:       make(chan wsFrame, 64),
		done:          make(chan struct{}),
	}
	if c.language == "" {
		c.language = "en"
	}
	c.aggregator = NewAggregator(cfg.IdleFlushTimeout, cfg.MaxBufferChars, c.handleUtterance)
	return c
}

// State returns the current state under the client's lock.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start creates the session row, opens the provider transport, and sends
// the StartRecognition handshake. Transition to Active happens later, when
// readLoop observes the provider's RecognitionStarted acknowledgement.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.state = Opening
	c.mu.Unlock()

	session := &store.STTSession{
		ParticipantID: mustParseUUID(c.participantID),
		RoomID:        mustParseUUID(c.roomID),
	}
	if err := c.sessions.InsertSTTSession(ctx, session); err != nil {
		c.setState(Failed)
		return fmt.Errorf("stt client: insert session: %w", err)
	}
	c.session = session
	c.startedAt = time.Now()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.providerToken)
	conn, _, err := c.dialer.Dial(c.providerURL, header)
	if err != nil {
		c.failSession(ctx, fmt.Sprintf("dial provider: %v", err))
		return fmt.Errorf("stt client: dial provider: %w", err)
	}
	c.conn = conn

	go c.writeLoop()
	go c.readLoop()

	hello, err := json.Marshal(NewStartRecognition(c.language))
	if err != nil {
		return fmt.Errorf("stt client: marshal StartRecognition: %w", err)
	}
	c.enqueueWrite(websocket.TextMessage, hello)
	return nil
}

// SendAudio forwards a PCM frame. Silently dropped when not Active or when
// the transport isn't open, per the spec.
func (c *Client) SendAudio(pcm []byte) {
	c.mu.Lock()
	active := c.state == Active
	c.mu.Unlock()
	if !active {
		return
	}
	c.enqueueWrite(websocket.BinaryMessage, pcm)
}

func (c *Client) enqueueWrite(kind int, payload []byte) {
	select {
	case c.writeCh <- wsFrame{kind: kind, payload: payload}:
	case <-c.done:
	}
}

// writeLoop is the single writer lane for this session's transport: all
// outbound frames, whether control or audio, funnel through here so the
// underlying websocket.Conn is never written from two goroutines at once.
// Grounded on go-chatty's Connection.writeLoop.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.writeCh:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(f.kind, f.payload); err != nil {
				logging.Debug(logging.CategorySTT, "session %s: write failed: %v", c.sessionID(), err)
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleTransportClose(err)
			return
		}
		c.handleInbound(raw)
	}
}

func (c *Client) handleInbound(raw []byte) {
	kind, _ := parseInbound(raw)
	switch kind {
	case "RecognitionStarted":
		c.setState(Active)
	case "AddTranscript":
		var at addTranscript
		if err := json.Unmarshal(raw, &at); err != nil {
			logging.Debug(logging.CategorySTT, "session %s: malformed AddTranscript: %v", c.sessionID(), err)
			return
		}
		c.aggregator.AddFragment(Fragment{
			Text:       at.Metadata.Transcript,
			StartTime:  c.startedAt.Add(secondsToDuration(at.Metadata.StartTime)),
			EndTime:    c.startedAt.Add(secondsToDuration(at.Metadata.EndTime)),
			Confidence: at.confidence(),
		})
	case "AddPartialTranscript":
		// Ignored by design: only final fragments are persisted.
	case "EndOfTranscript":
		logging.Debug(logging.CategorySTT, "session %s: provider acknowledged EndOfTranscript", c.sessionID())
	case "Error":
		var pe providerError
		_ = json.Unmarshal(raw, &pe)
		ctx := context.Background()
		c.failSession(ctx, pe.Reason)
	case "Warning":
		var pw providerWarning
		_ = json.Unmarshal(raw, &pw)
		logging.Warning(logging.CategorySTT, "session %s: provider warning: %s", c.sessionID(), pw.Text)
	default:
		logging.Debug(logging.CategorySTT, "session %s: unknown provider message, ignoring", c.sessionID())
	}
}

func (c *Client) handleUtterance(u Utterance) {
	c.mu.Lock()
	c.transcriptCnt++
	c.confidenceSum += u.MeanConfidence
	roomID := c.roomID
	participantID := c.participantID
	sessionID := c.session.ID
	c.mu.Unlock()

	c.sink.Enqueue(store.TranscriptRow{
		RoomID:              mustParseUUID(roomID),
		STTSessionID:        sessionID,
		ParticipantID:       mustParseUUID(participantID),
		Text:                u.Text,
		IsFinal:             true,
		Confidence:          u.MeanConfidence,
		StartTime:           u.StartTime,
		EndTime:             u.EndTime,
		Language:            c.language,
		WallClockTimestamp:  u.WallClockCaptured,
		Metadata:            map[string]any{},
	})
}

// handleTransportClose implements the unclean-close half of the transport
// semantics: any close with a non-normal code marks the session failed.
func (c *Client) handleTransportClose(err error) {
	c.mu.Lock()
	already := c.state == Closed || c.state == Failed
	c.mu.Unlock()
	if already {
		return
	}

	reason := err.Error()
	if ce, ok := err.(*websocket.CloseError); ok && ce.Code == websocket.CloseNormalClosure {
		c.setState(Closed)
		return
	}
	c.failSession(context.Background(), fmt.Sprintf("transport closed: %s", reason))
}

func (c *Client) failSession(ctx context.Context, reason string) {
	c.setState(Failed)
	if c.session != nil {
		if err := c.sessions.FailSTTSession(ctx, c.session.ID.String(), reason); err != nil {
			logging.Error(logging.CategorySTT, "session %s: failed to record failure: %v", c.sessionID(), err)
		}
	}
	c.closeTransport()
}

// Stop performs C4's graceful drain: flush the aggregator, send the
// end-of-stream sentinel, wait briefly for a clean close, then close the
// transport and mark the session completed.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Closed || c.state == Failed {
		c.mu.Unlock()
		return nil
	}
	c.state = Draining
	c.mu.Unlock()

	c.aggregator.Stop()
	c.enqueueWrite(websocket.BinaryMessage, []byte{})

	closeWait := time.NewTimer(500 * time.Millisecond)
	defer closeWait.Stop()
	select {
	case <-c.done:
	case <-closeWait.C:
	}

	c.closeTransport()
	c.setState(Closed)

	c.mu.Lock()
	minutes := time.Since(c.startedAt).Minutes()
	count := c.transcriptCnt
	avg := 0.0
	if count > 0 {
		avg = c.confidenceSum / float64(count)
	}
	sessionID := ""
	if c.session != nil {
		sessionID = c.session.ID.String()
	}
	c.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	if err := c.sessions.CompleteSTTSession(ctx, sessionID, minutes, count, avg); err != nil {
		return fmt.Errorf("stt client: complete session: %w", err)
	}
	return nil
}

func (c *Client) closeTransport() {
	c.closed.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) sessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return "unknown"
	}
	return c.session.ID.String()
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func mustParseUUID(s string) uuid.UUID {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}
	}
	return parsed
}
