// Package conference implements C6: the per-room LiveKit session that joins
// as a hidden subscriber and spawns a {C4, C5} pair per published audio
// track. Grounded on the teacher's internal/job/job.go RoomCallback wiring,
// retargeted from conference-service audio bridging to STT fan-out.
package conference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/auth"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/vollawetscher/media-worker/internal/audio"
	"github.com/vollawetscher/media-worker/internal/logging"
	"github.com/vollawetscher/media-worker/internal/store"
	"github.com/vollawetscher/media-worker/internal/stt"
)

// ParticipantStore is the slice of the store gateway Session needs.
type ParticipantStore interface {
	UpsertParticipant(ctx context.Context, roomID, identity, connectionType string, metadata map[string]any) (*store.Participant, error)
	MarkParticipantLeft(ctx context.Context, participantID string) error
}

// NewSTTClient builds one C4 client for a participant's audio track. The
// manager supplies this so Session stays ignorant of provider credentials
// and sink wiring.
type NewSTTClient func(participantID string) *stt.Client

// Options configures a Session.
type Options struct {
	URL          string
	Token        string
	WorkerID     string
	RoomID       uuid.UUID
	Store        ParticipantStore
	NewSTTClient NewSTTClient

	// OnCountChange is notified with the current human-participant count
	// after every structural change (join, leave, track add/remove).
	OnCountChange func(count int)
}

// trackPair is one {C4, C5} pair keyed by identity+track_id.
type trackPair struct {
	source *trackFrameSource
	audio  *audio.Source
	stt    *stt.Client
	cancel context.CancelFunc
}

// Session is C6: one hidden LiveKit room membership for the lifetime of one
// claimed room.
type Session struct {
	opts Options

	mu          sync.Mutex
	room        *lksdk.Room
	pairs       map[string]*trackPair
	identityIDs map[string]uuid.UUID // identity -> participant row id
	connected   bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// hiddenIdentity is the worker's own LiveKit identity: never counted and
// never given a {C4, C5} pair.
func hiddenIdentity(workerID string) string {
	return "worker-" + workerID
}

// New constructs a disconnected Session. Connect mints the hidden-subscriber
// credential (unless opts.Token is set) and performs the actual join.
func New(opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:        opts,
		pairs:       make(map[string]*trackPair),
		identityIDs: make(map[string]uuid.UUID),
		rootCtx:     ctx,
		rootCancel:  cancel,
	}
}

// buildToken mints a short-lived bearer credential asserting join-room=true,
// publish=false, subscribe=true, identity=worker-<worker_id>, with a
// metadata tag marking the participant as a hidden worker. C6 itself filters
// its own presence out of participant counts by the worker-<worker_id>
// identity, not by this tag.
func buildToken(apiKey, apiSecret, roomName, workerID string, ttl time.Duration) (string, error) {
	canPublish := false
	canSubscribe := true
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         roomName,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
		Hidden:       true,
	}
	meta, err := json.Marshal(map[string]any{"worker": true, "hidden": true})
	if err != nil {
		return "", fmt.Errorf("marshal hidden-participant metadata: %w", err)
	}

	at := auth.NewAccessToken(apiKey, apiSecret).
		SetIdentity(hiddenIdentity(workerID)).
		SetMetadata(string(meta)).
		SetValidFor(ttl)
	at.AddGrant(grant)
	return at.ToJWT()
}

// Connect joins the room and wires participant/track callbacks. The token in
// opts.Token is used as-is when set (the manager may have already minted
// one); otherwise Connect mints its own via buildToken.
func (s *Session) Connect(ctx context.Context, apiKey, apiSecret, roomName string) error {
	token := s.opts.Token
	if token == "" {
		t, err := buildToken(apiKey, apiSecret, roomName, s.opts.WorkerID, time.Hour)
		if err != nil {
			return fmt.Errorf("conference session: build token: %w", err)
		}
		token = t
	}

	callbacks := &lksdk.RoomCallback{
		OnDisconnected: s.handleDisconnected,
		OnParticipantConnected: func(p *lksdk.RemoteParticipant) {
			s.handleParticipantConnected(p)
		},
		OnParticipantDisconnected: func(p *lksdk.RemoteParticipant) {
			s.handleParticipantDisconnected(p)
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				s.handleTrackSubscribed(rp, track, pub)
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				s.handleTrackUnsubscribed(rp, pub)
			},
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(s.opts.URL, token, callbacks)
	if err != nil {
		return fmt.Errorf("conference session: connect to room: %w", err)
	}

	s.mu.Lock()
	s.room = room
	s.connected = true
	s.mu.Unlock()

	logging.Info(logging.CategoryConference, "joined room roomID=%s identity=%s", s.opts.RoomID, room.LocalParticipant.Identity())

	for _, p := range room.GetRemoteParticipants() {
		s.handleParticipantConnected(p)
		for _, pub := range p.TrackPublications() {
			remotePub, ok := pub.(*lksdk.RemoteTrackPublication)
			if !ok || pub.Kind() != lksdk.TrackKindAudio {
				continue
			}
			if !remotePub.IsSubscribed() {
				remotePub.SetSubscribed(true)
			}
			if track, ok := remotePub.Track().(*webrtc.TrackRemote); ok {
				s.handleTrackSubscribed(p, track, remotePub)
			}
		}
	}

	return nil
}

// IsConnected reports whether the room membership is still live, per §4.6's
// manager-polled predicate.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ParticipantCount returns the current human (non-hidden) participant count.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identityIDs)
}

// StopTracks tears down every {C4, C5} pair without leaving the room. This is
// the C5 half of finalize's ordering (spec.md: C5.stop_all(), then C3.stop(),
// then C6.disconnect()): the caller flushes the sink between this call and
// LeaveRoom so no in-flight audio survives the flush. Safe to call more than
// once.
func (s *Session) StopTracks() {
	s.mu.Lock()
	pairs := s.pairs
	s.pairs = make(map[string]*trackPair)
	s.mu.Unlock()

	for key, pair := range pairs {
		s.teardownPair(key, pair)
	}
}

// LeaveRoom is the C6 half: leaves the room and cancels the session's root
// context. Must run after StopTracks and after the sink has been flushed.
// Safe to call more than once.
func (s *Session) LeaveRoom() {
	s.mu.Lock()
	room := s.room
	s.connected = false
	s.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
	s.rootCancel()
}

// Disconnect runs StopTracks followed immediately by LeaveRoom, with no sink
// flush in between. finalize does not use it: it calls StopTracks and
// LeaveRoom separately around the sink flush.
func (s *Session) Disconnect() {
	s.StopTracks()
	s.LeaveRoom()
}

func (s *Session) handleDisconnected() {
	logging.Info(logging.CategoryConference, "room disconnected roomID=%s", s.opts.RoomID)
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *Session) handleParticipantConnected(p *lksdk.RemoteParticipant) {
	identity := p.Identity()
	if identity == hiddenIdentity(s.opts.WorkerID) {
		return
	}

	row, err := s.opts.Store.UpsertParticipant(s.rootCtx, s.opts.RoomID.String(), identity, "webrtc", nil)
	if err != nil {
		logging.Error(logging.CategoryConference, "upsert participant identity=%s: %v", identity, err)
		return
	}

	s.mu.Lock()
	s.identityIDs[identity] = row.ID
	s.mu.Unlock()

	logging.Info(logging.CategoryConference, "participant joined roomID=%s identity=%s", s.opts.RoomID, identity)
	s.notifyCountChange()
}

func (s *Session) handleParticipantDisconnected(p *lksdk.RemoteParticipant) {
	identity := p.Identity()
	if identity == hiddenIdentity(s.opts.WorkerID) {
		return
	}

	s.mu.Lock()
	participantID, ok := s.identityIDs[identity]
	delete(s.identityIDs, identity)
	var toTeardown []string
	for key := range s.pairs {
		if strings.HasPrefix(key, identity+"/") {
			toTeardown = append(toTeardown, key)
		}
	}
	pairs := make([]*trackPair, 0, len(toTeardown))
	for _, key := range toTeardown {
		pairs = append(pairs, s.pairs[key])
		delete(s.pairs, key)
	}
	s.mu.Unlock()

	for i, key := range toTeardown {
		s.teardownPair(key, pairs[i])
	}

	if ok {
		if err := s.opts.Store.MarkParticipantLeft(s.rootCtx, participantID.String()); err != nil {
			logging.Error(logging.CategoryConference, "mark participant left identity=%s: %v", identity, err)
		}
	}

	logging.Info(logging.CategoryConference, "participant left roomID=%s identity=%s", s.opts.RoomID, identity)
	s.notifyCountChange()
}

func (s *Session) handleTrackSubscribed(rp *lksdk.RemoteParticipant, track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication) {
	identity := rp.Identity()
	if identity == hiddenIdentity(s.opts.WorkerID) {
		return
	}

	key := identity + "/" + pub.SID()

	s.mu.Lock()
	if _, exists := s.pairs[key]; exists {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	frameSource, err := newTrackFrameSource(track)
	if err != nil {
		logging.Error(logging.CategoryConference, "create frame source identity=%s track=%s: %v", identity, pub.SID(), err)
		return
	}

	sttClient := s.opts.NewSTTClient(identity)
	pairCtx, cancel := context.WithCancel(s.rootCtx)

	if err := sttClient.Start(pairCtx); err != nil {
		logging.Error(logging.CategoryConference, "start stt client identity=%s track=%s: %v", identity, pub.SID(), err)
		frameSource.close()
		cancel()
		return
	}

	audioSource := audio.New(frameSource, sttClient, pub.SID())

	pair := &trackPair{source: frameSource, audio: audioSource, stt: sttClient, cancel: cancel}
	s.mu.Lock()
	s.pairs[key] = pair
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		audioSource.Run(pairCtx)
	}()

	logging.Info(logging.CategoryConference, "spawned stt+audio pair identity=%s track=%s", identity, pub.SID())
	s.notifyCountChange()
}

func (s *Session) handleTrackUnsubscribed(rp *lksdk.RemoteParticipant, pub *lksdk.RemoteTrackPublication) {
	identity := rp.Identity()
	key := identity + "/" + pub.SID()

	s.mu.Lock()
	pair, ok := s.pairs[key]
	if ok {
		delete(s.pairs, key)
	}
	s.mu.Unlock()

	if ok {
		s.teardownPair(key, pair)
		s.notifyCountChange()
	}
}

func (s *Session) teardownPair(key string, pair *trackPair) {
	pair.audio.Stop()
	pair.cancel()
	pair.source.close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := pair.stt.Stop(stopCtx); err != nil {
		logging.Warning(logging.CategoryConference, "stop stt client key=%s: %v", key, err)
	}
}

func (s *Session) notifyCountChange() {
	if s.opts.OnCountChange == nil {
		return
	}
	s.opts.OnCountChange(s.ParticipantCount())
}
