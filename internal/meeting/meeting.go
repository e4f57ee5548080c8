package meeting

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/Charlaton-app/charlaton-rtc/internal/config"
	"github.com/Charlaton-app/charlaton-rtc/internal/core"
	"github.com/Charlaton-app/charlaton-rtc/internal/media"
	"github.com/Charlaton-app/charlaton-rtc/internal/rtc"
	"github.com/Charlaton-app/charlaton-rtc/internal/signaling"
)

// Meeting ties one participant's signaling channel, local capture and
// peer sessions together for the lifetime of one room visit. Each
// peer pair holds exactly one session; with N participants every
// client runs N-1 of them.
type Meeting struct {
	localID     core.ParticipantID
	displayName string
	cfg         *config.Config

	channel *signaling.Channel
	engine  *rtc.Engine
	source  *media.Source
	roster  *roster

	mu     sync.Mutex
	roomID string
	joined bool

	closeOnce sync.Once

	onParticipantJoined func(core.Participant)
	onParticipantLeft   func(core.ParticipantID)
	onMediaChanged      func(core.Participant)
	onRoomEnded         func(reason string)
	onError             func(error)
}

// New builds a meeting client. The channel is dialed on Join, not
// here.
func New(endpoint string, localID core.ParticipantID, displayName string, tokens signaling.TokenProvider, source *media.Source, cfg *config.Config) (*Meeting, error) {
	m := &Meeting{
		localID:     localID,
		displayName: displayName,
		cfg:         cfg,
		source:      source,
		roster:      newRoster(),
	}

	engine, err := rtc.NewEngine(localID, cfg, m)
	if err != nil {
		return nil, err
	}
	m.engine = engine

	m.channel = signaling.NewChannel(endpoint, localID, displayName, tokens, cfg.Signaling)

	source.OnStreamReplaced(m.handleStreamReplaced)
	engine.OnSessionClosed(m.handlePeerConnectivityLoss)
	m.channel.OnReconnect(m.handleReconnect)
	m.channel.OnConnectionLost(m.handleConnectionLost)

	m.wireHandlers()

	return m, nil
}

// OnParticipantJoined registers the roster-join callback.
func (m *Meeting) OnParticipantJoined(callback func(core.Participant)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onParticipantJoined = callback
}

// OnParticipantLeft registers the roster-leave callback.
func (m *Meeting) OnParticipantLeft(callback func(core.ParticipantID)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onParticipantLeft = callback
}

// OnMediaChanged registers the callback for remote publish-state
// updates.
func (m *Meeting) OnMediaChanged(callback func(core.Participant)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onMediaChanged = callback
}

// OnRoomEnded registers the callback fired when the server ends the
// room for everyone.
func (m *Meeting) OnRoomEnded(callback func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onRoomEnded = callback
}

// OnRemoteStream registers the sink receiving each peer's media.
// Register before Join.
func (m *Meeting) OnRemoteStream(sink rtc.StreamSink) {
	m.engine.OnRemoteStream(sink)
}

// OnError registers the sink for asynchronous per-peer failures that
// have no caller to return to.
func (m *Meeting) OnError(callback func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onError = callback
}

// AcquireMedia opens the local capture. The returned error is nil on
// full success and a non-fatal media warning when video fell back to
// audio-only; the meeting proceeds either way.
func (m *Meeting) AcquireMedia(wantAudio, wantVideo, audioEnabled, videoEnabled bool) error {
	stream, warn := m.source.Acquire(wantAudio, wantVideo, audioEnabled, videoEnabled)
	if stream == nil && warn != nil {
		return warn
	}

	m.engine.SetLocalStream(stream)

	return warn
}

// Join connects the signaling channel and enters the room. Offers to
// participants already present are triggered by the roster snapshot
// the server sends after the join is acknowledged.
func (m *Meeting) Join(ctx context.Context, roomID string) error {
	m.mu.Lock()
	m.roomID = roomID
	m.mu.Unlock()

	if err := m.channel.Connect(ctx); err != nil {
		return err
	}
	if err := m.channel.Join(ctx, roomID); err != nil {
		return err
	}

	m.mu.Lock()
	m.joined = true
	m.mu.Unlock()

	log.Info().Str("service", "meeting").Str("room", roomID).Str("user", m.localID.String()).Msg("joined room")

	m.announceMedia()

	return nil
}

// ToggleAudio flips the microphone publish state and broadcasts it.
// No renegotiation happens; peers keep the same track and simply stop
// or resume receiving samples.
func (m *Meeting) ToggleAudio(enabled bool) error {
	if err := m.source.SetAudioEnabled(enabled); err != nil {
		return err
	}
	m.announceMedia()
	return nil
}

// ToggleVideo flips the camera publish state and broadcasts it.
// Enabling video for the first time after an audio-only acquire adds
// a track to every session and costs one offer/answer round per peer;
// all later toggles are free.
func (m *Meeting) ToggleVideo(enabled bool) error {
	if err := m.source.SetVideoEnabled(enabled); err != nil {
		return err
	}
	m.announceMedia()
	return nil
}

// SendOfferTo starts (or restarts) negotiation toward one peer. The
// router drives this from roster events; hosts use it to force a
// renegotiation.
func (m *Meeting) SendOfferTo(remoteID core.ParticipantID) error {
	return m.engine.SendOffer(remoteID)
}

// ClosePeer discards exactly one peer's session. Every other session
// is untouched.
func (m *Meeting) ClosePeer(remoteID core.ParticipantID) {
	m.engine.Registry().Close(remoteID)
}

// Participants returns the current roster, excluding the local
// participant.
func (m *Meeting) Participants() []core.Participant {
	return m.roster.list()
}

// SessionCount reports how many peer sessions are live.
func (m *Meeting) SessionCount() int {
	return m.engine.Registry().Len()
}

// Leave tears everything down: every peer session, the capture and
// the signaling connection. Idempotent.
func (m *Meeting) Leave() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.joined = false
		m.mu.Unlock()

		m.engine.Close()
		m.source.Release()
		m.channel.Close()
		m.roster.clear()

		log.Info().Str("service", "meeting").Str("user", m.localID.String()).Msg("left room")
	})
}

// SendOffer, SendAnswer and SendCandidate relay negotiation messages
// for the engine over the signaling channel.

func (m *Meeting) SendOffer(remoteID core.ParticipantID, sdp webrtc.SessionDescription) error {
	return m.channel.Emit(signaling.OfferEvent, signaling.SessionDesc{
		RoomID:       m.currentRoom(),
		TargetUserID: remoteID,
		SenderID:     m.localID,
		SDP:          sdp,
	})
}

func (m *Meeting) SendAnswer(remoteID core.ParticipantID, sdp webrtc.SessionDescription) error {
	return m.channel.Emit(signaling.AnswerEvent, signaling.SessionDesc{
		RoomID:       m.currentRoom(),
		TargetUserID: remoteID,
		SenderID:     m.localID,
		SDP:          sdp,
	})
}

func (m *Meeting) SendCandidate(remoteID core.ParticipantID, candidate webrtc.ICECandidateInit) error {
	return m.channel.Emit(signaling.ICECandidateEvent, signaling.Candidate{
		RoomID:       m.currentRoom(),
		TargetUserID: remoteID,
		SenderID:     m.localID,
		Candidate:    candidate,
	})
}

func (m *Meeting) currentRoom() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.roomID
}

// announceMedia broadcasts the local publish state so every roster can
// show the right mute and camera indicators.
func (m *Meeting) announceMedia() {
	m.mu.Lock()
	joined := m.joined
	m.mu.Unlock()
	if !joined {
		return
	}

	err := m.channel.Emit(signaling.MediaChangedEvent, signaling.MediaChanged{
		UserID:        m.localID,
		MicEnabled:    m.source.AudioEnabled(),
		CameraEnabled: m.source.VideoEnabled(),
	})
	if err != nil {
		log.Warn().Err(err).Str("service", "meeting").Msg("announce media state")
	}
}

// handleStreamReplaced pushes a replaced local stream into every
// session; sessions gaining a new track renegotiate.
func (m *Meeting) handleStreamReplaced(stream *media.Stream) {
	m.engine.UpdateLocalStream(stream)
}

// handlePeerConnectivityLoss reports a transport failure for one peer.
// The session is already discarded; a fresh one forms if the peer
// rejoins.
func (m *Meeting) handlePeerConnectivityLoss(remoteID core.ParticipantID) {
	m.emitError(core.NewError(core.ConnectionError, remoteID, rtc.ErrPeerConnectivityLost))
}

// handleReconnect rejoins the room after the channel redialed.
// Reconnect preserves the room and local identity but not negotiation
// state: the server announced this side as left, so every held session
// is stale on both ends. Discard them and the roster before rejoining
// and let the fresh snapshot and user_joined flow rebuild the mesh.
func (m *Meeting) handleReconnect() {
	m.mu.Lock()
	roomID := m.roomID
	joined := m.joined
	m.mu.Unlock()

	if !joined {
		return
	}

	m.engine.Close()
	m.roster.clear()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Signaling.JoinTimeout+m.cfg.Signaling.ConnectTimeout)
	defer cancel()

	if err := m.channel.Join(ctx, roomID); err != nil {
		m.emitError(err)
		return
	}
	m.announceMedia()
}

func (m *Meeting) handleConnectionLost(err error) {
	m.emitError(err)
}

func (m *Meeting) emitError(err error) {
	m.mu.Lock()
	sink := m.onError
	m.mu.Unlock()

	if sink != nil {
		sink(err)
		return
	}
	log.Error().Err(err).Str("service", "meeting").Msg("meeting error")
}
