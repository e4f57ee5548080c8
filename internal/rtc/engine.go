package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/Charlaton-app/charlaton-rtc/internal/config"
	"github.com/Charlaton-app/charlaton-rtc/internal/core"
	"github.com/Charlaton-app/charlaton-rtc/internal/media"
	"github.com/Charlaton-app/charlaton-rtc/internal/telemetry"
)

var (
	// ErrPeerConnectivityLost marks a session discarded because its
	// transport reached the failed or closed state.
	ErrPeerConnectivityLost = errors.New("peer connectivity lost")

	errOfferWhileOffering = errors.New("received offer while a local offer is outstanding")
)

// Signaler relays negotiation messages to one remote peer. The
// signaling channel implements it in production; tests substitute an
// in-memory fake.
type Signaler interface {
	SendOffer(remoteID core.ParticipantID, sdp webrtc.SessionDescription) error
	SendAnswer(remoteID core.ParticipantID, sdp webrtc.SessionDescription) error
	SendCandidate(remoteID core.ParticipantID, candidate webrtc.ICECandidateInit) error
}

// Engine drives the offer/answer/ICE exchange for every peer pair and
// owns the Registry holding the sessions.
type Engine struct {
	localID  core.ParticipantID
	api      *webrtc.API
	rtcCfg   *config.WebRTCConfig
	cfg      *config.Config
	signaler Signaler
	registry *Registry

	mu   sync.RWMutex
	sink StreamSink

	localMu sync.RWMutex
	local   *media.Stream

	onSessionClosed func(core.ParticipantID)
}

func NewEngine(localID core.ParticipantID, cfg *config.Config, signaler Signaler) (*Engine, error) {
	rtcCfg, err := config.NewWebRTCConfig(cfg)
	if err != nil {
		return nil, err
	}
	api, err := newAPI(cfg.Peer, rtcCfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		localID:  localID,
		api:      api,
		rtcCfg:   rtcCfg,
		cfg:      cfg,
		signaler: signaler,
	}
	e.registry = NewRegistry(e.buildSession)

	return e, nil
}

// Registry exposes the session collection to the event router.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// OnRemoteStream registers the sink receiving remote media. Must be
// called before any session is created so no early track is lost.
func (e *Engine) OnRemoteStream(sink StreamSink) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sink = sink
}

// OnSessionClosed registers a callback fired when connectivity loss
// closes one peer's session.
func (e *Engine) OnSessionClosed(callback func(core.ParticipantID)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onSessionClosed = callback
}

// SetLocalStream records the stream attached to sessions created from
// now on. Existing sessions are updated through UpdateLocalStream.
func (e *Engine) SetLocalStream(stream *media.Stream) {
	e.localMu.Lock()
	defer e.localMu.Unlock()

	e.local = stream
}

func (e *Engine) localStream() *media.Stream {
	e.localMu.RLock()
	defer e.localMu.RUnlock()

	return e.local
}

// buildSession is the Registry's session factory: one peer connection
// per remote participant, local tracks attached, receive capability
// for both kinds even when publishing less.
func (e *Engine) buildSession(remoteID core.ParticipantID) (*Session, error) {
	pc, err := e.api.NewPeerConnection(e.rtcCfg.Configuration)
	if err != nil {
		return nil, err
	}

	sess := newSession(remoteID, pc)

	local := e.localStream()
	if _, err := sess.publish(local); err != nil {
		pc.Close()
		return nil, err
	}
	if local == nil || local.Audio == nil {
		if _, err := pc.AddTransceiverFromKind(
			webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		); err != nil {
			pc.Close()
			return nil, err
		}
	}
	if local == nil || local.Video == nil {
		if _, err := pc.AddTransceiverFromKind(
			webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			log.Debug().Str("service", "rtc").Str("peer", remoteID.String()).Msg("no more ICE candidates")
			return
		}
		if err := e.signaler.SendCandidate(remoteID, candidate.ToJSON()); err != nil {
			log.Error().Err(err).Str("service", "rtc").Str("peer", remoteID.String()).Msg("relay ICE candidate")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !sess.handleRemoteTrack(track, e.cfg.RTC.PLIInterval) {
			return
		}
		e.mu.RLock()
		sink := e.sink
		e.mu.RUnlock()
		if sink != nil {
			sink(remoteID, sess.RemoteStream())
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("service", "rtc").Str("peer", remoteID.String()).Str("state", state.String()).Msg("connection state")

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			e.handleConnectivityLoss(remoteID)
		}
	})

	telemetry.PeerSessionOpened()

	return sess, nil
}

// SendOffer starts (or restarts, for renegotiation) the exchange
// toward remoteID: build a description carrying all current local
// tracks plus receive capability, apply it locally and relay it.
func (e *Engine) SendOffer(remoteID core.ParticipantID) error {
	sess, _, err := e.registry.GetOrCreate(remoteID)
	if err != nil {
		return err
	}

	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		return e.failPeer(remoteID, err, "local")
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		return e.failPeer(remoteID, err, "local")
	}
	sess.transition(StateLocalOfferCreated)

	if err := e.signaler.SendOffer(remoteID, *sess.pc.LocalDescription()); err != nil {
		return e.failPeer(remoteID, err, "local")
	}

	telemetry.NegotiationCounter.WithLabelValues("local", "offered").Inc()

	return nil
}

// HandleOffer applies a remote offer, builds the matching answer and
// relays it back.
func (e *Engine) HandleOffer(remoteID core.ParticipantID, sdp webrtc.SessionDescription) error {
	sess, _, err := e.registry.GetOrCreate(remoteID)
	if err != nil {
		return err
	}

	// Crossed offers resolve by the deterministic initiator rule: the
	// pair's initiator keeps its offer and drops the crossed one; the
	// other side rolls its own offer back, answers, and re-offers once
	// this round settles.
	if sess.State() == StateLocalOfferCreated {
		if !remoteID.InitiatesTo(e.localID) {
			log.Warn().
				Str("service", "rtc").
				Str("peer", remoteID.String()).
				Msg("dropping crossed offer")
			return core.NewError(core.ProtocolError, remoteID, errOfferWhileOffering)
		}

		if err := sess.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return e.failPeer(remoteID, err, "remote")
		}
		sess.transition(StateStable)

		sess.mu.Lock()
		sess.needsRenegotiate = true
		sess.mu.Unlock()

		log.Debug().
			Str("service", "rtc").
			Str("peer", remoteID.String()).
			Msg("rolled back local offer, initiator's crossed offer wins")
	}

	if err := sess.pc.SetRemoteDescription(sdp); err != nil {
		return e.failPeer(remoteID, err, "remote")
	}
	sess.transition(StateRemoteOfferApplied)

	if err := sess.flushCandidates(); err != nil {
		log.Warn().Err(err).Str("service", "rtc").Str("peer", remoteID.String()).Msg("flush buffered candidates")
	}

	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		return e.failPeer(remoteID, err, "remote")
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		return e.failPeer(remoteID, err, "remote")
	}
	sess.transition(StateLocalAnswerCreated)

	if err := e.signaler.SendAnswer(remoteID, *sess.pc.LocalDescription()); err != nil {
		return e.failPeer(remoteID, err, "remote")
	}
	sess.transition(StateStable)

	telemetry.NegotiationCounter.WithLabelValues("remote", "answered").Inc()

	e.renegotiateIfPending(sess)

	return nil
}

// HandleAnswer applies a remote answer to an existing session. An
// answer for an unknown peer is a recoverable inconsistency: it is
// logged and dropped.
func (e *Engine) HandleAnswer(remoteID core.ParticipantID, sdp webrtc.SessionDescription) error {
	sess := e.registry.Get(remoteID)
	if sess == nil {
		log.Warn().Str("service", "rtc").Str("peer", remoteID.String()).Msg("answer for unknown session dropped")
		return nil
	}

	if err := sess.pc.SetRemoteDescription(sdp); err != nil {
		return e.failPeer(remoteID, err, "local")
	}
	sess.transition(StateRemoteAnswerApplied)

	if err := sess.flushCandidates(); err != nil {
		log.Warn().Err(err).Str("service", "rtc").Str("peer", remoteID.String()).Msg("flush buffered candidates")
	}
	sess.transition(StateStable)

	telemetry.NegotiationCounter.WithLabelValues("local", "completed").Inc()

	e.renegotiateIfPending(sess)

	return nil
}

// HandleCandidate applies a connectivity candidate. A candidate that
// arrives before its session exists is dropped with a warning.
func (e *Engine) HandleCandidate(remoteID core.ParticipantID, candidate webrtc.ICECandidateInit) error {
	sess := e.registry.Get(remoteID)
	if sess == nil {
		log.Warn().Str("service", "rtc").Str("peer", remoteID.String()).Msg("candidate for unknown session dropped")
		return nil
	}

	if err := sess.addCandidate(candidate); err != nil {
		return core.NewError(core.NegotiationError, remoteID, err)
	}
	return nil
}

// UpdateLocalStream replaces the published stream across every
// session. Sessions that gained a track they never published before
// run one extra offer/answer round; the rest swap the track in place
// with zero signaling.
func (e *Engine) UpdateLocalStream(stream *media.Stream) {
	e.SetLocalStream(stream)

	e.registry.Each(func(sess *Session) {
		needsNegotiation, err := sess.publish(stream)
		if err != nil {
			log.Error().Err(err).Str("service", "rtc").Str("peer", sess.RemoteID.String()).Msg("update local stream")
			return
		}
		if !needsNegotiation {
			return
		}

		if sess.State() != StateStable {
			// Mid-negotiation: run the extra round when this one
			// settles.
			sess.mu.Lock()
			sess.needsRenegotiate = true
			sess.mu.Unlock()
			return
		}

		if err := e.SendOffer(sess.RemoteID); err != nil {
			log.Error().Err(err).Str("service", "rtc").Str("peer", sess.RemoteID.String()).Msg("renegotiate")
		}
	})
}

func (e *Engine) renegotiateIfPending(sess *Session) {
	sess.mu.Lock()
	pending := sess.needsRenegotiate
	sess.needsRenegotiate = false
	sess.mu.Unlock()

	if !pending {
		return
	}
	if err := e.SendOffer(sess.RemoteID); err != nil {
		log.Error().Err(err).Str("service", "rtc").Str("peer", sess.RemoteID.String()).Msg("deferred renegotiate")
	}
}

// failPeer closes exactly the failing peer's session; everything else
// keeps running.
func (e *Engine) failPeer(remoteID core.ParticipantID, err error, role string) error {
	telemetry.NegotiationCounter.WithLabelValues(role, "failed").Inc()
	e.registry.Close(remoteID)

	return core.NewError(core.NegotiationError, remoteID, err)
}

func (e *Engine) handleConnectivityLoss(remoteID core.ParticipantID) {
	if e.registry.Get(remoteID) == nil {
		return
	}
	log.Warn().Str("service", "rtc").Str("peer", remoteID.String()).Msg("connectivity lost, discarding session")
	e.registry.Close(remoteID)

	e.mu.RLock()
	closed := e.onSessionClosed
	e.mu.RUnlock()
	if closed != nil {
		closed(remoteID)
	}
}

// Close tears down every session.
func (e *Engine) Close() {
	e.registry.CloseAll()
}
