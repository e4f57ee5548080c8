package rtc

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/Charlaton-app/charlaton-rtc/internal/core"
	"github.com/Charlaton-app/charlaton-rtc/internal/media"
	"github.com/Charlaton-app/charlaton-rtc/internal/telemetry"
)

var (
	errSessionClosed = errors.New("peer session is closed")
)

// Session is the bidirectional media session with one remote peer. The
// connection and negotiation state are mutated only by the Engine
// acting on behalf of the Registry that owns the session.
type Session struct {
	RemoteID core.ParticipantID

	mu                sync.Mutex
	pc                *webrtc.PeerConnection
	state             NegotiationState
	pendingCandidates []webrtc.ICECandidateInit
	audioSender       *webrtc.RTPSender
	videoSender       *webrtc.RTPSender
	needsRenegotiate  bool
	closed            bool

	remote  *RemoteStream
	stopPLI chan struct{}
	pliOnce sync.Once
}

func newSession(remoteID core.ParticipantID, pc *webrtc.PeerConnection) *Session {
	return &Session{
		RemoteID: remoteID,
		pc:       pc,
		state:    StateIdle,
		remote:   newRemoteStream(remoteID),
		stopPLI:  make(chan struct{}),
	}
}

// State returns the current negotiation state.
func (s *Session) State() NegotiationState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// RemoteStream returns the accumulated remote media for this peer.
func (s *Session) RemoteStream() *RemoteStream {
	return s.remote
}

// transition moves the state machine, dropping illegal moves with a
// warning instead of crashing: out-of-order signaling is a recoverable
// inconsistency.
func (s *Session) transition(to NegotiationState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.canTransition(to) {
		log.Warn().
			Str("service", "rtc").
			Str("peer", s.RemoteID.String()).
			Str("from", string(s.state)).
			Str("to", string(to)).
			Msg("illegal negotiation transition ignored")
		return false
	}
	s.state = to
	return true
}

// addCandidate applies a connectivity candidate, buffering it until a
// remote description has been applied.
func (s *Session) addCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSessionClosed
	}

	s.pendingCandidates = append(s.pendingCandidates, candidate)
	if s.pc.CurrentRemoteDescription() == nil {
		return nil
	}

	return s.flushCandidatesLocked()
}

// flushCandidates drains the buffer once the remote description is in
// place.
func (s *Session) flushCandidates() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSessionClosed
	}
	return s.flushCandidatesLocked()
}

func (s *Session) flushCandidatesLocked() error {
	defer func() {
		s.pendingCandidates = nil
	}()

	for _, candidate := range s.pendingCandidates {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			return err
		}
	}
	return nil
}

// publish attaches or replaces the local tracks on this session and
// reports whether the change requires an offer/answer round. Replacing
// the track behind an existing sender needs no renegotiation; adding a
// track where none was published before does.
func (s *Session) publish(stream *media.Stream) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errSessionClosed
	}

	needsNegotiation := false

	if stream != nil && stream.Audio != nil {
		if s.audioSender != nil {
			if err := s.audioSender.ReplaceTrack(stream.Audio); err != nil {
				return false, err
			}
		} else {
			sender, err := s.pc.AddTrack(stream.Audio)
			if err != nil {
				return false, err
			}
			s.audioSender = sender
			needsNegotiation = true
		}
	}

	if stream != nil && stream.Video != nil {
		if s.videoSender != nil {
			if err := s.videoSender.ReplaceTrack(stream.Video); err != nil {
				return false, err
			}
		} else {
			sender, err := s.pc.AddTrack(stream.Video)
			if err != nil {
				return false, err
			}
			s.videoSender = sender
			needsNegotiation = true
		}
	}

	return needsNegotiation, nil
}

// handleRemoteTrack files a received track into the remote stream and
// starts the keyframe request loop for video.
func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote, pliInterval time.Duration) bool {
	if !s.remote.addTrack(track) {
		return false
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo && pliInterval > 0 {
		s.pliOnce.Do(func() {
			go s.pliLoop(track.SSRC(), pliInterval)
		})
	}
	return true
}

// pliLoop periodically asks the remote side for a keyframe so a viewer
// attaching mid-stream does not wait on the encoder's own cadence.
func (s *Session) pliLoop(ssrc webrtc.SSRC, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopPLI:
			return
		case <-ticker.C:
			err := s.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
			})
			if err != nil {
				log.Debug().Err(err).Str("service", "rtc").Str("peer", s.RemoteID.String()).Msg("pli write")
				return
			}
		}
	}
}

// close tears down the underlying connection and stops the remote
// stream. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	s.mu.Unlock()

	close(s.stopPLI)
	s.remote.close()

	if err := s.pc.Close(); err != nil {
		log.Warn().Err(err).Str("service", "rtc").Str("peer", s.RemoteID.String()).Msg("close peer connection")
	}

	telemetry.PeerSessionClosed()
}
