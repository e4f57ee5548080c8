package rtc

import (
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/Charlaton-app/charlaton-rtc/internal/core"
)

// StreamSink receives completed or updated remote streams. It is
// registered once, before any session exists, and is invoked again for
// the same peer whenever a track is added to that peer's stream; the
// consumer re-attaches idempotently.
type StreamSink func(remoteID core.ParticipantID, stream *RemoteStream)

// RemoteStream accumulates the tracks received from one peer over the
// lifetime of its session. A session negotiated audio-only may later
// gain a video track; earlier tracks are never dropped when that
// happens.
type RemoteStream struct {
	PeerID core.ParticipantID

	mu     sync.RWMutex
	audio  *webrtc.TrackRemote
	video  *webrtc.TrackRemote
	closed bool
}

func newRemoteStream(peerID core.ParticipantID) *RemoteStream {
	return &RemoteStream{PeerID: peerID}
}

// addTrack stores the latest track of its kind and reports whether the
// stream is still live.
func (s *RemoteStream) addTrack(track *webrtc.TrackRemote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		s.audio = track
	case webrtc.RTPCodecTypeVideo:
		s.video = track
	}
	return true
}

// AudioTrack returns the latest received audio track, if any.
func (s *RemoteStream) AudioTrack() *webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.audio
}

// VideoTrack returns the latest received video track, if any.
func (s *RemoteStream) VideoTrack() *webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.video
}

// Tracks returns every track currently in the stream.
func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tracks := make([]*webrtc.TrackRemote, 0, 2)
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

// Closed reports whether the owning session was torn down.
func (s *RemoteStream) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.closed
}

func (s *RemoteStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}
