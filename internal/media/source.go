package media

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/Charlaton-app/charlaton-rtc/internal/core"
)

var (
	ErrNotAcquired = errors.New("local media not acquired")
)

// Stream is a snapshot of the local capture: at most one audio and one
// video track. The track objects are shared by reference across every
// peer session, so toggling a track's publish state is visible to all
// peers at once without per-session work.
type Stream struct {
	ID    string
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample
}

// pump feeds one local track from its provider. The enabled gate stops
// publishing without touching the track or the sessions holding it.
type pump struct {
	track    *webrtc.TrackLocalStaticSample
	provider SampleProvider
	enabled  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

func startPump(track *webrtc.TrackLocalStaticSample, provider SampleProvider, enabled bool) *pump {
	p := &pump{
		track:    track,
		provider: provider,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.enabled.Store(enabled)

	go p.run()

	return p
}

func (p *pump) run() {
	defer close(p.done)

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		sample, err := p.provider.NextSample()
		if err != nil {
			log.Warn().Err(err).Str("service", "media").Msg("capture source stopped")
			return
		}

		if p.enabled.Load() {
			if err := p.track.WriteSample(sample); err != nil {
				log.Warn().Err(err).Str("service", "media").Msg("write sample")
			}
		}

		duration := sample.Duration
		if duration <= 0 {
			duration = 20 * time.Millisecond
		}
		select {
		case <-time.After(duration):
		case <-p.stop:
			return
		}
	}
}

func (p *pump) close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
	p.provider.Close()
}

// Source acquires and releases the local capture and owns the shared
// local tracks. A track can be acquired (permission obtained, provider
// open) while disabled, so a later toggle needs no new permission
// prompt.
type Source struct {
	audioFactory ProviderFactory
	videoFactory ProviderFactory

	mu         sync.Mutex
	streamID   string
	audio      *pump
	video      *pump
	onReplaced func(*Stream)
}

// NewSource builds a source over the given capture factories.
func NewSource(audioFactory, videoFactory ProviderFactory) *Source {
	return &Source{
		audioFactory: audioFactory,
		videoFactory: videoFactory,
	}
}

// OnStreamReplaced registers the hook invoked when a toggle forces a
// new stream object (first video enable after an audio-only acquire).
// Every existing peer session must be handed the new stream.
func (s *Source) OnStreamReplaced(callback func(*Stream)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onReplaced = callback
}

// Acquire opens the requested capture devices. A device can be
// requested while starting disabled. When video acquisition fails with
// a device-unreadable condition, Acquire falls back to audio-only and
// returns the stream together with a non-fatal media warning.
func (s *Source) Acquire(wantAudio, wantVideo, audioEnabled, videoEnabled bool) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked()
	s.streamID = "charlaton-" + uuid.NewString()

	var warn error

	if wantAudio {
		provider, err := s.audioFactory()
		if err != nil {
			return nil, core.NewError(core.MediaError, "", err)
		}
		track, err := newAudioTrack(s.streamID)
		if err != nil {
			provider.Close()
			return nil, core.NewError(core.MediaError, "", err)
		}
		s.audio = startPump(track, provider, audioEnabled)
	}

	if wantVideo {
		provider, err := s.videoFactory()
		if err != nil {
			// Keep the meeting alive on a broken camera: drop to
			// audio-only and report a warning.
			log.Warn().Err(err).Str("service", "media").Msg("video unavailable, falling back to audio-only")
			warn = core.NewError(core.MediaError, "", err)
		} else {
			track, trackErr := newVideoTrack(s.streamID)
			if trackErr != nil {
				provider.Close()
				return nil, core.NewError(core.MediaError, "", trackErr)
			}
			s.video = startPump(track, provider, videoEnabled)
		}
	}

	return s.streamLocked(), warn
}

// Stream returns the current local stream, or nil before Acquire.
func (s *Source) Stream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.streamLocked()
}

func (s *Source) streamLocked() *Stream {
	if s.audio == nil && s.video == nil {
		return nil
	}
	stream := &Stream{ID: s.streamID}
	if s.audio != nil {
		stream.Audio = s.audio.track
	}
	if s.video != nil {
		stream.Video = s.video.track
	}
	return stream
}

// SetAudioEnabled toggles audio publishing. The shared track instance
// means the change reaches every peer without renegotiation.
func (s *Source) SetAudioEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.audio == nil {
		return core.NewError(core.MediaError, "", ErrNotAcquired)
	}
	s.audio.enabled.Store(enabled)
	return nil
}

// SetVideoEnabled toggles video publishing. Enabling video for the
// first time after an audio-only acquire opens the camera, builds a
// new stream carrying both tracks, and hands it to the replacement
// hook so every existing session renegotiates.
func (s *Source) SetVideoEnabled(enabled bool) error {
	s.mu.Lock()

	if s.video != nil {
		s.video.enabled.Store(enabled)
		s.mu.Unlock()
		return nil
	}

	if !enabled {
		s.mu.Unlock()
		return nil
	}
	if s.audio == nil {
		s.mu.Unlock()
		return core.NewError(core.MediaError, "", ErrNotAcquired)
	}

	provider, err := s.videoFactory()
	if err != nil {
		s.mu.Unlock()
		return core.NewError(core.MediaError, "", err)
	}
	track, err := newVideoTrack(s.streamID)
	if err != nil {
		provider.Close()
		s.mu.Unlock()
		return core.NewError(core.MediaError, "", err)
	}
	s.video = startPump(track, provider, true)

	stream := s.streamLocked()
	replaced := s.onReplaced
	s.mu.Unlock()

	if replaced != nil {
		replaced(stream)
	}
	return nil
}

// AudioEnabled reports the current audio publish state.
func (s *Source) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.audio != nil && s.audio.enabled.Load()
}

// VideoEnabled reports the current video publish state.
func (s *Source) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.video != nil && s.video.enabled.Load()
}

// Release stops all tracks and closes the capture providers.
// Idempotent.
func (s *Source) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked()
}

func (s *Source) releaseLocked() {
	if s.audio != nil {
		s.audio.close()
		s.audio = nil
	}
	if s.video != nil {
		s.video.close()
		s.video = nil
	}
}

func newAudioTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    1,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", streamID)
}

func newVideoTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video", streamID)
}
