package media

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/Charlaton-app/charlaton-rtc/internal/core"
)

// Recorder saves received tracks to disk, one file per track: Opus
// audio into ogg containers and VP8 video into ivf. It is the
// headless client's stand-in for rendering.
type Recorder struct {
	dir string

	mu      sync.Mutex
	started map[*webrtc.TrackRemote]struct{}
	writers []media.Writer
	closed  bool
}

func NewRecorder(dir string) *Recorder {
	return &Recorder{
		dir:     dir,
		started: make(map[*webrtc.TrackRemote]struct{}),
	}
}

// Record starts draining one remote track into a file. Calling it
// again for the same track is a no-op, so it can be driven directly
// from a stream sink that re-fires on every track addition.
func (r *Recorder) Record(peerID core.ParticipantID, track *webrtc.TrackRemote) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrProviderClosed
	}
	if _, ok := r.started[track]; ok {
		return nil
	}

	var (
		writer media.Writer
		err    error
	)
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		name := filepath.Join(r.dir, fmt.Sprintf("%s-audio.ogg", peerID))
		writer, err = oggwriter.New(name, 48000, 1)
	case webrtc.RTPCodecTypeVideo:
		name := filepath.Join(r.dir, fmt.Sprintf("%s-video.ivf", peerID))
		writer, err = ivfwriter.New(name)
	default:
		return nil
	}
	if err != nil {
		return core.NewError(core.MediaError, peerID, err)
	}

	r.started[track] = struct{}{}
	r.writers = append(r.writers, writer)

	go drainTrack(peerID, track, writer)

	return nil
}

func drainTrack(peerID core.ParticipantID, track *webrtc.TrackRemote, writer media.Writer) {
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("service", "media").Str("peer", peerID.String()).Msg("track drained")
			return
		}
		if err := writer.WriteRTP(packet); err != nil {
			log.Warn().Err(err).Str("service", "media").Str("peer", peerID.String()).Msg("write recording")
			return
		}
	}
}

// Close flushes and closes every open file. Idempotent.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for _, writer := range r.writers {
		if err := writer.Close(); err != nil {
			log.Warn().Err(err).Str("service", "media").Msg("close recording")
		}
	}
	r.writers = nil
}
