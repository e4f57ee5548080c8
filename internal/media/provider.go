package media

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

var (
	ErrDeviceUnreadable = errors.New("capture device unreadable")
	ErrProviderClosed   = errors.New("sample provider closed")
)

// SampleProvider yields encoded media samples for one local track. The
// pump paces output by each sample's Duration.
type SampleProvider interface {
	NextSample() (media.Sample, error)
	Close() error
}

// ProviderFactory opens a capture source. Opening may prompt for
// device permission; a factory error is the device-unreadable
// condition.
type ProviderFactory func() (SampleProvider, error)

// opusSilence is a single Opus frame encoding 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceProvider produces Opus silence. It stands in for a microphone
// in headless runs and tests.
type SilenceProvider struct{}

func NewSilenceProvider() *SilenceProvider {
	return &SilenceProvider{}
}

func (p *SilenceProvider) NextSample() (media.Sample, error) {
	return media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}, nil
}

func (p *SilenceProvider) Close() error {
	return nil
}

// PatternProvider produces fixed dummy frames on a video cadence. The
// payload is opaque to the transport; it stands in for a camera in
// headless runs and tests.
type PatternProvider struct {
	frame []byte
}

func NewPatternProvider() *PatternProvider {
	frame := make([]byte, 512)
	for i := range frame {
		frame[i] = byte(i)
	}
	return &PatternProvider{frame: frame}
}

func (p *PatternProvider) NextSample() (media.Sample, error) {
	return media.Sample{Data: p.frame, Duration: 33 * time.Millisecond}, nil
}

func (p *PatternProvider) Close() error {
	return nil
}

// OggProvider plays an Ogg/Opus file in a loop, pacing by granule
// positions.
type OggProvider struct {
	path        string
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func NewOggProvider(path string) (*OggProvider, error) {
	p := &OggProvider{path: path}
	if err := p.open(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *OggProvider) open() error {
	file, err := os.Open(p.path)
	if err != nil {
		return ErrDeviceUnreadable
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return ErrDeviceUnreadable
	}
	p.file = file
	p.reader = reader
	p.lastGranule = 0
	return nil
}

func (p *OggProvider) NextSample() (media.Sample, error) {
	if p.reader == nil {
		return media.Sample{}, ErrProviderClosed
	}

	page, header, err := p.reader.ParseNextPage()
	if err == io.EOF {
		p.file.Close()
		if err := p.open(); err != nil {
			return media.Sample{}, err
		}
		page, header, err = p.reader.ParseNextPage()
	}
	if err != nil {
		return media.Sample{}, err
	}

	sampleCount := header.GranulePosition - p.lastGranule
	p.lastGranule = header.GranulePosition
	duration := time.Duration(sampleCount) * time.Second / 48000
	if duration <= 0 {
		duration = 20 * time.Millisecond
	}

	return media.Sample{Data: page, Duration: duration}, nil
}

func (p *OggProvider) Close() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	p.reader = nil
	return err
}

// IVFProvider plays an IVF/VP8 file in a loop, pacing by the file's
// timebase.
type IVFProvider struct {
	path     string
	file     *os.File
	reader   *ivfreader.IVFReader
	interval time.Duration
}

func NewIVFProvider(path string) (*IVFProvider, error) {
	p := &IVFProvider{path: path}
	if err := p.open(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *IVFProvider) open() error {
	file, err := os.Open(p.path)
	if err != nil {
		return ErrDeviceUnreadable
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return ErrDeviceUnreadable
	}
	p.file = file
	p.reader = reader
	p.interval = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	if p.interval <= 0 {
		p.interval = 33 * time.Millisecond
	}
	return nil
}

func (p *IVFProvider) NextSample() (media.Sample, error) {
	if p.reader == nil {
		return media.Sample{}, ErrProviderClosed
	}

	frame, _, err := p.reader.ParseNextFrame()
	if err == io.EOF {
		p.file.Close()
		if err := p.open(); err != nil {
			return media.Sample{}, err
		}
		frame, _, err = p.reader.ParseNextFrame()
	}
	if err != nil {
		return media.Sample{}, err
	}

	return media.Sample{Data: frame, Duration: p.interval}, nil
}

func (p *IVFProvider) Close() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	p.reader = nil
	return err
}
