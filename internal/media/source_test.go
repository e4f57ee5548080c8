package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Charlaton-app/charlaton-rtc/internal/core"
)

func silenceFactory() (SampleProvider, error) {
	return NewSilenceProvider(), nil
}

func patternFactory() (SampleProvider, error) {
	return NewPatternProvider(), nil
}

func brokenFactory() (SampleProvider, error) {
	return nil, ErrDeviceUnreadable
}

func TestAcquireAudioAndVideo(t *testing.T) {
	source := NewSource(silenceFactory, patternFactory)
	defer source.Release()

	stream, err := source.Acquire(true, true, true, true)
	require.NoError(t, err)
	require.NotNil(t, stream)

	assert.NotNil(t, stream.Audio)
	assert.NotNil(t, stream.Video)
	assert.True(t, source.AudioEnabled())
	assert.True(t, source.VideoEnabled())
}

func TestAcquireVideoFallsBackToAudioOnly(t *testing.T) {
	source := NewSource(silenceFactory, brokenFactory)
	defer source.Release()

	stream, err := source.Acquire(true, true, true, true)
	require.NotNil(t, stream, "a broken camera must not kill the audio capture")
	require.Error(t, err)

	assert.Equal(t, core.MediaError, core.KindOf(err))
	assert.NotNil(t, stream.Audio)
	assert.Nil(t, stream.Video)
}

func TestAcquireAudioFailureIsFatal(t *testing.T) {
	source := NewSource(brokenFactory, patternFactory)
	defer source.Release()

	stream, err := source.Acquire(true, false, true, false)
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.Equal(t, core.MediaError, core.KindOf(err))
}

func TestToggleBeforeAcquire(t *testing.T) {
	source := NewSource(silenceFactory, patternFactory)

	err := source.SetAudioEnabled(true)
	require.Error(t, err)
	assert.Equal(t, core.MediaError, core.KindOf(err))
}

func TestToggleAudioKeepsStream(t *testing.T) {
	source := NewSource(silenceFactory, patternFactory)
	defer source.Release()

	first, err := source.Acquire(true, false, true, false)
	require.NoError(t, err)

	require.NoError(t, source.SetAudioEnabled(false))
	assert.False(t, source.AudioEnabled())
	require.NoError(t, source.SetAudioEnabled(true))
	assert.True(t, source.AudioEnabled())

	// Toggling never swaps the track instance.
	assert.Same(t, first.Audio, source.Stream().Audio)
}

func TestFirstVideoEnableReplacesStream(t *testing.T) {
	source := NewSource(silenceFactory, patternFactory)
	defer source.Release()

	_, err := source.Acquire(true, false, true, false)
	require.NoError(t, err)

	var replaced *Stream
	source.OnStreamReplaced(func(stream *Stream) {
		replaced = stream
	})

	require.NoError(t, source.SetVideoEnabled(true))

	require.NotNil(t, replaced, "first video enable must hand out the new stream")
	assert.NotNil(t, replaced.Audio)
	assert.NotNil(t, replaced.Video)
	assert.True(t, source.VideoEnabled())

	// Later toggles flip the gate without replacing anything.
	replaced = nil
	require.NoError(t, source.SetVideoEnabled(false))
	require.NoError(t, source.SetVideoEnabled(true))
	assert.Nil(t, replaced)
}

func TestReleaseIsIdempotent(t *testing.T) {
	source := NewSource(silenceFactory, patternFactory)

	_, err := source.Acquire(true, true, true, true)
	require.NoError(t, err)

	source.Release()
	source.Release()

	assert.Nil(t, source.Stream())
	assert.False(t, source.AudioEnabled())
}

func TestSilenceProviderSamples(t *testing.T) {
	p := NewSilenceProvider()

	sample, err := p.NextSample()
	require.NoError(t, err)
	assert.NotEmpty(t, sample.Data)
	assert.Positive(t, sample.Duration)
}

func TestPatternProviderSamples(t *testing.T) {
	p := NewPatternProvider()

	sample, err := p.NextSample()
	require.NoError(t, err)
	assert.Len(t, sample.Data, 512)
	assert.Positive(t, sample.Duration)
}
