package rtc

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Charlaton-app/charlaton-rtc/internal/config"
	"github.com/Charlaton-app/charlaton-rtc/internal/core"
	"github.com/Charlaton-app/charlaton-rtc/internal/media"
)

// pipeSignaler delivers negotiation messages directly into the remote
// engine, standing in for the signaling channel.
type pipeSignaler struct {
	localID core.ParticipantID

	mu    sync.Mutex
	peers map[core.ParticipantID]*Engine
}

func newPipeSignaler(localID core.ParticipantID) *pipeSignaler {
	return &pipeSignaler{localID: localID, peers: make(map[core.ParticipantID]*Engine)}
}

func (p *pipeSignaler) connect(remoteID core.ParticipantID, engine *Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.peers[remoteID] = engine
}

func (p *pipeSignaler) peer(remoteID core.ParticipantID) *Engine {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.peers[remoteID]
}

func (p *pipeSignaler) SendOffer(remoteID core.ParticipantID, sdp webrtc.SessionDescription) error {
	return p.peer(remoteID).HandleOffer(p.localID, sdp)
}

func (p *pipeSignaler) SendAnswer(remoteID core.ParticipantID, sdp webrtc.SessionDescription) error {
	return p.peer(remoteID).HandleAnswer(p.localID, sdp)
}

func (p *pipeSignaler) SendCandidate(remoteID core.ParticipantID, candidate webrtc.ICECandidateInit) error {
	return p.peer(remoteID).HandleCandidate(p.localID, candidate)
}

func newEnginePair(t *testing.T) (*Engine, *Engine) {
	t.Helper()

	conf := config.New()

	alicePipe := newPipeSignaler("alice")
	bobPipe := newPipeSignaler("bob")

	alice, err := NewEngine("alice", conf, alicePipe)
	require.NoError(t, err)
	bob, err := NewEngine("bob", conf, bobPipe)
	require.NoError(t, err)

	alicePipe.connect("bob", bob)
	bobPipe.connect("alice", alice)

	t.Cleanup(func() {
		alice.Close()
		bob.Close()
	})

	return alice, bob
}

func localAudioStream(t *testing.T) *media.Stream {
	t.Helper()

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  1,
	}, "audio", "stream-test")
	require.NoError(t, err)

	return &media.Stream{ID: "stream-test", Audio: track}
}

func TestOfferAnswerReachesStable(t *testing.T) {
	alice, bob := newEnginePair(t)

	require.NoError(t, alice.SendOffer("bob"))

	assert.Equal(t, 1, alice.Registry().Len())
	assert.Equal(t, 1, bob.Registry().Len())
	assert.Equal(t, StateStable, alice.Registry().Get("bob").State())
	assert.Equal(t, StateStable, bob.Registry().Get("alice").State())
}

func TestSendOfferWithLocalStream(t *testing.T) {
	alice, _ := newEnginePair(t)

	alice.SetLocalStream(localAudioStream(t))

	require.NoError(t, alice.SendOffer("bob"))

	sess := alice.Registry().Get("bob")
	require.NotNil(t, sess)
	assert.NotNil(t, sess.audioSender)
	assert.Equal(t, StateStable, sess.State())
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	alice, _ := newEnginePair(t)

	first, created, err := alice.Registry().GetOrCreate("bob")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := alice.Registry().GetOrCreate("bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, 1, alice.Registry().Len())
}

func TestAnswerForUnknownPeerIsDropped(t *testing.T) {
	alice, _ := newEnginePair(t)

	err := alice.HandleAnswer("ghost", webrtc.SessionDescription{})
	assert.NoError(t, err)
	assert.Equal(t, 0, alice.Registry().Len())
}

func TestCandidateForUnknownPeerIsDropped(t *testing.T) {
	alice, _ := newEnginePair(t)

	err := alice.HandleCandidate("ghost", webrtc.ICECandidateInit{Candidate: "candidate:0 1 UDP 1 127.0.0.1 9 typ host"})
	assert.NoError(t, err)
	assert.Equal(t, 0, alice.Registry().Len())
}

func TestCandidateBufferedBeforeRemoteDescription(t *testing.T) {
	alice, _ := newEnginePair(t)

	sess, _, err := alice.Registry().GetOrCreate("bob")
	require.NoError(t, err)

	require.NoError(t, sess.addCandidate(webrtc.ICECandidateInit{Candidate: "candidate:0 1 UDP 1 127.0.0.1 9 typ host"}))

	sess.mu.Lock()
	buffered := len(sess.pendingCandidates)
	sess.mu.Unlock()
	assert.Equal(t, 1, buffered)
}

func TestUpdateLocalStreamRenegotiates(t *testing.T) {
	alice, bob := newEnginePair(t)

	require.NoError(t, alice.SendOffer("bob"))
	sess := alice.Registry().Get("bob")
	require.Nil(t, sess.audioSender)

	alice.UpdateLocalStream(localAudioStream(t))

	assert.NotNil(t, sess.audioSender)
	assert.Equal(t, StateStable, sess.State())
	assert.Equal(t, StateStable, bob.Registry().Get("alice").State())
}

func TestUpdateLocalStreamReplacesWithoutRenegotiation(t *testing.T) {
	alice, _ := newEnginePair(t)

	alice.SetLocalStream(localAudioStream(t))
	require.NoError(t, alice.SendOffer("bob"))

	sess := alice.Registry().Get("bob")
	before := sess.audioSender
	require.NotNil(t, before)

	// A replacement stream with the same track shape swaps senders in
	// place.
	alice.UpdateLocalStream(localAudioStream(t))

	assert.Same(t, before, sess.audioSender)
	assert.Equal(t, StateStable, sess.State())
}

func TestClosePeerDiscardsSession(t *testing.T) {
	alice, _ := newEnginePair(t)

	_, _, err := alice.Registry().GetOrCreate("bob")
	require.NoError(t, err)

	alice.Registry().Close("bob")
	assert.Nil(t, alice.Registry().Get("bob"))

	// A second close of the same peer is a no-op.
	alice.Registry().Close("bob")
	assert.Equal(t, 0, alice.Registry().Len())
}

func TestCloseAllIsIdempotent(t *testing.T) {
	alice, _ := newEnginePair(t)

	_, _, err := alice.Registry().GetOrCreate("bob")
	require.NoError(t, err)
	_, _, err = alice.Registry().GetOrCreate("carol")
	require.NoError(t, err)

	alice.Registry().CloseAll()
	assert.Equal(t, 0, alice.Registry().Len())

	alice.Registry().CloseAll()
	assert.Equal(t, 0, alice.Registry().Len())
}

func TestCrossedOfferIsRejected(t *testing.T) {
	alice, bob := newEnginePair(t)

	sess, _, err := alice.Registry().GetOrCreate("bob")
	require.NoError(t, err)

	offer, err := sess.pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, sess.pc.SetLocalDescription(offer))
	sess.transition(StateLocalOfferCreated)

	remoteOffer, err := bobOffer(t, bob)
	require.NoError(t, err)

	err = alice.HandleOffer("bob", remoteOffer)
	require.Error(t, err)
	assert.Equal(t, core.ProtocolError, core.KindOf(err))
}

func TestRenegotiationGlareInitiatorWins(t *testing.T) {
	alice, bob := newEnginePair(t)

	require.NoError(t, alice.SendOffer("bob"))

	// Stage bob's renegotiation offer in flight, undelivered, as if
	// both sides first enabled video at the same moment.
	bobSess := bob.Registry().Get("alice")
	require.NotNil(t, bobSess)
	offer, err := bobSess.pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, bobSess.pc.SetLocalDescription(offer))
	bobSess.transition(StateLocalOfferCreated)

	// Alice's renegotiation offer crosses it. Bob rolls back, answers,
	// and re-offers his own change once the round settles.
	alice.UpdateLocalStream(localAudioStream(t))

	aliceSess := alice.Registry().Get("bob")
	require.NotNil(t, aliceSess)
	assert.Equal(t, StateStable, aliceSess.State())
	assert.Equal(t, StateStable, bobSess.State())
	assert.NotNil(t, aliceSess.audioSender)

	bobSess.mu.Lock()
	pending := bobSess.needsRenegotiate
	bobSess.mu.Unlock()
	assert.False(t, pending)
}

// bobOffer builds a standalone offer from bob's side without relaying
// it, so a glare condition can be staged by hand.
func bobOffer(t *testing.T, bob *Engine) (webrtc.SessionDescription, error) {
	t.Helper()

	sess, _, err := bob.Registry().GetOrCreate("alice")
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *sess.pc.LocalDescription(), nil
}
