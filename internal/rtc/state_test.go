package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNegotiationTransitions(t *testing.T) {
	assert.True(t, StateIdle.canTransition(StateLocalOfferCreated))
	assert.True(t, StateIdle.canTransition(StateRemoteOfferApplied))
	assert.True(t, StateLocalOfferCreated.canTransition(StateRemoteAnswerApplied))
	assert.True(t, StateLocalOfferCreated.canTransition(StateStable))
	assert.True(t, StateRemoteOfferApplied.canTransition(StateLocalAnswerCreated))
	assert.True(t, StateLocalAnswerCreated.canTransition(StateStable))
	assert.True(t, StateRemoteAnswerApplied.canTransition(StateStable))

	assert.False(t, StateIdle.canTransition(StateStable))
	assert.False(t, StateLocalOfferCreated.canTransition(StateRemoteOfferApplied))
}

func TestStableAllowsRenegotiation(t *testing.T) {
	assert.True(t, StateStable.canTransition(StateLocalOfferCreated))
	assert.True(t, StateStable.canTransition(StateRemoteOfferApplied))
}

func TestFailureAndCloseReachableFromAnywhere(t *testing.T) {
	for _, from := range []NegotiationState{
		StateIdle, StateLocalOfferCreated, StateRemoteOfferApplied,
		StateLocalAnswerCreated, StateRemoteAnswerApplied, StateStable,
	} {
		assert.True(t, from.canTransition(StateFailed), "from %s", from)
		assert.True(t, from.canTransition(StateClosed), "from %s", from)
	}
}

func TestClosedIsTerminal(t *testing.T) {
	assert.False(t, StateClosed.canTransition(StateIdle))
	assert.False(t, StateClosed.canTransition(StateLocalOfferCreated))
	assert.False(t, StateClosed.canTransition(StateStable))
}
