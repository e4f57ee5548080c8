package rtc

// NegotiationState tracks the offer/answer protocol position of one
// peer session.
type NegotiationState string

const (
	StateIdle                NegotiationState = "idle"
	StateLocalOfferCreated   NegotiationState = "local_offer_created"
	StateRemoteOfferApplied  NegotiationState = "remote_offer_applied"
	StateLocalAnswerCreated  NegotiationState = "local_answer_created"
	StateRemoteAnswerApplied NegotiationState = "remote_answer_applied"
	StateStable              NegotiationState = "stable"
	StateFailed              NegotiationState = "failed"
	StateClosed              NegotiationState = "closed"
)

// legalTransitions is the per-session protocol order. Failed and
// Closed are reachable from anywhere; a closed session never leaves
// Closed.
var legalTransitions = map[NegotiationState][]NegotiationState{
	StateIdle: {StateLocalOfferCreated, StateRemoteOfferApplied},
	// A remote answer completes the local offer; a crossed-offer
	// rollback abandons it.
	StateLocalOfferCreated:   {StateRemoteAnswerApplied, StateStable},
	StateRemoteOfferApplied:  {StateLocalAnswerCreated},
	StateLocalAnswerCreated:  {StateStable},
	StateRemoteAnswerApplied: {StateStable},
	// Renegotiation re-runs the exchange on a stable session.
	StateStable: {StateLocalOfferCreated, StateRemoteOfferApplied},
}

func (s NegotiationState) canTransition(to NegotiationState) bool {
	if s == StateClosed {
		return false
	}
	if to == StateFailed || to == StateClosed {
		return true
	}
	for _, next := range legalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
