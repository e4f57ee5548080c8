package core

import "fmt"

// ErrorKind classifies a failure so the host application can decide
// whether to retry, warn the user or abort the meeting.
type ErrorKind string

const (
	// AuthError: no credential was available. Fatal for this connection
	// attempt, never retried.
	AuthError ErrorKind = "auth"
	// ConnectionError: the signaling socket was refused or timed out
	// after the reconnect policy was exhausted.
	ConnectionError ErrorKind = "connection"
	// MediaError: device permission denied or device unreadable. The
	// session continues with a reduced capability set.
	MediaError ErrorKind = "media"
	// NegotiationError: SDP apply or ICE failure scoped to one peer.
	NegotiationError ErrorKind = "negotiation"
	// ProtocolError: malformed or out-of-order signaling payload.
	// Logged and ignored.
	ProtocolError ErrorKind = "protocol"
)

// Error carries the failure kind and, for peer-scoped failures, the
// affected participant id.
type Error struct {
	Kind ErrorKind
	Peer ParticipantID
	Err  error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s error (peer %s): %v", e.Kind, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and an optional peer scope.
func NewError(kind ErrorKind, peer ParticipantID, err error) *Error {
	return &Error{Kind: kind, Peer: peer, Err: err}
}

// KindOf returns the classification of err, or an empty kind for plain
// errors.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}
