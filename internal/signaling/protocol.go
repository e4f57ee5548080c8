package signaling

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/pion/webrtc/v3"

	"github.com/Charlaton-app/charlaton-rtc/internal/core"
)

// EventKind names one signaling socket event. The set matches the
// Charlaton signaling endpoint contract.
type EventKind string

const (
	JoinRoomEvent     EventKind = "join_room"
	JoinSuccessEvent  EventKind = "join_room_success"
	JoinErrorEvent    EventKind = "join_room_error"
	UsersOnlineEvent  EventKind = "usersOnline"
	UserJoinedEvent   EventKind = "user_joined"
	UserLeftEvent     EventKind = "user_left"
	OfferEvent        EventKind = "webrtc_offer"
	AnswerEvent       EventKind = "webrtc_answer"
	ICECandidateEvent EventKind = "webrtc_ice_candidate"
	MediaChangedEvent EventKind = "user_media_changed"
	RoomEndedEvent    EventKind = "room_ended"
)

var (
	ErrUnknownEvent   = errors.New("unknown signaling event")
	ErrMalformedEvent = errors.New("malformed signaling event")
)

// Envelope is the wire framing of every signaling message.
type Envelope struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(kind EventKind, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: kind, Data: data}, nil
}

func (e Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EnvelopeFromReader decodes one envelope and verifies the event kind
// is part of the protocol.
func EnvelopeFromReader(reader io.Reader) (Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(reader).Decode(&env); err != nil {
		return Envelope{}, ErrMalformedEvent
	}

	switch env.Event {
	case JoinRoomEvent, JoinSuccessEvent, JoinErrorEvent,
		UsersOnlineEvent, UserJoinedEvent, UserLeftEvent,
		OfferEvent, AnswerEvent, ICECandidateEvent,
		MediaChangedEvent, RoomEndedEvent:
		return env, nil
	default:
		return Envelope{}, ErrUnknownEvent
	}
}

// UnmarshalPayload decodes an envelope payload into out.
func UnmarshalPayload(data json.RawMessage, out interface{}) error {
	if len(data) == 0 {
		return ErrMalformedEvent
	}
	if err := json.Unmarshal(data, out); err != nil {
		return ErrMalformedEvent
	}
	return nil
}

// JoinRoom is the client's request to enter a room.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// JoinAck acknowledges or rejects a join request.
type JoinAck struct {
	RoomID  string `json:"roomId,omitempty"`
	Message string `json:"message,omitempty"`
}

// Roster is the snapshot of participants already present, sent to a
// client right after a successful join.
type Roster struct {
	Users []core.Participant `json:"users"`
}

// SessionDesc relays an SDP offer or answer between two peers. The
// server fills SenderID before forwarding to the target.
type SessionDesc struct {
	RoomID       string                    `json:"roomId"`
	TargetUserID core.ParticipantID        `json:"targetUserId,omitempty"`
	SenderID     core.ParticipantID        `json:"senderId,omitempty"`
	SDP          webrtc.SessionDescription `json:"sdp"`
}

// Candidate relays one ICE candidate between two peers.
type Candidate struct {
	RoomID       string                  `json:"roomId"`
	TargetUserID core.ParticipantID      `json:"targetUserId,omitempty"`
	SenderID     core.ParticipantID      `json:"senderId,omitempty"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

// MediaChanged broadcasts a participant's publish state so other
// clients can update their roster display.
type MediaChanged struct {
	UserID        core.ParticipantID `json:"userId"`
	MicEnabled    bool               `json:"micEnabled"`
	CameraEnabled bool               `json:"cameraEnabled"`
}

// RoomEnded forces every participant to tear down.
type RoomEnded struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message,omitempty"`
}
