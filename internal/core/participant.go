package core

// ParticipantID identifies one participant inside a room.
type ParticipantID string

func (id ParticipantID) String() string {
	return string(id)
}

// InitiatesTo reports whether the participant with this id is the
// designated offer initiator toward other. Exactly one side of every
// pair initiates: the lexicographically smaller id. Both sides can
// evaluate the rule independently, so two peers discovering each other
// at the same time never race to send simultaneous offers.
func (id ParticipantID) InitiatesTo(other ParticipantID) bool {
	return id < other
}

// Participant is the roster entry for one remote user. It is display
// state only: mic/camera flags mirror what the remote side broadcasts
// and never touch the peer session.
type Participant struct {
	ID            ParticipantID `json:"userId"`
	DisplayName   string        `json:"displayName"`
	MicEnabled    bool          `json:"micEnabled"`
	CameraEnabled bool          `json:"cameraEnabled"`
}
