package meeting

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/Charlaton-app/charlaton-rtc/internal/core"
	"github.com/Charlaton-app/charlaton-rtc/internal/signaling"
)

// wireHandlers registers every signaling handler before Join so no
// server message racing the join acknowledgement is lost.
func (m *Meeting) wireHandlers() {
	m.channel.On(signaling.UsersOnlineEvent, m.handleRoster)
	m.channel.On(signaling.UserJoinedEvent, m.handleUserJoined)
	m.channel.On(signaling.UserLeftEvent, m.handleUserLeft)
	m.channel.On(signaling.OfferEvent, m.handleOffer)
	m.channel.On(signaling.AnswerEvent, m.handleAnswer)
	m.channel.On(signaling.ICECandidateEvent, m.handleCandidate)
	m.channel.On(signaling.MediaChangedEvent, m.handleMediaChanged)
	m.channel.On(signaling.RoomEndedEvent, m.handleRoomEnded)
}

// handleRoster ingests the snapshot of participants already in the
// room and opens negotiation toward every peer this side initiates
// to. The other peers offer to us off their own user_joined event.
func (m *Meeting) handleRoster(data []byte) {
	var roster signaling.Roster
	if err := json.Unmarshal(data, &roster); err != nil {
		log.Warn().Err(err).Str("service", "meeting").Msg("malformed roster")
		return
	}

	for _, p := range roster.Users {
		if p.ID == m.localID {
			continue
		}
		m.roster.add(p)
		m.notifyJoined(p)

		if !m.localID.InitiatesTo(p.ID) {
			continue
		}
		if err := m.engine.SendOffer(p.ID); err != nil {
			m.emitError(err)
		}
	}
}

// handleUserJoined adds a newcomer and, when this side is the pair's
// initiator, starts negotiation.
func (m *Meeting) handleUserJoined(data []byte) {
	var p core.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("service", "meeting").Msg("malformed user_joined")
		return
	}
	if p.ID == m.localID {
		return
	}

	m.roster.add(p)
	m.notifyJoined(p)

	if !m.localID.InitiatesTo(p.ID) {
		return
	}
	if err := m.engine.SendOffer(p.ID); err != nil {
		m.emitError(err)
	}
}

// handleUserLeft removes a participant and discards exactly that
// peer's session.
func (m *Meeting) handleUserLeft(data []byte) {
	var p core.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("service", "meeting").Msg("malformed user_left")
		return
	}

	if !m.roster.remove(p.ID) {
		return
	}
	m.engine.Registry().Close(p.ID)

	m.mu.Lock()
	left := m.onParticipantLeft
	m.mu.Unlock()
	if left != nil {
		left(p.ID)
	}
}

// handleOffer answers a remote offer. Offers from ids not on the
// roster are dropped, so stale signaling for a departed peer cannot
// quietly build a session.
func (m *Meeting) handleOffer(data []byte) {
	var desc signaling.SessionDesc
	if err := json.Unmarshal(data, &desc); err != nil {
		log.Warn().Err(err).Str("service", "meeting").Msg("malformed offer")
		return
	}
	if !m.roster.has(desc.SenderID) {
		log.Warn().Str("service", "meeting").Str("peer", desc.SenderID.String()).Msg("offer from unknown participant dropped")
		return
	}

	if err := m.engine.HandleOffer(desc.SenderID, desc.SDP); err != nil {
		m.emitError(err)
	}
}

func (m *Meeting) handleAnswer(data []byte) {
	var desc signaling.SessionDesc
	if err := json.Unmarshal(data, &desc); err != nil {
		log.Warn().Err(err).Str("service", "meeting").Msg("malformed answer")
		return
	}

	if err := m.engine.HandleAnswer(desc.SenderID, desc.SDP); err != nil {
		m.emitError(err)
	}
}

func (m *Meeting) handleCandidate(data []byte) {
	var candidate signaling.Candidate
	if err := json.Unmarshal(data, &candidate); err != nil {
		log.Warn().Err(err).Str("service", "meeting").Msg("malformed candidate")
		return
	}

	if err := m.engine.HandleCandidate(candidate.SenderID, candidate.Candidate); err != nil {
		m.emitError(err)
	}
}

// handleMediaChanged updates the roster's publish-state flags. The
// media itself needs no work here: a muted peer keeps its track and
// simply stops sending samples.
func (m *Meeting) handleMediaChanged(data []byte) {
	var changed signaling.MediaChanged
	if err := json.Unmarshal(data, &changed); err != nil {
		log.Warn().Err(err).Str("service", "meeting").Msg("malformed media change")
		return
	}

	if !m.roster.setMedia(changed.UserID, changed.MicEnabled, changed.CameraEnabled) {
		return
	}

	m.mu.Lock()
	notify := m.onMediaChanged
	m.mu.Unlock()
	if notify == nil {
		return
	}
	if p, ok := m.roster.get(changed.UserID); ok {
		notify(p)
	}
}

// handleRoomEnded tears the whole meeting down on the server's order.
func (m *Meeting) handleRoomEnded(data []byte) {
	var ended signaling.RoomEnded
	if err := json.Unmarshal(data, &ended); err != nil {
		log.Warn().Err(err).Str("service", "meeting").Msg("malformed room_ended")
	}

	m.mu.Lock()
	callback := m.onRoomEnded
	m.mu.Unlock()

	m.Leave()

	if callback != nil {
		callback(ended.Message)
	}
}

func (m *Meeting) notifyJoined(p core.Participant) {
	m.mu.Lock()
	joined := m.onParticipantJoined
	m.mu.Unlock()

	if joined != nil {
		joined(p)
	}
}
