package signalserver

import (
	"errors"
	"sync"

	"github.com/isqad/melody"

	"github.com/Charlaton-app/charlaton-rtc/internal/core"
)

var (
	ErrAlreadyJoined = errors.New("participant is already in the room")
	ErrNoSuchRoom    = errors.New("no such room")
)

type member struct {
	participant core.Participant
	session     *melody.Session
}

// room holds the participants connected to this node. With redis
// fanout a room spans nodes; each node tracks only its own sockets
// and the bus carries traffic between them.
type room struct {
	id string

	mu      sync.RWMutex
	members map[core.ParticipantID]*member
}

func newRoom(id string) *room {
	return &room{id: id, members: make(map[core.ParticipantID]*member)}
}

func (r *room) add(p core.Participant, session *melody.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[p.ID]; ok {
		return ErrAlreadyJoined
	}
	r.members[p.ID] = &member{participant: p, session: session}
	return nil
}

func (r *room) remove(id core.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	return true
}

func (r *room) setMedia(id core.ParticipantID, mic, camera bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return false
	}
	m.participant.MicEnabled = mic
	m.participant.CameraEnabled = camera
	return true
}

// participants snapshots the roster, optionally excluding one id.
func (r *room) participants(exclude core.ParticipantID) []core.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.Participant, 0, len(r.members))
	for id, m := range r.members {
		if id == exclude {
			continue
		}
		out = append(out, m.participant)
	}
	return out
}

// write delivers data to one local member. Reports false when the
// target is not connected to this node.
func (r *room) write(target core.ParticipantID, data []byte) bool {
	r.mu.RLock()
	m, ok := r.members[target]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	return m.session.Write(data) == nil
}

// broadcast delivers data to every local member except exclude.
func (r *room) broadcast(exclude core.ParticipantID, data []byte) {
	r.mu.RLock()
	sessions := make([]*melody.Session, 0, len(r.members))
	for id, m := range r.members {
		if id == exclude {
			continue
		}
		sessions = append(sessions, m.session)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Write(data)
	}
}

// disconnect force-closes one member's socket. The usual disconnect
// flow then removes the member and broadcasts user_left.
func (r *room) disconnect(id core.ParticipantID) bool {
	r.mu.RLock()
	m, ok := r.members[id]
	r.mu.RUnlock()

	if !ok || m.session == nil {
		return false
	}
	m.session.Close()
	return true
}

func (r *room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.members) == 0
}

// Rooms is the node-local room registry.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]*room)}
}

// Join files a participant into a room, creating the room on first
// use.
func (rs *Rooms) Join(roomID string, p core.Participant, session *melody.Session) error {
	rs.mu.Lock()
	r, ok := rs.rooms[roomID]
	if !ok {
		r = newRoom(roomID)
		rs.rooms[roomID] = r
	}
	rs.mu.Unlock()

	return r.add(p, session)
}

// Leave removes a participant and drops the room when it empties.
func (rs *Rooms) Leave(roomID string, id core.ParticipantID) bool {
	r := rs.get(roomID)
	if r == nil {
		return false
	}
	removed := r.remove(id)

	if r.empty() {
		rs.mu.Lock()
		if cur, ok := rs.rooms[roomID]; ok && cur.empty() {
			delete(rs.rooms, roomID)
		}
		rs.mu.Unlock()
	}
	return removed
}

// End discards a room and returns whether it existed. Callers
// broadcast room_ended before ending.
func (rs *Rooms) End(roomID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, ok := rs.rooms[roomID]; !ok {
		return false
	}
	delete(rs.rooms, roomID)
	return true
}

func (rs *Rooms) get(roomID string) *room {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	return rs.rooms[roomID]
}

// Participants returns the roster of roomID, excluding exclude.
func (rs *Rooms) Participants(roomID string, exclude core.ParticipantID) []core.Participant {
	r := rs.get(roomID)
	if r == nil {
		return nil
	}
	return r.participants(exclude)
}

// Kick drops one member's socket, as if their connection failed. The
// member may reconnect and rejoin.
func (rs *Rooms) Kick(roomID string, id core.ParticipantID) bool {
	r := rs.get(roomID)
	if r == nil {
		return false
	}
	return r.disconnect(id)
}

// SetMedia updates a member's publish-state flags.
func (rs *Rooms) SetMedia(roomID string, id core.ParticipantID, mic, camera bool) bool {
	r := rs.get(roomID)
	if r == nil {
		return false
	}
	return r.setMedia(id, mic, camera)
}

// Write delivers data to one member of roomID when connected locally.
func (rs *Rooms) Write(roomID string, target core.ParticipantID, data []byte) bool {
	r := rs.get(roomID)
	if r == nil {
		return false
	}
	return r.write(target, data)
}

// Broadcast delivers data to every local member of roomID except
// exclude.
func (rs *Rooms) Broadcast(roomID string, exclude core.ParticipantID, data []byte) {
	r := rs.get(roomID)
	if r == nil {
		return
	}
	r.broadcast(exclude, data)
}

// Len reports the number of rooms on this node.
func (rs *Rooms) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	return len(rs.rooms)
}
