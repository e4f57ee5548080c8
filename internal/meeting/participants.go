package meeting

import (
	"sort"
	"sync"

	"github.com/Charlaton-app/charlaton-rtc/internal/core"
)

// roster tracks who is currently in the room. Membership is the
// authority for accepting negotiation traffic: an offer from an id not
// present here is dropped, so a departed peer can never resurrect its
// session through stale signaling.
type roster struct {
	mu      sync.RWMutex
	members map[core.ParticipantID]core.Participant
}

func newRoster() *roster {
	return &roster{members: make(map[core.ParticipantID]core.Participant)}
}

func (r *roster) add(p core.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members[p.ID] = p
}

func (r *roster) remove(id core.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	return true
}

func (r *roster) has(id core.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.members[id]
	return ok
}

func (r *roster) get(id core.ParticipantID) (core.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.members[id]
	return p, ok
}

func (r *roster) setMedia(id core.ParticipantID, mic, camera bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.members[id]
	if !ok {
		return false
	}
	p.MicEnabled = mic
	p.CameraEnabled = camera
	r.members[id] = p
	return true
}

func (r *roster) list() []core.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *roster) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members = make(map[core.ParticipantID]core.Participant)
}

func (r *roster) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.members)
}
