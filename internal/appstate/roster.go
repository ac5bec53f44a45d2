package appstate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/callfiles/internal/msgchan"
)

// ParticipantState tracks one remote participant of the call.
type ParticipantState struct {
	PeerID   string
	JoinedAt time.Time
	LastSeen time.Time
}

// Roster tracks who else is in the call, driven by presence events.
type Roster struct {
	mu           sync.RWMutex
	self         string
	joined       bool
	participants map[string]*ParticipantState // peer_id -> state
	onJoined     func(peerID string)          // callback for late joiners
	now          func() time.Time
}

// NewRoster creates a roster. onJoined runs, without the roster lock held,
// for every participant that joins after the local one.
func NewRoster(onJoined func(peerID string)) *Roster {
	return &Roster{
		participants: make(map[string]*ParticipantState),
		onJoined:     onJoined,
		now:          time.Now,
	}
}

// Apply updates the roster from a presence event.
func (r *Roster) Apply(p msgchan.Presence) {
	switch p.Kind {
	case msgchan.PresenceSelf:
		r.UpdatePeerList(p.PeerID, p.Peers)
	case msgchan.PresenceJoined:
		r.HandlePeerJoined(p.PeerID)
	case msgchan.PresenceLeft:
		r.HandlePeerLeft(p.PeerID)
	case msgchan.PresenceClosed:
		r.Clear()
	}
}

// UpdatePeerList replaces the roster with the participants present when the local one joined.
func (r *Roster) UpdatePeerList(self string, peers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.self = self
	r.joined = true
	next := make(map[string]*ParticipantState, len(peers))
	for _, id := range peers {
		if id == self {
			continue
		}
		if state, exists := r.participants[id]; exists {
			state.LastSeen = now
			next[id] = state
			continue
		}
		next[id] = &ParticipantState{PeerID: id, JoinedAt: now, LastSeen: now}
	}
	r.participants = next
}

// HandlePeerJoined records a participant and notifies the callback.
func (r *Roster) HandlePeerJoined(peerID string) {
	r.mu.Lock()
	if peerID == "" || peerID == r.self {
		r.mu.Unlock()
		return
	}
	now := r.now()
	if state, exists := r.participants[peerID]; exists {
		state.LastSeen = now
	} else {
		r.participants[peerID] = &ParticipantState{PeerID: peerID, JoinedAt: now, LastSeen: now}
	}
	onJoined := r.onJoined
	r.mu.Unlock()

	if onJoined != nil {
		onJoined(peerID)
	}
}

// HandlePeerLeft removes a participant.
func (r *Roster) HandlePeerLeft(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, peerID)
}

// Clear forgets every participant; the local one left the call.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = make(map[string]*ParticipantState)
	r.joined = false
}

// Joined reports whether the local participant is in the call.
func (r *Roster) Joined() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.joined
}

// Has reports whether peerID is in the call.
func (r *Roster) Has(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.participants[peerID]
	return ok
}

// Peers returns the remote participant ids, sorted.
func (r *Roster) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.participants))
	for id := range r.participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of remote participants.
func (r *Roster) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Summary returns a one-line description for logs.
func (r *Roster) Summary() string {
	peers := r.Peers()
	if len(peers) <= 10 {
		return fmt.Sprintf("participants: %d %v", len(peers), peers)
	}
	return fmt.Sprintf("participants: %d", len(peers))
}
