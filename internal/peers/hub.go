// Package peers tracks the websocket connections of every room on the reference server.
package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/callfiles/pkg/protocol"
)

// QueueSize is the number of envelopes buffered per connection. A connection
// whose queue overflows is closed: the channel promises reliable delivery, so
// a silent drop would corrupt relayed transfers.
const QueueSize = 1024

// Peer represents a connected participant.
type Peer struct {
	PeerID string
	Name   string
	ConnID string // unique per WebSocket connection
}

// peerConnection holds a peer and its send queue.
type peerConnection struct {
	peer      Peer
	send      chan protocol.Envelope
	closeConn func()
	closeOnce sync.Once
}

func (pc *peerConnection) enqueue(env protocol.Envelope) bool {
	select {
	case pc.send <- env:
		return true
	default:
		pc.kill()
		return false
	}
}

func (pc *peerConnection) kill() {
	pc.closeOnce.Do(func() {
		if pc.closeConn != nil {
			pc.closeConn()
		}
	})
}

// Hub manages peers per session in a thread-safe manner.
// Duplicate peer_ids within a session use last-write-wins: the most recent
// connection replaces and closes any previous one.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*peerConnection // sessionID -> connID -> peerConnection
	byPeerID map[string]map[string]string          // sessionID -> peerID -> connID
}

// NewHub creates a new peer hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]map[string]*peerConnection),
		byPeerID: make(map[string]map[string]string),
	}
}

// Add registers a connection in a session and returns a function that removes it.
// The remove function reports whether the connection was still registered, which
// is false after it was replaced or its session closed. Envelopes are written by a dedicated goroutine through send; closeConn is
// called when the connection is replaced, overflows, or its session is closed.
func (h *Hub) Add(sessionID string, p Peer, send func(env protocol.Envelope) error, closeConn func()) (remove func() bool) {
	ch := make(chan protocol.Envelope, QueueSize)
	pc := &peerConnection{peer: p, send: ch, closeConn: closeConn}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range ch {
			if err := send(env); err != nil {
				pc.kill()
				return
			}
		}
	}()

	var replaced *peerConnection
	h.mu.Lock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]*peerConnection)
		h.byPeerID[sessionID] = make(map[string]string)
	}
	if oldConnID, ok := h.byPeerID[sessionID][p.PeerID]; ok && oldConnID != p.ConnID {
		replaced = h.sessions[sessionID][oldConnID]
		delete(h.sessions[sessionID], oldConnID)
	}
	h.sessions[sessionID][p.ConnID] = pc
	h.byPeerID[sessionID][p.PeerID] = p.ConnID
	h.mu.Unlock()

	if replaced != nil {
		close(replaced.send)
		replaced.kill()
	}

	var once sync.Once
	return func() bool {
		active := false
		once.Do(func() {
			h.mu.Lock()
			sessionPeers := h.sessions[sessionID]
			if sessionPeers == nil || sessionPeers[p.ConnID] != pc {
				// replaced or session closed; the queue is already closed
				h.mu.Unlock()
				waitWriter(done)
				return
			}
			delete(sessionPeers, p.ConnID)
			if h.byPeerID[sessionID][p.PeerID] == p.ConnID {
				delete(h.byPeerID[sessionID], p.PeerID)
			}
			if len(sessionPeers) == 0 {
				delete(h.sessions, sessionID)
				delete(h.byPeerID, sessionID)
			}
			h.mu.Unlock()

			active = true
			close(ch)
			waitWriter(done)
		})
		return active
	}
}

func waitWriter(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

// List returns the peers of a session ordered by peer id.
func (h *Hub) List(sessionID string) []protocol.PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]protocol.PeerInfo, 0, len(h.sessions[sessionID]))
	for _, pc := range h.sessions[sessionID] {
		peers = append(peers, protocol.PeerInfo{PeerID: pc.peer.PeerID, Name: pc.peer.Name})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
	return peers
}

// Count returns the number of connections in a session.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Broadcast queues an envelope for every peer in a session.
func (h *Hub) Broadcast(sessionID string, env protocol.Envelope) {
	h.BroadcastExcept(sessionID, "", env)
}

// BroadcastExcept queues an envelope for every peer in a session except exceptPeerID.
func (h *Hub) BroadcastExcept(sessionID string, exceptPeerID string, env protocol.Envelope) {
	h.mu.RLock()
	targets := make([]*peerConnection, 0, len(h.sessions[sessionID]))
	for _, pc := range h.sessions[sessionID] {
		if exceptPeerID == "" || pc.peer.PeerID != exceptPeerID {
			targets = append(targets, pc)
		}
	}
	// enqueue under the read lock so a concurrent remove cannot close a queue mid-send
	for _, pc := range targets {
		pc.enqueue(env)
	}
	h.mu.RUnlock()
}

// SendTo queues an envelope for one peer. It returns false when the peer is not in the session.
func (h *Hub) SendTo(sessionID string, peerID string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connID, ok := h.byPeerID[sessionID][peerID]
	if !ok {
		return false
	}
	pc, ok := h.sessions[sessionID][connID]
	if !ok {
		return false
	}
	pc.enqueue(env)
	return true
}

// CloseSession closes every connection of a session and forgets it.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	conns := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	delete(h.byPeerID, sessionID)
	h.mu.Unlock()

	for _, pc := range conns {
		close(pc.send)
		pc.kill()
	}
}
