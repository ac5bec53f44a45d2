// Package msgchan defines the messaging channel the file transfer core rides on:
// a reliable, per-sender ordered broadcast/unicast primitive for small app messages,
// plus participant presence events. The hosting session layer implements Channel;
// the core never reaches into a global event bus.
package msgchan

import (
	"context"
	"errors"
	"sync"

	"github.com/sheerbytes/callfiles/pkg/protocol"
)

// ErrUnknownPeer is returned when a message is addressed to a participant that is not in the call.
var ErrUnknownPeer = errors.New("unknown participant")

// ErrClosed is returned by Send after the channel is closed.
var ErrClosed = errors.New("messaging channel closed")

// Message is a decoded app message with its routing information.
type Message struct {
	From    string
	To      string // protocol.Broadcast or a participant id
	Payload protocol.Message
}

// PresenceKind classifies presence events.
type PresenceKind int

const (
	// PresenceSelf is delivered once when the local participant joined the call.
	// Peers lists the participants already present.
	PresenceSelf PresenceKind = iota
	// PresenceJoined announces another participant.
	PresenceJoined
	// PresenceLeft announces a departed participant.
	PresenceLeft
	// PresenceClosed is delivered when the local participant left or the call ended.
	PresenceClosed
)

func (k PresenceKind) String() string {
	switch k {
	case PresenceSelf:
		return "self"
	case PresenceJoined:
		return "joined"
	case PresenceLeft:
		return "left"
	case PresenceClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Presence is a membership change.
type Presence struct {
	Kind   PresenceKind
	PeerID string
	Peers  []string
}

// Channel is the capability the core needs from the session layer.
type Channel interface {
	// LocalID returns the local participant identifier.
	LocalID() string
	// Send delivers msg to a participant or to protocol.Broadcast.
	Send(ctx context.Context, to string, msg protocol.Message) error
	// OnMessage registers a handler for app messages and returns its removal func.
	OnMessage(h func(Message)) (unsubscribe func())
	// OnPresence registers a handler for presence events and returns its removal func.
	OnPresence(h func(Presence)) (unsubscribe func())
}

// Registry fans events out to subscribed handlers. Implementations of Channel embed it.
type Registry struct {
	mu        sync.RWMutex
	nextID    int
	messages  map[int]func(Message)
	presences map[int]func(Presence)
}

// OnMessage implements Channel.
func (r *Registry) OnMessage(h func(Message)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages == nil {
		r.messages = make(map[int]func(Message))
	}
	id := r.nextID
	r.nextID++
	r.messages[id] = h
	return func() {
		r.mu.Lock()
		delete(r.messages, id)
		r.mu.Unlock()
	}
}

// OnPresence implements Channel.
func (r *Registry) OnPresence(h func(Presence)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.presences == nil {
		r.presences = make(map[int]func(Presence))
	}
	id := r.nextID
	r.nextID++
	r.presences[id] = h
	return func() {
		r.mu.Lock()
		delete(r.presences, id)
		r.mu.Unlock()
	}
}

// EmitMessage calls every message handler. Handlers run without the registry lock held.
func (r *Registry) EmitMessage(m Message) {
	r.mu.RLock()
	hs := make([]func(Message), 0, len(r.messages))
	for _, h := range r.messages {
		hs = append(hs, h)
	}
	r.mu.RUnlock()
	for _, h := range hs {
		h(m)
	}
}

// EmitPresence calls every presence handler.
func (r *Registry) EmitPresence(p Presence) {
	r.mu.RLock()
	hs := make([]func(Presence), 0, len(r.presences))
	for _, h := range r.presences {
		hs = append(hs, h)
	}
	r.mu.RUnlock()
	for _, h := range hs {
		h(p)
	}
}
