package msgchan

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sheerbytes/callfiles/pkg/protocol"
)

// Delivery records one message handed to one recipient by a Bus.
type Delivery struct {
	From      string
	Recipient string
	Addressed string // the "to" the sender used
	Payload   protocol.Message
}

// Bus is an in-memory call: every joined Endpoint is a participant.
// Messages are encoded and decoded as on the wire and delivered synchronously,
// in send order, on the sender's goroutine.
type Bus struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	log       []Delivery
	drop      func(from, to string, msg protocol.Message) bool
}

// NewBus creates an empty call.
func NewBus() *Bus {
	return &Bus{endpoints: make(map[string]*Endpoint)}
}

// SetDrop installs a filter; messages for which it returns true are silently lost.
func (b *Bus) SetDrop(fn func(from, to string, msg protocol.Message) bool) {
	b.mu.Lock()
	b.drop = fn
	b.mu.Unlock()
}

// Deliveries returns a copy of every delivery made so far.
func (b *Bus) Deliveries() []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Delivery, len(b.log))
	copy(out, b.log)
	return out
}

// Join adds a participant. Existing participants receive PresenceJoined; the new
// endpoint receives PresenceSelf once a handler asks for it via Announce.
func (b *Bus) Join(id string) *Endpoint {
	ep := &Endpoint{bus: b, id: id}
	b.mu.Lock()
	others := b.othersLocked(id)
	b.endpoints[id] = ep
	b.mu.Unlock()

	for _, o := range others {
		o.EmitPresence(Presence{Kind: PresenceJoined, PeerID: id})
	}
	return ep
}

func (b *Bus) othersLocked(id string) []*Endpoint {
	ids := make([]string, 0, len(b.endpoints))
	for k := range b.endpoints {
		if k != id {
			ids = append(ids, k)
		}
	}
	sort.Strings(ids)
	out := make([]*Endpoint, 0, len(ids))
	for _, k := range ids {
		out = append(out, b.endpoints[k])
	}
	return out
}

func (b *Bus) send(from, to string, msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if _, ok := b.endpoints[from]; !ok {
		b.mu.Unlock()
		return ErrClosed
	}
	var targets []*Endpoint
	if to == protocol.Broadcast {
		targets = b.othersLocked(from)
	} else {
		ep, ok := b.endpoints[to]
		if !ok {
			b.mu.Unlock()
			return fmt.Errorf("send to %s: %w", to, ErrUnknownPeer)
		}
		targets = []*Endpoint{ep}
	}
	drop := b.drop
	b.mu.Unlock()

	for _, t := range targets {
		decoded, err := protocol.Decode(raw)
		if err != nil {
			return err
		}
		if drop != nil && drop(from, t.id, decoded) {
			continue
		}
		b.mu.Lock()
		b.log = append(b.log, Delivery{From: from, Recipient: t.id, Addressed: to, Payload: decoded})
		b.mu.Unlock()
		t.EmitMessage(Message{From: from, To: to, Payload: decoded})
	}
	return nil
}

func (b *Bus) leave(id string) {
	b.mu.Lock()
	ep, ok := b.endpoints[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.endpoints, id)
	others := b.othersLocked(id)
	b.mu.Unlock()

	ep.EmitPresence(Presence{Kind: PresenceClosed, PeerID: id})
	for _, o := range others {
		o.EmitPresence(Presence{Kind: PresenceLeft, PeerID: id})
	}
}

// Endpoint is one participant's view of a Bus. It implements Channel.
type Endpoint struct {
	Registry
	bus *Bus
	id  string
}

var _ Channel = (*Endpoint)(nil)

// LocalID implements Channel.
func (e *Endpoint) LocalID() string { return e.id }

// Send implements Channel.
func (e *Endpoint) Send(ctx context.Context, to string, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.bus.send(e.id, to, msg)
}

// Announce delivers PresenceSelf with the participants currently in the call.
func (e *Endpoint) Announce() {
	e.bus.mu.Lock()
	others := e.bus.othersLocked(e.id)
	e.bus.mu.Unlock()
	peers := make([]string, 0, len(others))
	for _, o := range others {
		peers = append(peers, o.id)
	}
	e.EmitPresence(Presence{Kind: PresenceSelf, PeerID: e.id, Peers: peers})
}

// Leave removes the participant from the call.
func (e *Endpoint) Leave() {
	e.bus.leave(e.id)
}
