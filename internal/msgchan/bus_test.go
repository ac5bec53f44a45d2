package msgchan

import (
	"context"
	"errors"
	"testing"

	"github.com/sheerbytes/callfiles/pkg/protocol"
)

func TestBus_BroadcastAndUnicast(t *testing.T) {
	bus := NewBus()
	a, b, c := bus.Join("a"), bus.Join("b"), bus.Join("c")

	got := map[string][]Message{}
	for _, ep := range []*Endpoint{a, b, c} {
		ep := ep
		ep.OnMessage(func(m Message) { got[ep.LocalID()] = append(got[ep.LocalID()], m) })
	}

	ctx := context.Background()
	if err := a.Send(ctx, protocol.Broadcast, protocol.FileEnd{FileID: "f1"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := a.Send(ctx, "c", protocol.FileEnd{FileID: "f2"}); err != nil {
		t.Fatalf("unicast: %v", err)
	}

	if len(got["a"]) != 0 {
		t.Errorf("sender received its own broadcast: %v", got["a"])
	}
	if len(got["b"]) != 1 || len(got["c"]) != 2 {
		t.Fatalf("deliveries b=%d c=%d, want 1 and 2", len(got["b"]), len(got["c"]))
	}
	last := got["c"][1]
	if last.From != "a" || last.To != "c" || last.Payload.(protocol.FileEnd).FileID != "f2" {
		t.Errorf("unexpected unicast delivery %+v", last)
	}
	if n := len(bus.Deliveries()); n != 3 {
		t.Errorf("Deliveries() = %d, want 3", n)
	}
}

func TestBus_UnknownPeer(t *testing.T) {
	bus := NewBus()
	a := bus.Join("a")
	err := a.Send(context.Background(), "ghost", protocol.FileEnd{FileID: "f"})
	if !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Send() error = %v, want ErrUnknownPeer", err)
	}
}

func TestBus_Presence(t *testing.T) {
	bus := NewBus()
	a := bus.Join("a")

	var events []Presence
	a.OnPresence(func(p Presence) { events = append(events, p) })

	b := bus.Join("b")
	b.Leave()
	a.Announce()

	if len(events) != 3 {
		t.Fatalf("events = %v, want joined, left, self", events)
	}
	if events[0].Kind != PresenceJoined || events[0].PeerID != "b" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Kind != PresenceLeft || events[1].PeerID != "b" {
		t.Errorf("events[1] = %+v", events[1])
	}
	if events[2].Kind != PresenceSelf || len(events[2].Peers) != 0 {
		t.Errorf("events[2] = %+v", events[2])
	}

	if err := b.Send(context.Background(), "a", protocol.FileEnd{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Leave error = %v, want ErrClosed", err)
	}
}

func TestBus_DropAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	a, b := bus.Join("a"), bus.Join("b")

	count := 0
	unsubscribe := b.OnMessage(func(Message) { count++ })
	bus.SetDrop(func(from, to string, msg protocol.Message) bool {
		return msg.MsgKind() == protocol.KindFileChunk
	})

	ctx := context.Background()
	_ = a.Send(ctx, "b", protocol.FileChunk{FileID: "f"})
	_ = a.Send(ctx, "b", protocol.FileEnd{FileID: "f"})
	unsubscribe()
	_ = a.Send(ctx, "b", protocol.FileEnd{FileID: "f"})

	if count != 1 {
		t.Errorf("handler calls = %d, want 1", count)
	}
}
