package appstate

import (
	"reflect"
	"testing"

	"github.com/sheerbytes/callfiles/internal/msgchan"
)

func TestNewRoster(t *testing.T) {
	r := NewRoster(nil)
	if r == nil {
		t.Fatal("NewRoster returned nil")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
	if r.Joined() {
		t.Error("Joined = true before the peer list arrived")
	}
}

func TestUpdatePeerList(t *testing.T) {
	r := NewRoster(nil)
	r.UpdatePeerList("me", []string{"bob", "me", "alice"})

	if !r.Joined() {
		t.Error("Joined = false after peer list")
	}
	if got, want := r.Peers(), []string{"alice", "bob"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Peers = %v, want %v", got, want)
	}
	if r.Has("me") {
		t.Error("roster should not contain the local participant")
	}
}

func TestHandlePeerJoined_Callback(t *testing.T) {
	var joined []string
	r := NewRoster(func(peerID string) { joined = append(joined, peerID) })
	r.UpdatePeerList("me", nil)

	r.HandlePeerJoined("carol")
	r.HandlePeerJoined("me")
	r.HandlePeerJoined("")

	if !reflect.DeepEqual(joined, []string{"carol"}) {
		t.Errorf("callback calls = %v, want [carol]", joined)
	}
	if !r.Has("carol") {
		t.Error("carol missing from roster")
	}
}

func TestHandlePeerJoined_CallbackMayReadRoster(t *testing.T) {
	var r *Roster
	count := -1
	r = NewRoster(func(string) { count = r.Count() })
	r.HandlePeerJoined("dave")
	if count != 1 {
		t.Errorf("Count inside callback = %d, want 1", count)
	}
}

func TestApply(t *testing.T) {
	r := NewRoster(nil)
	r.Apply(msgchan.Presence{Kind: msgchan.PresenceSelf, PeerID: "me", Peers: []string{"alice"}})
	r.Apply(msgchan.Presence{Kind: msgchan.PresenceJoined, PeerID: "bob"})
	r.Apply(msgchan.Presence{Kind: msgchan.PresenceLeft, PeerID: "alice"})

	if got, want := r.Peers(), []string{"bob"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Peers = %v, want %v", got, want)
	}
	if got := r.Summary(); got != "participants: 1 [bob]" {
		t.Errorf("Summary = %q", got)
	}

	r.Apply(msgchan.Presence{Kind: msgchan.PresenceClosed, PeerID: "me"})
	if r.Count() != 0 || r.Joined() {
		t.Errorf("after close: Count = %d Joined = %v", r.Count(), r.Joined())
	}
}
