package signaling

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/sheerbytes/callfiles/internal/transferwebrtc"
)

type fakeChannel struct {
	mu     sync.Mutex
	label  string
	closed bool

	onOpen  func()
	onClose func()
}

func (f *fakeChannel) Label() string                             { return f.label }
func (f *fakeChannel) ReadyState() webrtc.DataChannelState       { return webrtc.DataChannelStateConnecting }
func (f *fakeChannel) SendText(string) error                     { return nil }
func (f *fakeChannel) BufferedAmount() uint64                    { return 0 }
func (f *fakeChannel) SetBufferedAmountLowThreshold(uint64)      {}
func (f *fakeChannel) OnOpen(h func())                           { f.onOpen = h }
func (f *fakeChannel) OnClose(h func())                          { f.onClose = h }
func (f *fakeChannel) OnError(func(error))                       {}
func (f *fakeChannel) OnMessage(func(webrtc.DataChannelMessage)) {}
func (f *fakeChannel) OnBufferedAmountLow(func())                {}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakePeer struct {
	mu         sync.Mutex
	id         int
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	channels   []*fakeChannel
	closed     bool
	failRemote error

	onICE   func(*webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onDC    func(transferwebrtc.DataChannel)
}

func (p *fakePeer) CreateDataChannel(label string, init *webrtc.DataChannelInit) (transferwebrtc.DataChannel, error) {
	if init == nil || init.Ordered == nil || !*init.Ordered || init.MaxRetransmits == nil || *init.MaxRetransmits != 3 {
		return nil, errors.New("unexpected data channel options")
	}
	dc := &fakeChannel{label: label}
	p.mu.Lock()
	p.channels = append(p.channels, dc)
	p.mu.Unlock()
	return dc, nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, d)
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRemote != nil {
		return p.failRemote
	}
	p.remote = append(p.remote, d)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidateInit))            { p.onICE = f }
func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) { p.onState = f }
func (p *fakePeer) OnDataChannel(f func(transferwebrtc.DataChannel))           { p.onDC = f }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) candidateList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.candidates))
	for _, c := range p.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

// peerFactory hands out fakePeers and remembers them.
type peerFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (f *peerFactory) New() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{id: len(f.peers)}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *peerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}
