package app

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/sheerbytes/callfiles/internal/signaling"
	"github.com/sheerbytes/callfiles/internal/transferwebrtc"
)

var errLinkDown = errors.New("link down")

// linkedChannel is one end of an in-memory data channel.
type linkedChannel struct {
	mu       sync.Mutex
	label    string
	open     bool
	closed   bool
	peer     *linkedChannel
	sent     int
	onSend   func(n int) error // runs before each frame is delivered
	onOpen   func()
	onClose  func()
	onMsg    func(webrtc.DataChannelMessage)
	onLow    func()
	onErrorH func(error)
}

func (c *linkedChannel) Label() string { return c.label }

func (c *linkedChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return webrtc.DataChannelStateClosed
	case c.open:
		return webrtc.DataChannelStateOpen
	default:
		return webrtc.DataChannelStateConnecting
	}
}

func (c *linkedChannel) SendText(s string) error {
	c.mu.Lock()
	if c.closed || !c.open || c.peer == nil {
		c.mu.Unlock()
		return errLinkDown
	}
	c.sent++
	n, hook, peer := c.sent, c.onSend, c.peer
	c.mu.Unlock()

	if hook != nil {
		if err := hook(n); err != nil {
			return err
		}
	}
	peer.deliver(s)
	return nil
}

func (c *linkedChannel) deliver(s string) {
	c.mu.Lock()
	h, closed := c.onMsg, c.closed
	c.mu.Unlock()
	if h != nil && !closed {
		h(webrtc.DataChannelMessage{IsString: true, Data: []byte(s)})
	}
}

func (c *linkedChannel) BufferedAmount() uint64               { return 0 }
func (c *linkedChannel) SetBufferedAmountLowThreshold(uint64) {}
func (c *linkedChannel) OnOpen(h func())                      { c.mu.Lock(); c.onOpen = h; c.mu.Unlock() }
func (c *linkedChannel) OnClose(h func())                     { c.mu.Lock(); c.onClose = h; c.mu.Unlock() }
func (c *linkedChannel) OnError(h func(error))                { c.mu.Lock(); c.onErrorH = h; c.mu.Unlock() }
func (c *linkedChannel) OnMessage(h func(webrtc.DataChannelMessage)) {
	c.mu.Lock()
	c.onMsg = h
	c.mu.Unlock()
}
func (c *linkedChannel) OnBufferedAmountLow(h func()) { c.mu.Lock(); c.onLow = h; c.mu.Unlock() }

func (c *linkedChannel) setOpen() {
	c.mu.Lock()
	c.open = true
	h := c.onOpen
	c.mu.Unlock()
	if h != nil {
		h()
	}
}

func (c *linkedChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	h, peer := c.onClose, c.peer
	c.mu.Unlock()
	if h != nil {
		h()
	}
	if peer != nil {
		go peer.Close()
	}
	return nil
}

// linkedPeer is a PeerConnection that connects to the other peer of its link
// once both have applied a local and a remote description.
type linkedPeer struct {
	link *link
	name string

	mu        sync.Mutex
	localSet  bool
	remoteSet bool
	closed    bool
	dc        *linkedChannel

	onState func(webrtc.PeerConnectionState)
	onDC    func(transferwebrtc.DataChannel)
}

func (p *linkedPeer) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (transferwebrtc.DataChannel, error) {
	dc := &linkedChannel{label: label}
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()
	return dc, nil
}

func (p *linkedPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + p.name}, nil
}

func (p *linkedPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + p.name}, nil
}

func (p *linkedPeer) SetLocalDescription(webrtc.SessionDescription) error {
	p.mu.Lock()
	p.localSet = true
	p.mu.Unlock()
	go p.link.maybeConnect()
	return nil
}

func (p *linkedPeer) SetRemoteDescription(webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remoteSet = true
	p.mu.Unlock()
	go p.link.maybeConnect()
	return nil
}

func (p *linkedPeer) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (p *linkedPeer) OnICECandidate(func(*webrtc.ICECandidateInit)) {}

func (p *linkedPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *linkedPeer) OnDataChannel(f func(transferwebrtc.DataChannel)) {
	p.mu.Lock()
	p.onDC = f
	p.mu.Unlock()
}

func (p *linkedPeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *linkedPeer) ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localSet && p.remoteSet && !p.closed
}

func (p *linkedPeer) setState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	h := p.onState
	p.mu.Unlock()
	if h != nil {
		h(s)
	}
}

// link joins the peers two factories create.
type link struct {
	mu        sync.Mutex
	peers     map[string]*linkedPeer
	connected bool
}

func newLink() *link {
	return &link{peers: make(map[string]*linkedPeer)}
}

func (l *link) factory(name string) signaling.Factory {
	return func() (signaling.PeerConnection, error) {
		p := &linkedPeer{link: l, name: name}
		l.mu.Lock()
		l.peers[name] = p
		l.connected = false
		l.mu.Unlock()
		return p, nil
	}
}

func (l *link) maybeConnect() {
	l.mu.Lock()
	if l.connected || len(l.peers) != 2 {
		l.mu.Unlock()
		return
	}
	var caller, answerer *linkedPeer
	for _, p := range l.peers {
		if !p.ready() {
			l.mu.Unlock()
			return
		}
		p.mu.Lock()
		if p.dc != nil {
			caller = p
		} else {
			answerer = p
		}
		p.mu.Unlock()
	}
	if caller == nil || answerer == nil {
		l.mu.Unlock()
		return
	}
	l.connected = true
	l.mu.Unlock()

	local := caller.dc
	remote := &linkedChannel{label: local.label}
	local.mu.Lock()
	local.peer = remote
	local.mu.Unlock()
	remote.peer = local

	answerer.mu.Lock()
	onDC := answerer.onDC
	answerer.mu.Unlock()
	if onDC != nil {
		onDC(remote)
	}
	caller.setState(webrtc.PeerConnectionStateConnected)
	answerer.setState(webrtc.PeerConnectionStateConnected)
	local.setOpen()
	remote.setOpen()
}

// fail reports a failed connection to both peers.
func (l *link) fail() {
	l.mu.Lock()
	peers := make([]*linkedPeer, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.mu.Unlock()
	for _, p := range peers {
		p.setState(webrtc.PeerConnectionStateFailed)
	}
}

func (l *link) callerChannel() *linkedChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.peers {
		p.mu.Lock()
		dc := p.dc
		p.mu.Unlock()
		if dc != nil {
			return dc
		}
	}
	return nil
}
