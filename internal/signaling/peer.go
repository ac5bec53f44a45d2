package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/sheerbytes/callfiles/internal/transferwebrtc"
)

// PeerConnection is the part of a WebRTC peer connection the negotiator drives.
type PeerConnection interface {
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (transferwebrtc.DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// OnICECandidate reports local candidates; nil marks the end of gathering.
	OnICECandidate(f func(c *webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(s webrtc.PeerConnectionState))
	OnDataChannel(f func(dc transferwebrtc.DataChannel))
	Close() error
}

// Factory creates a fresh peer connection for each negotiation attempt.
type Factory func() (PeerConnection, error)

// PionFactory returns a Factory backed by pion/webrtc.
func PionFactory(cfg webrtc.Configuration) Factory {
	return func() (PeerConnection, error) {
		pc, err := transferwebrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionPeer{pc: pc}, nil
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateDataChannel(label string, init *webrtc.DataChannelInit) (transferwebrtc.DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) OnICECandidate(f func(c *webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(s webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) OnDataChannel(f func(dc transferwebrtc.DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) { f(dc) })
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
