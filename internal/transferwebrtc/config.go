package transferwebrtc

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Label is the data channel label both peers use for file frames.
const Label = "files"

// PeerConnectionConfig returns a WebRTC configuration with one ICE server entry per URL.
// URLs are validated when the configuration is parsed.
func PeerConnectionConfig(iceServers []string) webrtc.Configuration {
	var servers []webrtc.ICEServer
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{
		ICEServers: servers,
	}
}

// DataChannelInit returns the options for the file data channel:
// ordered delivery with at most three retransmissions per message.
func DataChannelInit() *webrtc.DataChannelInit {
	ordered := true
	retransmits := uint16(3)
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	}
}

// DefaultSettingEngine returns a SettingEngine that reports a dead path quickly
// so direct transfers fail instead of hanging.
func DefaultSettingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(5*time.Second, 15*time.Second, 2*time.Second)
	return se
}

// NewPeerConnection creates a new PeerConnection with default settings.
func NewPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error) {
	se := DefaultSettingEngine()

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(config)
}
