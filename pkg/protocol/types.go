package protocol

// Envelope types exchanged with the room server.
const (
	TypeError      = "error"
	TypePeerList   = "peer_list"
	TypePeerJoined = "peer_joined"
	TypePeerLeft   = "peer_left"
	TypeAppMessage = "app_message"
)

// Broadcast is the recipient address that targets every other participant.
const Broadcast = "*"
