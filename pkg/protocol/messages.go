package protocol

// Error is sent by the server before it drops a connection.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PeerInfo identifies a participant in a room.
type PeerInfo struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name,omitempty"`
}

// PeerList is sent to a participant right after it joins.
type PeerList struct {
	Self  string     `json:"self"`
	Peers []PeerInfo `json:"peers"`
}

// PeerJoined announces a new participant to the room.
type PeerJoined struct {
	Peer PeerInfo `json:"peer"`
}

// PeerLeft announces a departed participant.
type PeerLeft struct {
	PeerID string `json:"peer_id"`
}
