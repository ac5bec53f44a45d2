package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// App message kinds. Every app message is a flat JSON object whose "kind" field
// selects one of these.
const (
	KindFileMeta         = "file-meta"
	KindFileChunk        = "file-chunk"
	KindFileEnd          = "file-end"
	KindFileSync         = "file-sync"
	KindFileSyncOutgoing = "file-sync-outgoing"
	KindFileListRequest  = "file-list-request"
	KindSecureFileMeta   = "secure-file-meta"
	KindOffer            = "offer"
	KindAnswer           = "answer"
	KindICE              = "ice"
)

// Message is implemented by every app message.
type Message interface {
	MsgKind() string
}

// FileMeta announces a file before its chunks.
type FileMeta struct {
	FileID      string `json:"fileId"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Size        uint64 `json:"size"`
	TotalChunks uint32 `json:"totalChunks"`
	ChunkSize   uint32 `json:"chunkSize"`
	SHA256      string `json:"sha256,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// FileChunk carries one slice of a file. Payload is base64 on the wire.
type FileChunk struct {
	FileID  string  `json:"fileId"`
	Index   uint32  `json:"index"`
	Payload []byte  `json:"payload"`
	CRC     *uint32 `json:"crc,omitempty"`
}

// FileEnd marks the end of a file's chunk sequence.
type FileEnd struct {
	FileID string `json:"fileId"`
}

// FileSync is a history record for a file the sender knows about.
// It never carries payload. Outgoing marks records about files the sender sent itself.
type FileSync struct {
	Outgoing  bool   `json:"-"`
	FileID    string `json:"fileId"`
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Size      uint64 `json:"size"`
	Timestamp int64  `json:"timestamp"`
	SenderID  string `json:"senderId"`
}

// FileListRequest asks every participant to resend its file history.
type FileListRequest struct {
	RequesterID string `json:"requesterId"`
	Timestamp   int64  `json:"timestamp"`
}

// SecureFileMeta points at an object uploaded through the storage fallback.
type SecureFileMeta struct {
	Key         string `json:"key"`
	DisplayName string `json:"displayName"`
	Size        uint64 `json:"size"`
	SHA256      string `json:"sha256"`
	URL         string `json:"url"`
	ExpiresAt   string `json:"expiresAt"`
	MimeType    string `json:"mime,omitempty"`
	Secret      string `json:"secret,omitempty"`
	SenderID    string `json:"senderId"`
	Timestamp   int64  `json:"timestamp"`
}

// Offer carries an SDP offer.
type Offer struct {
	SDP string `json:"sdp"`
}

// Answer carries an SDP answer.
type Answer struct {
	SDP string `json:"sdp"`
}

// ICE carries one trickled ICE candidate.
type ICE struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (FileMeta) MsgKind() string        { return KindFileMeta }
func (FileChunk) MsgKind() string       { return KindFileChunk }
func (FileEnd) MsgKind() string         { return KindFileEnd }
func (FileListRequest) MsgKind() string { return KindFileListRequest }
func (SecureFileMeta) MsgKind() string  { return KindSecureFileMeta }
func (Offer) MsgKind() string           { return KindOffer }
func (Answer) MsgKind() string          { return KindAnswer }
func (ICE) MsgKind() string             { return KindICE }

func (s FileSync) MsgKind() string {
	if s.Outgoing {
		return KindFileSyncOutgoing
	}
	return KindFileSync
}

// Encode marshals msg as a flat JSON object with a leading "kind" field.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MsgKind(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not an object", msg.MsgKind())
	}
	out := make([]byte, 0, len(body)+32)
	out = append(out, `{"kind":`...)
	out = strconv.AppendQuote(out, msg.MsgKind())
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// Decode parses a flat app message. Unknown kinds return an error wrapping the kind.
func Decode(data []byte) (Message, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode app message: %w", err)
	}

	switch head.Kind {
	case KindFileMeta:
		var m FileMeta
		err := json.Unmarshal(data, &m)
		return m, wrapDecode(head.Kind, err)
	case KindFileChunk:
		var m FileChunk
		err := json.Unmarshal(data, &m)
		return m, wrapDecode(head.Kind, err)
	case KindFileEnd:
		var m FileEnd
		err := json.Unmarshal(data, &m)
		return m, wrapDecode(head.Kind, err)
	case KindFileSync, KindFileSyncOutgoing:
		var m FileSync
		err := json.Unmarshal(data, &m)
		m.Outgoing = head.Kind == KindFileSyncOutgoing
		return m, wrapDecode(head.Kind, err)
	case KindFileListRequest:
		var m FileListRequest
		err := json.Unmarshal(data, &m)
		return m, wrapDecode(head.Kind, err)
	case KindSecureFileMeta:
		var m SecureFileMeta
		err := json.Unmarshal(data, &m)
		return m, wrapDecode(head.Kind, err)
	case KindOffer:
		var m Offer
		err := json.Unmarshal(data, &m)
		return m, wrapDecode(head.Kind, err)
	case KindAnswer:
		var m Answer
		err := json.Unmarshal(data, &m)
		return m, wrapDecode(head.Kind, err)
	case KindICE:
		var m ICE
		err := json.Unmarshal(data, &m)
		return m, wrapDecode(head.Kind, err)
	case "":
		return nil, fmt.Errorf("decode app message: missing kind")
	default:
		return nil, fmt.Errorf("decode app message: unknown kind %q", head.Kind)
	}
}

func wrapDecode(kind string, err error) error {
	if err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}
