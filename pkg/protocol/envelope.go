package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const ProtocolVersion = 1

// Envelope wraps every message exchanged with the room server.
// App messages carry a flat file or signaling message (see Encode) as payload.
type Envelope struct {
	V         int             `json:"v"`
	Type      string          `json:"type"`
	MsgID     string          `json:"msg_id"`
	SessionID string          `json:"session_id,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope of the given type with a JSON encoded payload.
func NewEnvelope(msgType, msgID string, payload any) (Envelope, error) {
	var rawPayload json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		rawPayload = b
	}

	return Envelope{
		V:       ProtocolVersion,
		Type:    msgType,
		MsgID:   msgID,
		Payload: rawPayload,
	}, nil
}

// NewAppEnvelope wraps an app message addressed to a participant or to Broadcast.
func NewAppEnvelope(to string, msg Message) (Envelope, error) {
	raw, err := Encode(msg)
	if err != nil {
		return Envelope{}, err
	}
	if to == "" {
		to = Broadcast
	}
	return Envelope{
		V:       ProtocolVersion,
		Type:    TypeAppMessage,
		MsgID:   NewMsgID(),
		To:      to,
		Payload: raw,
	}, nil
}

// DecodePayload unmarshals the envelope's payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("payload is empty")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ValidateBasic checks version, type and message id.
func (e Envelope) ValidateBasic() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got %d, expected %d", e.V, ProtocolVersion)
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	if e.MsgID == "" {
		return errors.New("msg_id is required")
	}
	if e.Type == TypeAppMessage && len(e.Payload) == 0 {
		return errors.New("app message without payload")
	}
	return nil
}

// NewMsgID generates a random 16-character hex string for message identification.
func NewMsgID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}
