// Package wsclient connects a participant to the room server and exposes the
// room as a msgchan.Channel.
package wsclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sheerbytes/callfiles/internal/msgchan"
	"github.com/sheerbytes/callfiles/pkg/protocol"
)

// Channel is the messaging channel of one room connection.
type Channel struct {
	msgchan.Registry
	conn    *Conn
	localID string
	logger  *slog.Logger
}

var _ msgchan.Channel = (*Channel)(nil)

// NewChannel wraps conn. Events are delivered once Run is called.
func NewChannel(conn *Conn, localID string, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{conn: conn, localID: localID, logger: logger}
}

// LocalID implements msgchan.Channel.
func (c *Channel) LocalID() string { return c.localID }

// Send implements msgchan.Channel.
func (c *Channel) Send(ctx context.Context, to string, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := protocol.NewAppEnvelope(to, msg)
	if err != nil {
		return err
	}
	env.From = c.localID
	if err := c.conn.Send(env); err != nil {
		return fmt.Errorf("%w: %w", msgchan.ErrClosed, err)
	}
	return nil
}

// Run reads from the server until the connection ends or ctx is cancelled.
// Handlers run on Run's goroutine, in arrival order. PresenceClosed is the last event.
func (c *Channel) Run(ctx context.Context) error {
	err := c.conn.ReadLoop(ctx, c.handleEnvelope)
	c.EmitPresence(msgchan.Presence{Kind: msgchan.PresenceClosed, PeerID: c.localID})
	return err
}

// Close closes the connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

func (c *Channel) handleEnvelope(env protocol.Envelope) {
	if err := env.ValidateBasic(); err != nil {
		c.logger.Warn("invalid envelope", "type", env.Type, "error", err)
		return
	}
	switch env.Type {
	case protocol.TypePeerList:
		var list protocol.PeerList
		if err := env.DecodePayload(&list); err != nil {
			c.logger.Warn("invalid peer list", "error", err)
			return
		}
		peers := make([]string, 0, len(list.Peers))
		for _, p := range list.Peers {
			if p.PeerID != c.localID {
				peers = append(peers, p.PeerID)
			}
		}
		c.EmitPresence(msgchan.Presence{Kind: msgchan.PresenceSelf, PeerID: c.localID, Peers: peers})
	case protocol.TypePeerJoined:
		var joined protocol.PeerJoined
		if err := env.DecodePayload(&joined); err != nil {
			c.logger.Warn("invalid peer joined", "error", err)
			return
		}
		c.EmitPresence(msgchan.Presence{Kind: msgchan.PresenceJoined, PeerID: joined.Peer.PeerID})
	case protocol.TypePeerLeft:
		var left protocol.PeerLeft
		if err := env.DecodePayload(&left); err != nil {
			c.logger.Warn("invalid peer left", "error", err)
			return
		}
		c.EmitPresence(msgchan.Presence{Kind: msgchan.PresenceLeft, PeerID: left.PeerID})
	case protocol.TypeAppMessage:
		msg, err := protocol.Decode(env.Payload)
		if err != nil {
			c.logger.Debug("app message dropped", "from", env.From, "error", err)
			return
		}
		c.EmitMessage(msgchan.Message{From: env.From, To: env.To, Payload: msg})
	case protocol.TypeError:
		var e protocol.Error
		if err := env.DecodePayload(&e); err == nil {
			c.logger.Warn("server error", "code", e.Code, "message", e.Message)
		}
	default:
		c.logger.Debug("ignoring envelope", "type", env.Type)
	}
}
