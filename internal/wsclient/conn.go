package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/callfiles/pkg/protocol"
)

// ErrClosed is returned by Send after Close or a write failure.
var ErrClosed = errors.New("connection closed")

// Conn represents a WebSocket connection to the room server.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan protocol.Envelope
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	writeMu  sync.Mutex
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// BuildURL returns the room server's WebSocket URL for a participant.
func BuildURL(serverURL, joinCode, peerID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}

	scheme := "ws"
	if strings.EqualFold(u.Scheme, "https") || strings.EqualFold(u.Scheme, "wss") {
		scheme = "wss"
	}

	query := url.Values{}
	query.Set("join_code", joinCode)
	query.Set("peer_id", peerID)

	wsURL := url.URL{
		Scheme:   scheme,
		Host:     u.Host,
		Path:     "/ws",
		RawQuery: query.Encode(),
	}
	return wsURL.String(), nil
}

// Dial establishes a WebSocket connection to the server.
// wsURL should be the full WebSocket URL including path and query parameters.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan protocol.Envelope, 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	// Start writer goroutine for serialized writes
	go c.writeLoop()

	return c, nil
}

// ReadLoop reads messages from the WebSocket connection and calls onEnv for each envelope.
// Returns when the connection is closed or context is cancelled.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		<-loopCtx.Done()
		// Closing the connection forces ReadMessage() to unblock instantly
		c.conn.Close()
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		onEnv(env)
	}
}

// Send queues an envelope. Writes are serialized by a single writer goroutine.
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.quit:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendChan <- env:
		return nil
	case <-c.quit:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
}

// writeLoop handles serialized writes to the WebSocket connection.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			c.flush()
			return
		case env := <-c.sendChan:
			if err := c.write(env); err != nil {
				c.logger.Error("websocket write error", "error", err)
				return
			}
		}
	}
}

// flush writes whatever is still queued.
func (c *Conn) flush() {
	for {
		select {
		case env := <-c.sendChan:
			if err := c.write(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(env)
}

// Close flushes queued envelopes and closes the WebSocket connection. It is idempotent.
func (c *Conn) Close() error {
	c.quitOnce.Do(func() { close(c.quit) })
	<-c.done
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
