// Package transferwebrtc carries file protocol frames over a WebRTC data channel
// and applies buffered-amount backpressure.
package transferwebrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/sheerbytes/callfiles/internal/transfer"
	"github.com/sheerbytes/callfiles/internal/xferr"
	"github.com/sheerbytes/callfiles/pkg/protocol"
)

// DefaultLowWaterMark is the buffered amount below which sending resumes.
const DefaultLowWaterMark = 1_000_000

// ErrClosed is wrapped by every error from a closed channel.
var ErrClosed = errors.New("data channel closed")

// DataChannel is the part of *webrtc.DataChannel the transport uses.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnOpen(f func())
	OnClose(f func())
	OnError(f func(err error))
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnBufferedAmountLow(f func())
	Close() error
}

var _ DataChannel = (*webrtc.DataChannel)(nil)

// Config holds data channel transport configuration.
type Config struct {
	// LowWaterMark is both the drain threshold and the buffered amount AwaitDrain waits for.
	// Default: 1,000,000 bytes
	LowWaterMark uint64

	// Logger for debug output.
	Logger *slog.Logger
}

// Channel wraps the file data channel. It implements transfer.Sink on the direct route.
type Channel struct {
	dc       DataChannel
	lowWater uint64
	logger   *slog.Logger

	mu       sync.Mutex
	closed   bool
	fatal    error
	drained  chan struct{} // closed and replaced on every buffered-amount-low event
	done     chan struct{}
	openCh   chan struct{}
	openOnce sync.Once
	onMsg    func(protocol.Message)
	onClose  []func(error)
}

var _ transfer.Sink = (*Channel)(nil)

// New wraps dc and installs its event handlers.
func New(dc DataChannel, cfg Config) *Channel {
	if cfg.LowWaterMark == 0 {
		cfg.LowWaterMark = DefaultLowWaterMark
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		dc:       dc,
		lowWater: cfg.LowWaterMark,
		logger:   logger,
		drained:  make(chan struct{}),
		done:     make(chan struct{}),
		openCh:   make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(cfg.LowWaterMark)
	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.openCh) })
	})
	dc.OnBufferedAmountLow(func() {
		c.mu.Lock()
		close(c.drained)
		c.drained = make(chan struct{})
		c.mu.Unlock()
	})
	dc.OnMessage(c.handleMessage)
	dc.OnError(func(err error) {
		c.logger.Warn("data channel error", "label", dc.Label(), "error", err)
		c.shutdown(err)
	})
	dc.OnClose(func() {
		c.shutdown(ErrClosed)
	})
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.openOnce.Do(func() { close(c.openCh) })
	}
	return c
}

// OnMessage sets the handler for inbound frames. Frames are delivered in arrival order.
func (c *Channel) OnMessage(h func(protocol.Message)) {
	c.mu.Lock()
	c.onMsg = h
	c.mu.Unlock()
}

// OnClosed registers a callback that runs once when the channel closes or fails.
func (c *Channel) OnClosed(h func(error)) {
	c.mu.Lock()
	if c.closed {
		err := c.errLocked()
		c.mu.Unlock()
		h(err)
		return
	}
	c.onClose = append(c.onClose, h)
	c.mu.Unlock()
}

func (c *Channel) handleMessage(msg webrtc.DataChannelMessage) {
	decoded, err := protocol.Decode(msg.Data)
	if err != nil {
		c.logger.Debug("undecodable frame dropped", "label", c.dc.Label(), "error", err)
		return
	}
	c.mu.Lock()
	h := c.onMsg
	c.mu.Unlock()
	if h != nil {
		h(decoded)
	}
}

// WaitOpen blocks until the channel is open.
func (c *Channel) WaitOpen(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	case <-c.openCh:
		return nil
	}
}

// Route implements transfer.Sink.
func (c *Channel) Route() transfer.Route { return transfer.RouteDirect }

// Emit implements transfer.Sink: msg is encoded as one JSON text frame.
func (c *Channel) Emit(ctx context.Context, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.Send(ctx, frame)
}

// Pace implements transfer.Sink. It is AwaitDrain: the chunk size is fixed and
// the buffered amount is the only flow control on this route.
func (c *Channel) Pace(ctx context.Context) error {
	return c.AwaitDrain(ctx)
}

// Send enqueues a frame.
func (c *Channel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.Err(); err != nil {
		return err
	}
	if err := c.dc.SendText(string(frame)); err != nil {
		return xferr.Wrap(xferr.ErrTransport, fmt.Errorf("send on %s: %w", c.dc.Label(), err))
	}
	return nil
}

// AwaitDrain returns once the buffered amount is at or below the low-water mark.
func (c *Channel) AwaitDrain(ctx context.Context) error {
	for {
		c.mu.Lock()
		if err := c.errLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
		if c.dc.BufferedAmount() <= c.lowWater {
			c.mu.Unlock()
			return nil
		}
		drained := c.drained
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
		case <-drained:
		}
	}
}

// Err returns the terminal error, or nil while the channel is usable.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errLocked()
}

func (c *Channel) errLocked() error {
	if !c.closed {
		return nil
	}
	if errors.Is(c.fatal, ErrClosed) {
		return fmt.Errorf("%w: %w", xferr.ErrTransport, c.fatal)
	}
	return fmt.Errorf("%w: %w: %w", xferr.ErrTransport, ErrClosed, c.fatal)
}

func (c *Channel) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.fatal = cause
	close(c.done)
	subs := c.onClose
	c.onClose = nil
	err := c.errLocked()
	c.mu.Unlock()

	for _, h := range subs {
		h(err)
	}
}

// Close closes the data channel. Pending drains wake with a transport error.
func (c *Channel) Close() error {
	c.shutdown(ErrClosed)
	return c.dc.Close()
}
