// Package signaling establishes the single peer connection of a call by exchanging
// offer, answer and ice messages over the messaging channel.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/sheerbytes/callfiles/internal/msgchan"
	"github.com/sheerbytes/callfiles/internal/transferwebrtc"
	"github.com/sheerbytes/callfiles/internal/xferr"
	"github.com/sheerbytes/callfiles/pkg/protocol"
)

// MaxPendingCandidates bounds the candidates buffered before a remote description exists.
const MaxPendingCandidates = 64

// State is the lifecycle of the call's peer connection.
type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type role int

const (
	roleNone role = iota
	roleCaller
	roleAnswerer
)

// Config configures a Negotiator.
type Config struct {
	Channel   msgchan.Channel
	NewPeer   Factory
	Transport transferwebrtc.Config
	Logger    *slog.Logger

	// OnFrame receives every inbound data channel message with the remote participant id.
	// It is installed before the channel opens so no frame is missed.
	OnFrame func(from string, msg protocol.Message)
	// OnReady runs when the file data channel is open.
	OnReady func(ch *transferwebrtc.Channel)
	// OnDown runs when a ready or negotiating connection is torn down.
	OnDown func(err error)
}

// Negotiator owns at most one peer connection per call.
type Negotiator struct {
	cfg    Config
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pc        PeerConnection
	role      role
	remote    string
	state     State
	remoteSet bool
	answered  bool
	pending   []webrtc.ICECandidateInit
	channel   *transferwebrtc.Channel
	open      bool
}

// New creates a negotiator. It does nothing until an Initiate or On* call.
func New(cfg Config) *Negotiator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Negotiator{
		cfg:    cfg,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		remote: protocol.Broadcast,
	}
}

// State returns the current connection state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Channel returns the open data channel, or nil.
func (n *Negotiator) Channel() *transferwebrtc.Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.open {
		return nil
	}
	return n.channel
}

// Connected reports whether the direct route can carry a transfer now.
func (n *Negotiator) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == StateConnected && n.open && n.channel.Err() == nil
}

// Remote returns the participant on the other end, or protocol.Broadcast before it is known.
func (n *Negotiator) Remote() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remote
}

// InitiateAsCaller creates the peer connection and the "files" data channel and
// publishes an offer to to ("" broadcasts it).
func (n *Negotiator) InitiateAsCaller(ctx context.Context, to string) error {
	if to == "" {
		to = protocol.Broadcast
	}
	n.mu.Lock()
	if n.pc != nil {
		n.mu.Unlock()
		return fmt.Errorf("%w: connection already exists", xferr.ErrSignaling)
	}
	if err := n.createPeerLocked(roleCaller); err != nil {
		n.mu.Unlock()
		return err
	}
	n.remote = to

	dc, err := n.pc.CreateDataChannel(transferwebrtc.Label, transferwebrtc.DataChannelInit())
	if err != nil {
		n.mu.Unlock()
		return n.abort(fmt.Errorf("%w: create data channel: %w", xferr.ErrSignaling, err))
	}
	n.attachLocked(dc)

	offer, err := n.pc.CreateOffer()
	if err == nil {
		err = n.pc.SetLocalDescription(offer)
	}
	if err != nil {
		n.mu.Unlock()
		return n.abort(fmt.Errorf("%w: create offer: %w", xferr.ErrSignaling, err))
	}
	n.mu.Unlock()

	n.log.Debug("publishing offer", "to", to)
	if err := n.cfg.Channel.Send(ctx, to, protocol.Offer{SDP: offer.SDP}); err != nil {
		return n.abort(fmt.Errorf("%w: publish offer: %w", xferr.ErrSignaling, err))
	}
	return nil
}

// InitiateAsAnswerer creates a peer connection that waits for an offer. It is idempotent.
func (n *Negotiator) InitiateAsAnswerer(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc != nil {
		return nil
	}
	return n.createPeerLocked(roleAnswerer)
}

// OnOffer applies a remote offer and answers it. One offer is accepted per attempt.
func (n *Negotiator) OnOffer(ctx context.Context, from, sdp string) error {
	n.mu.Lock()
	if n.answered || n.role == roleCaller {
		n.mu.Unlock()
		return fmt.Errorf("%w: unexpected offer from %s", xferr.ErrSignaling, from)
	}
	if n.pc == nil {
		if err := n.createPeerLocked(roleAnswerer); err != nil {
			n.mu.Unlock()
			return err
		}
	}
	n.remote = from

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		n.mu.Unlock()
		return n.abort(fmt.Errorf("%w: apply offer: %w", xferr.ErrSignaling, err))
	}
	n.remoteSet = true
	n.answered = true

	answer, err := n.pc.CreateAnswer()
	if err == nil {
		err = n.pc.SetLocalDescription(answer)
	}
	if err != nil {
		n.mu.Unlock()
		return n.abort(fmt.Errorf("%w: create answer: %w", xferr.ErrSignaling, err))
	}
	n.replayLocked()
	n.mu.Unlock()

	n.log.Debug("publishing answer", "to", from)
	if err := n.cfg.Channel.Send(ctx, from, protocol.Answer{SDP: answer.SDP}); err != nil {
		return n.abort(fmt.Errorf("%w: publish answer: %w", xferr.ErrSignaling, err))
	}
	return nil
}

// OnAnswer applies the answer to a pending offer.
func (n *Negotiator) OnAnswer(ctx context.Context, from, sdp string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil || n.role != roleCaller || n.remoteSet {
		return fmt.Errorf("%w: no pending offer for answer from %s", xferr.ErrSignaling, from)
	}
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("%w: apply answer: %w", xferr.ErrSignaling, err)
	}
	n.remoteSet = true
	if n.remote == protocol.Broadcast {
		n.remote = from
	}
	n.replayLocked()
	return nil
}

// OnCandidate adds a remote candidate, buffering it until the remote description is set.
func (n *Negotiator) OnCandidate(ctx context.Context, from string, c protocol.ICE) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil || !n.remoteSet {
		if len(n.pending) == MaxPendingCandidates {
			n.log.Warn("candidate buffer full, dropping oldest", "from", from)
			n.pending = n.pending[1:]
		}
		n.pending = append(n.pending, init)
		return nil
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: add candidate: %w", xferr.ErrSignaling, err)
	}
	return nil
}

// Pending returns the number of buffered remote candidates.
func (n *Negotiator) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Close tears the connection down. It is idempotent; a new attempt may follow.
func (n *Negotiator) Close() error {
	n.teardown(StateClosed, nil)
	return nil
}

// Shutdown closes the connection and stops background work for good.
func (n *Negotiator) Shutdown() {
	n.Close()
	n.cancel()
}

func (n *Negotiator) createPeerLocked(r role) error {
	pc, err := n.cfg.NewPeer()
	if err != nil {
		return fmt.Errorf("%w: create peer connection: %w", xferr.ErrSignaling, err)
	}
	n.pc = pc
	n.role = r
	n.state = StateNegotiating
	n.remoteSet = false
	n.answered = false

	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c != nil {
			n.publishCandidate(pc, *c)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.handleState(pc, s)
	})
	pc.OnDataChannel(func(dc transferwebrtc.DataChannel) {
		if dc.Label() != transferwebrtc.Label {
			n.log.Debug("ignoring data channel", "label", dc.Label())
			dc.Close()
			return
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.pc != pc {
			dc.Close()
			return
		}
		n.attachLocked(dc)
	})
	return nil
}

func (n *Negotiator) replayLocked() {
	for _, c := range n.pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.log.Warn("buffered candidate rejected", "error", err)
		}
	}
	n.pending = nil
}

func (n *Negotiator) publishCandidate(pc PeerConnection, c webrtc.ICECandidateInit) {
	n.mu.Lock()
	if n.pc != pc {
		n.mu.Unlock()
		return
	}
	to := n.remote
	n.mu.Unlock()

	msg := protocol.ICE{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := n.cfg.Channel.Send(n.ctx, to, msg); err != nil {
		n.log.Warn("publish candidate failed", "to", to, "error", err)
	}
}

func (n *Negotiator) attachLocked(dc transferwebrtc.DataChannel) {
	ch := transferwebrtc.New(dc, n.cfg.Transport)
	n.channel = ch
	n.open = false
	if n.cfg.OnFrame != nil {
		ch.OnMessage(func(m protocol.Message) { n.cfg.OnFrame(n.Remote(), m) })
	}
	ch.OnClosed(func(err error) { n.channelDown(ch, err) })
	go func() {
		if err := ch.WaitOpen(n.ctx); err != nil {
			return
		}
		n.channelOpen(ch)
	}()
}

func (n *Negotiator) channelOpen(ch *transferwebrtc.Channel) {
	n.mu.Lock()
	if n.channel != ch {
		n.mu.Unlock()
		return
	}
	n.open = true
	n.mu.Unlock()

	n.log.Info("direct channel open", "label", transferwebrtc.Label)
	if n.cfg.OnReady != nil {
		n.cfg.OnReady(ch)
	}
}

func (n *Negotiator) channelDown(ch *transferwebrtc.Channel, err error) {
	n.mu.Lock()
	if n.channel != ch {
		n.mu.Unlock()
		return
	}
	n.channel = nil
	n.open = false
	n.mu.Unlock()

	n.log.Warn("direct channel closed", "error", err)
	if n.cfg.OnDown != nil {
		n.cfg.OnDown(err)
	}
}

func (n *Negotiator) handleState(pc PeerConnection, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		n.mu.Lock()
		if n.pc == pc && n.state == StateNegotiating {
			n.state = StateConnected
			n.log.Info("peer connection connected", "remote", n.remote)
		}
		n.mu.Unlock()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		n.mu.Lock()
		current := n.pc == pc
		n.mu.Unlock()
		if current {
			n.teardown(StateFailed, fmt.Errorf("%w: peer connection %s", xferr.ErrTransport, s))
		}
	}
}

// abort tears down the current attempt and returns err.
func (n *Negotiator) abort(err error) error {
	n.teardown(StateFailed, err)
	return err
}

func (n *Negotiator) teardown(final State, cause error) {
	n.mu.Lock()
	pc, ch := n.pc, n.channel
	if pc == nil {
		n.mu.Unlock()
		return
	}
	n.pc = nil
	n.channel = nil
	n.open = false
	n.role = roleNone
	n.remoteSet = false
	n.answered = false
	n.pending = nil
	n.remote = protocol.Broadcast
	n.state = final
	n.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	// pion may deliver this from its own callback goroutine
	go func() {
		if err := pc.Close(); err != nil {
			n.log.Debug("peer connection close", "error", err)
		}
	}()

	if cause == nil {
		cause = fmt.Errorf("%w: %w", xferr.ErrTransport, transferwebrtc.ErrClosed)
	} else if !errors.Is(cause, xferr.ErrTransport) {
		cause = fmt.Errorf("%w: %w", xferr.ErrTransport, cause)
	}
	n.log.Info("peer connection torn down", "state", final, "error", cause)
	if n.cfg.OnDown != nil {
		n.cfg.OnDown(cause)
	}
}
