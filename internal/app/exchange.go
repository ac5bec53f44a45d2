// Package app wires the transfer engine, its transports and the fallback path
// into one Exchange per call.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/callfiles/internal/appstate"
	"github.com/sheerbytes/callfiles/internal/audit"
	"github.com/sheerbytes/callfiles/internal/blobstore"
	"github.com/sheerbytes/callfiles/internal/callctx"
	"github.com/sheerbytes/callfiles/internal/config"
	"github.com/sheerbytes/callfiles/internal/fallback"
	"github.com/sheerbytes/callfiles/internal/msgchan"
	"github.com/sheerbytes/callfiles/internal/relay"
	"github.com/sheerbytes/callfiles/internal/signaling"
	"github.com/sheerbytes/callfiles/internal/transfer"
	"github.com/sheerbytes/callfiles/internal/transferwebrtc"
	"github.com/sheerbytes/callfiles/internal/xferr"
	"github.com/sheerbytes/callfiles/pkg/protocol"
)

// RouteFallback labels files shared through the storage fallback.
const RouteFallback = transfer.RouteFallback

const auditTimeout = 10 * time.Second

// Config configures an Exchange.
type Config struct {
	Call     *callctx.Context
	Channel  msgchan.Channel
	Transfer config.TransferConfig
	Store    blobstore.Store   // nil keeps received files in memory
	NewPeer  signaling.Factory // nil disables the direct route
	Fallback *fallback.Path    // nil disables the storage fallback
	Audit    *audit.Logger     // nil disables audit reporting
	Logger   *slog.Logger

	OnCompleted   func(transfer.CompletedFile)
	OnFailed      func(transfer.FailedTransfer)
	OnProgress    func(transfer.OutgoingTransfer)
	OnSecureFile  func(fallback.Record)
	OnDirectReady func(remote string)
}

// SendResult describes where a file went.
type SendResult struct {
	Route  transfer.Route
	Meta   transfer.Metadata
	Secure *fallback.Record // set for RouteFallback
}

// Exchange is the file transfer feature of one call.
type Exchange struct {
	cfg        Config
	log        *slog.Logger
	localID    string
	engine     *transfer.Engine
	relay      *relay.Relay
	negotiator *signaling.Negotiator
	roster     *appstate.Roster

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	closed      bool
	unsubscribe []func()
	secure      []fallback.Record
}

// NewExchange builds an Exchange. Nothing is received until Start.
func NewExchange(cfg Config) (*Exchange, error) {
	if cfg.Call == nil || cfg.Channel == nil {
		return nil, errors.New("exchange requires a call context and a messaging channel")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := cfg.Transfer
	ctx, cancel := context.WithCancel(context.Background())
	e := &Exchange{
		cfg:     cfg,
		log:     logger,
		localID: cfg.Channel.LocalID(),
		ctx:     ctx,
		cancel:  cancel,
	}

	e.engine = transfer.NewEngine(transfer.Config{
		LocalID: e.localID,
		Routes: map[transfer.Route]transfer.RouteLimits{
			transfer.RouteDirect: {ChunkSize: t.DirectChunkSize, MaxBytes: t.DirectMaxBytes, ChunkCRC: t.DirectChunkCRC},
			transfer.RouteRelay:  {ChunkSize: t.RelayChunkSize, MaxBytes: t.RelayMaxBytes, ChunkCRC: t.RelayChunkCRC},
		},
		Store:       cfg.Store,
		Logger:      logger.With("component", "transfer"),
		OnCompleted: e.handleCompleted,
		OnFailed:    e.handleFailed,
		OnProgress:  cfg.OnProgress,
	})
	e.relay = relay.New(relay.Config{
		Channel:           cfg.Channel,
		Engine:            e.engine,
		Logger:            logger.With("component", "relay"),
		Pacing:            t.RelayPacing,
		SettleDelay:       t.SettleDelay,
		ListRequestDelays: t.ListRequestDelays,
	})
	if cfg.NewPeer != nil {
		e.negotiator = signaling.New(signaling.Config{
			Channel:   cfg.Channel,
			NewPeer:   cfg.NewPeer,
			Transport: transferwebrtc.Config{LowWaterMark: t.LowWaterMark, Logger: logger},
			Logger:    logger.With("component", "signaling"),
			OnFrame: func(from string, m protocol.Message) {
				if t.Enabled {
					e.engine.Handle(from, transfer.RouteDirect, m)
				}
			},
			OnReady: func(*transferwebrtc.Channel) {
				if cfg.OnDirectReady != nil {
					cfg.OnDirectReady(e.negotiator.Remote())
				}
			},
			OnDown: func(err error) {
				e.engine.AbortRoute(transfer.RouteDirect, err)
			},
		})
	}
	e.roster = appstate.NewRoster(func(peerID string) {
		if t.Enabled {
			e.relay.HandleParticipantJoined(peerID)
		}
	})
	return e, nil
}

// Start subscribes to the messaging channel and asks the call for its file history.
func (e *Exchange) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: exchange closed", xferr.ErrTransport)
	}
	if e.started {
		return nil
	}
	e.started = true
	e.unsubscribe = append(e.unsubscribe,
		e.cfg.Channel.OnMessage(e.dispatch),
		e.cfg.Channel.OnPresence(e.handlePresence),
	)

	if e.cfg.Transfer.Enabled {
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			if err := e.relay.RequestFileList(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Warn("file list request failed", "error", err)
			}
		}()
	}
	e.log.Info("file exchange started", "participant", e.localID, "enabled", e.cfg.Transfer.Enabled)
	return nil
}

func (e *Exchange) dispatch(m msgchan.Message) {
	if m.From == e.localID {
		return
	}
	switch p := m.Payload.(type) {
	case protocol.Offer:
		if e.negotiator == nil {
			return
		}
		if err := e.negotiator.OnOffer(e.ctx, m.From, p.SDP); err != nil {
			e.log.Warn("offer rejected", "from", m.From, "error", err)
		}
	case protocol.Answer:
		if e.negotiator == nil {
			return
		}
		if err := e.negotiator.OnAnswer(e.ctx, m.From, p.SDP); err != nil {
			e.log.Warn("answer rejected", "from", m.From, "error", err)
		}
	case protocol.ICE:
		if e.negotiator == nil {
			return
		}
		if err := e.negotiator.OnCandidate(e.ctx, m.From, p); err != nil {
			e.log.Debug("candidate rejected", "from", m.From, "error", err)
		}
	case protocol.SecureFileMeta:
		if e.cfg.Transfer.Enabled {
			e.handleSecureFile(m.From, p)
		}
	default:
		if e.cfg.Transfer.Enabled {
			e.relay.HandleMessage(m)
		}
	}
}

func (e *Exchange) handleSecureFile(from string, p protocol.SecureFileMeta) {
	rec, err := fallback.RecordFromMessage(from, p)
	if err != nil {
		e.log.Warn("secure file meta dropped", "from", from, "error", err)
		return
	}
	e.mu.Lock()
	for _, r := range e.secure {
		if r.Key == rec.Key {
			e.mu.Unlock()
			return
		}
	}
	e.secure = append(e.secure, rec)
	e.mu.Unlock()

	e.log.Info("secure file announced", "from", from, "key", rec.Key, "size", rec.Size)
	if e.cfg.OnSecureFile != nil {
		e.cfg.OnSecureFile(rec)
	}
}

func (e *Exchange) handlePresence(p msgchan.Presence) {
	e.roster.Apply(p)
	switch p.Kind {
	case msgchan.PresenceLeft:
		if e.negotiator != nil && e.negotiator.Remote() == p.PeerID {
			e.negotiator.Close()
		}
	case msgchan.PresenceClosed:
		e.endCall()
	}
	e.log.Debug("presence", "kind", p.Kind, "peer", p.PeerID, "roster", e.roster.Summary())
}

// endCall drops every transfer of the call once the local participant left it.
// The Exchange stays subscribed until Close.
func (e *Exchange) endCall() {
	if e.negotiator != nil {
		e.negotiator.Close()
	}
	e.relay.Close()
	e.mu.Lock()
	e.secure = nil
	e.mu.Unlock()
	if err := e.engine.Reset(); err != nil {
		e.log.Warn("releasing received files failed", "error", err)
	}
	e.log.Info("call ended, transfers released")
}

func (e *Exchange) handleCompleted(c transfer.CompletedFile) {
	e.record(audit.Event{
		SenderID:   c.From,
		ReceiverID: e.localID,
		FileName:   c.Meta.Name,
		FileSize:   c.Meta.Size,
		Status:     audit.StatusReceived,
	})
	if e.cfg.OnCompleted != nil {
		e.cfg.OnCompleted(c)
	}
}

func (e *Exchange) handleFailed(f transfer.FailedTransfer) {
	e.record(audit.Event{
		SenderID:   f.From,
		ReceiverID: e.localID,
		FileName:   f.Meta.Name,
		FileSize:   f.Meta.Size,
		Status:     audit.StatusFailed,
	})
	if e.cfg.OnFailed != nil {
		e.cfg.OnFailed(f)
	}
}

// record reports an audit event in the background.
func (e *Exchange) record(ev audit.Event) {
	if e.cfg.Audit == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.bg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		e.cfg.Audit.Record(ctx, ev)
	}()
}

// ConnectDirect starts a peer connection to the participant to as the caller.
func (e *Exchange) ConnectDirect(ctx context.Context, to string) error {
	if e.negotiator == nil {
		return fmt.Errorf("%w: direct route not configured", xferr.ErrSignaling)
	}
	return e.negotiator.InitiateAsCaller(ctx, to)
}

// DirectConnected reports whether the direct route is usable.
func (e *Exchange) DirectConnected() bool {
	return e.negotiator != nil && e.negotiator.Connected()
}

func (e *Exchange) directFor(to string, size uint64) *transferwebrtc.Channel {
	if e.negotiator == nil || !e.negotiator.Connected() {
		return nil
	}
	if limit := e.cfg.Transfer.DirectMaxBytes; limit > 0 && size > limit {
		return nil
	}
	remote := e.negotiator.Remote()
	switch {
	case to == remote:
	case to == protocol.Broadcast && e.roster.Count() <= 1:
	default:
		return nil
	}
	return e.negotiator.Channel()
}

// SendFile sends file to a participant or to protocol.Broadcast ("" broadcasts).
// The direct route is used when it is connected to the recipient and the file fits,
// then the relay, then the storage fallback.
func (e *Exchange) SendFile(ctx context.Context, file transfer.File, to string) (SendResult, error) {
	if !e.cfg.Transfer.Enabled {
		return SendResult{}, xferr.ErrDisabled
	}
	if to == "" {
		to = protocol.Broadcast
	}
	size := uint64(len(file.Data))

	res, err := e.send(ctx, file, to, size)
	status := audit.StatusSent
	if err != nil {
		status = audit.StatusFailed
		e.log.Warn("file send failed", "route", res.Route, "to", to, "size", size, "error", err)
	} else {
		e.log.Info("file sent", "route", res.Route, "to", to, "size", size)
	}
	if !errors.Is(err, xferr.ErrDisabled) {
		e.record(audit.Event{SenderID: e.localID, ReceiverID: to, FileName: file.Name, FileSize: size, Status: status})
	}
	return res, err
}

func (e *Exchange) send(ctx context.Context, file transfer.File, to string, size uint64) (SendResult, error) {
	if ch := e.directFor(to, size); ch != nil {
		meta, err := e.engine.Send(ctx, ch, file)
		return SendResult{Route: transfer.RouteDirect, Meta: meta}, err
	}
	if limit := e.cfg.Transfer.RelayMaxBytes; limit == 0 || size <= limit {
		meta, err := e.relay.Send(ctx, file, to)
		return SendResult{Route: transfer.RouteRelay, Meta: meta}, err
	}

	res := SendResult{Route: RouteFallback}
	fb := e.cfg.Fallback
	if fb == nil || !fb.Enabled() || !e.cfg.Transfer.FallbackEnabled {
		return res, fmt.Errorf("%w: %d bytes exceeds the %d byte relay limit", xferr.ErrPolicy, size, e.cfg.Transfer.RelayMaxBytes)
	}
	ok, err := fb.Available(ctx)
	if err != nil {
		return res, err
	}
	if !ok {
		return res, fmt.Errorf("%w: storage fallback unavailable", xferr.ErrDisabled)
	}
	meta, done := e.engine.Track(RouteFallback, file)
	res.Meta = meta
	rec, err := fb.Send(ctx, file, to)
	done(err)
	if err != nil {
		return res, err
	}
	e.mu.Lock()
	e.secure = append(e.secure, rec)
	e.mu.Unlock()
	res.Secure = &rec
	return res, nil
}

// Completed returns received files and history placeholders.
func (e *Exchange) Completed() []transfer.CompletedFile { return e.engine.Completed() }

// Outgoing returns every file this participant sent.
func (e *Exchange) Outgoing() []transfer.OutgoingTransfer { return e.engine.Outgoing() }

// Roster returns the call's participant roster.
func (e *Exchange) Roster() *appstate.Roster { return e.roster }

// SecureFiles returns the files shared through storage, sent and received.
func (e *Exchange) SecureFiles() []fallback.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]fallback.Record, len(e.secure))
	copy(out, e.secure)
	return out
}

func (e *Exchange) secureFile(key string) (fallback.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.secure {
		if r.Key == key {
			return r, true
		}
	}
	return fallback.Record{}, false
}

// DownloadSecureFile fetches and verifies a file shared through storage.
func (e *Exchange) DownloadSecureFile(ctx context.Context, key string) ([]byte, error) {
	rec, ok := e.secureFile(key)
	if !ok {
		return nil, fmt.Errorf("%w: unknown secure file %s", xferr.ErrDownload, key)
	}
	if e.cfg.Fallback == nil {
		return nil, fmt.Errorf("%w: storage fallback", xferr.ErrDisabled)
	}
	data, err := e.cfg.Fallback.Download(ctx, rec)
	if err != nil {
		e.record(audit.Event{SenderID: rec.SenderID, ReceiverID: e.localID, FileName: rec.DisplayName, FileSize: rec.Size, Status: audit.StatusFailed})
		return nil, err
	}
	e.record(audit.Event{SenderID: rec.SenderID, ReceiverID: e.localID, FileName: rec.DisplayName, FileSize: rec.Size, Status: audit.StatusReceived})
	return data, nil
}

// DeleteSecureFile removes an uploaded object early and forgets it.
func (e *Exchange) DeleteSecureFile(ctx context.Context, key string) error {
	if e.cfg.Fallback == nil {
		return fmt.Errorf("%w: storage fallback", xferr.ErrDisabled)
	}
	if err := e.cfg.Fallback.DeleteEarly(ctx, key); err != nil {
		e.log.Warn("early delete failed", "key", key, "error", err)
		return err
	}
	e.mu.Lock()
	for i, r := range e.secure {
		if r.Key == key {
			e.secure = append(e.secure[:i], e.secure[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	return nil
}

// Close unsubscribes, tears the direct route down, stops timers and releases
// every received file. It is idempotent.
func (e *Exchange) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.secure = nil
	e.mu.Unlock()

	for _, u := range unsubscribe {
		u()
	}
	e.relay.Close()
	if e.negotiator != nil {
		e.negotiator.Shutdown()
	}
	e.cancel()
	e.bg.Wait()
	return e.engine.Reset()
}
