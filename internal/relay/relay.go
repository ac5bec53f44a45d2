// Package relay runs the chunked file protocol over the messaging channel and
// keeps late joiners' file history in sync.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sheerbytes/callfiles/internal/msgchan"
	"github.com/sheerbytes/callfiles/internal/transfer"
	"github.com/sheerbytes/callfiles/pkg/protocol"
)

// DefaultMimeType is used for history entries that carry no type.
const DefaultMimeType = "application/octet-stream"

// Config configures a Relay.
type Config struct {
	Channel msgchan.Channel
	Engine  *transfer.Engine
	Logger  *slog.Logger

	// Pacing is the minimum interval between chunks; zero disables pacing.
	Pacing time.Duration
	// SettleDelay is how long to wait after a participant joins before syncing history.
	SettleDelay time.Duration
	// ListRequestDelays are offsets from RequestFileList at which a request is broadcast.
	ListRequestDelays []time.Duration

	// OnPlaceholder runs when a history record adds an entry.
	OnPlaceholder func(transfer.CompletedFile)
}

// Relay is the broadcast relay route of one call.
type Relay struct {
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// New creates a relay.
func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:    cfg,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[*time.Timer]struct{}),
	}
	if cfg.Pacing > 0 {
		r.limiter = rate.NewLimiter(rate.Every(cfg.Pacing), 1)
	}
	return r
}

type sink struct {
	r  *Relay
	to string
}

func (s sink) Route() transfer.Route { return transfer.RouteRelay }

func (s sink) Emit(ctx context.Context, msg protocol.Message) error {
	return s.r.cfg.Channel.Send(ctx, s.to, msg)
}

func (s sink) Pace(ctx context.Context) error {
	if s.r.limiter == nil {
		return ctx.Err()
	}
	return s.r.limiter.Wait(ctx)
}

// Sink returns the relay route addressed to to ("" broadcasts).
func (r *Relay) Sink(to string) transfer.Sink {
	if to == "" {
		to = protocol.Broadcast
	}
	return sink{r: r, to: to}
}

// Send transfers file to a participant or to everyone.
func (r *Relay) Send(ctx context.Context, file transfer.File, to string) (transfer.Metadata, error) {
	return r.cfg.Engine.Send(ctx, r.Sink(to), file)
}

// HandleMessage processes one inbound app message and reports whether it belonged to the relay.
func (r *Relay) HandleMessage(m msgchan.Message) bool {
	switch p := m.Payload.(type) {
	case protocol.FileMeta, protocol.FileChunk, protocol.FileEnd:
		return r.cfg.Engine.Handle(m.From, transfer.RouteRelay, p)
	case protocol.FileSync:
		r.handleSync(m.From, p)
		return true
	case protocol.FileListRequest:
		r.handleListRequest(p)
		return true
	default:
		return false
	}
}

func (r *Relay) handleSync(from string, p protocol.FileSync) {
	mime := p.Type
	if mime == "" {
		mime = DefaultMimeType
	}
	sender := p.SenderID
	if sender == "" {
		sender = from
	}
	meta := transfer.Metadata{
		FileID:    p.FileID,
		Name:      p.Name,
		MimeType:  mime,
		Size:      p.Size,
		SenderID:  sender,
		CreatedAt: time.UnixMilli(p.Timestamp),
	}
	if !r.cfg.Engine.AddPlaceholder(meta, from) {
		return
	}
	r.log.Debug("history entry added", "file_id", p.FileID, "from", from, "outgoing", p.Outgoing)
	if r.cfg.OnPlaceholder != nil {
		r.cfg.OnPlaceholder(transfer.CompletedFile{Meta: meta, From: from, Placeholder: true})
	}
}

func (r *Relay) handleListRequest(p protocol.FileListRequest) {
	local := r.cfg.Channel.LocalID()
	if p.RequesterID == "" || p.RequesterID == local {
		return
	}
	if err := r.SendSync(r.ctx, p.RequesterID); err != nil {
		r.log.Warn("file list reply failed", "to", p.RequesterID, "error", err)
	}
}

// HandleParticipantJoined syncs history to id once SettleDelay has passed.
// With no delay the sync runs before it returns.
func (r *Relay) HandleParticipantJoined(id string) {
	if id == "" || id == r.cfg.Channel.LocalID() {
		return
	}
	if r.cfg.SettleDelay <= 0 {
		if err := r.SendSync(r.ctx, id); err != nil {
			r.log.Warn("history sync failed", "to", id, "error", err)
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(r.cfg.SettleDelay, func() {
		r.mu.Lock()
		delete(r.timers, timer)
		r.mu.Unlock()
		if err := r.SendSync(r.ctx, id); err != nil {
			r.log.Warn("history sync failed", "to", id, "error", err)
		}
	})
	r.timers[timer] = struct{}{}
}

// SyncRecords returns one file-sync per completed file followed by one
// file-sync-outgoing per completed outgoing transfer.
func (r *Relay) SyncRecords() []protocol.FileSync {
	local := r.cfg.Channel.LocalID()
	var out []protocol.FileSync
	for _, c := range r.cfg.Engine.Completed() {
		out = append(out, protocol.FileSync{
			FileID:    c.Meta.FileID,
			Name:      c.Meta.Name,
			Type:      c.Meta.MimeType,
			Size:      c.Meta.Size,
			Timestamp: c.Meta.CreatedAt.UnixMilli(),
			SenderID:  local,
		})
	}
	for _, o := range r.cfg.Engine.Outgoing() {
		if o.Status != transfer.StatusCompleted || o.Route == transfer.RouteFallback {
			continue
		}
		out = append(out, protocol.FileSync{
			Outgoing:  true,
			FileID:    o.Meta.FileID,
			Name:      o.Meta.Name,
			Type:      o.Meta.MimeType,
			Size:      o.Meta.Size,
			Timestamp: o.Meta.CreatedAt.UnixMilli(),
			SenderID:  local,
		})
	}
	return out
}

// SendSync sends every sync record to id, falling back to broadcast when
// addressed delivery fails.
func (r *Relay) SendSync(ctx context.Context, id string) error {
	var errs []error
	for _, rec := range r.SyncRecords() {
		err := r.cfg.Channel.Send(ctx, id, rec)
		if err == nil {
			continue
		}
		r.log.Debug("addressed sync failed, broadcasting", "to", id, "file_id", rec.FileID, "error", err)
		if err := r.cfg.Channel.Send(ctx, protocol.Broadcast, rec); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", rec.FileID, err))
		}
	}
	return errors.Join(errs...)
}

// RequestFileList broadcasts a file-list-request at each configured delay and
// returns after the last one, or when ctx or the relay is done.
func (r *Relay) RequestFileList(ctx context.Context) error {
	start := time.Now()
	for _, d := range r.cfg.ListRequestDelays {
		if wait := d - time.Since(start); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-r.ctx.Done():
				t.Stop()
				return r.ctx.Err()
			case <-t.C:
			}
		}
		msg := protocol.FileListRequest{
			RequesterID: r.cfg.Channel.LocalID(),
			Timestamp:   time.Now().UnixMilli(),
		}
		if err := r.cfg.Channel.Send(ctx, protocol.Broadcast, msg); err != nil {
			r.log.Warn("file list request failed", "error", err)
		}
	}
	return nil
}

// Close cancels pending syncs and requests.
func (r *Relay) Close() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for t := range r.timers {
		t.Stop()
		delete(r.timers, t)
	}
}
