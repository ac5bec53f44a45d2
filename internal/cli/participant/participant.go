// Package participant runs one call participant from the command line: it joins
// a room, optionally negotiates the direct channel, shares the selected files and
// writes everything it receives to a directory.
package participant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/callfiles/internal/app"
	"github.com/sheerbytes/callfiles/internal/audit"
	"github.com/sheerbytes/callfiles/internal/callctx"
	"github.com/sheerbytes/callfiles/internal/config"
	"github.com/sheerbytes/callfiles/internal/fallback"
	"github.com/sheerbytes/callfiles/internal/msgchan"
	"github.com/sheerbytes/callfiles/internal/signaling"
	"github.com/sheerbytes/callfiles/internal/transfer"
	"github.com/sheerbytes/callfiles/pkg/manifest"
	"github.com/sheerbytes/callfiles/pkg/protocol"
)

const (
	directWait   = 15 * time.Second
	downloadWait = 5 * time.Minute
)

// Options carries the collaborators built by Run. Zero values disable the feature.
type Options struct {
	Call     *callctx.Context
	NewPeer  signaling.Factory
	Fallback *fallback.Path
	Audit    *audit.Logger
	Logger   *slog.Logger
}

// Participant drives one Exchange from configuration.
type Participant struct {
	cfg config.ClientConfig
	log *slog.Logger
	ch  msgchan.Channel
	ex  *app.Exchange

	peerSeen    chan struct{}
	peerOnce    sync.Once
	directReady chan struct{}
	directOnce  sync.Once
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	firstPeer string
	saved     []string
}

// New builds a participant on ch. Presence is observed from this point on.
func New(cfg config.ClientConfig, ch msgchan.Channel, opts Options) (*Participant, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	call := opts.Call
	if call == nil {
		call = callctx.New(cfg.JoinCode, cfg.PeerID, cfg.AccessToken, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Participant{
		cfg:         cfg,
		log:         logger,
		ch:          ch,
		peerSeen:    make(chan struct{}),
		directReady: make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	p.unsubscribe = ch.OnPresence(p.handlePresence)

	reporter := app.NewProgressReporter(logger, 0)
	ex, err := app.NewExchange(app.Config{
		Call:     call,
		Channel:  ch,
		Transfer: cfg.Transfer,
		NewPeer:  opts.NewPeer,
		Fallback: opts.Fallback,
		Audit:    opts.Audit,
		Logger:   logger,

		OnCompleted:  p.handleCompleted,
		OnFailed:     p.handleFailed,
		OnProgress:   reporter.Report,
		OnSecureFile: p.handleSecureFile,
		OnDirectReady: func(remote string) {
			logger.Info("direct channel ready", "remote", remote)
			p.directOnce.Do(func() { close(p.directReady) })
		},
	})
	if err != nil {
		p.unsubscribe()
		cancel()
		return nil, err
	}
	p.ex = ex
	return p, nil
}

// Exchange returns the underlying file exchange.
func (p *Participant) Exchange() *app.Exchange { return p.ex }

// Saved returns the paths of the files written to the output directory.
func (p *Participant) Saved() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.saved...)
}

// Run starts the exchange, shares the configured files once another participant
// is present and keeps receiving until ctx is done. It returns nil on cancellation.
func (p *Participant) Run(ctx context.Context) error {
	if err := p.ex.Start(ctx); err != nil {
		return err
	}
	if len(p.cfg.Send) > 0 {
		if err := p.shareFiles(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	<-ctx.Done()
	return nil
}

// Close stops background downloads and tears the exchange down.
func (p *Participant) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.unsubscribe()
	p.cancel()
	p.wg.Wait()
	return p.ex.Close()
}

func (p *Participant) shareFiles(ctx context.Context) error {
	m, err := manifest.ScanPaths(p.cfg.Send)
	if err != nil {
		if len(m.Items) == 0 {
			return err
		}
		p.log.Warn("some paths were skipped", "error", err)
	}
	p.log.Info("files selected", "count", len(m.Items), "bytes", m.TotalBytes)

	p.log.Info("waiting for another participant")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.peerSeen:
	}

	to := protocol.Broadcast
	if p.cfg.Caller {
		to = p.connectDirect(ctx)
	}

	var failed int
	for _, item := range m.Items {
		file, err := loadFile(item)
		if err != nil {
			p.log.Warn("file skipped", "id", item.ID, "error", err)
			failed++
			continue
		}
		res, err := p.ex.SendFile(ctx, file, to)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			continue
		}
		p.log.Info("file shared", "id", item.ID, "route", res.Route, "size", len(file.Data))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be shared", failed, len(m.Items))
	}
	return nil
}

// connectDirect offers a peer connection to the first participant seen and
// waits a bounded time for it. It returns the recipient to address files to:
// the remote when the direct channel is up and nobody else is in the call,
// otherwise everyone.
func (p *Participant) connectDirect(ctx context.Context) string {
	p.mu.Lock()
	remote := p.firstPeer
	p.mu.Unlock()
	if remote == "" {
		return protocol.Broadcast
	}
	if err := p.ex.ConnectDirect(ctx, remote); err != nil {
		p.log.Warn("direct channel offer failed", "remote", remote, "error", err)
		return protocol.Broadcast
	}
	wait, cancel := context.WithTimeout(ctx, directWait)
	defer cancel()
	select {
	case <-p.directReady:
		if p.ex.Roster().Count() <= 1 {
			return remote
		}
	case <-wait.Done():
		p.log.Warn("direct channel not ready, using the relay", "remote", remote)
	}
	return protocol.Broadcast
}

func (p *Participant) handlePresence(ev msgchan.Presence) {
	var peer string
	switch {
	case ev.Kind == msgchan.PresenceSelf && len(ev.Peers) > 0:
		peer = ev.Peers[0]
	case ev.Kind == msgchan.PresenceJoined && ev.PeerID != p.cfg.PeerID:
		peer = ev.PeerID
	}
	if peer != "" {
		p.mu.Lock()
		if p.firstPeer == "" {
			p.firstPeer = peer
		}
		p.mu.Unlock()
		p.peerOnce.Do(func() { close(p.peerSeen) })
	}
	switch ev.Kind {
	case msgchan.PresenceJoined:
		p.log.Info("participant joined", "peer_id", ev.PeerID)
	case msgchan.PresenceLeft:
		p.log.Info("participant left", "peer_id", ev.PeerID)
	case msgchan.PresenceSelf:
		p.log.Info("joined call", "participants", len(ev.Peers)+1)
	}
}

func (p *Participant) handleCompleted(c transfer.CompletedFile) {
	if c.Placeholder || c.Blob == nil {
		p.log.Info("file listed", "file_id", c.Meta.FileID, "from", c.From, "size", c.Meta.Size)
		return
	}
	data, err := c.Blob.Bytes()
	if err != nil {
		p.log.Warn("received file unreadable", "file_id", c.Meta.FileID, "error", err)
		return
	}
	p.save(c.Meta.FileID, c.Meta.Name, c.From, string(c.Route), data)
}

func (p *Participant) handleFailed(f transfer.FailedTransfer) {
	p.log.Warn("incoming file discarded", "file_id", f.Meta.FileID, "from", f.From, "route", f.Route, "error", f.Err)
}

// handleSecureFile downloads a storage-shared file in the background.
func (p *Participant) handleSecureFile(rec fallback.Record) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(p.ctx, downloadWait)
		defer cancel()
		data, err := p.ex.DownloadSecureFile(ctx, rec.Key)
		if err != nil {
			p.log.Warn("secure file download failed", "key", rec.Key, "error", err)
			return
		}
		p.save(rec.Key, rec.DisplayName, rec.SenderID, string(app.RouteFallback), data)
	}()
}

func (p *Participant) save(id, name, from, route string, data []byte) {
	path, err := saveFile(p.cfg.OutDir, name, data)
	if err != nil {
		p.log.Warn("saving received file failed", "file_id", id, "error", err)
		return
	}
	p.mu.Lock()
	p.saved = append(p.saved, path)
	p.mu.Unlock()
	p.log.Info("file received", "file_id", id, "from", from, "route", route, "size", len(data))
	p.log.Debug("file saved", "file_id", id, "path", path)
}
