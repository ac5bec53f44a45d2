package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/callfiles/internal/blobstore"
	"github.com/sheerbytes/callfiles/internal/progress"
	"github.com/sheerbytes/callfiles/internal/xferr"
	"github.com/sheerbytes/callfiles/pkg/protocol"
)

// MaxChunkSize bounds the chunk size a receiver accepts in file-meta.
const MaxChunkSize = 1 << 20

// ErrAborted is the cause recorded for transfers stopped by Reset.
var ErrAborted = errors.New("transfer aborted")

// Config configures an Engine.
type Config struct {
	LocalID string
	Routes  map[Route]RouteLimits
	Store   blobstore.Store
	Logger  *slog.Logger

	// Now and NewFileID are replaced in tests.
	Now       func() time.Time
	NewFileID func() string

	// Callbacks run on the goroutine that caused the event, without engine locks held.
	OnCompleted func(CompletedFile)
	OnFailed    func(FailedTransfer)
	OnProgress  func(OutgoingTransfer)
}

type outgoing struct {
	meta   Metadata
	route  Route
	status Status
	err    error
	meter  *progress.Meter
}

// Engine runs the chunked protocol for every route of one call.
// A single mutex guards all per-file state.
type Engine struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	incoming  map[string]*incoming
	completed []CompletedFile
	known     map[string]struct{} // completed fileIds
	outgoing  []*outgoing
}

// NewEngine creates an engine. Missing fields get defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = blobstore.NewMemory()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewFileID == nil {
		cfg.NewFileID = newFileID
	}
	if cfg.Routes == nil {
		cfg.Routes = map[Route]RouteLimits{}
	}
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		incoming: make(map[string]*incoming),
		known:    make(map[string]struct{}),
	}
}

func newFileID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Limits returns the parameters for a route.
func (e *Engine) Limits(route Route) RouteLimits {
	l := e.cfg.Routes[route]
	if l.ChunkSize == 0 {
		l.ChunkSize = 32 * 1024
	}
	return l
}

// Send streams file over sink: file-meta, then each chunk after Pace, then file-end.
// The transfer is recorded as outgoing and ends Completed or Error; there is no retry.
func (e *Engine) Send(ctx context.Context, sink Sink, file File) (Metadata, error) {
	route := sink.Route()
	limits := e.Limits(route)
	size := uint64(len(file.Data))
	if limits.MaxBytes > 0 && size > limits.MaxBytes {
		return Metadata{}, fmt.Errorf("%w: %d bytes exceeds the %s limit of %d", xferr.ErrPolicy, size, route, limits.MaxBytes)
	}

	meta := Metadata{
		FileID:      e.cfg.NewFileID(),
		Name:        file.Name,
		MimeType:    file.MimeType,
		Size:        size,
		TotalChunks: TotalChunks(size, limits.ChunkSize),
		ChunkSize:   limits.ChunkSize,
		Digest:      Digest(file.Data),
		SenderID:    e.cfg.LocalID,
		CreatedAt:   e.cfg.Now(),
	}
	out := &outgoing{
		meta:   meta,
		route:  route,
		status: StatusSending,
		meter:  progress.NewMeterWithNow(size, e.cfg.Now),
	}
	e.mu.Lock()
	e.outgoing = append(e.outgoing, out)
	e.mu.Unlock()

	e.log.Debug("send started", "file_id", meta.FileID, "route", route, "size", size, "chunks", meta.TotalChunks)
	err := e.stream(ctx, sink, out, file.Data, limits.ChunkCRC)

	e.mu.Lock()
	if out.status == StatusSending {
		if err != nil {
			out.status = StatusError
			out.err = err
		} else {
			out.status = StatusCompleted
			out.meter.Finish()
		}
	} else if err == nil {
		// aborted while the last message was in flight
		err = out.err
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Warn("send failed", "file_id", meta.FileID, "route", route, "error", err)
		return meta, err
	}
	e.log.Debug("send completed", "file_id", meta.FileID, "route", route)
	return meta, nil
}

// Track records a file delivered outside the chunked protocol as outgoing on
// route. done marks it Completed when err is nil and Error otherwise; only the
// first call counts.
func (e *Engine) Track(route Route, file File) (meta Metadata, done func(err error)) {
	size := uint64(len(file.Data))
	meta = Metadata{
		FileID:    e.cfg.NewFileID(),
		Name:      file.Name,
		MimeType:  file.MimeType,
		Size:      size,
		SenderID:  e.cfg.LocalID,
		CreatedAt: e.cfg.Now(),
	}
	out := &outgoing{
		meta:   meta,
		route:  route,
		status: StatusSending,
		meter:  progress.NewMeterWithNow(size, e.cfg.Now),
	}
	e.mu.Lock()
	e.outgoing = append(e.outgoing, out)
	e.mu.Unlock()
	e.reportProgress(out)

	var once sync.Once
	return meta, func(err error) {
		once.Do(func() {
			e.mu.Lock()
			if out.status == StatusSending {
				if err != nil {
					out.status = StatusError
					out.err = err
				} else {
					out.meter.Add(int(size))
					out.meter.Finish()
					out.status = StatusCompleted
				}
			}
			e.mu.Unlock()
			e.reportProgress(out)
		})
	}
}

func (e *Engine) stream(ctx context.Context, sink Sink, out *outgoing, data []byte, withCRC bool) error {
	meta := out.meta
	if err := sink.Emit(ctx, meta.wire()); err != nil {
		return sendError(err)
	}
	chunk := uint64(meta.ChunkSize)
	for i := uint32(0); i < meta.TotalChunks; i++ {
		if err := e.abortCause(out); err != nil {
			return err
		}
		if err := sink.Pace(ctx); err != nil {
			return sendError(err)
		}
		start := uint64(i) * chunk
		end := min(start+chunk, uint64(len(data)))
		msg := protocol.FileChunk{FileID: meta.FileID, Index: i, Payload: data[start:end]}
		if withCRC {
			crc := ChunkCRC(msg.Payload)
			msg.CRC = &crc
		}
		if err := sink.Emit(ctx, msg); err != nil {
			return sendError(err)
		}
		out.meter.Add(int(end - start))
		e.reportProgress(out)
	}
	if err := e.abortCause(out); err != nil {
		return err
	}
	if err := sink.Emit(ctx, protocol.FileEnd{FileID: meta.FileID}); err != nil {
		return sendError(err)
	}
	return nil
}

func sendError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	for _, kind := range []error{xferr.ErrTransport, xferr.ErrPolicy, xferr.ErrDisabled} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return xferr.Wrap(xferr.ErrTransport, err)
}

func (e *Engine) abortCause(out *outgoing) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if out.status == StatusError {
		return out.err
	}
	return nil
}

func (e *Engine) reportProgress(out *outgoing) {
	if e.cfg.OnProgress == nil {
		return
	}
	e.mu.Lock()
	snap := out.snapshot()
	e.mu.Unlock()
	e.cfg.OnProgress(snap)
}

func (o *outgoing) snapshot() OutgoingTransfer {
	return OutgoingTransfer{
		Meta:     o.meta,
		Route:    o.route,
		Status:   o.status,
		Progress: o.meter.Snapshot(),
		Err:      o.err,
	}
}

// Outgoing returns snapshots of every file sent during the call, oldest first.
func (e *Engine) Outgoing() []OutgoingTransfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]OutgoingTransfer, 0, len(e.outgoing))
	for _, o := range e.outgoing {
		out = append(out, o.snapshot())
	}
	return out
}

// Completed returns the received files and placeholders, oldest first.
func (e *Engine) Completed() []CompletedFile {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CompletedFile, len(e.completed))
	copy(out, e.completed)
	return out
}

// Receiving returns the number of incoming transfers in progress.
func (e *Engine) Receiving() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.incoming)
}

// Known reports whether fileID was sent, received or is being received in this call.
func (e *Engine) Known(fileID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.known[fileID]; ok {
		return true
	}
	if _, ok := e.incoming[fileID]; ok {
		return true
	}
	for _, o := range e.outgoing {
		if o.meta.FileID == fileID {
			return true
		}
	}
	return false
}

// AddPlaceholder records a history entry without payload. It returns false
// when the fileId is already known.
func (e *Engine) AddPlaceholder(meta Metadata, from string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.known[meta.FileID]; ok || meta.FileID == "" {
		return false
	}
	if _, ok := e.incoming[meta.FileID]; ok {
		return false
	}
	for _, o := range e.outgoing {
		if o.meta.FileID == meta.FileID {
			return false
		}
	}
	e.known[meta.FileID] = struct{}{}
	e.completed = append(e.completed, CompletedFile{
		Meta:        meta,
		From:        from,
		ReceivedAt:  e.cfg.Now(),
		Placeholder: true,
	})
	return true
}

// AbortRoute fails every Sending outgoing transfer on route and discards the
// partial incoming state that arrived on it.
func (e *Engine) AbortRoute(route Route, cause error) {
	if cause == nil {
		cause = ErrAborted
	}
	cause = xferr.Wrap(xferr.ErrTransport, cause)

	var failed []FailedTransfer
	e.mu.Lock()
	for _, o := range e.outgoing {
		if o.route == route && o.status == StatusSending {
			o.status = StatusError
			o.err = cause
		}
	}
	for id, in := range e.incoming {
		if in.route != route {
			continue
		}
		delete(e.incoming, id)
		failed = append(failed, FailedTransfer{Meta: in.meta, From: in.from, Route: route, Err: cause})
	}
	e.mu.Unlock()

	if len(failed) > 0 {
		e.log.Warn("route aborted", "route", route, "discarded", len(failed), "error", cause)
	}
	for _, f := range failed {
		e.fail(f)
	}
}

// Reset stops in-flight transfers, releases every blob handle and clears all state.
func (e *Engine) Reset() error {
	e.mu.Lock()
	for _, o := range e.outgoing {
		if o.status == StatusSending {
			o.status = StatusError
			o.err = ErrAborted
		}
	}
	completed := e.completed
	e.completed = nil
	e.outgoing = nil
	e.incoming = make(map[string]*incoming)
	e.known = make(map[string]struct{})
	e.mu.Unlock()

	var errs []error
	for _, c := range completed {
		if err := c.Blob.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", c.Meta.FileID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) fail(f FailedTransfer) {
	if e.cfg.OnFailed != nil {
		e.cfg.OnFailed(f)
	}
}
