package transfer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sheerbytes/callfiles/internal/xferr"
	"github.com/sheerbytes/callfiles/pkg/protocol"
)

type incoming struct {
	meta     Metadata
	from     string
	route    Route
	slots    [][]byte
	present  *Bitmap
	received uint32
	bytes    uint64
}

// Handle applies one inbound message from participant from on route.
// It reports whether msg is a file protocol message. Malformed, duplicate and
// unknown-file messages are ignored; integrity failures are reported through OnFailed.
func (e *Engine) Handle(from string, route Route, msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.FileMeta:
		e.handleMeta(from, route, m)
	case protocol.FileChunk:
		e.handleChunk(from, route, m)
	case protocol.FileEnd:
		e.handleEnd(from, route, m)
	default:
		return false
	}
	return true
}

func (e *Engine) handleMeta(from string, route Route, m protocol.FileMeta) {
	if err := e.checkMeta(route, m); err != nil {
		e.log.Warn("file-meta rejected", "file_id", m.FileID, "from", from, "route", route, "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.incoming[m.FileID]; ok {
		e.log.Debug("duplicate file-meta ignored", "file_id", m.FileID)
		return
	}
	if _, ok := e.known[m.FileID]; ok {
		e.log.Debug("file-meta for completed file ignored", "file_id", m.FileID)
		return
	}
	e.incoming[m.FileID] = &incoming{
		meta:    metadataFromWire(m, from),
		from:    from,
		route:   route,
		slots:   make([][]byte, m.TotalChunks),
		present: NewBitmap(int(m.TotalChunks)),
	}
	e.log.Debug("receive started", "file_id", m.FileID, "from", from, "route", route, "size", m.Size, "chunks", m.TotalChunks)
}

func (e *Engine) checkMeta(route Route, m protocol.FileMeta) error {
	if m.FileID == "" {
		return fmt.Errorf("missing fileId")
	}
	if m.Size > 0 && m.ChunkSize == 0 {
		return fmt.Errorf("zero chunk size")
	}
	if m.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk size %d above %d", m.ChunkSize, MaxChunkSize)
	}
	if want := TotalChunks(m.Size, m.ChunkSize); m.TotalChunks != want {
		return fmt.Errorf("totalChunks %d inconsistent with size %d / chunk %d (want %d)", m.TotalChunks, m.Size, m.ChunkSize, want)
	}
	if limit := e.Limits(route).MaxBytes; limit > 0 && m.Size > limit {
		return fmt.Errorf("%w: size %d above %s limit %d", xferr.ErrPolicy, m.Size, route, limit)
	}
	if m.SHA256 != "" && !validDigest(m.SHA256) {
		return fmt.Errorf("malformed sha256")
	}
	return nil
}

func (e *Engine) handleChunk(from string, route Route, m protocol.FileChunk) {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, ok := e.incoming[m.FileID]
	if !ok || in.from != from || in.route != route {
		return
	}
	if m.Index >= in.meta.TotalChunks || in.present.Get(int(m.Index)) {
		return
	}
	if uint64(len(m.Payload)) != in.expectedLen(m.Index) {
		e.log.Debug("chunk with unexpected length ignored", "file_id", m.FileID, "index", m.Index, "len", len(m.Payload))
		return
	}
	if m.CRC != nil && ChunkCRC(m.Payload) != *m.CRC {
		e.log.Warn("chunk checksum mismatch", "file_id", m.FileID, "index", m.Index)
		return
	}
	in.present.Set(int(m.Index))
	in.slots[m.Index] = m.Payload
	in.received++
	in.bytes += uint64(len(m.Payload))
}

func (in *incoming) expectedLen(index uint32) uint64 {
	chunk := uint64(in.meta.ChunkSize)
	if index+1 < in.meta.TotalChunks {
		return chunk
	}
	return in.meta.Size - uint64(index)*chunk
}

func (e *Engine) handleEnd(from string, route Route, m protocol.FileEnd) {
	e.mu.Lock()
	in, ok := e.incoming[m.FileID]
	if !ok || in.from != from || in.route != route {
		e.mu.Unlock()
		return
	}
	delete(e.incoming, m.FileID)
	e.mu.Unlock()

	data, err := in.assemble()
	if err != nil {
		e.log.Warn("received file discarded", "file_id", in.meta.FileID, "from", from, "route", route, "error", err)
		e.fail(FailedTransfer{Meta: in.meta, From: from, Route: route, Err: err})
		return
	}

	blob, err := e.cfg.Store.Put(in.meta.Name, data)
	if err != nil {
		err = fmt.Errorf("store %s: %w", in.meta.FileID, err)
		e.log.Error("received file not stored", "file_id", in.meta.FileID, "error", err)
		e.fail(FailedTransfer{Meta: in.meta, From: from, Route: route, Err: err})
		return
	}

	done := CompletedFile{
		Meta:       in.meta,
		From:       from,
		Route:      route,
		ReceivedAt: e.cfg.Now(),
		Blob:       blob,
	}
	e.mu.Lock()
	if _, dup := e.known[in.meta.FileID]; dup {
		e.mu.Unlock()
		blob.Release()
		return
	}
	e.known[in.meta.FileID] = struct{}{}
	e.completed = append(e.completed, done)
	e.mu.Unlock()

	e.log.Info("file received", "file_id", in.meta.FileID, "from", from, "route", route, "size", in.meta.Size)
	if e.cfg.OnCompleted != nil {
		e.cfg.OnCompleted(done)
	}
}

func (in *incoming) assemble() ([]byte, error) {
	if in.received != in.meta.TotalChunks {
		return nil, fmt.Errorf("%w: %d of %d chunks missing (first %d)",
			xferr.ErrIntegrity, in.meta.TotalChunks-in.received, in.meta.TotalChunks, in.present.FirstMissing())
	}
	if in.bytes != in.meta.Size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", xferr.ErrIntegrity, in.bytes, in.meta.Size)
	}
	data := bytes.Join(in.slots, nil)
	if data == nil {
		data = []byte{}
	}
	if in.meta.Digest != "" && !strings.EqualFold(Digest(data), in.meta.Digest) {
		return nil, fmt.Errorf("%w: sha256 mismatch", xferr.ErrIntegrity)
	}
	return data, nil
}
