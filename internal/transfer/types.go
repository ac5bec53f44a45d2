// Package transfer implements the transport-agnostic chunked file protocol:
// a file is announced with file-meta, sent as bounded file-chunk messages and
// closed with file-end. Receivers reassemble per fileId and verify integrity.
package transfer

import (
	"context"
	"time"

	"github.com/sheerbytes/callfiles/internal/blobstore"
	"github.com/sheerbytes/callfiles/internal/progress"
	"github.com/sheerbytes/callfiles/pkg/protocol"
)

// Route names the transport a transfer travels on.
type Route string

const (
	RouteDirect Route = "direct"
	RouteRelay  Route = "relay"
	// RouteFallback carries no chunks; the file went through object storage.
	RouteFallback Route = "fallback"
)

// Sink is one route's outbound side.
type Sink interface {
	Route() Route
	// Emit sends one protocol message.
	Emit(ctx context.Context, msg protocol.Message) error
	// Pace blocks until the route can accept another chunk.
	Pace(ctx context.Context) error
}

// RouteLimits are the per-route protocol parameters.
type RouteLimits struct {
	ChunkSize uint32
	MaxBytes  uint64 // 0 means unlimited
	ChunkCRC  bool
}

// File is a payload to send.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Metadata describes a file. It is fixed when the send starts.
type Metadata struct {
	FileID      string
	Name        string
	MimeType    string
	Size        uint64
	TotalChunks uint32
	ChunkSize   uint32
	Digest      string // hex SHA-256, empty when the sender omitted it
	SenderID    string
	CreatedAt   time.Time
}

func (m Metadata) wire() protocol.FileMeta {
	return protocol.FileMeta{
		FileID:      m.FileID,
		Name:        m.Name,
		Type:        m.MimeType,
		Size:        m.Size,
		TotalChunks: m.TotalChunks,
		ChunkSize:   m.ChunkSize,
		SHA256:      m.Digest,
		SenderID:    m.SenderID,
		Timestamp:   m.CreatedAt.UnixMilli(),
	}
}

func metadataFromWire(m protocol.FileMeta, from string) Metadata {
	sender := m.SenderID
	if sender == "" {
		sender = from
	}
	return Metadata{
		FileID:      m.FileID,
		Name:        m.Name,
		MimeType:    m.Type,
		Size:        m.Size,
		TotalChunks: m.TotalChunks,
		ChunkSize:   m.ChunkSize,
		Digest:      m.SHA256,
		SenderID:    sender,
		CreatedAt:   time.UnixMilli(m.Timestamp),
	}
}

// TotalChunks returns ceil(size/chunkSize); zero for an empty payload.
func TotalChunks(size uint64, chunkSize uint32) uint32 {
	if size == 0 || chunkSize == 0 {
		return 0
	}
	return uint32((size + uint64(chunkSize) - 1) / uint64(chunkSize))
}

// Status is the state of an outgoing transfer.
type Status int

const (
	StatusSending Status = iota
	StatusCompleted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// OutgoingTransfer is a snapshot of a file this participant sent.
type OutgoingTransfer struct {
	Meta     Metadata
	Route    Route
	Status   Status
	Progress progress.Stats
	Err      error
}

// CompletedFile is a received file, or a placeholder for one learned through history sync.
type CompletedFile struct {
	Meta        Metadata
	From        string
	Route       Route
	ReceivedAt  time.Time
	Blob        *blobstore.Handle // nil for placeholders
	Placeholder bool
}

// FailedTransfer reports an incoming transfer that was discarded.
type FailedTransfer struct {
	Meta  Metadata
	From  string
	Route Route
	Err   error
}
