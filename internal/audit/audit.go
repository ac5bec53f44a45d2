// Package audit reports file transfer events to the audit API. Reporting is
// best effort: failures are logged and never reach the transfer.
package audit

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/sheerbytes/callfiles/internal/clienthttp"
	"github.com/sheerbytes/callfiles/internal/xferr"
)

// Status is the outcome being reported.
type Status string

const (
	StatusSent     Status = "sent"
	StatusReceived Status = "received"
	StatusFailed   Status = "failed"
)

// Event is one audit record.
type Event struct {
	SenderID   string
	ReceiverID string
	FileName   string
	FileSize   uint64
	Status     Status
}

type eventBody struct {
	SessionID  string `json:"sessionId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	FileName   string `json:"fileName"`
	FileSize   uint64 `json:"fileSize"`
	Status     Status `json:"status"`
	Timestamp  int64  `json:"timestamp"`
}

// Logger posts events. A nil *Logger or one without an API client does nothing.
type Logger struct {
	api    *clienthttp.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates an audit logger. api may be nil to disable reporting.
func New(api *clienthttp.Client, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{api: api, logger: logger.With("component", "audit"), now: time.Now}
}

// SanitizeFileName replaces a file name with a generic one, keeping only the extension.
func SanitizeFileName(name string) string {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	if ext == base {
		ext = ""
	}
	return "document" + ext
}

// Record reports ev. It returns once the request completed or failed.
func (l *Logger) Record(ctx context.Context, ev Event) {
	if l == nil || l.api == nil {
		return
	}
	err := l.api.Do(ctx, clienthttp.Request{
		Method: http.MethodPost,
		Path:   "/audit/file-transfer",
		Body: eventBody{
			SessionID:  l.api.Call().SessionID(),
			SenderID:   ev.SenderID,
			ReceiverID: ev.ReceiverID,
			FileName:   SanitizeFileName(ev.FileName),
			FileSize:   ev.FileSize,
			Status:     ev.Status,
			Timestamp:  l.now().UnixMilli(),
		},
		Kind: xferr.ErrAudit,
		Op:   "audit",
	}, nil)
	if err != nil {
		l.logger.Warn("audit event not recorded", "status", ev.Status, "error", err)
	}
}
