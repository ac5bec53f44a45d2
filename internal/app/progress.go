package app

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/callfiles/internal/transfer"
)

const progressUpdateInterval = 250 * time.Millisecond

// ProgressReporter logs outgoing transfer progress, at most once per interval
// per file plus once when a file finishes.
type ProgressReporter struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewProgressReporter creates a reporter. interval 0 uses the default.
func NewProgressReporter(logger *slog.Logger, interval time.Duration) *ProgressReporter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = progressUpdateInterval
	}
	return &ProgressReporter{
		logger:   logger,
		interval: interval,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Report is a transfer progress callback.
func (p *ProgressReporter) Report(o transfer.OutgoingTransfer) {
	if !p.shouldReport(o) {
		return
	}
	s := o.Progress
	mbps := s.RateBps / (1024 * 1024)
	p.logger.Info("progress",
		"file_id", o.Meta.FileID,
		"route", o.Route,
		"sent", s.Sent,
		"total", s.Total,
		"percent", int(s.Percent),
		"mbps", float64(int(mbps*100))/100,
		"eta", s.ETA.Round(time.Second),
	)
}

func (p *ProgressReporter) shouldReport(o transfer.OutgoingTransfer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := o.Meta.FileID
	if o.Progress.Done || o.Status != transfer.StatusSending {
		delete(p.last, id)
		return true
	}
	now := p.now()
	if prev, ok := p.last[id]; ok && now.Sub(prev) < p.interval {
		return false
	}
	p.last[id] = now
	return true
}
