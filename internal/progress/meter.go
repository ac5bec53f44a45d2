// Package progress tracks byte progress of outgoing transfers.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of a transfer's progress.
type Stats struct {
	Sent      uint64
	Total     uint64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
	Done      bool
}

// Meter counts sent bytes and keeps an exponentially smoothed rate.
type Meter struct {
	mu        sync.Mutex
	total     uint64
	sent      uint64
	startedAt time.Time
	lastAt    time.Time
	lastSent  uint64
	rateBps   float64
	alpha     float64
	done      bool
	now       func() time.Time
}

// NewMeter returns a meter for total bytes using the wall clock.
func NewMeter(total uint64) *Meter {
	return NewMeterWithNow(total, time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(total uint64, now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	started := now()
	return &Meter{
		total:     total,
		startedAt: started,
		lastAt:    started,
		alpha:     0.2,
		now:       now,
	}
}

// Add records n more bytes sent.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sent += uint64(n)
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		return
	}
	inst := float64(m.sent-m.lastSent) / elapsed
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
	m.lastSent = m.sent
}

// Finish marks the transfer complete. Percent reports 100 afterwards, even for empty files.
func (m *Meter) Finish() {
	m.mu.Lock()
	m.done = true
	m.mu.Unlock()
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Sent:      m.sent,
		Total:     m.total,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
		Done:      m.done,
	}
	switch {
	case m.done:
		s.Percent = 100
	case m.total > 0:
		s.Percent = float64(m.sent) / float64(m.total) * 100
	}
	if !m.done && m.rateBps > 0 && m.total > m.sent {
		s.ETA = time.Duration(float64(m.total-m.sent) / m.rateBps * float64(time.Second))
	}
	return s
}
