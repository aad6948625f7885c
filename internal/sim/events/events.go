// Package events is the world's append-only event log.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	TypeTick       = "tick"
	TypeAction     = "action"
	TypeMint       = "mint"
	TypeSubmission = "oracle_submission"
	TypeSpawn      = "spawn"
	TypeTurn       = "turn"
)

type Event struct {
	Seq       uint64         `json:"seq"`
	Tick      uint64         `json:"tick"`
	Type      string         `json:"type"`
	Principal string         `json:"principal,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// Sink receives every appended event, in sequence order.
type Sink interface {
	WriteEvent(Event) error
}

// Log keeps the most recent events in a ring buffer. Sequence numbers start
// at 1 and never repeat.
type Log struct {
	mu    sync.Mutex
	buf   []Event
	start int
	n     int
	next  uint64
	sinks []Sink

	sinkMu sync.Mutex // held across sink writes, outside mu

	now    func() time.Time
	logger *slog.Logger
}

func NewLog(capacity int, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		buf:    make([]Event, capacity),
		next:   1,
		now:    time.Now,
		logger: logger.With("component", "events"),
	}
}

func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Append assigns the next sequence number and timestamp to e and stores it.
// Sink failures are logged and do not fail the append.
func (l *Log) Append(e Event) Event {
	l.mu.Lock()
	e.Seq = l.next
	l.next++
	if e.At.IsZero() {
		e.At = l.now().UTC()
	}
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = e
		l.n++
	} else {
		l.buf[l.start] = e
		l.start = (l.start + 1) % len(l.buf)
	}
	sinks := l.sinks
	l.sinkMu.Lock()
	l.mu.Unlock()

	defer l.sinkMu.Unlock()
	for _, s := range sinks {
		if err := s.WriteEvent(e); err != nil {
			l.logger.Warn("event sink write failed", "seq", e.Seq, "err", err)
		}
	}
	return e
}

// Read returns up to limit retained events with Seq > since, oldest first.
// limit <= 0 returns all of them.
func (l *Log) Read(since uint64, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0)
	for i := 0; i < l.n; i++ {
		e := l.buf[(l.start+i)%len(l.buf)]
		if e.Seq <= since {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// LastSeq is the sequence number of the newest event, 0 if none.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}
