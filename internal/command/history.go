package command

import (
	"sync"
	"time"
)

// Record is one immutable audit entry for a dispatched command.
type Record struct {
	Timestamp  time.Time      `json:"timestamp"`
	ClientID   string         `json:"client_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

// History is a bounded append-only command log. Once the cap is exceeded
// the oldest entries are evicted.
type History struct {
	mu      sync.Mutex
	entries []Record
	limit   int
}

const DefaultHistoryLimit = 1000

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

func (h *History) Append(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, rec)
	if len(h.entries) > h.limit {
		h.entries = append([]Record(nil), h.entries[len(h.entries)-h.limit:]...)
	}
}

// Recent returns up to n entries, newest last. n <= 0 returns everything.
func (h *History) Recent(n int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := 0
	if n > 0 && len(h.entries) > n {
		start = len(h.entries) - n
	}
	out := make([]Record, len(h.entries)-start)
	copy(out, h.entries[start:])
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
