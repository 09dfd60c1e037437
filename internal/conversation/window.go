package conversation

import (
	"sync"
	"time"
)

type Speaker string

const (
	User   Speaker = "user"
	System Speaker = "system"
)

type Turn struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// History keeps a short, capped window of turns per location. The oldest turn
// is evicted first and turns older than maxAge are dropped on read.
type History struct {
	limit  int
	maxAge time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string][]Turn
}

func NewHistory(limit int, maxAge time.Duration) *History {
	if limit <= 0 {
		limit = 1
	}
	return &History{
		limit:   limit,
		maxAge:  maxAge,
		clock:   time.Now,
		windows: make(map[string][]Turn),
	}
}

// Append adds turns to a location window in the given order.
func (h *History) Append(location string, turns ...Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := h.windows[location]
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = h.clock()
		}
		w = append(w, t)
	}
	if over := len(w) - h.limit; over > 0 {
		w = append([]Turn(nil), w[over:]...)
	}
	h.windows[location] = w
}

// Recent returns a copy of the window, oldest first, without expired turns.
func (h *History) Recent(location string) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := h.windows[location]
	if h.maxAge > 0 {
		cutoff := h.clock().Add(-h.maxAge)
		i := 0
		for i < len(w) && w[i].Timestamp.Before(cutoff) {
			i++
		}
		if i > 0 {
			w = w[i:]
			if len(w) == 0 {
				delete(h.windows, location)
			} else {
				h.windows[location] = w
			}
		}
	}
	return append([]Turn(nil), w...)
}

func (h *History) Clear(location string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.windows, location)
}
