// Package overlay serves the browser overlay that shows the latest
// translation on stream. A [Hub] holds the current line and a short history.
// [Server] exposes them over HTTP polling endpoints and a websocket push
// channel.
package overlay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHistorySize is how many non-empty lines the history keeps.
const DefaultHistorySize = 50

// Current is the body of GET /api/current. ID increases on every update so
// polling clients can detect changes, including repeats of the same text.
type Current struct {
	Text string `json:"text"`
	ID   int64  `json:"id"`
}

// Entry is one history line.
type Entry struct {
	ID       string    `json:"id"`
	Seq      int64     `json:"seq"`
	Text     string    `json:"text"`
	Original string    `json:"original,omitempty"`
	Time     time.Time `json:"time"`
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithHistorySize sets the history capacity.
func WithHistorySize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.historySize = n
		}
	}
}

// WithClock replaces time.Now for entry timestamps.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// Hub is safe for concurrent use.
type Hub struct {
	historySize int
	now         func() time.Time

	mu      sync.Mutex
	current Current
	history []Entry
	subs    map[chan Current]struct{}
}

// NewHub returns an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		historySize: DefaultHistorySize,
		now:         time.Now,
		subs:        make(map[chan Current]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Update publishes text as the current line. original is the source text the
// line was produced from and is kept in the history only. Empty text clears
// the overlay without adding a history entry.
func (h *Hub) Update(original, text string) Current {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.current = Current{Text: text, ID: h.current.ID + 1}
	if text != "" {
		h.history = append(h.history, Entry{
			ID:       uuid.NewString(),
			Seq:      h.current.ID,
			Text:     text,
			Original: original,
			Time:     h.now(),
		})
		if over := len(h.history) - h.historySize; over > 0 {
			h.history = append(h.history[:0:0], h.history[over:]...)
		}
	}

	for ch := range h.subs {
		// Slow subscribers miss intermediate lines; the next one catches up.
		select {
		case ch <- h.current:
		default:
		}
	}
	return h.current
}

// Current returns the latest line.
func (h *Hub) Current() Current {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// History returns the retained lines, oldest first.
func (h *Hub) History() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.history))
	copy(out, h.history)
	return out
}

// Subscribe returns a channel receiving every update and a function that
// unsubscribes and closes it.
func (h *Hub) Subscribe() (<-chan Current, func()) {
	ch := make(chan Current, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
