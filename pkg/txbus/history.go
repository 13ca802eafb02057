package txbus

import (
	"sync"
	"time"

	"github.com/pharmapos/txbus/pkg/txbus/event"
)

// history is a fixed-capacity ring of completed events. Appending to a
// full ring overwrites the oldest entry.
type history struct {
	mu    sync.Mutex
	buf   []*event.Event
	start int
	size  int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]*event.Event, capacity)}
}

func (h *history) add(evt *event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := (h.start + h.size) % len(h.buf)
	h.buf[idx] = evt
	if h.size < len(h.buf) {
		h.size++
	} else {
		h.start = (h.start + 1) % len(h.buf)
	}
}

// snapshot returns the entries oldest first.
func (h *history) snapshot() []*event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*event.Event, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// trim drops entries older than cutoff and returns how many were dropped.
// Entries are appended when their emission completes, not when the event
// was created, so an old entry may sit behind a younger one; the whole
// ring is scanned and survivors keep their order.
func (h *history) trim(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := 0
	for i := 0; i < h.size; i++ {
		evt := h.buf[(h.start+i)%len(h.buf)]
		if evt.Timestamp.Before(cutoff) {
			continue
		}
		h.buf[(h.start+kept)%len(h.buf)] = evt
		kept++
	}
	for i := kept; i < h.size; i++ {
		h.buf[(h.start+i)%len(h.buf)] = nil
	}

	dropped := h.size - kept
	h.size = kept
	return dropped
}

func (h *history) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.buf {
		h.buf[i] = nil
	}
	h.start, h.size = 0, 0
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// HistoryFilter selects history entries. The zero value selects every
// domain event.
type HistoryFilter struct {
	// Kind restricts results to one kind.
	Kind event.Kind
	// TransactionID restricts results to one transaction.
	TransactionID string
	// IncludeLifecycle includes transaction.commit and transaction.rollback.
	IncludeLifecycle bool
	// Since drops events emitted before this time.
	Since time.Time
	// Limit keeps only the most recent matches. Zero means no limit.
	Limit int
}

func (f HistoryFilter) match(evt *event.Event) bool {
	if f.Kind != "" && evt.Kind != f.Kind {
		return false
	}
	if f.Kind == "" && !f.IncludeLifecycle && evt.Kind.IsLifecycle() {
		return false
	}
	if f.TransactionID != "" && evt.TransactionID != f.TransactionID {
		return false
	}
	if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// History returns copies of completed events matching the filter, oldest
// first. Vetoed and timed-out emissions are not recorded.
func (b *Bus) History(filter HistoryFilter) []*event.Event {
	var out []*event.Event
	for _, evt := range b.history.snapshot() {
		if filter.match(evt) {
			out = append(out, evt)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	for i, evt := range out {
		out[i] = evt.Clone()
	}
	return out
}

// ClearHistory empties the history buffer.
func (b *Bus) ClearHistory() {
	b.history.clear()
}
