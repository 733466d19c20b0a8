package events

import "github.com/jia-app/eventbilling/internal/domain"

// DefaultHistorySize is the number of events retained in memory
const DefaultHistorySize = 1000

// history is a fixed-capacity ring of events. The bus guards it.
type history struct {
	buf   []domain.Event
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &history{buf: make([]domain.Event, capacity)}
}

// add appends ev, evicting the oldest event when full
func (h *history) add(ev domain.Event) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = ev
		h.size++
		return
	}
	h.buf[h.start] = ev
	h.start = (h.start + 1) % len(h.buf)
}

// newest returns up to limit events, newest first. limit <= 0 means all.
func (h *history) newest(limit int) []domain.Event {
	n := h.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.start + h.size - 1 - i) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}

func (h *history) len() int {
	return h.size
}
