package tools

import "sync"

// ProgressEvent is one progress report for a single dispatch.
type ProgressEvent struct {
	Invocation uint64   `json:"invocation"`
	Tool       ToolType `json:"tool"`
	Percent    int      `json:"percent"`
	Status     string   `json:"status"`
	Done       bool     `json:"done"`
}

// ProgressHub fans progress out to any number of listeners. Listeners that
// fall behind lose events instead of stalling the adapter.
type ProgressHub struct {
	mu        sync.Mutex
	listeners map[int]chan ProgressEvent
	next      int
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{listeners: make(map[int]chan ProgressEvent)}
}

// Subscribe returns the event stream and a function that closes it.
func (h *ProgressHub) Subscribe(buffer int) (<-chan ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan ProgressEvent, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.listeners[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.listeners[id]; ok {
			delete(h.listeners, id)
			close(ch)
		}
	}
}

func (h *ProgressHub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *ProgressHub) publish(event ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.listeners {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close ends every subscription.
func (h *ProgressHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.listeners {
		delete(h.listeners, id)
		close(ch)
	}
}
