package store

import "sync"

// watchHub fans mutation notifications out to subscribers, one channel list
// per collection. Channels are buffered with capacity 1 and notified
// without blocking, so a slow subscriber coalesces bursts instead of
// stalling writers. Notification order matches mutation order because
// notify is called synchronously after each committed write.
type watchHub struct {
	mu     sync.Mutex
	subs   map[string][]chan struct{}
	closed bool
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[string][]chan struct{})}
}

func (h *watchHub) subscribe(collection string) (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan struct{}, 1)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[collection] = append(h.subs[collection], ch)
	return ch, func() { h.unsubscribe(collection, ch) }
}

func (h *watchHub) unsubscribe(collection string, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	chans := h.subs[collection]
	for i, c := range chans {
		if c == ch {
			h.subs[collection] = append(chans[:i], chans[i+1:]...)
			return
		}
	}
}

func (h *watchHub) notify(collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs[collection] {
		select {
		case ch <- struct{}{}:
		default:
			// Subscriber already has a pending notification.
		}
	}
}

func (h *watchHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, chans := range h.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	h.subs = make(map[string][]chan struct{})
}
