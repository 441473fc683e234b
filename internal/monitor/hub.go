package monitor

import "sync"

// hub fans messages out to subscribed websocket clients. Slow clients lose
// messages instead of stalling the publisher.
type hub struct {
	mu   sync.RWMutex
	subs map[chan []byte]struct{}
	buf  int
}

func newHub(buf int) *hub {
	return &hub{subs: make(map[chan []byte]struct{}), buf: buf}
}

func (h *hub) subscribe() chan []byte {
	ch := make(chan []byte, h.buf)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// broadcast returns the number of clients that dropped msg.
func (h *hub) broadcast(msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}
	return dropped
}
