package pool

import (
	"encoding/json"
	"sync"
)

// Notification is a stdout message that was not a response to a pending request.
type Notification struct {
	Backend string          `json:"backend"`
	SlotID  string          `json:"slot"`
	Message json.RawMessage `json:"message"`
	// Unmatched is set when the message carried an id that no pending request claimed,
	// typically a late answer to a request that already timed out.
	Unmatched bool `json:"unmatched,omitempty"`
}

const subscriberBuffer = 64

// hub fans notifications out to a dynamic set of subscribers.
// Publishing never blocks: a subscriber that falls behind loses messages rather than stalling the stdout reader.
type hub struct {
	m      sync.Mutex
	closed bool
	subs   []chan Notification
}

func (h *hub) add() chan Notification {
	h.m.Lock()
	defer h.m.Unlock()
	ch := make(chan Notification, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch
	}
	h.subs = append(h.subs, ch)
	return ch
}

func (h *hub) remove(ch chan Notification) {
	h.m.Lock()
	defer h.m.Unlock()
	for i := 0; i < len(h.subs); i++ {
		if h.subs[i] == ch {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (h *hub) publish(n Notification) (delivered int) {
	h.m.Lock()
	defer h.m.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *hub) close() {
	h.m.Lock()
	defer h.m.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
