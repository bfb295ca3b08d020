package logserver

import (
	"sync"

	"github.com/roach88/roomsync/internal/store"
)

// subscriberBuffer is how many envelopes may queue for one live client
// before it is dropped as too slow.
const subscriberBuffer = 256

// hub fans newly appended envelopes out to live subscribers per room.
type hub struct {
	mu    sync.Mutex
	rooms map[string]map[*subscriber]struct{}
}

type subscriber struct {
	room string
	send chan store.RawEnvelope
	// gone is closed when the hub drops the subscriber.
	gone chan struct{}
	once sync.Once
}

func newHub() *hub {
	return &hub{rooms: make(map[string]map[*subscriber]struct{})}
}

func (h *hub) subscribe(room string) *subscriber {
	s := &subscriber{
		room: room,
		send: make(chan store.RawEnvelope, subscriberBuffer),
		gone: make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.rooms[room] = subs
	}
	subs[s] = struct{}{}
	return s
}

func (h *hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *hub) removeLocked(s *subscriber) {
	if subs, ok := h.rooms[s.room]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.rooms, s.room)
		}
	}
	s.once.Do(func() { close(s.gone) })
}

// broadcast delivers env to every subscriber of its room without blocking.
// Subscribers whose buffer is full are dropped; they recover by catch-up.
func (h *hub) broadcast(env store.RawEnvelope) (delivered, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.rooms[env.RoomCode] {
		select {
		case s.send <- env:
			delivered++
		default:
			h.removeLocked(s)
			dropped++
		}
	}
	return delivered, dropped
}

func (h *hub) count(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// closeAll drops every subscriber.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.rooms {
		for s := range subs {
			h.removeLocked(s)
		}
	}
}
