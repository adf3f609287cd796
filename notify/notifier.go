package notify

import (
	"sync"
	"sync/atomic"

	"github.com/ermine-db/ermine/hlc"
)

// defaultSignalBufferSize is the buffer size for change signal channels.
// Sized to handle typical burst rates while keeping memory low.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 64

// Change describes one mutation actually applied by a storage. No-ops
// (stale timestamps) never produce a Change.
type Change struct {
	Storage   string
	Key       string
	Value     []byte
	Timestamp hlc.Timestamp
	Tombstone bool
}

// Filter limits a subscription to a set of storages. Empty means all.
type Filter struct {
	Storages []string
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan Change
	closed atomic.Bool
}

// matches checks if the storage matches this subscription's filter.
func (s *subscription) matches(storage string) bool {
	if len(s.filter.Storages) == 0 {
		return true
	}
	for _, name := range s.filter.Storages {
		if name == storage {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for storage change feeds. The
// digest/alignment path consumes it synchronously inside the apply loop;
// external consumers (publisher sinks) subscribe here.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new change notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a change to all matching subscribers (non-blocking).
func (h *Hub) Signal(change Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(change.Storage) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- change:
		default:
			// Buffer full, skip this subscriber
		}
	}
}

// Subscribe creates a new subscription and returns the change channel and a
// cancel function. The channel is buffered; slow subscribers lose changes
// rather than blocking the apply path. The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Change, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Change, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
