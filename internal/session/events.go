package session

import (
	"sync"
	"sync/atomic"

	"github.com/fenilsonani/imap-engine/internal/logging"
	"github.com/fenilsonani/imap-engine/internal/protocol"
)

// EventHub fans untagged server responses out to subscribers.
type EventHub struct {
	logger   *logging.Logger
	intakeMu sync.RWMutex // Publish against Close
	mu       sync.RWMutex
	clients  map[chan *protocol.Response]*subscriber
	events   chan *protocol.Response
	closed   atomic.Bool
	wg       sync.WaitGroup
	dropped  atomic.Int64
}

type subscriber struct {
	ch     chan *protocol.Response
	closed atomic.Bool
}

// NewEventHub starts a hub whose intake holds up to buffer events.
func NewEventHub(buffer int, logger *logging.Logger) *EventHub {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = logging.Discard()
	}
	h := &EventHub{
		logger:  logger,
		clients: make(map[chan *protocol.Response]*subscriber),
		events:  make(chan *protocol.Response, buffer),
	}

	h.wg.Add(1)
	go h.run()
	return h
}

// Publish hands an event to the hub without blocking. Events are dropped
// when the intake is full.
func (h *EventHub) Publish(resp *protocol.Response) {
	h.intakeMu.RLock()
	defer h.intakeMu.RUnlock()
	if h.closed.Load() {
		return
	}

	select {
	case h.events <- resp:
	default:
		count := h.dropped.Add(1)
		// Every 100th drop is logged.
		if count%100 == 1 {
			h.logger.Warn("event intake full, dropping untagged responses", "dropped", count)
		}
	}
}

// Subscribe registers a new subscriber.
func (h *EventHub) Subscribe() chan *protocol.Response {
	if h.closed.Load() {
		ch := make(chan *protocol.Response)
		close(ch)
		return ch
	}

	ch := make(chan *protocol.Response, 256)
	h.mu.Lock()
	h.clients[ch] = &subscriber{ch: ch}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *EventHub) Unsubscribe(ch chan *protocol.Response) {
	h.mu.Lock()
	state, exists := h.clients[ch]
	if exists {
		delete(h.clients, ch)
		state.closed.Store(true)
	}
	h.mu.Unlock()

	if exists {
		close(ch)
	}
}

// Dropped reports how many events were lost to a full intake.
func (h *EventHub) Dropped() int64 {
	return h.dropped.Load()
}

// SubscriberCount returns the number of subscribers.
func (h *EventHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close delivers the events already accepted, then closes every subscriber
// channel.
func (h *EventHub) Close() {
	h.intakeMu.Lock()
	if !h.closed.CompareAndSwap(false, true) {
		h.intakeMu.Unlock()
		return
	}
	close(h.events)
	h.intakeMu.Unlock()
	h.wg.Wait()

	h.mu.Lock()
	for ch, state := range h.clients {
		state.closed.Store(true)
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *EventHub) run() {
	defer h.wg.Done()

	for resp := range h.events {
		h.mu.RLock()
		for ch, state := range h.clients {
			if state.closed.Load() {
				continue
			}
			select {
			case ch <- resp:
			default:
				// Slow subscriber; it misses this event.
			}
		}
		h.mu.RUnlock()
	}
}
