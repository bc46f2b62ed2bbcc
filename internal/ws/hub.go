package ws

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is how many payloads a subscriber may fall behind before
// the hub evicts it.
const DefaultQueueSize = 64

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by topic. Broadcast never blocks: every
// subscriber drains its own buffered queue, and one that falls a full queue
// behind is evicted and closed.
type Hub struct {
	mu        sync.RWMutex
	topics    map[string]map[Subscriber]*mailbox
	closed    bool
	queueSize int
	dropped   atomic.Uint64
}

// mailbox is the per-subscriber send queue drained by its own goroutine.
type mailbox struct {
	sub      Subscriber
	queue    chan []byte
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	closeSub bool
}

// NewHub creates a Hub whose subscribers buffer DefaultQueueSize payloads.
func NewHub() *Hub {
	return NewHubWithQueue(DefaultQueueSize)
}

// NewHubWithQueue creates a Hub with the given per-subscriber queue size.
func NewHubWithQueue(size int) *Hub {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Hub{
		topics:    make(map[string]map[Subscriber]*mailbox),
		queueSize: size,
	}
}

// Register adds a client to a topic. Registering on a closed hub closes the client.
func (h *Hub) Register(topic string, client Subscriber) {
	mb := &mailbox{
		sub:   client,
		queue: make(chan []byte, h.queueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		client.Close()
		return
	}
	clients, ok := h.topics[topic]
	if !ok {
		clients = make(map[Subscriber]*mailbox)
		h.topics[topic] = clients
	}
	if _, ok := clients[client]; ok {
		h.mu.Unlock()
		return
	}
	clients[client] = mb
	h.mu.Unlock()
	go h.pump(topic, mb)
}

// Unregister removes a client and waits until the hub no longer writes to it.
// The client is left open for the caller to close.
func (h *Hub) Unregister(topic string, client Subscriber) {
	h.mu.RLock()
	mb := h.topics[topic][client]
	h.mu.RUnlock()
	if mb == nil {
		return
	}
	mb.stop(false)
	<-mb.done
}

// Broadcast queues payload for every topic client without blocking. A
// subscriber whose queue is full misses the payload and is evicted.
func (h *Hub) Broadcast(topic string, payload []byte) {
	var slow []*mailbox
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	for _, mb := range h.topics[topic] {
		select {
		case mb.queue <- payload:
		default:
			slow = append(slow, mb)
		}
	}
	h.mu.RUnlock()
	for _, mb := range slow {
		h.dropped.Add(1)
		mb.stop(true)
	}
}

// Subscribers reports how many clients are registered on a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Dropped reports how many payloads were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close stops delivery and closes every registered client once its current
// write returns. It is safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*mailbox
	for _, clients := range h.topics {
		for _, mb := range clients {
			all = append(all, mb)
		}
	}
	h.mu.Unlock()
	for _, mb := range all {
		mb.stop(true)
	}
}

func (h *Hub) pump(topic string, mb *mailbox) {
	defer close(mb.done)
	for {
		select {
		case <-mb.quit:
			h.remove(topic, mb)
			if mb.closeSub {
				mb.sub.Close()
			}
			return
		case payload := <-mb.queue:
			select {
			case <-mb.quit:
				continue
			default:
			}
			if err := mb.sub.Send(payload); err != nil {
				h.remove(topic, mb)
				mb.sub.Close()
				return
			}
		}
	}
}

func (h *Hub) remove(topic string, mb *mailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.topics[topic]
	if clients[mb.sub] != mb {
		return
	}
	delete(clients, mb.sub)
	if len(clients) == 0 {
		delete(h.topics, topic)
	}
}

// stop asks the pump to exit. closeSub is fixed by the first call.
func (mb *mailbox) stop(closeSub bool) {
	mb.stopOnce.Do(func() {
		mb.closeSub = closeSub
		close(mb.quit)
	})
}
