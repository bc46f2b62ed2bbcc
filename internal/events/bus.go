// Package events emits client telemetry signals to live subscribers.
//
// Emission is fire-and-forget: failures are logged and never returned to the
// caller. Nothing in the ingestion path depends on an event being delivered.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/splax/togglemetrics/internal/domain"
	"github.com/splax/togglemetrics/internal/ws"
)

// Topic is the hub topic client events are broadcast on.
const Topic = "client-events"

const (
	defaultPublishTimeout = 250 * time.Millisecond
	defaultQueueSize      = 1024
)

// Emitter is the contract the ingestion coordinator depends on.
type Emitter interface {
	Emit(ctx context.Context, event domain.Event)
}

// Publisher forwards encoded events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Bus fans events out to the local hub and an optional Publisher. Emit only
// queues the event; a single dispatch goroutine does the delivery, so a slow
// hub subscriber or broker never stalls the caller.
type Bus struct {
	hub       *ws.Hub
	publisher Publisher
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
	newID     func() string

	queue     chan domain.Event
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewBus constructs a Bus and starts its dispatcher. Either hub or publisher
// may be nil. Close stops the dispatcher.
func NewBus(hub *ws.Hub, publisher Publisher, logger *slog.Logger) *Bus {
	return newBus(hub, publisher, logger, defaultQueueSize)
}

func newBus(hub *ws.Hub, publisher Publisher, logger *slog.Logger, size int) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Bus{
		hub:       hub,
		publisher: publisher,
		logger:    logger.With("component", "event_bus"),
		timeout:   defaultPublishTimeout,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		queue:     make(chan domain.Event, size),
		done:      make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Emit stamps an event and queues it for delivery. It never blocks: when the
// queue is full the event is dropped and logged.
func (b *Bus) Emit(_ context.Context, event domain.Event) {
	if b == nil {
		return
	}
	if event.ID == "" {
		event.ID = b.newID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = b.now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- event:
	default:
		b.dropped.Add(1)
		b.logger.Warn("client event dropped, dispatch queue full", "kind", event.Kind, "event_id", event.ID, "app_name", event.AppName)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close delivers the events already queued and stops the dispatcher.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
		<-b.done
	})
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for event := range b.queue {
		b.deliver(event)
	}
}

func (b *Bus) deliver(event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("failed to marshal client event", "error", err, "kind", event.Kind)
		return
	}
	if b.hub != nil {
		b.hub.Broadcast(Topic, payload)
	}
	if b.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.publisher.Publish(ctx, payload); err != nil {
		b.logger.Warn("failed to publish client event", "error", err, "kind", event.Kind, "event_id", event.ID)
	}
}

// Hub exposes the hub for streaming handlers.
func (b *Bus) Hub() *ws.Hub {
	if b == nil {
		return nil
	}
	return b.hub
}
