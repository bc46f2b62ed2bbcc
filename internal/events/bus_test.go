package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/togglemetrics/internal/domain"
	"github.com/splax/togglemetrics/internal/ws"
)

type captureSubscriber struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (s *captureSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, append([]byte(nil), payload...))
	return nil
}

func (s *captureSubscriber) Close() {}

func (s *captureSubscriber) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.msgs...)
}

type failingPublisher struct {
	calls int
}

func (p *failingPublisher) Publish(context.Context, []byte) error {
	p.calls++
	return errors.New("broker down")
}

func TestBusEmitStampsAndBroadcasts(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	sub := &captureSubscriber{}
	hub.Register(Topic, sub)

	bus := NewBus(hub, nil, nil)
	now := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return now }
	bus.newID = func() string { return "evt-1" }

	bus.Emit(context.Background(), domain.Event{Kind: domain.EventClientMetrics, AppName: "web", InstanceID: "i1"})
	hub.Subscribers(Topic)

	msgs := sub.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(msgs))
	}
	var got domain.Event
	if err := json.Unmarshal(msgs[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "evt-1" || got.Kind != domain.EventClientMetrics || got.AppName != "web" {
		t.Fatalf("unexpected event %+v", got)
	}
	if !got.OccurredAt.Equal(now) {
		t.Fatalf("expected occurred_at stamped, got %v", got.OccurredAt)
	}
}

func TestBusEmitSwallowsPublisherErrors(t *testing.T) {
	pub := &failingPublisher{}
	bus := NewBus(nil, pub, nil)
	bus.Emit(context.Background(), domain.Event{Kind: domain.EventClientRegister})
	bus.Close()
	if pub.calls != 1 {
		t.Fatalf("expected publisher called once, got %d", pub.calls)
	}
}

func TestBusEmitIgnoresCancelledCaller(t *testing.T) {
	srv := miniredis.RunT(t)
	pub, err := NewRedisPublisher(srv.Addr(), "", 0, "")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer pub.Close()

	reader := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer reader.Close()
	sub := reader.Subscribe(context.Background(), DefaultChannel)
	defer sub.Close()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus := NewBus(nil, pub, nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Emit(ctx, domain.Event{Kind: domain.EventClientRegister, AppName: "web", InstanceID: "i9"})

	select {
	case msg := <-sub.Channel():
		var got domain.Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Kind != domain.EventClientRegister || got.InstanceID != "i9" {
			t.Fatalf("unexpected event %+v", got)
		}
		if got.ID == "" {
			t.Fatal("expected uuid event id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected event published to redis")
	}
}

func TestNewRedisPublisherRequiresAddress(t *testing.T) {
	if _, err := NewRedisPublisher("", "", 0, ""); err == nil {
		t.Fatal("expected error for empty address")
	}
}

type blockingPublisher struct {
	release chan struct{}
}

func (p *blockingPublisher) Publish(ctx context.Context, _ []byte) error {
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestBusEmitNeverWaitsForDelivery(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	bus := newBus(nil, pub, nil, 1)
	bus.timeout = time.Minute

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Emit(context.Background(), domain.Event{Kind: domain.EventClientMetrics, AppName: "web"})
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("emit waited on a stalled publisher for %v", elapsed)
	}
	if bus.Dropped() == 0 {
		t.Fatal("expected overflowing events to be dropped")
	}
	close(pub.release)
	bus.Close()
	bus.Emit(context.Background(), domain.Event{Kind: domain.EventClientMetrics})
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.Emit(context.Background(), domain.Event{})
	bus.Close()
	if bus.Hub() != nil {
		t.Fatal("expected nil hub")
	}
}
