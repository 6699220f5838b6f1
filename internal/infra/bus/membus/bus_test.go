package membus

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/schema"
)

func recv(t *testing.T, ch <-chan schema.Message) schema.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return schema.Message{}
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	bus := New(Config{BufferSize: 4})
	defer bus.Close()

	if err := bus.Publish(context.Background(), schema.NewMessage("orders", "", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bus.Published() != 1 {
		t.Fatalf("expected published count 1, got %d", bus.Published())
	}
}

func TestPublishRequiresRoutingKey(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	err := bus.Publish(context.Background(), schema.Message{ID: "x"})
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, _, err := bus.Subscribe(context.Background(), " "); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid request on subscribe, got %v", err)
	}
}

func TestFanoutPreservesOrderPerSubscriber(t *testing.T) {
	bus := New(Config{BufferSize: 8, FanoutWorkers: 2})
	defer bus.Close()

	_, first, err := bus.Subscribe(context.Background(), "orders")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, second, _ := bus.Subscribe(context.Background(), "orders")
	_, other, _ := bus.Subscribe(context.Background(), "payments")

	msgs := []schema.Message{
		schema.NewMessage("orders", "", []byte("1")),
		schema.NewMessage("orders", "", []byte("2")),
		schema.NewMessage("orders", "", []byte("3")),
	}
	if err := bus.PublishBatch(context.Background(), msgs); err != nil {
		t.Fatalf("publish batch: %v", err)
	}
	for _, ch := range []<-chan schema.Message{first, second} {
		for _, want := range msgs {
			if got := recv(t, ch); got.ID != want.ID {
				t.Fatalf("expected %s, got %s", want.ID, got.ID)
			}
		}
	}
	select {
	case msg := <-other:
		t.Fatalf("unexpected delivery to other topic: %s", msg.ID)
	default:
	}
}

func TestDeliveredMessagesAreCopies(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	_, ch, _ := bus.Subscribe(context.Background(), "orders")
	msg := schema.NewMessage("orders", "", []byte("abc"))
	if err := bus.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := recv(t, ch)
	got.Body[0] = 'X'
	if msg.Body[0] != 'a' {
		t.Fatal("subscriber mutated publisher body")
	}
}

func TestDropOldestOnOverflow(t *testing.T) {
	bus := New(Config{BufferSize: 1, Overflow: OverflowDropOldest})
	defer bus.Close()

	_, ch, _ := bus.Subscribe(context.Background(), "orders")
	older := schema.NewMessage("orders", "", []byte("old"))
	newer := schema.NewMessage("orders", "", []byte("new"))
	_ = bus.Publish(context.Background(), older)
	if err := bus.Publish(context.Background(), newer); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := recv(t, ch); got.ID != newer.ID {
		t.Fatalf("expected newest message to survive, got %s", got.ID)
	}
}

func TestBlockingOverflowHonoursContext(t *testing.T) {
	bus := New(Config{BufferSize: 1})
	defer bus.Close()

	_, _, _ = bus.Subscribe(context.Background(), "orders")
	_ = bus.Publish(context.Background(), schema.NewMessage("orders", "", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, schema.NewMessage("orders", "", nil))
	if !errs.IsCode(err, errs.CodeTransientSend) {
		t.Fatalf("expected transient send, got %v", err)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	id, ch, _ := bus.Subscribe(context.Background(), "orders")
	bus.Unsubscribe(id)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if err := bus.Publish(context.Background(), schema.NewMessage("orders", "", nil)); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	bus := New(Config{})
	bus.Close()
	bus.Close()

	err := bus.Publish(context.Background(), schema.NewMessage("orders", "", nil))
	if !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
