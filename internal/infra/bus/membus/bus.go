// Package membus provides an in-process pub/sub bus keyed by routing key.
package membus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/infra/telemetry"
	"github.com/coachpo/courier/internal/observability"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// OverflowPolicy selects what happens when a subscriber buffer is full.
type OverflowPolicy int

const (
	// OverflowBlock waits for buffer space until the publish context ends.
	OverflowBlock OverflowPolicy = iota
	// OverflowDropOldest evicts the oldest buffered message to make room.
	OverflowDropOldest
)

// Config configures the in-memory bus buffers.
type Config struct {
	BufferSize    int
	FanoutWorkers int
	Overflow      OverflowPolicy
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

// Bus fans messages out to every subscriber of their routing key, in publish order.
type Bus struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.RoutingKey]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64
	published    atomic.Int64

	publishedCounter  metric.Int64Counter
	subscriberGauge   metric.Int64UpDownCounter
	droppedCounter    metric.Int64Counter
	fanoutHistogram   metric.Int64Histogram
	publishDurationMs metric.Float64Histogram
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.Message
	once   sync.Once

	// mu is held for reading while sending and for writing while closing ch.
	mu     sync.RWMutex
	closed bool
}

// New constructs a memory-backed bus.
func New(cfg Config) *Bus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := new(Bus)
	b.cfg = cfg
	b.ctx = ctx
	b.cancel = cancel
	b.subscribers = make(map[schema.RoutingKey]map[SubscriptionID]*subscriber)

	meter := otel.Meter("membus")
	b.publishedCounter, _ = meter.Int64Counter("membus.messages.published",
		metric.WithDescription("Number of messages published to the in-memory bus"),
		metric.WithUnit("{message}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("membus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	b.droppedCounter, _ = meter.Int64Counter("membus.delivery.dropped",
		metric.WithDescription("Messages evicted because a subscriber buffer was full"),
		metric.WithUnit("{message}"))
	b.fanoutHistogram, _ = meter.Int64Histogram("membus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	b.publishDurationMs, _ = meter.Float64Histogram("membus.publish.duration",
		metric.WithDescription("Latency of membus publish operations"),
		metric.WithUnit("ms"))
	return b
}

// Publish delivers msg to every subscriber of its routing key.
func (b *Bus) Publish(ctx context.Context, msg schema.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	key := msg.RoutingKey()
	if key == "" {
		return errs.New("membus/publish", errs.CodeInvalid, errs.WithMessage("routing key required"))
	}
	if err := b.ctx.Err(); err != nil {
		return errs.New("membus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	start := time.Now()
	result := "success"
	defer func() {
		attrs := telemetry.OperationResultAttributes(telemetry.Environment(), string(key), "membus.publish", result)
		b.publishDurationMs.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
	}()

	b.mu.RLock()
	subMap := b.subscribers[key]
	subs := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	b.fanoutHistogram.Record(ctx, int64(len(subs)), metric.WithAttributes(telemetry.RoutingAttributes(telemetry.Environment(), string(key))...))
	b.published.Add(1)

	if len(subs) == 0 {
		result = "no_subscribers"
		return nil
	}
	if err := b.dispatch(ctx, subs, msg); err != nil {
		result = "dispatch_failed"
		return err
	}
	b.publishedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.RoutingAttributes(telemetry.Environment(), string(key))...))
	return nil
}

// PublishBatch publishes each message in order, stopping at the first failure.
func (b *Bus) PublishBatch(ctx context.Context, msgs []schema.Message) error {
	for _, msg := range msgs {
		if err := b.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers for messages on key and returns a subscription ID and channel.
func (b *Bus) Subscribe(ctx context.Context, key schema.RoutingKey) (SubscriptionID, <-chan schema.Message, error) {
	key = key.Normalize()
	if key == "" {
		return "", nil, errs.New("membus/subscribe", errs.CodeInvalid, errs.WithMessage("routing key required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan schema.Message, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[key][id] = sub
	b.mu.Unlock()

	b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.RoutingAttributes(telemetry.Environment(), string(key))...))

	go b.observe(key, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes the channel.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for key, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, key)
			}
			b.mu.Unlock()
			b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.RoutingAttributes(telemetry.Environment(), string(key))...))
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Published returns the number of messages accepted by Publish.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// Close shuts down the bus and all subscriptions.
func (b *Bus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for key, subs := range b.subscribers {
			for id, sub := range subs {
				sub.close()
				delete(subs, id)
			}
			delete(b.subscribers, key)
		}
		b.mu.Unlock()
	})
}

func (b *Bus) observe(key schema.RoutingKey, id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	if subs := b.subscribers[key]; subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, key)
			}
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (b *Bus) dispatch(ctx context.Context, subs []*subscriber, msg schema.Message) error {
	p := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		p.Go(func() error {
			return b.deliver(ctx, sub, msg.Clone())
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("membus dispatch: %w", err)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, sub *subscriber, msg schema.Message) error {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.closed || sub.ctx.Err() != nil {
		return nil
	}
	select {
	case sub.ch <- msg:
		return nil
	default:
	}
	if b.cfg.Overflow == OverflowDropOldest {
		select {
		case <-sub.ch:
			observability.Log().Info("membus: subscriber buffer full; dropped oldest message",
				observability.Field{Key: "routing_key", Value: string(msg.RoutingKey())})
			b.droppedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.RoutingAttributes(telemetry.Environment(), string(msg.RoutingKey()))...))
		default:
		}
	}
	select {
	case <-b.ctx.Done():
		return errs.New("membus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return errs.New("membus/publish", errs.CodeTransientSend, errs.WithMessage("deliver"), errs.WithCause(ctx.Err()))
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- msg:
		return nil
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
