package producer

import (
	"context"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/schema"
)

// Publisher is the in-process sink shared by memory producers.
type Publisher interface {
	Publish(ctx context.Context, msg schema.Message) error
	PublishBatch(ctx context.Context, msgs []schema.Message) error
}

// NewInMemoryFactory binds every publication to bus so all producers share one ordered stream.
func NewInMemoryFactory(bus Publisher) Factory {
	return func(_ context.Context, pub Publication) (Producer, error) {
		if bus == nil {
			return nil, errs.New("producer/memory", errs.CodeConfiguration, errs.WithMessage("bus required"))
		}
		return &memoryProducer{pub: pub, bus: bus}, nil
	}
}

type memoryProducer struct {
	pub Publication
	bus Publisher
}

func (m *memoryProducer) Publication() Publication { return m.pub }

func (m *memoryProducer) Send(ctx context.Context, msg schema.Message) error {
	if err := m.bus.Publish(ctx, msg); err != nil {
		return ClassifySend("producer/memory", m.pub, err)
	}
	return nil
}

func (m *memoryProducer) SendBatch(ctx context.Context, batch schema.Batch) error {
	if _, err := batch.RoutingKey(); err != nil {
		return err
	}
	if err := m.bus.PublishBatch(ctx, batch.Messages()); err != nil {
		return ClassifySend("producer/memory", m.pub, err)
	}
	return nil
}

func (m *memoryProducer) Close() error { return nil }

// ClassifySend keeps coded errors as they are and wraps the rest as transient send failures.
func ClassifySend(component string, pub Publication, err error) error {
	if _, ok := errs.CodeOf(err); ok {
		return err
	}
	return errs.New(component, errs.CodeTransientSend,
		errs.WithMessage("send failed"),
		errs.WithField("topic", string(pub.Topic)),
		errs.WithCause(err))
}
