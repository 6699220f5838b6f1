// Package kafka implements outbox producers on top of IBM/sarama.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/producer"
)

const (
	// Driver is the publication driver name handled by this package.
	Driver = "kafka"

	headerMessageID     = "message-id"
	headerMessageType   = "message-type"
	headerCorrelationID = "correlation-id"
	headerContentType   = "content-type"
	headerTimestamp     = "timestamp"
	headerBagPrefix     = "bag-"
)

// Config describes the Kafka cluster producers connect to.
type Config struct {
	Brokers      []string
	ClientID     string
	Version      string
	RequiredAcks string
	Timeout      time.Duration
	MaxRetries   int
}

// NewSyncProducerFunc builds the underlying sarama producer. Tests replace it with mocks.
type NewSyncProducerFunc func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error)

// Option configures the factory.
type Option func(*factory)

// WithSyncProducer overrides how sarama producers are constructed.
func WithSyncProducer(fn NewSyncProducerFunc) Option {
	return func(f *factory) {
		if fn != nil {
			f.newProducer = fn
		}
	}
}

type factory struct {
	cfg         Config
	newProducer NewSyncProducerFunc
}

// NewFactory returns a producer.Factory for kafka publications.
//
// Publication properties:
//
//	topic    Kafka topic, defaults to the routing key
//	brokers  comma separated broker list overriding Config.Brokers
func NewFactory(cfg Config, opts ...Option) producer.Factory {
	f := &factory{cfg: cfg, newProducer: sarama.NewSyncProducer}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f.create
}

func (f *factory) create(_ context.Context, pub producer.Publication) (producer.Producer, error) {
	brokers := f.cfg.Brokers
	if raw := pub.Property("brokers", ""); raw != "" {
		brokers = splitList(raw)
	}
	if len(brokers) == 0 {
		return nil, errs.New("kafka/producer", errs.CodeConfiguration,
			errs.WithMessage("brokers required"), errs.WithField("topic", string(pub.Topic)))
	}
	scfg, err := SaramaConfig(f.cfg)
	if err != nil {
		return nil, err
	}
	sp, err := f.newProducer(brokers, scfg)
	if err != nil {
		return nil, errs.New("kafka/producer", errs.CodeConfiguration,
			errs.WithMessage("create sync producer"),
			errs.WithField("topic", string(pub.Topic)),
			errs.WithCause(err))
	}
	return &Producer{
		pub:   pub,
		topic: pub.Property("topic", string(pub.Topic)),
		sp:    sp,
	}, nil
}

// SaramaConfig translates Config into a sarama configuration for synchronous sends.
func SaramaConfig(cfg Config) (*sarama.Config, error) {
	scfg := sarama.NewConfig()
	scfg.Producer.Return.Successes = true
	scfg.Producer.Return.Errors = true
	scfg.Producer.Idempotent = false
	if id := strings.TrimSpace(cfg.ClientID); id != "" {
		scfg.ClientID = id
	} else {
		scfg.ClientID = "courier"
	}
	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, errs.New("kafka/producer", errs.CodeConfiguration,
				errs.WithMessage("invalid kafka version"), errs.WithField("version", cfg.Version), errs.WithCause(err))
		}
		scfg.Version = version
	}
	switch strings.ToLower(strings.TrimSpace(cfg.RequiredAcks)) {
	case "", "all", "wait_for_all":
		scfg.Producer.RequiredAcks = sarama.WaitForAll
	case "local", "wait_for_local":
		scfg.Producer.RequiredAcks = sarama.WaitForLocal
	case "none", "no_response":
		scfg.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, errs.New("kafka/producer", errs.CodeConfiguration,
			errs.WithMessage("invalid required acks"), errs.WithField("requiredAcks", cfg.RequiredAcks))
	}
	if cfg.Timeout > 0 {
		scfg.Producer.Timeout = cfg.Timeout
	}
	if cfg.MaxRetries > 0 {
		scfg.Producer.Retry.Max = cfg.MaxRetries
	}
	return scfg, nil
}

// Producer sends outbox messages to a single Kafka topic.
type Producer struct {
	pub   producer.Publication
	topic string
	sp    sarama.SyncProducer
}

// Publication returns the bound publication.
func (p *Producer) Publication() producer.Publication { return p.pub }

// Send writes msg synchronously and waits for the broker acknowledgement.
func (p *Producer) Send(ctx context.Context, msg schema.Message) error {
	if err := ctx.Err(); err != nil {
		return producer.ClassifySend("kafka/producer", p.pub, err)
	}
	if _, _, err := p.sp.SendMessage(p.encode(msg)); err != nil {
		return producer.ClassifySend("kafka/producer", p.pub, fmt.Errorf("send message %s: %w", msg.ID, err))
	}
	return nil
}

// SendBatch writes every message of the batch in one request.
func (p *Producer) SendBatch(ctx context.Context, batch schema.Batch) error {
	if _, err := batch.RoutingKey(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return producer.ClassifySend("kafka/producer", p.pub, err)
	}
	msgs := batch.Messages()
	out := make([]*sarama.ProducerMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, p.encode(msg))
	}
	if err := p.sp.SendMessages(out); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			err = fmt.Errorf("%d of %d messages failed: %w", len(perrs), len(out), err)
		}
		return producer.ClassifySend("kafka/producer", p.pub, err)
	}
	return nil
}

// Close releases the sarama producer.
func (p *Producer) Close() error {
	if err := p.sp.Close(); err != nil {
		return fmt.Errorf("close kafka producer %s: %w", p.topic, err)
	}
	return nil
}

func (p *Producer) encode(msg schema.Message) *sarama.ProducerMessage {
	key := msg.Header.PartitionKey
	if key == "" {
		key = string(msg.ID)
	}
	headers := []sarama.RecordHeader{
		{Key: []byte(headerMessageID), Value: []byte(msg.ID)},
	}
	add := func(k, v string) {
		if v != "" {
			headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
		}
	}
	add(headerMessageType, msg.Header.MessageType)
	add(headerCorrelationID, msg.Header.CorrelationID)
	add(headerContentType, msg.Header.ContentType)
	if !msg.Header.Timestamp.IsZero() {
		add(headerTimestamp, msg.Header.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	for k, v := range msg.Header.Bag {
		add(headerBagPrefix+k, v)
	}
	return &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(msg.Body),
		Headers:   headers,
		Timestamp: msg.Header.Timestamp,
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

var _ producer.Producer = (*Producer)(nil)
