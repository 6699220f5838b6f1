// Package websocket implements outbox producers that push JSON frames over a websocket.
package websocket

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/producer"
)

// Driver is the publication driver name handled by this package.
const Driver = "websocket"

const (
	defaultDialTimeout          = 10 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultMaxReconnectInterval = 20 * time.Second
	defaultDialAttempts         = 3
)

// Config holds connection defaults shared by websocket producers.
type Config struct {
	URL                  string
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxReconnectInterval time.Duration
	DialAttempts         uint
}

func (c Config) normalize() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = defaultDialAttempts
	}
	return c
}

// Frame is the JSON document written for every message.
type Frame struct {
	ID            schema.MessageID  `json:"id"`
	Topic         schema.RoutingKey `json:"topic"`
	MessageType   string            `json:"messageType,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlationId,omitempty"`
	PartitionKey  string            `json:"partitionKey,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
	Bag           map[string]string `json:"bag,omitempty"`
	Body          []byte            `json:"body"`
}

// FrameOf converts a message into its wire frame.
func FrameOf(msg schema.Message) Frame {
	return Frame{
		ID:            msg.ID,
		Topic:         msg.RoutingKey(),
		MessageType:   msg.Header.MessageType,
		Timestamp:     msg.Header.Timestamp,
		CorrelationID: msg.Header.CorrelationID,
		PartitionKey:  msg.Header.PartitionKey,
		ContentType:   msg.Header.ContentType,
		Bag:           msg.Header.Bag,
		Body:          msg.Body,
	}
}

// NewFactory returns a producer.Factory for websocket publications. The "url" publication
// property overrides Config.URL. Connections are dialled lazily on first send.
func NewFactory(cfg Config) producer.Factory {
	cfg = cfg.normalize()
	return func(_ context.Context, pub producer.Publication) (producer.Producer, error) {
		url := pub.Property("url", strings.TrimSpace(cfg.URL))
		if url == "" {
			return nil, errs.New("websocket/producer", errs.CodeConfiguration,
				errs.WithMessage("url required"), errs.WithField("topic", string(pub.Topic)))
		}
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return nil, errs.New("websocket/producer", errs.CodeConfiguration,
				errs.WithMessage("url must use ws or wss scheme"), errs.WithField("url", url))
		}
		return &Producer{pub: pub, url: url, cfg: cfg}, nil
	}
}

// Producer writes frames to one websocket endpoint.
type Producer struct {
	pub producer.Publication
	url string
	cfg Config

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Publication returns the bound publication.
func (p *Producer) Publication() producer.Publication { return p.pub }

// Send writes one frame, reconnecting first when the previous connection was lost.
func (p *Producer) Send(ctx context.Context, msg schema.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(ctx, msg)
}

// SendBatch writes one frame per message in order, stopping at the first failure.
func (p *Producer) SendBatch(ctx context.Context, batch schema.Batch) error {
	if _, err := batch.RoutingKey(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range batch.Messages() {
		if err := p.write(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the connection. Later sends fail as unavailable.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close(websocket.StatusNormalClosure, "shutdown")
	p.conn = nil
	if err != nil {
		return fmt.Errorf("close websocket %s: %w", p.url, err)
	}
	return nil
}

func (p *Producer) write(ctx context.Context, msg schema.Message) error {
	if p.closed {
		return errs.New("websocket/producer", errs.CodeUnavailable, errs.WithMessage("producer closed"))
	}
	payload, err := json.Marshal(FrameOf(msg))
	if err != nil {
		return errs.New("websocket/producer", errs.CodeInvalid, errs.WithMessage("encode frame"), errs.WithCause(err))
	}
	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		_ = conn.CloseNow()
		p.conn = nil
		return producer.ClassifySend("websocket/producer", p.pub, fmt.Errorf("write %s: %w", msg.ID, err))
	}
	return nil
}

// connect returns the live connection or dials a new one with exponential backoff.
func (p *Producer) connect(ctx context.Context) (*websocket.Conn, error) {
	if p.conn != nil {
		return p.conn, nil
	}
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = p.cfg.MaxReconnectInterval

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()
		conn, _, err := websocket.Dial(dialCtx, p.url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", p.url, err)
		}
		return conn, nil
	}, backoff.WithBackOff(backoffCfg), backoff.WithMaxTries(p.cfg.DialAttempts))
	if err != nil {
		return nil, producer.ClassifySend("websocket/producer", p.pub, err)
	}
	p.conn = conn
	return conn, nil
}

var _ producer.Producer = (*Producer)(nil)
