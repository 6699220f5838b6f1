// Package producer binds publications to broker producers and resolves them by routing key.
package producer

import (
	"context"
	"strings"
	"time"

	"github.com/coachpo/courier/internal/domain/schema"
)

// Publication describes a destination a producer sends to.
type Publication struct {
	Topic schema.RoutingKey
	// Driver selects the factory that builds the producer (kafka, websocket, memory).
	Driver      string
	MessageType string
	// RateLimit caps messages per second handed to the producer; zero disables throttling.
	RateLimit  float64
	RateBurst  int
	Timeout    time.Duration
	Properties map[string]string
}

// Normalize trims identifiers and lower-cases the driver name.
func (p Publication) Normalize() Publication {
	p.Topic = p.Topic.Normalize()
	p.Driver = strings.ToLower(strings.TrimSpace(p.Driver))
	p.MessageType = strings.TrimSpace(p.MessageType)
	return p
}

// Property returns a driver property or fallback when empty.
func (p Publication) Property(key, fallback string) string {
	if v := strings.TrimSpace(p.Properties[key]); v != "" {
		return v
	}
	return fallback
}

// Producer sends messages for a single publication.
type Producer interface {
	Publication() Publication
	Send(ctx context.Context, msg schema.Message) error
	SendBatch(ctx context.Context, batch schema.Batch) error
	Close() error
}

// Factory builds a producer for a publication.
type Factory func(ctx context.Context, pub Publication) (Producer, error)
