// Package schema defines the message envelope and batch types moved through the outbox.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageID uniquely identifies a message across the outbox, archive and brokers.
type MessageID string

// NewMessageID returns a random message identifier.
func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

// String returns the raw identifier.
func (id MessageID) String() string { return string(id) }

// RoutingKey names the logical destination (topic or queue) of a message.
type RoutingKey string

// String returns the raw routing key.
func (k RoutingKey) String() string { return string(k) }

// Normalize trims surrounding whitespace.
func (k RoutingKey) Normalize() RoutingKey {
	return RoutingKey(strings.TrimSpace(string(k)))
}

// Header carries routing and correlation metadata for a message.
type Header struct {
	Topic         RoutingKey        `json:"topic"`
	MessageType   string            `json:"messageType,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlationId,omitempty"`
	PartitionKey  string            `json:"partitionKey,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
	Bag           map[string]string `json:"bag,omitempty"`
}

// Message is the immutable envelope handed to producers. Identity is ID.
type Message struct {
	ID     MessageID `json:"id"`
	Header Header    `json:"header"`
	Body   []byte    `json:"body"`
}

// NewMessage builds a message for topic with a generated id and the current timestamp.
func NewMessage(topic RoutingKey, messageType string, body []byte) Message {
	return Message{
		ID: NewMessageID(),
		Header: Header{
			Topic:       topic.Normalize(),
			MessageType: strings.TrimSpace(messageType),
			Timestamp:   time.Now().UTC(),
		},
		Body: append([]byte(nil), body...),
	}
}

// RoutingKey returns the topic the message is addressed to.
func (m Message) RoutingKey() RoutingKey {
	return m.Header.Topic
}

// Equal reports whether both messages share the same id.
func (m Message) Equal(other Message) bool {
	return m.ID == other.ID
}

// Clone returns a deep copy so callers cannot mutate shared body or bag storage.
func (m Message) Clone() Message {
	out := m
	if m.Body != nil {
		out.Body = append([]byte(nil), m.Body...)
	}
	if m.Header.Bag != nil {
		out.Header.Bag = make(map[string]string, len(m.Header.Bag))
		for k, v := range m.Header.Bag {
			out.Header.Bag[k] = v
		}
	}
	return out
}
