package schema

import (
	"iter"

	"github.com/coachpo/courier/errs"
)

// Batch is an ordered group of messages sharing one routing key.
type Batch struct {
	messages []Message
}

// NewBatch assembles a batch, failing fast when routing keys differ or the input is empty.
func NewBatch(messages ...Message) (Batch, error) {
	if len(messages) == 0 {
		return Batch{}, errs.New("schema/batch", errs.CodeInvalid, errs.WithMessage("batch requires at least one message"))
	}
	b := Batch{messages: append([]Message(nil), messages...)}
	if _, err := b.RoutingKey(); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// RoutingKey returns the single routing key shared by every message.
func (b Batch) RoutingKey() (RoutingKey, error) {
	if len(b.messages) == 0 {
		return "", errs.New("schema/batch", errs.CodeBatchIntegrity, errs.WithMessage("empty batch has no routing key"))
	}
	key := b.messages[0].RoutingKey()
	for _, msg := range b.messages[1:] {
		if msg.RoutingKey() != key {
			return "", errs.New("schema/batch", errs.CodeBatchIntegrity,
				errs.WithMessage("batch mixes routing keys"),
				errs.WithField("first", string(key)),
				errs.WithField("other", string(msg.RoutingKey())),
				errs.WithRemediation("group messages by routing key before batching"))
		}
	}
	return key, nil
}

// IDs yields the contained message ids in batch order. The sequence may be ranged over repeatedly.
func (b Batch) IDs() iter.Seq[MessageID] {
	return func(yield func(MessageID) bool) {
		for _, msg := range b.messages {
			if !yield(msg.ID) {
				return
			}
		}
	}
}

// IDList materialises IDs into a slice.
func (b Batch) IDList() []MessageID {
	out := make([]MessageID, 0, len(b.messages))
	for id := range b.IDs() {
		out = append(out, id)
	}
	return out
}

// Messages returns a copy of the batch contents.
func (b Batch) Messages() []Message {
	return append([]Message(nil), b.messages...)
}

// Len returns the number of messages.
func (b Batch) Len() int { return len(b.messages) }

// GroupByRoutingKey partitions messages into batches, keeping first-seen key order and
// the original order within each key.
func GroupByRoutingKey(messages []Message) []Batch {
	if len(messages) == 0 {
		return nil
	}
	order := make([]RoutingKey, 0)
	groups := make(map[RoutingKey][]Message)
	for _, msg := range messages {
		key := msg.RoutingKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], msg)
	}
	batches := make([]Batch, 0, len(order))
	for _, key := range order {
		batches = append(batches, Batch{messages: groups[key]})
	}
	return batches
}
