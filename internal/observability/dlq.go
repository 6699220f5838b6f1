package observability

import (
	"context"
	"sync"

	"github.com/coachpo/courier/internal/domain/outboxstore"
)

// DeadLetterQueue quarantines outbox entries that exhausted their dispatch attempts.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	letters  []outboxstore.DeadLetter
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.letters = make([]outboxstore.DeadLetter, 0)
	return queue
}

// Quarantine records every letter and logs it.
func (q *DeadLetterQueue) Quarantine(_ context.Context, letters []outboxstore.DeadLetter) error {
	for _, letter := range letters {
		q.Offer(letter)
		Log().Error("outbox entry dead-lettered",
			Field{Key: "message_id", Value: string(letter.Entry.Message.ID)},
			Field{Key: "routing_key", Value: string(letter.Entry.Message.RoutingKey())},
			Field{Key: "attempts", Value: letter.Entry.Attempts},
			Field{Key: "reason", Value: letter.Reason})
	}
	return nil
}

// Offer records a dead letter in the DLQ.
func (q *DeadLetterQueue) Offer(letter outboxstore.DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	letter.Entry.Message = letter.Entry.Message.Clone()
	if q.capacity > 0 && len(q.letters) >= q.capacity {
		// Drop oldest letter to make space for new record.
		copy(q.letters[0:], q.letters[1:])
		q.letters[len(q.letters)-1] = letter
		return
	}
	q.letters = append(q.letters, letter)
}

// Drain retrieves and clears all queued letters.
func (q *DeadLetterQueue) Drain() []outboxstore.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]outboxstore.DeadLetter, len(q.letters))
	copy(drained, q.letters)
	q.letters = q.letters[:0]
	return drained
}

// Len returns the number of queued letters.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.letters)
}

var _ outboxstore.DeadLetterSink = (*DeadLetterQueue)(nil)
