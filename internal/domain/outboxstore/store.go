// Package outboxstore defines persistence contracts for the transactional outbox.
package outboxstore

import (
	"context"
	"time"

	"github.com/coachpo/courier/internal/domain/schema"
)

// Entry captures the persisted state of an outbox message.
type Entry struct {
	Message      schema.Message
	CreatedAt    time.Time
	DispatchedAt *time.Time
	Attempts     int
	LastError    string
	DeadLettered bool
}

// Outstanding reports whether the entry still needs to be dispatched.
func (e Entry) Outstanding() bool {
	return e.DispatchedAt == nil
}

// OutstandingQuery selects a page of outstanding entries.
type OutstandingQuery struct {
	PageSize   int
	PageNumber int
	// MinAge excludes entries created less than MinAge ago.
	MinAge time.Duration
	// ExcludeTopics drops entries on these routing keys before paging.
	ExcludeTopics []schema.RoutingKey
}

// Excludes reports whether the query filters out key.
func (q OutstandingQuery) Excludes(key schema.RoutingKey) bool {
	for _, k := range q.ExcludeTopics {
		if k == key {
			return true
		}
	}
	return false
}

// Store abstracts persistence operations for the outbox.
//
// Paged reads are ordered by creation time ascending, ties broken by id, and page numbers
// start at 1. Mark operations are conditional on the entry being outstanding and return the
// number of rows they changed.
type Store interface {
	Add(ctx context.Context, msg schema.Message) error
	BulkAdd(ctx context.Context, msgs []schema.Message) error

	GetOutstanding(ctx context.Context, q OutstandingQuery) ([]Entry, error)
	GetDispatched(ctx context.Context, since time.Time, pageSize, pageNumber int) ([]Entry, error)
	GetAll(ctx context.Context, pageSize, pageNumber int) ([]Entry, error)
	Get(ctx context.Context, id schema.MessageID) (Entry, error)
	GetMany(ctx context.Context, ids []schema.MessageID) ([]Entry, error)

	MarkDispatched(ctx context.Context, id schema.MessageID, at time.Time) (int, error)
	MarkDispatchedBulk(ctx context.Context, ids []schema.MessageID, at time.Time) (int, error)
	RecordAttempt(ctx context.Context, ids []schema.MessageID, lastError string) error
	MarkDeadLettered(ctx context.Context, ids []schema.MessageID, at time.Time, reason string) (int, error)

	Delete(ctx context.Context, ids []schema.MessageID) error
	CountOutstanding(ctx context.Context) (int, error)
}

// Transactor runs fn inside a store transaction. Stores that support transactional writes
// attach the transaction to the context passed to fn so that Add joins the caller's
// business transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DeadLetter is a quarantined entry that exhausted its dispatch attempts.
type DeadLetter struct {
	Entry    Entry
	Reason   string
	FailedAt time.Time
}

// DeadLetterSink receives entries routed off the dispatch path.
type DeadLetterSink interface {
	Quarantine(ctx context.Context, letters []DeadLetter) error
}

// Offset converts a 1-based page number into a row offset, clamping invalid input to the first page.
func Offset(pageSize, pageNumber int) int {
	if pageNumber < 1 {
		pageNumber = 1
	}
	return (pageNumber - 1) * pageSize
}
