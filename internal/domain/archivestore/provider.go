// Package archivestore defines the boundary for moving dispatched messages to cold storage.
package archivestore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/courier/internal/domain/schema"
)

// Record is an archived message tagged with its archive correlation id.
type Record struct {
	ArchiveID  uuid.UUID
	Message    schema.Message
	ArchivedAt time.Time
}

// Provider accepts dispatched messages for long-term storage.
//
// A returned archive id is the write-ahead confirmation the caller needs before it may delete
// the message from the active outbox. ArchiveBulk returns ids only for messages it stored;
// messages absent from the map must stay in the outbox.
type Provider interface {
	Archive(ctx context.Context, msg schema.Message) (uuid.UUID, error)
	ArchiveBulk(ctx context.Context, msgs []schema.Message) (map[schema.MessageID]uuid.UUID, error)
}
