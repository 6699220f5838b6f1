package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/courier/internal/domain/archivestore"
	"github.com/coachpo/courier/internal/domain/schema"
)

// ArchiveStore keeps archived messages in memory.
type ArchiveStore struct {
	mu      sync.RWMutex
	records map[schema.MessageID]archivestore.Record
}

// NewArchiveStore constructs an empty archive.
func NewArchiveStore() *ArchiveStore {
	return &ArchiveStore{records: make(map[schema.MessageID]archivestore.Record)}
}

// Archive stores msg and returns its archive id. Archiving the same message twice returns
// the original id.
func (a *ArchiveStore) Archive(ctx context.Context, msg schema.Message) (uuid.UUID, error) {
	ids, err := a.ArchiveBulk(ctx, []schema.Message{msg})
	if err != nil {
		return uuid.Nil, err
	}
	return ids[msg.ID], nil
}

// ArchiveBulk stores every message and returns one archive id per message.
func (a *ArchiveStore) ArchiveBulk(ctx context.Context, msgs []schema.Message) (map[schema.MessageID]uuid.UUID, error) {
	if err := checkContext(ctx, "archive"); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[schema.MessageID]uuid.UUID, len(msgs))
	now := time.Now().UTC()
	for _, msg := range msgs {
		if existing, ok := a.records[msg.ID]; ok {
			out[msg.ID] = existing.ArchiveID
			continue
		}
		rec := archivestore.Record{ArchiveID: uuid.New(), Message: msg.Clone(), ArchivedAt: now}
		a.records[msg.ID] = rec
		out[msg.ID] = rec.ArchiveID
	}
	return out, nil
}

// Lookup returns the archive record for id.
func (a *ArchiveStore) Lookup(id schema.MessageID) (archivestore.Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.records[id]
	return rec, ok
}

// Len returns the number of archived messages.
func (a *ArchiveStore) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

var _ archivestore.Provider = (*ArchiveStore)(nil)
