// Package memory provides in-process implementations of the outbox and archive stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/outboxstore"
	"github.com/coachpo/courier/internal/domain/schema"
)

// OutboxStore is a mutex-guarded outbox used by tests and intra-process deployments.
type OutboxStore struct {
	mu      sync.RWMutex
	entries map[schema.MessageID]*record
	seq     uint64
	now     func() time.Time
}

type record struct {
	entry outboxstore.Entry
	seq   uint64
}

// Option configures the memory outbox.
type Option func(*OutboxStore)

// WithClock overrides the clock used to stamp CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *OutboxStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewOutboxStore constructs an empty memory outbox.
func NewOutboxStore(opts ...Option) *OutboxStore {
	s := &OutboxStore{
		entries: make(map[schema.MessageID]*record),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Add stores msg as outstanding. Re-adding an existing id is a no-op.
func (s *OutboxStore) Add(ctx context.Context, msg schema.Message) error {
	return s.BulkAdd(ctx, []schema.Message{msg})
}

// BulkAdd stores every message, skipping ids already present.
func (s *OutboxStore) BulkAdd(ctx context.Context, msgs []schema.Message) error {
	if err := checkContext(ctx, "bulk add"); err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.ID == "" {
			return errs.New("outbox/memory", errs.CodeInvalid, errs.WithMessage("message id required"))
		}
	}
	tx := s.journalFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		if _, exists := s.entries[msg.ID]; exists {
			continue
		}
		tx.touch(msg.ID, nil)
		s.seq++
		s.entries[msg.ID] = &record{
			entry: outboxstore.Entry{Message: msg.Clone(), CreatedAt: s.now().UTC()},
			seq:   s.seq,
		}
	}
	return nil
}

// GetOutstanding returns a page of entries that have not been dispatched.
func (s *OutboxStore) GetOutstanding(ctx context.Context, q outboxstore.OutstandingQuery) ([]outboxstore.Entry, error) {
	if err := checkContext(ctx, "get outstanding"); err != nil {
		return nil, err
	}
	cutoff := time.Time{}
	if q.MinAge > 0 {
		cutoff = s.now().Add(-q.MinAge)
	}
	return s.page(q.PageSize, q.PageNumber, func(e outboxstore.Entry) bool {
		if !e.Outstanding() || q.Excludes(e.Message.RoutingKey()) {
			return false
		}
		return cutoff.IsZero() || !e.CreatedAt.After(cutoff)
	}), nil
}

// GetDispatched returns a page of entries dispatched at or before since.
func (s *OutboxStore) GetDispatched(ctx context.Context, since time.Time, pageSize, pageNumber int) ([]outboxstore.Entry, error) {
	if err := checkContext(ctx, "get dispatched"); err != nil {
		return nil, err
	}
	return s.page(pageSize, pageNumber, func(e outboxstore.Entry) bool {
		return e.DispatchedAt != nil && !e.DispatchedAt.After(since)
	}), nil
}

// GetAll returns a page of every entry regardless of status.
func (s *OutboxStore) GetAll(ctx context.Context, pageSize, pageNumber int) ([]outboxstore.Entry, error) {
	if err := checkContext(ctx, "get all"); err != nil {
		return nil, err
	}
	return s.page(pageSize, pageNumber, func(outboxstore.Entry) bool { return true }), nil
}

// Get returns a single entry or a not-found error.
func (s *OutboxStore) Get(ctx context.Context, id schema.MessageID) (outboxstore.Entry, error) {
	if err := checkContext(ctx, "get"); err != nil {
		return outboxstore.Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entries[id]
	if !ok {
		return outboxstore.Entry{}, errs.New("outbox/memory", errs.CodeNotFound,
			errs.WithMessage("message not found"), errs.WithField("id", string(id)))
	}
	return cloneEntry(rec.entry), nil
}

// GetMany returns the entries for the ids that exist, in the order requested.
func (s *OutboxStore) GetMany(ctx context.Context, ids []schema.MessageID) ([]outboxstore.Entry, error) {
	if err := checkContext(ctx, "get many"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]outboxstore.Entry, 0, len(ids))
	seen := make(map[schema.MessageID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if rec, ok := s.entries[id]; ok {
			out = append(out, cloneEntry(rec.entry))
		}
	}
	return out, nil
}

// MarkDispatched stamps a single outstanding entry.
func (s *OutboxStore) MarkDispatched(ctx context.Context, id schema.MessageID, at time.Time) (int, error) {
	return s.MarkDispatchedBulk(ctx, []schema.MessageID{id}, at)
}

// MarkDispatchedBulk stamps every listed entry that is still outstanding.
func (s *OutboxStore) MarkDispatchedBulk(ctx context.Context, ids []schema.MessageID, at time.Time) (int, error) {
	if err := checkContext(ctx, "mark dispatched"); err != nil {
		return 0, err
	}
	tx := s.journalFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range ids {
		rec, ok := s.entries[id]
		if !ok || !rec.entry.Outstanding() {
			continue
		}
		tx.touch(id, rec)
		stamp := at.UTC()
		rec.entry.DispatchedAt = &stamp
		changed++
	}
	return changed, nil
}

// RecordAttempt increments the attempt counter of outstanding entries.
func (s *OutboxStore) RecordAttempt(ctx context.Context, ids []schema.MessageID, lastError string) error {
	if err := checkContext(ctx, "record attempt"); err != nil {
		return err
	}
	tx := s.journalFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		rec, ok := s.entries[id]
		if !ok || !rec.entry.Outstanding() {
			continue
		}
		tx.touch(id, rec)
		rec.entry.Attempts++
		rec.entry.LastError = lastError
	}
	return nil
}

// MarkDeadLettered stamps outstanding entries as dispatched with an error.
func (s *OutboxStore) MarkDeadLettered(ctx context.Context, ids []schema.MessageID, at time.Time, reason string) (int, error) {
	if err := checkContext(ctx, "mark dead lettered"); err != nil {
		return 0, err
	}
	tx := s.journalFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range ids {
		rec, ok := s.entries[id]
		if !ok || !rec.entry.Outstanding() {
			continue
		}
		tx.touch(id, rec)
		stamp := at.UTC()
		rec.entry.DispatchedAt = &stamp
		rec.entry.DeadLettered = true
		rec.entry.LastError = reason
		changed++
	}
	return changed, nil
}

// Delete removes the listed entries. Unknown ids are ignored.
func (s *OutboxStore) Delete(ctx context.Context, ids []schema.MessageID) error {
	if err := checkContext(ctx, "delete"); err != nil {
		return err
	}
	tx := s.journalFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if rec, ok := s.entries[id]; ok {
			tx.touch(id, rec)
			delete(s.entries, id)
		}
	}
	return nil
}

// CountOutstanding returns the number of entries awaiting dispatch.
func (s *OutboxStore) CountOutstanding(ctx context.Context) (int, error) {
	if err := checkContext(ctx, "count outstanding"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.entries {
		if rec.entry.Outstanding() {
			n++
		}
	}
	return n, nil
}

// WithTx runs fn with a journal attached to its context. Writes made through that context
// record the prior state of each entry they touch, and a failing fn restores exactly those
// entries. Writes from other callers are left alone. Nested calls join the outer journal.
func (s *OutboxStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	if s.journalFrom(ctx) != nil {
		return fn(ctx)
	}
	tx := &journal{store: s, prior: make(map[schema.MessageID]*record)}
	if err := fn(context.WithValue(ctx, journalKey{}, tx)); err != nil {
		s.mu.Lock()
		tx.rollback()
		s.mu.Unlock()
		return err
	}
	return nil
}

type journalKey struct{}

// journal holds the state each touched entry had before the transaction first wrote it.
// A nil record means the transaction inserted the entry. Guarded by the store mutex.
type journal struct {
	store *OutboxStore
	prior map[schema.MessageID]*record
}

func (s *OutboxStore) journalFrom(ctx context.Context) *journal {
	tx, _ := ctx.Value(journalKey{}).(*journal)
	if tx == nil || tx.store != s {
		return nil
	}
	return tx
}

func (tx *journal) touch(id schema.MessageID, rec *record) {
	if tx == nil {
		return
	}
	if _, seen := tx.prior[id]; seen {
		return
	}
	if rec == nil {
		tx.prior[id] = nil
		return
	}
	tx.prior[id] = &record{entry: cloneEntry(rec.entry), seq: rec.seq}
}

func (tx *journal) rollback() {
	for id, prev := range tx.prior {
		if prev == nil {
			delete(tx.store.entries, id)
			continue
		}
		tx.store.entries[id] = prev
	}
}

// Len returns the number of stored entries regardless of status.
func (s *OutboxStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *OutboxStore) page(pageSize, pageNumber int, keep func(outboxstore.Entry) bool) []outboxstore.Entry {
	s.mu.RLock()
	matching := make([]*record, 0, len(s.entries))
	for _, rec := range s.entries {
		if keep(rec.entry) {
			matching = append(matching, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matching, func(i, j int) bool {
		a, b := matching[i], matching[j]
		if !a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
			return a.entry.CreatedAt.Before(b.entry.CreatedAt)
		}
		return a.seq < b.seq
	})

	if pageSize <= 0 {
		pageSize = len(matching)
	}
	offset := outboxstore.Offset(pageSize, pageNumber)
	if offset >= len(matching) {
		return nil
	}
	end := offset + pageSize
	if end > len(matching) {
		end = len(matching)
	}
	out := make([]outboxstore.Entry, 0, end-offset)
	for _, rec := range matching[offset:end] {
		out = append(out, cloneEntry(rec.entry))
	}
	return out
}

func cloneEntry(e outboxstore.Entry) outboxstore.Entry {
	out := e
	out.Message = e.Message.Clone()
	if e.DispatchedAt != nil {
		t := *e.DispatchedAt
		out.DispatchedAt = &t
	}
	return out
}

func checkContext(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return errs.New("outbox/memory", errs.CodeTransientStore,
			errs.WithMessage(op), errs.WithCause(fmt.Errorf("memory store context: %w", ctx.Err())))
	default:
		return nil
	}
}

var (
	_ outboxstore.Store      = (*OutboxStore)(nil)
	_ outboxstore.Transactor = (*OutboxStore)(nil)
)
