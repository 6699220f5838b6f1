package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/outboxstore"
	"github.com/coachpo/courier/internal/domain/schema"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClockedStore() (*OutboxStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return NewOutboxStore(WithClock(clock.Now)), clock
}

func TestAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newClockedStore()
	msg := schema.NewMessage("orders", "OrderPlaced", []byte("x"))

	for i := 0; i < 3; i++ {
		if err := store.Add(ctx, msg); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	count, err := store.CountOutstanding(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 || store.Len() != 1 {
		t.Fatalf("expected a single entry, got count=%d len=%d", count, store.Len())
	}
}

func TestAddRejectsEmptyID(t *testing.T) {
	store := NewOutboxStore()
	err := store.Add(context.Background(), schema.Message{Header: schema.Header{Topic: "orders"}})
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestPaginationIsStable(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore()
	for i := 0; i < 250; i++ {
		// Half the entries share a timestamp to exercise the insertion tie-break.
		if i%2 == 0 {
			clock.Advance(time.Millisecond)
		}
		msg := schema.NewMessage(schema.RoutingKey(fmt.Sprintf("topic-%d", i%3)), "", nil)
		if err := store.Add(ctx, msg); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	seen := make(map[schema.MessageID]struct{}, 250)
	var last time.Time
	for page := 1; page <= 3; page++ {
		entries, err := store.GetOutstanding(ctx, outboxstore.OutstandingQuery{PageSize: 100, PageNumber: page})
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		for _, e := range entries {
			if _, dup := seen[e.Message.ID]; dup {
				t.Fatalf("duplicate id %s on page %d", e.Message.ID, page)
			}
			if e.CreatedAt.Before(last) {
				t.Fatalf("entries out of order on page %d", page)
			}
			last = e.CreatedAt
			seen[e.Message.ID] = struct{}{}
		}
	}
	if len(seen) != 250 {
		t.Fatalf("expected 250 distinct ids, got %d", len(seen))
	}
	empty, err := store.GetOutstanding(ctx, outboxstore.OutstandingQuery{PageSize: 100, PageNumber: 4})
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty fourth page, got %d (%v)", len(empty), err)
	}
}

func TestMarkDispatchedIsConditional(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore()
	msg := schema.NewMessage("orders", "", nil)
	if err := store.Add(ctx, msg); err != nil {
		t.Fatalf("add: %v", err)
	}

	first := clock.now.Add(time.Second)
	changed, err := store.MarkDispatched(ctx, msg.ID, first)
	if err != nil || changed != 1 {
		t.Fatalf("first mark: changed=%d err=%v", changed, err)
	}
	changed, err = store.MarkDispatched(ctx, msg.ID, first.Add(time.Minute))
	if err != nil || changed != 0 {
		t.Fatalf("second mark should be a no-op: changed=%d err=%v", changed, err)
	}
	entry, err := store.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.DispatchedAt == nil || !entry.DispatchedAt.Equal(first) {
		t.Fatalf("dispatchedAt overwritten: %v", entry.DispatchedAt)
	}
}

func TestGetDispatchedHonoursSince(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore()
	old := schema.NewMessage("orders", "", nil)
	recent := schema.NewMessage("orders", "", nil)
	_ = store.BulkAdd(ctx, []schema.Message{old, recent})
	_, _ = store.MarkDispatched(ctx, old.ID, clock.now.Add(-time.Hour))
	_, _ = store.MarkDispatched(ctx, recent.ID, clock.now)

	entries, err := store.GetDispatched(ctx, clock.now.Add(-30*time.Minute), 10, 1)
	if err != nil {
		t.Fatalf("get dispatched: %v", err)
	}
	if len(entries) != 1 || entries[0].Message.ID != old.ID {
		t.Fatalf("expected only the old entry, got %+v", entries)
	}
}

func TestGetOutstandingMinAge(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore()
	older := schema.NewMessage("orders", "", nil)
	_ = store.Add(ctx, older)
	clock.Advance(time.Minute)
	younger := schema.NewMessage("orders", "", nil)
	_ = store.Add(ctx, younger)

	entries, err := store.GetOutstanding(ctx, outboxstore.OutstandingQuery{PageSize: 10, PageNumber: 1, MinAge: 30 * time.Second})
	if err != nil {
		t.Fatalf("get outstanding: %v", err)
	}
	if len(entries) != 1 || entries[0].Message.ID != older.ID {
		t.Fatalf("expected only the older entry, got %d entries", len(entries))
	}
}

func TestGetOutstandingExcludesTopics(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore()
	for i := 0; i < 3; i++ {
		_ = store.Add(ctx, schema.NewMessage("ghost", "", nil))
		clock.Advance(time.Second)
	}
	orders := schema.NewMessage("orders", "", nil)
	_ = store.Add(ctx, orders)

	entries, err := store.GetOutstanding(ctx, outboxstore.OutstandingQuery{
		PageSize:      2,
		PageNumber:    1,
		ExcludeTopics: []schema.RoutingKey{"ghost"},
	})
	if err != nil {
		t.Fatalf("get outstanding: %v", err)
	}
	if len(entries) != 1 || entries[0].Message.ID != orders.ID {
		t.Fatalf("expected only the orders entry, got %+v", entries)
	}
}

func TestGetManySkipsMissing(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()
	a := schema.NewMessage("orders", "", nil)
	b := schema.NewMessage("orders", "", nil)
	_ = store.BulkAdd(ctx, []schema.Message{a, b})

	entries, err := store.GetMany(ctx, []schema.MessageID{b.ID, "missing", a.ID, b.ID})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(entries) != 2 || entries[0].Message.ID != b.ID || entries[1].Message.ID != a.ID {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if _, err := store.Get(ctx, "missing"); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordAttemptAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	store, clock := newClockedStore()
	msg := schema.NewMessage("orders", "", nil)
	_ = store.Add(ctx, msg)

	_ = store.RecordAttempt(ctx, []schema.MessageID{msg.ID}, "broker down")
	_ = store.RecordAttempt(ctx, []schema.MessageID{msg.ID}, "broker still down")
	entry, _ := store.Get(ctx, msg.ID)
	if entry.Attempts != 2 || entry.LastError != "broker still down" {
		t.Fatalf("unexpected attempt bookkeeping: %+v", entry)
	}

	changed, err := store.MarkDeadLettered(ctx, []schema.MessageID{msg.ID}, clock.now, "max attempts")
	if err != nil || changed != 1 {
		t.Fatalf("dead letter: changed=%d err=%v", changed, err)
	}
	entry, _ = store.Get(ctx, msg.ID)
	if entry.Outstanding() || !entry.DeadLettered {
		t.Fatalf("expected dispatched-with-error, got %+v", entry)
	}
	count, _ := store.CountOutstanding(ctx)
	if count != 0 {
		t.Fatalf("dead-lettered entries must not count as outstanding, got %d", count)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()
	kept := schema.NewMessage("orders", "", nil)
	_ = store.Add(ctx, kept)

	boom := errors.New("business rule failed")
	err := store.WithTx(ctx, func(ctx context.Context) error {
		if err := store.Add(ctx, schema.NewMessage("orders", "", nil)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected business error, got %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected rollback to restore one entry, got %d", store.Len())
	}
}

func TestWithTxRollbackKeepsConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()
	marked := schema.NewMessage("orders", "", nil)
	_ = store.Add(ctx, marked)
	other := schema.NewMessage("orders", "", nil)
	inTx := schema.NewMessage("orders", "", nil)

	boom := errors.New("business rule failed")
	err := store.WithTx(ctx, func(txCtx context.Context) error {
		if err := store.Add(txCtx, inTx); err != nil {
			return err
		}
		// Writes outside the transaction commit on their own.
		if err := store.Add(context.Background(), other); err != nil {
			return err
		}
		if _, err := store.MarkDispatched(context.Background(), marked.ID, time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected business error, got %v", err)
	}
	if _, err := store.Get(ctx, other.ID); err != nil {
		t.Fatalf("concurrent add lost by rollback: %v", err)
	}
	if entry, _ := store.Get(ctx, marked.ID); entry.Outstanding() {
		t.Fatalf("concurrent mark reverted by rollback: %+v", entry)
	}
	if _, err := store.Get(ctx, inTx.ID); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected transactional add to be rolled back, got %v", err)
	}
}

func TestWithTxRollbackRestoresTouchedEntries(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()
	msg := schema.NewMessage("orders", "", nil)
	_ = store.Add(ctx, msg)

	_ = store.WithTx(ctx, func(txCtx context.Context) error {
		_ = store.RecordAttempt(txCtx, []schema.MessageID{msg.ID}, "broker down")
		_, _ = store.MarkDispatched(txCtx, msg.ID, time.Now())
		return errors.New("abort")
	})
	entry, err := store.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !entry.Outstanding() || entry.Attempts != 0 || entry.LastError != "" {
		t.Fatalf("expected entry restored to its prior state, got %+v", entry)
	}
}

func TestCancelledContextIsTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewOutboxStore()
	_, err := store.CountOutstanding(ctx)
	if !errs.IsCode(err, errs.CodeTransientStore) {
		t.Fatalf("expected transient store error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
}
