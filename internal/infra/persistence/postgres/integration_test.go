package postgres

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/outboxstore"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/infra/persistence/migrations"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration tests skipped in short mode")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "courier"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/courier?sslmode=disable", host, port.Port())

	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	dir := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", "..", "..", "db", "migrations"))

	var pool *pgxpool.Pool
	require.Eventually(t, func() bool {
		if err := migrations.Apply(ctx, dsn, dir, nil); err != nil {
			return false
		}
		pool, err = Connect(ctx, PoolConfig{DSN: dsn, MaxConns: 4})
		return err == nil
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresOutboxLifecycle(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := base
	store := NewOutboxStore(pool, WithClock(func() time.Time { return now }))
	archive := NewArchiveStore(pool)
	dead := NewDeadLetterStore(pool)

	t.Run("idempotent add", func(t *testing.T) {
		msg := schema.NewMessage("orders", "order.created", []byte(`{"n":1}`))
		msg.Header.Bag = map[string]string{"tenant": "acme"}
		require.NoError(t, store.Add(ctx, msg))
		require.NoError(t, store.Add(ctx, msg))

		count, err := store.CountOutstanding(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, count)

		got, err := store.Get(ctx, msg.ID)
		require.NoError(t, err)
		require.Equal(t, msg.Body, got.Message.Body)
		require.Equal(t, "acme", got.Message.Header.Bag["tenant"])
		require.True(t, got.Outstanding())
		require.NoError(t, store.Delete(ctx, []schema.MessageID{msg.ID}))
	})

	t.Run("stable pagination", func(t *testing.T) {
		msgs := make([]schema.Message, 0, 250)
		for i := 0; i < 250; i++ {
			msgs = append(msgs, schema.NewMessage("orders", "", []byte{byte(i)}))
		}
		require.NoError(t, store.BulkAdd(ctx, msgs))

		seen := map[schema.MessageID]struct{}{}
		sizes := []int{}
		for page := 1; page <= 3; page++ {
			entries, err := store.GetOutstanding(ctx, outboxstore.OutstandingQuery{PageSize: 100, PageNumber: page})
			require.NoError(t, err)
			sizes = append(sizes, len(entries))
			for _, e := range entries {
				_, dup := seen[e.Message.ID]
				require.False(t, dup)
				seen[e.Message.ID] = struct{}{}
			}
		}
		require.Equal(t, []int{100, 100, 50}, sizes)
		require.Len(t, seen, 250)

		ids := make([]schema.MessageID, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		require.NoError(t, store.Delete(ctx, ids))
	})

	t.Run("conditional mark and dead letter", func(t *testing.T) {
		a := schema.NewMessage("orders", "", []byte("a"))
		b := schema.NewMessage("orders", "", []byte("b"))
		require.NoError(t, store.BulkAdd(ctx, []schema.Message{a, b}))

		changed, err := store.MarkDispatched(ctx, a.ID, now)
		require.NoError(t, err)
		require.Equal(t, 1, changed)
		changed, err = store.MarkDispatched(ctx, a.ID, now)
		require.NoError(t, err)
		require.Equal(t, 0, changed)

		require.NoError(t, store.RecordAttempt(ctx, []schema.MessageID{b.ID}, "timeout"))
		entry, err := store.Get(ctx, b.ID)
		require.NoError(t, err)
		require.Equal(t, 1, entry.Attempts)
		require.Equal(t, "timeout", entry.LastError)

		require.NoError(t, dead.Quarantine(ctx, []outboxstore.DeadLetter{{Entry: entry, Reason: "exhausted", FailedAt: now}}))
		changed, err = store.MarkDeadLettered(ctx, []schema.MessageID{b.ID}, now, "exhausted")
		require.NoError(t, err)
		require.Equal(t, 1, changed)

		dispatched, err := store.GetDispatched(ctx, now, 10, 1)
		require.NoError(t, err)
		require.Len(t, dispatched, 2)

		ids, err := archive.ArchiveBulk(ctx, []schema.Message{a, b})
		require.NoError(t, err)
		require.Len(t, ids, 2)
		again, err := archive.Archive(ctx, a)
		require.NoError(t, err)
		require.Equal(t, ids[a.ID], again)

		require.NoError(t, store.Delete(ctx, []schema.MessageID{a.ID, b.ID}))
		_, err = store.Get(ctx, a.ID)
		require.True(t, errs.IsCode(err, errs.CodeNotFound))
	})

	t.Run("excluded topics", func(t *testing.T) {
		ghosts := []schema.Message{schema.NewMessage("ghost", "", nil), schema.NewMessage("ghost", "", nil)}
		orders := schema.NewMessage("orders", "", nil)
		require.NoError(t, store.BulkAdd(ctx, append(ghosts, orders)))

		entries, err := store.GetOutstanding(ctx, outboxstore.OutstandingQuery{
			PageSize:      2,
			PageNumber:    1,
			ExcludeTopics: []schema.RoutingKey{"ghost"},
		})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, orders.ID, entries[0].Message.ID)

		entries, err = store.GetOutstanding(ctx, outboxstore.OutstandingQuery{PageSize: 10, PageNumber: 1})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		require.NoError(t, store.Delete(ctx, []schema.MessageID{ghosts[0].ID, ghosts[1].ID, orders.ID}))
	})

	t.Run("min age", func(t *testing.T) {
		msg := schema.NewMessage("orders", "", nil)
		require.NoError(t, store.Add(ctx, msg))
		entries, err := store.GetOutstanding(ctx, outboxstore.OutstandingQuery{PageSize: 10, PageNumber: 1, MinAge: time.Minute})
		require.NoError(t, err)
		require.Empty(t, entries)

		now = now.Add(2 * time.Minute)
		entries, err = store.GetOutstanding(ctx, outboxstore.OutstandingQuery{PageSize: 10, PageNumber: 1, MinAge: time.Minute})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.NoError(t, store.Delete(ctx, []schema.MessageID{msg.ID}))
	})

	t.Run("transaction rollback", func(t *testing.T) {
		msg := schema.NewMessage("orders", "", nil)
		boom := errors.New("business failure")
		err := store.WithTx(ctx, func(txCtx context.Context) error {
			require.NoError(t, store.Add(txCtx, msg))
			return boom
		})
		require.ErrorIs(t, err, boom)
		_, err = store.Get(ctx, msg.ID)
		require.True(t, errs.IsCode(err, errs.CodeNotFound))

		require.NoError(t, store.WithTx(ctx, func(txCtx context.Context) error {
			return store.Add(txCtx, msg)
		}))
		_, err = store.Get(ctx, msg.ID)
		require.NoError(t, err)
	})
}
