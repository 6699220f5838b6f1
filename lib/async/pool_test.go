package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/courier/errs"
)

func TestPoolSubmitAndShutdown(t *testing.T) {
	pool, err := NewPool(2, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var count atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(ctx, func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, pool.Shutdown(shutdownCtx))
	require.Equal(t, int32(4), count.Load())
}

func TestPoolContextCancellation(t *testing.T) {
	pool, err := NewPool(1, 0)
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = pool.Submit(ctx, func(context.Context) error { return nil })
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestPoolRejectsInvalidArguments(t *testing.T) {
	_, err := NewPool(0, 1)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	pool, err := NewPool(1, 1)
	require.NoError(t, err)
	defer pool.Close()
	require.True(t, errs.IsCode(pool.Submit(context.Background(), nil), errs.CodeInvalid))
}

func TestPoolSubmitAfterClose(t *testing.T) {
	pool, err := NewPool(1, 1)
	require.NoError(t, err)
	pool.Close()
	pool.Close()

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}

func TestPoolAtCapacity(t *testing.T) {
	pool, err := NewPool(1, 1)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return nil }))

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	var (
		mu       sync.Mutex
		reported []error
	)
	pool, err := NewPool(1, 2, WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	require.NoError(t, err)

	boom := errors.New("boom")
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return boom }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { panic("kaboom") }))
	require.NoError(t, pool.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	require.ErrorIs(t, reported[0], boom)
	require.Contains(t, reported[1].Error(), "kaboom")
}

func TestPoolShutdownTimeoutCancelsTasks(t *testing.T) {
	pool, err := NewPool(1, 0)
	require.NoError(t, err)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, pool.Shutdown(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task did not observe pool cancellation")
	}
}
