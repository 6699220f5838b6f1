// Package redislock grants the outbox sweeper lease through a Redis-backed redsync mutex.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/observability"
)

const defaultExpiry = 30 * time.Second

// Locker acquires single-attempt leases. The lease expires on its own if the holder dies.
type Locker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	logger observability.Logger
}

// Option configures the locker.
type Option func(*Locker)

// WithExpiry sets how long a lease lives without being released.
func WithExpiry(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.expiry = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New builds a locker over client.
func New(client redis.UniversalClient, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, errs.New("lock/redis", errs.CodeConfiguration, errs.WithMessage("redis client required"))
	}
	l := &Locker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: defaultExpiry,
		logger: observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// TryLock makes one attempt at key. Contention returns acquired=false with a nil error.
func (l *Locker) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, errs.New("lock/redis", errs.CodeInvalid, errs.WithMessage("lock key required"))
	}
	mutex := l.rs.NewMutex(key, redsync.WithExpiry(l.expiry), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		if contended(err) {
			l.logger.Debug("lock held by another process", observability.Field{Key: "lock", Value: key})
			return nil, false, nil
		}
		return nil, false, errs.New("lock/redis", errs.CodeTransientStore,
			errs.WithMessage(fmt.Sprintf("acquire lock %s", key)), errs.WithCause(err))
	}
	release := func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("unlock %s: %w", key, err)
		}
		if !ok {
			return errs.New("lock/redis", errs.CodeNotFound, errs.WithMessage("lock expired before release"), errs.WithField("lock", key))
		}
		return nil
	}
	return release, true, nil
}

func contended(err error) bool {
	var taken *redsync.ErrTaken
	if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
