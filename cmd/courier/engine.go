package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/coachpo/courier/internal/app/mediator"
	"github.com/coachpo/courier/internal/app/scheduler"
	"github.com/coachpo/courier/internal/domain/archivestore"
	"github.com/coachpo/courier/internal/domain/outboxstore"
	"github.com/coachpo/courier/internal/infra/bus/membus"
	"github.com/coachpo/courier/internal/infra/config"
	"github.com/coachpo/courier/internal/infra/lock/redislock"
	"github.com/coachpo/courier/internal/infra/persistence/memory"
	"github.com/coachpo/courier/internal/infra/persistence/migrations"
	"github.com/coachpo/courier/internal/infra/persistence/postgres"
	"github.com/coachpo/courier/internal/infra/producers/kafka"
	"github.com/coachpo/courier/internal/infra/producers/websocket"
	"github.com/coachpo/courier/internal/infra/scheduler/redisjobs"
	"github.com/coachpo/courier/internal/observability"
	"github.com/coachpo/courier/internal/producer"
)

const outboxPoolName = "outbox"

type stores struct {
	outbox      outboxstore.Store
	archive     archivestore.Provider
	deadLetters outboxstore.DeadLetterSink
	pool        *pgxpool.Pool
}

func (s *stores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// openStores connects the durable stores when a DSN is configured and falls back to memory.
func openStores(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*stores, error) {
	if !cfg.Database.Enabled() {
		logger.Print("database not configured; outbox kept in memory")
		return &stores{outbox: memory.NewOutboxStore(), archive: memory.NewArchiveStore()}, nil
	}

	if cfg.Database.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, cfg.Database.DSN, logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:               cfg.Database.DSN,
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	postgres.ObservePoolMetrics(pool, outboxPoolName)
	return &stores{
		outbox:      postgres.NewOutboxStore(pool),
		archive:     postgres.NewArchiveStore(pool),
		deadLetters: postgres.NewDeadLetterStore(pool),
		pool:        pool,
	}, nil
}

func buildRegistry(ctx context.Context, cfg config.AppConfig) (*membus.Bus, *producer.Registry, error) {
	bus := membus.New(cfg.Bus.MembusConfig())

	drivers := producer.NewDrivers()
	drivers.Register(config.DriverMemory, producer.NewInMemoryFactory(bus))
	drivers.Register(config.DriverKafka, kafka.NewFactory(kafka.Config{
		Brokers:      cfg.Kafka.Brokers,
		ClientID:     cfg.Kafka.ClientID,
		Version:      cfg.Kafka.Version,
		RequiredAcks: cfg.Kafka.RequiredAcks,
		Timeout:      cfg.Kafka.Timeout,
		MaxRetries:   cfg.Kafka.MaxRetries,
	}))
	drivers.Register(config.DriverWebsocket, websocket.NewFactory(websocket.Config{
		URL:                  cfg.Websocket.URL,
		DialTimeout:          cfg.Websocket.DialTimeout,
		WriteTimeout:         cfg.Websocket.WriteTimeout,
		MaxReconnectInterval: cfg.Websocket.MaxReconnectInterval,
		DialAttempts:         cfg.Websocket.DialAttempts,
	}))

	registry, err := producer.Create(ctx, cfg.ProducerPublications(), drivers.Factory())
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("build producer registry: %w", err)
	}
	return bus, registry, nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

type engine struct {
	stores    *stores
	bus       *membus.Bus
	registry  *producer.Registry
	redis     redis.UniversalClient
	mediator  *mediator.Mediator
	scheduler *scheduler.Scheduler
}

func buildEngine(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (_ *engine, err error) {
	e := &engine{}
	defer func() {
		if err != nil {
			_ = e.close()
		}
	}()

	if e.stores, err = openStores(ctx, logger, cfg); err != nil {
		return nil, err
	}
	if e.bus, e.registry, err = buildRegistry(ctx, cfg); err != nil {
		return nil, err
	}
	logger.Printf("producers registered: %v", e.registry.Topics())

	if cfg.Redis.Enabled() {
		if e.redis, err = newRedisClient(ctx, cfg.Redis); err != nil {
			return nil, err
		}
	}

	medOpts := []mediator.Option{
		mediator.WithLogger(observability.Log()),
		mediator.WithPageSize(cfg.Outbox.PageSize),
		mediator.WithInterval(cfg.Outbox.Interval),
		mediator.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		mediator.WithOutboxCeiling(cfg.Outbox.Ceiling),
		mediator.WithMinMessageAge(cfg.Outbox.MinMessageAge),
		mediator.WithMaxConcurrentBatches(cfg.Outbox.MaxConcurrentBatches),
		mediator.WithBulk(cfg.Outbox.Bulk),
		mediator.WithRetry(cfg.Outbox.RetryAttempts, cfg.Outbox.RetryInterval),
		mediator.WithBreaker(cfg.Outbox.BreakerFailures, cfg.Outbox.BreakerTimeout),
	}
	if e.stores.deadLetters != nil {
		medOpts = append(medOpts, mediator.WithDeadLetterSink(e.stores.deadLetters))
	}
	if cfg.Archive.Enabled {
		medOpts = append(medOpts, mediator.WithArchiver(e.stores.archive,
			cfg.Archive.Retention, cfg.Archive.Interval, cfg.Archive.BatchSize))
	}
	if e.redis != nil && cfg.Redis.LockEnabled {
		locker, lockErr := redislock.New(e.redis,
			redislock.WithExpiry(cfg.Redis.LockExpiry),
			redislock.WithLogger(observability.Log()))
		if lockErr != nil {
			return nil, lockErr
		}
		medOpts = append(medOpts, mediator.WithLocker(locker, cfg.Redis.LockKey))
		logger.Print("sweeper lock enabled")
	}
	if e.mediator, err = mediator.New(e.stores.outbox, e.registry, medOpts...); err != nil {
		return nil, fmt.Errorf("build mediator: %w", err)
	}

	policy, err := cfg.Scheduler.Policy()
	if err != nil {
		return nil, err
	}
	schedOpts := []scheduler.Option{
		scheduler.WithConflictPolicy(policy),
		scheduler.WithWorkers(cfg.Scheduler.Workers, cfg.Scheduler.Queue),
		scheduler.WithFireTimeout(cfg.Scheduler.FireTimeout),
		scheduler.WithLogger(observability.Log()),
	}
	if cfg.Scheduler.Persist && e.redis != nil {
		jobs, jobErr := redisjobs.New(e.redis, cfg.Redis.JobPrefix)
		if jobErr != nil {
			return nil, jobErr
		}
		schedOpts = append(schedOpts, scheduler.WithJobStore(jobs))
	}
	if e.scheduler, err = scheduler.New(scheduler.NewOutboxPipeline(e.mediator), schedOpts...); err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	return e, nil
}

// close releases producers, the bus, redis and the database pool. The mediator and scheduler
// are stopped separately during shutdown.
func (e *engine) close() error {
	var collected []error
	if e.registry != nil {
		if err := e.registry.Close(); err != nil {
			collected = append(collected, err)
		}
	}
	if e.bus != nil {
		e.bus.Close()
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			collected = append(collected, fmt.Errorf("close redis: %w", err))
		}
	}
	if e.stores != nil {
		e.stores.close()
	}
	return errors.Join(collected...)
}
