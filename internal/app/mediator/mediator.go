// Package mediator drains the outbox: it reads outstanding entries, sends them through the
// producer registry and marks them dispatched, and archives old dispatched entries.
package mediator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/archivestore"
	"github.com/coachpo/courier/internal/domain/outboxstore"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/observability"
	"github.com/coachpo/courier/internal/producer"
)

const (
	defaultPageSize             = 100
	defaultInterval             = time.Second
	defaultMaxAttempts          = 10
	defaultMaxConcurrentBatches = 4
	defaultRetryAttempts        = 3
	defaultRetryInterval        = 50 * time.Millisecond
	defaultBreakerFailures      = 5
	defaultBreakerTimeout       = 30 * time.Second
	defaultArchiveBatchSize     = 100
	defaultArchiveInterval      = time.Minute
	defaultDeadLetterCapacity   = 1024

	// DefaultLockKey names the distributed lock held while sweeping.
	DefaultLockKey = "courier:outbox:sweeper"
)

// Resolver resolves the producer for a routing key.
type Resolver interface {
	Lookup(key schema.RoutingKey) (producer.Producer, error)
}

// Locker grants a single sweeper at a time. acquired=false with a nil error means the lock
// is held elsewhere and the cycle should be skipped.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(context.Context) error, acquired bool, err error)
}

type settings struct {
	pageSize             int
	interval             time.Duration
	maxAttempts          int
	ceiling              int
	minMessageAge        time.Duration
	maxConcurrentBatches int
	bulk                 bool
	retryAttempts        uint
	retryInterval        time.Duration
	breakerFailures      uint32
	breakerTimeout       time.Duration
	lockKey              string

	retention        time.Duration
	archiveInterval  time.Duration
	archiveBatchSize int
}

// Mediator coordinates outbox writes and their dispatch to producers.
type Mediator struct {
	store       outboxstore.Store
	resolver    Resolver
	logger      observability.Logger
	deadLetters outboxstore.DeadLetterSink
	archiver    archivestore.Provider
	locker      Locker
	now         func() time.Time
	cfg         settings

	breakers *breakers
	metrics  *instruments

	// unroutable remembers keys the resolver rejected so later sweeps page past them.
	routeMu    sync.Mutex
	unroutable map[schema.RoutingKey]struct{}

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          *conc.WaitGroup
}

// Option configures optional mediator behaviour.
type Option func(*Mediator)

// WithLogger sets the structured logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Mediator) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPageSize bounds the number of outstanding entries read per cycle.
func WithPageSize(n int) Option {
	return func(m *Mediator) {
		if n > 0 {
			m.cfg.pageSize = n
		}
	}
}

// WithInterval sets the sweep interval used by Run.
func WithInterval(d time.Duration) Option {
	return func(m *Mediator) {
		if d > 0 {
			m.cfg.interval = d
		}
	}
}

// WithMaxAttempts sets the number of failed sends after which an entry is dead-lettered.
// Zero disables dead-lettering.
func WithMaxAttempts(n int) Option {
	return func(m *Mediator) {
		if n >= 0 {
			m.cfg.maxAttempts = n
		}
	}
}

// WithOutboxCeiling rejects writes once the outstanding count would exceed n. Zero disables the check.
func WithOutboxCeiling(n int) Option {
	return func(m *Mediator) {
		if n >= 0 {
			m.cfg.ceiling = n
		}
	}
}

// WithMinMessageAge skips entries younger than d during sweeps.
func WithMinMessageAge(d time.Duration) Option {
	return func(m *Mediator) {
		if d >= 0 {
			m.cfg.minMessageAge = d
		}
	}
}

// WithMaxConcurrentBatches bounds how many routing keys are sent in parallel.
func WithMaxConcurrentBatches(n int) Option {
	return func(m *Mediator) {
		if n > 0 {
			m.cfg.maxConcurrentBatches = n
		}
	}
}

// WithBulk selects SendBatch per routing key (true) or one Send per message (false).
func WithBulk(bulk bool) Option {
	return func(m *Mediator) {
		m.cfg.bulk = bulk
	}
}

// WithRetry bounds in-cycle retries of send and mark calls.
func WithRetry(attempts uint, initialInterval time.Duration) Option {
	return func(m *Mediator) {
		if attempts > 0 {
			m.cfg.retryAttempts = attempts
		}
		if initialInterval > 0 {
			m.cfg.retryInterval = initialInterval
		}
	}
}

// WithBreaker configures when a routing key is tripped and for how long.
func WithBreaker(consecutiveFailures uint32, timeout time.Duration) Option {
	return func(m *Mediator) {
		if consecutiveFailures > 0 {
			m.cfg.breakerFailures = consecutiveFailures
		}
		if timeout > 0 {
			m.cfg.breakerTimeout = timeout
		}
	}
}

// WithDeadLetterSink replaces the default in-memory quarantine.
func WithDeadLetterSink(sink outboxstore.DeadLetterSink) Option {
	return func(m *Mediator) {
		if sink != nil {
			m.deadLetters = sink
		}
	}
}

// WithArchiver enables archiving of entries dispatched longer than retention ago.
func WithArchiver(provider archivestore.Provider, retention, interval time.Duration, batchSize int) Option {
	return func(m *Mediator) {
		m.archiver = provider
		if retention >= 0 {
			m.cfg.retention = retention
		}
		if interval > 0 {
			m.cfg.archiveInterval = interval
		}
		if batchSize > 0 {
			m.cfg.archiveBatchSize = batchSize
		}
	}
}

// WithLocker guards sweeps with a distributed lock under key.
func WithLocker(locker Locker, key string) Option {
	return func(m *Mediator) {
		m.locker = locker
		if key != "" {
			m.cfg.lockKey = key
		}
	}
}

// WithClock overrides the time source used for dispatch stamps and retention.
func WithClock(now func() time.Time) Option {
	return func(m *Mediator) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a mediator over store and resolver.
func New(store outboxstore.Store, resolver Resolver, opts ...Option) (*Mediator, error) {
	if store == nil {
		return nil, errs.New("mediator", errs.CodeConfiguration, errs.WithMessage("outbox store required"))
	}
	if resolver == nil {
		return nil, errs.New("mediator", errs.CodeConfiguration, errs.WithMessage("producer registry required"))
	}
	m := &Mediator{
		store:      store,
		resolver:   resolver,
		logger:     observability.Log(),
		now:        time.Now,
		unroutable: make(map[schema.RoutingKey]struct{}),
		cfg: settings{
			pageSize:             defaultPageSize,
			interval:             defaultInterval,
			maxAttempts:          defaultMaxAttempts,
			maxConcurrentBatches: defaultMaxConcurrentBatches,
			bulk:                 true,
			retryAttempts:        defaultRetryAttempts,
			retryInterval:        defaultRetryInterval,
			breakerFailures:      defaultBreakerFailures,
			breakerTimeout:       defaultBreakerTimeout,
			lockKey:              DefaultLockKey,
			archiveInterval:      defaultArchiveInterval,
			archiveBatchSize:     defaultArchiveBatchSize,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.deadLetters == nil {
		m.deadLetters = observability.NewDeadLetterQueue(defaultDeadLetterCapacity)
	}
	m.metrics = newInstruments()
	m.breakers = newBreakers(m.cfg.breakerFailures, m.cfg.breakerTimeout, m.logger, m.metrics)
	return m, nil
}

// Add writes msg to the outbox. When ctx carries a store transaction the write joins it.
func (m *Mediator) Add(ctx context.Context, msg schema.Message) error {
	return m.BulkAdd(ctx, []schema.Message{msg})
}

// BulkAdd writes msgs to the outbox after checking the outstanding ceiling.
func (m *Mediator) BulkAdd(ctx context.Context, msgs []schema.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, msg := range msgs {
		if msg.ID == "" {
			return errs.New("mediator/add", errs.CodeInvalid, errs.WithMessage("message id required"))
		}
		if msg.RoutingKey() == "" {
			return errs.New("mediator/add", errs.CodeInvalid,
				errs.WithMessage("routing key required"), errs.WithField("id", string(msg.ID)))
		}
	}
	if m.cfg.ceiling > 0 {
		outstanding, err := m.store.CountOutstanding(ctx)
		if err != nil {
			return err
		}
		if outstanding+len(msgs) > m.cfg.ceiling {
			m.metrics.rejected(ctx, len(msgs))
			return errs.New("mediator/add", errs.CodeCapacityExceeded,
				errs.WithMessage(fmt.Sprintf("outbox holds %d outstanding messages, ceiling is %d", outstanding, m.cfg.ceiling)),
				errs.WithRemediation("retry after the mediator drains the outbox"))
		}
	}
	if err := m.store.BulkAdd(ctx, msgs); err != nil {
		return err
	}
	m.metrics.added(ctx, len(msgs))
	return nil
}

// Post writes msg to the outbox and dispatches it immediately.
func (m *Mediator) Post(ctx context.Context, msg schema.Message) (DispatchResult, error) {
	if err := m.Add(ctx, msg); err != nil {
		return DispatchResult{}, err
	}
	return m.ClearOutbox(ctx, []schema.MessageID{msg.ID})
}

// ClearOutbox dispatches the listed ids that are still outstanding, bypassing MinMessageAge.
func (m *Mediator) ClearOutbox(ctx context.Context, ids []schema.MessageID) (DispatchResult, error) {
	if len(ids) == 0 {
		return DispatchResult{}, nil
	}
	entries, err := m.store.GetMany(ctx, ids)
	if err != nil {
		return DispatchResult{}, err
	}
	outstanding := entries[:0]
	for _, entry := range entries {
		if entry.Outstanding() {
			outstanding = append(outstanding, entry)
		}
	}
	return m.dispatchEntries(ctx, outstanding)
}

// Start launches the dispatch loop and, when an archiver is configured, the archive loop.
func (m *Mediator) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel != nil {
		return errs.New("mediator", errs.CodeInvalid, errs.WithMessage("mediator already started"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg = conc.NewWaitGroup()
	m.wg.Go(func() { m.Run(runCtx) })
	if m.archiver != nil {
		m.wg.Go(func() { m.RunArchiver(runCtx) })
	}
	return nil
}

// Stop cancels the background loops and waits for the current cycle to return.
func (m *Mediator) Stop() {
	m.lifecycleMu.Lock()
	cancel, wg := m.cancel, m.wg
	m.cancel, m.wg = nil, nil
	m.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	wg.Wait()
}

// Shutdown is Stop bounded by ctx.
func (m *Mediator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mediator shutdown: %w", ctx.Err())
	}
}

// Run sweeps the outbox every interval until ctx is cancelled.
func (m *Mediator) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.interval)
	defer ticker.Stop()
	for {
		if _, err := m.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("outbox sweep failed", observability.Err(err))
			m.metrics.operationFailed(ctx, "dispatch", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunArchiver archives dispatched entries every archive interval until ctx is cancelled.
func (m *Mediator) RunArchiver(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.archiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := m.Archive(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("outbox archive failed", observability.Err(err))
			m.metrics.operationFailed(ctx, "archive", err)
		}
	}
}
