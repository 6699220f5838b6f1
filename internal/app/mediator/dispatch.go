package mediator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/outboxstore"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/observability"
	"github.com/coachpo/courier/internal/producer"
)

// DispatchResult summarises one dispatch pass.
type DispatchResult struct {
	// Fetched is the number of outstanding entries read.
	Fetched int `json:"fetched"`
	// Batches is the number of routing-key batches attempted.
	Batches int `json:"batches"`
	// Dispatched counts entries sent and marked by this pass.
	Dispatched int `json:"dispatched"`
	// Failed counts entries whose send failed; they stay outstanding.
	Failed int `json:"failed"`
	// DeadLettered counts entries quarantined after exhausting MaxAttempts.
	DeadLettered int `json:"deadLettered"`
	// MarkFailed counts entries sent but not marked; they will be sent again.
	MarkFailed int `json:"markFailed"`
	// Unroutable counts entries whose routing key has no producer.
	Unroutable int `json:"unroutable"`
	// Skipped counts entries left alone because their routing key is tripped.
	Skipped int `json:"skipped"`
	// LockHeld reports that another sweeper held the lock and the cycle was skipped.
	LockHeld bool `json:"lockHeld"`
	// Excluded lists routing keys left out of the read because they are tripped or unroutable.
	Excluded []schema.RoutingKey `json:"excluded,omitempty"`
}

func (r *DispatchResult) merge(o batchOutcome) {
	r.Dispatched += o.dispatched
	r.Failed += o.failed
	r.MarkFailed += o.markFailed
	r.Unroutable += o.unroutable
	r.Skipped += o.skipped
}

type batchOutcome struct {
	dispatched int
	failed     int
	markFailed int
	unroutable int
	skipped    int
	err        error
}

// DispatchOnce runs one sweep: read a page of outstanding entries, quarantine exhausted ones,
// and send the rest grouped by routing key. Batch failures are isolated and returned joined.
func (m *Mediator) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	if m.locker != nil {
		release, acquired, err := m.locker.TryLock(ctx, m.cfg.lockKey)
		if err != nil {
			return DispatchResult{}, err
		}
		if !acquired {
			m.logger.Debug("outbox sweep skipped; lock held elsewhere", observability.Field{Key: "lock", Value: m.cfg.lockKey})
			return DispatchResult{LockHeld: true}, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				m.logger.Error("release sweeper lock", observability.Err(err))
			}
		}()
	}

	start := time.Now()
	excluded := m.excludedKeys()
	entries, err := m.store.GetOutstanding(ctx, outboxstore.OutstandingQuery{
		PageSize:      m.cfg.pageSize,
		PageNumber:    1,
		MinAge:        m.cfg.minMessageAge,
		ExcludeTopics: excluded,
	})
	if err != nil {
		return DispatchResult{}, err
	}
	result, err := m.dispatchEntries(ctx, entries)
	result.Excluded = excluded
	m.metrics.cycle(ctx, result, time.Since(start))
	return result, err
}

// excludedKeys returns the tripped keys plus the remembered unroutable keys that still do
// not resolve. Entries on these keys cannot be sent this cycle, and reading them would let
// them occupy the page ahead of sendable entries.
func (m *Mediator) excludedKeys() []schema.RoutingKey {
	excluded := m.Tripped()
	m.routeMu.Lock()
	defer m.routeMu.Unlock()
	for key := range m.unroutable {
		if _, err := m.resolver.Lookup(key); err == nil {
			delete(m.unroutable, key)
			continue
		}
		excluded = append(excluded, key)
	}
	if len(excluded) > 0 {
		m.logger.Debug("outbox sweep excludes routing keys", observability.Field{Key: "routing_keys", Value: excluded})
	}
	return excluded
}

func (m *Mediator) rememberUnroutable(key schema.RoutingKey) {
	m.routeMu.Lock()
	m.unroutable[key] = struct{}{}
	m.routeMu.Unlock()
}

func (m *Mediator) dispatchEntries(ctx context.Context, entries []outboxstore.Entry) (DispatchResult, error) {
	result := DispatchResult{Fetched: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}

	live, exhausted := m.partition(entries)
	var failures []error
	if len(exhausted) > 0 {
		n, err := m.deadLetter(ctx, exhausted)
		result.DeadLettered = n
		if err != nil {
			failures = append(failures, err)
		}
	}

	msgs := make([]schema.Message, 0, len(live))
	for _, entry := range live {
		msgs = append(msgs, entry.Message)
	}
	batches := schema.GroupByRoutingKey(msgs)
	result.Batches = len(batches)

	var mu sync.Mutex
	p := concpool.New().WithMaxGoroutines(m.cfg.maxConcurrentBatches)
	for _, batch := range batches {
		p.Go(func() {
			outcome := m.dispatchBatch(ctx, batch)
			mu.Lock()
			result.merge(outcome)
			if outcome.err != nil {
				failures = append(failures, outcome.err)
			}
			mu.Unlock()
		})
	}
	p.Wait()

	if len(failures) > 0 {
		return result, observability.AggregateErrors("outbox dispatch", failures,
			observability.Field{Key: "fetched", Value: result.Fetched},
			observability.Field{Key: "dispatched", Value: result.Dispatched})
	}
	if result.Dispatched > 0 {
		m.logger.Debug("outbox dispatched",
			observability.Field{Key: "dispatched", Value: result.Dispatched},
			observability.Field{Key: "batches", Value: result.Batches})
	}
	return result, nil
}

func (m *Mediator) partition(entries []outboxstore.Entry) (live, exhausted []outboxstore.Entry) {
	if m.cfg.maxAttempts <= 0 {
		return entries, nil
	}
	for _, entry := range entries {
		if entry.Attempts >= m.cfg.maxAttempts {
			exhausted = append(exhausted, entry)
			continue
		}
		live = append(live, entry)
	}
	return live, exhausted
}

// deadLetter quarantines entries before marking them so that a sink failure leaves them outstanding.
func (m *Mediator) deadLetter(ctx context.Context, entries []outboxstore.Entry) (int, error) {
	now := m.now().UTC()
	letters := make([]outboxstore.DeadLetter, 0, len(entries))
	ids := make([]schema.MessageID, 0, len(entries))
	for _, entry := range entries {
		reason := fmt.Sprintf("exceeded %d dispatch attempts", m.cfg.maxAttempts)
		if entry.LastError != "" {
			reason += ": " + entry.LastError
		}
		letters = append(letters, outboxstore.DeadLetter{Entry: entry, Reason: reason, FailedAt: now})
		ids = append(ids, entry.Message.ID)
	}
	if err := m.deadLetters.Quarantine(ctx, letters); err != nil {
		return 0, fmt.Errorf("quarantine dead letters: %w", err)
	}
	n, err := m.store.MarkDeadLettered(ctx, ids, now, "dead-lettered")
	if err != nil {
		return 0, fmt.Errorf("mark dead lettered: %w", err)
	}
	m.metrics.deadLettered(ctx, n)
	return n, nil
}

func (m *Mediator) dispatchBatch(ctx context.Context, batch schema.Batch) batchOutcome {
	key, err := batch.RoutingKey()
	if err != nil {
		return batchOutcome{failed: batch.Len(), err: err}
	}
	p, err := m.resolver.Lookup(key)
	if err != nil {
		m.metrics.unroutable(ctx, key, batch.Len())
		m.rememberUnroutable(key)
		return batchOutcome{unroutable: batch.Len(), err: err}
	}
	breaker := m.breakers.get(key)
	if breaker.State() == gobreaker.StateOpen {
		return batchOutcome{skipped: batch.Len()}
	}
	if m.cfg.bulk {
		return m.sendBulk(ctx, key, breaker, p, batch)
	}
	return m.sendEach(ctx, key, breaker, p, batch)
}

func (m *Mediator) sendBulk(ctx context.Context, key schema.RoutingKey, breaker *gobreaker.CircuitBreaker, p producer.Producer, batch schema.Batch) batchOutcome {
	ids := batch.IDList()
	if err := m.send(ctx, key, breaker, func(ctx context.Context) error { return p.SendBatch(ctx, batch) }); err != nil {
		return m.sendFailed(ctx, key, ids, len(ids), err)
	}
	n, err := m.mark(ctx, ids)
	if err != nil {
		m.metrics.dispatched(ctx, key, 0, len(ids))
		return batchOutcome{markFailed: len(ids), err: err}
	}
	m.metrics.dispatched(ctx, key, n, 0)
	return batchOutcome{dispatched: n}
}

// sendEach sends one message at a time and stops at the first failure to keep per-key order.
func (m *Mediator) sendEach(ctx context.Context, key schema.RoutingKey, breaker *gobreaker.CircuitBreaker, p producer.Producer, batch schema.Batch) batchOutcome {
	var outcome batchOutcome
	msgs := batch.Messages()
	for i, msg := range msgs {
		if err := m.send(ctx, key, breaker, func(ctx context.Context) error { return p.Send(ctx, msg) }); err != nil {
			failed := m.sendFailed(ctx, key, []schema.MessageID{msg.ID}, len(msgs)-i, err)
			failed.dispatched = outcome.dispatched
			failed.markFailed = outcome.markFailed
			return failed
		}
		n, err := m.mark(ctx, []schema.MessageID{msg.ID})
		if err != nil {
			outcome.markFailed++
			outcome.err = err
			m.metrics.dispatched(ctx, key, 0, 1)
			continue
		}
		outcome.dispatched += n
		m.metrics.dispatched(ctx, key, n, 0)
	}
	return outcome
}

// sendFailed records the attempt against attempted and reports pending entries as failed.
func (m *Mediator) sendFailed(ctx context.Context, key schema.RoutingKey, attempted []schema.MessageID, pending int, err error) batchOutcome {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return batchOutcome{skipped: pending}
	}
	if ctx.Err() != nil {
		return batchOutcome{failed: pending, err: err}
	}
	if recErr := m.store.RecordAttempt(ctx, attempted, err.Error()); recErr != nil {
		err = errors.Join(err, fmt.Errorf("record attempt: %w", recErr))
	}
	m.metrics.failed(ctx, key, pending)
	return batchOutcome{failed: pending, err: err}
}

func (m *Mediator) send(ctx context.Context, key schema.RoutingKey, breaker *gobreaker.CircuitBreaker, fn func(context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		start := time.Now()
		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		m.metrics.sendLatency(ctx, key, time.Since(start), err)
		if err == nil {
			return struct{}{}, nil
		}
		if permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, m.retryOptions("send", key)...)
	return err
}

func (m *Mediator) mark(ctx context.Context, ids []schema.MessageID) (int, error) {
	return backoff.Retry(ctx, func() (int, error) {
		n, err := m.store.MarkDispatchedBulk(ctx, ids, m.now().UTC())
		if err != nil && permanent(err) {
			return 0, backoff.Permanent(err)
		}
		return n, err
	}, m.retryOptions("mark", "")...)
}

func (m *Mediator) retryOptions(op string, key schema.RoutingKey) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.retryInterval
	b.MaxInterval = 20 * m.cfg.retryInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.cfg.retryAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Debug("outbox retry",
				observability.Field{Key: "operation", Value: op},
				observability.Field{Key: "routing_key", Value: string(key)},
				observability.Field{Key: "next", Value: next.String()},
				observability.Err(err))
		}),
	}
}

// permanent reports errors that retrying within the cycle cannot fix.
func permanent(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	code, ok := errs.CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case errs.CodeConfiguration, errs.CodeBatchIntegrity, errs.CodeInvalid:
		return true
	default:
		return false
	}
}
