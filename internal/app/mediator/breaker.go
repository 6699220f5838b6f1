package mediator

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/observability"
)

// breakers holds one circuit breaker per routing key. An open breaker marks the key as tripped.
type breakers struct {
	mu       sync.Mutex
	byKey    map[schema.RoutingKey]*gobreaker.CircuitBreaker
	failures uint32
	timeout  time.Duration
	logger   observability.Logger
	metrics  *instruments
}

func newBreakers(failures uint32, timeout time.Duration, logger observability.Logger, metrics *instruments) *breakers {
	return &breakers{
		byKey:    make(map[schema.RoutingKey]*gobreaker.CircuitBreaker),
		failures: failures,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
	}
}

func (b *breakers) get(key schema.RoutingKey) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.byKey[key]; ok {
		return cb
	}
	failures := b.failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(key),
		MaxRequests: 1,
		Timeout:     b.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Routing and payload errors are the caller's to fix and say nothing about broker health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			code, ok := errs.CodeOf(err)
			return ok && (code == errs.CodeConfiguration || code == errs.CodeBatchIntegrity || code == errs.CodeInvalid)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("routing key breaker state changed",
				observability.Field{Key: "routing_key", Value: name},
				observability.Field{Key: "from", Value: from.String()},
				observability.Field{Key: "to", Value: to.String()})
			b.metrics.breakerChanged(schema.RoutingKey(name), to.String())
		},
	})
	b.byKey[key] = cb
	return cb
}

// Tripped lists routing keys whose breaker is open.
func (m *Mediator) Tripped() []schema.RoutingKey {
	m.breakers.mu.Lock()
	defer m.breakers.mu.Unlock()
	var out []schema.RoutingKey
	for key, cb := range m.breakers.byKey {
		if cb.State() == gobreaker.StateOpen {
			out = append(out, key)
		}
	}
	return out
}
