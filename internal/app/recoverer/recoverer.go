// Package recoverer reposts stuck outbox messages on operator request.
package recoverer

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/outboxstore"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/observability"
	"github.com/coachpo/courier/internal/producer"
)

// Resolver resolves the producer for a routing key.
type Resolver interface {
	Lookup(key schema.RoutingKey) (producer.Producer, error)
}

// Report lists the outcome of each requested id.
type Report struct {
	Sent    []schema.MessageID
	Missing []schema.MessageID
	Failed  map[schema.MessageID]error
}

// OK reports whether every requested id was found and sent.
func (r Report) OK() bool {
	return len(r.Missing) == 0 && len(r.Failed) == 0
}

// Recoverer sends messages again regardless of their dispatch state and without capacity checks.
type Recoverer struct {
	mark   bool
	now    func() time.Time
	logger observability.Logger
}

// Option configures the recoverer.
type Option func(*Recoverer)

// WithMarkDispatched marks reposted entries dispatched after a successful send.
func WithMarkDispatched() Option {
	return func(r *Recoverer) { r.mark = true }
}

// WithLogger sets the structured logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Recoverer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time stamped on marked entries.
func WithClock(now func() time.Time) Option {
	return func(r *Recoverer) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a recoverer.
func New(opts ...Option) *Recoverer {
	r := &Recoverer{now: time.Now, logger: observability.Log()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Repost sends every found message through p, one at a time.
func (r *Recoverer) Repost(ctx context.Context, ids []schema.MessageID, store outboxstore.Store, p producer.Producer) (Report, error) {
	if p == nil {
		return Report{}, errs.New("recoverer", errs.CodeConfiguration, errs.WithMessage("producer required"))
	}
	return r.RepostRouted(ctx, ids, store, single{p})
}

// RepostRouted sends every found message through the producer registered for its routing key.
// Only a failed store read fails the whole call; per-message problems land in the report.
func (r *Recoverer) RepostRouted(ctx context.Context, ids []schema.MessageID, store outboxstore.Store, resolver Resolver) (Report, error) {
	report := Report{Failed: make(map[schema.MessageID]error)}
	if store == nil || resolver == nil {
		return report, errs.New("recoverer", errs.CodeConfiguration, errs.WithMessage("store and producer required"))
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return report, nil
	}
	entries, err := store.GetMany(ctx, ids)
	if err != nil {
		return report, fmt.Errorf("load entries for repost: %w", err)
	}
	found := make(map[schema.MessageID]outboxstore.Entry, len(entries))
	for _, entry := range entries {
		found[entry.Message.ID] = entry
	}

	for _, id := range ids {
		entry, ok := found[id]
		if !ok {
			report.Missing = append(report.Missing, id)
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Failed[id] = err
			continue
		}
		if err := r.send(ctx, entry.Message, resolver); err != nil {
			report.Failed[id] = err
			continue
		}
		report.Sent = append(report.Sent, id)
	}

	if r.mark && len(report.Sent) > 0 {
		if _, err := store.MarkDispatchedBulk(ctx, report.Sent, r.now().UTC()); err != nil {
			r.logger.Error("mark reposted entries", observability.Err(err))
		}
	}
	r.logger.Info("outbox repost finished",
		observability.Field{Key: "requested", Value: len(ids)},
		observability.Field{Key: "sent", Value: len(report.Sent)},
		observability.Field{Key: "missing", Value: len(report.Missing)},
		observability.Field{Key: "failed", Value: len(report.Failed)})
	return report, nil
}

func (r *Recoverer) send(ctx context.Context, msg schema.Message, resolver Resolver) error {
	p, err := resolver.Lookup(msg.RoutingKey())
	if err != nil {
		return err
	}
	return p.Send(ctx, msg)
}

type single struct {
	p producer.Producer
}

func (s single) Lookup(schema.RoutingKey) (producer.Producer, error) { return s.p, nil }

func dedupe(ids []schema.MessageID) []schema.MessageID {
	seen := make(map[schema.MessageID]struct{}, len(ids))
	out := make([]schema.MessageID, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
