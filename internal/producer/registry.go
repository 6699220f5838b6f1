package producer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/schema"
)

// Drivers maintains producer factories keyed by driver name.
type Drivers struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewDrivers creates an empty driver table.
func NewDrivers() *Drivers {
	return &Drivers{
		mu:        sync.RWMutex{},
		factories: make(map[string]Factory),
	}
}

// Register registers a producer factory for the given driver.
func (d *Drivers) Register(driver string, factory Factory) {
	if factory == nil {
		panic("producer factory required")
	}
	key := Publication{Driver: driver}.Normalize().Driver
	d.mu.Lock()
	d.factories[key] = factory
	d.mu.Unlock()
}

// Factory returns a factory that dispatches on Publication.Driver.
func (d *Drivers) Factory() Factory {
	return func(ctx context.Context, pub Publication) (Producer, error) {
		d.mu.RLock()
		factory, ok := d.factories[pub.Driver]
		d.mu.RUnlock()
		if !ok {
			return nil, errs.New("producer/drivers", errs.CodeConfiguration,
				errs.WithMessage(fmt.Sprintf("producer driver %q not registered", pub.Driver)),
				errs.WithField("topic", string(pub.Topic)))
		}
		return factory(ctx, pub)
	}
}

// Registry maps routing keys to producers. It is built once by Create and never mutated,
// so concurrent lookups need no locking.
type Registry struct {
	producers map[schema.RoutingKey]Producer
}

// Create builds the routing table from publications. Any factory failure closes the producers
// already built and fails the whole registry.
func Create(ctx context.Context, publications []Publication, factory Factory) (*Registry, error) {
	if factory == nil {
		return nil, errs.New("producer/registry", errs.CodeConfiguration, errs.WithMessage("producer factory required"))
	}
	reg := &Registry{producers: make(map[schema.RoutingKey]Producer, len(publications))}
	for _, raw := range publications {
		pub := raw.Normalize()
		if pub.Topic == "" {
			_ = reg.Close()
			return nil, errs.New("producer/registry", errs.CodeConfiguration, errs.WithMessage("publication topic required"))
		}
		if _, dup := reg.producers[pub.Topic]; dup {
			_ = reg.Close()
			return nil, errs.New("producer/registry", errs.CodeConfiguration,
				errs.WithMessage("duplicate publication topic"), errs.WithField("topic", string(pub.Topic)))
		}
		p, err := factory(ctx, pub)
		if err != nil {
			_ = reg.Close()
			if _, ok := errs.CodeOf(err); ok {
				return nil, err
			}
			return nil, errs.New("producer/registry", errs.CodeConfiguration,
				errs.WithMessage("create producer"), errs.WithField("topic", string(pub.Topic)), errs.WithCause(err))
		}
		if pub.RateLimit > 0 {
			p = WithRateLimit(p, pub.RateLimit, pub.RateBurst)
		}
		reg.producers[pub.Topic] = p
	}
	return reg, nil
}

// Lookup returns the producer bound to key.
func (r *Registry) Lookup(key schema.RoutingKey) (Producer, error) {
	if r != nil {
		if p, ok := r.producers[key]; ok {
			return p, nil
		}
	}
	return nil, errs.New("producer/registry", errs.CodeConfiguration,
		errs.WithMessage("no producer for routing key"),
		errs.WithField("routing_key", string(key)),
		errs.WithRemediation("add a publication for the topic"))
}

// Topics lists the routing keys with a bound producer, sorted.
func (r *Registry) Topics() []schema.RoutingKey {
	if r == nil {
		return nil
	}
	out := make([]schema.RoutingKey, 0, len(r.producers))
	for key := range r.producers {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close closes every producer and joins their errors.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	var collected []error
	for key, p := range r.producers {
		if err := p.Close(); err != nil {
			collected = append(collected, fmt.Errorf("close producer %s: %w", key, err))
		}
	}
	return errors.Join(collected...)
}
