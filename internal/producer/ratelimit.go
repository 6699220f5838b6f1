package producer

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/schema"
)

type rateLimited struct {
	Producer
	limiter *rate.Limiter
}

// WithRateLimit throttles sends through p to perSecond messages, allowing bursts of burst.
func WithRateLimit(p Producer, perSecond float64, burst int) Producer {
	if p == nil || perSecond <= 0 {
		return p
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{Producer: p, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *rateLimited) Send(ctx context.Context, msg schema.Message) error {
	if err := r.wait(ctx, 1); err != nil {
		return err
	}
	return r.Producer.Send(ctx, msg)
}

func (r *rateLimited) SendBatch(ctx context.Context, batch schema.Batch) error {
	// WaitN rejects n larger than the burst, so reserve tokens one at a time.
	if err := r.wait(ctx, batch.Len()); err != nil {
		return err
	}
	return r.Producer.SendBatch(ctx, batch)
}

func (r *rateLimited) wait(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return errs.New("producer/ratelimit", errs.CodeTransientSend,
				errs.WithMessage("rate limit wait"),
				errs.WithField("topic", string(r.Publication().Topic)),
				errs.WithCause(fmt.Errorf("limiter wait: %w", err)))
		}
	}
	return nil
}
