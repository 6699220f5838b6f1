package scheduler

import (
	"context"

	"github.com/coachpo/courier/internal/app/mediator"
	"github.com/coachpo/courier/internal/domain/schema"
)

// Pipeline is the entry point fired requests are replayed through.
type Pipeline interface {
	Send(ctx context.Context, msg schema.Message) error
	Publish(ctx context.Context, msg schema.Message) error
	Post(ctx context.Context, msg schema.Message) error
}

// Outbox is the subset of the mediator the outbox pipeline needs.
type Outbox interface {
	Add(ctx context.Context, msg schema.Message) error
	Post(ctx context.Context, msg schema.Message) (mediator.DispatchResult, error)
}

// OutboxPipeline replays every fired request through the outbox. Post only writes the
// message and leaves it for the next sweep; Send and Publish write it and dispatch it at once.
type OutboxPipeline struct {
	outbox Outbox
}

// NewOutboxPipeline wraps the mediator as a scheduler pipeline.
func NewOutboxPipeline(outbox Outbox) *OutboxPipeline {
	return &OutboxPipeline{outbox: outbox}
}

func (p *OutboxPipeline) Send(ctx context.Context, msg schema.Message) error {
	_, err := p.outbox.Post(ctx, msg)
	return err
}

func (p *OutboxPipeline) Publish(ctx context.Context, msg schema.Message) error {
	_, err := p.outbox.Post(ctx, msg)
	return err
}

func (p *OutboxPipeline) Post(ctx context.Context, msg schema.Message) error {
	return p.outbox.Add(ctx, msg)
}

var _ Pipeline = (*OutboxPipeline)(nil)
