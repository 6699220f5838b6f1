package mediator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/infra/telemetry"
)

type instruments struct {
	addedCounter        metric.Int64Counter
	rejectedCounter     metric.Int64Counter
	dispatchedCounter   metric.Int64Counter
	failedCounter       metric.Int64Counter
	markFailedCounter   metric.Int64Counter
	deadLetterCounter   metric.Int64Counter
	unroutableCounter   metric.Int64Counter
	archivedCounter     metric.Int64Counter
	cycleDuration       metric.Float64Histogram
	sendDuration        metric.Float64Histogram
	cycleFetchedCounter metric.Int64Counter
	errorCounter        metric.Int64Counter
	breakerCounter      metric.Int64Counter
}

func newInstruments() *instruments {
	meter := otel.Meter("mediator")
	i := new(instruments)
	i.addedCounter, _ = meter.Int64Counter("mediator.messages.added",
		metric.WithDescription("Messages written to the outbox"), metric.WithUnit("{message}"))
	i.rejectedCounter, _ = meter.Int64Counter("mediator.messages.rejected",
		metric.WithDescription("Messages rejected by the outbox ceiling"), metric.WithUnit("{message}"))
	i.dispatchedCounter, _ = meter.Int64Counter("mediator.messages.dispatched",
		metric.WithDescription("Messages sent and marked dispatched"), metric.WithUnit("{message}"))
	i.failedCounter, _ = meter.Int64Counter("mediator.messages.failed",
		metric.WithDescription("Messages whose send failed"), metric.WithUnit("{message}"))
	i.markFailedCounter, _ = meter.Int64Counter("mediator.messages.mark_failed",
		metric.WithDescription("Messages sent but not marked dispatched"), metric.WithUnit("{message}"))
	i.deadLetterCounter, _ = meter.Int64Counter("mediator.messages.dead_lettered",
		metric.WithDescription("Messages quarantined after exhausting attempts"), metric.WithUnit("{message}"))
	i.unroutableCounter, _ = meter.Int64Counter("mediator.messages.unroutable",
		metric.WithDescription("Messages with no producer for their routing key"), metric.WithUnit("{message}"))
	i.archivedCounter, _ = meter.Int64Counter("mediator.messages.archived",
		metric.WithDescription("Messages archived and removed from the outbox"), metric.WithUnit("{message}"))
	i.cycleFetchedCounter, _ = meter.Int64Counter("mediator.cycle.fetched",
		metric.WithDescription("Outstanding entries read by sweeps"), metric.WithUnit("{message}"))
	i.errorCounter, _ = meter.Int64Counter("mediator.errors",
		metric.WithDescription("Failed sweeps and archive passes"), metric.WithUnit("{error}"))
	i.breakerCounter, _ = meter.Int64Counter("mediator.breaker.transitions",
		metric.WithDescription("Routing key circuit breaker state changes"), metric.WithUnit("{transition}"))
	i.cycleDuration, _ = meter.Float64Histogram("mediator.cycle.duration",
		metric.WithDescription("Duration of one dispatch sweep"), metric.WithUnit("ms"))
	i.sendDuration, _ = meter.Float64Histogram("mediator.send.duration",
		metric.WithDescription("Latency of producer sends"), metric.WithUnit("ms"))
	return i
}

func (i *instruments) added(ctx context.Context, n int) {
	i.addedCounter.Add(ctx, int64(n), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (i *instruments) rejected(ctx context.Context, n int) {
	i.rejectedCounter.Add(ctx, int64(n), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (i *instruments) dispatched(ctx context.Context, key schema.RoutingKey, n, markFailed int) {
	attrs := metric.WithAttributes(telemetry.RoutingAttributes(telemetry.Environment(), string(key))...)
	if n > 0 {
		i.dispatchedCounter.Add(ctx, int64(n), attrs)
	}
	if markFailed > 0 {
		i.markFailedCounter.Add(ctx, int64(markFailed), attrs)
	}
}

func (i *instruments) failed(ctx context.Context, key schema.RoutingKey, n int) {
	i.failedCounter.Add(ctx, int64(n), metric.WithAttributes(telemetry.RoutingAttributes(telemetry.Environment(), string(key))...))
}

func (i *instruments) unroutable(ctx context.Context, key schema.RoutingKey, n int) {
	i.unroutableCounter.Add(ctx, int64(n), metric.WithAttributes(telemetry.RoutingAttributes(telemetry.Environment(), string(key))...))
}

func (i *instruments) deadLettered(ctx context.Context, n int) {
	if n > 0 {
		i.deadLetterCounter.Add(ctx, int64(n), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}

func (i *instruments) archived(ctx context.Context, n int) {
	if n > 0 {
		i.archivedCounter.Add(ctx, int64(n), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}

func (i *instruments) cycle(ctx context.Context, r DispatchResult, elapsed time.Duration) {
	result := "success"
	if r.Failed > 0 || r.MarkFailed > 0 || r.Unroutable > 0 {
		result = "partial"
	}
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), "", "dispatch", result)...)
	i.cycleDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	i.cycleFetchedCounter.Add(ctx, int64(r.Fetched), attrs)
}

func (i *instruments) sendLatency(ctx context.Context, key schema.RoutingKey, elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
		if code, ok := errs.CodeOf(err); ok {
			result = string(code)
		}
	}
	attrs := telemetry.OperationResultAttributes(telemetry.Environment(), string(key), "send", result)
	i.sendDuration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
}

func (i *instruments) operationFailed(ctx context.Context, operation string, err error) {
	errorType := "unknown"
	if code, ok := errs.CodeOf(err); ok {
		errorType = string(code)
	}
	i.errorCounter.Add(ctx, 1, metric.WithAttributes(telemetry.ErrorAttributes(telemetry.Environment(), operation, errorType)...))
}

func (i *instruments) breakerChanged(key schema.RoutingKey, to string) {
	attrs := append(telemetry.RoutingAttributes(telemetry.Environment(), string(key)), telemetry.AttrBreakerState.String(to))
	i.breakerCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
