package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/outboxstore"
	"github.com/coachpo/courier/internal/domain/schema"
)

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
	fields  [][]Field
}

func (r *recordingLogger) record(msg string, fields []Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, msg)
	r.fields = append(r.fields, fields)
}

func (r *recordingLogger) Debug(msg string, fields ...Field) { r.record(msg, fields) }
func (r *recordingLogger) Info(msg string, fields ...Field)  { r.record(msg, fields) }
func (r *recordingLogger) Error(msg string, fields ...Field) { r.record(msg, fields) }

func withLogger(t *testing.T, logger Logger) {
	t.Helper()
	previous := Log()
	SetLogger(logger)
	t.Cleanup(func() { SetLogger(previous) })
}

func letter(id string, attempts int) outboxstore.DeadLetter {
	msg := schema.NewMessage("orders", "order.created", []byte(`{"id":"`+id+`"}`))
	msg.ID = schema.MessageID(id)
	return outboxstore.DeadLetter{
		Entry:  outboxstore.Entry{Message: msg, Attempts: attempts},
		Reason: "producer rejected",
	}
}

func TestSetLoggerNilFallsBackToNoop(t *testing.T) {
	withLogger(t, nil)
	require.NotNil(t, Log())
	Log().Info("ignored")
}

func TestDeadLetterQueueOfferAndDrain(t *testing.T) {
	queue := NewDeadLetterQueue(2)

	queue.Offer(letter("1", 1))
	queue.Offer(letter("2", 1))
	queue.Offer(letter("3", 1))

	require.Equal(t, 2, queue.Len())

	letters := queue.Drain()
	require.Len(t, letters, 2)
	require.Equal(t, schema.MessageID("2"), letters[0].Entry.Message.ID)
	require.Equal(t, schema.MessageID("3"), letters[1].Entry.Message.ID)
	require.Equal(t, 0, queue.Len())
}

func TestDeadLetterQueueQuarantineLogsEachLetter(t *testing.T) {
	rec := new(recordingLogger)
	withLogger(t, rec)

	queue := NewDeadLetterQueue(0)
	original := letter("a", 5)
	require.NoError(t, queue.Quarantine(context.Background(), []outboxstore.DeadLetter{original, letter("b", 5)}))
	require.Equal(t, 2, queue.Len())
	require.Len(t, rec.entries, 2)
	require.Equal(t, "outbox entry dead-lettered", rec.entries[0])

	original.Entry.Message.Body[0] = 'X'
	drained := queue.Drain()
	require.Equal(t, byte('{'), drained[0].Entry.Message.Body[0])
}

func TestAggregateErrors(t *testing.T) {
	rec := new(recordingLogger)
	withLogger(t, rec)

	require.NoError(t, AggregateErrors("cycle", []error{nil, nil}))
	require.Empty(t, rec.entries)

	first := errors.New("first")
	err := AggregateErrors("cycle", []error{first, nil, errors.New("second")}, Field{Key: "routing_key", Value: "orders"})
	require.Error(t, err)
	require.ErrorIs(t, err, first)
	require.Contains(t, err.Error(), "cycle failed")
	require.Len(t, rec.entries, 1)
}

func TestCodeSummaryCountsByCode(t *testing.T) {
	summary := CodeSummary([]error{
		errs.New("mediator", errs.CodeTransientSend),
		nil,
		fmt.Errorf("wrapped: %w", errs.New("mediator", errs.CodeTransientSend)),
		errs.New("registry", errs.CodeConfiguration),
		errors.New("plain"),
	})
	require.Equal(t, []string{"configuration=1", "transient_send=2", "unknown=1"}, summary)
}

func TestZapLoggerWritesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := NewZapLoggerFrom(zap.New(core))

	logger.Info("dispatched", Field{Key: "count", Value: 3}, Err(errors.New("late")))
	logger.Debug("detail")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "dispatched", entries[0].Message)
	ctx := entries[0].ContextMap()
	require.EqualValues(t, 3, ctx["count"])
	require.Equal(t, "late", ctx["error"])
}

func TestNewZapLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewZapLogger(ZapConfig{Environment: "prod", Level: "loud"})
	require.Error(t, err)

	logger, err := NewZapLogger(ZapConfig{Environment: "dev", Level: "debug"})
	require.NoError(t, err)
	logger.Debug("ok")
}
