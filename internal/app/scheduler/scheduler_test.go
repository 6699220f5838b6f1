package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/app/mediator"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/infra/bus/membus"
	"github.com/coachpo/courier/internal/infra/persistence/memory"
	"github.com/coachpo/courier/internal/producer"
)

type call struct {
	entry string
	msg   schema.Message
}

type recordingPipeline struct {
	mu    sync.Mutex
	calls []call
}

func (p *recordingPipeline) record(entry string, msg schema.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call{entry: entry, msg: msg})
	return nil
}

func (p *recordingPipeline) Send(_ context.Context, msg schema.Message) error {
	return p.record("send", msg)
}

func (p *recordingPipeline) Publish(_ context.Context, msg schema.Message) error {
	return p.record("publish", msg)
}

func (p *recordingPipeline) Post(_ context.Context, msg schema.Message) error {
	return p.record("post", msg)
}

func (p *recordingPipeline) snapshot() []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]call(nil), p.calls...)
}

type memoryJobStore struct {
	mu   sync.Mutex
	jobs map[string][]byte
}

func newMemoryJobStore() *memoryJobStore {
	return &memoryJobStore{jobs: make(map[string][]byte)}
}

func (m *memoryJobStore) Save(_ context.Context, job Job) error {
	data, err := EncodeJob(job)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.jobs[job.ID] = data
	m.mu.Unlock()
	return nil
}

func (m *memoryJobStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return nil
}

func (m *memoryJobStore) Load(context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, data := range m.jobs {
		job, err := DecodeJob(data)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (m *memoryJobStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// gatedJobStore holds the first Save of job "A" until release is closed.
type gatedJobStore struct {
	*memoryJobStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedJobStore() *gatedJobStore {
	return &gatedJobStore{
		memoryJobStore: newMemoryJobStore(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
}

func (g *gatedJobStore) Save(ctx context.Context, job Job) error {
	if job.ID == "A" {
		gated := false
		g.once.Do(func() { gated = true })
		if gated {
			close(g.entered)
			<-g.release
		}
	}
	return g.memoryJobStore.Save(ctx, job)
}

func (m *memoryJobStore) topic(t *testing.T, id string) schema.RoutingKey {
	t.Helper()
	jobs, err := m.Load(context.Background())
	require.NoError(t, err)
	for _, job := range jobs {
		if job.ID == id {
			return job.Message.RoutingKey()
		}
	}
	return ""
}

type unroutable struct{}

func (unroutable) Lookup(key schema.RoutingKey) (producer.Producer, error) {
	return nil, errs.New("producer/registry", errs.CodeConfiguration, errs.WithField("topic", string(key)))
}

func newScheduler(t *testing.T, pipeline Pipeline, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(pipeline, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func postRequest(topic schema.RoutingKey) Request {
	return Request{RequestType: RequestPost, Message: schema.NewMessage(topic, "reminder", []byte(`{}`))}
}

func TestConflictThrowKeepsExistingJob(t *testing.T) {
	pipeline := &recordingPipeline{}
	s := newScheduler(t, pipeline)

	id, err := s.Schedule(After(time.Hour), postRequest("orders"), WithJobID("A"))
	require.NoError(t, err)
	require.Equal(t, "A", id)
	first, ok := s.Get("A")
	require.True(t, ok)

	_, err = s.Schedule(After(2*time.Hour), postRequest("orders"), WithJobID("A"))
	require.True(t, errs.IsCode(err, errs.CodeSchedulerConflict))

	current, ok := s.Get("A")
	require.True(t, ok)
	require.Equal(t, first.FireAt, current.FireAt)
	require.Equal(t, first.Message.ID, current.Message.ID)
	require.Equal(t, 1, s.Pending())
}

func TestConflictOverwriteFiresOnce(t *testing.T) {
	pipeline := &recordingPipeline{}
	s := newScheduler(t, pipeline, WithConflictPolicy(ConflictOverwrite))

	_, err := s.Schedule(After(20*time.Millisecond), postRequest("orders"), WithJobID("A"))
	require.NoError(t, err)
	replacement := postRequest("billing")
	_, err = s.Schedule(After(60*time.Millisecond), replacement, WithJobID("A"))
	require.NoError(t, err)

	job, ok := s.Get("A")
	require.True(t, ok)
	require.Equal(t, schema.RoutingKey("billing"), job.Message.RoutingKey())
	require.Equal(t, 1, s.Pending())

	require.Eventually(t, func() bool { return len(pipeline.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	calls := pipeline.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, replacement.Message.ID, calls[0].msg.ID)
}

func TestJobsFireInTimeOrder(t *testing.T) {
	pipeline := &recordingPipeline{}
	s := newScheduler(t, pipeline, WithWorkers(1, 8))

	late, early, middle := postRequest("late"), postRequest("early"), postRequest("middle")
	_, err := s.Schedule(After(150*time.Millisecond), late)
	require.NoError(t, err)
	_, err = s.Schedule(After(30*time.Millisecond), early)
	require.NoError(t, err)
	_, err = s.Schedule(After(90*time.Millisecond), middle)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(pipeline.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	calls := pipeline.snapshot()
	require.Equal(t, []schema.RoutingKey{"early", "middle", "late"},
		[]schema.RoutingKey{calls[0].msg.RoutingKey(), calls[1].msg.RoutingKey(), calls[2].msg.RoutingKey()})
	require.Zero(t, s.Pending())
}

func TestFireTypeSelectsEntryPoint(t *testing.T) {
	pipeline := &recordingPipeline{}
	s := newScheduler(t, pipeline)

	direct := Request{FireType: FireDirect, RequestType: RequestSend, Message: schema.NewMessage("orders", "", nil)}
	publish := Request{FireType: FireDirect, RequestType: RequestPublish, Message: schema.NewMessage("orders", "", nil)}
	outbox := Request{FireType: FireOutbox, RequestType: RequestSend, Message: schema.NewMessage("orders", "", nil)}
	for _, req := range []Request{direct, publish, outbox} {
		_, err := s.Schedule(After(0), req)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(pipeline.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	byID := map[schema.MessageID]string{}
	for _, c := range pipeline.snapshot() {
		byID[c.msg.ID] = c.entry
	}
	require.Equal(t, "send", byID[direct.Message.ID])
	require.Equal(t, "publish", byID[publish.Message.ID])
	require.Equal(t, "post", byID[outbox.Message.ID])
}

func TestCancelRemovesPendingJob(t *testing.T) {
	pipeline := &recordingPipeline{}
	s := newScheduler(t, pipeline)

	id, err := s.Schedule(After(30*time.Millisecond), postRequest("orders"))
	require.NoError(t, err)
	s.Cancel(id)
	s.Cancel(id)
	s.Cancel("unknown")
	require.Zero(t, s.Pending())

	time.Sleep(60 * time.Millisecond)
	require.Empty(t, pipeline.snapshot())
}

func TestRescheduleValidation(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s := newScheduler(t, &recordingPipeline{}, WithClock(func() time.Time { return now }))

	err := s.Reschedule("missing", After(time.Minute))
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	id, err := s.Schedule(At(now.Add(time.Hour)), postRequest("orders"))
	require.NoError(t, err)
	require.True(t, errs.IsCode(s.Reschedule(id, After(-time.Second)), errs.CodeInvalid))
	require.True(t, errs.IsCode(s.Reschedule(id, At(now.Add(-time.Second))), errs.CodeInvalid))

	require.NoError(t, s.Reschedule(id, At(now.Add(2*time.Hour))))
	job, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, now.Add(2*time.Hour), job.FireAt)
}

func TestScheduleRejectsInvalidInput(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s := newScheduler(t, &recordingPipeline{}, WithClock(func() time.Time { return now }))

	_, err := s.Schedule(After(-time.Second), postRequest("orders"))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = s.Schedule(At(now.Add(-time.Minute)), postRequest("orders"))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = s.Schedule(After(time.Second), Request{Message: schema.Message{}})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestScheduleAsyncPersistsUntilFired(t *testing.T) {
	pipeline := &recordingPipeline{}
	store := newMemoryJobStore()
	s := newScheduler(t, pipeline, WithJobStore(store))
	ctx := context.Background()

	kept, err := s.ScheduleAsync(ctx, After(time.Hour), postRequest("orders"))
	require.NoError(t, err)
	_, err = s.ScheduleAsync(ctx, After(10*time.Millisecond), postRequest("orders"))
	require.NoError(t, err)
	require.Equal(t, 2, store.len())

	require.Eventually(t, func() bool { return store.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, pipeline.snapshot(), 1)

	_, err = s.ScheduleAsync(ctx, After(time.Hour), postRequest("orders"), WithJobID(kept))
	require.True(t, errs.IsCode(err, errs.CodeSchedulerConflict))

	require.NoError(t, s.CancelAsync(ctx, kept))
	require.Zero(t, store.len())
	require.Zero(t, s.Pending())
}

func TestScheduleAsyncHoldsIDWhilePersisting(t *testing.T) {
	ctx := context.Background()
	store := newGatedJobStore()
	s := newScheduler(t, &recordingPipeline{}, WithJobStore(store))

	errc := make(chan error, 1)
	go func() {
		_, err := s.ScheduleAsync(ctx, After(time.Hour), postRequest("late"), WithJobID("A"))
		errc <- err
	}()
	<-store.entered

	_, err := s.Schedule(After(time.Hour), postRequest("early"), WithJobID("A"))
	require.True(t, errs.IsCode(err, errs.CodeSchedulerConflict))
	_, err = s.ScheduleAsync(ctx, After(time.Hour), postRequest("early"), WithJobID("A"))
	require.True(t, errs.IsCode(err, errs.CodeSchedulerConflict))

	close(store.release)
	require.NoError(t, <-errc)
	job, ok := s.Get("A")
	require.True(t, ok)
	require.Equal(t, schema.RoutingKey("late"), job.Message.RoutingKey())
	require.Equal(t, 1, store.len())
	require.Equal(t, schema.RoutingKey("late"), store.topic(t, "A"))
}

func TestScheduleAsyncConflictLeavesStoreWithArmedJob(t *testing.T) {
	ctx := context.Background()
	store := newGatedJobStore()
	s := newScheduler(t, &recordingPipeline{}, WithJobStore(store))

	errc := make(chan error, 1)
	go func() {
		_, err := s.ScheduleAsync(ctx, After(time.Hour), postRequest("late"), WithJobID("A"))
		errc <- err
	}()
	<-store.entered

	_, err := s.Schedule(After(time.Hour), postRequest("early"), WithJobID("A"), OnConflict(ConflictOverwrite))
	require.NoError(t, err)

	close(store.release)
	require.True(t, errs.IsCode(<-errc, errs.CodeSchedulerConflict))
	job, ok := s.Get("A")
	require.True(t, ok)
	require.Equal(t, schema.RoutingKey("early"), job.Message.RoutingKey())
	require.Equal(t, schema.RoutingKey("early"), store.topic(t, "A"))
}

func TestFireRetriesWhenOutboxIsFull(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutboxStore()
	m, err := mediator.New(outbox, unroutable{}, mediator.WithOutboxCeiling(1))
	require.NoError(t, err)
	blocker := schema.NewMessage("orders", "", nil)
	require.NoError(t, m.Add(ctx, blocker))

	s := newScheduler(t, NewOutboxPipeline(m), WithRetryDelay(20*time.Millisecond))
	req := postRequest("orders")
	id, err := s.Schedule(After(0), req)
	require.NoError(t, err)

	// The first fire hits the ceiling; the job must come back rather than vanish.
	time.Sleep(50 * time.Millisecond)
	_, err = outbox.Get(ctx, req.Message.ID)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
	require.Eventually(t, func() bool {
		_, ok := s.Get(id)
		return ok
	}, time.Second, 2*time.Millisecond)

	_, err = outbox.MarkDispatched(ctx, blocker.ID, time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := outbox.Get(ctx, req.Message.ID)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRestoreArmsPersistedJobs(t *testing.T) {
	store := newMemoryJobStore()
	ctx := context.Background()
	overdue := Job{ID: "overdue", FireAt: time.Now().Add(-time.Minute), Request: postRequest("orders")}
	future := Job{ID: "future", FireAt: time.Now().Add(time.Hour), Request: postRequest("orders")}
	require.NoError(t, store.Save(ctx, overdue))
	require.NoError(t, store.Save(ctx, future))

	pipeline := &recordingPipeline{}
	s := newScheduler(t, pipeline, WithJobStore(store))
	n, err := s.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Eventually(t, func() bool { return len(pipeline.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, overdue.Message.ID, pipeline.snapshot()[0].msg.ID)
	_, ok := s.Get("future")
	require.True(t, ok)
}

func TestScheduleAfterCloseIsUnavailable(t *testing.T) {
	s, err := New(&recordingPipeline{})
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	_, err = s.Schedule(After(time.Second), postRequest("orders"))
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}

func TestParsePolicies(t *testing.T) {
	policy, err := ParseConflictPolicy(" Overwrite ")
	require.NoError(t, err)
	require.Equal(t, ConflictOverwrite, policy)
	_, err = ParseConflictPolicy("ignore")
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	reqType, err := ParseRequestType("")
	require.NoError(t, err)
	require.Equal(t, RequestPost, reqType)
	_, err = ParseRequestType("broadcast")
	require.Error(t, err)
}

func TestOutboxPipelineRoutesThroughMediator(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	drivers := producer.NewDrivers()
	bus := membus.New(membus.Config{})
	t.Cleanup(bus.Close)
	drivers.Register("memory", producer.NewInMemoryFactory(bus))
	registry, err := producer.Create(ctx, []producer.Publication{{Topic: "orders", Driver: "memory"}}, drivers.Factory())
	require.NoError(t, err)
	m, err := mediator.New(store, registry)
	require.NoError(t, err)
	pipeline := NewOutboxPipeline(m)

	posted := schema.NewMessage("orders", "", nil)
	require.NoError(t, pipeline.Post(ctx, posted))
	entry, err := store.Get(ctx, posted.ID)
	require.NoError(t, err)
	require.True(t, entry.Outstanding())

	sent := schema.NewMessage("orders", "", nil)
	require.NoError(t, pipeline.Send(ctx, sent))
	entry, err = store.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.False(t, entry.Outstanding())
	require.EqualValues(t, 1, bus.Published())
}
