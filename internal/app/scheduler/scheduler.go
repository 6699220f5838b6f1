package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/infra/telemetry"
	"github.com/coachpo/courier/internal/observability"
	"github.com/coachpo/courier/lib/async"
)

const (
	defaultWorkers     = 4
	defaultQueue       = 256
	defaultRefireDelay = 100 * time.Millisecond
	defaultRetryDelay  = time.Second
	defaultFireTimeout = 30 * time.Second
)

// Scheduler holds pending jobs in a min-heap and fires each on a worker pool at its fire time.
type Scheduler struct {
	pipeline Pipeline
	store    JobStore
	logger   observability.Logger
	now      func() time.Time
	policy   ConflictPolicy
	workers  int
	queue    int
	timeout  time.Duration
	retry    time.Duration

	mu       sync.Mutex
	pending  jobHeap
	byID     map[string]*entry
	reserved map[string]struct{}
	closed   bool

	pool  *async.Pool
	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	fired metric.Int64Counter
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithJobStore persists jobs scheduled through ScheduleAsync.
func WithJobStore(store JobStore) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithConflictPolicy sets the default policy for duplicate job ids.
func WithConflictPolicy(policy ConflictPolicy) Option {
	return func(s *Scheduler) {
		if policy != "" {
			s.policy = policy
		}
	}
}

// WithWorkers bounds concurrent fires and the number of fires waiting for a worker.
func WithWorkers(workers, queue int) Option {
	return func(s *Scheduler) {
		if workers > 0 {
			s.workers = workers
		}
		if queue > 0 {
			s.queue = queue
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used to resolve triggers.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFireTimeout bounds a single pipeline call.
func WithFireTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetryDelay sets how long a job waits before firing again after the pipeline
// rejected it with a retryable error.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.retry = d
		}
	}
}

// JobOption adjusts a single schedule call.
type JobOption func(*jobSettings)

type jobSettings struct {
	id     string
	policy ConflictPolicy
}

// WithJobID sets the job id instead of generating one.
func WithJobID(id string) JobOption {
	return func(o *jobSettings) { o.id = id }
}

// OnConflict overrides the scheduler's conflict policy for this call.
func OnConflict(policy ConflictPolicy) JobOption {
	return func(o *jobSettings) { o.policy = policy }
}

// New starts a scheduler that fires jobs into pipeline.
func New(pipeline Pipeline, opts ...Option) (*Scheduler, error) {
	if pipeline == nil {
		return nil, errs.New("scheduler", errs.CodeConfiguration, errs.WithMessage("pipeline required"))
	}
	s := &Scheduler{
		pipeline: pipeline,
		logger:   observability.Log(),
		now:      time.Now,
		policy:   ConflictThrow,
		workers:  defaultWorkers,
		queue:    defaultQueue,
		timeout:  defaultFireTimeout,
		retry:    defaultRetryDelay,
		byID:     make(map[string]*entry),
		reserved: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	pool, err := async.NewPool(s.workers, s.queue, async.WithErrorHandler(func(err error) {
		s.logger.Error("scheduled job failed", observability.Err(err))
	}))
	if err != nil {
		return nil, err
	}
	s.pool = pool
	s.fired, _ = otel.Meter("scheduler").Int64Counter("scheduler.jobs.fired",
		metric.WithDescription("Scheduled jobs handed to the pipeline"), metric.WithUnit("{job}"))
	go s.loop()
	return s, nil
}

// Schedule arms a job in memory and returns its id.
func (s *Scheduler) Schedule(trigger Trigger, req Request, opts ...JobOption) (string, error) {
	job, policy, err := s.prepare(trigger, req, opts)
	if err != nil {
		return "", err
	}
	if err := s.arm(job, policy, false); err != nil {
		return "", err
	}
	return job.ID, nil
}

// ScheduleAsync persists the job through the JobStore, when one is configured, then arms it.
func (s *Scheduler) ScheduleAsync(ctx context.Context, trigger Trigger, req Request, opts ...JobOption) (string, error) {
	job, policy, err := s.prepare(trigger, req, opts)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.store == nil {
		if err := s.arm(job, policy, false); err != nil {
			return "", err
		}
		return job.ID, nil
	}
	// Under ConflictThrow the id is held from the conflict check until the job is armed,
	// so no other caller can claim it while the store write is in flight.
	reserved := policy == ConflictThrow
	if reserved {
		if err := s.reserve(job.ID); err != nil {
			return "", err
		}
		defer s.release(job.ID)
	}
	if err := s.store.Save(ctx, job); err != nil {
		return "", fmt.Errorf("persist scheduled job: %w", err)
	}
	if err := s.arm(job, policy, reserved); err != nil {
		s.reconcile(ctx, job.ID)
		return "", err
	}
	return job.ID, nil
}

// reconcile makes the JobStore match memory after a persisted job failed to arm: the armed
// job with the same id is saved again, or the record is removed when there is none.
func (s *Scheduler) reconcile(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if current, ok := s.Get(id); ok {
		err = s.store.Save(ctx, current)
	} else {
		err = s.store.Delete(ctx, id)
	}
	if err != nil {
		s.logger.Error("reconcile scheduled job", observability.Field{Key: "job_id", Value: id}, observability.Err(err))
	}
}

// Cancel removes a pending job. Unknown or already fired ids are ignored.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	e, ok := s.byID[id]
	if ok {
		heap.Remove(&s.pending, e.index)
		delete(s.byID, id)
	}
	s.mu.Unlock()
	if ok {
		s.signal()
	}
}

// CancelAsync cancels the job and removes it from the JobStore.
func (s *Scheduler) CancelAsync(ctx context.Context, id string) error {
	s.Cancel(id)
	if s.store == nil {
		return nil
	}
	return s.store.Delete(ctx, id)
}

// Reschedule moves a pending job to a new fire time.
func (s *Scheduler) Reschedule(id string, trigger Trigger) error {
	fireAt, err := trigger.resolve(s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.byID[id]
	if ok {
		e.job.FireAt = fireAt
		heap.Fix(&s.pending, e.index)
	}
	s.mu.Unlock()
	if !ok {
		return errs.New("scheduler", errs.CodeNotFound, errs.WithField("id", id))
	}
	s.signal()
	return nil
}

// Restore arms every job held by the JobStore. Jobs whose fire time passed fire immediately.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	jobs, err := s.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load scheduled jobs: %w", err)
	}
	for _, job := range jobs {
		if err := s.arm(job, ConflictOverwrite, false); err != nil {
			return 0, err
		}
	}
	if len(jobs) > 0 {
		s.logger.Info("scheduled jobs restored", observability.Field{Key: "count", Value: len(jobs)})
	}
	return len(jobs), nil
}

// Get returns a pending job.
func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Pending returns the number of armed jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops the timer and waits for in-flight fires until ctx expires. Pending jobs are
// discarded from memory; persisted jobs are restored on the next start.
func (s *Scheduler) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
	})
	<-s.done
	return s.pool.Shutdown(ctx)
}

func (s *Scheduler) prepare(trigger Trigger, req Request, opts []JobOption) (Job, ConflictPolicy, error) {
	settings := jobSettings{policy: s.policy}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	fireAt, err := trigger.resolve(s.now())
	if err != nil {
		return Job{}, "", err
	}
	if req.Message.RoutingKey() == "" {
		return Job{}, "", errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("scheduled message needs a routing key"))
	}
	if req.FireType == "" {
		req.FireType = FireOutbox
	}
	if req.RequestType == "" {
		req.RequestType = RequestPost
	}
	if req.Message.ID == "" {
		req.Message.ID = schema.NewMessageID()
	}
	req.Message = req.Message.Clone()
	id := settings.id
	if id == "" {
		id = uuid.NewString()
	}
	return Job{ID: id, FireAt: fireAt, Request: req}, settings.policy, nil
}

// arm inserts or replaces a job. The conflict check and the mutation share one critical section.
// Under ConflictThrow an id reserved by a ScheduleAsync call counts as taken unless the
// caller holds the reservation.
func (s *Scheduler) arm(job Job, policy ConflictPolicy, holdsReservation bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.New("scheduler", errs.CodeUnavailable, errs.WithMessage("scheduler closed"))
	}
	if _, held := s.reserved[job.ID]; held && !holdsReservation && policy != ConflictOverwrite {
		s.mu.Unlock()
		return conflict(job.ID)
	}
	if existing, ok := s.byID[job.ID]; ok {
		switch policy {
		case ConflictOverwrite:
			existing.job = job
			heap.Fix(&s.pending, existing.index)
		default:
			s.mu.Unlock()
			return conflict(job.ID)
		}
	} else {
		e := &entry{job: job}
		heap.Push(&s.pending, e)
		s.byID[job.ID] = e
	}
	s.mu.Unlock()
	s.signal()
	return nil
}

// reserve claims id for a ScheduleAsync call, failing when it is armed or already claimed.
func (s *Scheduler) reserve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New("scheduler", errs.CodeUnavailable, errs.WithMessage("scheduler closed"))
	}
	_, armed := s.byID[id]
	_, held := s.reserved[id]
	if armed || held {
		return conflict(id)
	}
	s.reserved[id] = struct{}{}
	return nil
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.reserved, id)
	s.mu.Unlock()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		due, next, ok := s.popDue(s.now())
		for _, job := range due {
			s.fire(job)
		}
		var timer *time.Timer
		var wait <-chan time.Time
		if ok {
			timer = time.NewTimer(max(next.Sub(s.now()), 0))
			wait = timer.C
		}
		select {
		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-wait:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// popDue removes jobs due at now and reports the next fire time, if any.
func (s *Scheduler) popDue(now time.Time) ([]Job, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for len(s.pending) > 0 && !s.pending[0].job.FireAt.After(now) {
		e := heap.Pop(&s.pending).(*entry)
		delete(s.byID, e.job.ID)
		due = append(due, e.job)
	}
	if len(s.pending) == 0 {
		return due, time.Time{}, false
	}
	return due, s.pending[0].job.FireAt, true
}

func (s *Scheduler) fire(job Job) {
	err := s.pool.Submit(context.Background(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		err := s.deliver(ctx, job)
		s.record(ctx, job, err)
		if err != nil {
			if errs.Retryable(err) && s.refire(job, s.retry) {
				s.logger.Info("scheduled job deferred",
					observability.Field{Key: "job_id", Value: job.ID},
					observability.Field{Key: "retry_in", Value: s.retry.String()},
					observability.Err(err))
				return nil
			}
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
		if s.store != nil {
			if delErr := s.store.Delete(ctx, job.ID); delErr != nil {
				s.logger.Error("remove fired job", observability.Field{Key: "job_id", Value: job.ID}, observability.Err(delErr))
			}
		}
		return nil
	})
	if err == nil {
		return
	}
	// Workers are saturated; try again shortly rather than drop the job.
	if errs.IsCode(err, errs.CodeUnavailable) && s.refire(job, defaultRefireDelay) {
		return
	}
	s.logger.Error("scheduled job dropped", observability.Field{Key: "job_id", Value: job.ID}, observability.Err(err))
}

// refire arms job again after delay. A job armed under the same id in the meantime wins.
func (s *Scheduler) refire(job Job, delay time.Duration) bool {
	if s.isClosed() {
		return false
	}
	job.FireAt = s.now().Add(delay)
	return s.arm(job, ConflictThrow, false) == nil
}

func (s *Scheduler) deliver(ctx context.Context, job Job) error {
	msg := job.Message.Clone()
	if job.FireType == FireOutbox {
		return s.pipeline.Post(ctx, msg)
	}
	switch job.RequestType {
	case RequestSend:
		return s.pipeline.Send(ctx, msg)
	case RequestPublish:
		return s.pipeline.Publish(ctx, msg)
	default:
		return s.pipeline.Post(ctx, msg)
	}
}

func (s *Scheduler) record(ctx context.Context, job Job, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	s.fired.Add(ctx, 1, metric.WithAttributes(
		telemetry.SchedulerAttributes(telemetry.Environment(), string(job.RequestType), result)...))
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func conflict(id string) error {
	return errs.New("scheduler", errs.CodeSchedulerConflict,
		errs.WithMessage("job already scheduled"), errs.WithField("id", id),
		errs.WithRemediation("cancel the job or schedule with the overwrite policy"))
}
