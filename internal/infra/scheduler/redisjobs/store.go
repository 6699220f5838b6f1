// Package redisjobs persists scheduled jobs in Redis: a sorted set ordered by fire time and a
// hash holding the encoded jobs.
package redisjobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/app/scheduler"
)

const defaultPrefix = "courier:scheduler"

// Store implements scheduler.JobStore.
type Store struct {
	client  redis.UniversalClient
	byTime  string
	payload string
}

// New builds a job store. Keys are namespaced under prefix.
func New(client redis.UniversalClient, prefix string) (*Store, error) {
	if client == nil {
		return nil, errs.New("scheduler/redis", errs.CodeConfiguration, errs.WithMessage("redis client required"))
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, byTime: prefix + ":due", payload: prefix + ":jobs"}, nil
}

// Save writes or replaces a job atomically.
func (s *Store) Save(ctx context.Context, job scheduler.Job) error {
	data, err := scheduler.EncodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.payload, job.ID, data)
		pipe.ZAdd(ctx, s.byTime, redis.Z{Score: float64(job.FireAt.UnixMilli()), Member: job.ID})
		return nil
	})
	return classify("save", err)
}

// Delete removes a job. Unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.payload, id)
		pipe.ZRem(ctx, s.byTime, id)
		return nil
	})
	return classify("delete", err)
}

// Load returns every stored job ordered by fire time.
func (s *Store) Load(ctx context.Context) ([]scheduler.Job, error) {
	ids, err := s.client.ZRange(ctx, s.byTime, 0, -1).Result()
	if err != nil {
		return nil, classify("load", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := s.client.HMGet(ctx, s.payload, ids...).Result()
	if err != nil {
		return nil, classify("load", err)
	}
	jobs := make([]scheduler.Job, 0, len(ids))
	for i, value := range raw {
		str, ok := value.(string)
		if !ok {
			// Index entry without a payload; treat as already removed.
			continue
		}
		job, err := scheduler.DecodeJob([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", ids[i], err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.New("scheduler/redis", errs.CodeTransientStore,
		errs.WithMessage(op+" scheduled job"), errs.WithCause(err))
}

var _ scheduler.JobStore = (*Store)(nil)
