// Package scheduler defers outbox requests to a future time.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/schema"
)

// FireType selects how a fired job re-enters the pipeline.
type FireType string

const (
	// FireOutbox writes the fired request to the outbox and leaves delivery to the mediator sweep.
	FireOutbox FireType = "outbox"
	// FireDirect hands the fired request to the pipeline entry point named by its RequestType.
	FireDirect FireType = "direct"
)

// RequestType names the pipeline entry point a fired request is replayed through.
type RequestType string

const (
	RequestSend    RequestType = "send"
	RequestPublish RequestType = "publish"
	RequestPost    RequestType = "post"
)

// ParseRequestType accepts send, publish or post in any case.
func ParseRequestType(raw string) (RequestType, error) {
	switch t := RequestType(strings.ToLower(strings.TrimSpace(raw))); t {
	case RequestSend, RequestPublish, RequestPost:
		return t, nil
	case "":
		return RequestPost, nil
	default:
		return "", errs.New("scheduler", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown request type %q", raw)))
	}
}

// ConflictPolicy decides what happens when a job id is already scheduled.
type ConflictPolicy string

const (
	// ConflictThrow rejects the new job and keeps the existing one.
	ConflictThrow ConflictPolicy = "throw"
	// ConflictOverwrite replaces the existing job's fire time and request.
	ConflictOverwrite ConflictPolicy = "overwrite"
)

// ParseConflictPolicy accepts throw or overwrite in any case.
func ParseConflictPolicy(raw string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case ConflictThrow, ConflictOverwrite:
		return p, nil
	case "":
		return ConflictThrow, nil
	default:
		return "", errs.New("scheduler", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown conflict policy %q", raw)))
	}
}

// Request is the deferred work carried by a job.
type Request struct {
	FireType    FireType       `json:"fireType"`
	RequestType RequestType    `json:"requestType"`
	Message     schema.Message `json:"message"`
}

// Job is a pending scheduled request.
type Job struct {
	ID     string    `json:"id"`
	FireAt time.Time `json:"fireAt"`
	Request
}

// Trigger is an absolute time or a delay relative to the moment of scheduling.
type Trigger struct {
	at    time.Time
	delay time.Duration
	abs   bool
}

// At fires at t.
func At(t time.Time) Trigger { return Trigger{at: t, abs: true} }

// After fires d after scheduling.
func After(d time.Duration) Trigger { return Trigger{delay: d} }

func (t Trigger) resolve(now time.Time) (time.Time, error) {
	if t.abs {
		if t.at.Before(now) {
			return time.Time{}, errs.New("scheduler", errs.CodeInvalid,
				errs.WithMessage("fire time is in the past"), errs.WithField("at", t.at.Format(time.RFC3339Nano)))
		}
		return t.at, nil
	}
	if t.delay < 0 {
		return time.Time{}, errs.New("scheduler", errs.CodeInvalid,
			errs.WithMessage("delay must not be negative"), errs.WithField("delay", t.delay.String()))
	}
	return now.Add(t.delay), nil
}

// JobStore persists jobs scheduled through the async API so they survive restarts.
type JobStore interface {
	Save(ctx context.Context, job Job) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context) ([]Job, error)
}

// EncodeJob serialises a job for a JobStore.
func EncodeJob(job Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("encode job"), errs.WithCause(err))
	}
	return data, nil
}

// DecodeJob parses a job written by EncodeJob.
func DecodeJob(data []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("decode job"), errs.WithCause(err))
	}
	if job.ID == "" {
		return Job{}, errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("decoded job has no id"))
	}
	return job, nil
}
