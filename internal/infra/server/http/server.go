// Package httpserver exposes the admin HTTP surface for inspecting and recovering the outbox and
// managing scheduled jobs.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/app/mediator"
	"github.com/coachpo/courier/internal/app/recoverer"
	"github.com/coachpo/courier/internal/app/scheduler"
	"github.com/coachpo/courier/internal/domain/outboxstore"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	defaultPageSize = 50
	maxPageSize     = 500
)

// Outbox is the mediator surface the admin API drives.
type Outbox interface {
	Add(ctx context.Context, msg schema.Message) error
	ClearOutbox(ctx context.Context, ids []schema.MessageID) (mediator.DispatchResult, error)
	Tripped() []schema.RoutingKey
}

// Jobs is the scheduler surface the admin API drives.
type Jobs interface {
	ScheduleAsync(ctx context.Context, trigger scheduler.Trigger, req scheduler.Request, opts ...scheduler.JobOption) (string, error)
	CancelAsync(ctx context.Context, id string) error
	Get(id string) (scheduler.Job, bool)
	Pending() int
}

// Reposter resends stored messages regardless of their dispatch state.
type Reposter interface {
	RepostRouted(ctx context.Context, ids []schema.MessageID, store outboxstore.Store, resolver recoverer.Resolver) (recoverer.Report, error)
}

// Deps wires the handler to the running components. Scheduler may be nil.
type Deps struct {
	Store     outboxstore.Store
	Outbox    Outbox
	Resolver  recoverer.Resolver
	Recoverer Reposter
	Scheduler Jobs
	Logger    observability.Logger
}

type httpServer struct {
	deps   Deps
	logger observability.Logger
}

// NewHandler builds the admin router.
func NewHandler(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = observability.Log()
	}
	s := &httpServer{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withCORS)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})

	r.Get("/healthz", s.health)
	r.Route("/outbox", func(r chi.Router) {
		r.Post("/", s.addMessage)
		r.Get("/outstanding", s.listOutstanding)
		r.Post("/repost", s.repost)
		r.Post("/dispatch", s.dispatch)
		r.Get("/{id}", s.getEntry)
	})
	r.Route("/scheduler/jobs", func(r chi.Router) {
		r.Post("/", s.scheduleJob)
		r.Get("/{id}", s.getJob)
		r.Delete("/{id}", s.cancelJob)
	})
	return r
}

type healthResponse struct {
	Status      string              `json:"status"`
	Outstanding int                 `json:"outstanding"`
	Pending     int                 `json:"pendingJobs"`
	Tripped     []schema.RoutingKey `json:"tripped"`
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	outstanding, err := s.deps.Store.CountOutstanding(r.Context())
	if err != nil {
		s.writeCodedError(w, err)
		return
	}
	resp := healthResponse{Status: "ok", Outstanding: outstanding, Tripped: []schema.RoutingKey{}}
	if s.deps.Outbox != nil {
		if tripped := s.deps.Outbox.Tripped(); len(tripped) > 0 {
			resp.Tripped = tripped
		}
	}
	if s.deps.Scheduler != nil {
		resp.Pending = s.deps.Scheduler.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

type messagePayload struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	MessageType   string            `json:"messageType"`
	CorrelationID string            `json:"correlationId"`
	PartitionKey  string            `json:"partitionKey"`
	ContentType   string            `json:"contentType"`
	Bag           map[string]string `json:"bag"`
	Body          json.RawMessage   `json:"body"`
}

func (p messagePayload) message() (schema.Message, error) {
	topic := schema.RoutingKey(p.Topic).Normalize()
	if topic == "" {
		return schema.Message{}, errs.New("http", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	msg := schema.NewMessage(topic, p.MessageType, []byte(p.Body))
	if id := strings.TrimSpace(p.ID); id != "" {
		msg.ID = schema.MessageID(id)
	}
	msg.Header.CorrelationID = p.CorrelationID
	msg.Header.PartitionKey = p.PartitionKey
	msg.Header.ContentType = p.ContentType
	if len(p.Bag) > 0 {
		msg.Header.Bag = p.Bag
	}
	return msg, nil
}

func (s *httpServer) addMessage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Outbox == nil {
		writeError(w, http.StatusServiceUnavailable, "outbox unavailable")
		return
	}
	limitRequestBody(w, r)
	var payload messagePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	msg, err := payload.message()
	if err != nil {
		s.writeCodedError(w, err)
		return
	}
	if err := s.deps.Outbox.Add(r.Context(), msg); err != nil {
		s.writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]schema.MessageID{"id": msg.ID})
}

type entryView struct {
	Message      schema.Message `json:"message"`
	CreatedAt    time.Time      `json:"createdAt"`
	DispatchedAt *time.Time     `json:"dispatchedAt,omitempty"`
	Attempts     int            `json:"attempts"`
	LastError    string         `json:"lastError,omitempty"`
	DeadLettered bool           `json:"deadLettered"`
}

func viewOf(entry outboxstore.Entry) entryView {
	return entryView{
		Message:      entry.Message,
		CreatedAt:    entry.CreatedAt,
		DispatchedAt: entry.DispatchedAt,
		Attempts:     entry.Attempts,
		LastError:    entry.LastError,
		DeadLettered: entry.DeadLettered,
	}
}

type pageResponse struct {
	Page    int         `json:"page"`
	Size    int         `json:"size"`
	Entries []entryView `json:"entries"`
}

func (s *httpServer) listOutstanding(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.deps.Store.GetOutstanding(r.Context(), outboxstore.OutstandingQuery{PageSize: size, PageNumber: page})
	if err != nil {
		s.writeCodedError(w, err)
		return
	}
	resp := pageResponse{Page: page, Size: size, Entries: make([]entryView, 0, len(entries))}
	for _, entry := range entries {
		resp.Entries = append(resp.Entries, viewOf(entry))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *httpServer) getEntry(w http.ResponseWriter, r *http.Request) {
	id := schema.MessageID(strings.TrimSpace(chi.URLParam(r, "id")))
	if id == "" {
		writeError(w, http.StatusBadRequest, "message id required")
		return
	}
	entry, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		s.writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(entry))
}

type idsPayload struct {
	IDs []schema.MessageID `json:"ids"`
}

type repostResponse struct {
	Sent    []schema.MessageID          `json:"sent"`
	Missing []schema.MessageID          `json:"missing"`
	Failed  map[schema.MessageID]string `json:"failed"`
}

func (s *httpServer) repost(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recoverer == nil || s.deps.Resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "recoverer unavailable")
		return
	}
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	report, err := s.deps.Recoverer.RepostRouted(r.Context(), ids, s.deps.Store, s.deps.Resolver)
	if err != nil {
		s.writeCodedError(w, err)
		return
	}
	resp := repostResponse{
		Sent:    nonNil(report.Sent),
		Missing: nonNil(report.Missing),
		Failed:  make(map[schema.MessageID]string, len(report.Failed)),
	}
	for id, failure := range report.Failed {
		resp.Failed[id] = failure.Error()
	}
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

func (s *httpServer) dispatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Outbox == nil {
		writeError(w, http.StatusServiceUnavailable, "outbox unavailable")
		return
	}
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	result, err := s.deps.Outbox.ClearOutbox(r.Context(), ids)
	if err != nil {
		s.writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type schedulePayload struct {
	ID          string         `json:"id"`
	At          *time.Time     `json:"at"`
	Delay       string         `json:"delay"`
	FireType    string         `json:"fireType"`
	RequestType string         `json:"requestType"`
	Conflict    string         `json:"conflict"`
	Message     messagePayload `json:"message"`
}

func (p schedulePayload) request() (scheduler.Trigger, scheduler.Request, []scheduler.JobOption, error) {
	var trigger scheduler.Trigger
	switch {
	case p.At != nil && p.Delay != "":
		return trigger, scheduler.Request{}, nil, errs.New("http", errs.CodeInvalid, errs.WithMessage("at and delay are exclusive"))
	case p.At != nil:
		trigger = scheduler.At(*p.At)
	default:
		delay, err := time.ParseDuration(strings.TrimSpace(p.Delay))
		if err != nil {
			return trigger, scheduler.Request{}, nil, errs.New("http", errs.CodeInvalid,
				errs.WithMessage("delay must be a duration"), errs.WithCause(err))
		}
		trigger = scheduler.After(delay)
	}
	requestType, err := scheduler.ParseRequestType(p.RequestType)
	if err != nil {
		return trigger, scheduler.Request{}, nil, err
	}
	msg, err := p.Message.message()
	if err != nil {
		return trigger, scheduler.Request{}, nil, err
	}
	req := scheduler.Request{FireType: scheduler.FireOutbox, RequestType: requestType, Message: msg}
	if strings.EqualFold(strings.TrimSpace(p.FireType), string(scheduler.FireDirect)) {
		req.FireType = scheduler.FireDirect
	}

	var opts []scheduler.JobOption
	if id := strings.TrimSpace(p.ID); id != "" {
		opts = append(opts, scheduler.WithJobID(id))
	}
	if p.Conflict != "" {
		policy, err := scheduler.ParseConflictPolicy(p.Conflict)
		if err != nil {
			return trigger, scheduler.Request{}, nil, err
		}
		opts = append(opts, scheduler.OnConflict(policy))
	}
	return trigger, req, opts, nil
}

func (s *httpServer) scheduleJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	limitRequestBody(w, r)
	var payload schedulePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	trigger, req, opts, err := payload.request()
	if err != nil {
		s.writeCodedError(w, err)
		return
	}
	id, err := s.deps.Scheduler.ScheduleAsync(r.Context(), trigger, req, opts...)
	if err != nil {
		s.writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *httpServer) getJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	job, ok := s.deps.Scheduler.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *httpServer) cancelJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.deps.Scheduler.CancelAsync(r.Context(), id); err != nil {
		s.writeCodedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeIDs(w http.ResponseWriter, r *http.Request) ([]schema.MessageID, bool) {
	limitRequestBody(w, r)
	var payload idsPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return nil, false
	}
	if len(payload.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return nil, false
	}
	return payload.IDs, true
}

func pageParams(r *http.Request) (int, int, error) {
	page, size := 1, defaultPageSize
	query := r.URL.Query()
	if raw := query.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("page must be a positive integer")
		}
		page = n
	}
	if raw := query.Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			return 0, 0, fmt.Errorf("size must be between 1 and %d", maxPageSize)
		}
		size = n
	}
	return page, size, nil
}

func nonNil(ids []schema.MessageID) []schema.MessageID {
	if ids == nil {
		return []schema.MessageID{}
	}
	return ids
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func statusFor(err error) int {
	code, ok := errs.CodeOf(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
	switch code {
	case errs.CodeInvalid, errs.CodeBatchIntegrity:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeSchedulerConflict:
		return http.StatusConflict
	case errs.CodeCapacityExceeded:
		return http.StatusTooManyRequests
	case errs.CodeConfiguration:
		return http.StatusUnprocessableEntity
	case errs.CodeTransientStore, errs.CodeTransientSend, errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *httpServer) writeCodedError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", observability.Err(err),
			observability.Field{Key: "status", Value: status})
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
