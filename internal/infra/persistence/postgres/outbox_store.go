package postgres

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/outboxstore"
	"github.com/coachpo/courier/internal/domain/schema"
)

const outboxComponent = "outbox store"

// OutboxStore persists outbox entries in the outbox table.
type OutboxStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Option configures the postgres stores.
type Option func(*OutboxStore)

// WithClock overrides the clock used for created_at and MinAge cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *OutboxStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool, opts ...Option) *OutboxStore {
	s := &OutboxStore{pool: pool, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

const outboxColumns = `
    message_id,
    header,
    body,
    created_at,
    dispatched_at,
    attempts,
    last_error,
    dead_lettered`

const (
	outboxInsertSQL = `
INSERT INTO outbox (message_id, topic, message_type, header, body, created_at)
SELECT t.message_id, t.topic, t.message_type, t.header::jsonb, t.body, t.created_at
FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::bytea[], $6::timestamptz[])
    AS t(message_id, topic, message_type, header, body, created_at)
ON CONFLICT (message_id) DO NOTHING;
`

	outboxOutstandingSQL = `
SELECT` + outboxColumns + `
FROM outbox
WHERE dispatched_at IS NULL
  AND ($1::timestamptz IS NULL OR created_at <= $1)
  AND topic <> ALL($4::text[])
ORDER BY created_at ASC, message_id ASC
LIMIT $2 OFFSET $3;
`

	outboxDispatchedSQL = `
SELECT` + outboxColumns + `
FROM outbox
WHERE dispatched_at IS NOT NULL
  AND dispatched_at <= $1
ORDER BY created_at ASC, message_id ASC
LIMIT $2 OFFSET $3;
`

	outboxAllSQL = `
SELECT` + outboxColumns + `
FROM outbox
ORDER BY created_at ASC, message_id ASC
LIMIT $1 OFFSET $2;
`

	outboxGetSQL = `
SELECT` + outboxColumns + `
FROM outbox
WHERE message_id = $1;
`

	outboxGetManySQL = `
SELECT` + outboxColumns + `
FROM outbox
WHERE message_id = ANY($1::text[]);
`

	outboxMarkDispatchedSQL = `
UPDATE outbox
SET dispatched_at = $2
WHERE message_id = ANY($1::text[])
  AND dispatched_at IS NULL;
`

	outboxRecordAttemptSQL = `
UPDATE outbox
SET attempts = attempts + 1,
    last_error = $2
WHERE message_id = ANY($1::text[])
  AND dispatched_at IS NULL;
`

	outboxMarkDeadLetteredSQL = `
UPDATE outbox
SET dispatched_at = $2,
    dead_lettered = TRUE,
    last_error = $3
WHERE message_id = ANY($1::text[])
  AND dispatched_at IS NULL;
`

	outboxDeleteSQL = `
DELETE FROM outbox
WHERE message_id = ANY($1::text[]);
`

	outboxCountOutstandingSQL = `
SELECT COUNT(*) FROM outbox WHERE dispatched_at IS NULL;
`
)

// Add inserts msg as outstanding. Existing ids are left untouched.
func (s *OutboxStore) Add(ctx context.Context, msg schema.Message) error {
	return s.BulkAdd(ctx, []schema.Message{msg})
}

// BulkAdd inserts every message in one statement, skipping ids already present.
func (s *OutboxStore) BulkAdd(ctx context.Context, msgs []schema.Message) error {
	if s.pool == nil {
		return errNilPool(outboxComponent)
	}
	if len(msgs) == 0 {
		return nil
	}
	var (
		ids      = make([]string, 0, len(msgs))
		topics   = make([]string, 0, len(msgs))
		types    = make([]string, 0, len(msgs))
		headers  = make([]string, 0, len(msgs))
		bodies   = make([][]byte, 0, len(msgs))
		created  = make([]time.Time, 0, len(msgs))
		now      = s.now().UTC()
		position = 0
	)
	for _, msg := range msgs {
		if msg.ID == "" {
			return errs.New("outbox/postgres", errs.CodeInvalid, errs.WithMessage("message id required"))
		}
		header, err := json.Marshal(msg.Header)
		if err != nil {
			return errs.New("outbox/postgres", errs.CodeInvalid, errs.WithMessage("encode header"), errs.WithCause(err))
		}
		body := msg.Body
		if body == nil {
			body = []byte{}
		}
		ids = append(ids, string(msg.ID))
		topics = append(topics, string(msg.RoutingKey()))
		types = append(types, msg.Header.MessageType)
		headers = append(headers, string(header))
		bodies = append(bodies, body)
		// Keep insertion order visible to (created_at, message_id) ordering within one call.
		created = append(created, now.Add(time.Duration(position)*time.Microsecond))
		position++
	}
	if _, err := executor(ctx, s.pool).Exec(ctx, outboxInsertSQL, ids, topics, types, headers, bodies, created); err != nil {
		return classify(outboxComponent, "insert", err)
	}
	return nil
}

// GetOutstanding returns a page of entries awaiting dispatch.
func (s *OutboxStore) GetOutstanding(ctx context.Context, q outboxstore.OutstandingQuery) ([]outboxstore.Entry, error) {
	if s.pool == nil {
		return nil, errNilPool(outboxComponent)
	}
	var cutoff *time.Time
	if q.MinAge > 0 {
		c := s.now().UTC().Add(-q.MinAge)
		cutoff = &c
	}
	// An empty array keeps every topic; a NULL one would drop them all.
	excluded := make([]string, 0, len(q.ExcludeTopics))
	for _, key := range q.ExcludeTopics {
		excluded = append(excluded, string(key))
	}
	limit, offset := pageArgs(q.PageSize, q.PageNumber)
	return s.list(ctx, "get outstanding", outboxOutstandingSQL, cutoff, limit, offset, excluded)
}

// GetDispatched returns a page of entries dispatched at or before since.
func (s *OutboxStore) GetDispatched(ctx context.Context, since time.Time, pageSize, pageNumber int) ([]outboxstore.Entry, error) {
	if s.pool == nil {
		return nil, errNilPool(outboxComponent)
	}
	limit, offset := pageArgs(pageSize, pageNumber)
	return s.list(ctx, "get dispatched", outboxDispatchedSQL, since.UTC(), limit, offset)
}

// GetAll returns a page of every entry.
func (s *OutboxStore) GetAll(ctx context.Context, pageSize, pageNumber int) ([]outboxstore.Entry, error) {
	if s.pool == nil {
		return nil, errNilPool(outboxComponent)
	}
	limit, offset := pageArgs(pageSize, pageNumber)
	return s.list(ctx, "get all", outboxAllSQL, limit, offset)
}

// Get returns one entry or a not-found error.
func (s *OutboxStore) Get(ctx context.Context, id schema.MessageID) (outboxstore.Entry, error) {
	if s.pool == nil {
		return outboxstore.Entry{}, errNilPool(outboxComponent)
	}
	entry, err := scanEntry(executor(ctx, s.pool).QueryRow(ctx, outboxGetSQL, string(id)))
	if err != nil {
		return outboxstore.Entry{}, classify(outboxComponent, "get "+string(id), err)
	}
	return entry, nil
}

// GetMany returns the entries that exist, in request order.
func (s *OutboxStore) GetMany(ctx context.Context, ids []schema.MessageID) ([]outboxstore.Entry, error) {
	if s.pool == nil {
		return nil, errNilPool(outboxComponent)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := s.list(ctx, "get many", outboxGetManySQL, idStrings(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[schema.MessageID]outboxstore.Entry, len(found))
	for _, entry := range found {
		byID[entry.Message.ID] = entry
	}
	out := make([]outboxstore.Entry, 0, len(found))
	for _, id := range ids {
		if entry, ok := byID[id]; ok {
			out = append(out, entry)
			delete(byID, id)
		}
	}
	return out, nil
}

// MarkDispatched stamps one outstanding entry.
func (s *OutboxStore) MarkDispatched(ctx context.Context, id schema.MessageID, at time.Time) (int, error) {
	return s.MarkDispatchedBulk(ctx, []schema.MessageID{id}, at)
}

// MarkDispatchedBulk stamps every listed entry that is still outstanding.
func (s *OutboxStore) MarkDispatchedBulk(ctx context.Context, ids []schema.MessageID, at time.Time) (int, error) {
	if s.pool == nil {
		return 0, errNilPool(outboxComponent)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := executor(ctx, s.pool).Exec(ctx, outboxMarkDispatchedSQL, idStrings(ids), at.UTC())
	if err != nil {
		return 0, classify(outboxComponent, "mark dispatched", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecordAttempt increments the attempt counter of outstanding entries.
func (s *OutboxStore) RecordAttempt(ctx context.Context, ids []schema.MessageID, lastError string) error {
	if s.pool == nil {
		return errNilPool(outboxComponent)
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := executor(ctx, s.pool).Exec(ctx, outboxRecordAttemptSQL, idStrings(ids), lastError); err != nil {
		return classify(outboxComponent, "record attempt", err)
	}
	return nil
}

// MarkDeadLettered stamps outstanding entries as dispatched with an error.
func (s *OutboxStore) MarkDeadLettered(ctx context.Context, ids []schema.MessageID, at time.Time, reason string) (int, error) {
	if s.pool == nil {
		return 0, errNilPool(outboxComponent)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := executor(ctx, s.pool).Exec(ctx, outboxMarkDeadLetteredSQL, idStrings(ids), at.UTC(), reason)
	if err != nil {
		return 0, classify(outboxComponent, "mark dead lettered", err)
	}
	return int(tag.RowsAffected()), nil
}

// Delete removes the listed entries.
func (s *OutboxStore) Delete(ctx context.Context, ids []schema.MessageID) error {
	if s.pool == nil {
		return errNilPool(outboxComponent)
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := executor(ctx, s.pool).Exec(ctx, outboxDeleteSQL, idStrings(ids)); err != nil {
		return classify(outboxComponent, "delete", err)
	}
	return nil
}

// CountOutstanding returns the number of entries awaiting dispatch.
func (s *OutboxStore) CountOutstanding(ctx context.Context) (int, error) {
	if s.pool == nil {
		return 0, errNilPool(outboxComponent)
	}
	var n int64
	if err := executor(ctx, s.pool).QueryRow(ctx, outboxCountOutstandingSQL).Scan(&n); err != nil {
		return 0, classify(outboxComponent, "count outstanding", err)
	}
	return int(n), nil
}

// WithTx runs fn in a transaction; Add and the mark operations called with the derived
// context join it.
func (s *OutboxStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, outboxComponent, fn)
}

func (s *OutboxStore) list(ctx context.Context, op, query string, args ...any) ([]outboxstore.Entry, error) {
	rows, err := executor(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, classify(outboxComponent, op, err)
	}
	defer rows.Close()

	var entries []outboxstore.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, classify(outboxComponent, op, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(outboxComponent, op, err)
	}
	return entries, nil
}

// pageArgs converts a 1-based page into LIMIT/OFFSET arguments. A nil limit selects all rows.
func pageArgs(pageSize, pageNumber int) (*int64, int64) {
	if pageSize <= 0 {
		return nil, 0
	}
	limit := int64(pageSize)
	return &limit, int64(outboxstore.Offset(pageSize, pageNumber))
}

func idStrings(ids []schema.MessageID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (outboxstore.Entry, error) {
	var (
		entry        outboxstore.Entry
		id           string
		headerJSON   []byte
		body         []byte
		dispatchedAt pgtype.Timestamptz
		lastError    pgtype.Text
		attempts     int32
	)
	if err := row.Scan(
		&id,
		&headerJSON,
		&body,
		&entry.CreatedAt,
		&dispatchedAt,
		&attempts,
		&lastError,
		&entry.DeadLettered,
	); err != nil {
		return outboxstore.Entry{}, err
	}
	var header schema.Header
	if len(headerJSON) > 0 {
		if err := json.Unmarshal(headerJSON, &header); err != nil {
			return outboxstore.Entry{}, fmt.Errorf("decode header: %w", err)
		}
	}
	entry.Message = schema.Message{ID: schema.MessageID(id), Header: header, Body: body}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.Attempts = int(attempts)
	if dispatchedAt.Valid {
		t := dispatchedAt.Time.UTC()
		entry.DispatchedAt = &t
	}
	if lastError.Valid {
		entry.LastError = lastError.String
	}
	return entry, nil
}

var (
	_ outboxstore.Store      = (*OutboxStore)(nil)
	_ outboxstore.Transactor = (*OutboxStore)(nil)
)
