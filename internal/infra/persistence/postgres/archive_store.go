package postgres

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/archivestore"
	"github.com/coachpo/courier/internal/domain/outboxstore"
	"github.com/coachpo/courier/internal/domain/schema"
)

const (
	archiveComponent    = "archive store"
	deadLetterComponent = "dead letter store"
)

const (
	// DO UPDATE is a no-op that makes RETURNING yield the archive id of rows archived earlier.
	archiveInsertSQL = `
INSERT INTO outbox_archive (archive_id, message_id, topic, message_type, header, body, archived_at)
SELECT t.archive_id, t.message_id, t.topic, t.message_type, t.header::jsonb, t.body, t.archived_at
FROM unnest($1::uuid[], $2::text[], $3::text[], $4::text[], $5::text[], $6::bytea[], $7::timestamptz[])
    AS t(archive_id, message_id, topic, message_type, header, body, archived_at)
ON CONFLICT (message_id) DO UPDATE SET message_id = EXCLUDED.message_id
RETURNING message_id, archive_id;
`

	deadLetterInsertSQL = `
INSERT INTO outbox_dead_letter (message_id, topic, message_type, header, body, attempts, reason, created_at, failed_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)
ON CONFLICT (message_id) DO UPDATE
SET attempts = EXCLUDED.attempts,
    reason = EXCLUDED.reason,
    failed_at = EXCLUDED.failed_at;
`
)

// ArchiveStore copies dispatched messages into outbox_archive.
type ArchiveStore struct {
	pool *pgxpool.Pool
}

// NewArchiveStore constructs an ArchiveStore backed by the provided pool.
func NewArchiveStore(pool *pgxpool.Pool) *ArchiveStore {
	return &ArchiveStore{pool: pool}
}

// Archive writes msg and returns its archive id.
func (a *ArchiveStore) Archive(ctx context.Context, msg schema.Message) (uuid.UUID, error) {
	ids, err := a.ArchiveBulk(ctx, []schema.Message{msg})
	if err != nil {
		return uuid.Nil, err
	}
	id, ok := ids[msg.ID]
	if !ok {
		return uuid.Nil, errs.New("archive/postgres", errs.CodeArchivalIncomplete,
			errs.WithMessage("archive id not returned"), errs.WithField("id", string(msg.ID)))
	}
	return id, nil
}

// ArchiveBulk writes every message in one statement and returns the confirmed archive ids.
func (a *ArchiveStore) ArchiveBulk(ctx context.Context, msgs []schema.Message) (map[schema.MessageID]uuid.UUID, error) {
	if a.pool == nil {
		return nil, errNilPool(archiveComponent)
	}
	out := make(map[schema.MessageID]uuid.UUID, len(msgs))
	if len(msgs) == 0 {
		return out, nil
	}
	var (
		archiveIDs = make([]uuid.UUID, 0, len(msgs))
		ids        = make([]string, 0, len(msgs))
		topics     = make([]string, 0, len(msgs))
		types      = make([]string, 0, len(msgs))
		headers    = make([]string, 0, len(msgs))
		bodies     = make([][]byte, 0, len(msgs))
		archivedAt = make([]time.Time, 0, len(msgs))
		now        = time.Now().UTC()
	)
	for _, msg := range msgs {
		header, err := json.Marshal(msg.Header)
		if err != nil {
			return nil, errs.New("archive/postgres", errs.CodeInvalid, errs.WithMessage("encode header"), errs.WithCause(err))
		}
		body := msg.Body
		if body == nil {
			body = []byte{}
		}
		archiveIDs = append(archiveIDs, uuid.New())
		ids = append(ids, string(msg.ID))
		topics = append(topics, string(msg.RoutingKey()))
		types = append(types, msg.Header.MessageType)
		headers = append(headers, string(header))
		bodies = append(bodies, body)
		archivedAt = append(archivedAt, now)
	}
	rows, err := executor(ctx, a.pool).Query(ctx, archiveInsertSQL, archiveIDs, ids, topics, types, headers, bodies, archivedAt)
	if err != nil {
		return nil, classify(archiveComponent, "archive", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id        string
			archiveID uuid.UUID
		)
		if err := rows.Scan(&id, &archiveID); err != nil {
			return nil, classify(archiveComponent, "scan archive id", err)
		}
		out[schema.MessageID(id)] = archiveID
	}
	if err := rows.Err(); err != nil {
		return nil, classify(archiveComponent, "archive", err)
	}
	return out, nil
}

// DeadLetterStore quarantines exhausted entries in outbox_dead_letter.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore constructs a DeadLetterStore backed by the provided pool.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

// Quarantine writes every letter inside one transaction.
func (d *DeadLetterStore) Quarantine(ctx context.Context, letters []outboxstore.DeadLetter) error {
	if d.pool == nil {
		return errNilPool(deadLetterComponent)
	}
	if len(letters) == 0 {
		return nil
	}
	return withTx(ctx, d.pool, deadLetterComponent, func(ctx context.Context) error {
		q := executor(ctx, d.pool)
		for _, letter := range letters {
			msg := letter.Entry.Message
			header, err := json.Marshal(msg.Header)
			if err != nil {
				return errs.New("deadletter/postgres", errs.CodeInvalid, errs.WithMessage("encode header"), errs.WithCause(err))
			}
			failedAt := letter.FailedAt
			if failedAt.IsZero() {
				failedAt = time.Now()
			}
			body := msg.Body
			if body == nil {
				body = []byte{}
			}
			if _, err := q.Exec(ctx, deadLetterInsertSQL,
				string(msg.ID), string(msg.RoutingKey()), msg.Header.MessageType, string(header), body,
				letter.Entry.Attempts, letter.Reason, letter.Entry.CreatedAt.UTC(), failedAt.UTC(),
			); err != nil {
				return classify(deadLetterComponent, "quarantine "+string(msg.ID), err)
			}
		}
		return nil
	})
}

var (
	_ archivestore.Provider      = (*ArchiveStore)(nil)
	_ outboxstore.DeadLetterSink = (*DeadLetterStore)(nil)
)
