package mediator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/coachpo/courier/errs"
	"github.com/coachpo/courier/internal/domain/schema"
	"github.com/coachpo/courier/internal/observability"
)

// ArchiveResult summarises one archive pass.
type ArchiveResult struct {
	Archived int
	Deleted  int
}

// Archive moves entries dispatched longer than the retention period to the archive provider.
// An entry is deleted from the outbox only after the provider confirmed it with an archive id.
func (m *Mediator) Archive(ctx context.Context) (ArchiveResult, error) {
	var result ArchiveResult
	if m.archiver == nil {
		return result, errs.New("mediator/archive", errs.CodeConfiguration, errs.WithMessage("no archive provider configured"))
	}
	cutoff := m.now().UTC().Add(-m.cfg.retention)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		entries, err := m.store.GetDispatched(ctx, cutoff, m.cfg.archiveBatchSize, 1)
		if err != nil {
			return result, err
		}
		if len(entries) == 0 {
			break
		}
		msgs := make([]schema.Message, 0, len(entries))
		for _, entry := range entries {
			msgs = append(msgs, entry.Message)
		}

		confirmed, archiveErr := m.archiver.ArchiveBulk(ctx, msgs)
		ids := make([]schema.MessageID, 0, len(msgs))
		for _, msg := range msgs {
			if id, ok := confirmed[msg.ID]; ok && id != uuid.Nil {
				ids = append(ids, msg.ID)
			}
		}
		if len(ids) > 0 {
			if err := m.store.Delete(ctx, ids); err != nil {
				return result, fmt.Errorf("delete archived entries: %w", err)
			}
			result.Archived += len(ids)
			result.Deleted += len(ids)
			m.metrics.archived(ctx, len(ids))
		}

		if archiveErr != nil || len(ids) < len(msgs) {
			opts := []errs.Option{
				errs.WithMessage(fmt.Sprintf("archived %d of %d dispatched entries", len(ids), len(msgs))),
				errs.WithRemediation("unconfirmed entries stay in the outbox and are retried next pass"),
			}
			if archiveErr != nil {
				opts = append(opts, errs.WithCause(archiveErr))
			}
			return result, errs.New("mediator/archive", errs.CodeArchivalIncomplete, opts...)
		}
		if len(entries) < m.cfg.archiveBatchSize {
			break
		}
	}
	if result.Archived > 0 {
		m.logger.Info("outbox entries archived", observability.Field{Key: "archived", Value: result.Archived})
	}
	return result, nil
}
