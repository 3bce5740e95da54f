package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trackdock/syncbridge/internal/event"
)

// uniqueViolation is the Postgres error code for unique-constraint failures.
const uniqueViolation = "23505"

type pgIdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore creates a Postgres-backed IdempotencyStore.
func NewIdempotencyStore(pool *pgxpool.Pool) IdempotencyStore {
	return &pgIdempotencyStore{pool: pool}
}

func (s *pgIdempotencyStore) CheckAndReserve(ctx context.Context, ev *event.SyncEvent) (ReserveResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Duplicate, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	// Look up both dedup keys under a row lock so a concurrent reserve of
	// the same event blocks here instead of racing the insert.
	var id int64
	var outcome Outcome
	err = tx.QueryRow(ctx, `
		SELECT id, outcome
		FROM idempotency_records
		WHERE (source_platform = $1 AND delivery_id = $2)
		   OR (content_hash = $3 AND entity_external_id = $4)
		LIMIT 1
		FOR UPDATE`,
		ev.SourcePlatform, ev.DeliveryID, ev.ContentHash, ev.EntityExternalID,
	).Scan(&id, &outcome)

	switch {
	case err == nil:
		// Failed records are re-reservable so dead-letter replays pass the
		// idempotency check again; anything else is a duplicate. The record
		// adopts the incoming delivery id so Finalize on this attempt
		// matches the row even when the match came through the content hash.
		if outcome != OutcomeFailed {
			return Duplicate, nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE idempotency_records
			SET outcome = $2, processed_at = NULL, source_platform = $3, delivery_id = $4
			WHERE id = $1`,
			id, OutcomeProcessing, ev.SourcePlatform, ev.DeliveryID,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				// Another record already owns this delivery id.
				return Duplicate, nil
			}
			return Duplicate, fmt.Errorf("re-reserve failed record: %w", err)
		}
		return Fresh, tx.Commit(ctx)

	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO idempotency_records
				(source_platform, delivery_id, content_hash, entity_external_id, outcome)
			VALUES ($1, $2, $3, $4, $5)`,
			ev.SourcePlatform, ev.DeliveryID, ev.ContentHash, ev.EntityExternalID, OutcomeProcessing,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				// Lost the insert race to a concurrent delivery.
				return Duplicate, nil
			}
			return Duplicate, fmt.Errorf("insert reservation: %w", err)
		}
		return Fresh, tx.Commit(ctx)

	default:
		return Duplicate, fmt.Errorf("check dedup keys: %w", err)
	}
}

func (s *pgIdempotencyStore) Finalize(ctx context.Context, platform event.SourcePlatform, deliveryID string, outcome Outcome) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET outcome = $3, processed_at = now()
		WHERE source_platform = $1 AND delivery_id = $2`,
		platform, deliveryID, outcome,
	)
	if err != nil {
		return fmt.Errorf("finalize idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no idempotency record for %s delivery %q", platform, deliveryID)
	}
	return nil
}

func (s *pgIdempotencyStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE processed_at IS NOT NULL AND processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
