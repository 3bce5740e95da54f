package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trackdock/syncbridge/internal/event"
)

type pgDeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore creates a Postgres-backed DeadLetterStore.
func NewDeadLetterStore(pool *pgxpool.Pool) DeadLetterStore {
	return &pgDeadLetterStore{pool: pool}
}

func (s *pgDeadLetterStore) Enqueue(ctx context.Context, ev *event.SyncEvent, reason string, attempts int) (uuid.UUID, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal dead-letter event: %w", err)
	}

	id := uuid.New()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letter_entries
			(id, event, failure_reason, attempt_count, first_failed_at, last_attempted_at, status)
		VALUES ($1, $2, $3, $4, now(), now(), $5)`,
		id, payload, reason, attempts, StatusPending,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue dead letter: %w", err)
	}
	return id, nil
}

const deadLetterColumns = `
	id, event, failure_reason, attempt_count, first_failed_at, last_attempted_at, status`

func scanDeadLetter(row pgx.Row) (*DeadLetterEntry, error) {
	var e DeadLetterEntry
	var payload []byte
	err := row.Scan(
		&e.ID, &payload, &e.FailureReason, &e.AttemptCount,
		&e.FirstFailedAt, &e.LastAttemptedAt, &e.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("scan dead-letter entry: %w", err)
	}
	if err := json.Unmarshal(payload, &e.Event); err != nil {
		return nil, fmt.Errorf("unmarshal dead-letter event %s: %w", e.ID, err)
	}
	return &e, nil
}

func (s *pgDeadLetterStore) Get(ctx context.Context, id uuid.UUID) (*DeadLetterEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM dead_letter_entries WHERE id = $1`, deadLetterColumns)
	return scanDeadLetter(s.pool.QueryRow(ctx, query, id))
}

func (s *pgDeadLetterStore) List(ctx context.Context, status DeadLetterStatus, limit int) ([]*DeadLetterEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM dead_letter_entries
		WHERE ($1 = '' OR status = $1)
		ORDER BY first_failed_at DESC
		LIMIT $2`, deadLetterColumns)

	rows, err := s.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	return collectDeadLetters(rows)
}

func (s *pgDeadLetterStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*DeadLetterEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM dead_letter_entries
		WHERE status = $1 AND last_attempted_at < $2
		ORDER BY last_attempted_at ASC
		LIMIT $3`, deadLetterColumns)

	rows, err := s.pool.Query(ctx, query, StatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending dead letters: %w", err)
	}
	defer rows.Close()
	return collectDeadLetters(rows)
}

func collectDeadLetters(rows pgx.Rows) ([]*DeadLetterEntry, error) {
	var entries []*DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *pgDeadLetterStore) MarkReplayed(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusReplayed)
}

func (s *pgDeadLetterStore) MarkDiscarded(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusDiscarded)
}

// transition moves a pending entry to a terminal state. Terminal entries
// are never mutated again.
func (s *pgDeadLetterStore) transition(ctx context.Context, id uuid.UUID, to DeadLetterStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_entries
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`,
		id, to, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("transition dead letter to %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrEntryNotPending
	}
	return nil
}

func (s *pgDeadLetterStore) RecordAttempt(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letter_entries
		SET attempt_count = attempt_count + 1, last_attempted_at = $2, updated_at = now()
		WHERE id = $1 AND status = $3`,
		id, at, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("record dead-letter attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotPending
	}
	return nil
}

func (s *pgDeadLetterStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM dead_letter_entries WHERE status = $1`, StatusPending,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending dead letters: %w", err)
	}
	return n, nil
}
