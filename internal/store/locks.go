package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgLockManager struct {
	pool *pgxpool.Pool
}

// NewLockManager creates a Postgres-backed LockManager. Locks live in a
// table row per canonical entity so lease semantics survive process
// restarts.
func NewLockManager(pool *pgxpool.Pool) LockManager {
	return &pgLockManager{pool: pool}
}

func (l *pgLockManager) Acquire(ctx context.Context, canonicalEntityID uuid.UUID, lease time.Duration) (*LockHandle, error) {
	holder := uuid.New()

	// Single statement: insert the lease, or take over an expired one.
	// A live lease makes the upsert a no-op and RETURNING yields no row.
	var acquiredAt, expiresAt time.Time
	err := l.pool.QueryRow(ctx, `
		INSERT INTO entity_locks (canonical_entity_id, holder_token, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		ON CONFLICT (canonical_entity_id) DO UPDATE
			SET holder_token = EXCLUDED.holder_token,
			    acquired_at  = EXCLUDED.acquired_at,
			    expires_at   = EXCLUDED.expires_at
			WHERE entity_locks.expires_at <= now()
		RETURNING acquired_at, expires_at`,
		canonicalEntityID, holder, lease.Seconds(),
	).Scan(&acquiredAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("acquire entity lock: %w", err)
	}

	return &LockHandle{
		CanonicalEntityID: canonicalEntityID,
		HolderToken:       holder,
		AcquiredAt:        acquiredAt,
		ExpiresAt:         expiresAt,
	}, nil
}

func (l *pgLockManager) Release(ctx context.Context, handle *LockHandle) error {
	if handle == nil {
		return nil
	}
	// The holder token guard makes releasing an expired, taken-over lease a
	// no-op instead of stealing the new holder's lock.
	_, err := l.pool.Exec(ctx, `
		DELETE FROM entity_locks
		WHERE canonical_entity_id = $1 AND holder_token = $2`,
		handle.CanonicalEntityID, handle.HolderToken,
	)
	if err != nil {
		return fmt.Errorf("release entity lock: %w", err)
	}
	return nil
}
