// Package store provides the Postgres-backed state surfaces of the sync
// pipeline: idempotency records, entity locks, cross-platform mappings and
// the dead-letter parking lot.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/trackdock/syncbridge/internal/event"
)

var (
	// ErrLockBusy is returned when a live lease is already held for the
	// entity. Lock contention is expected and transient; callers re-enqueue
	// rather than dead-letter.
	ErrLockBusy = errors.New("entity lock busy")

	// ErrMappingNotFound is returned when no mapping row exists for the
	// looked-up external id or canonical id.
	ErrMappingNotFound = errors.New("sync mapping not found")

	// ErrEntryNotFound is returned when a dead-letter entry does not exist.
	ErrEntryNotFound = errors.New("dead-letter entry not found")

	// ErrEntryNotPending is returned when a replay or discard targets an
	// entry that already reached a terminal state.
	ErrEntryNotPending = errors.New("dead-letter entry is not pending")
)

// ReserveResult is the outcome of an idempotency check-and-reserve.
type ReserveResult int

const (
	// Fresh means neither dedup key had a record; a processing placeholder
	// was inserted and the caller owns the event.
	Fresh ReserveResult = iota

	// Duplicate means the event was already reserved or applied; the caller
	// must drop it without error.
	Duplicate
)

// Outcome is the terminal state of an idempotency record.
type Outcome string

const (
	// OutcomeProcessing is the placeholder written by CheckAndReserve.
	OutcomeProcessing Outcome = "processing"

	// OutcomeApplied means the change was propagated to the target platform.
	OutcomeApplied Outcome = "applied"

	// OutcomeSkipped means the event was intentionally not applied.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFailed means retries were exhausted or the failure was
	// permanent. Failed records are re-reservable so dead-letter replays
	// can pass the idempotency check again.
	OutcomeFailed Outcome = "failed"
)

// IdempotencyStore answers "was this change already applied?" and records
// processing outcomes.
type IdempotencyStore interface {
	// CheckAndReserve atomically tests both dedup keys (delivery id and
	// content hash) and inserts a processing placeholder when neither
	// exists. A record in the failed state is re-reserved rather than
	// reported as a duplicate.
	CheckAndReserve(ctx context.Context, ev *event.SyncEvent) (ReserveResult, error)

	// Finalize moves the placeholder for the delivery to a terminal outcome.
	Finalize(ctx context.Context, platform event.SourcePlatform, deliveryID string, outcome Outcome) error

	// PruneBefore deletes terminal records processed before cutoff and
	// returns the number removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LockHandle proves ownership of a leased entity lock.
type LockHandle struct {
	CanonicalEntityID uuid.UUID
	HolderToken       uuid.UUID
	AcquiredAt        time.Time
	ExpiresAt         time.Time
}

// LockManager serializes mutations per canonical entity with lease-based
// locks that self-expire if the holder crashes.
type LockManager interface {
	// Acquire grants the lock if no live lease exists, returning ErrLockBusy
	// otherwise. An expired lease is taken over.
	Acquire(ctx context.Context, canonicalEntityID uuid.UUID, lease time.Duration) (*LockHandle, error)

	// Release frees the lock. Releasing a lease that already expired and was
	// taken over by another holder is a no-op.
	Release(ctx context.Context, handle *LockHandle) error
}

// Mapping is the durable cross-reference between a tracker entity and its
// mirrored document record. External ids, once set, never change.
type Mapping struct {
	CanonicalEntityID  uuid.UUID
	EntityKind         event.EntityKind
	TrackerExternalID  *string
	DocumentExternalID *string
	LastSyncedAt       *time.Time
	LastSourceOfTruth  event.SourcePlatform
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ExternalIDFor returns the external id for the given platform side.
func (m *Mapping) ExternalIDFor(platform event.SourcePlatform) *string {
	if platform == event.PlatformTracker {
		return m.TrackerExternalID
	}
	return m.DocumentExternalID
}

// MappingStore persists Mapping rows. The orchestrator is the sole mutator.
type MappingStore interface {
	// ResolveByExternalID finds the mapping owning the given platform-native
	// id, or ErrMappingNotFound.
	ResolveByExternalID(ctx context.Context, platform event.SourcePlatform, externalID string) (*Mapping, error)

	// Get fetches a mapping by canonical id.
	Get(ctx context.Context, canonicalEntityID uuid.UUID) (*Mapping, error)

	// Create inserts a new mapping row. The external id of the originating
	// platform must be set; the counterpart stays null until first
	// propagation.
	Create(ctx context.Context, m *Mapping) error

	// SetCounterpartID fills in the counterpart external id after the first
	// successful propagation. It fails if the id is already set to a
	// different value.
	SetCounterpartID(ctx context.Context, canonicalEntityID uuid.UUID, platform event.SourcePlatform, externalID string) error

	// MarkSynced updates last_synced_at and last_source_of_truth after a
	// successful apply.
	MarkSynced(ctx context.Context, canonicalEntityID uuid.UUID, source event.SourcePlatform, at time.Time) error
}

// DeadLetterStatus is the lifecycle state of a parked event.
type DeadLetterStatus string

const (
	// StatusPending marks entries awaiting sweep or manual replay.
	StatusPending DeadLetterStatus = "pending"

	// StatusReplayed marks entries that were re-applied successfully.
	StatusReplayed DeadLetterStatus = "replayed"

	// StatusDiscarded marks entries dismissed by an operator.
	StatusDiscarded DeadLetterStatus = "discarded"
)

// DeadLetterEntry is an event that exhausted its retry budget.
type DeadLetterEntry struct {
	ID              uuid.UUID
	Event           event.SyncEvent
	FailureReason   string
	AttemptCount    int
	FirstFailedAt   time.Time
	LastAttemptedAt time.Time
	Status          DeadLetterStatus
}

// DeadLetterStore is the durable parking lot for exhausted events.
type DeadLetterStore interface {
	// Enqueue parks an event in pending status.
	Enqueue(ctx context.Context, ev *event.SyncEvent, reason string, attempts int) (uuid.UUID, error)

	// Get fetches one entry by id.
	Get(ctx context.Context, id uuid.UUID) (*DeadLetterEntry, error)

	// List returns entries filtered by status, newest first. A zero status
	// returns all entries.
	List(ctx context.Context, status DeadLetterStatus, limit int) ([]*DeadLetterEntry, error)

	// ListPendingBefore returns pending entries whose last attempt is older
	// than cutoff, oldest first, for the sweep to replay.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*DeadLetterEntry, error)

	// MarkReplayed transitions a pending entry to replayed.
	MarkReplayed(ctx context.Context, id uuid.UUID) error

	// MarkDiscarded transitions a pending entry to discarded.
	MarkDiscarded(ctx context.Context, id uuid.UUID) error

	// RecordAttempt bumps the attempt counter and timestamp after a failed
	// replay, leaving the entry pending.
	RecordAttempt(ctx context.Context, id uuid.UUID, at time.Time) error

	// PendingCount returns the number of pending entries, for the
	// deadletter_size gauge.
	PendingCount(ctx context.Context) (int64, error)
}
