// Package inmemory provides in-memory implementations of the store
// interfaces. They back unit tests and the single-node development mode;
// production deployments use the Postgres stores so state survives
// restarts.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trackdock/syncbridge/internal/event"
	"github.com/trackdock/syncbridge/internal/store"
)

type idempotencyRecord struct {
	platform         event.SourcePlatform
	deliveryID       string
	contentHash      string
	entityExternalID string
	outcome          store.Outcome
	processedAt      *time.Time
}

// IdempotencyStore is an in-memory store.IdempotencyStore.
type IdempotencyStore struct {
	mu      sync.Mutex
	records []*idempotencyRecord
}

// NewIdempotencyStore creates an empty in-memory idempotency store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{}
}

var _ store.IdempotencyStore = (*IdempotencyStore)(nil)

// CheckAndReserve implements the atomic check-and-reserve under one mutex.
func (s *IdempotencyStore) CheckAndReserve(_ context.Context, ev *event.SyncEvent) (store.ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		byDelivery := r.platform == ev.SourcePlatform && r.deliveryID == ev.DeliveryID
		byContent := r.contentHash == ev.ContentHash && r.entityExternalID == ev.EntityExternalID
		if byDelivery || byContent {
			if r.outcome == store.OutcomeFailed {
				// The record adopts the incoming delivery id so Finalize
				// on this attempt matches it.
				r.platform = ev.SourcePlatform
				r.deliveryID = ev.DeliveryID
				r.outcome = store.OutcomeProcessing
				r.processedAt = nil
				return store.Fresh, nil
			}
			return store.Duplicate, nil
		}
	}

	s.records = append(s.records, &idempotencyRecord{
		platform:         ev.SourcePlatform,
		deliveryID:       ev.DeliveryID,
		contentHash:      ev.ContentHash,
		entityExternalID: ev.EntityExternalID,
		outcome:          store.OutcomeProcessing,
	})
	return store.Fresh, nil
}

// Finalize implements store.IdempotencyStore.
func (s *IdempotencyStore) Finalize(_ context.Context, platform event.SourcePlatform, deliveryID string, outcome store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.platform == platform && r.deliveryID == deliveryID {
			now := time.Now()
			r.outcome = outcome
			r.processedAt = &now
			return nil
		}
	}
	return fmt.Errorf("no idempotency record for %s delivery %q", platform, deliveryID)
}

// PruneBefore implements store.IdempotencyStore.
func (s *IdempotencyStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var pruned int64
	for _, r := range s.records {
		if r.processedAt != nil && r.processedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return pruned, nil
}

// Outcome returns the recorded outcome for a delivery, for test assertions.
func (s *IdempotencyStore) Outcome(platform event.SourcePlatform, deliveryID string) (store.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.platform == platform && r.deliveryID == deliveryID {
			return r.outcome, true
		}
	}
	return "", false
}

type lockEntry struct {
	holder    uuid.UUID
	expiresAt time.Time
}

// LockManager is an in-memory store.LockManager with lease expiry.
type LockManager struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry

	// now is swappable so tests can control lease expiry.
	now func() time.Time

	// AcquireCount counts successful acquisitions, for concurrency tests.
	acquireCount int
}

// NewLockManager creates an empty in-memory lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[uuid.UUID]*lockEntry),
		now:   time.Now,
	}
}

var _ store.LockManager = (*LockManager)(nil)

// SetNowFunc replaces the clock used for lease expiry checks.
func (l *LockManager) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Acquire implements store.LockManager.
func (l *LockManager) Acquire(_ context.Context, canonicalEntityID uuid.UUID, lease time.Duration) (*store.LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if existing, ok := l.locks[canonicalEntityID]; ok && existing.expiresAt.After(now) {
		return nil, store.ErrLockBusy
	}

	holder := uuid.New()
	l.locks[canonicalEntityID] = &lockEntry{holder: holder, expiresAt: now.Add(lease)}
	l.acquireCount++

	return &store.LockHandle{
		CanonicalEntityID: canonicalEntityID,
		HolderToken:       holder,
		AcquiredAt:        now,
		ExpiresAt:         now.Add(lease),
	}, nil
}

// Release implements store.LockManager.
func (l *LockManager) Release(_ context.Context, handle *store.LockHandle) error {
	if handle == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.locks[handle.CanonicalEntityID]; ok && existing.holder == handle.HolderToken {
		delete(l.locks, handle.CanonicalEntityID)
	}
	return nil
}

// AcquireCount returns the number of successful acquisitions.
func (l *LockManager) AcquireCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquireCount
}

// Held reports whether a live lease exists for the entity.
func (l *LockManager) Held(canonicalEntityID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[canonicalEntityID]
	return ok && e.expiresAt.After(l.now())
}

// MappingStore is an in-memory store.MappingStore.
type MappingStore struct {
	mu       sync.Mutex
	mappings map[uuid.UUID]*store.Mapping
}

// NewMappingStore creates an empty in-memory mapping store.
func NewMappingStore() *MappingStore {
	return &MappingStore{mappings: make(map[uuid.UUID]*store.Mapping)}
}

var _ store.MappingStore = (*MappingStore)(nil)

func copyMapping(m *store.Mapping) *store.Mapping {
	cp := *m
	return &cp
}

// ResolveByExternalID implements store.MappingStore.
func (s *MappingStore) ResolveByExternalID(_ context.Context, platform event.SourcePlatform, externalID string) (*store.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.mappings {
		id := m.ExternalIDFor(platform)
		if id != nil && *id == externalID {
			return copyMapping(m), nil
		}
	}
	return nil, store.ErrMappingNotFound
}

// Get implements store.MappingStore.
func (s *MappingStore) Get(_ context.Context, canonicalEntityID uuid.UUID) (*store.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[canonicalEntityID]
	if !ok {
		return nil, store.ErrMappingNotFound
	}
	return copyMapping(m), nil
}

// Create implements store.MappingStore.
func (s *MappingStore) Create(_ context.Context, m *store.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cp := copyMapping(m)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.mappings[m.CanonicalEntityID] = cp
	return nil
}

// SetCounterpartID implements store.MappingStore.
func (s *MappingStore) SetCounterpartID(_ context.Context, canonicalEntityID uuid.UUID, platform event.SourcePlatform, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[canonicalEntityID]
	if !ok {
		return store.ErrMappingNotFound
	}
	slot := m.ExternalIDFor(platform)
	if slot != nil && *slot != externalID {
		return fmt.Errorf("mapping %s: %s external id already set to a different value", canonicalEntityID, platform)
	}
	if platform == event.PlatformTracker {
		m.TrackerExternalID = &externalID
	} else {
		m.DocumentExternalID = &externalID
	}
	m.UpdatedAt = time.Now()
	return nil
}

// MarkSynced implements store.MappingStore.
func (s *MappingStore) MarkSynced(_ context.Context, canonicalEntityID uuid.UUID, source event.SourcePlatform, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[canonicalEntityID]
	if !ok {
		return store.ErrMappingNotFound
	}
	m.LastSyncedAt = &at
	m.LastSourceOfTruth = source
	m.UpdatedAt = time.Now()
	return nil
}

// DeadLetterStore is an in-memory store.DeadLetterStore.
type DeadLetterStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*store.DeadLetterEntry
}

// NewDeadLetterStore creates an empty in-memory dead-letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{entries: make(map[uuid.UUID]*store.DeadLetterEntry)}
}

var _ store.DeadLetterStore = (*DeadLetterStore)(nil)

// Enqueue implements store.DeadLetterStore.
func (s *DeadLetterStore) Enqueue(_ context.Context, ev *event.SyncEvent, reason string, attempts int) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	id := uuid.New()
	s.entries[id] = &store.DeadLetterEntry{
		ID:              id,
		Event:           *ev,
		FailureReason:   reason,
		AttemptCount:    attempts,
		FirstFailedAt:   now,
		LastAttemptedAt: now,
		Status:          store.StatusPending,
	}
	return id, nil
}

// Get implements store.DeadLetterStore.
func (s *DeadLetterStore) Get(_ context.Context, id uuid.UUID) (*store.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, store.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

// List implements store.DeadLetterStore.
func (s *DeadLetterStore) List(_ context.Context, status store.DeadLetterStatus, limit int) ([]*store.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*store.DeadLetterEntry
	for _, e := range s.entries {
		if status != "" && e.Status != status {
			continue
		}
		cp := *e
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FirstFailedAt.After(entries[j].FirstFailedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ListPendingBefore implements store.DeadLetterStore.
func (s *DeadLetterStore) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]*store.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*store.DeadLetterEntry
	for _, e := range s.entries {
		if e.Status == store.StatusPending && e.LastAttemptedAt.Before(cutoff) {
			cp := *e
			entries = append(entries, &cp)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAttemptedAt.Before(entries[j].LastAttemptedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// MarkReplayed implements store.DeadLetterStore.
func (s *DeadLetterStore) MarkReplayed(_ context.Context, id uuid.UUID) error {
	return s.transition(id, store.StatusReplayed)
}

// MarkDiscarded implements store.DeadLetterStore.
func (s *DeadLetterStore) MarkDiscarded(_ context.Context, id uuid.UUID) error {
	return s.transition(id, store.StatusDiscarded)
}

func (s *DeadLetterStore) transition(id uuid.UUID, to store.DeadLetterStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return store.ErrEntryNotFound
	}
	if e.Status != store.StatusPending {
		return store.ErrEntryNotPending
	}
	e.Status = to
	return nil
}

// RecordAttempt implements store.DeadLetterStore.
func (s *DeadLetterStore) RecordAttempt(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return store.ErrEntryNotFound
	}
	if e.Status != store.StatusPending {
		return store.ErrEntryNotPending
	}
	e.AttemptCount++
	e.LastAttemptedAt = at
	return nil
}

// PendingCount implements store.DeadLetterStore.
func (s *DeadLetterStore) PendingCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.entries {
		if e.Status == store.StatusPending {
			n++
		}
	}
	return n, nil
}
