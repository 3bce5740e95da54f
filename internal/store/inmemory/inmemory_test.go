package inmemory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackdock/syncbridge/internal/event"
	"github.com/trackdock/syncbridge/internal/store"
)

func testEvent(deliveryID, contentHash, externalID string) *event.SyncEvent {
	return &event.SyncEvent{
		SourcePlatform:   event.PlatformTracker,
		DeliveryID:       deliveryID,
		ContentHash:      contentHash,
		EntityKind:       event.KindIssue,
		EntityExternalID: externalID,
		Action:           event.ActionUpdated,
		Payload: event.Payload{
			Title:     "title",
			UpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
	}
}

func TestIdempotencyStoreCheckAndReserve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fresh event is reserved", func(t *testing.T) {
		t.Parallel()

		s := NewIdempotencyStore()
		res, err := s.CheckAndReserve(ctx, testEvent("d1", "h1", "TRK-1"))
		require.NoError(t, err)
		assert.Equal(t, store.Fresh, res)

		outcome, ok := s.Outcome(event.PlatformTracker, "d1")
		require.True(t, ok)
		assert.Equal(t, store.OutcomeProcessing, outcome)
	})

	t.Run("same delivery id is duplicate", func(t *testing.T) {
		t.Parallel()

		s := NewIdempotencyStore()
		_, err := s.CheckAndReserve(ctx, testEvent("d1", "h1", "TRK-1"))
		require.NoError(t, err)

		res, err := s.CheckAndReserve(ctx, testEvent("d1", "h1", "TRK-1"))
		require.NoError(t, err)
		assert.Equal(t, store.Duplicate, res)
	})

	t.Run("same content hash under new delivery id is duplicate", func(t *testing.T) {
		t.Parallel()

		s := NewIdempotencyStore()
		_, err := s.CheckAndReserve(ctx, testEvent("d1", "h1", "TRK-1"))
		require.NoError(t, err)

		res, err := s.CheckAndReserve(ctx, testEvent("d2", "h1", "TRK-1"))
		require.NoError(t, err)
		assert.Equal(t, store.Duplicate, res)
	})

	t.Run("same content hash on different entity is fresh", func(t *testing.T) {
		t.Parallel()

		s := NewIdempotencyStore()
		_, err := s.CheckAndReserve(ctx, testEvent("d1", "h1", "TRK-1"))
		require.NoError(t, err)

		res, err := s.CheckAndReserve(ctx, testEvent("d2", "h1", "TRK-2"))
		require.NoError(t, err)
		assert.Equal(t, store.Fresh, res)
	})

	t.Run("failed record is re-reservable", func(t *testing.T) {
		t.Parallel()

		s := NewIdempotencyStore()
		_, err := s.CheckAndReserve(ctx, testEvent("d1", "h1", "TRK-1"))
		require.NoError(t, err)
		require.NoError(t, s.Finalize(ctx, event.PlatformTracker, "d1", store.OutcomeFailed))

		res, err := s.CheckAndReserve(ctx, testEvent("d1", "h1", "TRK-1"))
		require.NoError(t, err)
		assert.Equal(t, store.Fresh, res)

		outcome, ok := s.Outcome(event.PlatformTracker, "d1")
		require.True(t, ok)
		assert.Equal(t, store.OutcomeProcessing, outcome)
	})

	t.Run("re-reservation adopts the new delivery id", func(t *testing.T) {
		t.Parallel()

		s := NewIdempotencyStore()
		_, err := s.CheckAndReserve(ctx, testEvent("d1", "h1", "TRK-1"))
		require.NoError(t, err)
		require.NoError(t, s.Finalize(ctx, event.PlatformTracker, "d1", store.OutcomeFailed))

		// The sender regenerated the delivery id, so the failed record is
		// matched through the content hash.
		res, err := s.CheckAndReserve(ctx, testEvent("d2", "h1", "TRK-1"))
		require.NoError(t, err)
		require.Equal(t, store.Fresh, res)

		// Finalizing under the new delivery id must hit the record, or it
		// would stay in processing forever.
		require.NoError(t, s.Finalize(ctx, event.PlatformTracker, "d2", store.OutcomeApplied))

		outcome, ok := s.Outcome(event.PlatformTracker, "d2")
		require.True(t, ok)
		assert.Equal(t, store.OutcomeApplied, outcome)
	})

	t.Run("applied record stays duplicate", func(t *testing.T) {
		t.Parallel()

		s := NewIdempotencyStore()
		_, err := s.CheckAndReserve(ctx, testEvent("d1", "h1", "TRK-1"))
		require.NoError(t, err)
		require.NoError(t, s.Finalize(ctx, event.PlatformTracker, "d1", store.OutcomeApplied))

		res, err := s.CheckAndReserve(ctx, testEvent("d1", "h1", "TRK-1"))
		require.NoError(t, err)
		assert.Equal(t, store.Duplicate, res)
	})

	t.Run("concurrent reservations admit exactly one", func(t *testing.T) {
		t.Parallel()

		s := NewIdempotencyStore()
		const goroutines = 16

		var wg sync.WaitGroup
		results := make(chan store.ReserveResult, goroutines)
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.CheckAndReserve(ctx, testEvent("d1", "h1", "TRK-1"))
				assert.NoError(t, err)
				results <- res
			}()
		}
		wg.Wait()
		close(results)

		var fresh int
		for res := range results {
			if res == store.Fresh {
				fresh++
			}
		}
		assert.Equal(t, 1, fresh)
	})
}

func TestIdempotencyStoreFinalize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := NewIdempotencyStore()
	err := s.Finalize(ctx, event.PlatformTracker, "missing", store.OutcomeApplied)
	require.Error(t, err)
	assert.ErrorContains(t, err, "no idempotency record")
}

func TestIdempotencyStorePruneBefore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := NewIdempotencyStore()
	_, err := s.CheckAndReserve(ctx, testEvent("old", "h1", "TRK-1"))
	require.NoError(t, err)
	require.NoError(t, s.Finalize(ctx, event.PlatformTracker, "old", store.OutcomeApplied))

	_, err = s.CheckAndReserve(ctx, testEvent("live", "h2", "TRK-2"))
	require.NoError(t, err)

	pruned, err := s.PruneBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	// Unfinalized records survive pruning.
	_, ok := s.Outcome(event.PlatformTracker, "live")
	assert.True(t, ok)
	_, ok = s.Outcome(event.PlatformTracker, "old")
	assert.False(t, ok)
}

func TestLockManager(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("acquire and release", func(t *testing.T) {
		t.Parallel()

		l := NewLockManager()
		entityID := uuid.New()

		handle, err := l.Acquire(ctx, entityID, 30*time.Second)
		require.NoError(t, err)
		assert.True(t, l.Held(entityID))

		_, err = l.Acquire(ctx, entityID, 30*time.Second)
		assert.ErrorIs(t, err, store.ErrLockBusy)

		require.NoError(t, l.Release(ctx, handle))
		assert.False(t, l.Held(entityID))

		_, err = l.Acquire(ctx, entityID, 30*time.Second)
		assert.NoError(t, err)
	})

	t.Run("distinct entities do not contend", func(t *testing.T) {
		t.Parallel()

		l := NewLockManager()
		_, err := l.Acquire(ctx, uuid.New(), 30*time.Second)
		require.NoError(t, err)
		_, err = l.Acquire(ctx, uuid.New(), 30*time.Second)
		assert.NoError(t, err)
		assert.Equal(t, 2, l.AcquireCount())
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		t.Parallel()

		l := NewLockManager()
		now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		l.SetNowFunc(func() time.Time { return now })

		entityID := uuid.New()
		stale, err := l.Acquire(ctx, entityID, 30*time.Second)
		require.NoError(t, err)

		// Lease expires; a new holder takes over.
		now = now.Add(31 * time.Second)
		fresh, err := l.Acquire(ctx, entityID, 30*time.Second)
		require.NoError(t, err)
		assert.NotEqual(t, stale.HolderToken, fresh.HolderToken)

		// The stale holder's release must not free the new lease.
		require.NoError(t, l.Release(ctx, stale))
		assert.True(t, l.Held(entityID))

		require.NoError(t, l.Release(ctx, fresh))
		assert.False(t, l.Held(entityID))
	})

	t.Run("concurrent acquirers admit one at a time", func(t *testing.T) {
		t.Parallel()

		l := NewLockManager()
		entityID := uuid.New()

		var wg sync.WaitGroup
		var successes int32
		var mu sync.Mutex
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.Acquire(ctx, entityID, time.Minute); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, successes)
	})

	t.Run("release nil handle is a no-op", func(t *testing.T) {
		t.Parallel()

		l := NewLockManager()
		assert.NoError(t, l.Release(ctx, nil))
	})
}

func TestMappingStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	trackerID := "TRK-1"

	newMapping := func() *store.Mapping {
		return &store.Mapping{
			CanonicalEntityID: uuid.New(),
			EntityKind:        event.KindIssue,
			TrackerExternalID: &trackerID,
			LastSourceOfTruth: event.PlatformTracker,
		}
	}

	t.Run("create and resolve", func(t *testing.T) {
		t.Parallel()

		s := NewMappingStore()
		m := newMapping()
		require.NoError(t, s.Create(ctx, m))

		got, err := s.ResolveByExternalID(ctx, event.PlatformTracker, trackerID)
		require.NoError(t, err)
		assert.Equal(t, m.CanonicalEntityID, got.CanonicalEntityID)

		got, err = s.Get(ctx, m.CanonicalEntityID)
		require.NoError(t, err)
		assert.Equal(t, m.CanonicalEntityID, got.CanonicalEntityID)
	})

	t.Run("resolve misses", func(t *testing.T) {
		t.Parallel()

		s := NewMappingStore()
		_, err := s.ResolveByExternalID(ctx, event.PlatformTracker, "missing")
		assert.ErrorIs(t, err, store.ErrMappingNotFound)

		_, err = s.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrMappingNotFound)
	})

	t.Run("counterpart id fills once", func(t *testing.T) {
		t.Parallel()

		s := NewMappingStore()
		m := newMapping()
		require.NoError(t, s.Create(ctx, m))

		require.NoError(t, s.SetCounterpartID(ctx, m.CanonicalEntityID, event.PlatformDocument, "pg_1"))

		got, err := s.ResolveByExternalID(ctx, event.PlatformDocument, "pg_1")
		require.NoError(t, err)
		assert.Equal(t, m.CanonicalEntityID, got.CanonicalEntityID)

		// Same value is idempotent; a different value is rejected.
		assert.NoError(t, s.SetCounterpartID(ctx, m.CanonicalEntityID, event.PlatformDocument, "pg_1"))
		assert.Error(t, s.SetCounterpartID(ctx, m.CanonicalEntityID, event.PlatformDocument, "pg_2"))
	})

	t.Run("mark synced updates watermark", func(t *testing.T) {
		t.Parallel()

		s := NewMappingStore()
		m := newMapping()
		require.NoError(t, s.Create(ctx, m))

		at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, s.MarkSynced(ctx, m.CanonicalEntityID, event.PlatformDocument, at))

		got, err := s.Get(ctx, m.CanonicalEntityID)
		require.NoError(t, err)
		require.NotNil(t, got.LastSyncedAt)
		assert.True(t, got.LastSyncedAt.Equal(at))
		assert.Equal(t, event.PlatformDocument, got.LastSourceOfTruth)
	})

	t.Run("returned mappings are copies", func(t *testing.T) {
		t.Parallel()

		s := NewMappingStore()
		m := newMapping()
		require.NoError(t, s.Create(ctx, m))

		got, err := s.Get(ctx, m.CanonicalEntityID)
		require.NoError(t, err)
		other := "tampered"
		got.TrackerExternalID = &other

		again, err := s.Get(ctx, m.CanonicalEntityID)
		require.NoError(t, err)
		assert.Equal(t, trackerID, *again.TrackerExternalID)
	})
}

func TestDeadLetterStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("enqueue and get", func(t *testing.T) {
		t.Parallel()

		s := NewDeadLetterStore()
		id, err := s.Enqueue(ctx, testEvent("d1", "h1", "TRK-1"), "platform unavailable", 5)
		require.NoError(t, err)

		e, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, e.Status)
		assert.Equal(t, "platform unavailable", e.FailureReason)
		assert.Equal(t, 5, e.AttemptCount)
		assert.Equal(t, "d1", e.Event.DeliveryID)

		_, err = s.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrEntryNotFound)
	})

	t.Run("list filters by status", func(t *testing.T) {
		t.Parallel()

		s := NewDeadLetterStore()
		id1, err := s.Enqueue(ctx, testEvent("d1", "h1", "TRK-1"), "r", 1)
		require.NoError(t, err)
		_, err = s.Enqueue(ctx, testEvent("d2", "h2", "TRK-2"), "r", 1)
		require.NoError(t, err)
		require.NoError(t, s.MarkReplayed(ctx, id1))

		pending, err := s.List(ctx, store.StatusPending, 0)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		all, err := s.List(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		limited, err := s.List(ctx, "", 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("terminal transitions are guarded", func(t *testing.T) {
		t.Parallel()

		s := NewDeadLetterStore()
		id, err := s.Enqueue(ctx, testEvent("d1", "h1", "TRK-1"), "r", 1)
		require.NoError(t, err)

		require.NoError(t, s.MarkDiscarded(ctx, id))
		assert.ErrorIs(t, s.MarkReplayed(ctx, id), store.ErrEntryNotPending)
		assert.ErrorIs(t, s.MarkDiscarded(ctx, id), store.ErrEntryNotPending)
		assert.ErrorIs(t, s.RecordAttempt(ctx, id, time.Now()), store.ErrEntryNotPending)

		assert.ErrorIs(t, s.MarkReplayed(ctx, uuid.New()), store.ErrEntryNotFound)
	})

	t.Run("list pending before cutoff oldest first", func(t *testing.T) {
		t.Parallel()

		s := NewDeadLetterStore()
		id1, err := s.Enqueue(ctx, testEvent("d1", "h1", "TRK-1"), "r", 1)
		require.NoError(t, err)
		id2, err := s.Enqueue(ctx, testEvent("d2", "h2", "TRK-2"), "r", 1)
		require.NoError(t, err)

		// Push the entries into the past relative to the cutoff.
		past := time.Now().Add(-time.Hour)
		require.NoError(t, s.RecordAttempt(ctx, id2, past))
		require.NoError(t, s.RecordAttempt(ctx, id1, past.Add(time.Minute)))

		entries, err := s.ListPendingBefore(ctx, time.Now().Add(-time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, id2, entries[0].ID)
		assert.Equal(t, id1, entries[1].ID)

		limited, err := s.ListPendingBefore(ctx, time.Now().Add(-time.Minute), 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, id2, limited[0].ID)
	})

	t.Run("record attempt bumps counter", func(t *testing.T) {
		t.Parallel()

		s := NewDeadLetterStore()
		id, err := s.Enqueue(ctx, testEvent("d1", "h1", "TRK-1"), "r", 3)
		require.NoError(t, err)

		at := time.Now().Add(time.Minute)
		require.NoError(t, s.RecordAttempt(ctx, id, at))

		e, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 4, e.AttemptCount)
		assert.True(t, e.LastAttemptedAt.Equal(at))
	})

	t.Run("pending count", func(t *testing.T) {
		t.Parallel()

		s := NewDeadLetterStore()
		id, err := s.Enqueue(ctx, testEvent("d1", "h1", "TRK-1"), "r", 1)
		require.NoError(t, err)
		_, err = s.Enqueue(ctx, testEvent("d2", "h2", "TRK-2"), "r", 1)
		require.NoError(t, err)

		n, err := s.PendingCount(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		require.NoError(t, s.MarkReplayed(ctx, id))
		n, err = s.PendingCount(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})
}
