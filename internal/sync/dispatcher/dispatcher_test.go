package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackdock/syncbridge/internal/event"
	"github.com/trackdock/syncbridge/internal/store"
	"github.com/trackdock/syncbridge/internal/store/inmemory"
	pkgsync "github.com/trackdock/syncbridge/internal/sync"
	"github.com/trackdock/syncbridge/internal/sync/retry"
)

// fakeController counts Run calls and returns scripted errors keyed by
// delivery id.
type fakeController struct {
	mu   sync.Mutex
	runs map[string]int
	errs map[string][]error
}

func newFakeController() *fakeController {
	return &fakeController{
		runs: make(map[string]int),
		errs: make(map[string][]error),
	}
}

func (c *fakeController) scriptErrors(deliveryID string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[deliveryID] = errs
}

func (c *fakeController) Run(_ context.Context, ev *event.SyncEvent) (*pkgsync.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempt := c.runs[ev.DeliveryID]
	c.runs[ev.DeliveryID] = attempt + 1

	if errs := c.errs[ev.DeliveryID]; attempt < len(errs) && errs[attempt] != nil {
		return nil, errs[attempt]
	}
	return &pkgsync.Result{Outcome: pkgsync.OutcomeApplied}, nil
}

func (c *fakeController) runCount(deliveryID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[deliveryID]
}

func testEvent(deliveryID string) *event.SyncEvent {
	return &event.SyncEvent{
		SourcePlatform:   event.PlatformTracker,
		DeliveryID:       deliveryID,
		ContentHash:      "h-" + deliveryID,
		EntityKind:       event.KindIssue,
		EntityExternalID: "TRK-1",
		Action:           event.ActionUpdated,
		Payload:          event.Payload{UpdatedAt: time.Now().UTC()},
	}
}

// startDispatcher starts d in the background and returns a stop func.
func startDispatcher(t *testing.T, d Dispatcher) func() {
	t.Helper()

	started := make(chan struct{})
	go func() {
		close(started)
		_ = d.Start(context.Background())
	}()
	<-started

	return func() {
		require.NoError(t, d.Stop())
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func TestDispatcherProcessesEnqueuedEvents(t *testing.T) {
	t.Parallel()

	controller := newFakeController()
	d := New(controller, inmemory.NewDeadLetterStore(), inmemory.NewIdempotencyStore(), WithWorkers(2, 16))

	stop := startDispatcher(t, d)
	defer stop()

	require.NoError(t, d.Enqueue(testEvent("d1")))
	require.NoError(t, d.Enqueue(testEvent("d2")))

	waitFor(t, func() bool {
		return controller.runCount("d1") == 1 && controller.runCount("d2") == 1
	}, "events not processed")
}

func TestDispatcherQueueFull(t *testing.T) {
	t.Parallel()

	// No workers started, so the queue only drains on capacity.
	d := New(newFakeController(), inmemory.NewDeadLetterStore(), inmemory.NewIdempotencyStore(), WithWorkers(1, 2))

	require.NoError(t, d.Enqueue(testEvent("d1")))
	require.NoError(t, d.Enqueue(testEvent("d2")))
	assert.ErrorIs(t, d.Enqueue(testEvent("d3")), ErrQueueFull)
}

func TestDispatcherRequeuesLockBusyEvents(t *testing.T) {
	t.Parallel()

	controller := newFakeController()
	controller.scriptErrors("d1", pkgsync.ErrLockBusy, nil)

	d := New(controller, inmemory.NewDeadLetterStore(), inmemory.NewIdempotencyStore(), WithWorkers(1, 16))
	stop := startDispatcher(t, d)
	defer stop()

	require.NoError(t, d.Enqueue(testEvent("d1")))

	// First attempt hits the lock, the requeued event then succeeds.
	waitFor(t, func() bool {
		return controller.runCount("d1") == 2
	}, "lock-busy event not requeued")
}

func TestDispatcherDeadLettersUnrequeueableEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	controller := newFakeController()
	controller.scriptErrors("d1", pkgsync.ErrLockBusy)
	deadLetters := inmemory.NewDeadLetterStore()
	idempotency := inmemory.NewIdempotencyStore()

	// Workers never start, so the full queue cannot drain and the
	// requeue has nowhere to go.
	d := New(controller, deadLetters, idempotency, WithWorkers(1, 1)).(*defaultDispatcher)
	require.NoError(t, d.Enqueue(testEvent("blocker")))

	ev := testEvent("d1")
	res, err := idempotency.CheckAndReserve(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, store.Fresh, res)

	d.processEvent(ctx, 0, ev)

	// The event lands in the dead-letter store instead of vanishing.
	waitFor(t, func() bool {
		n, countErr := deadLetters.PendingCount(ctx)
		return countErr == nil && n == 1
	}, "unrequeueable event not dead-lettered")

	entries, err := deadLetters.List(ctx, store.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "d1", entries[0].Event.DeliveryID)
	assert.Contains(t, entries[0].FailureReason, "queue full")

	// The reservation is released so the sweep can replay the delivery.
	outcome, ok := idempotency.Outcome(event.PlatformTracker, "d1")
	require.True(t, ok)
	assert.Equal(t, store.OutcomeFailed, outcome)
}

func TestDispatcherStopDrains(t *testing.T) {
	t.Parallel()

	controller := newFakeController()
	d := New(controller, inmemory.NewDeadLetterStore(), inmemory.NewIdempotencyStore(), WithWorkers(2, 16))

	stop := startDispatcher(t, d)
	require.NoError(t, d.Enqueue(testEvent("d1")))
	waitFor(t, func() bool { return controller.runCount("d1") == 1 }, "event not processed")

	stop()

	// Stop again is a no-op.
	assert.NoError(t, d.Stop())
}

func TestReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("replays pending entry", func(t *testing.T) {
		t.Parallel()

		controller := newFakeController()
		deadLetters := inmemory.NewDeadLetterStore()
		d := New(controller, deadLetters, inmemory.NewIdempotencyStore())

		id, err := deadLetters.Enqueue(ctx, testEvent("d1"), "platform unavailable", 5)
		require.NoError(t, err)

		require.NoError(t, d.Replay(ctx, id))
		assert.Equal(t, 1, controller.runCount("d1"))

		e, err := deadLetters.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusReplayed, e.Status)
		assert.Equal(t, 6, e.AttemptCount)
	})

	t.Run("unknown entry", func(t *testing.T) {
		t.Parallel()

		d := New(newFakeController(), inmemory.NewDeadLetterStore(), inmemory.NewIdempotencyStore())
		assert.ErrorIs(t, d.Replay(ctx, uuid.New()), store.ErrEntryNotFound)
	})

	t.Run("non-pending entry", func(t *testing.T) {
		t.Parallel()

		deadLetters := inmemory.NewDeadLetterStore()
		d := New(newFakeController(), deadLetters, inmemory.NewIdempotencyStore())

		id, err := deadLetters.Enqueue(ctx, testEvent("d1"), "r", 1)
		require.NoError(t, err)
		require.NoError(t, deadLetters.MarkDiscarded(ctx, id))

		assert.ErrorIs(t, d.Replay(ctx, id), store.ErrEntryNotPending)
	})

	t.Run("failed replay retires entry when re-dead-lettered", func(t *testing.T) {
		t.Parallel()

		controller := newFakeController()
		controller.scriptErrors("d1", retry.ErrDeadLettered)
		deadLetters := inmemory.NewDeadLetterStore()
		d := New(controller, deadLetters, inmemory.NewIdempotencyStore())

		id, err := deadLetters.Enqueue(ctx, testEvent("d1"), "r", 5)
		require.NoError(t, err)

		err = d.Replay(ctx, id)
		assert.ErrorIs(t, err, retry.ErrDeadLettered)

		// The old entry is retired so the sweep never replays it twice.
		e, err := deadLetters.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusReplayed, e.Status)
	})

	t.Run("lock-busy replay leaves entry pending", func(t *testing.T) {
		t.Parallel()

		controller := newFakeController()
		controller.scriptErrors("d1", pkgsync.ErrLockBusy)
		deadLetters := inmemory.NewDeadLetterStore()
		idempotency := inmemory.NewIdempotencyStore()
		d := New(controller, deadLetters, idempotency)

		id, err := deadLetters.Enqueue(ctx, testEvent("d1"), "r", 1)
		require.NoError(t, err)

		require.NoError(t, d.Replay(ctx, id))

		e, err := deadLetters.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, e.Status)

		// The reservation went back, so the next sweep can reserve the
		// delivery again.
		outcome, ok := idempotency.Outcome(event.PlatformTracker, "d1")
		require.True(t, ok)
		assert.Equal(t, store.OutcomeFailed, outcome)
	})

	t.Run("already applied delivery retires entry without rerunning", func(t *testing.T) {
		t.Parallel()

		controller := newFakeController()
		deadLetters := inmemory.NewDeadLetterStore()
		idempotency := inmemory.NewIdempotencyStore()
		d := New(controller, deadLetters, idempotency)

		ev := testEvent("d1")
		res, err := idempotency.CheckAndReserve(ctx, ev)
		require.NoError(t, err)
		require.Equal(t, store.Fresh, res)
		require.NoError(t, idempotency.Finalize(ctx, ev.SourcePlatform, ev.DeliveryID, store.OutcomeApplied))

		id, err := deadLetters.Enqueue(ctx, ev, "r", 1)
		require.NoError(t, err)

		require.NoError(t, d.Replay(ctx, id))
		assert.Zero(t, controller.runCount("d1"))

		e, err := deadLetters.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusReplayed, e.Status)
	})
}

func TestSweepDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("replays aged pending entries", func(t *testing.T) {
		t.Parallel()

		controller := newFakeController()
		deadLetters := inmemory.NewDeadLetterStore()
		d := New(controller, deadLetters, inmemory.NewIdempotencyStore(), WithSweep(time.Minute, 10*time.Minute, 50))

		id1, err := deadLetters.Enqueue(ctx, testEvent("d1"), "r", 1)
		require.NoError(t, err)
		id2, err := deadLetters.Enqueue(ctx, testEvent("d2"), "r", 1)
		require.NoError(t, err)

		// Age both entries past the sweep minimum.
		past := time.Now().Add(-time.Hour)
		require.NoError(t, deadLetters.RecordAttempt(ctx, id1, past))
		require.NoError(t, deadLetters.RecordAttempt(ctx, id2, past))

		replayed, err := d.SweepDeadLetters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, replayed)

		assert.Equal(t, 1, controller.runCount("d1"))
		assert.Equal(t, 1, controller.runCount("d2"))

		n, err := deadLetters.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("skips entries younger than min age", func(t *testing.T) {
		t.Parallel()

		controller := newFakeController()
		deadLetters := inmemory.NewDeadLetterStore()
		d := New(controller, deadLetters, inmemory.NewIdempotencyStore(), WithSweep(time.Minute, 10*time.Minute, 50))

		_, err := deadLetters.Enqueue(ctx, testEvent("d1"), "r", 1)
		require.NoError(t, err)

		replayed, err := d.SweepDeadLetters(ctx)
		require.NoError(t, err)
		assert.Zero(t, replayed)
		assert.Zero(t, controller.runCount("d1"))
	})

	t.Run("continues past individual failures", func(t *testing.T) {
		t.Parallel()

		controller := newFakeController()
		controller.scriptErrors("d1", errors.New("still broken"))
		deadLetters := inmemory.NewDeadLetterStore()
		d := New(controller, deadLetters, inmemory.NewIdempotencyStore(), WithSweep(time.Minute, 10*time.Minute, 50))

		id1, err := deadLetters.Enqueue(ctx, testEvent("d1"), "r", 1)
		require.NoError(t, err)
		id2, err := deadLetters.Enqueue(ctx, testEvent("d2"), "r", 1)
		require.NoError(t, err)

		past := time.Now().Add(-time.Hour)
		require.NoError(t, deadLetters.RecordAttempt(ctx, id1, past))
		require.NoError(t, deadLetters.RecordAttempt(ctx, id2, past.Add(time.Second)))

		replayed, err := d.SweepDeadLetters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, replayed)

		// Both were attempted despite the first failing.
		assert.Equal(t, 1, controller.runCount("d1"))
		assert.Equal(t, 1, controller.runCount("d2"))

		// The failed one stays pending, the healthy one is retired.
		e1, err := deadLetters.Get(ctx, id1)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, e1.Status)
		e2, err := deadLetters.Get(ctx, id2)
		require.NoError(t, err)
		assert.Equal(t, store.StatusReplayed, e2.Status)
	})
}

func TestCalculateSweepInterval(t *testing.T) {
	t.Parallel()

	d := New(newFakeController(), inmemory.NewDeadLetterStore(), inmemory.NewIdempotencyStore(),
		WithSweep(5*time.Minute, time.Minute, 10)).(*defaultDispatcher)

	for i := 0; i < 100; i++ {
		interval := d.calculateSweepInterval()
		assert.GreaterOrEqual(t, interval, 5*time.Minute-sweepJitter)
		assert.LessOrEqual(t, interval, 5*time.Minute+sweepJitter)
	}
}
