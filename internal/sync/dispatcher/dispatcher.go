// Package dispatcher runs the background machinery of the bridge: a
// bounded worker pool draining the webhook ingest queue, and a periodic
// sweep that replays aged dead-letter entries.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/trackdock/syncbridge/internal/event"
	"github.com/trackdock/syncbridge/internal/store"
	pkgsync "github.com/trackdock/syncbridge/internal/sync"
	"github.com/trackdock/syncbridge/internal/sync/retry"
	"github.com/trackdock/syncbridge/internal/telemetry"
)

const (
	// requeueDelay is how long a lock-busy event waits before it is
	// offered to the queue again
	requeueDelay = 250 * time.Millisecond

	// sweepJitter is the maximum random offset applied to the sweep
	// interval to prevent synchronized sweeps across instances
	sweepJitter = 30 * time.Second
)

// ErrQueueFull is returned by Enqueue when the ingest queue is at
// capacity. The webhook handler maps it to a 503.
var ErrQueueFull = errors.New("ingest queue full")

// Dispatcher accepts normalized events and processes them on a bounded
// worker pool.
type Dispatcher interface {
	// Enqueue offers an event to the ingest queue without blocking.
	Enqueue(ev *event.SyncEvent) error

	// Start runs the workers and the dead-letter sweep loop. Blocks
	// until the context is cancelled and all workers have drained.
	Start(ctx context.Context) error

	// Stop gracefully stops the dispatcher.
	Stop() error

	// Replay re-runs a single pending dead-letter entry through the
	// full processing pipeline.
	Replay(ctx context.Context, id uuid.UUID) error

	// SweepDeadLetters replays aged pending entries immediately and
	// returns how many entries were replayed.
	SweepDeadLetters(ctx context.Context) (int, error)
}

// defaultDispatcher is the default implementation of Dispatcher
type defaultDispatcher struct {
	controller  retry.Controller
	deadLetters store.DeadLetterStore
	idempotency store.IdempotencyStore

	queue       chan *event.SyncEvent
	workerCount int

	sweepInterval  time.Duration
	sweepMinAge    time.Duration
	sweepBatchSize int

	// Lifecycle management
	cancelFunc context.CancelFunc
	done       chan struct{}

	metrics *telemetry.BridgeMetrics
}

// Option is a function that configures the dispatcher
type Option func(*defaultDispatcher)

// WithWorkers sets the worker pool size and ingest queue capacity.
func WithWorkers(count, queueSize int) Option {
	return func(d *defaultDispatcher) {
		if count > 0 {
			d.workerCount = count
		}
		if queueSize > 0 {
			d.queue = make(chan *event.SyncEvent, queueSize)
		}
	}
}

// WithSweep configures the dead-letter sweep loop.
func WithSweep(interval, minAge time.Duration, batchSize int) Option {
	return func(d *defaultDispatcher) {
		if interval > 0 {
			d.sweepInterval = interval
		}
		if minAge > 0 {
			d.sweepMinAge = minAge
		}
		if batchSize > 0 {
			d.sweepBatchSize = batchSize
		}
	}
}

// WithMetrics sets the bridge metrics for the dispatcher.
func WithMetrics(metrics *telemetry.BridgeMetrics) Option {
	return func(d *defaultDispatcher) {
		d.metrics = metrics
	}
}

// New creates a new dispatcher with injected dependencies.
func New(controller retry.Controller, deadLetters store.DeadLetterStore, idempotency store.IdempotencyStore, opts ...Option) Dispatcher {
	d := &defaultDispatcher{
		controller:     controller,
		deadLetters:    deadLetters,
		idempotency:    idempotency,
		queue:          make(chan *event.SyncEvent, 256),
		workerCount:    4,
		sweepInterval:  5 * time.Minute,
		sweepMinAge:    10 * time.Minute,
		sweepBatchSize: 50,
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Enqueue offers an event to the ingest queue without blocking.
func (d *defaultDispatcher) Enqueue(ev *event.SyncEvent) error {
	select {
	case d.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start runs the workers and the dead-letter sweep loop.
func (d *defaultDispatcher) Start(ctx context.Context) error {
	slog.Info("Starting sync dispatcher",
		"workers", d.workerCount,
		"queue_capacity", cap(d.queue),
		"sweep_interval", d.sweepInterval)

	dispatchCtx, cancel := context.WithCancel(ctx)
	d.cancelFunc = cancel
	defer func() {
		close(d.done)
		slog.Info("Sync dispatcher shutting down")
	}()

	group, groupCtx := errgroup.WithContext(dispatchCtx)

	for i := 0; i < d.workerCount; i++ {
		worker := i
		group.Go(func() error {
			d.runWorker(groupCtx, worker)
			return nil
		})
	}

	group.Go(func() error {
		d.runSweepLoop(groupCtx)
		return nil
	})

	return group.Wait()
}

// Stop gracefully stops the dispatcher.
func (d *defaultDispatcher) Stop() error {
	if d.cancelFunc != nil {
		slog.Info("Stopping sync dispatcher")
		d.cancelFunc()
		<-d.done
	}
	return nil
}

// runWorker drains the ingest queue until the context is cancelled.
func (d *defaultDispatcher) runWorker(ctx context.Context, worker int) {
	for {
		select {
		case ev := <-d.queue:
			d.processEvent(ctx, worker, ev)
		case <-ctx.Done():
			return
		}
	}
}

// processEvent runs one event through the retry controller, requeueing
// it when the entity lock is held by another worker.
func (d *defaultDispatcher) processEvent(ctx context.Context, worker int, ev *event.SyncEvent) {
	result, err := d.controller.Run(ctx, ev)
	if err == nil {
		slog.Debug("Event processed",
			"worker", worker,
			"outcome", result.Outcome,
			"platform", ev.SourcePlatform,
			"delivery_id", ev.DeliveryID)
		return
	}

	if errors.Is(err, pkgsync.ErrLockBusy) {
		// Another worker holds the entity. Re-offer the event after a
		// short pause instead of spinning on the lock.
		go func() {
			select {
			case <-time.After(requeueDelay):
			case <-ctx.Done():
				return
			}
			if enqueueErr := d.Enqueue(ev); enqueueErr != nil {
				// The queue is still full; park the event in the
				// dead-letter store rather than dropping it.
				slog.Warn("Requeue failed, dead-lettering lock-busy event",
					"platform", ev.SourcePlatform,
					"delivery_id", ev.DeliveryID,
					"error", enqueueErr)
				d.parkEvent(ctx, ev, enqueueErr)
			}
		}()
		return
	}

	if errors.Is(err, retry.ErrDeadLettered) {
		// Already recorded by the controller.
		return
	}

	slog.Error("Event processing failed",
		"worker", worker,
		"platform", ev.SourcePlatform,
		"delivery_id", ev.DeliveryID,
		"error", err)
}

// parkEvent moves an event that cannot be requeued into the dead-letter
// store so a later sweep recovers it.
func (d *defaultDispatcher) parkEvent(ctx context.Context, ev *event.SyncEvent, cause error) {
	d.releaseReservation(ctx, ev)

	id, err := d.deadLetters.Enqueue(ctx, ev, fmt.Sprintf("requeue after lock contention: %s", cause), 1)
	if err != nil {
		slog.Error("Failed to dead-letter unrequeueable event",
			"platform", ev.SourcePlatform,
			"delivery_id", ev.DeliveryID,
			"error", err)
		return
	}

	d.metrics.RecordEvent(ctx, string(ev.SourcePlatform), telemetry.OutcomeDeadLettered)
	if size, sizeErr := d.deadLetters.PendingCount(ctx); sizeErr == nil {
		d.metrics.RecordDeadLetterSize(ctx, size)
	}

	slog.Info("Event dead-lettered",
		"platform", ev.SourcePlatform,
		"delivery_id", ev.DeliveryID,
		"entry_id", id)
}

// releaseReservation flips the idempotency reservation to failed so a
// replay can re-reserve the delivery.
func (d *defaultDispatcher) releaseReservation(ctx context.Context, ev *event.SyncEvent) {
	if err := d.idempotency.Finalize(ctx, ev.SourcePlatform, ev.DeliveryID, store.OutcomeFailed); err != nil {
		slog.Error("Failed to release idempotency reservation",
			"platform", ev.SourcePlatform,
			"delivery_id", ev.DeliveryID,
			"error", err)
	}
}

// calculateSweepInterval returns the sweep interval with a random jitter applied.
func (d *defaultDispatcher) calculateSweepInterval() time.Duration {
	jitter := sweepJitter
	if jitter > d.sweepInterval/2 {
		jitter = d.sweepInterval / 2
	}
	if jitter <= 0 {
		return d.sweepInterval
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for sweep jitter
	jitterOffset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter
	return d.sweepInterval + jitterOffset
}

// runSweepLoop periodically replays aged pending dead-letter entries.
func (d *defaultDispatcher) runSweepLoop(ctx context.Context) {
	interval := d.calculateSweepInterval()
	slog.Info("Configured dead-letter sweep interval",
		"base_interval", d.sweepInterval,
		"actual_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.SweepDeadLetters(ctx); err != nil {
				slog.Error("Dead-letter sweep failed", "error", err)
			}
			ticker.Reset(d.calculateSweepInterval())
		case <-ctx.Done():
			slog.Info("Dead-letter sweep loop stopping")
			return
		}
	}
}

// SweepDeadLetters replays pending entries older than the configured
// minimum age, up to the batch size, and returns how many entries were
// replayed. Also invoked by the admin API.
func (d *defaultDispatcher) SweepDeadLetters(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-d.sweepMinAge)
	entries, err := d.deadLetters.ListPendingBefore(ctx, cutoff, d.sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending dead letters: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	slog.Info("Sweeping dead-letter entries", "count", len(entries))

	replayed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		retired, err := d.replayEntry(ctx, entry)
		if err != nil {
			slog.Warn("Dead-letter replay failed",
				"entry_id", entry.ID,
				"error", err)
			continue
		}
		if retired {
			replayed++
		}
	}

	if size, err := d.deadLetters.PendingCount(ctx); err == nil {
		d.metrics.RecordDeadLetterSize(ctx, size)
	}

	return replayed, nil
}

// Replay re-runs a single pending dead-letter entry through the full
// processing pipeline. Returns store.ErrEntryNotFound when the id is
// unknown and store.ErrEntryNotPending when the entry was already
// replayed or discarded.
func (d *defaultDispatcher) Replay(ctx context.Context, id uuid.UUID) error {
	entry, err := d.deadLetters.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != store.StatusPending {
		return store.ErrEntryNotPending
	}
	_, err = d.replayEntry(ctx, entry)
	return err
}

// replayEntry re-runs one dead-letter entry through the full pipeline.
// The replayed event passes the same dedup, lock, and policy path as a
// live delivery. Returns true when the entry was retired as replayed.
func (d *defaultDispatcher) replayEntry(ctx context.Context, entry *store.DeadLetterEntry) (bool, error) {
	ev := entry.Event

	if err := d.deadLetters.RecordAttempt(ctx, entry.ID, time.Now()); err != nil {
		return false, fmt.Errorf("record replay attempt: %w", err)
	}

	// Re-reserve the delivery: the controller released the reservation
	// when it dead-lettered the event.
	reserve, err := d.idempotency.CheckAndReserve(ctx, &ev)
	if err != nil {
		return false, fmt.Errorf("re-reserve replayed delivery: %w", err)
	}
	if reserve == store.Duplicate {
		// The delivery already went through another path. Retire the
		// entry without applying it again.
		if err := d.deadLetters.MarkReplayed(ctx, entry.ID); err != nil {
			return false, fmt.Errorf("retire duplicate entry: %w", err)
		}
		return true, nil
	}

	result, err := d.controller.Run(ctx, &ev)
	if err != nil {
		if errors.Is(err, pkgsync.ErrLockBusy) {
			// Leave it pending; the next sweep retries it. The
			// reservation goes back so that sweep can reserve again.
			d.releaseReservation(ctx, &ev)
			return false, nil
		}
		// The controller enqueued a fresh entry for the new failure;
		// retire this one so it is not replayed twice.
		if errors.Is(err, retry.ErrDeadLettered) {
			if markErr := d.deadLetters.MarkReplayed(ctx, entry.ID); markErr != nil {
				return false, fmt.Errorf("retire replayed entry: %w", markErr)
			}
			return false, err
		}
		d.releaseReservation(ctx, &ev)
		return false, err
	}

	if err := d.deadLetters.MarkReplayed(ctx, entry.ID); err != nil {
		return false, fmt.Errorf("mark entry replayed: %w", err)
	}

	d.metrics.RecordEvent(ctx, string(ev.SourcePlatform), telemetry.OutcomeReplayed)

	slog.Info("Dead-letter entry replayed",
		"entry_id", entry.ID,
		"outcome", result.Outcome,
		"platform", ev.SourcePlatform,
		"delivery_id", ev.DeliveryID)

	return true, nil
}
