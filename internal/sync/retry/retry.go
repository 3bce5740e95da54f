// Package retry runs sync attempts under an exponential backoff
// schedule with a bounded attempt budget. Events that exhaust the
// budget, or fail permanently, are handed to the dead-letter store.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/trackdock/syncbridge/internal/event"
	"github.com/trackdock/syncbridge/internal/platform"
	"github.com/trackdock/syncbridge/internal/store"
	"github.com/trackdock/syncbridge/internal/sync"
	"github.com/trackdock/syncbridge/internal/telemetry"
)

// Schedule defaults.
const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = time.Minute
)

// Controller retries failed sync attempts and dead-letters events that
// cannot be applied.
type Controller interface {
	// Run processes the event, retrying transient failures until the
	// attempt budget is spent. It returns the final result, or an error
	// when the event was dead-lettered or the context was cancelled.
	// ErrLockBusy is passed through untouched on whichever attempt it
	// occurs so the caller can re-enqueue instead of burning the budget.
	Run(ctx context.Context, ev *event.SyncEvent) (*sync.Result, error)
}

// ErrDeadLettered is returned when the event was moved to the
// dead-letter store.
var ErrDeadLettered = errors.New("event dead-lettered")

// defaultController is the default implementation of Controller
type defaultController struct {
	orchestrator sync.Orchestrator
	deadLetters  store.DeadLetterStore
	idempotency  store.IdempotencyStore

	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration

	clock   clockwork.Clock
	metrics *telemetry.BridgeMetrics
}

// Option is a function that configures the controller
type Option func(*defaultController)

// WithSchedule sets the attempt budget and delay bounds.
func WithSchedule(maxAttempts int, initialDelay, maxDelay time.Duration) Option {
	return func(c *defaultController) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if initialDelay > 0 {
			c.initialDelay = initialDelay
		}
		if maxDelay > 0 {
			c.maxDelay = maxDelay
		}
	}
}

// WithClock replaces the clock used for retry delays. Tests inject a
// fake clock to step through the schedule without sleeping.
func WithClock(clock clockwork.Clock) Option {
	return func(c *defaultController) {
		c.clock = clock
	}
}

// WithMetrics sets the bridge metrics for the controller.
func WithMetrics(metrics *telemetry.BridgeMetrics) Option {
	return func(c *defaultController) {
		c.metrics = metrics
	}
}

// New creates a new defaultController.
func New(orchestrator sync.Orchestrator, deadLetters store.DeadLetterStore, idempotency store.IdempotencyStore, opts ...Option) Controller {
	c := &defaultController{
		orchestrator: orchestrator,
		deadLetters:  deadLetters,
		idempotency:  idempotency,
		maxAttempts:  DefaultMaxAttempts,
		initialDelay: DefaultInitialDelay,
		maxDelay:     DefaultMaxDelay,
		clock:        clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Run processes the event under the retry schedule.
func (c *defaultController) Run(ctx context.Context, ev *event.SyncEvent) (*sync.Result, error) {
	// The deterministic base schedule: initialDelay doubling up to
	// maxDelay. Jitter is added separately per delay so the base
	// sequence stays strictly increasing and capped.
	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     c.initialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.maxDelay,
	}
	schedule.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, err := c.orchestrator.Process(ctx, ev)
		if err == nil {
			return result, nil
		}

		// Lock contention is not a failure; the dispatcher re-enqueues
		// the event without charging the attempt budget.
		if errors.Is(err, sync.ErrLockBusy) {
			return nil, err
		}

		lastErr = err

		if !platform.IsRetryable(err) {
			slog.Warn("Permanent failure, dead-lettering event",
				"platform", ev.SourcePlatform,
				"delivery_id", ev.DeliveryID,
				"attempt", attempt,
				"error", err)
			return nil, c.deadLetter(ctx, ev, err, attempt)
		}

		if attempt == c.maxAttempts {
			break
		}

		delay := withJitter(schedule.NextBackOff())
		slog.Info("Transient failure, retrying event",
			"platform", ev.SourcePlatform,
			"delivery_id", ev.DeliveryID,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		c.metrics.RecordEvent(ctx, string(ev.SourcePlatform), telemetry.OutcomeRetried)

		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	slog.Warn("Retry budget exhausted, dead-lettering event",
		"platform", ev.SourcePlatform,
		"delivery_id", ev.DeliveryID,
		"attempts", c.maxAttempts,
		"error", lastErr)
	return nil, c.deadLetter(ctx, ev, lastErr, c.maxAttempts)
}

// deadLetter moves the event to the dead-letter store and releases its
// idempotency reservation so a replay can re-reserve the delivery.
func (c *defaultController) deadLetter(ctx context.Context, ev *event.SyncEvent, cause error, attempts int) error {
	if relErr := c.idempotency.Finalize(ctx, ev.SourcePlatform, ev.DeliveryID, store.OutcomeFailed); relErr != nil {
		slog.Error("Failed to release idempotency reservation",
			"platform", ev.SourcePlatform,
			"delivery_id", ev.DeliveryID,
			"error", relErr)
	}

	id, err := c.deadLetters.Enqueue(ctx, ev, cause.Error(), attempts)
	if err != nil {
		return fmt.Errorf("dead-letter event %s/%s: %w", ev.SourcePlatform, ev.DeliveryID, err)
	}

	c.metrics.RecordEvent(ctx, string(ev.SourcePlatform), telemetry.OutcomeDeadLettered)
	if size, sizeErr := c.deadLetters.PendingCount(ctx); sizeErr == nil {
		c.metrics.RecordDeadLetterSize(ctx, size)
	}

	slog.Info("Event dead-lettered",
		"platform", ev.SourcePlatform,
		"delivery_id", ev.DeliveryID,
		"entry_id", id)

	return fmt.Errorf("%w: %s", ErrDeadLettered, cause)
}

// withJitter adds a uniform random offset in [0, delay) to spread
// retries from concurrent workers.
func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for retry jitter
	return delay + rand.N(delay)
}
