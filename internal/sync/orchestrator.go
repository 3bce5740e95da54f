package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/trackdock/syncbridge/internal/event"
	"github.com/trackdock/syncbridge/internal/platform"
	"github.com/trackdock/syncbridge/internal/store"
	"github.com/trackdock/syncbridge/internal/telemetry"
)

// Outcome is the terminal result of processing one event attempt.
type Outcome string

const (
	// OutcomeApplied means the change was pushed to the counterpart platform.
	OutcomeApplied Outcome = "applied"

	// OutcomeSkipped means the conflict policy rejected the incoming change.
	OutcomeSkipped Outcome = "skipped"
)

// Result contains the result of a successful processing attempt.
type Result struct {
	Outcome Outcome

	// CanonicalEntityID is set for applied and skipped outcomes.
	CanonicalEntityID uuid.UUID
}

// ErrLockBusy is returned when the entity is locked by another worker.
// The caller should re-enqueue the event instead of failing it.
var ErrLockBusy = errors.New("entity lock busy")

// Orchestrator processes one normalized event end to end.
type Orchestrator interface {
	// Process runs a single attempt for the event: lock the entity,
	// resolve the identity mapping, apply the conflict policy, and push
	// the change to the counterpart platform. The caller must hold a
	// reservation for the delivery in the idempotency store; Process
	// finalizes it with the terminal outcome on success.
	Process(ctx context.Context, ev *event.SyncEvent) (*Result, error)
}

// defaultOrchestrator is the default implementation of Orchestrator
type defaultOrchestrator struct {
	idempotency store.IdempotencyStore
	locks       store.LockManager
	mappings    store.MappingStore
	clients     map[event.SourcePlatform]platform.Client

	policy          string
	defaultPlatform event.SourcePlatform
	leaseDuration   time.Duration

	metrics *telemetry.BridgeMetrics
}

// Option is a function that configures the orchestrator
type Option func(*defaultOrchestrator)

// WithPolicy sets the conflict resolution policy and the platform that
// wins equal-timestamp ties under last-writer-wins.
func WithPolicy(policy string, defaultPlatform event.SourcePlatform) Option {
	return func(o *defaultOrchestrator) {
		o.policy = policy
		o.defaultPlatform = defaultPlatform
	}
}

// WithLeaseDuration sets the entity lock lease.
func WithLeaseDuration(lease time.Duration) Option {
	return func(o *defaultOrchestrator) {
		o.leaseDuration = lease
	}
}

// WithMetrics sets the bridge metrics for the orchestrator.
func WithMetrics(metrics *telemetry.BridgeMetrics) Option {
	return func(o *defaultOrchestrator) {
		o.metrics = metrics
	}
}

// NewOrchestrator creates a new defaultOrchestrator. clients maps each
// platform to the client used to apply changes on it.
func NewOrchestrator(
	idempotency store.IdempotencyStore,
	locks store.LockManager,
	mappings store.MappingStore,
	clients map[event.SourcePlatform]platform.Client,
	opts ...Option,
) Orchestrator {
	o := &defaultOrchestrator{
		idempotency:     idempotency,
		locks:           locks,
		mappings:        mappings,
		clients:         clients,
		policy:          PolicyLastWriterWins,
		defaultPlatform: event.PlatformTracker,
		leaseDuration:   30 * time.Second,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Process runs a single attempt for the event. The delivery was
// reserved in the idempotency store at ingress, so redeliveries are
// rejected there while the event is in flight.
func (o *defaultOrchestrator) Process(ctx context.Context, ev *event.SyncEvent) (*Result, error) {
	start := time.Now()

	mapping, err := o.resolveMapping(ctx, ev)
	if err != nil {
		return nil, err
	}

	handle, err := o.locks.Acquire(ctx, mapping.CanonicalEntityID, o.leaseDuration)
	if err != nil {
		if errors.Is(err, store.ErrLockBusy) {
			slog.Debug("Entity lock busy, deferring event",
				"entity", mapping.CanonicalEntityID, "delivery_id", ev.DeliveryID)
			o.metrics.RecordEvent(ctx, string(ev.SourcePlatform), telemetry.OutcomeLockBusy)
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("acquire lock for %s: %w", mapping.CanonicalEntityID, err)
	}
	defer func() {
		if releaseErr := o.locks.Release(ctx, handle); releaseErr != nil {
			slog.Error("Failed to release entity lock",
				"entity", mapping.CanonicalEntityID, "error", releaseErr)
		}
	}()

	ev.CanonicalEntityID = mapping.CanonicalEntityID

	if !shouldApply(o.policy, o.defaultPlatform, ev, mapping) {
		slog.Info("Conflict policy rejected incoming change",
			"entity", mapping.CanonicalEntityID,
			"platform", ev.SourcePlatform,
			"policy", o.policy)
		if err := o.idempotency.Finalize(ctx, ev.SourcePlatform, ev.DeliveryID, store.OutcomeSkipped); err != nil {
			return nil, fmt.Errorf("finalize skipped event: %w", err)
		}
		o.metrics.RecordEvent(ctx, string(ev.SourcePlatform), telemetry.OutcomeSkipped)
		return &Result{Outcome: OutcomeSkipped, CanonicalEntityID: mapping.CanonicalEntityID}, nil
	}

	if err := o.applyToCounterpart(ctx, ev, mapping); err != nil {
		return nil, err
	}

	if err := o.idempotency.Finalize(ctx, ev.SourcePlatform, ev.DeliveryID, store.OutcomeApplied); err != nil {
		return nil, fmt.Errorf("finalize applied event: %w", err)
	}

	o.metrics.RecordEvent(ctx, string(ev.SourcePlatform), telemetry.OutcomeApplied)
	o.metrics.RecordProcessLatency(ctx, string(ev.SourcePlatform), time.Since(start))

	slog.Info("Event applied",
		"entity", mapping.CanonicalEntityID,
		"platform", ev.SourcePlatform,
		"action", ev.Action,
		"delivery_id", ev.DeliveryID)

	return &Result{Outcome: OutcomeApplied, CanonicalEntityID: mapping.CanonicalEntityID}, nil
}

// resolveMapping finds the identity mapping for the event's entity,
// minting a canonical id and creating the mapping when the entity has
// not been seen before.
func (o *defaultOrchestrator) resolveMapping(ctx context.Context, ev *event.SyncEvent) (*store.Mapping, error) {
	mapping, err := o.mappings.ResolveByExternalID(ctx, ev.SourcePlatform, ev.EntityExternalID)
	if err == nil {
		return mapping, nil
	}
	if !errors.Is(err, store.ErrMappingNotFound) {
		return nil, fmt.Errorf("resolve mapping for %s/%s: %w", ev.SourcePlatform, ev.EntityExternalID, err)
	}

	mapping = &store.Mapping{
		CanonicalEntityID: uuid.New(),
		EntityKind:        ev.EntityKind,
	}
	externalID := ev.EntityExternalID
	if ev.SourcePlatform == event.PlatformTracker {
		mapping.TrackerExternalID = &externalID
	} else {
		mapping.DocumentExternalID = &externalID
	}

	if err := o.mappings.Create(ctx, mapping); err != nil {
		// A concurrent event for the same entity may have created the
		// mapping first. Re-resolve before giving up.
		if existing, resolveErr := o.mappings.ResolveByExternalID(ctx, ev.SourcePlatform, ev.EntityExternalID); resolveErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create mapping for %s/%s: %w", ev.SourcePlatform, ev.EntityExternalID, err)
	}

	slog.Info("Created identity mapping",
		"entity", mapping.CanonicalEntityID,
		"kind", mapping.EntityKind,
		"platform", ev.SourcePlatform,
		"external_id", ev.EntityExternalID)

	return mapping, nil
}

// applyToCounterpart pushes the change to the other platform and
// records the assigned external id and sync watermark.
func (o *defaultOrchestrator) applyToCounterpart(ctx context.Context, ev *event.SyncEvent, mapping *store.Mapping) error {
	counterpart := ev.SourcePlatform.Counterpart()
	client, ok := o.clients[counterpart]
	if !ok {
		return &platform.Error{
			Kind:    platform.KindPermanent,
			Message: fmt.Sprintf("no client configured for platform %s", counterpart),
		}
	}

	counterpartID := ""
	if id := mapping.ExternalIDFor(counterpart); id != nil {
		counterpartID = *id
	}

	result, err := client.Apply(ctx, ev, counterpartID)
	o.recordAPICall(ctx, counterpart, err)
	if err != nil {
		return fmt.Errorf("apply to %s: %w", counterpart, err)
	}

	if result.ExternalID != "" {
		if err := o.mappings.SetCounterpartID(ctx, mapping.CanonicalEntityID, counterpart, result.ExternalID); err != nil {
			return fmt.Errorf("record counterpart id for %s: %w", mapping.CanonicalEntityID, err)
		}
	}

	if err := o.mappings.MarkSynced(ctx, mapping.CanonicalEntityID, ev.SourcePlatform, ev.Payload.UpdatedAt); err != nil {
		return fmt.Errorf("mark mapping synced for %s: %w", mapping.CanonicalEntityID, err)
	}

	return nil
}

// recordAPICall counts the apply call and any rate-limit hit.
func (o *defaultOrchestrator) recordAPICall(ctx context.Context, counterpart event.SourcePlatform, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		var pe *platform.Error
		if errors.As(err, &pe) {
			outcome = string(pe.Kind)
			// Platforms attach rate-limit headers to ordinary errors
			// too; only a 429 is an actual rate-limit rejection.
			if pe.StatusCode == http.StatusTooManyRequests {
				o.metrics.RecordRateLimitHit(ctx, string(counterpart))
			}
		}
	}
	o.metrics.RecordPlatformAPICall(ctx, string(counterpart), outcome)
}
