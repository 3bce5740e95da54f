// Package webhooks provides the webhook ingress handlers of the bridge API.
package webhooks

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trackdock/syncbridge/internal/api/common"
	"github.com/trackdock/syncbridge/internal/event"
	"github.com/trackdock/syncbridge/internal/store"
	"github.com/trackdock/syncbridge/internal/sync/dispatcher"
	"github.com/trackdock/syncbridge/internal/telemetry"
	"github.com/trackdock/syncbridge/internal/webhook"
)

// maxBodySize caps webhook payloads at 1 MiB.
const maxBodySize = 1 << 20

// AcceptedResponse acknowledges a reserved delivery. Status is
// "accepted" for fresh deliveries and "duplicate" for redeliveries.
type AcceptedResponse struct {
	Status     string `json:"status" example:"accepted"`
	DeliveryID string `json:"delivery_id,omitempty"`
}

// Routes defines the routes for webhook ingress with dependency injection
type Routes struct {
	verifier    *webhook.Verifier
	dispatcher  dispatcher.Dispatcher
	idempotency store.IdempotencyStore
	metrics     *telemetry.BridgeMetrics
}

// NewRoutes creates a new Routes instance with the provided dependencies
func NewRoutes(verifier *webhook.Verifier, d dispatcher.Dispatcher, idempotency store.IdempotencyStore, metrics *telemetry.BridgeMetrics) *Routes {
	return &Routes{
		verifier:    verifier,
		dispatcher:  d,
		idempotency: idempotency,
		metrics:     metrics,
	}
}

// Router creates a new router for webhook ingress
func Router(verifier *webhook.Verifier, d dispatcher.Dispatcher, idempotency store.IdempotencyStore, metrics *telemetry.BridgeMetrics) http.Handler {
	routes := NewRoutes(verifier, d, idempotency, metrics)

	r := chi.NewRouter()

	r.Post("/{platform}", routes.handleWebhook)

	return r
}

// handleWebhook handles POST /webhooks/{platform}
func (wr *Routes) handleWebhook(w http.ResponseWriter, r *http.Request) {
	receivedAt := time.Now().UTC()

	name, err := common.GetAndValidateURLParam(r, "platform")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	platform, err := event.ParsePlatform(name)
	if err != nil {
		wr.metrics.RecordEvent(r.Context(), name, telemetry.OutcomeRejectedUnknownSource)
		common.WriteErrorResponse(w, "unknown platform", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		common.WriteErrorResponse(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodySize {
		common.WriteErrorResponse(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := wr.verifier.Verify(platform, body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		outcome := telemetry.OutcomeRejectedSignature
		if errors.Is(err, webhook.ErrUnknownPlatform) {
			outcome = telemetry.OutcomeRejectedUnknownSource
		}
		wr.metrics.RecordEvent(r.Context(), string(platform), outcome)
		slog.Warn("Rejected webhook delivery",
			"platform", platform,
			"remote_addr", r.RemoteAddr,
			"error", err)
		common.WriteErrorResponse(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	deliveryID := r.Header.Get(webhook.DeliveryIDHeader)
	if deliveryID == "" {
		wr.metrics.RecordEvent(r.Context(), string(platform), telemetry.OutcomeMalformed)
		common.WriteErrorResponse(w, "missing delivery id header", http.StatusBadRequest)
		return
	}

	normalizer, err := event.NormalizerFor(platform)
	if err != nil {
		common.WriteErrorResponse(w, "unknown platform", http.StatusNotFound)
		return
	}

	ev, err := normalizer.Normalize(body, deliveryID, receivedAt)
	if err != nil {
		wr.metrics.RecordEvent(r.Context(), string(platform), telemetry.OutcomeMalformed)
		slog.Warn("Malformed webhook payload",
			"platform", platform,
			"delivery_id", deliveryID,
			"error", err)
		common.WriteErrorResponse(w, "malformed payload", http.StatusBadRequest)
		return
	}

	// Reserve the delivery before acknowledging so a crash between the
	// 200 and the queue drain never loses the dedup record. Duplicates
	// are acknowledged without a second enqueue; the sender has nothing
	// to redeliver.
	reserve, err := wr.idempotency.CheckAndReserve(r.Context(), ev)
	if err != nil {
		slog.Error("Failed to reserve webhook delivery",
			"platform", platform,
			"delivery_id", deliveryID,
			"error", err)
		common.WriteErrorResponse(w, "failed to reserve delivery", http.StatusInternalServerError)
		return
	}
	if reserve == store.Duplicate {
		slog.Debug("Duplicate webhook delivery",
			"platform", platform,
			"delivery_id", deliveryID)
		wr.metrics.RecordEvent(r.Context(), string(platform), telemetry.OutcomeSkipped)
		common.WriteJSONResponse(w, AcceptedResponse{
			Status:     "duplicate",
			DeliveryID: deliveryID,
		}, http.StatusOK)
		return
	}

	if err := wr.dispatcher.Enqueue(ev); err != nil {
		// Hand the reservation back so a redelivery is not dropped as a
		// duplicate of an event that never reached the queue.
		if relErr := wr.idempotency.Finalize(r.Context(), ev.SourcePlatform, ev.DeliveryID, store.OutcomeFailed); relErr != nil {
			slog.Error("Failed to release idempotency reservation",
				"platform", platform,
				"delivery_id", deliveryID,
				"error", relErr)
		}
		slog.Error("Failed to enqueue webhook event",
			"platform", platform,
			"delivery_id", deliveryID,
			"error", err)
		common.WriteErrorResponse(w, "ingest queue full", http.StatusServiceUnavailable)
		return
	}

	common.WriteJSONResponse(w, AcceptedResponse{
		Status:     "accepted",
		DeliveryID: deliveryID,
	}, http.StatusOK)
}
