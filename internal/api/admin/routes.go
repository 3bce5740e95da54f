// Package admin provides the operator endpoints of the bridge API.
package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/trackdock/syncbridge/internal/api/common"
	"github.com/trackdock/syncbridge/internal/store"
	"github.com/trackdock/syncbridge/internal/sync/dispatcher"
)

// defaultListLimit bounds GET /deadletters responses.
const defaultListLimit = 100

// ListResponse is the dead-letter listing payload.
type ListResponse struct {
	Entries []*store.DeadLetterEntry `json:"entries"`
	Count   int                      `json:"count"`
}

// ActionResponse reports the result of a replay or discard.
type ActionResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

// SweepResponse reports how many entries a manual sweep replayed.
type SweepResponse struct {
	Status   string `json:"status"`
	Replayed int    `json:"replayed"`
}

// Routes defines the operator routes with dependency injection
type Routes struct {
	deadLetters store.DeadLetterStore
	idempotency store.IdempotencyStore
	dispatcher  dispatcher.Dispatcher
}

// NewRoutes creates a new Routes instance with the provided dependencies
func NewRoutes(deadLetters store.DeadLetterStore, idempotency store.IdempotencyStore, d dispatcher.Dispatcher) *Routes {
	return &Routes{
		deadLetters: deadLetters,
		idempotency: idempotency,
		dispatcher:  d,
	}
}

// Router creates a new router for the operator endpoints
func Router(deadLetters store.DeadLetterStore, idempotency store.IdempotencyStore, d dispatcher.Dispatcher) http.Handler {
	routes := NewRoutes(deadLetters, idempotency, d)

	r := chi.NewRouter()

	r.Get("/deadletters", routes.listDeadLetters)
	r.Post("/deadletters/replay", routes.replayAll)
	r.Post("/deadletters/{id}/replay", routes.replayOne)
	r.Post("/deadletters/{id}/discard", routes.discardOne)
	r.Post("/idempotency/prune", routes.pruneIdempotency)

	return r
}

// listDeadLetters handles GET /admin/deadletters
func (ar *Routes) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	status := store.DeadLetterStatus(r.URL.Query().Get("status"))
	switch status {
	case "", store.StatusPending, store.StatusReplayed, store.StatusDiscarded:
	default:
		common.WriteErrorResponse(w, "invalid status filter", http.StatusBadRequest)
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			common.WriteErrorResponse(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := ar.deadLetters.List(r.Context(), status, limit)
	if err != nil {
		slog.Error("Failed to list dead-letter entries", "error", err)
		common.WriteErrorResponse(w, "failed to list dead-letter entries", http.StatusInternalServerError)
		return
	}

	common.WriteJSONResponse(w, ListResponse{Entries: entries, Count: len(entries)}, http.StatusOK)
}

// replayAll handles POST /admin/deadletters/replay
func (ar *Routes) replayAll(w http.ResponseWriter, r *http.Request) {
	replayed, err := ar.dispatcher.SweepDeadLetters(r.Context())
	if err != nil {
		slog.Error("Manual dead-letter sweep failed", "error", err)
		common.WriteErrorResponse(w, "sweep failed", http.StatusInternalServerError)
		return
	}

	common.WriteJSONResponse(w, SweepResponse{Status: "sweep-completed", Replayed: replayed}, http.StatusOK)
}

// replayOne handles POST /admin/deadletters/{id}/replay
func (ar *Routes) replayOne(w http.ResponseWriter, r *http.Request) {
	id, ok := ar.entryID(w, r)
	if !ok {
		return
	}

	if err := ar.dispatcher.Replay(r.Context(), id); err != nil {
		ar.writeEntryError(w, id, "replay", err)
		return
	}

	common.WriteJSONResponse(w, ActionResponse{Status: "replayed", ID: id.String()}, http.StatusOK)
}

// discardOne handles POST /admin/deadletters/{id}/discard
func (ar *Routes) discardOne(w http.ResponseWriter, r *http.Request) {
	id, ok := ar.entryID(w, r)
	if !ok {
		return
	}

	if err := ar.deadLetters.MarkDiscarded(r.Context(), id); err != nil {
		ar.writeEntryError(w, id, "discard", err)
		return
	}

	common.WriteJSONResponse(w, ActionResponse{Status: "discarded", ID: id.String()}, http.StatusOK)
}

// defaultRetention is how far back prune keeps finalized idempotency
// records when no retention is given.
const defaultRetention = 30 * 24 * time.Hour

// PruneResponse reports how many idempotency records were removed.
type PruneResponse struct {
	Pruned int64 `json:"pruned"`
}

// pruneIdempotency handles POST /admin/idempotency/prune
func (ar *Routes) pruneIdempotency(w http.ResponseWriter, r *http.Request) {
	retention := defaultRetention
	if raw := r.URL.Query().Get("retention"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			common.WriteErrorResponse(w, "invalid retention", http.StatusBadRequest)
			return
		}
		retention = parsed
	}

	pruned, err := ar.idempotency.PruneBefore(r.Context(), time.Now().UTC().Add(-retention))
	if err != nil {
		slog.Error("Failed to prune idempotency records", "error", err)
		common.WriteErrorResponse(w, "prune failed", http.StatusInternalServerError)
		return
	}

	slog.Info("Pruned idempotency records", "count", pruned, "retention", retention)
	common.WriteJSONResponse(w, PruneResponse{Pruned: pruned}, http.StatusOK)
}

// entryID extracts and parses the {id} URL parameter.
func (*Routes) entryID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw, err := common.GetAndValidateURLParam(r, "id")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return uuid.Nil, false
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		common.WriteErrorResponse(w, "invalid entry id", http.StatusBadRequest)
		return uuid.Nil, false
	}

	return id, true
}

// writeEntryError maps store errors to HTTP statuses.
func (*Routes) writeEntryError(w http.ResponseWriter, id uuid.UUID, action string, err error) {
	switch {
	case errors.Is(err, store.ErrEntryNotFound):
		common.WriteErrorResponse(w, "entry not found", http.StatusNotFound)
	case errors.Is(err, store.ErrEntryNotPending):
		common.WriteErrorResponse(w, "entry is not pending", http.StatusConflict)
	default:
		slog.Error("Dead-letter action failed",
			"entry_id", id,
			"action", action,
			"error", err)
		common.WriteErrorResponse(w, action+" failed", http.StatusInternalServerError)
	}
}
