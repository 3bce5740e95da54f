package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackdock/syncbridge/internal/event"
	"github.com/trackdock/syncbridge/internal/store"
	"github.com/trackdock/syncbridge/internal/store/inmemory"
)

// fakeDispatcher routes Replay through the backing store so the handler
// tests observe real status transitions.
type fakeDispatcher struct {
	deadLetters   store.DeadLetterStore
	replayErr     error
	sweepErr      error
	sweepReplayed int
	sweeps        int
	replayed      []uuid.UUID
}

func (*fakeDispatcher) Enqueue(_ *event.SyncEvent) error { return nil }
func (*fakeDispatcher) Start(_ context.Context) error    { return nil }
func (*fakeDispatcher) Stop() error                      { return nil }

func (f *fakeDispatcher) Replay(ctx context.Context, id uuid.UUID) error {
	if f.replayErr != nil {
		return f.replayErr
	}
	if err := f.deadLetters.MarkReplayed(ctx, id); err != nil {
		return err
	}
	f.replayed = append(f.replayed, id)
	return nil
}

func (f *fakeDispatcher) SweepDeadLetters(_ context.Context) (int, error) {
	f.sweeps++
	return f.sweepReplayed, f.sweepErr
}

func parkedEvent(externalID string) *event.SyncEvent {
	ev := &event.SyncEvent{
		SourcePlatform:   event.PlatformTracker,
		DeliveryID:       uuid.NewString(),
		EntityKind:       event.KindIssue,
		EntityExternalID: externalID,
		Action:           event.ActionUpdated,
		ReceivedAt:       time.Now().UTC(),
		Payload: event.Payload{
			Title:     "stuck issue",
			UpdatedAt: time.Now().UTC(),
		},
	}
	ev.ContentHash = event.ComputeContentHash(ev)
	return ev
}

type fixture struct {
	deadLetters *inmemory.DeadLetterStore
	idempotency *inmemory.IdempotencyStore
	dispatcher  *fakeDispatcher
	handler     http.Handler
}

func newFixture() *fixture {
	deadLetters := inmemory.NewDeadLetterStore()
	idempotency := inmemory.NewIdempotencyStore()
	d := &fakeDispatcher{deadLetters: deadLetters}
	return &fixture{
		deadLetters: deadLetters,
		idempotency: idempotency,
		dispatcher:  d,
		handler:     Router(deadLetters, idempotency, d),
	}
}

func (f *fixture) park(t *testing.T, externalID string) uuid.UUID {
	t.Helper()
	id, err := f.deadLetters.Enqueue(context.Background(), parkedEvent(externalID), "apply failed: 503", 5)
	require.NoError(t, err)
	return id
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestListDeadLetters(t *testing.T) {
	t.Parallel()

	f := newFixture()
	first := f.park(t, "gh-1")
	f.park(t, "gh-2")
	require.NoError(t, f.deadLetters.MarkDiscarded(context.Background(), first))

	t.Run("all entries", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/deadletters")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("status filter", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/deadletters?status=pending")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, store.StatusPending, resp.Entries[0].Status)
		assert.Equal(t, "gh-2", resp.Entries[0].Event.EntityExternalID)
	})

	t.Run("limit", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/deadletters?limit=1")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("invalid status", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/deadletters?status=bogus")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid limit", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/deadletters?limit=-3")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestReplayAll(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.dispatcher.sweepReplayed = 2
	rec := f.do(http.MethodPost, "/deadletters/replay")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.dispatcher.sweeps)

	// The response reports how many entries the sweep replayed.
	var resp SweepResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sweep-completed", resp.Status)
	assert.Equal(t, 2, resp.Replayed)
}

func TestReplayAllSweepError(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.dispatcher.sweepErr = context.DeadlineExceeded
	rec := f.do(http.MethodPost, "/deadletters/replay")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReplayOne(t *testing.T) {
	t.Parallel()

	f := newFixture()
	id := f.park(t, "gh-3")

	rec := f.do(http.MethodPost, "/deadletters/"+id.String()+"/replay")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ActionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "replayed", resp.Status)
	assert.Equal(t, id.String(), resp.ID)

	entry, err := f.deadLetters.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReplayed, entry.Status)
}

func TestReplayOneErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		target     func(f *fixture, t *testing.T) string
		wantStatus int
	}{
		{
			name: "unknown entry",
			target: func(_ *fixture, _ *testing.T) string {
				return "/deadletters/" + uuid.NewString() + "/replay"
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "already discarded",
			target: func(f *fixture, t *testing.T) string {
				t.Helper()
				id := f.park(t, "gh-4")
				require.NoError(t, f.deadLetters.MarkDiscarded(context.Background(), id))
				return "/deadletters/" + id.String() + "/replay"
			},
			wantStatus: http.StatusConflict,
		},
		{
			name: "malformed id",
			target: func(_ *fixture, _ *testing.T) string {
				return "/deadletters/not-a-uuid/replay"
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture()
			rec := f.do(http.MethodPost, tt.target(f, t))
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestPruneIdempotency(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	// One finalized record eligible for pruning with a zero retention.
	ev := parkedEvent("gh-9")
	result, err := f.idempotency.CheckAndReserve(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, store.Fresh, result)
	require.NoError(t, f.idempotency.Finalize(ctx, ev.SourcePlatform, ev.DeliveryID, store.OutcomeApplied))

	t.Run("prunes finalized records", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/idempotency/prune?retention=1ns")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp PruneResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(1), resp.Pruned)
	})

	t.Run("invalid retention", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/idempotency/prune?retention=yesterday")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("negative retention", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/idempotency/prune?retention=-5m")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDiscardOne(t *testing.T) {
	t.Parallel()

	f := newFixture()
	id := f.park(t, "gh-5")

	rec := f.do(http.MethodPost, "/deadletters/"+id.String()+"/discard")
	require.Equal(t, http.StatusOK, rec.Code)

	entry, err := f.deadLetters.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDiscarded, entry.Status)

	// Discarding again conflicts.
	rec = f.do(http.MethodPost, "/deadletters/"+id.String()+"/discard")
	assert.Equal(t, http.StatusConflict, rec.Code)
}
