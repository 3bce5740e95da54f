package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func baseEvent() *SyncEvent {
	return &SyncEvent{
		SourcePlatform:   PlatformTracker,
		DeliveryID:       "delivery-1",
		EntityKind:       KindIssue,
		EntityExternalID: "TRK-1",
		Action:           ActionUpdated,
		Payload: Payload{
			Title:     "fix login",
			Body:      "the login page 500s",
			Status:    "open",
			Labels:    []string{"bug", "auth"},
			UpdatedAt: time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC),
		},
		ReceivedAt: time.Date(2026, 1, 15, 9, 30, 5, 0, time.UTC),
	}
}

func TestComputeContentHash(t *testing.T) {
	t.Parallel()

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()

		a := ComputeContentHash(baseEvent())
		b := ComputeContentHash(baseEvent())
		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("delivery id does not participate", func(t *testing.T) {
		t.Parallel()

		a := baseEvent()
		b := baseEvent()
		b.DeliveryID = "redelivery-99"
		b.ReceivedAt = b.ReceivedAt.Add(time.Hour)
		assert.Equal(t, ComputeContentHash(a), ComputeContentHash(b))
	})

	t.Run("label order does not participate", func(t *testing.T) {
		t.Parallel()

		a := baseEvent()
		a.Payload.Labels = []string{"auth", "bug"}
		b := baseEvent()
		b.Payload.Labels = []string{"bug", "auth"}
		assert.Equal(t, ComputeContentHash(a), ComputeContentHash(b))
	})

	t.Run("timezone does not participate", func(t *testing.T) {
		t.Parallel()

		a := baseEvent()
		b := baseEvent()
		b.Payload.UpdatedAt = b.Payload.UpdatedAt.In(time.FixedZone("CET", 3600))
		assert.Equal(t, ComputeContentHash(a), ComputeContentHash(b))
	})

	t.Run("body change alters hash", func(t *testing.T) {
		t.Parallel()

		a := baseEvent()
		b := baseEvent()
		b.Payload.Body = "the login page 404s"
		assert.NotEqual(t, ComputeContentHash(a), ComputeContentHash(b))
	})

	t.Run("platform participates", func(t *testing.T) {
		t.Parallel()

		a := baseEvent()
		b := baseEvent()
		b.SourcePlatform = PlatformDocument
		assert.NotEqual(t, ComputeContentHash(a), ComputeContentHash(b))
	})

	t.Run("does not mutate labels", func(t *testing.T) {
		t.Parallel()

		ev := baseEvent()
		ev.Payload.Labels = []string{"zebra", "apple"}
		ComputeContentHash(ev)
		assert.Equal(t, []string{"zebra", "apple"}, ev.Payload.Labels)
	})
}
