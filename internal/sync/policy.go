package sync

import (
	"github.com/trackdock/syncbridge/internal/event"
	"github.com/trackdock/syncbridge/internal/store"
)

// Conflict resolution policies.
const (
	// PolicyTrackerWins resolves conflicts in favor of the issue tracker.
	PolicyTrackerWins = "tracker-wins"

	// PolicyDocumentWins resolves conflicts in favor of the document database.
	PolicyDocumentWins = "document-wins"

	// PolicyLastWriterWins resolves conflicts by payload timestamp.
	PolicyLastWriterWins = "last-writer-wins"
)

// shouldApply decides whether the incoming change is pushed to the
// counterpart platform.
//
// A change that is strictly newer than the mapping's sync watermark is
// never in conflict and is always applied. A change at or behind the
// watermark conflicts with a change already synced from the other side,
// and the policy picks the winner:
//
//   - tracker-wins / document-wins: the favored platform's change is
//     applied, the other side's is skipped.
//   - last-writer-wins: the newer change wins. An exact timestamp tie
//     goes to defaultPlatform.
func shouldApply(policy string, defaultPlatform event.SourcePlatform, ev *event.SyncEvent, mapping *store.Mapping) bool {
	if mapping.LastSyncedAt == nil {
		return true
	}

	watermark := *mapping.LastSyncedAt
	if ev.Payload.UpdatedAt.After(watermark) {
		return true
	}

	switch policy {
	case PolicyTrackerWins:
		return ev.SourcePlatform == event.PlatformTracker
	case PolicyDocumentWins:
		return ev.SourcePlatform == event.PlatformDocument
	default: // last-writer-wins
		if ev.Payload.UpdatedAt.Equal(watermark) {
			// Echo suppression: the watermark the event ties with was
			// set by this platform's own last applied change.
			if mapping.LastSourceOfTruth == ev.SourcePlatform {
				return false
			}
			return ev.SourcePlatform == defaultPlatform
		}
		return false
	}
}
