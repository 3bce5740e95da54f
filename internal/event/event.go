// Package event defines the canonical representation of inbound platform
// changes and the per-platform normalizers that produce it.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourcePlatform identifies which external platform emitted a webhook.
type SourcePlatform string

const (
	// PlatformTracker is the issue tracker side of the bridge.
	PlatformTracker SourcePlatform = "tracker"

	// PlatformDocument is the structured-document database side of the bridge.
	PlatformDocument SourcePlatform = "document"
)

// Valid reports whether the platform is one of the known sources.
func (p SourcePlatform) Valid() bool {
	return p == PlatformTracker || p == PlatformDocument
}

// Counterpart returns the platform on the other side of the bridge.
func (p SourcePlatform) Counterpart() SourcePlatform {
	if p == PlatformTracker {
		return PlatformDocument
	}
	return PlatformTracker
}

// ParsePlatform converts a URL or config string into a SourcePlatform.
func ParsePlatform(s string) (SourcePlatform, error) {
	p := SourcePlatform(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown source platform %q", s)
	}
	return p, nil
}

// EntityKind identifies the kind of entity a change applies to.
type EntityKind string

const (
	// KindIssue is a tracker issue or its mirrored document record.
	KindIssue EntityKind = "issue"

	// KindComment is a comment attached to an issue or document.
	KindComment EntityKind = "comment"
)

// Action describes what happened to the entity.
type Action string

const (
	// ActionCreated indicates the entity was created.
	ActionCreated Action = "created"

	// ActionUpdated indicates the entity's fields were edited.
	ActionUpdated Action = "updated"

	// ActionClosed indicates the entity was closed or archived.
	ActionClosed Action = "closed"

	// ActionCommented indicates a comment was added to the entity.
	ActionCommented Action = "commented"
)

// Payload is the normalized field set carried by a SyncEvent.
// Labels are kept sorted so the content hash is order-independent.
type Payload struct {
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	Status    string    `json:"status,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncEvent is the canonical representation of one inbound change.
//
// DeliveryID is unique per source platform and forms the primary
// deduplication key. ContentHash over the normalized payload catches
// redeliveries that arrive under a regenerated delivery id.
type SyncEvent struct {
	SourcePlatform   SourcePlatform `json:"source_platform"`
	DeliveryID       string         `json:"delivery_id"`
	ContentHash      string         `json:"content_hash"`
	EntityKind       EntityKind     `json:"entity_kind"`
	EntityExternalID string         `json:"entity_external_id"`

	// CanonicalEntityID is resolved against the mapping table by the
	// orchestrator; it is zero until the event reaches the Mapped state.
	CanonicalEntityID uuid.UUID `json:"canonical_entity_id,omitempty"`

	Action     Action    `json:"action"`
	Payload    Payload   `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Validate checks the structural invariants of a canonical event.
func (e *SyncEvent) Validate() error {
	if !e.SourcePlatform.Valid() {
		return fmt.Errorf("invalid source platform %q", e.SourcePlatform)
	}
	if e.DeliveryID == "" {
		return fmt.Errorf("delivery id is required")
	}
	if e.EntityExternalID == "" {
		return fmt.Errorf("entity external id is required")
	}
	switch e.Action {
	case ActionCreated, ActionUpdated, ActionClosed, ActionCommented:
	default:
		return fmt.Errorf("invalid action %q", e.Action)
	}
	return nil
}
