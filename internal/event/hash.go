package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// canonicalContent is the subset of an event that participates in the
// content hash. Delivery id and receipt time are deliberately excluded:
// a redelivery with a regenerated delivery id must hash identically.
type canonicalContent struct {
	SourcePlatform   SourcePlatform `json:"source_platform"`
	EntityKind       EntityKind     `json:"entity_kind"`
	EntityExternalID string         `json:"entity_external_id"`
	Action           Action         `json:"action"`
	Title            string         `json:"title"`
	Body             string         `json:"body"`
	Status           string         `json:"status"`
	Labels           []string       `json:"labels"`
	UpdatedAt        int64          `json:"updated_at_unix"`
}

// ComputeContentHash returns the hex-encoded SHA-256 of a stable
// serialization of the normalized event. Field order is fixed by the
// canonicalContent struct and labels are sorted, so semantically identical
// payloads hash identically regardless of key ordering or whitespace in
// the original webhook body.
func ComputeContentHash(e *SyncEvent) string {
	labels := append([]string(nil), e.Payload.Labels...)
	sort.Strings(labels)

	cc := canonicalContent{
		SourcePlatform:   e.SourcePlatform,
		EntityKind:       e.EntityKind,
		EntityExternalID: e.EntityExternalID,
		Action:           e.Action,
		Title:            e.Payload.Title,
		Body:             e.Payload.Body,
		Status:           e.Payload.Status,
		Labels:           labels,
		UpdatedAt:        e.Payload.UpdatedAt.UTC().Unix(),
	}

	data, err := json.Marshal(cc)
	if err != nil {
		// canonicalContent contains only marshalable types
		panic(fmt.Sprintf("marshal canonical content: %v", err))
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
