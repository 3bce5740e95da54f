package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrMalformedPayload is returned when a webhook body cannot be normalized
// into a canonical SyncEvent. It maps to a 400 response at the ingress.
var ErrMalformedPayload = errors.New("malformed payload")

// Normalizer converts a raw platform payload into a canonical SyncEvent.
type Normalizer interface {
	// Normalize parses raw into a SyncEvent. deliveryID is the
	// platform-assigned delivery identifier taken from the request headers.
	Normalize(raw []byte, deliveryID string, receivedAt time.Time) (*SyncEvent, error)
}

// NormalizerFor returns the normalizer for the given source platform.
func NormalizerFor(platform SourcePlatform) (Normalizer, error) {
	switch platform {
	case PlatformTracker:
		return &trackerNormalizer{}, nil
	case PlatformDocument:
		return &documentNormalizer{}, nil
	default:
		return nil, fmt.Errorf("no normalizer for platform %q", platform)
	}
}

// flexTime unmarshals timestamps that arrive either as RFC 3339 strings or
// as Unix milliseconds, since the two platforms disagree on the format.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err == nil {
		t.Time = time.Unix(0, ms*int64(time.Millisecond)).UTC()
		return nil
	}
	return json.Unmarshal(data, &t.Time)
}

// trackerPayload mirrors the issue tracker's webhook body. Unknown fields
// are ignored for forward compatibility.
type trackerPayload struct {
	Action string `json:"action"`
	Issue  *struct {
		ID        string   `json:"id"`
		Title     string   `json:"title"`
		Body      string   `json:"body"`
		State     string   `json:"state"`
		UpdatedAt flexTime `json:"updated_at"`
		Labels    []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	Comment *struct {
		ID        string   `json:"id"`
		Body      string   `json:"body"`
		UpdatedAt flexTime `json:"updated_at"`
	} `json:"comment"`
}

type trackerNormalizer struct{}

func (*trackerNormalizer) Normalize(raw []byte, deliveryID string, receivedAt time.Time) (*SyncEvent, error) {
	var p trackerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedPayload, err)
	}

	if p.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrMalformedPayload)
	}

	var action Action
	switch p.Action {
	case "opened":
		action = ActionCreated
	case "edited", "reopened":
		action = ActionUpdated
	case "closed":
		action = ActionClosed
	case "created": // comment created
		action = ActionCommented
	default:
		return nil, fmt.Errorf("%w: unsupported tracker action %q", ErrMalformedPayload, p.Action)
	}

	ev := &SyncEvent{
		SourcePlatform: PlatformTracker,
		DeliveryID:     deliveryID,
		ReceivedAt:     receivedAt,
		Action:         action,
	}

	if action == ActionCommented {
		if p.Comment == nil || p.Comment.ID == "" {
			return nil, fmt.Errorf("%w: missing comment id", ErrMalformedPayload)
		}
		ev.EntityKind = KindComment
		ev.EntityExternalID = p.Comment.ID
		ev.Payload = Payload{
			Body:      p.Comment.Body,
			UpdatedAt: p.Comment.UpdatedAt.Time,
		}
	} else {
		if p.Issue == nil || p.Issue.ID == "" {
			return nil, fmt.Errorf("%w: missing issue id", ErrMalformedPayload)
		}
		labels := make([]string, 0, len(p.Issue.Labels))
		for _, l := range p.Issue.Labels {
			labels = append(labels, l.Name)
		}
		sort.Strings(labels)

		ev.EntityKind = KindIssue
		ev.EntityExternalID = p.Issue.ID
		ev.Payload = Payload{
			Title:     p.Issue.Title,
			Body:      p.Issue.Body,
			Status:    p.Issue.State,
			Labels:    labels,
			UpdatedAt: p.Issue.UpdatedAt.Time,
		}
	}

	if ev.Payload.UpdatedAt.IsZero() {
		ev.Payload.UpdatedAt = receivedAt
	}
	ev.ContentHash = ComputeContentHash(ev)

	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return ev, nil
}

// documentPayload mirrors the document database's webhook body.
type documentPayload struct {
	EventType string   `json:"event_type"`
	Timestamp flexTime `json:"timestamp"`
	Page      *struct {
		ID         string `json:"id"`
		Properties struct {
			Title  string   `json:"title"`
			Body   string   `json:"body"`
			Status string   `json:"status"`
			Tags   []string `json:"tags"`
		} `json:"properties"`
		LastEditedTime flexTime `json:"last_edited_time"`
	} `json:"page"`
	Comment *struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"comment"`
}

type documentNormalizer struct{}

func (*documentNormalizer) Normalize(raw []byte, deliveryID string, receivedAt time.Time) (*SyncEvent, error) {
	var p documentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedPayload, err)
	}

	if p.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrMalformedPayload)
	}

	var action Action
	switch p.EventType {
	case "page.created":
		action = ActionCreated
	case "page.updated":
		action = ActionUpdated
	case "page.archived":
		action = ActionClosed
	case "comment.created":
		action = ActionCommented
	default:
		return nil, fmt.Errorf("%w: unsupported document event type %q", ErrMalformedPayload, p.EventType)
	}

	ev := &SyncEvent{
		SourcePlatform: PlatformDocument,
		DeliveryID:     deliveryID,
		ReceivedAt:     receivedAt,
		Action:         action,
	}

	if action == ActionCommented {
		if p.Comment == nil || p.Comment.ID == "" {
			return nil, fmt.Errorf("%w: missing comment id", ErrMalformedPayload)
		}
		ev.EntityKind = KindComment
		ev.EntityExternalID = p.Comment.ID
		ev.Payload = Payload{
			Body:      p.Comment.Text,
			UpdatedAt: p.Timestamp.Time,
		}
	} else {
		if p.Page == nil || p.Page.ID == "" {
			return nil, fmt.Errorf("%w: missing page id", ErrMalformedPayload)
		}
		tags := append([]string(nil), p.Page.Properties.Tags...)
		sort.Strings(tags)

		ev.EntityKind = KindIssue
		ev.EntityExternalID = p.Page.ID
		ev.Payload = Payload{
			Title:     p.Page.Properties.Title,
			Body:      p.Page.Properties.Body,
			Status:    p.Page.Properties.Status,
			Labels:    tags,
			UpdatedAt: p.Page.LastEditedTime.Time,
		}
	}

	if ev.Payload.UpdatedAt.IsZero() {
		ev.Payload.UpdatedAt = receivedAt
	}
	ev.ContentHash = ComputeContentHash(ev)

	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return ev, nil
}
