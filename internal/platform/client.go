// Package platform contains clients for applying synchronized changes
// to the bridged platforms.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trackdock/syncbridge/internal/event"
)

// ErrorKind classifies an apply failure for the retry controller.
type ErrorKind string

const (
	// KindRetryable marks transient failures: timeouts, 5xx responses,
	// rate limiting. The event should be retried.
	KindRetryable ErrorKind = "retryable"

	// KindPermanent marks failures that will not succeed on retry, such
	// as validation rejections. The event goes to the dead-letter store.
	KindPermanent ErrorKind = "permanent"
)

// RateLimitInfo carries rate-limit metadata returned by a platform.
type RateLimitInfo struct {
	// Remaining is the number of requests left in the current window.
	Remaining int

	// Reset is when the window resets.
	Reset time.Time
}

// Error is an apply failure with a retry classification.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string

	// RateLimit is set when the platform returned rate-limit headers.
	RateLimit *RateLimitInfo

	// Err is the underlying transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("platform apply failed (%s, HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("platform apply failed (%s): %s", e.Kind, e.Message)
}

// Unwrap returns the underlying transport error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is an apply failure worth retrying.
// Unclassified errors are treated as retryable so that unexpected
// transport failures do not dead-letter an event on first contact.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindRetryable
	}
	return true
}

// ApplyResult is the outcome of a successful apply.
type ApplyResult struct {
	// ExternalID is the counterpart platform's id for the entity. Set
	// when the apply created the entity; empty on updates.
	ExternalID string

	// RateLimit is set when the platform returned rate-limit headers.
	RateLimit *RateLimitInfo
}

// Client applies a normalized change to one platform.
type Client interface {
	// Apply pushes the event's payload to this platform. counterpartID
	// is the entity's external id on this platform, or empty when the
	// entity does not exist there yet and must be created.
	Apply(ctx context.Context, ev *event.SyncEvent, counterpartID string) (*ApplyResult, error)
}
