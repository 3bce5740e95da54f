// Package webhook verifies the authenticity of inbound webhook deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/trackdock/syncbridge/internal/event"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the request body.
const SignatureHeader = "X-Syncbridge-Signature"

// DeliveryIDHeader carries the platform-assigned unique id of the delivery.
const DeliveryIDHeader = "X-Syncbridge-Delivery"

// signaturePrefix is required on the header value so the scheme can evolve.
const signaturePrefix = "sha256="

var (
	// ErrInvalidSignature is returned when the signature is missing or does
	// not match the payload. Maps to a 401 response.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrUnknownPlatform is returned when no secret is configured for the
	// claimed source platform. Maps to a 401 response with a distinct
	// rejection counter.
	ErrUnknownPlatform = errors.New("unknown source platform")
)

// Verifier validates inbound webhook signatures. Secrets are supplied at
// construction; there is no ambient secret cache.
type Verifier struct {
	secrets map[event.SourcePlatform][]byte
}

// NewVerifier creates a Verifier from per-platform shared secrets.
// Platforms with an empty secret are treated as not configured.
func NewVerifier(secrets map[event.SourcePlatform]string) *Verifier {
	v := &Verifier{secrets: make(map[event.SourcePlatform][]byte, len(secrets))}
	for platform, secret := range secrets {
		if secret != "" {
			v.secrets[platform] = []byte(secret)
		}
	}
	return v
}

// Verify checks the signature header against the HMAC-SHA256 of body using
// the secret configured for platform. It fails closed: any missing or
// malformed input is a rejection, never a pass-through.
func (v *Verifier) Verify(platform event.SourcePlatform, body []byte, signatureHeader string) error {
	secret, ok := v.secrets[platform]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}

	if !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return fmt.Errorf("%w: missing or malformed signature header", ErrInvalidSignature)
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: signature is not valid hex", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	// hmac.Equal is constant time
	if !hmac.Equal(provided, expected) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature header value for body with the platform's
// secret. Used by tests and by the replay tooling.
func (v *Verifier) Sign(platform event.SourcePlatform, body []byte) (string, error) {
	secret, ok := v.secrets[platform]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil)), nil
}
