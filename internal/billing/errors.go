package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrSubscriptionGone is returned when the provider no longer has the
	// subscription (already canceled or deleted). Cancellation paths treat
	// this as a soft success.
	ErrSubscriptionGone = errors.New("billing: subscription already gone")

	// ErrProviderUnavailable is returned for transient network/timeout
	// failures. Callers may retry; no local state was modified.
	ErrProviderUnavailable = errors.New("billing: provider unavailable")

	// ErrInvalidWebhookSignature is returned when webhook signature
	// verification fails.
	ErrInvalidWebhookSignature = errors.New("billing: invalid webhook signature")

	// ErrInvalidAPIKey is returned when the provider API key is missing.
	ErrInvalidAPIKey = errors.New("billing: invalid or missing API key")
)

// ProviderError wraps a provider API error with additional context.
type ProviderError struct {
	Message       string // Human-readable error message
	Code          string // Provider error code (e.g., "resource_missing")
	HTTPStatus    int    // HTTP status code from the provider
	RequestID     string // Provider request ID for debugging
	OriginalError error  // Original error from the provider SDK
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("provider: %s", e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// IsGone returns true if the referenced resource no longer exists.
func (e *ProviderError) IsGone() bool {
	return e.Code == "resource_missing" || e.HTTPStatus == 404
}

// IsTemporary returns true if the error is likely transient and retryable.
func (e *ProviderError) IsTemporary() bool {
	return e.Code == "rate_limit" || e.Code == "api_connection_error" ||
		e.HTTPStatus == 429 || e.HTTPStatus >= 500
}

// IsGone reports whether err indicates the provider resource is already gone.
func IsGone(err error) bool {
	if errors.Is(err, ErrSubscriptionGone) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.IsGone()
}

// IsTemporary reports whether err is a transient provider failure.
func IsTemporary(err error) bool {
	if errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.IsTemporary()
}
