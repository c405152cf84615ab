package billing

import (
	"context"
	"time"
)

// Provider defines the narrow interface to the external payment provider.
// Implementations are treated as a remote, fallible, idempotent-where-possible
// service; every method that touches the network honors the context deadline.
type Provider interface {
	// CreateCheckoutSession creates a hosted checkout session for a
	// subscription purchase. The user ID and plan travel in metadata so the
	// completion webhook can correlate back to the local record.
	CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error)

	// GetSubscription retrieves the provider's subscription object.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// SetCancelAtPeriodEnd schedules (or clears) an end-of-period
	// cancellation and returns the updated subscription.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error)

	// ChangePrice swaps the subscription's priced item with proration and
	// returns the updated subscription.
	ChangePrice(ctx context.Context, params ChangePriceParams) (*Subscription, error)

	// CancelSubscription cancels the subscription immediately.
	// Returns ErrSubscriptionGone if the provider no longer has it.
	CancelSubscription(ctx context.Context, subscriptionID string) error

	// CreateRefund refunds a payment. AmountCents of 0 refunds in full.
	CreateRefund(ctx context.Context, params RefundParams) (*Refund, error)

	// VerifyWebhookSignature verifies that a webhook request is authentic.
	// The payload must be the raw, unparsed request body; a re-serialized
	// body will not match the signature and is rejected.
	VerifyWebhookSignature(payload []byte, signature string, secret string) error
}

// CreateCheckoutSessionParams contains parameters for creating a checkout session.
type CreateCheckoutSessionParams struct {
	// UserID is the local user the checkout belongs to; carried in metadata.
	UserID string

	// PriceID is the provider's price identifier for the chosen plan.
	PriceID string

	// Plan is the internal plan name; carried in metadata for the webhook.
	Plan string

	// CustomerEmail prefills the checkout form.
	CustomerEmail string

	// SuccessURL and CancelURL are the post-checkout redirects.
	SuccessURL string
	CancelURL  string

	// IdempotencyKey prevents duplicate sessions on retry.
	IdempotencyKey string
}

// CheckoutSession represents a hosted checkout session.
type CheckoutSession struct {
	ID         string
	URL        string
	CustomerID string
	CreatedAt  time.Time
}

// ChangePriceParams contains parameters for swapping a subscription's price.
type ChangePriceParams struct {
	SubscriptionID string

	// ItemID is the subscription item carrying the current price.
	ItemID string

	// NewPriceID is the provider price to move the item to.
	NewPriceID string
}

// RefundParams contains parameters for creating a refund.
type RefundParams struct {
	// TransactionID is the payment intent to refund. Invoice ids are not
	// accepted by the provider's refund API.
	TransactionID string

	// AmountCents refunds a partial amount; 0 refunds the full payment.
	AmountCents int64

	// Reason: "duplicate", "fraudulent", "requested_by_customer".
	Reason string

	Metadata map[string]string
}

// Refund represents a payment refund.
type Refund struct {
	ID          string
	AmountCents int64
	Status      string // succeeded, pending, failed
	CreatedAt   time.Time
}

// Subscription mirrors the provider's subscription object.
type Subscription struct {
	ID         string
	CustomerID string

	// Status is the provider's status string: "active", "trialing",
	// "canceled", "past_due", "incomplete", etc.
	Status string

	// PriceID and ItemID identify the single priced item this service manages.
	PriceID string
	ItemID  string

	CancelAtPeriodEnd bool
	CanceledAt        *time.Time

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time

	TrialEnd *time.Time

	Metadata map[string]string
}
