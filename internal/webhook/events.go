// Package webhook receives provider events, verifies them at the boundary
// and hands typed events to the reconciliation engine.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// ErrUnhandledEventType marks event types this service does not process.
// The handler acknowledges them without dispatching.
var ErrUnhandledEventType = errors.New("webhook: unhandled event type")

// Event is one parsed, validated provider event. Exactly one variant per
// recognized event type; consumers switch on the concrete type.
type Event interface {
	EventID() string
	EventType() string
}

// Meta carries the provider event envelope fields shared by all variants.
type Meta struct {
	ID   string
	Type string
}

func (m Meta) EventID() string   { return m.ID }
func (m Meta) EventType() string { return m.Type }

// CheckoutCompleted signals a finished checkout for a new subscription.
type CheckoutCompleted struct {
	Meta

	// UserID comes from checkout metadata; empty means the event cannot be
	// correlated to a local user.
	UserID string

	Plan           string
	CustomerID     string
	SubscriptionID string
	CustomerEmail  string
}

// SubscriptionUpdated mirrors a change to the provider's subscription object.
type SubscriptionUpdated struct {
	Meta

	UserID         string
	SubscriptionID string
	CustomerID     string
	PriceID        string

	Status            string
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
	CurrentPeriodEnd  *time.Time
}

// SubscriptionDeleted signals the provider subscription no longer exists.
type SubscriptionDeleted struct {
	Meta

	SubscriptionID string
	CustomerID     string
	EndedAt        *time.Time
}

// InvoicePaid records a successful payment against a subscription.
type InvoicePaid struct {
	Meta

	CustomerID     string
	SubscriptionID string
	InvoiceID      string
	AmountCents    int64
	PaidAt         time.Time

	// PaymentIntentID is the provider payment that settled the invoice.
	// Refunds are issued against it; the invoice id is not refundable.
	// Empty for out-of-band payments.
	PaymentIntentID string

	// Renewal is true for billing-cycle invoices, false for the initial
	// payment or one-off adjustments.
	Renewal bool
}

// InvoicePaymentFailed records a failed payment attempt.
type InvoicePaymentFailed struct {
	Meta

	CustomerID     string
	SubscriptionID string
	InvoiceID      string
	FailureReason  string
	AttemptedAt    time.Time
}

// ParseEvent converts a raw provider event into a typed variant.
// Returns ErrUnhandledEventType for event types this service ignores.
func ParseEvent(raw stripe.Event) (Event, error) {
	meta := Meta{ID: raw.ID, Type: string(raw.Type)}

	switch raw.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("webhook: parse checkout session: %w", err)
		}
		ev := CheckoutCompleted{
			Meta:          meta,
			UserID:        session.Metadata["user_id"],
			Plan:          session.Metadata["plan"],
			CustomerEmail: session.CustomerEmail,
		}
		if ev.UserID == "" {
			ev.UserID = session.ClientReferenceID
		}
		if session.Customer != nil {
			ev.CustomerID = session.Customer.ID
		}
		if session.Subscription != nil {
			ev.SubscriptionID = session.Subscription.ID
		}
		if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
			ev.CustomerEmail = session.CustomerDetails.Email
		}
		return ev, nil

	case "customer.subscription.updated":
		sub, err := parseSubscription(raw.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev := SubscriptionUpdated{
			Meta:              meta,
			UserID:            sub.Metadata["user_id"],
			SubscriptionID:    sub.ID,
			Status:            string(sub.Status),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}
		if sub.CanceledAt > 0 {
			t := time.Unix(sub.CanceledAt, 0).UTC()
			ev.CanceledAt = &t
		}
		if item := firstItem(sub); item != nil {
			if item.Price != nil {
				ev.PriceID = item.Price.ID
			}
			if item.CurrentPeriodEnd > 0 {
				t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
				ev.CurrentPeriodEnd = &t
			}
		}
		return ev, nil

	case "customer.subscription.deleted":
		sub, err := parseSubscription(raw.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev := SubscriptionDeleted{
			Meta:           meta,
			SubscriptionID: sub.ID,
		}
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}
		if sub.EndedAt > 0 {
			t := time.Unix(sub.EndedAt, 0).UTC()
			ev.EndedAt = &t
		}
		return ev, nil

	case "invoice.paid", "invoice.payment_succeeded":
		inv, err := parseInvoice(raw.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev := InvoicePaid{
			Meta:            meta,
			InvoiceID:       inv.ID,
			AmountCents:     inv.AmountPaid,
			PaidAt:          time.Unix(inv.Created, 0).UTC(),
			PaymentIntentID: paymentIntentFromInvoice(inv),
			Renewal:         inv.BillingReason == stripe.InvoiceBillingReasonSubscriptionCycle,
		}
		if inv.Customer != nil {
			ev.CustomerID = inv.Customer.ID
		}
		if sub := subscriptionFromInvoice(inv); sub != nil {
			ev.SubscriptionID = sub.ID
		}
		return ev, nil

	case "invoice.payment_failed":
		inv, err := parseInvoice(raw.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev := InvoicePaymentFailed{
			Meta:          meta,
			InvoiceID:     inv.ID,
			FailureReason: fmt.Sprintf("payment failed for invoice %s (attempt %d)", inv.ID, inv.AttemptCount),
			AttemptedAt:   time.Unix(inv.Created, 0).UTC(),
		}
		if inv.Customer != nil {
			ev.CustomerID = inv.Customer.ID
		}
		if sub := subscriptionFromInvoice(inv); sub != nil {
			ev.SubscriptionID = sub.ID
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEventType, raw.Type)
	}
}

func parseSubscription(raw json.RawMessage) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("webhook: parse subscription: %w", err)
	}
	return &sub, nil
}

func parseInvoice(raw json.RawMessage) (*stripe.Invoice, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("webhook: parse invoice: %w", err)
	}
	return &inv, nil
}

func firstItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	return sub.Items.Data[0]
}

// paymentIntentFromInvoice returns the payment intent that settled the
// invoice. Empty when the invoice was paid out of band or predates
// payment intents.
func paymentIntentFromInvoice(inv *stripe.Invoice) string {
	if inv.Payments == nil {
		return ""
	}
	for _, p := range inv.Payments.Data {
		if p == nil || p.Payment == nil || p.Payment.PaymentIntent == nil {
			continue
		}
		return p.Payment.PaymentIntent.ID
	}
	return ""
}

// subscriptionFromInvoice extracts the subscription an invoice bills for.
// Returns nil for one-off invoices.
func subscriptionFromInvoice(inv *stripe.Invoice) *stripe.Subscription {
	if inv.Parent == nil || inv.Parent.SubscriptionDetails == nil {
		return nil
	}
	return inv.Parent.SubscriptionDetails.Subscription
}
