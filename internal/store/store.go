package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashgrove/subsync/internal/domain"
)

// SubscriptionStore persists subscription records keyed by user ID.
type SubscriptionStore interface {
	// GetByUserID returns the record for a user, or a not-found error.
	GetByUserID(ctx context.Context, userID string) (*domain.Subscription, error)

	// GetByProviderCustomerID returns the record linked to a provider customer.
	GetByProviderCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error)

	// UpsertByUserID merges the patch into the user's record, creating it if
	// absent. Fields left nil in the patch keep their stored value.
	UpsertByUserID(ctx context.Context, userID string, patch SubscriptionPatch) (*domain.Subscription, error)
}

// SubscriptionPatch is a field-level update. Nil fields are not touched.
type SubscriptionPatch struct {
	Plan                   *domain.Plan
	Status                 *domain.Status
	IsActive               *bool
	CancelationType        *domain.CancelationType
	StartDate              *time.Time
	EndDate                *time.Time
	ProviderCustomerID     *string
	ProviderSubscriptionID *string
	ProviderPriceID        *string
	PaymentMethod          *domain.PaymentMethod
	LastPaymentDate        *time.Time
	LastTransactionID      *string
	PaymentStatus          *domain.PaymentStatus
	LastFailureReason      *string
	RefundStatus           *domain.RefundStatus
	RefundAmountCents      *int64
	RefundDate             *time.Time

	// ClearEndDate nulls the stored end date. The merge semantics of the
	// upsert cannot express NULL through a pointer field, so clearing is an
	// explicit flag.
	ClearEndDate bool
}

// normalize strips date values that must never be persisted. Upstream
// payloads encode "no date" as a zero time; a zero pointer field is
// dropped from the patch rather than stored. Clearing a stored date
// remains the job of ClearEndDate.
func (p *SubscriptionPatch) normalize() {
	if p.StartDate != nil && p.StartDate.IsZero() {
		p.StartDate = nil
	}
	if p.EndDate != nil && p.EndDate.IsZero() {
		p.EndDate = nil
	}
	if p.LastPaymentDate != nil && p.LastPaymentDate.IsZero() {
		p.LastPaymentDate = nil
	}
	if p.RefundDate != nil && p.RefundDate.IsZero() {
		p.RefundDate = nil
	}
}

// Validate rejects a patch whose own fields are internally inconsistent.
// Cross-checks against the stored record happen in the implementations.
func (p SubscriptionPatch) Validate() error {
	if p.Plan != nil && !p.Plan.Valid() {
		return domain.Invalid("store.patch", "unknown plan: "+string(*p.Plan))
	}
	if p.StartDate != nil && p.EndDate != nil && p.EndDate.Before(*p.StartDate) {
		return domain.Invalid("store.patch", "end date must be after start date")
	}
	if p.ClearEndDate && p.EndDate != nil {
		return domain.Invalid("store.patch", "cannot both set and clear end date")
	}
	return nil
}

// OutboxEntry is a persisted side-effect awaiting delivery.
type OutboxEntry struct {
	ID            uuid.UUID
	Kind          string
	Payload       []byte
	CreatedAt     time.Time
	FailureReason string
}

// OutboxStore persists failed side-effects for later retry.
type OutboxStore interface {
	// Append stores an entry and trims the table to the newest keep entries.
	Append(ctx context.Context, entry OutboxEntry, keep int) error

	// List returns all pending entries, oldest first.
	List(ctx context.Context) ([]OutboxEntry, error)

	// Remove deletes an entry after successful delivery.
	Remove(ctx context.Context, id uuid.UUID) error

	// RecordFailure stores the latest delivery error on an entry.
	RecordFailure(ctx context.Context, id uuid.UUID, reason string) error
}

// EventDeduper remembers processed webhook event IDs.
type EventDeduper interface {
	// Seen marks the event as processed. Returns true if it was already
	// recorded by a previous call.
	Seen(ctx context.Context, eventID, eventType string) (bool, error)
}
