package domain

import "time"

// Plan identifies the subscription plan a user is on.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanMonthly Plan = "monthly"
	PlanAnnual  Plan = "annual"
	PlanPremium Plan = "premium"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanMonthly, PlanAnnual, PlanPremium:
		return true
	}
	return false
}

// Paid reports whether p is a paid plan.
func (p Plan) Paid() bool {
	return p.Valid() && p != PlanFree
}

// Status is the lifecycle status of a subscription.
type Status string

const (
	StatusActive     Status = "active"
	StatusCanceled   Status = "canceled"
	StatusSuspended  Status = "suspended"
	StatusTrialing   Status = "trialing"
	StatusIncomplete Status = "incomplete"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCanceled, StatusSuspended, StatusTrialing, StatusIncomplete:
		return true
	}
	return false
}

// CancelationType records how a cancellation takes effect.
type CancelationType string

const (
	CancelNone        CancelationType = "none"
	CancelEndOfPeriod CancelationType = "end_of_period"
	CancelImmediate   CancelationType = "immediate"
)

// PaymentMethod identifies how the subscription is billed.
type PaymentMethod string

const (
	PaymentProvider PaymentMethod = "provider"
	PaymentManual   PaymentMethod = "manual"
)

// PaymentStatus is the outcome of the most recent payment attempt.
type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
	PaymentPending PaymentStatus = "pending"
)

// RefundStatus tracks the state of a refund request.
type RefundStatus string

const (
	RefundNone          RefundStatus = "none"
	RefundProcessed     RefundStatus = "processed"
	RefundManualPending RefundStatus = "manual_pending"
)

// Role is the entitlement level granted to a user.
type Role string

const (
	RoleUser    Role = "user"
	RolePremium Role = "premium"
)

// Subscription is the local record of a user's paid subscription.
// One record per user; cancellation is a status change, never a row removal.
type Subscription struct {
	UserID string

	Plan            Plan
	Status          Status
	IsActive        bool
	CancelationType CancelationType

	StartDate *time.Time
	EndDate   *time.Time

	ProviderCustomerID     string
	ProviderSubscriptionID string
	ProviderPriceID        string

	PaymentMethod PaymentMethod

	LastPaymentDate   *time.Time
	LastTransactionID string
	PaymentStatus     PaymentStatus
	LastFailureReason string

	RefundStatus      RefundStatus
	RefundAmountCents int64
	RefundDate        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveActive reports whether the user retains entitlements at the given
// instant. A subscription scheduled for end-of-period cancellation stays
// active until EndDate passes; an immediate cancellation never does.
func (s *Subscription) EffectiveActive(now time.Time) bool {
	if s.Status == StatusCanceled && s.CancelationType == CancelImmediate {
		return false
	}
	if s.EndDate != nil && !now.Before(*s.EndDate) {
		return false
	}
	return s.IsActive
}

// DesiredRole derives the entitlement role from the subscription state.
// Role changes are applied only from this value, never ad hoc per call site.
func (s *Subscription) DesiredRole(now time.Time) Role {
	if s == nil {
		return RoleUser
	}
	if s.Plan.Paid() && s.EffectiveActive(now) {
		return RolePremium
	}
	return RoleUser
}

// ScheduledForCancellation reports whether the record is canceled at period
// end but still within its paid period.
func (s *Subscription) ScheduledForCancellation() bool {
	return s.Status == StatusCanceled && s.CancelationType == CancelEndOfPeriod && s.IsActive
}
