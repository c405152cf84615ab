package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashgrove/subsync/internal/billing"
	"github.com/ashgrove/subsync/internal/domain"
	"github.com/ashgrove/subsync/internal/plan"
	"github.com/ashgrove/subsync/internal/store"
)

// CreateCheckout starts a hosted checkout session for a paid plan.
// The subscription record is created later by the checkout-completed
// webhook; a best-effort placeholder is written here so support tooling
// can see the attempt, but its failure never blocks the checkout.
func (e *Engine) CreateCheckout(ctx context.Context, userID, email string, p domain.Plan) (*billing.CheckoutSession, error) {
	const op = "engine.create_checkout"

	if userID == "" {
		return nil, domain.Invalid(op, "user ID is required")
	}
	if !p.Paid() {
		return nil, domain.Invalid(op, fmt.Sprintf("plan %q is not a paid plan", p))
	}

	existing, err := e.store.GetByUserID(ctx, userID)
	if err != nil && !domain.IsCode(err, domain.ENOTFOUND) {
		return nil, err
	}
	if existing != nil && existing.Plan.Paid() && existing.EffectiveActive(e.now()) {
		return nil, domain.Conflict(op, "user already has an active subscription")
	}

	priceID, ok := e.catalog.PriceIDForPlan(p)
	if !ok {
		return nil, domain.Invalid(op, fmt.Sprintf("no price configured for plan %q", p))
	}

	start := time.Now()
	session, err := e.provider.CreateCheckoutSession(ctx, billing.CreateCheckoutSessionParams{
		UserID:         userID,
		PriceID:        priceID,
		Plan:           string(p),
		CustomerEmail:  email,
		SuccessURL:     e.successURL,
		CancelURL:      e.cancelURL,
		IdempotencyKey: fmt.Sprintf("checkout-%s-%s", userID, p),
	})
	e.observeProvider("create_checkout_session", start)
	if err != nil {
		return nil, e.providerError(err, op, "failed to create checkout session")
	}

	patch := store.SubscriptionPatch{
		Plan:   ptr(p),
		Status: ptr(domain.StatusIncomplete),
	}
	if session.CustomerID != "" {
		patch.ProviderCustomerID = ptr(session.CustomerID)
	}
	if _, err := e.store.UpsertByUserID(ctx, userID, patch); err != nil {
		e.logger.WarnContext(ctx, "failed to pre-register checkout record",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
	}

	if e.metrics != nil {
		e.metrics.CheckoutsStarted.WithLabelValues(string(p)).Inc()
	}
	e.logger.InfoContext(ctx, "checkout session created",
		slog.String("user_id", userID),
		slog.String("plan", string(p)),
		slog.String("session_id", session.ID))

	return session, nil
}

// CancelAtPeriodEnd schedules the subscription to end at the current paid
// period's close. Idempotent: a second call returns the existing schedule
// without another provider round trip. Entitlements stay until EndDate.
func (e *Engine) CancelAtPeriodEnd(ctx context.Context, userID string) (*domain.Subscription, error) {
	const op = "engine.cancel_at_period_end"

	sub, err := e.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.ScheduledForCancellation() {
		return sub, nil
	}
	if !sub.IsActive || !sub.Plan.Paid() {
		return nil, domain.Conflict(op, "no active subscription to cancel")
	}

	endDate := e.resolvePeriodEnd(sub)
	if sub.ProviderSubscriptionID != "" {
		start := time.Now()
		updated, err := e.provider.SetCancelAtPeriodEnd(ctx, sub.ProviderSubscriptionID, true)
		e.observeProvider("set_cancel_at_period_end", start)
		if err != nil {
			return nil, e.providerError(err, op, "failed to schedule cancellation")
		}
		if !updated.CurrentPeriodEnd.IsZero() {
			endDate = updated.CurrentPeriodEnd
		}
	}

	result, err := e.store.UpsertByUserID(ctx, userID, store.SubscriptionPatch{
		Status:          ptr(domain.StatusCanceled),
		CancelationType: ptr(domain.CancelEndOfPeriod),
		EndDate:         ptr(endDate),
	})
	if err != nil {
		return nil, err
	}

	e.syncEntitlement(ctx, result)
	if e.metrics != nil {
		e.metrics.SubscriptionsCanceled.WithLabelValues(string(domain.CancelEndOfPeriod)).Inc()
	}
	e.dispatchNotification(ctx, "cancellation_scheduled", userID, map[string]string{
		"end_date": endDate.Format(time.RFC3339),
	})
	e.logger.InfoContext(ctx, "cancellation scheduled",
		slog.String("user_id", userID),
		slog.Time("end_date", endDate))

	return result, nil
}

// Reactivate undoes a scheduled cancellation while the paid period is still
// running. Once EndDate has passed the subscription has lapsed and a new
// checkout is required.
func (e *Engine) Reactivate(ctx context.Context, userID string) (*domain.Subscription, error) {
	const op = "engine.reactivate"

	sub, err := e.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.ScheduledForCancellation() {
		return nil, domain.Conflict(op, "no scheduled cancellation to undo")
	}
	if sub.EndDate != nil && !e.now().Before(*sub.EndDate) {
		return nil, domain.Conflict(op, "subscription period has already ended")
	}

	if sub.ProviderSubscriptionID != "" {
		start := time.Now()
		_, err := e.provider.SetCancelAtPeriodEnd(ctx, sub.ProviderSubscriptionID, false)
		e.observeProvider("set_cancel_at_period_end", start)
		if err != nil {
			return nil, e.providerError(err, op, "failed to undo scheduled cancellation")
		}
	}

	result, err := e.store.UpsertByUserID(ctx, userID, store.SubscriptionPatch{
		Status:          ptr(domain.StatusActive),
		CancelationType: ptr(domain.CancelNone),
		IsActive:        ptr(true),
		ClearEndDate:    true,
	})
	if err != nil {
		return nil, err
	}

	e.syncEntitlement(ctx, result)
	if e.metrics != nil {
		e.metrics.SubscriptionsReactivated.Inc()
	}
	e.dispatchNotification(ctx, "subscription_reactivated", userID, nil)
	e.logger.InfoContext(ctx, "scheduled cancellation undone",
		slog.String("user_id", userID))

	return result, nil
}

// ChangePlanResult carries the updated record plus a display-only proration
// estimate. The provider computes the authoritative amount on the next
// invoice.
type ChangePlanResult struct {
	Subscription           *domain.Subscription
	ProrationEstimateCents int64
}

// ChangePlan moves an active subscription to a different paid plan with
// provider-side proration.
func (e *Engine) ChangePlan(ctx context.Context, userID string, newPlan domain.Plan) (*ChangePlanResult, error) {
	const op = "engine.change_plan"

	if !newPlan.Paid() {
		return nil, domain.Invalid(op, fmt.Sprintf("plan %q is not a paid plan", newPlan))
	}

	sub, err := e.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive || !sub.Plan.Paid() || sub.Status != domain.StatusActive {
		return nil, domain.Conflict(op, "no active subscription to change")
	}
	if sub.Plan == newPlan {
		return nil, domain.Conflict(op, fmt.Sprintf("subscription is already on plan %q", newPlan))
	}
	if sub.ProviderSubscriptionID == "" {
		return nil, domain.Conflict(op, "no provider subscription linked")
	}

	newPriceID, ok := e.catalog.PriceIDForPlan(newPlan)
	if !ok {
		return nil, domain.Invalid(op, fmt.Sprintf("no price configured for plan %q", newPlan))
	}

	start := time.Now()
	providerSub, err := e.provider.GetSubscription(ctx, sub.ProviderSubscriptionID)
	e.observeProvider("get_subscription", start)
	if err != nil {
		return nil, e.providerError(err, op, "failed to load provider subscription")
	}

	periodStart := providerSub.CurrentPeriodStart
	periodEnd := providerSub.CurrentPeriodEnd
	if periodStart.IsZero() && sub.StartDate != nil {
		periodStart = *sub.StartDate
	}
	if periodEnd.IsZero() {
		periodEnd = plan.PeriodEnd(sub.Plan, periodStart)
	}
	estimate := plan.ProrationEstimateCents(sub.Plan, newPlan, periodStart, periodEnd, e.now())

	changeStart := time.Now()
	swapped, err := e.provider.ChangePrice(ctx, billing.ChangePriceParams{
		SubscriptionID: sub.ProviderSubscriptionID,
		ItemID:         providerSub.ItemID,
		NewPriceID:     newPriceID,
	})
	e.observeProvider("change_price", changeStart)
	if err != nil {
		return nil, e.providerError(err, op, "failed to change plan with provider")
	}

	patch := store.SubscriptionPatch{
		Plan:            ptr(newPlan),
		ProviderPriceID: ptr(newPriceID),
	}
	if !swapped.CurrentPeriodEnd.IsZero() {
		patch.EndDate = ptr(swapped.CurrentPeriodEnd)
	}

	oldPlan := sub.Plan
	result, err := e.store.UpsertByUserID(ctx, userID, patch)
	if err != nil {
		return nil, err
	}

	e.syncEntitlement(ctx, result)
	if e.metrics != nil {
		e.metrics.PlanChanges.WithLabelValues(string(oldPlan), string(newPlan)).Inc()
	}
	e.dispatchNotification(ctx, "plan_changed", userID, map[string]string{
		"from_plan": string(oldPlan),
		"to_plan":   string(newPlan),
	})
	e.logger.InfoContext(ctx, "plan changed",
		slog.String("user_id", userID),
		slog.String("from_plan", string(oldPlan)),
		slog.String("to_plan", string(newPlan)),
		slog.Int64("proration_estimate_cents", estimate))

	return &ChangePlanResult{Subscription: result, ProrationEstimateCents: estimate}, nil
}

// CancelImmediately terminates the subscription now and revokes the
// entitlement. A provider subscription that is already gone counts as
// success; the local record is deactivated either way. Terminal except
// through a fresh checkout.
func (e *Engine) CancelImmediately(ctx context.Context, userID string) (*domain.Subscription, error) {
	const op = "engine.cancel_immediately"

	sub, err := e.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Status == domain.StatusCanceled && !sub.IsActive {
		return sub, nil
	}

	if sub.ProviderSubscriptionID != "" {
		start := time.Now()
		err := e.provider.CancelSubscription(ctx, sub.ProviderSubscriptionID)
		e.observeProvider("cancel_subscription", start)
		switch {
		case err == nil:
		case errors.Is(err, billing.ErrSubscriptionGone):
			e.logger.InfoContext(ctx, "provider subscription already gone",
				slog.String("user_id", userID),
				slog.String("subscription_id", sub.ProviderSubscriptionID))
		default:
			return nil, e.providerError(err, op, "failed to cancel provider subscription")
		}
	}

	now := e.now().UTC()
	result, err := e.store.UpsertByUserID(ctx, userID, store.SubscriptionPatch{
		Status:          ptr(domain.StatusCanceled),
		CancelationType: ptr(domain.CancelImmediate),
		IsActive:        ptr(false),
		EndDate:         ptr(now),
	})
	if err != nil {
		return nil, err
	}

	e.syncEntitlement(ctx, result)
	if e.metrics != nil {
		e.metrics.SubscriptionsCanceled.WithLabelValues(string(domain.CancelImmediate)).Inc()
	}
	e.dispatchUsage(ctx, userID, "subscription_canceled", map[string]string{
		"cancelation_type": string(domain.CancelImmediate),
	})
	e.dispatchNotification(ctx, "subscription_canceled", userID, nil)
	e.logger.InfoContext(ctx, "subscription canceled immediately",
		slog.String("user_id", userID))

	return result, nil
}

// RequestRefund refunds the most recent payment and terminates the
// subscription. Without a recorded transaction the refund is flagged for
// manual handling instead.
func (e *Engine) RequestRefund(ctx context.Context, userID, reason string) (*domain.Subscription, error) {
	const op = "engine.request_refund"

	sub, err := e.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.RefundStatus != domain.RefundNone {
		return nil, domain.Conflict(op, "a refund has already been recorded")
	}
	if !sub.Plan.Paid() {
		return nil, domain.Conflict(op, "nothing to refund on a free plan")
	}

	now := e.now().UTC()
	refundStatus := domain.RefundManualPending
	var amountCents int64

	if sub.LastTransactionID != "" {
		start := time.Now()
		refund, err := e.provider.CreateRefund(ctx, billing.RefundParams{
			TransactionID: sub.LastTransactionID,
			Reason:        reason,
			Metadata:      map[string]string{"user_id": userID},
		})
		e.observeProvider("create_refund", start)
		switch {
		case err == nil:
			refundStatus = domain.RefundProcessed
			amountCents = refund.AmountCents
		case errors.Is(err, billing.ErrProviderUnavailable):
			return nil, e.providerError(err, op, "refund could not be submitted")
		default:
			e.logger.ErrorContext(ctx, "provider refund failed, flagging for manual handling",
				slog.String("user_id", userID),
				slog.String("transaction_id", sub.LastTransactionID),
				slog.String("error", err.Error()))
		}
	}
	if amountCents == 0 {
		amountCents = plan.PriceCents(sub.Plan)
	}

	if _, err := e.store.UpsertByUserID(ctx, userID, store.SubscriptionPatch{
		RefundStatus:      ptr(refundStatus),
		RefundAmountCents: ptr(amountCents),
		RefundDate:        ptr(now),
	}); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RefundsIssued.WithLabelValues(string(refundStatus)).Inc()
		if refundStatus == domain.RefundProcessed {
			e.metrics.RefundAmount.Add(float64(amountCents))
		}
	}
	e.dispatchUsage(ctx, userID, "refund_requested", map[string]string{
		"status": string(refundStatus),
		"reason": reason,
	})

	return e.CancelImmediately(ctx, userID)
}

// resolvePeriodEnd picks the best known end for the current paid period:
// the provider's value when a later call supplies one, otherwise calendar
// arithmetic from the recorded start.
func (e *Engine) resolvePeriodEnd(sub *domain.Subscription) time.Time {
	if sub.EndDate != nil && sub.EndDate.After(e.now()) {
		return *sub.EndDate
	}
	start := e.now()
	if sub.StartDate != nil {
		start = *sub.StartDate
	}
	end := plan.PeriodEnd(sub.Plan, start)
	for !end.After(e.now()) {
		end = plan.PeriodEnd(sub.Plan, end)
	}
	return end
}

// providerError maps gateway failures onto the domain taxonomy. Transient
// failures are retryable and guarantee the local record was not written.
func (e *Engine) providerError(err error, op, message string) error {
	switch {
	case errors.Is(err, billing.ErrProviderUnavailable) || billing.IsTemporary(err):
		return domain.Unavailable(err, op, message)
	case errors.Is(err, billing.ErrSubscriptionGone):
		return domain.WrapError(err, domain.EGONE, op, message)
	default:
		return domain.Internal(err, op, message)
	}
}
