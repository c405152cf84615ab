package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashgrove/subsync/internal/domain"
	"github.com/ashgrove/subsync/internal/store"
	"github.com/ashgrove/subsync/internal/webhook"
)

// Apply reconciles the local record with one provider event. Every branch
// is idempotent: replays of an already-applied event converge on the same
// record. Events that cannot be correlated to a local user are logged and
// dropped rather than failed, so the provider never redelivers them
// indefinitely.
func (e *Engine) Apply(ctx context.Context, ev webhook.Event) error {
	switch v := ev.(type) {
	case webhook.CheckoutCompleted:
		return e.applyCheckoutCompleted(ctx, v)
	case webhook.SubscriptionUpdated:
		return e.applySubscriptionUpdated(ctx, v)
	case webhook.SubscriptionDeleted:
		return e.applySubscriptionDeleted(ctx, v)
	case webhook.InvoicePaid:
		return e.applyInvoicePaid(ctx, v)
	case webhook.InvoicePaymentFailed:
		return e.applyInvoicePaymentFailed(ctx, v)
	default:
		return fmt.Errorf("engine: unknown event variant %T", ev)
	}
}

// applyCheckoutCompleted creates or overwrites the record as freshly
// active. The checkout metadata is the correlation source; without a user
// ID the event is unprocessable and dropped.
func (e *Engine) applyCheckoutCompleted(ctx context.Context, ev webhook.CheckoutCompleted) error {
	if ev.UserID == "" {
		e.logger.WarnContext(ctx, "checkout completed without user correlation, dropping",
			slog.String("event_id", ev.EventID()),
			slog.String("customer_id", ev.CustomerID))
		return nil
	}

	p := domain.Plan(ev.Plan)
	if !p.Paid() {
		// Metadata missing or mangled; the subscription-updated event that
		// follows carries the price and will settle the plan.
		e.logger.WarnContext(ctx, "checkout completed with unknown plan metadata",
			slog.String("event_id", ev.EventID()),
			slog.String("plan", ev.Plan))
		p = domain.PlanFree
	}

	now := e.now().UTC()
	patch := store.SubscriptionPatch{
		Status:          ptr(domain.StatusActive),
		IsActive:        ptr(true),
		CancelationType: ptr(domain.CancelNone),
		StartDate:       ptr(now),
		PaymentMethod:   ptr(domain.PaymentProvider),
		RefundStatus:    ptr(domain.RefundNone),
		ClearEndDate:    true,
	}
	if p.Paid() {
		patch.Plan = ptr(p)
	}
	if ev.CustomerID != "" {
		patch.ProviderCustomerID = ptr(ev.CustomerID)
	}
	if ev.SubscriptionID != "" {
		patch.ProviderSubscriptionID = ptr(ev.SubscriptionID)
	}

	sub, err := e.store.UpsertByUserID(ctx, ev.UserID, patch)
	if err != nil {
		return err
	}

	e.syncEntitlement(ctx, sub)
	if e.metrics != nil {
		e.metrics.SubscriptionsActivated.WithLabelValues(string(sub.Plan)).Inc()
	}
	e.dispatchUsage(ctx, ev.UserID, "subscription_activated", map[string]string{
		"plan": string(sub.Plan),
	})
	e.dispatchNotification(ctx, "subscription_started", ev.UserID, map[string]string{
		"plan": string(sub.Plan),
	})
	e.logger.InfoContext(ctx, "subscription activated from checkout",
		slog.String("user_id", ev.UserID),
		slog.String("plan", string(sub.Plan)))
	return nil
}

// applySubscriptionUpdated mirrors the provider's subscription object. The
// provider is the source of truth, with one guard: an event for a
// subscription the local record no longer points at is stale and must not
// clobber a fresher record or re-point it at the superseded subscription.
func (e *Engine) applySubscriptionUpdated(ctx context.Context, ev webhook.SubscriptionUpdated) error {
	sub, err := e.lookup(ctx, ev.CustomerID, ev.UserID)
	if err != nil || sub == nil {
		return err
	}

	if ev.SubscriptionID != "" && sub.ProviderSubscriptionID != "" && sub.ProviderSubscriptionID != ev.SubscriptionID {
		e.logger.InfoContext(ctx, "ignoring update for superseded subscription",
			slog.String("user_id", sub.UserID),
			slog.String("event_subscription_id", ev.SubscriptionID),
			slog.String("current_subscription_id", sub.ProviderSubscriptionID))
		return nil
	}

	patch := store.SubscriptionPatch{}
	if ev.SubscriptionID != "" {
		patch.ProviderSubscriptionID = ptr(ev.SubscriptionID)
	}
	if ev.PriceID != "" {
		if p, ok := e.catalog.PlanForPriceID(ev.PriceID); ok {
			patch.Plan = ptr(p)
			patch.ProviderPriceID = ptr(ev.PriceID)
		}
	}

	switch {
	case ev.CancelAtPeriodEnd && ev.Status != "canceled":
		// Scheduled cancellation: paid through the period, then done.
		patch.Status = ptr(domain.StatusCanceled)
		patch.CancelationType = ptr(domain.CancelEndOfPeriod)
		patch.IsActive = ptr(true)
		if ev.CurrentPeriodEnd != nil {
			patch.EndDate = ev.CurrentPeriodEnd
		}

	case ev.Status == "canceled":
		patch.Status = ptr(domain.StatusCanceled)
		patch.IsActive = ptr(false)
		if !sub.ScheduledForCancellation() {
			patch.CancelationType = ptr(domain.CancelImmediate)
		}
		if ev.CanceledAt != nil {
			patch.EndDate = ev.CanceledAt
		}

	default:
		// Plain mirror, including a reactivation that cleared the
		// cancel-at-period-end flag.
		st, active := mapProviderStatus(ev.Status)
		patch.Status = ptr(st)
		patch.IsActive = ptr(active)
		if active {
			patch.CancelationType = ptr(domain.CancelNone)
			patch.ClearEndDate = true
		}
	}

	result, err := e.store.UpsertByUserID(ctx, sub.UserID, patch)
	if err != nil {
		return err
	}

	e.syncEntitlement(ctx, result)
	e.logger.InfoContext(ctx, "subscription mirrored from provider",
		slog.String("user_id", sub.UserID),
		slog.String("status", string(result.Status)),
		slog.Bool("is_active", result.IsActive))
	return nil
}

// applySubscriptionDeleted deactivates the record the deleted provider
// subscription belonged to.
func (e *Engine) applySubscriptionDeleted(ctx context.Context, ev webhook.SubscriptionDeleted) error {
	sub, err := e.lookup(ctx, ev.CustomerID, "")
	if err != nil || sub == nil {
		return err
	}

	if sub.ProviderSubscriptionID != "" && sub.ProviderSubscriptionID != ev.SubscriptionID {
		e.logger.InfoContext(ctx, "ignoring deletion of superseded subscription",
			slog.String("user_id", sub.UserID),
			slog.String("event_subscription_id", ev.SubscriptionID),
			slog.String("current_subscription_id", sub.ProviderSubscriptionID))
		return nil
	}

	// A scheduled cancellation reaching its period end keeps its recorded
	// type; anything else was terminated outright.
	cancelType := domain.CancelImmediate
	if sub.ScheduledForCancellation() {
		cancelType = domain.CancelEndOfPeriod
	}

	patch := store.SubscriptionPatch{
		Status:          ptr(domain.StatusCanceled),
		CancelationType: ptr(cancelType),
		IsActive:        ptr(false),
	}
	if ev.EndedAt != nil {
		patch.EndDate = ev.EndedAt
	} else if sub.EndDate == nil {
		patch.EndDate = ptr(e.now().UTC())
	}

	result, err := e.store.UpsertByUserID(ctx, sub.UserID, patch)
	if err != nil {
		return err
	}

	e.syncEntitlement(ctx, result)
	if e.metrics != nil {
		e.metrics.SubscriptionsCanceled.WithLabelValues(string(cancelType)).Inc()
	}
	e.dispatchUsage(ctx, sub.UserID, "subscription_ended", map[string]string{
		"cancelation_type": string(cancelType),
	})
	e.logger.InfoContext(ctx, "subscription deactivated after provider deletion",
		slog.String("user_id", sub.UserID))
	return nil
}

// applyInvoicePaid records the payment on the audit trail. Status never
// changes here; lifecycle moves arrive on subscription events.
func (e *Engine) applyInvoicePaid(ctx context.Context, ev webhook.InvoicePaid) error {
	sub, err := e.lookup(ctx, ev.CustomerID, "")
	if err != nil || sub == nil {
		return err
	}

	patch := store.SubscriptionPatch{
		LastPaymentDate:   ptr(ev.PaidAt),
		PaymentStatus:     ptr(domain.PaymentSuccess),
		LastFailureReason: ptr(""),
	}
	// Refunds are created against the payment intent. The invoice id is
	// logged for the audit trail but never stored as the transaction.
	if ev.PaymentIntentID != "" {
		patch.LastTransactionID = ptr(ev.PaymentIntentID)
	}
	if _, err := e.store.UpsertByUserID(ctx, sub.UserID, patch); err != nil {
		return err
	}

	if ev.Renewal {
		if e.metrics != nil {
			e.metrics.Renewals.WithLabelValues(string(sub.Plan)).Inc()
		}
		e.dispatchUsage(ctx, sub.UserID, "subscription_renewed", map[string]string{
			"plan":         string(sub.Plan),
			"amount_cents": fmt.Sprintf("%d", ev.AmountCents),
		})
	}
	e.logger.InfoContext(ctx, "payment recorded",
		slog.String("user_id", sub.UserID),
		slog.String("invoice_id", ev.InvoiceID),
		slog.Bool("renewal", ev.Renewal))
	return nil
}

// applyInvoicePaymentFailed records the failure on the audit trail. The
// provider's dunning flow decides whether the subscription eventually
// suspends; no cancellation happens here.
func (e *Engine) applyInvoicePaymentFailed(ctx context.Context, ev webhook.InvoicePaymentFailed) error {
	sub, err := e.lookup(ctx, ev.CustomerID, "")
	if err != nil || sub == nil {
		return err
	}

	if _, err := e.store.UpsertByUserID(ctx, sub.UserID, store.SubscriptionPatch{
		LastPaymentDate:   ptr(ev.AttemptedAt),
		PaymentStatus:     ptr(domain.PaymentFailed),
		LastFailureReason: ptr(ev.FailureReason),
	}); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.PaymentFailures.WithLabelValues(string(sub.Plan)).Inc()
	}
	e.dispatchNotification(ctx, "payment_failed", sub.UserID, map[string]string{
		"invoice_id": ev.InvoiceID,
	})
	e.logger.WarnContext(ctx, "payment failure recorded",
		slog.String("user_id", sub.UserID),
		slog.String("invoice_id", ev.InvoiceID),
		slog.String("reason", ev.FailureReason))
	return nil
}

// lookup correlates an event to a local record by provider customer ID,
// falling back to the user ID in event metadata. A miss on both is a
// logged no-op (nil, nil): acknowledging beats endless redelivery.
func (e *Engine) lookup(ctx context.Context, customerID, userID string) (*domain.Subscription, error) {
	if customerID != "" {
		sub, err := e.store.GetByProviderCustomerID(ctx, customerID)
		if err == nil {
			return sub, nil
		}
		if !domain.IsCode(err, domain.ENOTFOUND) {
			return nil, err
		}
	}
	if userID != "" {
		sub, err := e.store.GetByUserID(ctx, userID)
		if err == nil {
			return sub, nil
		}
		if !domain.IsCode(err, domain.ENOTFOUND) {
			return nil, err
		}
	}

	e.logger.WarnContext(ctx, "event does not correlate to a local record, dropping",
		slog.String("customer_id", customerID),
		slog.String("user_id", userID))
	return nil, nil
}

// mapProviderStatus translates a provider status string into the local
// status plus the activity it implies.
func mapProviderStatus(status string) (domain.Status, bool) {
	switch status {
	case "active":
		return domain.StatusActive, true
	case "trialing":
		return domain.StatusTrialing, true
	case "past_due", "unpaid", "paused":
		return domain.StatusSuspended, false
	case "canceled":
		return domain.StatusCanceled, false
	default:
		return domain.StatusIncomplete, false
	}
}
