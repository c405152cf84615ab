package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashgrove/subsync/internal/domain"
	"github.com/ashgrove/subsync/internal/webhook"
)

func Test_Apply_CheckoutCompleted_ActivatesSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.engine.Apply(ctx, webhook.CheckoutCompleted{
		Meta:           webhook.Meta{ID: "evt_1", Type: "checkout.session.completed"},
		UserID:         "user-1",
		Plan:           "monthly",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
	})
	require.NoError(t, err)

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanMonthly, sub.Plan)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.True(t, sub.IsActive)
	assert.Equal(t, "cus_1", sub.ProviderCustomerID)
	assert.Equal(t, "sub_1", sub.ProviderSubscriptionID)
	require.NotNil(t, sub.StartDate)
	assert.Equal(t, domain.RolePremium, env.notifier.RoleFor("user-1"))
}

func Test_Apply_CheckoutCompleted_DropsWithoutUserCorrelation(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.Apply(context.Background(), webhook.CheckoutCompleted{
		Meta:       webhook.Meta{ID: "evt_1", Type: "checkout.session.completed"},
		CustomerID: "cus_1",
	})
	require.NoError(t, err, "uncorrelatable events are acknowledged, not retried")

	_, err = env.store.GetByUserID(context.Background(), "")
	assert.Error(t, err)
}

func Test_Apply_CheckoutCompleted_UnknownPlanMetadataDefersToUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.engine.Apply(ctx, webhook.CheckoutCompleted{
		Meta:   webhook.Meta{ID: "evt_1", Type: "checkout.session.completed"},
		UserID: "user-1",
		Plan:   "mangled",
	})
	require.NoError(t, err)

	// The record activates but the plan waits for the subscription event.
	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanFree, sub.Plan)
	assert.Equal(t, domain.RoleUser, env.notifier.RoleFor("user-1"))

	err = env.engine.Apply(ctx, webhook.SubscriptionUpdated{
		Meta:           webhook.Meta{ID: "evt_2", Type: "customer.subscription.updated"},
		UserID:         "user-1",
		SubscriptionID: "sub_1",
		PriceID:        "price_annual",
		Status:         "active",
	})
	require.NoError(t, err)

	sub, err = env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanAnnual, sub.Plan)
	assert.Equal(t, domain.RolePremium, env.notifier.RoleFor("user-1"))
}

func Test_Apply_CheckoutCompleted_ReplayConverges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ev := webhook.CheckoutCompleted{
		Meta:           webhook.Meta{ID: "evt_1", Type: "checkout.session.completed"},
		UserID:         "user-1",
		Plan:           "monthly",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
	}
	require.NoError(t, env.engine.Apply(ctx, ev))
	first, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)

	require.NoError(t, env.engine.Apply(ctx, ev))
	second, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, first.Plan, second.Plan)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.IsActive, second.IsActive)
	assert.Equal(t, first.ProviderSubscriptionID, second.ProviderSubscriptionID)
}

func Test_Apply_SubscriptionUpdated_MirrorsScheduledCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, "user-1", domain.PlanMonthly)
	ctx := context.Background()

	periodEnd := testNow.AddDate(0, 0, 20)
	err := env.engine.Apply(ctx, webhook.SubscriptionUpdated{
		Meta:              webhook.Meta{ID: "evt_1", Type: "customer.subscription.updated"},
		CustomerID:        "cus_user-1",
		SubscriptionID:    "sub_user-1",
		Status:            "active",
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  &periodEnd,
	})
	require.NoError(t, err)

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, sub.Status)
	assert.Equal(t, domain.CancelEndOfPeriod, sub.CancelationType)
	assert.True(t, sub.IsActive)
	require.NotNil(t, sub.EndDate)
	assert.Equal(t, periodEnd, *sub.EndDate)
	assert.Equal(t, domain.RolePremium, env.notifier.RoleFor("user-1"))
}

func Test_Apply_SubscriptionUpdated_IgnoresStaleCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, "user-1", domain.PlanMonthly)
	ctx := context.Background()

	// Cancellation of an older provider subscription the record no longer
	// points at must not deactivate the fresh one.
	err := env.engine.Apply(ctx, webhook.SubscriptionUpdated{
		Meta:           webhook.Meta{ID: "evt_1", Type: "customer.subscription.updated"},
		CustomerID:     "cus_user-1",
		SubscriptionID: "sub_previous",
		Status:         "canceled",
	})
	require.NoError(t, err)

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.True(t, sub.IsActive)
}

func Test_Apply_SubscriptionUpdated_IgnoresSupersededSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, "user-1", domain.PlanMonthly)
	ctx := context.Background()

	// A late non-canceling update from an older provider subscription must
	// not re-point the record; otherwise that subscription's eventual
	// deletion event would match and deactivate the live one.
	err := env.engine.Apply(ctx, webhook.SubscriptionUpdated{
		Meta:           webhook.Meta{ID: "evt_1", Type: "customer.subscription.updated"},
		CustomerID:     "cus_user-1",
		SubscriptionID: "sub_previous",
		PriceID:        "price_annual",
		Status:         "active",
	})
	require.NoError(t, err)

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_user-1", sub.ProviderSubscriptionID)
	assert.Equal(t, domain.PlanMonthly, sub.Plan)

	require.NoError(t, env.engine.Apply(ctx, webhook.SubscriptionDeleted{
		Meta:           webhook.Meta{ID: "evt_2", Type: "customer.subscription.deleted"},
		CustomerID:     "cus_user-1",
		SubscriptionID: "sub_previous",
	}))

	sub, err = env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, sub.IsActive, "the live subscription must survive the old one's deletion")
}

func Test_Apply_SubscriptionUpdated_ReactivationClearsSchedule(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, "user-1", domain.PlanMonthly)
	ctx := context.Background()

	periodEnd := testNow.AddDate(0, 0, 20)
	require.NoError(t, env.engine.Apply(ctx, webhook.SubscriptionUpdated{
		Meta:              webhook.Meta{ID: "evt_1", Type: "customer.subscription.updated"},
		CustomerID:        "cus_user-1",
		SubscriptionID:    "sub_user-1",
		Status:            "active",
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  &periodEnd,
	}))

	require.NoError(t, env.engine.Apply(ctx, webhook.SubscriptionUpdated{
		Meta:           webhook.Meta{ID: "evt_2", Type: "customer.subscription.updated"},
		CustomerID:     "cus_user-1",
		SubscriptionID: "sub_user-1",
		Status:         "active",
	}))

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Equal(t, domain.CancelNone, sub.CancelationType)
	assert.Nil(t, sub.EndDate)
}

func Test_Apply_SubscriptionUpdated_PastDueSuspends(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, "user-1", domain.PlanMonthly)
	ctx := context.Background()

	err := env.engine.Apply(ctx, webhook.SubscriptionUpdated{
		Meta:           webhook.Meta{ID: "evt_1", Type: "customer.subscription.updated"},
		CustomerID:     "cus_user-1",
		SubscriptionID: "sub_user-1",
		Status:         "past_due",
	})
	require.NoError(t, err)

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, sub.Status)
	assert.False(t, sub.IsActive)
	assert.Equal(t, domain.RoleUser, env.notifier.RoleFor("user-1"))
}

func Test_Apply_SubscriptionDeleted_DeactivatesAndRevokesRole(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, "user-1", domain.PlanMonthly)
	ctx := context.Background()

	endedAt := testNow.Add(-time.Minute)
	err := env.engine.Apply(ctx, webhook.SubscriptionDeleted{
		Meta:           webhook.Meta{ID: "evt_1", Type: "customer.subscription.deleted"},
		CustomerID:     "cus_user-1",
		SubscriptionID: "sub_user-1",
		EndedAt:        &endedAt,
	})
	require.NoError(t, err)

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, sub.Status)
	assert.Equal(t, domain.CancelImmediate, sub.CancelationType)
	assert.False(t, sub.IsActive)
	assert.Equal(t, domain.RoleUser, env.notifier.RoleFor("user-1"))
}

func Test_Apply_SubscriptionDeleted_KeepsScheduledCancellationType(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, "user-1", domain.PlanMonthly)
	ctx := context.Background()

	_, err := env.engine.CancelAtPeriodEnd(ctx, "user-1")
	require.NoError(t, err)

	// The period closed and the provider deleted the subscription.
	err = env.engine.Apply(ctx, webhook.SubscriptionDeleted{
		Meta:           webhook.Meta{ID: "evt_1", Type: "customer.subscription.deleted"},
		CustomerID:     "cus_user-1",
		SubscriptionID: "sub_user-1",
	})
	require.NoError(t, err)

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CancelEndOfPeriod, sub.CancelationType, "the recorded cancellation intent survives")
	assert.False(t, sub.IsActive)
}

func Test_Apply_SubscriptionDeleted_IgnoresSupersededSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, "user-1", domain.PlanMonthly)
	ctx := context.Background()

	err := env.engine.Apply(ctx, webhook.SubscriptionDeleted{
		Meta:           webhook.Meta{ID: "evt_1", Type: "customer.subscription.deleted"},
		CustomerID:     "cus_user-1",
		SubscriptionID: "sub_previous",
	})
	require.NoError(t, err)

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, sub.IsActive)
}

func Test_Apply_InvoicePaid_RecordsPaymentWithoutStatusChange(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, "user-1", domain.PlanMonthly)
	ctx := context.Background()

	paidAt := testNow.Add(-time.Minute)
	err := env.engine.Apply(ctx, webhook.InvoicePaid{
		Meta:            webhook.Meta{ID: "evt_1", Type: "invoice.paid"},
		CustomerID:      "cus_user-1",
		InvoiceID:       "in_123",
		AmountCents:     999,
		PaidAt:          paidAt,
		PaymentIntentID: "pi_123",
		Renewal:         true,
	})
	require.NoError(t, err)

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Equal(t, "pi_123", sub.LastTransactionID, "refunds key off the payment intent")
	assert.Equal(t, domain.PaymentSuccess, sub.PaymentStatus)
	require.NotNil(t, sub.LastPaymentDate)
	assert.Equal(t, paidAt, *sub.LastPaymentDate)
}

func Test_Apply_InvoicePaid_WithoutPaymentIntentKeepsTransaction(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, "user-1", domain.PlanMonthly)
	ctx := context.Background()

	require.NoError(t, env.engine.Apply(ctx, webhook.InvoicePaid{
		Meta:            webhook.Meta{ID: "evt_1", Type: "invoice.paid"},
		CustomerID:      "cus_user-1",
		InvoiceID:       "in_123",
		PaidAt:          testNow,
		PaymentIntentID: "pi_123",
	}))

	// An out-of-band payment carries no payment intent. The previously
	// stored transaction stays refundable.
	require.NoError(t, env.engine.Apply(ctx, webhook.InvoicePaid{
		Meta:       webhook.Meta{ID: "evt_2", Type: "invoice.paid"},
		CustomerID: "cus_user-1",
		InvoiceID:  "in_124",
		PaidAt:     testNow,
	}))

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "pi_123", sub.LastTransactionID)
}

func Test_Apply_InvoicePaymentFailed_RecordsFailureWithoutCancel(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, "user-1", domain.PlanMonthly)
	ctx := context.Background()

	err := env.engine.Apply(ctx, webhook.InvoicePaymentFailed{
		Meta:          webhook.Meta{ID: "evt_1", Type: "invoice.payment_failed"},
		CustomerID:    "cus_user-1",
		InvoiceID:     "in_124",
		FailureReason: "card_declined",
		AttemptedAt:   testNow,
	})
	require.NoError(t, err)

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status, "dunning is the provider's call, not ours")
	assert.True(t, sub.IsActive)
	assert.Equal(t, domain.PaymentFailed, sub.PaymentStatus)
	assert.Equal(t, "card_declined", sub.LastFailureReason)
}

func Test_Apply_PaymentFailureThenRecoveryClearsReason(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, "user-1", domain.PlanMonthly)
	ctx := context.Background()

	require.NoError(t, env.engine.Apply(ctx, webhook.InvoicePaymentFailed{
		Meta:          webhook.Meta{ID: "evt_1", Type: "invoice.payment_failed"},
		CustomerID:    "cus_user-1",
		InvoiceID:     "in_124",
		FailureReason: "card_declined",
		AttemptedAt:   testNow,
	}))
	require.NoError(t, env.engine.Apply(ctx, webhook.InvoicePaid{
		Meta:       webhook.Meta{ID: "evt_2", Type: "invoice.paid"},
		CustomerID: "cus_user-1",
		InvoiceID:  "in_125",
		PaidAt:     testNow,
	}))

	sub, err := env.store.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSuccess, sub.PaymentStatus)
	assert.Empty(t, sub.LastFailureReason)
}

func Test_Apply_UncorrelatedEventsAreDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	events := []webhook.Event{
		webhook.SubscriptionUpdated{Meta: webhook.Meta{ID: "evt_1"}, CustomerID: "cus_unknown", Status: "active"},
		webhook.SubscriptionDeleted{Meta: webhook.Meta{ID: "evt_2"}, CustomerID: "cus_unknown"},
		webhook.InvoicePaid{Meta: webhook.Meta{ID: "evt_3"}, CustomerID: "cus_unknown", PaidAt: testNow},
		webhook.InvoicePaymentFailed{Meta: webhook.Meta{ID: "evt_4"}, CustomerID: "cus_unknown", AttemptedAt: testNow},
	}
	for _, ev := range events {
		assert.NoError(t, env.engine.Apply(ctx, ev))
	}
}

func Test_Apply_StorageFailureSurfacesForRedelivery(t *testing.T) {
	env := newTestEnv(t)
	env.store.UpsertErr = errors.New("storage unavailable")

	err := env.engine.Apply(context.Background(), webhook.CheckoutCompleted{
		Meta:   webhook.Meta{ID: "evt_1", Type: "checkout.session.completed"},
		UserID: "user-1",
		Plan:   "monthly",
	})
	assert.Error(t, err)
}
