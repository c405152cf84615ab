package webhook

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func rawEvent(t *testing.T, id, eventType, object string) stripe.Event {
	t.Helper()

	var data stripe.EventData
	require.NoError(t, json.Unmarshal([]byte(`{"object": `+object+`}`), &data))
	return stripe.Event{
		ID:   id,
		Type: stripe.EventType(eventType),
		Data: &data,
	}
}

func Test_ParseEvent_CheckoutSessionCompleted(t *testing.T) {
	raw := rawEvent(t, "evt_1", "checkout.session.completed", `{
		"id": "cs_123",
		"client_reference_id": "fallback-user",
		"customer": {"id": "cus_1"},
		"subscription": {"id": "sub_1"},
		"customer_details": {"email": "real@example.com"},
		"customer_email": "stale@example.com",
		"metadata": {"user_id": "user-1", "plan": "annual"}
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	checkout, ok := ev.(CheckoutCompleted)
	require.True(t, ok)
	assert.Equal(t, "evt_1", checkout.EventID())
	assert.Equal(t, "user-1", checkout.UserID, "metadata wins over client reference")
	assert.Equal(t, "annual", checkout.Plan)
	assert.Equal(t, "cus_1", checkout.CustomerID)
	assert.Equal(t, "sub_1", checkout.SubscriptionID)
	assert.Equal(t, "real@example.com", checkout.CustomerEmail)
}

func Test_ParseEvent_CheckoutFallsBackToClientReferenceID(t *testing.T) {
	raw := rawEvent(t, "evt_1", "checkout.session.completed", `{
		"id": "cs_123",
		"client_reference_id": "user-1"
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	checkout, ok := ev.(CheckoutCompleted)
	require.True(t, ok)
	assert.Equal(t, "user-1", checkout.UserID)
}

func Test_ParseEvent_SubscriptionUpdated(t *testing.T) {
	canceledAt := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	raw := rawEvent(t, "evt_2", "customer.subscription.updated", `{
		"id": "sub_1",
		"customer": {"id": "cus_1"},
		"status": "active",
		"cancel_at_period_end": true,
		"canceled_at": `+unixStr(canceledAt)+`,
		"metadata": {"user_id": "user-1"},
		"items": {
			"data": [{
				"id": "si_1",
				"price": {"id": "price_monthly"},
				"current_period_end": `+unixStr(periodEnd)+`
			}]
		}
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	updated, ok := ev.(SubscriptionUpdated)
	require.True(t, ok)
	assert.Equal(t, "sub_1", updated.SubscriptionID)
	assert.Equal(t, "cus_1", updated.CustomerID)
	assert.Equal(t, "user-1", updated.UserID)
	assert.Equal(t, "active", updated.Status)
	assert.True(t, updated.CancelAtPeriodEnd)
	assert.Equal(t, "price_monthly", updated.PriceID)
	require.NotNil(t, updated.CanceledAt)
	assert.Equal(t, canceledAt, *updated.CanceledAt)
	require.NotNil(t, updated.CurrentPeriodEnd)
	assert.Equal(t, periodEnd, *updated.CurrentPeriodEnd)
}

func Test_ParseEvent_SubscriptionUpdatedWithoutItems(t *testing.T) {
	raw := rawEvent(t, "evt_2", "customer.subscription.updated", `{
		"id": "sub_1",
		"status": "past_due"
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	updated, ok := ev.(SubscriptionUpdated)
	require.True(t, ok)
	assert.Empty(t, updated.PriceID)
	assert.Nil(t, updated.CurrentPeriodEnd)
	assert.Nil(t, updated.CanceledAt)
}

func Test_ParseEvent_SubscriptionDeleted(t *testing.T) {
	endedAt := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

	raw := rawEvent(t, "evt_3", "customer.subscription.deleted", `{
		"id": "sub_1",
		"customer": {"id": "cus_1"},
		"status": "canceled",
		"ended_at": `+unixStr(endedAt)+`
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	deleted, ok := ev.(SubscriptionDeleted)
	require.True(t, ok)
	assert.Equal(t, "sub_1", deleted.SubscriptionID)
	assert.Equal(t, "cus_1", deleted.CustomerID)
	require.NotNil(t, deleted.EndedAt)
	assert.Equal(t, endedAt, *deleted.EndedAt)
}

func Test_ParseEvent_InvoicePaidMarksRenewal(t *testing.T) {
	raw := rawEvent(t, "evt_4", "invoice.paid", `{
		"id": "in_1",
		"customer": {"id": "cus_1"},
		"amount_paid": 999,
		"billing_reason": "subscription_cycle",
		"created": 1750000000,
		"payments": {
			"data": [
				{"payment": {"type": "payment_intent", "payment_intent": {"id": "pi_1"}}}
			]
		},
		"parent": {
			"subscription_details": {
				"subscription": {"id": "sub_1"}
			}
		}
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	paid, ok := ev.(InvoicePaid)
	require.True(t, ok)
	assert.Equal(t, "in_1", paid.InvoiceID)
	assert.Equal(t, "cus_1", paid.CustomerID)
	assert.Equal(t, "sub_1", paid.SubscriptionID)
	assert.Equal(t, "pi_1", paid.PaymentIntentID)
	assert.Equal(t, int64(999), paid.AmountCents)
	assert.True(t, paid.Renewal)
}

func Test_ParseEvent_InitialInvoiceIsNotRenewal(t *testing.T) {
	raw := rawEvent(t, "evt_4", "invoice.payment_succeeded", `{
		"id": "in_1",
		"customer": {"id": "cus_1"},
		"amount_paid": 999,
		"billing_reason": "subscription_create",
		"created": 1750000000
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	paid, ok := ev.(InvoicePaid)
	require.True(t, ok)
	assert.False(t, paid.Renewal)
	assert.Empty(t, paid.SubscriptionID, "one-off invoices carry no subscription")
	assert.Empty(t, paid.PaymentIntentID, "no payments list means nothing refundable")
}

func Test_ParseEvent_InvoicePaymentFailed(t *testing.T) {
	raw := rawEvent(t, "evt_5", "invoice.payment_failed", `{
		"id": "in_2",
		"customer": {"id": "cus_1"},
		"attempt_count": 2,
		"created": 1750000000
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	failed, ok := ev.(InvoicePaymentFailed)
	require.True(t, ok)
	assert.Equal(t, "in_2", failed.InvoiceID)
	assert.Equal(t, "cus_1", failed.CustomerID)
	assert.Contains(t, failed.FailureReason, "in_2")
	assert.Contains(t, failed.FailureReason, "attempt 2")
}

func Test_ParseEvent_UnhandledTypeIsSentinel(t *testing.T) {
	raw := rawEvent(t, "evt_6", "customer.created", `{}`)

	_, err := ParseEvent(raw)
	assert.ErrorIs(t, err, ErrUnhandledEventType)
}

func unixStr(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
