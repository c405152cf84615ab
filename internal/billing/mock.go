package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider is an in-memory billing provider for tests.
// Simulates provider flows without calling the Stripe API.
type MockProvider struct {
	mu sync.Mutex

	// CreateCheckoutSessionFunc allows customizing checkout creation behavior
	CreateCheckoutSessionFunc func(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error)

	// GetSubscriptionFunc allows customizing subscription retrieval behavior
	GetSubscriptionFunc func(ctx context.Context, subscriptionID string) (*Subscription, error)

	// SetCancelAtPeriodEndFunc allows customizing cancellation scheduling behavior
	SetCancelAtPeriodEndFunc func(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error)

	// ChangePriceFunc allows customizing price swap behavior
	ChangePriceFunc func(ctx context.Context, params ChangePriceParams) (*Subscription, error)

	// CancelSubscriptionFunc allows customizing immediate cancellation behavior
	CancelSubscriptionFunc func(ctx context.Context, subscriptionID string) error

	// CreateRefundFunc allows customizing refund behavior
	CreateRefundFunc func(ctx context.Context, params RefundParams) (*Refund, error)

	// VerifyWebhookSignatureFunc allows customizing webhook verification behavior
	VerifyWebhookSignatureFunc func(payload []byte, signature string, secret string) error

	// Subscriptions stores provider-side subscription objects keyed by ID
	Subscriptions map[string]*Subscription

	// Refunds stores created refunds for assertions
	Refunds []*Refund

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Subscriptions: make(map[string]*Subscription),
	}
}

func (m *MockProvider) log(entry string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallLog = append(m.CallLog, entry)
}

// Calls returns the number of logged calls with the given prefix.
func (m *MockProvider) Calls(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.CallLog {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// CreateCheckoutSession creates a mock checkout session.
func (m *MockProvider) CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error) {
	m.log(fmt.Sprintf("CreateCheckoutSession(%s, %s)", params.UserID, params.Plan))

	if m.CreateCheckoutSessionFunc != nil {
		return m.CreateCheckoutSessionFunc(ctx, params)
	}

	return &CheckoutSession{
		ID:         "cs_" + uuid.New().String()[:8],
		URL:        "https://checkout.example.com/c/" + params.UserID,
		CustomerID: "cus_" + params.UserID,
		CreatedAt:  time.Now(),
	}, nil
}

// GetSubscription retrieves a stored mock subscription.
func (m *MockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.log(fmt.Sprintf("GetSubscription(%s)", subscriptionID))

	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, subscriptionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.Subscriptions[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionGone
	}
	cp := *sub
	return &cp, nil
}

// SetCancelAtPeriodEnd flips the cancel_at_period_end flag on a stored subscription.
func (m *MockProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error) {
	m.log(fmt.Sprintf("SetCancelAtPeriodEnd(%s, %t)", subscriptionID, cancel))

	if m.SetCancelAtPeriodEndFunc != nil {
		return m.SetCancelAtPeriodEndFunc(ctx, subscriptionID, cancel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.Subscriptions[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionGone
	}
	sub.CancelAtPeriodEnd = cancel
	if cancel {
		now := time.Now()
		sub.CanceledAt = &now
	} else {
		sub.CanceledAt = nil
	}
	cp := *sub
	return &cp, nil
}

// ChangePrice swaps the price on a stored subscription.
func (m *MockProvider) ChangePrice(ctx context.Context, params ChangePriceParams) (*Subscription, error) {
	m.log(fmt.Sprintf("ChangePrice(%s, %s)", params.SubscriptionID, params.NewPriceID))

	if m.ChangePriceFunc != nil {
		return m.ChangePriceFunc(ctx, params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.Subscriptions[params.SubscriptionID]
	if !ok {
		return nil, ErrSubscriptionGone
	}
	sub.PriceID = params.NewPriceID
	cp := *sub
	return &cp, nil
}

// CancelSubscription removes a stored subscription.
func (m *MockProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	m.log(fmt.Sprintf("CancelSubscription(%s)", subscriptionID))

	if m.CancelSubscriptionFunc != nil {
		return m.CancelSubscriptionFunc(ctx, subscriptionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Subscriptions[subscriptionID]; !ok {
		return ErrSubscriptionGone
	}
	delete(m.Subscriptions, subscriptionID)
	return nil
}

// CreateRefund records a mock refund.
func (m *MockProvider) CreateRefund(ctx context.Context, params RefundParams) (*Refund, error) {
	m.log(fmt.Sprintf("CreateRefund(%s, %d)", params.TransactionID, params.AmountCents))

	if m.CreateRefundFunc != nil {
		return m.CreateRefundFunc(ctx, params)
	}

	refund := &Refund{
		ID:          "re_" + uuid.New().String()[:8],
		AmountCents: params.AmountCents,
		Status:      "succeeded",
		CreatedAt:   time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Refunds = append(m.Refunds, refund)
	return refund, nil
}

// VerifyWebhookSignature verifies a mock webhook signature.
func (m *MockProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	m.log("VerifyWebhookSignature")

	if m.VerifyWebhookSignatureFunc != nil {
		return m.VerifyWebhookSignatureFunc(payload, signature, secret)
	}

	return nil
}

// SeedSubscription stores a provider-side subscription for later calls.
func (m *MockProvider) SeedSubscription(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Subscriptions[sub.ID] = sub
}
