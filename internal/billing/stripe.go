package billing

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider implements Provider using the Stripe API.
// The client is constructed explicitly and injected; no package-level key.
type StripeProvider struct {
	client        *stripe.Client
	webhookSecret string
	timeout       time.Duration
}

// StripeConfig contains configuration for the Stripe provider.
type StripeConfig struct {
	// APIKey is the Stripe secret key (sk_test_... or sk_live_...)
	APIKey string

	// WebhookSecret is the webhook signing secret (whsec_...)
	WebhookSecret string

	// Timeout bounds every API call so a stalled provider cannot stall
	// the caller. Default: 5s.
	Timeout time.Duration
}

// Validate checks that required configuration is present.
func (c *StripeConfig) Validate() error {
	if c.APIKey == "" {
		return ErrInvalidAPIKey
	}
	if c.WebhookSecret == "" {
		return errors.New("stripe: webhook secret is required")
	}
	return nil
}

// IsTestMode returns true if using test mode API keys.
func (c *StripeConfig) IsTestMode() bool {
	return len(c.APIKey) > 7 && c.APIKey[:8] == "sk_test_"
}

// NewStripeProvider creates a new Stripe billing provider.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StripeProvider{
		client:        stripe.NewClient(cfg.APIKey),
		webhookSecret: cfg.WebhookSecret,
		timeout:       timeout,
	}, nil
}

// CreateCheckoutSession creates a hosted Stripe Checkout session in
// subscription mode. User ID and plan are carried in both session and
// subscription metadata so every later webhook can correlate.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	meta := map[string]string{
		"user_id": params.UserID,
		"plan":    params.Plan,
	}

	createParams := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(params.UserID),
		Metadata:          meta,
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: meta,
		},
	}
	if params.CustomerEmail != "" {
		createParams.CustomerEmail = stripe.String(params.CustomerEmail)
	}
	if params.IdempotencyKey != "" {
		createParams.SetIdempotencyKey(params.IdempotencyKey)
	}

	sess, err := p.client.V1CheckoutSessions.Create(ctx, createParams)
	if err != nil {
		return nil, wrapStripeErr(err)
	}

	out := &CheckoutSession{
		ID:        sess.ID,
		URL:       sess.URL,
		CreatedAt: time.Unix(sess.Created, 0),
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	return out, nil
}

// GetSubscription retrieves a subscription from Stripe.
func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	sub, err := p.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, wrapStripeErr(err)
	}
	return fromStripeSubscription(sub), nil
}

// SetCancelAtPeriodEnd schedules or clears an end-of-period cancellation.
func (p *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancelAtPeriodEnd bool) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	sub, err := p.client.V1Subscriptions.Update(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(cancelAtPeriodEnd),
	})
	if err != nil {
		return nil, wrapStripeErr(err)
	}
	return fromStripeSubscription(sub), nil
}

// ChangePrice swaps the subscription's priced item, prorating the difference.
func (p *StripeProvider) ChangePrice(ctx context.Context, params ChangePriceParams) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	sub, err := p.client.V1Subscriptions.Update(ctx, params.SubscriptionID, &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(params.ItemID),
				Price: stripe.String(params.NewPriceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	})
	if err != nil {
		return nil, wrapStripeErr(err)
	}
	return fromStripeSubscription(sub), nil
}

// CancelSubscription cancels a subscription immediately.
func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.client.V1Subscriptions.Cancel(ctx, subscriptionID, nil)
	if err != nil {
		return wrapStripeErr(err)
	}
	return nil
}

// CreateRefund refunds a payment via its payment intent.
func (p *StripeProvider) CreateRefund(ctx context.Context, params RefundParams) (*Refund, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	createParams := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(params.TransactionID),
		Metadata:      params.Metadata,
	}
	if params.AmountCents > 0 {
		createParams.Amount = stripe.Int64(params.AmountCents)
	}
	if params.Reason != "" {
		createParams.Reason = stripe.String(params.Reason)
	}

	refund, err := p.client.V1Refunds.Create(ctx, createParams)
	if err != nil {
		return nil, wrapStripeErr(err)
	}

	return &Refund{
		ID:          refund.ID,
		AmountCents: refund.Amount,
		Status:      string(refund.Status),
		CreatedAt:   time.Unix(refund.Created, 0),
	}, nil
}

// VerifyWebhookSignature verifies a Stripe webhook signature against the raw
// request body.
func (p *StripeProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	if secret == "" {
		secret = p.webhookSecret
	}
	if err := webhook.ValidatePayload(payload, signature, secret); err != nil {
		return ErrInvalidWebhookSignature
	}
	return nil
}

// fromStripeSubscription maps the Stripe object into the provider-neutral
// Subscription. Period dates live on the subscription item in current API
// versions; this service manages exactly one priced item per subscription.
func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0)
		out.CanceledAt = &t
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0)
		out.TrialEnd = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.ItemID = item.ID
		out.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0)
		out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
	}
	return out
}

// wrapStripeErr converts SDK errors into the package error contract.
func wrapStripeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrProviderUnavailable
	}

	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		pe := &ProviderError{
			Message:       sErr.Msg,
			Code:          string(sErr.Code),
			HTTPStatus:    sErr.HTTPStatusCode,
			RequestID:     sErr.RequestID,
			OriginalError: err,
		}
		if pe.IsGone() {
			return ErrSubscriptionGone
		}
		return pe
	}

	// Non-API errors from the SDK are connectivity problems.
	return ErrProviderUnavailable
}
