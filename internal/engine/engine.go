// Package engine owns every subscription state transition. Commands and
// webhook events funnel through it; nothing else writes the record store
// or touches entitlements.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashgrove/subsync/internal/billing"
	"github.com/ashgrove/subsync/internal/domain"
	"github.com/ashgrove/subsync/internal/entitlement"
	"github.com/ashgrove/subsync/internal/outbox"
	"github.com/ashgrove/subsync/internal/plan"
	"github.com/ashgrove/subsync/internal/store"
	"github.com/ashgrove/subsync/internal/telemetry"
)

// Deps holds the engine's collaborators. All are injected; the engine
// keeps no package-level state.
type Deps struct {
	Store    store.SubscriptionStore
	Provider billing.Provider
	Catalog  *plan.Catalog
	Notifier entitlement.Notifier
	Outbox   *outbox.Service
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger

	// CheckoutSuccessURL and CheckoutCancelURL are the post-checkout
	// redirects passed to the provider.
	CheckoutSuccessURL string
	CheckoutCancelURL  string

	// Now overrides the clock in tests. Defaults to time.Now.
	Now func() time.Time
}

// Engine reconciles the local subscription record with provider state and
// applies the resulting entitlement.
type Engine struct {
	store    store.SubscriptionStore
	provider billing.Provider
	catalog  *plan.Catalog
	notifier entitlement.Notifier
	outbox   *outbox.Service
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	successURL string
	cancelURL  string
	now        func() time.Time
}

// New creates an engine from its dependencies.
func New(deps Deps) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Engine{
		store:      deps.Store,
		provider:   deps.Provider,
		catalog:    deps.Catalog,
		notifier:   deps.Notifier,
		outbox:     deps.Outbox,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		successURL: deps.CheckoutSuccessURL,
		cancelURL:  deps.CheckoutCancelURL,
		now:        deps.Now,
	}
}

// syncEntitlement applies the role derived from the record. Every
// transition ends here; no call site sets roles directly. Failures are
// logged and reported but never fail the transition that triggered them.
func (e *Engine) syncEntitlement(ctx context.Context, sub *domain.Subscription) {
	role := sub.DesiredRole(e.now())
	if err := e.notifier.SetRole(ctx, sub.UserID, role); err != nil {
		e.logger.ErrorContext(ctx, "failed to apply entitlement role",
			slog.String("user_id", sub.UserID),
			slog.String("role", string(role)),
			slog.String("error", err.Error()))
		telemetry.CaptureError(err, map[string]interface{}{
			"user_id": sub.UserID,
			"role":    string(role),
		})
	}
}

// observeProvider records the wall time of a billing provider call.
func (e *Engine) observeProvider(op string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// dispatchUsage reports a lifecycle event downstream, fire and forget.
func (e *Engine) dispatchUsage(ctx context.Context, userID, event string, metadata map[string]string) {
	if e.outbox == nil {
		return
	}
	err := e.outbox.Dispatch(ctx, outbox.KindUsageEvent, outbox.UsageEvent{
		UserID:     userID,
		Event:      event,
		OccurredAt: e.now().UTC(),
		Metadata:   metadata,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to dispatch usage event",
			slog.String("user_id", userID),
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

// dispatchNotification sends a user-facing notice, fire and forget.
func (e *Engine) dispatchNotification(ctx context.Context, kind, userID string, data map[string]string) {
	if e.outbox == nil {
		return
	}
	err := e.outbox.Dispatch(ctx, outbox.KindNotification, outbox.Notification{
		Kind:      kind,
		Recipient: userID,
		Data:      data,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to dispatch notification",
			slog.String("user_id", userID),
			slog.String("kind", kind),
			slog.String("error", err.Error()))
	}
}

func ptr[T any](v T) *T { return &v }
