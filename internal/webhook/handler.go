package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/ashgrove/subsync/internal/store"
	"github.com/ashgrove/subsync/internal/telemetry"
)

// maxBodyBytes bounds the webhook payload read.
const maxBodyBytes = 1 << 16

// Applier consumes parsed events. Implemented by the engine.
type Applier interface {
	Apply(ctx context.Context, ev Event) error
}

// SignatureVerifier checks a payload against its signature header.
// Implemented by the billing provider.
type SignatureVerifier interface {
	VerifyWebhookSignature(payload []byte, signature string, secret string) error
}

// Config contains webhook handler configuration.
type Config struct {
	// WebhookSecret is the signing secret from the provider dashboard.
	WebhookSecret string
}

// Handler receives provider webhooks over HTTP.
//
// After the signature checks out the handler always acknowledges with 200,
// even when processing fails: the provider would otherwise redeliver
// forever, and failed events are logged with their full payload for manual
// replay instead.
type Handler struct {
	verifier SignatureVerifier
	deduper  store.EventDeduper
	applier  Applier
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	config   Config

	// skipVerification is set only by the dev handler constructor.
	skipVerification bool
}

// NewHandler creates a webhook handler that verifies signatures.
func NewHandler(verifier SignatureVerifier, deduper store.EventDeduper, applier Applier, metrics *telemetry.Metrics, logger *slog.Logger, config Config) *Handler {
	return &Handler{
		verifier: verifier,
		deduper:  deduper,
		applier:  applier,
		metrics:  metrics,
		logger:   logger,
		config:   config,
	}
}

// NewDevHandler creates a handler that skips signature verification, for
// local testing with replayed payloads. Refuses to construct outside of
// development environments.
func NewDevHandler(env string, deduper store.EventDeduper, applier Applier, metrics *telemetry.Metrics, logger *slog.Logger) (*Handler, error) {
	if env == "prod" || env == "production" {
		return nil, fmt.Errorf("webhook: unverified handler is not allowed in %s", env)
	}
	logger.Warn("webhook signature verification is DISABLED", slog.String("env", env))
	return &Handler{
		deduper:          deduper,
		applier:          applier,
		metrics:          metrics,
		logger:           logger,
		skipVerification: true,
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Verification must run against the exact bytes received; any
	// re-serialization would break the signature.
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body",
			slog.String("error", err.Error()))
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	if !h.skipVerification {
		signature := r.Header.Get("Stripe-Signature")
		if signature == "" {
			h.logger.WarnContext(ctx, "webhook missing signature header")
			http.Error(w, "missing signature", http.StatusBadRequest)
			return
		}
		if err := h.verifier.VerifyWebhookSignature(payload, signature, h.config.WebhookSecret); err != nil {
			h.logger.WarnContext(ctx, "webhook signature verification failed",
				slog.String("error", err.Error()))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		h.logger.WarnContext(ctx, "webhook payload is not valid JSON",
			slog.String("error", err.Error()))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	eventType := string(raw.Type)
	if h.metrics != nil {
		h.metrics.WebhookReceived.WithLabelValues(eventType).Inc()
		defer func() {
			h.metrics.WebhookLatency.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		}()
	}

	h.process(ctx, raw, payload)

	// Acknowledge regardless of processing outcome.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received": true}`))
}

func (h *Handler) process(ctx context.Context, raw stripe.Event, payload []byte) {
	eventType := string(raw.Type)

	seen, err := h.deduper.Seen(ctx, raw.ID, eventType)
	if err != nil {
		// Dedup bookkeeping failure is not a reason to drop the event;
		// applications are idempotent anyway.
		h.logger.ErrorContext(ctx, "webhook dedup check failed, processing anyway",
			slog.String("event_id", raw.ID),
			slog.String("error", err.Error()))
	}
	if seen {
		h.logger.InfoContext(ctx, "skipping replayed webhook event",
			slog.String("event_id", raw.ID),
			slog.String("event_type", eventType))
		if h.metrics != nil {
			h.metrics.WebhookDuplicate.WithLabelValues(eventType).Inc()
		}
		return
	}

	ev, err := ParseEvent(raw)
	if err != nil {
		if errors.Is(err, ErrUnhandledEventType) {
			h.logger.DebugContext(ctx, "ignoring unhandled webhook event type",
				slog.String("event_type", eventType))
			return
		}
		h.logger.ErrorContext(ctx, "failed to parse webhook event",
			slog.String("event_id", raw.ID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
			slog.String("payload", string(payload)))
		if h.metrics != nil {
			h.metrics.WebhookFailed.WithLabelValues(eventType).Inc()
		}
		return
	}

	if err := h.applier.Apply(ctx, ev); err != nil {
		// The full payload goes to the log so the event can be replayed by
		// hand through the dev handler once the cause is fixed.
		h.logger.ErrorContext(ctx, "failed to process webhook event",
			slog.String("event_id", raw.ID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
			slog.String("payload", string(payload)))
		telemetry.CaptureError(err, map[string]interface{}{
			"event_id":   raw.ID,
			"event_type": eventType,
		})
		if h.metrics != nil {
			h.metrics.WebhookFailed.WithLabelValues(eventType).Inc()
		}
		return
	}

	if h.metrics != nil {
		h.metrics.WebhookProcessed.WithLabelValues(eventType).Inc()
	}
	h.logger.InfoContext(ctx, "webhook event processed",
		slog.String("event_id", raw.ID),
		slog.String("event_type", eventType))
}
