package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashgrove/subsync/internal/telemetry"
)

// Entry kinds dispatched by the reconciliation engine.
const (
	KindUsageEvent   = "usage_event"
	KindNotification = "notification"
)

// UsageEvent is a billing lifecycle event reported to the usage pipeline.
type UsageEvent struct {
	UserID     string            `json:"user_id"`
	Event      string            `json:"event"`
	OccurredAt time.Time         `json:"occurred_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Notification is a user-facing message about a subscription change.
type Notification struct {
	Kind      string            `json:"kind"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data,omitempty"`
}

// UsageRecorder receives billing lifecycle events.
type UsageRecorder interface {
	RecordUsageEvent(ctx context.Context, event UsageEvent) error
}

// NotificationSender delivers subscription notifications to users.
type NotificationSender interface {
	SendNotification(ctx context.Context, n Notification) error
}

// RegisterConsumers binds the usage and notification consumers to the
// service's entry kinds.
func RegisterConsumers(s *Service, usage UsageRecorder, notify NotificationSender) {
	s.Register(KindUsageEvent, func(ctx context.Context, payload []byte) error {
		var event UsageEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("decode usage event: %w", err)
		}
		return usage.RecordUsageEvent(ctx, event)
	})
	s.Register(KindNotification, func(ctx context.Context, payload []byte) error {
		var n Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		return notify.SendNotification(ctx, n)
	})
}

// MetricsUsageRecorder counts usage events in Prometheus. Stands in until a
// real usage pipeline is attached.
type MetricsUsageRecorder struct {
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewMetricsUsageRecorder creates a Prometheus-backed usage recorder.
func NewMetricsUsageRecorder(metrics *telemetry.Metrics, logger *slog.Logger) *MetricsUsageRecorder {
	return &MetricsUsageRecorder{metrics: metrics, logger: logger}
}

// RecordUsageEvent counts and logs the event.
func (r *MetricsUsageRecorder) RecordUsageEvent(ctx context.Context, event UsageEvent) error {
	r.metrics.UsageEvents.WithLabelValues(event.Event).Inc()
	r.logger.InfoContext(ctx, "usage event recorded",
		slog.String("user_id", event.UserID),
		slog.String("event", event.Event))
	return nil
}

// LogNotificationSender writes notifications to the log. Stands in until a
// real email or push channel is attached.
type LogNotificationSender struct {
	logger *slog.Logger
}

// NewLogNotificationSender creates a log-backed notification sender.
func NewLogNotificationSender(logger *slog.Logger) *LogNotificationSender {
	return &LogNotificationSender{logger: logger}
}

// SendNotification logs the notification.
func (s *LogNotificationSender) SendNotification(ctx context.Context, n Notification) error {
	s.logger.InfoContext(ctx, "notification sent",
		slog.String("kind", n.Kind),
		slog.String("recipient", n.Recipient))
	return nil
}

// MockUsageRecorder records usage events for test assertions.
type MockUsageRecorder struct {
	mu sync.Mutex

	// RecordUsageEventFunc allows customizing recording behavior
	RecordUsageEventFunc func(ctx context.Context, event UsageEvent) error

	// Events holds every recorded event
	Events []UsageEvent
}

// RecordUsageEvent stores the event.
func (m *MockUsageRecorder) RecordUsageEvent(ctx context.Context, event UsageEvent) error {
	if m.RecordUsageEventFunc != nil {
		if err := m.RecordUsageEventFunc(ctx, event); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
	return nil
}

// Count reports how many events were recorded.
func (m *MockUsageRecorder) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events)
}

// MockNotificationSender records notifications for test assertions.
type MockNotificationSender struct {
	mu sync.Mutex

	// SendNotificationFunc allows customizing delivery behavior
	SendNotificationFunc func(ctx context.Context, n Notification) error

	// Sent holds every delivered notification
	Sent []Notification
}

// SendNotification stores the notification.
func (m *MockNotificationSender) SendNotification(ctx context.Context, n Notification) error {
	if m.SendNotificationFunc != nil {
		if err := m.SendNotificationFunc(ctx, n); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, n)
	return nil
}

// Count reports how many notifications were delivered.
func (m *MockNotificationSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
