// Package outbox persists side-effects that failed to deliver and retries
// them on a schedule. Entries that keep failing are retained with their
// latest failure reason until the size cap evicts them.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashgrove/subsync/internal/store"
	"github.com/ashgrove/subsync/internal/telemetry"
)

const (
	// DefaultLimit caps the number of retained entries.
	DefaultLimit = 100

	// DefaultSweepInterval is how often pending entries are retried.
	DefaultSweepInterval = time.Hour

	// deliveryTimeout bounds a single delivery attempt.
	deliveryTimeout = 30 * time.Second
)

// Handler delivers one entry's payload. A nil error removes the entry.
type Handler func(ctx context.Context, payload []byte) error

// Config holds outbox service configuration.
type Config struct {
	// Limit caps retained entries; older entries are evicted first.
	Limit int

	// SweepInterval is how often the retry sweep runs.
	SweepInterval time.Duration
}

// Service dispatches side-effects and retries the ones that fail.
type Service struct {
	store    store.OutboxStore
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	handlers map[string]Handler
	config   Config
}

// NewService creates an outbox service. Handlers are registered per kind
// before Run is called.
func NewService(st store.OutboxStore, logger *slog.Logger, metrics *telemetry.Metrics, config Config) *Service {
	if config.Limit == 0 {
		config.Limit = DefaultLimit
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultSweepInterval
	}

	return &Service{
		store:    st,
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[string]Handler),
		config:   config,
	}
}

// Register binds a delivery handler to an entry kind. Not safe to call
// concurrently with Run.
func (s *Service) Register(kind string, h Handler) {
	s.handlers[kind] = h
}

// Dispatch attempts immediate delivery and falls back to the outbox on
// failure. The caller is never blocked on a retry schedule: a failed
// side-effect is persisted and the call returns nil.
func (s *Service) Dispatch(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s payload: %w", kind, err)
	}

	h, ok := s.handlers[kind]
	if !ok {
		return fmt.Errorf("outbox: no handler registered for kind %q", kind)
	}

	err = s.attempt(ctx, h, data)
	if err == nil {
		if s.metrics != nil {
			s.metrics.OutboxDelivered.WithLabelValues(kind).Inc()
		}
		return nil
	}

	s.logger.WarnContext(ctx, "side-effect delivery failed, enqueueing for retry",
		slog.String("kind", kind),
		slog.String("error", err.Error()))
	return s.enqueue(ctx, kind, data, err.Error())
}

// enqueue persists a failed side-effect, trimming to the configured limit.
func (s *Service) enqueue(ctx context.Context, kind string, payload []byte, reason string) error {
	entry := store.OutboxEntry{
		Kind:          kind,
		Payload:       payload,
		FailureReason: reason,
	}
	if err := s.store.Append(ctx, entry, s.config.Limit); err != nil {
		return fmt.Errorf("outbox: append %s entry: %w", kind, err)
	}
	if s.metrics != nil {
		s.metrics.OutboxEnqueued.WithLabelValues(kind).Inc()
	}
	return nil
}

// Run retries pending entries until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("outbox sweeper starting",
		slog.Duration("interval", s.config.SweepInterval),
		slog.Int("limit", s.config.Limit))

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("outbox sweeper shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep retries every pending entry once. Failures are isolated per entry:
// one bad payload never blocks the rest of the queue.
func (s *Service) Sweep(ctx context.Context) {
	entries, err := s.store.List(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "outbox sweep failed to list entries",
			slog.String("error", err.Error()))
		return
	}
	if s.metrics != nil {
		s.metrics.OutboxPending.Set(float64(len(entries)))
	}
	if len(entries) == 0 {
		return
	}

	delivered := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if s.retryEntry(ctx, entry) {
			delivered++
		}
	}

	s.logger.InfoContext(ctx, "outbox sweep complete",
		slog.Int("pending", len(entries)),
		slog.Int("delivered", delivered))
	if s.metrics != nil {
		s.metrics.OutboxPending.Set(float64(len(entries) - delivered))
	}
}

// retryEntry attempts one delivery and reports success.
func (s *Service) retryEntry(ctx context.Context, entry store.OutboxEntry) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			s.logger.ErrorContext(ctx, "outbox handler panicked",
				slog.String("kind", entry.Kind),
				slog.String("entry_id", entry.ID.String()),
				slog.Any("panic", r))
		}
	}()

	h, registered := s.handlers[entry.Kind]
	if !registered {
		// Kind from an older deployment; keep the entry for a later release.
		s.logger.WarnContext(ctx, "no handler for outbox entry",
			slog.String("kind", entry.Kind),
			slog.String("entry_id", entry.ID.String()))
		return false
	}

	if err := s.attempt(ctx, h, entry.Payload); err != nil {
		if s.metrics != nil {
			s.metrics.OutboxFailed.WithLabelValues(entry.Kind).Inc()
		}
		if recErr := s.store.RecordFailure(ctx, entry.ID, err.Error()); recErr != nil {
			s.logger.ErrorContext(ctx, "failed to record outbox failure",
				slog.String("entry_id", entry.ID.String()),
				slog.String("error", recErr.Error()))
		}
		return false
	}

	if err := s.store.Remove(ctx, entry.ID); err != nil {
		s.logger.ErrorContext(ctx, "failed to remove delivered outbox entry",
			slog.String("entry_id", entry.ID.String()),
			slog.String("error", err.Error()))
		return false
	}
	if s.metrics != nil {
		s.metrics.OutboxDelivered.WithLabelValues(entry.Kind).Inc()
	}
	return true
}

func (s *Service) attempt(ctx context.Context, h Handler, payload []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	return h(attemptCtx, payload)
}
