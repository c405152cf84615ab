package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashgrove/subsync/internal/domain"
)

// MemoryStore is a mutex-guarded in-memory store for tests and local
// development. Implements the same interfaces as PostgresStore.
type MemoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]*domain.Subscription
	outbox        []OutboxEntry
	seenEvents    map[string]bool

	// UpsertErr, when set, is returned by UpsertByUserID.
	UpsertErr error
}

var (
	_ SubscriptionStore = (*MemoryStore)(nil)
	_ OutboxStore       = (*MemoryStore)(nil)
	_ EventDeduper      = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*domain.Subscription),
		seenEvents:    make(map[string]bool),
	}
}

// GetByUserID returns the record for a user.
func (s *MemoryStore) GetByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, domain.NotFound("store.GetByUserID", "subscription", userID)
	}
	cp := *sub
	return &cp, nil
}

// GetByProviderCustomerID returns the record linked to a provider customer.
func (s *MemoryStore) GetByProviderCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.ProviderCustomerID == customerID && customerID != "" {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, domain.NotFound("store.GetByProviderCustomerID", "subscription", customerID)
}

// UpsertByUserID merges the patch into the user's record.
func (s *MemoryStore) UpsertByUserID(ctx context.Context, userID string, patch SubscriptionPatch) (*domain.Subscription, error) {
	if s.UpsertErr != nil {
		return nil, s.UpsertErr
	}
	if userID == "" {
		return nil, domain.Invalid("store.UpsertByUserID", "user ID is required")
	}
	patch.normalize()
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	sub, ok := s.subscriptions[userID]
	if !ok {
		sub = &domain.Subscription{
			UserID:          userID,
			Plan:            domain.PlanFree,
			Status:          domain.StatusIncomplete,
			CancelationType: domain.CancelNone,
			PaymentMethod:   domain.PaymentProvider,
			RefundStatus:    domain.RefundNone,
			CreatedAt:       now,
		}
	}

	merged := *sub
	applyPatch(&merged, patch)
	merged.UpdatedAt = now

	if merged.StartDate != nil && merged.EndDate != nil && merged.EndDate.Before(*merged.StartDate) {
		return nil, domain.Invalid("store.UpsertByUserID", "end date must be after start date")
	}

	s.subscriptions[userID] = &merged
	cp := merged
	return &cp, nil
}

func applyPatch(sub *domain.Subscription, p SubscriptionPatch) {
	if p.Plan != nil {
		sub.Plan = *p.Plan
	}
	if p.Status != nil {
		sub.Status = *p.Status
	}
	if p.IsActive != nil {
		sub.IsActive = *p.IsActive
	}
	if p.CancelationType != nil {
		sub.CancelationType = *p.CancelationType
	}
	if p.StartDate != nil {
		sub.StartDate = p.StartDate
	}
	if p.ClearEndDate {
		sub.EndDate = nil
	} else if p.EndDate != nil {
		sub.EndDate = p.EndDate
	}
	if p.ProviderCustomerID != nil {
		sub.ProviderCustomerID = *p.ProviderCustomerID
	}
	if p.ProviderSubscriptionID != nil {
		sub.ProviderSubscriptionID = *p.ProviderSubscriptionID
	}
	if p.ProviderPriceID != nil {
		sub.ProviderPriceID = *p.ProviderPriceID
	}
	if p.PaymentMethod != nil {
		sub.PaymentMethod = *p.PaymentMethod
	}
	if p.LastPaymentDate != nil {
		sub.LastPaymentDate = p.LastPaymentDate
	}
	if p.LastTransactionID != nil {
		sub.LastTransactionID = *p.LastTransactionID
	}
	if p.PaymentStatus != nil {
		sub.PaymentStatus = *p.PaymentStatus
	}
	if p.LastFailureReason != nil {
		sub.LastFailureReason = *p.LastFailureReason
	}
	if p.RefundStatus != nil {
		sub.RefundStatus = *p.RefundStatus
	}
	if p.RefundAmountCents != nil {
		sub.RefundAmountCents = *p.RefundAmountCents
	}
	if p.RefundDate != nil {
		sub.RefundDate = p.RefundDate
	}
}

// Append stores an outbox entry and trims to the newest keep entries.
func (s *MemoryStore) Append(ctx context.Context, entry OutboxEntry, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.outbox = append(s.outbox, entry)

	if keep > 0 && len(s.outbox) > keep {
		sort.Slice(s.outbox, func(i, j int) bool {
			return s.outbox[i].CreatedAt.Before(s.outbox[j].CreatedAt)
		})
		s.outbox = append([]OutboxEntry(nil), s.outbox[len(s.outbox)-keep:]...)
	}
	return nil
}

// List returns all pending outbox entries, oldest first.
func (s *MemoryStore) List(ctx context.Context) ([]OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append([]OutboxEntry(nil), s.outbox...)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// Remove deletes an outbox entry.
func (s *MemoryStore) Remove(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.outbox {
		if e.ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

// RecordFailure stores the latest delivery error on an entry.
func (s *MemoryStore) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].FailureReason = reason
			return nil
		}
	}
	return nil
}

// Seen marks a webhook event as processed and reports prior processing.
func (s *MemoryStore) Seen(ctx context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenEvents[eventID] {
		return true, nil
	}
	s.seenEvents[eventID] = true
	return false, nil
}

// OutboxLen reports the number of pending entries.
func (s *MemoryStore) OutboxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}
