package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashgrove/subsync/internal/domain"
)

// PostgresStore implements SubscriptionStore, OutboxStore and EventDeduper
// on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ SubscriptionStore = (*PostgresStore)(nil)
	_ OutboxStore       = (*PostgresStore)(nil)
	_ EventDeduper      = (*PostgresStore)(nil)
)

// NewPostgresStore creates a store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const subscriptionColumns = `
	user_id, plan, status, is_active, cancelation_type,
	start_date, end_date,
	provider_customer_id, provider_subscription_id, provider_price_id,
	payment_method, last_payment_date, last_transaction_id, payment_status, last_failure_reason,
	refund_status, refund_amount_cents, refund_date,
	created_at, updated_at`

// GetByUserID returns the record for a user.
func (s *PostgresStore) GetByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("store.GetByUserID", "subscription", userID)
		}
		return nil, domain.Internal(err, "store.GetByUserID", "failed to load subscription")
	}
	return sub, nil
}

// GetByProviderCustomerID returns the record linked to a provider customer.
func (s *PostgresStore) GetByProviderCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_customer_id = $1`, customerID)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("store.GetByProviderCustomerID", "subscription", customerID)
		}
		return nil, domain.Internal(err, "store.GetByProviderCustomerID", "failed to load subscription")
	}
	return sub, nil
}

// UpsertByUserID merges the patch into the user's record in a single
// statement. COALESCE keeps stored values where the patch is nil, so
// concurrent writers converge on a field-level merge rather than
// last-writer-wins over the whole row.
func (s *PostgresStore) UpsertByUserID(ctx context.Context, userID string, patch SubscriptionPatch) (*domain.Subscription, error) {
	if userID == "" {
		return nil, domain.Invalid("store.UpsertByUserID", "user ID is required")
	}
	patch.normalize()
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (
			user_id, plan, status, is_active, cancelation_type,
			start_date, end_date,
			provider_customer_id, provider_subscription_id, provider_price_id,
			payment_method, last_payment_date, last_transaction_id, payment_status, last_failure_reason,
			refund_status, refund_amount_cents, refund_date
		) VALUES (
			$1,
			COALESCE($2, 'free'), COALESCE($3, 'incomplete'), COALESCE($4, false), $5,
			$6, $7,
			$8, $9, $10,
			COALESCE($11, 'provider'), $12, $13, $14, $15,
			COALESCE($16, 'none'), COALESCE($17, 0), $18
		)
		ON CONFLICT (user_id) DO UPDATE SET
			plan                     = COALESCE($2, subscriptions.plan),
			status                   = COALESCE($3, subscriptions.status),
			is_active                = COALESCE($4, subscriptions.is_active),
			cancelation_type         = COALESCE($5, subscriptions.cancelation_type),
			start_date               = COALESCE($6, subscriptions.start_date),
			end_date                 = CASE WHEN $19 THEN NULL ELSE COALESCE($7, subscriptions.end_date) END,
			provider_customer_id     = COALESCE($8, subscriptions.provider_customer_id),
			provider_subscription_id = COALESCE($9, subscriptions.provider_subscription_id),
			provider_price_id        = COALESCE($10, subscriptions.provider_price_id),
			payment_method           = COALESCE($11, subscriptions.payment_method),
			last_payment_date        = COALESCE($12, subscriptions.last_payment_date),
			last_transaction_id      = COALESCE($13, subscriptions.last_transaction_id),
			payment_status           = COALESCE($14, subscriptions.payment_status),
			last_failure_reason      = COALESCE($15, subscriptions.last_failure_reason),
			refund_status            = COALESCE($16, subscriptions.refund_status),
			refund_amount_cents      = COALESCE($17, subscriptions.refund_amount_cents),
			refund_date              = COALESCE($18, subscriptions.refund_date),
			updated_at               = now()
		RETURNING `+subscriptionColumns,
		userID,
		(*string)(patch.Plan), (*string)(patch.Status), patch.IsActive, (*string)(patch.CancelationType),
		patch.StartDate, patch.EndDate,
		patch.ProviderCustomerID, patch.ProviderSubscriptionID, patch.ProviderPriceID,
		(*string)(patch.PaymentMethod), patch.LastPaymentDate, patch.LastTransactionID, (*string)(patch.PaymentStatus), patch.LastFailureReason,
		(*string)(patch.RefundStatus), patch.RefundAmountCents, patch.RefundDate,
		patch.ClearEndDate,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.ConstraintName {
			case "end_after_start":
				return nil, domain.Invalid("store.UpsertByUserID", "end date must be after start date")
			case "subscriptions_provider_customer_id_key":
				return nil, domain.Conflict("store.UpsertByUserID", "provider customer already linked to another user")
			}
		}
		return nil, domain.Internal(err, "store.UpsertByUserID", "failed to upsert subscription")
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub            domain.Subscription
		plan           string
		status         string
		cancelType     *string
		customerID     *string
		subscriptionID *string
		priceID        *string
		paymentMethod  string
		transactionID  *string
		paymentStatus  *string
		failureReason  *string
		refundStatus   string
	)

	err := row.Scan(
		&sub.UserID, &plan, &status, &sub.IsActive, &cancelType,
		&sub.StartDate, &sub.EndDate,
		&customerID, &subscriptionID, &priceID,
		&paymentMethod, &sub.LastPaymentDate, &transactionID, &paymentStatus, &failureReason,
		&refundStatus, &sub.RefundAmountCents, &sub.RefundDate,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Plan = domain.Plan(plan)
	sub.Status = domain.Status(status)
	sub.PaymentMethod = domain.PaymentMethod(paymentMethod)
	sub.RefundStatus = domain.RefundStatus(refundStatus)
	if cancelType != nil {
		sub.CancelationType = domain.CancelationType(*cancelType)
	} else {
		sub.CancelationType = domain.CancelNone
	}
	if customerID != nil {
		sub.ProviderCustomerID = *customerID
	}
	if subscriptionID != nil {
		sub.ProviderSubscriptionID = *subscriptionID
	}
	if priceID != nil {
		sub.ProviderPriceID = *priceID
	}
	if transactionID != nil {
		sub.LastTransactionID = *transactionID
	}
	if paymentStatus != nil {
		sub.PaymentStatus = domain.PaymentStatus(*paymentStatus)
	}
	if failureReason != nil {
		sub.LastFailureReason = *failureReason
	}
	return &sub, nil
}

// Append stores an outbox entry and trims the table to the newest keep rows.
func (s *PostgresStore) Append(ctx context.Context, entry OutboxEntry, keep int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Internal(err, "store.Append", "failed to append outbox entry")
	}
	defer tx.Rollback(ctx)

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_entries (id, kind, payload, created_at, failure_reason)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Kind, entry.Payload, entry.CreatedAt, entry.FailureReason)
	if err != nil {
		return domain.Internal(err, "store.Append", "failed to append outbox entry")
	}

	if keep > 0 {
		_, err = tx.Exec(ctx, `
			DELETE FROM outbox_entries
			WHERE id NOT IN (
				SELECT id FROM outbox_entries ORDER BY created_at DESC, id LIMIT $1
			)`, keep)
		if err != nil {
			return domain.Internal(err, "store.Append", "failed to append outbox entry")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Internal(err, "store.Append", "failed to append outbox entry")
	}
	return nil
}

// List returns all pending outbox entries, oldest first.
func (s *PostgresStore) List(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, payload, created_at, COALESCE(failure_reason, '')
		FROM outbox_entries ORDER BY created_at, id`)
	if err != nil {
		return nil, domain.Internal(err, "store.List", "failed to list outbox entries")
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Payload, &e.CreatedAt, &e.FailureReason); err != nil {
			return nil, domain.Internal(err, "store.List", "failed to list outbox entries")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, "store.List", "failed to list outbox entries")
	}
	return entries, nil
}

// Remove deletes an outbox entry after delivery.
func (s *PostgresStore) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM outbox_entries WHERE id = $1`, id)
	if err != nil {
		return domain.Internal(err, "store.Remove", "failed to remove outbox entry")
	}
	return nil
}

// RecordFailure stores the latest delivery error on an entry.
func (s *PostgresStore) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_entries SET failure_reason = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return domain.Internal(err, "store.RecordFailure", "failed to record outbox failure")
	}
	return nil
}

// Seen marks a webhook event as processed and reports whether it already was.
func (s *PostgresStore) Seen(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (provider_event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (provider_event_id) DO NOTHING`,
		eventID, eventType)
	if err != nil {
		return false, domain.Internal(err, "store.Seen", "failed to record webhook event")
	}
	return tag.RowsAffected() == 0, nil
}
