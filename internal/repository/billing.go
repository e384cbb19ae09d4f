package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formaplace/checkout/internal/domain/billing"
)

const (
	subscriptionColumns = `id, user_id, provider_customer_id, provider_subscription_id, plan_code,
		status, current_period_start, current_period_end, cancel_at_period_end, canceled_at,
		created_at, updated_at`

	upsertSubscriptionSQL = `INSERT INTO subscriptions
		(id, user_id, provider_customer_id, provider_subscription_id, plan_code, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			provider_customer_id = EXCLUDED.provider_customer_id,
			plan_code = EXCLUDED.plan_code,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`

	findSubscriptionSQL = `SELECT ` + subscriptionColumns + `
		FROM subscriptions WHERE provider_subscription_id = $1`

	activateSubscriptionSQL = `UPDATE subscriptions
		SET status = 'active', current_period_start = $2, current_period_end = $3, updated_at = now()
		WHERE provider_subscription_id = $1`

	markPastDueSQL = `UPDATE subscriptions SET status = 'past_due', updated_at = now()
		WHERE provider_subscription_id = $1`

	cancelSubscriptionSQL = `UPDATE subscriptions
		SET status = 'canceled', canceled_at = $2, updated_at = now()
		WHERE provider_subscription_id = $1`

	mirrorSubscriptionSQL = `UPDATE subscriptions
		SET status = $2, cancel_at_period_end = $3, current_period_end = $4, updated_at = now()
		WHERE provider_subscription_id = $1`

	appendInvoiceSQL = `INSERT INTO invoices
		(provider_invoice_id, provider_subscription_id, amount, currency, paid_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_invoice_id) DO NOTHING`

	markEventProcessedSQL = `INSERT INTO webhook_events (event_id, event_type)
		VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`

	appendBillingEventSQL = `INSERT INTO billing_events (kind, provider_id, detail)
		VALUES ($1, $2, $3)`
)

var _ billing.SubscriptionRepository = (*SubscriptionRepository)(nil)

// SubscriptionRepository implements the subscription projection backed by
// PostgreSQL.
type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewSubscriptionRepository returns a SubscriptionRepository that uses the
// given pool.
func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

// Upsert inserts or refreshes a subscription row keyed by the provider
// subscription id, so replayed checkout events converge on one row.
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *billing.Subscription) error {
	_, err := r.pool.Exec(ctx, upsertSubscriptionSQL,
		sub.ID, sub.UserID, sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		sub.PlanCode, string(sub.Status), sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting subscription %q: %w", sub.ProviderSubscriptionID, err)
	}
	return nil
}

// FindByProviderID returns the local projection for a provider subscription.
// Returns billing.ErrSubscriptionNotFound when no row matches.
func (r *SubscriptionRepository) FindByProviderID(ctx context.Context, providerSubID string) (*billing.Subscription, error) {
	rows, err := r.pool.Query(ctx, findSubscriptionSQL, providerSubID)
	if err != nil {
		return nil, fmt.Errorf("finding subscription %q: %w", providerSubID, err)
	}

	sub, err := pgx.CollectExactlyOneRow(rows, scanSubscription)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("finding subscription %q: %w", providerSubID, err)
	}
	return &sub, nil
}

// Activate sets status=active and refreshes the billing period bounds.
func (r *SubscriptionRepository) Activate(ctx context.Context, providerSubID string, period billing.PeriodUpdate) error {
	_, err := r.pool.Exec(ctx, activateSubscriptionSQL, providerSubID, period.Start, period.End)
	if err != nil {
		return fmt.Errorf("activating subscription %q: %w", providerSubID, err)
	}
	return nil
}

// MarkPastDue sets status=past_due.
func (r *SubscriptionRepository) MarkPastDue(ctx context.Context, providerSubID string) error {
	_, err := r.pool.Exec(ctx, markPastDueSQL, providerSubID)
	if err != nil {
		return fmt.Errorf("marking subscription %q past due: %w", providerSubID, err)
	}
	return nil
}

// Cancel sets status=canceled with the given timestamp.
func (r *SubscriptionRepository) Cancel(ctx context.Context, providerSubID string, canceledAt time.Time) error {
	_, err := r.pool.Exec(ctx, cancelSubscriptionSQL, providerSubID, canceledAt)
	if err != nil {
		return fmt.Errorf("canceling subscription %q: %w", providerSubID, err)
	}
	return nil
}

// Mirror copies provider-reported fields verbatim onto the local row.
func (r *SubscriptionRepository) Mirror(ctx context.Context, providerSubID string, status billing.Status, cancelAtPeriodEnd bool, periodEnd *time.Time) error {
	_, err := r.pool.Exec(ctx, mirrorSubscriptionSQL, providerSubID, string(status), cancelAtPeriodEnd, periodEnd)
	if err != nil {
		return fmt.Errorf("mirroring subscription %q: %w", providerSubID, err)
	}
	return nil
}

var _ billing.InvoiceRepository = (*InvoiceRepository)(nil)

// InvoiceRepository implements the append-only invoice store.
type InvoiceRepository struct {
	pool *pgxpool.Pool
}

// NewInvoiceRepository returns an InvoiceRepository that uses the given pool.
func NewInvoiceRepository(pool *pgxpool.Pool) *InvoiceRepository {
	return &InvoiceRepository{pool: pool}
}

// Append records an invoice. Duplicate provider invoice ids are ignored so
// redelivered events never double-append.
func (r *InvoiceRepository) Append(ctx context.Context, inv billing.Invoice) error {
	_, err := r.pool.Exec(ctx, appendInvoiceSQL,
		inv.ProviderInvoiceID, inv.ProviderSubscriptionID, inv.Amount, inv.Currency, inv.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("appending invoice %q: %w", inv.ProviderInvoiceID, err)
	}
	return nil
}

var _ billing.EventLog = (*EventLogRepository)(nil)

// EventLogRepository tracks processed webhook events and the billing
// observability log.
type EventLogRepository struct {
	pool *pgxpool.Pool
}

// NewEventLogRepository returns an EventLogRepository that uses the given pool.
func NewEventLogRepository(pool *pgxpool.Pool) *EventLogRepository {
	return &EventLogRepository{pool: pool}
}

// MarkProcessed records a processed provider event id. Returns false without
// error when the event was already recorded.
func (r *EventLogRepository) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.pool.Exec(ctx, markEventProcessedSQL, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("marking event %q processed: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Append adds an observability entry for payment failures and processing
// errors.
func (r *EventLogRepository) Append(ctx context.Context, kind, providerID, detail string) error {
	_, err := r.pool.Exec(ctx, appendBillingEventSQL, kind, providerID, detail)
	if err != nil {
		return fmt.Errorf("appending billing event %q: %w", kind, err)
	}
	return nil
}

func scanSubscription(row pgx.CollectableRow) (billing.Subscription, error) {
	var (
		sub    billing.Subscription
		status string
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.ProviderCustomerID, &sub.ProviderSubscriptionID, &sub.PlanCode,
		&status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.CanceledAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	sub.Status = billing.Status(status)
	return sub, err
}
