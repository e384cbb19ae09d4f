package billing

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status enumerates subscription lifecycle states mirrored from the provider.
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Sentinel errors for webhook processing.
var (
	// ErrMissingMetadata is returned when a provider event lacks the
	// correlation identifiers required to process it. Nothing is written.
	ErrMissingMetadata = errors.New("event missing required metadata")
	// ErrSignatureInvalid is returned when the webhook signature check
	// fails. The request is rejected with no side effects.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrSubscriptionNotFound is returned when no local row matches a
	// provider subscription id.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Subscription is the local projection of a provider subscription. It is
// created and updated only by the webhook reconciler; its state must always
// be derivable from the last processed provider event.
type Subscription struct {
	ID                     string
	UserID                 string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	PlanCode               string
	Status                 Status
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Invoice is an immutable record of a successful provider invoice payment.
// Rows are appended, never updated.
type Invoice struct {
	ProviderInvoiceID      string
	ProviderSubscriptionID string
	Amount                 decimal.Decimal
	Currency               string
	PaidAt                 time.Time
}

// PeriodUpdate carries the billing period bounds reported by an invoice event.
type PeriodUpdate struct {
	Start *time.Time
	End   *time.Time
}

// SubscriptionRepository defines the reconciler's persistence operations.
// All writes are upsert-by-provider-id so event replays converge.
type SubscriptionRepository interface {
	Upsert(ctx context.Context, sub *Subscription) error
	FindByProviderID(ctx context.Context, providerSubID string) (*Subscription, error)
	// Activate sets status=active and refreshes the period bounds.
	Activate(ctx context.Context, providerSubID string, period PeriodUpdate) error
	// MarkPastDue sets status=past_due.
	MarkPastDue(ctx context.Context, providerSubID string) error
	// Cancel sets status=canceled with the given timestamp.
	Cancel(ctx context.Context, providerSubID string, canceledAt time.Time) error
	// Mirror copies provider-reported fields verbatim onto the local row.
	Mirror(ctx context.Context, providerSubID string, status Status, cancelAtPeriodEnd bool, periodEnd *time.Time) error
}

// InvoiceRepository appends invoice records. Append ignores duplicates by
// provider invoice id so redelivered events do not double-append.
type InvoiceRepository interface {
	Append(ctx context.Context, inv Invoice) error
}

// EventLog tracks processed provider events and records observability
// entries for payment failures and processing errors.
type EventLog interface {
	// MarkProcessed records the event id. It returns false when the event
	// was already processed, without error.
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)
	Append(ctx context.Context, kind, providerID, detail string) error
}

// CheckoutSessionRequest is the input to the provider's hosted checkout.
type CheckoutSessionRequest struct {
	CustomerEmail string
	PriceID       string
	Amount        decimal.Decimal
	Currency      string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// CheckoutSession is the provider's answer: where to redirect the buyer.
type CheckoutSession struct {
	ID  string
	URL string
}

// ProviderSubscription is the provider's own view of a subscription, fetched
// on demand.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

// Provider is the payment provider treated as a black box: a checkout
// session creation call and a subscription retrieval call. Webhook delivery
// arrives separately over HTTP.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, providerSubID string) (*ProviderSubscription, error)
}
