package billing

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formaplace/checkout/internal/domain/entitlement"
)

// CartCloser transitions a cart to its terminal checked-out state.
type CartCloser interface {
	MarkCheckedOut(ctx context.Context, cartID string) error
}

// RedemptionRecorder records a promo code redemption exactly once per
// confirmed checkout.
type RedemptionRecorder interface {
	RecordRedemption(ctx context.Context, code, userID, cartID string) error
}

// SpotReserver decrements session capacity for a confirmed cart under row
// locks so confirmed purchases cannot oversell.
type SpotReserver interface {
	ReserveForCart(ctx context.Context, cartID string) error
}

// Deduper is an optional fast-path guard against redelivered events. Seen is
// a pure read and MarkSeen is called only after a handler succeeds, so a
// transient handler failure keeps the provider's redelivery path open.
// Neither ever fails the request: when the cache is down the handlers' own
// idempotency takes over.
type Deduper interface {
	Seen(ctx context.Context, eventID string) bool
	MarkSeen(ctx context.Context, eventID string)
}

// Reconciler is the only place provider truth overwrites local order and
// subscription state. Every handler is idempotent with respect to replays of
// the same event: redelivery converges to the same local state.
type Reconciler struct {
	subs         SubscriptionRepository
	invoices     InvoiceRepository
	events       EventLog
	entitlements entitlement.Repository
	carts        CartCloser
	promos       RedemptionRecorder
	spots        SpotReserver
	dedup        Deduper
	newID        func() string
}

// NewReconciler wires the reconciler. dedup may be nil.
func NewReconciler(
	subs SubscriptionRepository,
	invoices InvoiceRepository,
	events EventLog,
	entitlements entitlement.Repository,
	carts CartCloser,
	promos RedemptionRecorder,
	spots SpotReserver,
	dedup Deduper,
) *Reconciler {
	return &Reconciler{
		subs:         subs,
		invoices:     invoices,
		events:       events,
		entitlements: entitlements,
		carts:        carts,
		promos:       promos,
		spots:        spots,
		dedup:        dedup,
		newID:        func() string { return uuid.New().String() },
	}
}

// Handle dispatches a verified, parsed event to its handler. The event id is
// recorded only after the handler succeeds, so a failed delivery is retried
// by the provider and re-applied idempotently.
func (r *Reconciler) Handle(ctx context.Context, ev Event) error {
	lg := zctx.From(ctx).With(
		zap.String("event_id", ev.EventID()),
		zap.String("event_type", string(ev.Type())),
	)

	if r.dedup != nil && r.dedup.Seen(ctx, ev.EventID()) {
		lg.Debug("Event already processed, skipping")
		return nil
	}

	var err error
	switch e := ev.(type) {
	case *CheckoutCompleted:
		err = r.checkoutCompleted(ctx, e)
	case *InvoicePaymentSucceeded:
		err = r.invoicePaid(ctx, e)
	case *InvoicePaymentFailed:
		err = r.invoiceFailed(ctx, e)
	case *SubscriptionDeleted:
		err = r.subscriptionDeleted(ctx, e)
	case *SubscriptionUpdated:
		err = r.subscriptionUpdated(ctx, e)
	case *UnknownEvent:
		lg.Info("Ignoring unknown event type")
		return nil
	default:
		return errors.Errorf("unhandled event type %T", ev)
	}
	if err != nil {
		// Failure log for the operator; retry is the provider's job.
		if logErr := r.events.Append(ctx, "processing_error", ev.EventID(), err.Error()); logErr != nil {
			lg.Error("Append failure log", zap.Error(logErr))
		}
		return err
	}

	if _, err := r.events.MarkProcessed(ctx, ev.EventID(), string(ev.Type())); err != nil {
		lg.Error("Mark event processed", zap.Error(err))
	}
	if r.dedup != nil {
		r.dedup.MarkSeen(ctx, ev.EventID())
	}
	return nil
}

// checkoutCompleted creates the local subscription row and applies the
// checkout's side effects: plan features, cart closure, capacity
// reservation, promo redemption. Requires user-identifying metadata and a
// plan price id; without them nothing is written.
func (r *Reconciler) checkoutCompleted(ctx context.Context, e *CheckoutCompleted) error {
	userID := e.Metadata["user_id"]
	if userID == "" {
		return errors.Wrap(ErrMissingMetadata, "user_id")
	}
	if e.ProviderPriceID == "" {
		return errors.Wrap(ErrMissingMetadata, "price_id")
	}

	plan, err := r.entitlements.FindPlanByPriceID(ctx, e.ProviderPriceID)
	if err != nil {
		return errors.Wrapf(err, "find plan for price %s", e.ProviderPriceID)
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:                     r.newID(),
		UserID:                 userID,
		ProviderCustomerID:     e.ProviderCustomerID,
		ProviderSubscriptionID: e.ProviderSubscriptionID,
		PlanCode:               plan.Code,
		Status:                 StatusActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := r.subs.Upsert(ctx, sub); err != nil {
		return errors.Wrap(err, "upsert subscription")
	}

	if err := r.entitlements.SetUserFeatures(ctx, userID, plan.Features); err != nil {
		return errors.Wrap(err, "set user features")
	}

	if cartID := e.Metadata["cart_id"]; cartID != "" {
		if err := r.spots.ReserveForCart(ctx, cartID); err != nil {
			return errors.Wrapf(err, "reserve spots for cart %s", cartID)
		}
		if err := r.carts.MarkCheckedOut(ctx, cartID); err != nil {
			return errors.Wrapf(err, "close cart %s", cartID)
		}
		if code := e.Metadata["promo_code"]; code != "" {
			if err := r.promos.RecordRedemption(ctx, code, userID, cartID); err != nil {
				return errors.Wrapf(err, "record redemption of %s", code)
			}
		}
	}

	return nil
}

// invoicePaid refreshes the subscription to active with the event's period
// bounds and appends an immutable invoice record. A previously recorded
// invoice is never updated; duplicate delivery results in exactly one row.
func (r *Reconciler) invoicePaid(ctx context.Context, e *InvoicePaymentSucceeded) error {
	period := PeriodUpdate{Start: e.PeriodStart, End: e.PeriodEnd}
	if err := r.subs.Activate(ctx, e.ProviderSubscriptionID, period); err != nil {
		return errors.Wrap(err, "activate subscription")
	}

	inv := Invoice{
		ProviderInvoiceID:      e.ProviderInvoiceID,
		ProviderSubscriptionID: e.ProviderSubscriptionID,
		Amount:                 e.Amount,
		Currency:               e.Currency,
		PaidAt:                 e.PaidAt,
	}
	if err := r.invoices.Append(ctx, inv); err != nil {
		return errors.Wrap(err, "append invoice")
	}
	return nil
}

// invoiceFailed marks the subscription past due and records the failure for
// the operator. Dunning and retry stay with the provider.
func (r *Reconciler) invoiceFailed(ctx context.Context, e *InvoicePaymentFailed) error {
	if err := r.subs.MarkPastDue(ctx, e.ProviderSubscriptionID); err != nil {
		return errors.Wrap(err, "mark past due")
	}
	if err := r.events.Append(ctx, "payment_failed", e.ProviderSubscriptionID, e.FailureMessage); err != nil {
		return errors.Wrap(err, "append payment failure")
	}
	return nil
}

// subscriptionDeleted cancels the local row and revokes the owner's plan
// features.
func (r *Reconciler) subscriptionDeleted(ctx context.Context, e *SubscriptionDeleted) error {
	sub, err := r.subs.FindByProviderID(ctx, e.ProviderSubscriptionID)
	if err != nil {
		return errors.Wrap(err, "find subscription")
	}

	canceledAt := e.CanceledAt
	if canceledAt.IsZero() {
		canceledAt = time.Now().UTC()
	}
	if err := r.subs.Cancel(ctx, e.ProviderSubscriptionID, canceledAt); err != nil {
		return errors.Wrap(err, "cancel subscription")
	}

	if err := r.entitlements.RevokeUserFeatures(ctx, sub.UserID); err != nil {
		return errors.Wrap(err, "revoke user features")
	}
	return nil
}

// subscriptionUpdated mirrors provider-reported fields verbatim onto the
// local row. Local state never invents values the provider did not send.
func (r *Reconciler) subscriptionUpdated(ctx context.Context, e *SubscriptionUpdated) error {
	err := r.subs.Mirror(ctx, e.ProviderSubscriptionID, Status(e.Status), e.CancelAtPeriodEnd, e.CurrentPeriodEnd)
	if err != nil {
		return errors.Wrap(err, "mirror subscription")
	}
	return nil
}
