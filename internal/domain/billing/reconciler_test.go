package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formaplace/checkout/internal/domain/entitlement"
)

type mockSubRepo struct {
	byProviderID map[string]*Subscription

	upserted  []*Subscription
	activated map[string]PeriodUpdate
	pastDue   []string
	canceled  map[string]time.Time
	mirrored  map[string]SubscriptionUpdated
}

func newMockSubRepo() *mockSubRepo {
	return &mockSubRepo{
		byProviderID: map[string]*Subscription{},
		activated:    map[string]PeriodUpdate{},
		canceled:     map[string]time.Time{},
		mirrored:     map[string]SubscriptionUpdated{},
	}
}

func (m *mockSubRepo) Upsert(_ context.Context, sub *Subscription) error {
	m.upserted = append(m.upserted, sub)
	m.byProviderID[sub.ProviderSubscriptionID] = sub
	return nil
}

func (m *mockSubRepo) FindByProviderID(_ context.Context, providerSubID string) (*Subscription, error) {
	sub, ok := m.byProviderID[providerSubID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

func (m *mockSubRepo) Activate(_ context.Context, providerSubID string, period PeriodUpdate) error {
	m.activated[providerSubID] = period
	return nil
}

func (m *mockSubRepo) MarkPastDue(_ context.Context, providerSubID string) error {
	m.pastDue = append(m.pastDue, providerSubID)
	return nil
}

func (m *mockSubRepo) Cancel(_ context.Context, providerSubID string, canceledAt time.Time) error {
	m.canceled[providerSubID] = canceledAt
	return nil
}

func (m *mockSubRepo) Mirror(_ context.Context, providerSubID string, status Status, cancelAtPeriodEnd bool, periodEnd *time.Time) error {
	m.mirrored[providerSubID] = SubscriptionUpdated{
		ProviderSubscriptionID: providerSubID,
		Status:                 string(status),
		CancelAtPeriodEnd:      cancelAtPeriodEnd,
		CurrentPeriodEnd:       periodEnd,
	}
	return nil
}

type mockInvoiceRepo struct {
	appended []Invoice
	err      error
}

func (m *mockInvoiceRepo) Append(_ context.Context, inv Invoice) error {
	if m.err != nil {
		return m.err
	}
	m.appended = append(m.appended, inv)
	return nil
}

type logEntry struct {
	kind, providerID, detail string
}

type mockEventLog struct {
	processed []string
	entries   []logEntry
}

func (m *mockEventLog) MarkProcessed(_ context.Context, eventID, _ string) (bool, error) {
	for _, id := range m.processed {
		if id == eventID {
			return false, nil
		}
	}
	m.processed = append(m.processed, eventID)
	return true, nil
}

func (m *mockEventLog) Append(_ context.Context, kind, providerID, detail string) error {
	m.entries = append(m.entries, logEntry{kind, providerID, detail})
	return nil
}

type mockEntitlementRepo struct {
	plans       map[string]*entitlement.Plan // keyed by provider price id
	plansByCode map[string]*entitlement.Plan
	features    map[string]map[string]bool // keyed by user id
	revoked     []string
}

func newMockEntitlementRepo() *mockEntitlementRepo {
	return &mockEntitlementRepo{
		plans:       map[string]*entitlement.Plan{},
		plansByCode: map[string]*entitlement.Plan{},
		features:    map[string]map[string]bool{},
	}
}

func (m *mockEntitlementRepo) GetUserRole(context.Context, string) (string, error) {
	return "member", nil
}

func (m *mockEntitlementRepo) GetUserFeatures(_ context.Context, userID string) (map[string]bool, error) {
	return m.features[userID], nil
}

func (m *mockEntitlementRepo) SetUserFeatures(_ context.Context, userID string, features map[string]bool) error {
	m.features[userID] = features
	return nil
}

func (m *mockEntitlementRepo) RevokeUserFeatures(_ context.Context, userID string) error {
	m.revoked = append(m.revoked, userID)
	delete(m.features, userID)
	return nil
}

func (m *mockEntitlementRepo) FindPlanByPriceID(_ context.Context, providerPriceID string) (*entitlement.Plan, error) {
	plan, ok := m.plans[providerPriceID]
	if !ok {
		return nil, entitlement.ErrPlanNotFound
	}
	return plan, nil
}

func (m *mockEntitlementRepo) FindPlanByCode(_ context.Context, code string) (*entitlement.Plan, error) {
	plan, ok := m.plansByCode[code]
	if !ok {
		return nil, entitlement.ErrPlanNotFound
	}
	return plan, nil
}

type mockCartCloser struct {
	closed []string
	err    error
}

func (m *mockCartCloser) MarkCheckedOut(_ context.Context, cartID string) error {
	if m.err != nil {
		return m.err
	}
	m.closed = append(m.closed, cartID)
	return nil
}

type redemption struct {
	code, userID, cartID string
}

type mockRedemptions struct {
	recorded []redemption
}

func (m *mockRedemptions) RecordRedemption(_ context.Context, code, userID, cartID string) error {
	m.recorded = append(m.recorded, redemption{code, userID, cartID})
	return nil
}

type mockSpotReserver struct {
	reserved []string
	err      error
}

func (m *mockSpotReserver) ReserveForCart(_ context.Context, cartID string) error {
	if m.err != nil {
		return m.err
	}
	m.reserved = append(m.reserved, cartID)
	return nil
}

type mockDeduper struct {
	seen map[string]bool
}

func newMockDeduper() *mockDeduper {
	return &mockDeduper{seen: map[string]bool{}}
}

func (m *mockDeduper) Seen(_ context.Context, eventID string) bool {
	return m.seen[eventID]
}

func (m *mockDeduper) MarkSeen(_ context.Context, eventID string) {
	m.seen[eventID] = true
}

type reconcilerFixture struct {
	subs         *mockSubRepo
	invoices     *mockInvoiceRepo
	events       *mockEventLog
	entitlements *mockEntitlementRepo
	carts        *mockCartCloser
	promos       *mockRedemptions
	spots        *mockSpotReserver
	r            *Reconciler
}

func newReconcilerFixture(dedup Deduper) *reconcilerFixture {
	f := &reconcilerFixture{
		subs:         newMockSubRepo(),
		invoices:     &mockInvoiceRepo{},
		events:       &mockEventLog{},
		entitlements: newMockEntitlementRepo(),
		carts:        &mockCartCloser{},
		promos:       &mockRedemptions{},
		spots:        &mockSpotReserver{},
	}
	f.r = NewReconciler(f.subs, f.invoices, f.events, f.entitlements, f.carts, f.promos, f.spots, dedup)

	var n int
	f.r.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return f
}

func proPlan() *entitlement.Plan {
	return &entitlement.Plan{
		Code:            "pro",
		ProviderPriceID: "price_pro_monthly",
		Features:        map[string]bool{"catalog_access": true, "replay_access": true},
	}
}

func TestReconciler_CheckoutCompleted(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(nil)
	f.entitlements.plans["price_pro_monthly"] = proPlan()

	ev := &CheckoutCompleted{
		ID:                     "evt_1",
		ProviderCustomerID:     "cus_42",
		ProviderSubscriptionID: "sub_42",
		ProviderPriceID:        "price_pro_monthly",
		Metadata: map[string]string{
			"user_id":    "user-1",
			"cart_id":    "cart-1",
			"promo_code": "SAVE10",
		},
	}
	require.NoError(t, f.r.Handle(ctx, ev))

	require.Len(t, f.subs.upserted, 1)
	sub := f.subs.upserted[0]
	assert.Equal(t, "id-1", sub.ID)
	assert.Equal(t, "user-1", sub.UserID)
	assert.Equal(t, "cus_42", sub.ProviderCustomerID)
	assert.Equal(t, "sub_42", sub.ProviderSubscriptionID)
	assert.Equal(t, "pro", sub.PlanCode)
	assert.Equal(t, StatusActive, sub.Status)

	assert.Equal(t, proPlan().Features, f.entitlements.features["user-1"])
	assert.Equal(t, []string{"cart-1"}, f.spots.reserved)
	assert.Equal(t, []string{"cart-1"}, f.carts.closed)
	assert.Equal(t, []redemption{{"SAVE10", "user-1", "cart-1"}}, f.promos.recorded)
	assert.Equal(t, []string{"evt_1"}, f.events.processed)
}

func TestReconciler_CheckoutCompletedNoCart(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(nil)
	f.entitlements.plans["price_basic_monthly"] = &entitlement.Plan{
		Code:            "basic",
		ProviderPriceID: "price_basic_monthly",
		Features:        map[string]bool{"catalog_access": true},
	}

	// Plain subscription purchase without a cart attached.
	ev := &CheckoutCompleted{
		ID:                     "evt_1",
		ProviderSubscriptionID: "sub_42",
		ProviderPriceID:        "price_basic_monthly",
		Metadata:               map[string]string{"user_id": "user-1"},
	}
	require.NoError(t, f.r.Handle(ctx, ev))

	assert.Empty(t, f.spots.reserved)
	assert.Empty(t, f.carts.closed)
	assert.Empty(t, f.promos.recorded)
	require.Len(t, f.subs.upserted, 1)
}

func TestReconciler_CheckoutCompletedMissingMetadata(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		ev   *CheckoutCompleted
	}{
		{
			name: "no user id",
			ev: &CheckoutCompleted{
				ID:              "evt_1",
				ProviderPriceID: "price_pro_monthly",
				Metadata:        map[string]string{},
			},
		},
		{
			name: "no price id",
			ev: &CheckoutCompleted{
				ID:       "evt_2",
				Metadata: map[string]string{"user_id": "user-1"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReconcilerFixture(nil)
			f.entitlements.plans["price_pro_monthly"] = proPlan()

			err := f.r.Handle(ctx, tt.ev)
			require.ErrorIs(t, err, ErrMissingMetadata)

			// Nothing written, event left unprocessed for redelivery.
			assert.Empty(t, f.subs.upserted)
			assert.Empty(t, f.entitlements.features)
			assert.Empty(t, f.carts.closed)
			assert.Empty(t, f.events.processed)
		})
	}
}

func TestReconciler_CheckoutCompletedUnknownPlan(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(nil)

	ev := &CheckoutCompleted{
		ID:              "evt_1",
		ProviderPriceID: "price_nonexistent",
		Metadata:        map[string]string{"user_id": "user-1"},
	}
	err := f.r.Handle(ctx, ev)
	require.ErrorIs(t, err, entitlement.ErrPlanNotFound)
	assert.Empty(t, f.subs.upserted)
}

func TestReconciler_InvoicePaid(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(nil)

	start := time.Unix(1767225600, 0).UTC()
	end := time.Unix(1769904000, 0).UTC()
	ev := &InvoicePaymentSucceeded{
		ID:                     "evt_1",
		ProviderInvoiceID:      "in_1",
		ProviderSubscriptionID: "sub_42",
		Amount:                 decimal.RequireFromString("29.90"),
		Currency:               "eur",
		PeriodStart:            &start,
		PeriodEnd:              &end,
		PaidAt:                 start,
	}
	require.NoError(t, f.r.Handle(ctx, ev))

	period, ok := f.subs.activated["sub_42"]
	require.True(t, ok)
	assert.Equal(t, &start, period.Start)
	assert.Equal(t, &end, period.End)

	require.Len(t, f.invoices.appended, 1)
	inv := f.invoices.appended[0]
	assert.Equal(t, "in_1", inv.ProviderInvoiceID)
	assert.Equal(t, "sub_42", inv.ProviderSubscriptionID)
	assert.True(t, inv.Amount.Equal(decimal.RequireFromString("29.90")))
	assert.Equal(t, []string{"evt_1"}, f.events.processed)
}

func TestReconciler_InvoiceFailed(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(nil)

	ev := &InvoicePaymentFailed{
		ID:                     "evt_1",
		ProviderInvoiceID:      "in_1",
		ProviderSubscriptionID: "sub_42",
		FailureMessage:         "card_declined",
	}
	require.NoError(t, f.r.Handle(ctx, ev))

	assert.Equal(t, []string{"sub_42"}, f.subs.pastDue)
	require.Len(t, f.events.entries, 1)
	assert.Equal(t, logEntry{"payment_failed", "sub_42", "card_declined"}, f.events.entries[0])
}

func TestReconciler_SubscriptionDeleted(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(nil)
	f.subs.byProviderID["sub_42"] = &Subscription{
		ID:                     "local-1",
		UserID:                 "user-1",
		ProviderSubscriptionID: "sub_42",
		Status:                 StatusActive,
	}
	f.entitlements.features["user-1"] = map[string]bool{"catalog_access": true}

	canceledAt := time.Unix(1767312000, 0).UTC()
	ev := &SubscriptionDeleted{
		ID:                     "evt_1",
		ProviderSubscriptionID: "sub_42",
		CanceledAt:             canceledAt,
	}
	require.NoError(t, f.r.Handle(ctx, ev))

	assert.Equal(t, canceledAt, f.subs.canceled["sub_42"])
	assert.Equal(t, []string{"user-1"}, f.entitlements.revoked)
	assert.Empty(t, f.entitlements.features["user-1"])
}

func TestReconciler_SubscriptionDeletedUnknown(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(nil)

	ev := &SubscriptionDeleted{ID: "evt_1", ProviderSubscriptionID: "sub_missing"}
	err := f.r.Handle(ctx, ev)
	require.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.Empty(t, f.subs.canceled)
	assert.Empty(t, f.events.processed)
}

func TestReconciler_SubscriptionUpdated(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(nil)

	end := time.Unix(1769904000, 0).UTC()
	ev := &SubscriptionUpdated{
		ID:                     "evt_1",
		ProviderSubscriptionID: "sub_42",
		Status:                 "past_due",
		CancelAtPeriodEnd:      true,
		CurrentPeriodEnd:       &end,
	}
	require.NoError(t, f.r.Handle(ctx, ev))

	mirrored, ok := f.subs.mirrored["sub_42"]
	require.True(t, ok)
	assert.Equal(t, "past_due", mirrored.Status)
	assert.True(t, mirrored.CancelAtPeriodEnd)
	assert.Equal(t, &end, mirrored.CurrentPeriodEnd)
}

func TestReconciler_UnknownEventAcknowledged(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(nil)

	err := f.r.Handle(ctx, &UnknownEvent{ID: "evt_1", RawType: "customer.updated"})
	require.NoError(t, err)

	// Acknowledged without touching anything, not even the processed log.
	assert.Empty(t, f.events.processed)
	assert.Empty(t, f.events.entries)
}

func TestReconciler_DedupSkipsSeenEvent(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(&mockDeduper{seen: map[string]bool{"evt_1": true}})

	ev := &InvoicePaymentFailed{ID: "evt_1", ProviderSubscriptionID: "sub_42"}
	require.NoError(t, f.r.Handle(ctx, ev))

	assert.Empty(t, f.subs.pastDue)
	assert.Empty(t, f.events.processed)
}

func TestReconciler_DedupMarkedOnlyAfterSuccess(t *testing.T) {
	ctx := context.Background()
	dedup := newMockDeduper()
	f := newReconcilerFixture(dedup)

	ev := &InvoicePaymentSucceeded{
		ID:                     "evt_1",
		ProviderInvoiceID:      "in_1",
		ProviderSubscriptionID: "sub_42",
		Amount:                 decimal.NewFromInt(890),
		Currency:               "eur",
	}

	// First delivery hits a transient failure; the event id must not be
	// marked, or the provider's redelivery would be skipped.
	f.invoices.err = errors.New("connection reset")
	require.Error(t, f.r.Handle(ctx, ev))
	assert.False(t, dedup.seen["evt_1"])
	assert.Empty(t, f.invoices.appended)

	// Redelivery after recovery applies the event and marks it.
	f.invoices.err = nil
	require.NoError(t, f.r.Handle(ctx, ev))
	require.Len(t, f.invoices.appended, 1)
	assert.True(t, dedup.seen["evt_1"])
	assert.Equal(t, []string{"evt_1"}, f.events.processed)

	// A third delivery takes the fast path.
	require.NoError(t, f.r.Handle(ctx, ev))
	assert.Len(t, f.invoices.appended, 1)
}

func TestReconciler_HandlerErrorLoggedNotProcessed(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(nil)
	f.invoices.err = errors.New("connection reset")

	ev := &InvoicePaymentSucceeded{
		ID:                     "evt_1",
		ProviderInvoiceID:      "in_1",
		ProviderSubscriptionID: "sub_42",
		Amount:                 decimal.NewFromInt(890),
		Currency:               "eur",
	}
	err := f.r.Handle(ctx, ev)
	require.Error(t, err)

	// The error is surfaced for the provider to retry and recorded for the
	// operator, and the event stays unprocessed.
	assert.Empty(t, f.events.processed)
	require.Len(t, f.events.entries, 1)
	assert.Equal(t, "processing_error", f.events.entries[0].kind)
	assert.Equal(t, "evt_1", f.events.entries[0].providerID)
}

func TestReconciler_RedeliveryConverges(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(nil)

	ev := &SubscriptionUpdated{
		ID:                     "evt_1",
		ProviderSubscriptionID: "sub_42",
		Status:                 "active",
	}
	require.NoError(t, f.r.Handle(ctx, ev))
	require.NoError(t, f.r.Handle(ctx, ev))
	require.NoError(t, f.r.Handle(ctx, ev))

	assert.Equal(t, "active", f.subs.mirrored["sub_42"].Status)
	// MarkProcessed dedups internally, one entry regardless of deliveries.
	assert.Equal(t, []string{"evt_1"}, f.events.processed)
}
