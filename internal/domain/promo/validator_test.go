package promo

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockPromoRepo struct {
	byCode      map[string]*Code
	redemptions map[string]int // "code/user" -> count
	countErr    error
}

func newMockPromoRepo(codes ...Code) *mockPromoRepo {
	byCode := make(map[string]*Code, len(codes))
	for i := range codes {
		byCode[codes[i].Code] = &codes[i]
	}
	return &mockPromoRepo{byCode: byCode, redemptions: make(map[string]int)}
}

func (m *mockPromoRepo) FindByCode(_ context.Context, code string) (*Code, error) {
	c, ok := m.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *mockPromoRepo) ListAutoApply(_ context.Context) ([]Code, error) {
	var out []Code
	for _, c := range m.byCode {
		if c.AutoApply {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *mockPromoRepo) CountRedemptions(_ context.Context, code, userID string) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.redemptions[code+"/"+userID], nil
}

func (m *mockPromoRepo) RecordRedemption(_ context.Context, code, userID, _ string) error {
	m.redemptions[code+"/"+userID]++
	if c, ok := m.byCode[code]; ok {
		c.Uses++
	}
	return nil
}

// --- Helpers ---

func newValidator(repo *mockPromoRepo) *RepoValidator {
	v := NewRepoValidator(repo)
	v.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return v
}

func percentCode(code string, value int64) Code {
	return Code{
		Code:         code,
		DiscountType: DiscountPercentage,
		Value:        decimal.NewFromInt(value),
		Active:       true,
	}
}

func cartOf(price string, qty int) ([]Item, decimal.Decimal) {
	items := []Item{{
		SessionID:   "s1",
		FormationID: "f1",
		Price:       decimal.RequireFromString(price),
		Quantity:    qty,
	}}
	return items, Subtotal(items)
}

func requireReason(t *testing.T, err error, want Reason) {
	t.Helper()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, want, verr.Reason)
}

// --- Tests ---

func TestValidate_PercentageDiscount(t *testing.T) {
	v := newValidator(newMockPromoRepo(percentCode("SAVE10", 10)))
	items, subtotal := cartOf("100.00", 1)

	res, err := v.Validate(context.Background(), "SAVE10", "u1", items, subtotal)
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", res.Code)
	assert.Equal(t, "10.00", res.DiscountAmount.StringFixed(2))
}

func TestValidate_NormalizesCode(t *testing.T) {
	v := newValidator(newMockPromoRepo(percentCode("SAVE10", 10)))
	items, subtotal := cartOf("100.00", 1)

	res, err := v.Validate(context.Background(), "  save10 ", "u1", items, subtotal)
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", res.Code)
}

func TestValidate_NotFound(t *testing.T) {
	v := newValidator(newMockPromoRepo())
	items, subtotal := cartOf("100.00", 1)

	_, err := v.Validate(context.Background(), "NOPE", "u1", items, subtotal)
	requireReason(t, err, ReasonNotFound)
}

func TestValidate_InactiveLooksAbsent(t *testing.T) {
	c := percentCode("OLD", 10)
	c.Active = false
	v := newValidator(newMockPromoRepo(c))
	items, subtotal := cartOf("100.00", 1)

	_, err := v.Validate(context.Background(), "OLD", "u1", items, subtotal)
	requireReason(t, err, ReasonNotFound)
}

func TestValidate_ValidityWindow(t *testing.T) {
	future := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	early := percentCode("SOON", 10)
	early.ValidFrom = &future
	late := percentCode("GONE", 10)
	late.ValidUntil = &past

	v := newValidator(newMockPromoRepo(early, late))
	items, subtotal := cartOf("100.00", 1)

	_, err := v.Validate(context.Background(), "SOON", "u1", items, subtotal)
	requireReason(t, err, ReasonExpired)

	_, err = v.Validate(context.Background(), "GONE", "u1", items, subtotal)
	requireReason(t, err, ReasonExpired)
}

func TestValidate_GlobalLimit(t *testing.T) {
	c := percentCode("RARE", 10)
	c.MaxUses = 5
	c.Uses = 5
	v := newValidator(newMockPromoRepo(c))
	items, subtotal := cartOf("100.00", 1)

	_, err := v.Validate(context.Background(), "RARE", "u1", items, subtotal)
	requireReason(t, err, ReasonLimitReached)
}

func TestValidate_PerUserLimit(t *testing.T) {
	c := percentCode("ONCE", 10)
	c.PerUserLimit = 1
	repo := newMockPromoRepo(c)
	repo.redemptions["ONCE/u1"] = 1
	v := newValidator(repo)
	items, subtotal := cartOf("100.00", 1)

	_, err := v.Validate(context.Background(), "ONCE", "u1", items, subtotal)
	requireReason(t, err, ReasonUserLimitReached)

	// A different user is unaffected.
	res, err := v.Validate(context.Background(), "ONCE", "u2", items, subtotal)
	require.NoError(t, err)
	assert.Equal(t, "ONCE", res.Code)

	// Anonymous validation skips the per-user check.
	res, err = v.Validate(context.Background(), "ONCE", "", items, subtotal)
	require.NoError(t, err)
	assert.Equal(t, "ONCE", res.Code)
}

func TestValidate_FormationScope(t *testing.T) {
	c := percentCode("GOONLY", 10)
	c.FormationIDs = []string{"form-go"}
	v := newValidator(newMockPromoRepo(c))

	inScope := []Item{{SessionID: "s1", FormationID: "form-go", Price: decimal.NewFromInt(100), Quantity: 1}}
	res, err := v.Validate(context.Background(), "GOONLY", "u1", inScope, Subtotal(inScope))
	require.NoError(t, err)
	assert.Equal(t, "10.00", res.DiscountAmount.StringFixed(2))

	// One out-of-scope line rejects the whole cart.
	mixed := append(inScope, Item{SessionID: "s2", FormationID: "form-data", Price: decimal.NewFromInt(50), Quantity: 1})
	_, err = v.Validate(context.Background(), "GOONLY", "u1", mixed, Subtotal(mixed))
	requireReason(t, err, ReasonNotApplicable)
}

func TestValidate_MinimumSpend(t *testing.T) {
	c := Code{
		Code:         "BIG50",
		DiscountType: DiscountFixed,
		Value:        decimal.NewFromInt(50),
		MinSubtotal:  decimal.NewFromInt(500),
		Active:       true,
	}
	v := newValidator(newMockPromoRepo(c))

	items, subtotal := cartOf("100.00", 1)
	_, err := v.Validate(context.Background(), "BIG50", "u1", items, subtotal)
	requireReason(t, err, ReasonBelowMinimum)

	items, subtotal = cartOf("500.00", 1)
	res, err := v.Validate(context.Background(), "BIG50", "u1", items, subtotal)
	require.NoError(t, err)
	assert.Equal(t, "50.00", res.DiscountAmount.StringFixed(2))
}

func TestValidate_IsDryRun(t *testing.T) {
	c := percentCode("SAVE10", 10)
	c.MaxUses = 10
	repo := newMockPromoRepo(c)
	v := newValidator(repo)
	items, subtotal := cartOf("100.00", 1)

	for i := 0; i < 3; i++ {
		_, err := v.Validate(context.Background(), "SAVE10", "u1", items, subtotal)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, repo.byCode["SAVE10"].Uses, "validation must not consume uses")
}

func TestAutoApplicable_RanksByDiscount(t *testing.T) {
	small := percentCode("AUTO5", 5)
	small.AutoApply = true
	big := percentCode("AUTO20", 20)
	big.AutoApply = true
	manual := percentCode("MANUAL50", 50)

	v := newValidator(newMockPromoRepo(small, big, manual))
	items, subtotal := cartOf("100.00", 1)

	results, err := v.AutoApplicable(context.Background(), "u1", items, subtotal)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "AUTO20", results[0].Code)
	assert.Equal(t, "AUTO5", results[1].Code)
}

func TestAutoApplicable_SkipsIneligible(t *testing.T) {
	eligible := percentCode("AUTO5", 5)
	eligible.AutoApply = true
	spent := percentCode("AUTODONE", 30)
	spent.AutoApply = true
	spent.MaxUses = 1
	spent.Uses = 1

	v := newValidator(newMockPromoRepo(eligible, spent))
	items, subtotal := cartOf("100.00", 1)

	results, err := v.AutoApplicable(context.Background(), "u1", items, subtotal)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "AUTO5", results[0].Code)
}
