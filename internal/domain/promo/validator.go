package promo

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Validator evaluates promo codes against a cart snapshot. Validation is a
// dry-run: it never mutates usage counts.
type Validator interface {
	Validate(ctx context.Context, code, userID string, items []Item, subtotal decimal.Decimal) (*Result, error)
	AutoApplicable(ctx context.Context, userID string, items []Item, subtotal decimal.Decimal) ([]Result, error)
}

// RepoValidator implements Validator by looking up codes from a Repository.
type RepoValidator struct {
	repo Repository
	now  func() time.Time
}

// NewRepoValidator creates a RepoValidator backed by the given Repository.
func NewRepoValidator(repo Repository) *RepoValidator {
	return &RepoValidator{repo: repo, now: time.Now}
}

// Validate normalizes the code, looks it up, and runs the eligibility checks
// in order: existence/active, validity window, global limit, per-user limit,
// formation scope, minimum spend. The first failing check short-circuits
// with a ValidationError carrying its reason.
func (v *RepoValidator) Validate(ctx context.Context, code, userID string, items []Item, subtotal decimal.Decimal) (*Result, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))

	c, err := v.repo.FindByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &ValidationError{Code: normalized, Reason: ReasonNotFound}
		}
		return nil, errors.Wrap(err, "lookup promo code")
	}

	return v.check(ctx, c, userID, items, subtotal)
}

// AutoApplicable returns every auto-apply code for which validation would
// succeed, ranked descending by discount amount so the caller can offer the
// single best one.
func (v *RepoValidator) AutoApplicable(ctx context.Context, userID string, items []Item, subtotal decimal.Decimal) ([]Result, error) {
	codes, err := v.repo.ListAutoApply(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list auto-apply codes")
	}

	results := make([]Result, 0, len(codes))
	for i := range codes {
		res, err := v.check(ctx, &codes[i], userID, items, subtotal)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				continue
			}
			return nil, err
		}
		results = append(results, *res)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].DiscountAmount.GreaterThan(results[j].DiscountAmount)
	})
	return results, nil
}

func (v *RepoValidator) check(ctx context.Context, c *Code, userID string, items []Item, subtotal decimal.Decimal) (*Result, error) {
	if !c.Active {
		return nil, &ValidationError{Code: c.Code, Reason: ReasonNotFound}
	}

	now := v.now()
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return nil, &ValidationError{Code: c.Code, Reason: ReasonExpired}
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return nil, &ValidationError{Code: c.Code, Reason: ReasonExpired}
	}

	if c.MaxUses > 0 && c.Uses >= c.MaxUses {
		return nil, &ValidationError{Code: c.Code, Reason: ReasonLimitReached}
	}

	if c.PerUserLimit > 0 && userID != "" {
		used, err := v.repo.CountRedemptions(ctx, c.Code, userID)
		if err != nil {
			return nil, errors.Wrap(err, "count redemptions")
		}
		if used >= c.PerUserLimit {
			return nil, &ValidationError{Code: c.Code, Reason: ReasonUserLimitReached}
		}
	}

	if len(c.FormationIDs) > 0 {
		allowed := make(map[string]struct{}, len(c.FormationIDs))
		for _, id := range c.FormationIDs {
			allowed[id] = struct{}{}
		}
		for _, item := range items {
			if _, ok := allowed[item.FormationID]; !ok {
				return nil, &ValidationError{Code: c.Code, Reason: ReasonNotApplicable}
			}
		}
	}

	if c.MinSubtotal.IsPositive() && subtotal.LessThan(c.MinSubtotal) {
		return nil, &ValidationError{Code: c.Code, Reason: ReasonBelowMinimum}
	}

	amount, err := Discount(c, subtotal)
	if err != nil {
		return nil, err
	}

	return &Result{
		Code:           c.Code,
		DiscountAmount: amount,
		Description:    c.Description,
	}, nil
}
