package promo

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported promo discount strategies.
type DiscountType string

const (
	// DiscountPercentage applies a percentage-based discount to the subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed applies a fixed monetary discount capped at the subtotal.
	DiscountFixed DiscountType = "fixed"
)

// Reason identifies which validation check rejected a promo code.
type Reason string

const (
	ReasonNotFound         Reason = "code not found"
	ReasonExpired          Reason = "code expired"
	ReasonLimitReached     Reason = "usage limit reached"
	ReasonUserLimitReached Reason = "per-user limit reached"
	ReasonNotApplicable    Reason = "not applicable to cart contents"
	ReasonBelowMinimum     Reason = "below minimum spend"
)

// ValidationError carries the specific reason a code was rejected. It is
// surfaced verbatim to the caller; a failed validation never yields a
// partial discount.
type ValidationError struct {
	Code   string
	Reason Reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("promo code %s invalid: %s", e.Code, e.Reason)
}

// ErrNotFound is the repository-level sentinel for a missing code.
var ErrNotFound = errors.New("promo code not found")

// Code defines a promo code's discount behaviour and eligibility constraints.
type Code struct {
	Code         string
	DiscountType DiscountType
	Value        decimal.Decimal
	// MaxDiscount caps percentage discounts when positive.
	MaxDiscount decimal.Decimal
	// MinSubtotal is the minimum cart subtotal; zero means no threshold.
	MinSubtotal decimal.Decimal
	// FormationIDs scopes the code to specific formations; empty means all.
	FormationIDs []string
	// MaxUses is the global redemption cap; zero means unlimited.
	MaxUses int
	Uses    int
	// PerUserLimit caps redemptions per user; zero means unlimited.
	PerUserLimit int
	AutoApply    bool
	Active       bool
	Description  string
	ValidFrom    *time.Time
	ValidUntil   *time.Time
}

// Item is a cart line as seen by the evaluator.
type Item struct {
	SessionID   string
	FormationID string
	Price       decimal.Decimal
	Quantity    int
}

// Result is a successful validation outcome.
type Result struct {
	Code           string
	DiscountAmount decimal.Decimal
	Description    string
}

// Repository provides read access to promo codes and redemption history.
// RecordRedemption is the only mutation and is called exactly once per
// confirmed checkout, never during validation.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Code, error)
	ListAutoApply(ctx context.Context) ([]Code, error)
	CountRedemptions(ctx context.Context, code, userID string) (int, error)
	RecordRedemption(ctx context.Context, code, userID, cartID string) error
}
