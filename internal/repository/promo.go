package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/formaplace/checkout/internal/domain/promo"
)

const (
	promoColumns = `code, discount_type, value, max_discount, min_subtotal, formation_ids,
		max_uses, uses, per_user_limit, auto_apply, active, description, valid_from, valid_until`

	findPromoByCodeSQL = `SELECT ` + promoColumns + ` FROM promo_codes WHERE UPPER(code) = UPPER($1)`

	listAutoApplySQL = `SELECT ` + promoColumns + ` FROM promo_codes
		WHERE auto_apply = TRUE AND active = TRUE ORDER BY code`

	countRedemptionsSQL = `SELECT COUNT(*) FROM promo_code_redemptions WHERE code = $1 AND user_id = $2`

	recordRedemptionSQL = `INSERT INTO promo_code_redemptions (code, user_id, cart_id)
		VALUES ($1, $2, $3) ON CONFLICT (code, cart_id) DO NOTHING`

	incrementPromoUsesSQL = `UPDATE promo_codes SET uses = uses + 1 WHERE code = $1`
)

var _ promo.Repository = (*PromoRepository)(nil)

// PromoRepository implements promo.Repository backed by PostgreSQL.
type PromoRepository struct {
	pool *pgxpool.Pool
}

// NewPromoRepository returns a PromoRepository that uses the given pool.
func NewPromoRepository(pool *pgxpool.Pool) *PromoRepository {
	return &PromoRepository{pool: pool}
}

// FindByCode looks up a promo code (case-insensitive).
// Returns promo.ErrNotFound when no matching code exists.
func (r *PromoRepository) FindByCode(ctx context.Context, code string) (*promo.Code, error) {
	rows, err := r.pool.Query(ctx, findPromoByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding promo code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanPromoCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promo.ErrNotFound
		}
		return nil, fmt.Errorf("finding promo code %q: %w", code, err)
	}
	return &c, nil
}

// ListAutoApply returns every active auto-apply code.
func (r *PromoRepository) ListAutoApply(ctx context.Context) ([]promo.Code, error) {
	rows, err := r.pool.Query(ctx, listAutoApplySQL)
	if err != nil {
		return nil, fmt.Errorf("listing auto-apply codes: %w", err)
	}
	return pgx.CollectRows(rows, scanPromoCode)
}

// CountRedemptions returns how many times a user has redeemed a code.
func (r *PromoRepository) CountRedemptions(ctx context.Context, code, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, countRedemptionsSQL, code, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting redemptions of %q: %w", code, err)
	}
	return n, nil
}

// RecordRedemption records a confirmed redemption and bumps the global usage
// counter. The (code, cart) unique constraint makes redelivered checkout
// events converge on a single redemption.
func (r *PromoRepository) RecordRedemption(ctx context.Context, code, userID, cartID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning redemption tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, recordRedemptionSQL, code, userID, cartID)
	if err != nil {
		return fmt.Errorf("recording redemption of %q: %w", code, err)
	}
	if tag.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx, incrementPromoUsesSQL, code); err != nil {
			return fmt.Errorf("incrementing uses of %q: %w", code, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing redemption: %w", err)
	}
	return nil
}

func scanPromoCode(row pgx.CollectableRow) (promo.Code, error) {
	var (
		c            promo.Code
		discountType string
		maxDiscount  *decimal.Decimal
		minSubtotal  *decimal.Decimal
		validFrom    *time.Time
		validUntil   *time.Time
	)
	err := row.Scan(
		&c.Code, &discountType, &c.Value, &maxDiscount, &minSubtotal, &c.FormationIDs,
		&c.MaxUses, &c.Uses, &c.PerUserLimit, &c.AutoApply, &c.Active, &c.Description,
		&validFrom, &validUntil,
	)
	c.DiscountType = promo.DiscountType(discountType)
	if maxDiscount != nil {
		c.MaxDiscount = *maxDiscount
	}
	if minSubtotal != nil {
		c.MinSubtotal = *minSubtotal
	}
	c.ValidFrom = validFrom
	c.ValidUntil = validUntil
	return c, err
}
