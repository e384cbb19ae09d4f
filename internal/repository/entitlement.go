package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formaplace/checkout/internal/domain/entitlement"
)

const (
	getUserRoleSQL     = `SELECT role FROM users WHERE id = $1`
	getUserFeaturesSQL = `SELECT features FROM users WHERE id = $1`
	setUserFeaturesSQL = `UPDATE users SET features = $2 WHERE id = $1`

	findPlanByPriceSQL = `SELECT code, provider_price_id, features FROM plans WHERE provider_price_id = $1`
	findPlanByCodeSQL  = `SELECT code, provider_price_id, features FROM plans WHERE code = $1`
)

var _ entitlement.Repository = (*EntitlementRepository)(nil)

// EntitlementRepository implements entitlement.Repository backed by
// PostgreSQL. Feature grants live in a JSONB column on the user row.
type EntitlementRepository struct {
	pool *pgxpool.Pool
}

// NewEntitlementRepository returns an EntitlementRepository that uses the
// given pool.
func NewEntitlementRepository(pool *pgxpool.Pool) *EntitlementRepository {
	return &EntitlementRepository{pool: pool}
}

// GetUserRole returns the user's role column.
// Returns entitlement.ErrUserNotFound when the user does not exist.
func (r *EntitlementRepository) GetUserRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := r.pool.QueryRow(ctx, getUserRoleSQL, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", entitlement.ErrUserNotFound
		}
		return "", fmt.Errorf("getting role of user %q: %w", userID, err)
	}
	return role, nil
}

// GetUserFeatures returns the feature grants on the user row.
func (r *EntitlementRepository) GetUserFeatures(ctx context.Context, userID string) (map[string]bool, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, getUserFeaturesSQL, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entitlement.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting features of user %q: %w", userID, err)
	}

	features := map[string]bool{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &features); err != nil {
			return nil, fmt.Errorf("unmarshaling features of user %q: %w", userID, err)
		}
	}
	return features, nil
}

// SetUserFeatures replaces the feature grants on the user row.
func (r *EntitlementRepository) SetUserFeatures(ctx context.Context, userID string, features map[string]bool) error {
	if features == nil {
		features = map[string]bool{}
	}
	raw, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("marshaling features: %w", err)
	}

	_, err = r.pool.Exec(ctx, setUserFeaturesSQL, userID, raw)
	if err != nil {
		return fmt.Errorf("setting features of user %q: %w", userID, err)
	}
	return nil
}

// RevokeUserFeatures clears all feature grants on the user row.
func (r *EntitlementRepository) RevokeUserFeatures(ctx context.Context, userID string) error {
	return r.SetUserFeatures(ctx, userID, map[string]bool{})
}

// FindPlanByPriceID returns the plan whose provider price matches.
// Returns entitlement.ErrPlanNotFound when no plan matches.
func (r *EntitlementRepository) FindPlanByPriceID(ctx context.Context, providerPriceID string) (*entitlement.Plan, error) {
	return r.findPlan(ctx, findPlanByPriceSQL, providerPriceID)
}

// FindPlanByCode returns the plan with the given code.
// Returns entitlement.ErrPlanNotFound when no plan matches.
func (r *EntitlementRepository) FindPlanByCode(ctx context.Context, code string) (*entitlement.Plan, error) {
	return r.findPlan(ctx, findPlanByCodeSQL, code)
}

func (r *EntitlementRepository) findPlan(ctx context.Context, query, arg string) (*entitlement.Plan, error) {
	var (
		plan entitlement.Plan
		raw  []byte
	)
	err := r.pool.QueryRow(ctx, query, arg).Scan(&plan.Code, &plan.ProviderPriceID, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entitlement.ErrPlanNotFound
		}
		return nil, fmt.Errorf("finding plan %q: %w", arg, err)
	}

	plan.Features = map[string]bool{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &plan.Features); err != nil {
			return nil, fmt.Errorf("unmarshaling features of plan %q: %w", plan.Code, err)
		}
	}
	return &plan, nil
}
