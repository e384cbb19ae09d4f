// Package entitlement resolves what features a user is allowed to use from
// server-verified sources only: the user's role column and the plan of their
// active subscription. Client-supplied flags are never consulted.
package entitlement

import (
	"context"

	"github.com/go-faster/errors"
)

// RoleAdmin grants every feature regardless of subscription state.
const RoleAdmin = "admin"

// ErrPlanNotFound is returned when no plan matches a lookup key.
var ErrPlanNotFound = errors.New("plan not found")

// ErrUserNotFound is returned when the user does not exist.
var ErrUserNotFound = errors.New("user not found")

// Plan maps a provider price to a named set of feature flags.
type Plan struct {
	Code            string
	ProviderPriceID string
	Features        map[string]bool
}

// Features is the resolved entitlement set for a user.
type Features map[string]bool

// Has reports whether a feature is granted.
func (f Features) Has(name string) bool { return f[name] }

// Repository provides the two authoritative inputs (role, granted features)
// and the plan catalog.
type Repository interface {
	GetUserRole(ctx context.Context, userID string) (string, error)
	GetUserFeatures(ctx context.Context, userID string) (map[string]bool, error)
	SetUserFeatures(ctx context.Context, userID string, features map[string]bool) error
	RevokeUserFeatures(ctx context.Context, userID string) error
	FindPlanByPriceID(ctx context.Context, providerPriceID string) (*Plan, error)
	FindPlanByCode(ctx context.Context, code string) (*Plan, error)
}

// Resolver answers "what can this user do" from the database, never from a
// client-trusted flag or a hard-coded allow-list.
type Resolver struct {
	repo Repository
}

// NewResolver creates a Resolver backed by the given Repository.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Features returns the user's resolved entitlements. Admins get a wildcard
// grant; everyone else gets exactly the features copied onto their row by
// the billing reconciler.
func (r *Resolver) Features(ctx context.Context, userID string) (Features, error) {
	role, err := r.repo.GetUserRole(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get user role")
	}
	if role == RoleAdmin {
		return Features{"*": true}, nil
	}

	granted, err := r.repo.GetUserFeatures(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get user features")
	}
	return Features(granted), nil
}

// Allowed reports whether the user may use the named feature.
func (r *Resolver) Allowed(ctx context.Context, userID, feature string) (bool, error) {
	f, err := r.Features(ctx, userID)
	if err != nil {
		return false, err
	}
	return f.Has("*") || f.Has(feature), nil
}
