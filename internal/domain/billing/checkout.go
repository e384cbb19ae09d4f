package billing

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/formaplace/checkout/internal/domain/cart"
	"github.com/formaplace/checkout/internal/domain/catalog"
	"github.com/formaplace/checkout/internal/domain/entitlement"
	"github.com/formaplace/checkout/internal/domain/promo"
)

// Checkout validation errors.
var (
	// ErrEmptyCart is returned when starting checkout with no items.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrCheckoutRequiresUser is returned for anonymous checkout attempts;
	// the provider needs an identified customer and the webhook needs
	// user-identifying metadata.
	ErrCheckoutRequiresUser = errors.New("checkout requires an authenticated user")
)

// CheckoutRequest is the input to StartCheckout.
type CheckoutRequest struct {
	UserID     string
	PlanCode   string
	PromoCode  string
	SuccessURL string
	CancelURL  string
}

// CheckoutService hands a cart off to the payment provider. It creates the
// hosted checkout session and returns the redirect URL; the cart stays open
// until the provider's webhook confirms the purchase.
type CheckoutService struct {
	carts        *cart.Service
	catalog      catalog.Repository
	promos       promo.Validator
	entitlements entitlement.Repository
	provider     Provider
	currency     string
}

// NewCheckoutService wires the checkout hand-off.
func NewCheckoutService(
	carts *cart.Service,
	cat catalog.Repository,
	promos promo.Validator,
	entitlements entitlement.Repository,
	provider Provider,
	currency string,
) *CheckoutService {
	if currency == "" {
		currency = "eur"
	}
	return &CheckoutService{
		carts:        carts,
		catalog:      cat,
		promos:       promos,
		entitlements: entitlements,
		provider:     provider,
		currency:     currency,
	}
}

// StartCheckout snapshots the user's cart, re-validates the promo code
// against it, and creates a provider checkout session carrying the
// correlation metadata the webhook reconciler requires.
func (s *CheckoutService) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.UserID == "" {
		return nil, ErrCheckoutRequiresUser
	}

	summary, err := s.carts.Summary(ctx, cart.UserOwner(req.UserID))
	if err != nil {
		return nil, err
	}
	if summary.ItemsCount == 0 {
		return nil, ErrEmptyCart
	}

	total := summary.Total
	promoCode := ""
	if req.PromoCode != "" {
		items, err := PromoItems(ctx, s.catalog, summary.Items)
		if err != nil {
			return nil, err
		}
		res, err := s.promos.Validate(ctx, req.PromoCode, req.UserID, items, summary.Subtotal)
		if err != nil {
			return nil, err
		}
		promoCode = res.Code
		total = summary.Subtotal.Sub(res.DiscountAmount)
		if total.IsNegative() {
			total = decimal.Zero
		}
		total = total.Round(2)
	}

	plan, err := s.entitlements.FindPlanByCode(ctx, req.PlanCode)
	if err != nil {
		return nil, errors.Wrapf(err, "find plan %s", req.PlanCode)
	}

	metadata := map[string]string{
		"user_id": req.UserID,
		"cart_id": summary.CartID,
	}
	if promoCode != "" {
		metadata["promo_code"] = promoCode
	}

	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		PriceID:    plan.ProviderPriceID,
		Amount:     total,
		Currency:   s.currency,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Metadata:   metadata,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create checkout session")
	}
	return session, nil
}

// PromoItems enriches cart lines with their formation ids so the promo
// evaluator can check formation-scoped codes.
func PromoItems(ctx context.Context, cat catalog.Repository, items []cart.Item) ([]promo.Item, error) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.SessionID
	}

	sessions, err := cat.GetSessions(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get sessions")
	}
	formationBySession := make(map[string]string, len(sessions))
	for _, s := range sessions {
		formationBySession[s.ID] = s.FormationID
	}

	out := make([]promo.Item, len(items))
	for i, it := range items {
		out[i] = promo.Item{
			SessionID:   it.SessionID,
			FormationID: formationBySession[it.SessionID],
			Price:       it.PriceAtTime,
			Quantity:    it.Quantity,
		}
	}
	return out, nil
}
