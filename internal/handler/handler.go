// Package handler exposes the cart, promo, checkout, and webhook HTTP API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/formaplace/checkout/internal/domain/billing"
	"github.com/formaplace/checkout/internal/domain/cart"
	"github.com/formaplace/checkout/internal/domain/catalog"
	"github.com/formaplace/checkout/internal/domain/entitlement"
	"github.com/formaplace/checkout/internal/domain/promo"
)

// Owner identity headers. The session token is client-generated and opaque.
const (
	headerUserID       = "X-User-ID"
	headerCartSession  = "X-Cart-Session"
	headerProviderSign = "Forma-Signature"
)

// Handler wires the domain services to the HTTP surface.
type Handler struct {
	carts         *cart.Service
	catalog       catalog.Repository
	promos        promo.Validator
	checkout      *billing.CheckoutService
	reconciler    *billing.Reconciler
	entitlements  *entitlement.Resolver
	webhookSecret []byte
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	carts *cart.Service,
	cat catalog.Repository,
	promos promo.Validator,
	checkout *billing.CheckoutService,
	reconciler *billing.Reconciler,
	entitlements *entitlement.Resolver,
	webhookSecret []byte,
) *Handler {
	return &Handler{
		carts:         carts,
		catalog:       cat,
		promos:        promos,
		checkout:      checkout,
		reconciler:    reconciler,
		entitlements:  entitlements,
		webhookSecret: webhookSecret,
	}
}

// Routes mounts every API route on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/cart", h.getCart)
	r.Post("/cart/items", h.addItem)
	r.Patch("/cart/items/{itemID}", h.updateItem)
	r.Delete("/cart/items/{itemID}", h.removeItem)
	r.Delete("/cart", h.clearCart)
	r.Post("/cart/merge", h.mergeCart)

	r.Post("/promo/validate", h.validatePromo)
	r.Get("/promo/auto", h.autoPromo)

	r.Post("/checkout", h.startCheckout)
	r.Post("/webhooks/payment", h.paymentWebhook)

	r.Get("/me/entitlements", h.getEntitlements)

	r.Get("/formations", h.listFormations)
	r.Get("/formations/{formationID}/sessions", h.listSessions)
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Code: status, Message: message})
}

// ownerFromRequest resolves the cart identity from the request headers. The
// user id takes precedence when both are present (post-login requests may
// still carry the stale anonymous token).
func ownerFromRequest(r *http.Request) cart.Owner {
	if userID := r.Header.Get(headerUserID); userID != "" {
		return cart.UserOwner(userID)
	}
	if token := r.Header.Get(headerCartSession); token != "" {
		return cart.AnonymousOwner(token)
	}
	return cart.Owner{}
}
