package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/formaplace/checkout/internal/domain/billing"
	"github.com/formaplace/checkout/internal/domain/entitlement"
	"github.com/formaplace/checkout/internal/domain/promo"
)

type checkoutRequest struct {
	PlanCode   string `json:"planCode"`
	PromoCode  string `json:"promoCode,omitempty"`
	SuccessURL string `json:"successUrl,omitempty"`
	CancelURL  string `json:"cancelUrl,omitempty"`
}

type checkoutResponse struct {
	URL string `json:"url"`
}

// startCheckout hands the authenticated user's cart off to the payment
// provider and returns the hosted checkout redirect URL. The cart stays open
// until the provider's webhook confirms the purchase.
func (h *Handler) startCheckout(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.PlanCode == "" {
		writeError(w, http.StatusBadRequest, "planCode required")
		return
	}

	session, err := h.checkout.StartCheckout(r.Context(), billing.CheckoutRequest{
		UserID:     userID,
		PlanCode:   req.PlanCode,
		PromoCode:  req.PromoCode,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		h.checkoutError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{URL: session.URL})
}

func (h *Handler) checkoutError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *promo.ValidationError
	switch {
	case errors.Is(err, billing.ErrEmptyCart):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, billing.ErrCheckoutRequiresUser):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, verr.Error())
	case errors.Is(err, entitlement.ErrPlanNotFound):
		writeError(w, http.StatusBadRequest, "unknown plan")
	default:
		zctx.From(r.Context()).Error("Checkout failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "checkout unavailable")
	}
}
