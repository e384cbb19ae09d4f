package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/formaplace/checkout/internal/domain/billing"
	"github.com/formaplace/checkout/internal/domain/promo"
)

type promoValidateRequest struct {
	Code string `json:"code"`
}

type promoValidateResponse struct {
	Valid          bool    `json:"valid"`
	DiscountAmount float64 `json:"discountAmount"`
	AppliedCode    string  `json:"appliedCode,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// validatePromo dry-runs a promo code against the caller's current cart.
// A rejected code is a 200 with valid=false and the specific reason; only
// infrastructure failures produce error statuses.
func (h *Handler) validatePromo(w http.ResponseWriter, r *http.Request) {
	var req promoValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code required")
		return
	}

	owner := ownerFromRequest(r)
	summary, err := h.carts.Summary(r.Context(), owner)
	if err != nil {
		h.cartError(w, r, err)
		return
	}

	items, err := billing.PromoItems(r.Context(), h.catalog, summary.Items)
	if err != nil {
		h.cartError(w, r, err)
		return
	}

	userID, _ := owner.UserID()
	res, err := h.promos.Validate(r.Context(), req.Code, userID, items, summary.Subtotal)
	if err != nil {
		var verr *promo.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusOK, promoValidateResponse{
				Valid: false,
				Error: string(verr.Reason),
			})
			return
		}
		zctx.From(r.Context()).Error("Promo validation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, promoValidateResponse{
		Valid:          true,
		DiscountAmount: res.DiscountAmount.InexactFloat64(),
		AppliedCode:    res.Code,
	})
}

// autoPromo offers the single best auto-applicable code for the caller's
// cart, so the buyer never has to know a code string exists.
func (h *Handler) autoPromo(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	summary, err := h.carts.Summary(r.Context(), owner)
	if err != nil {
		h.cartError(w, r, err)
		return
	}

	items, err := billing.PromoItems(r.Context(), h.catalog, summary.Items)
	if err != nil {
		h.cartError(w, r, err)
		return
	}

	userID, _ := owner.UserID()
	results, err := h.promos.AutoApplicable(r.Context(), userID, items, summary.Subtotal)
	if err != nil {
		zctx.From(r.Context()).Error("Auto promo lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if len(results) == 0 {
		writeJSON(w, http.StatusOK, promoValidateResponse{Valid: false})
		return
	}
	best := results[0]
	writeJSON(w, http.StatusOK, promoValidateResponse{
		Valid:          true,
		DiscountAmount: best.DiscountAmount.InexactFloat64(),
		AppliedCode:    best.Code,
	})
}
