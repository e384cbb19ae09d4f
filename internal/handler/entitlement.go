package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/formaplace/checkout/internal/domain/entitlement"
)

type entitlementsDTO struct {
	Features map[string]bool `json:"features"`
}

// getEntitlements reports the authenticated user's resolved feature set.
// Resolution is server-side only: role column plus the features copied onto
// the user by the billing reconciler.
func (h *Handler) getEntitlements(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	features, err := h.entitlements.Features(r.Context(), userID)
	if err != nil {
		if errors.Is(err, entitlement.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		zctx.From(r.Context()).Error("Resolve entitlements", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if features == nil {
		features = entitlement.Features{}
	}
	writeJSON(w, http.StatusOK, entitlementsDTO{Features: features})
}
