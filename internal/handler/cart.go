package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/formaplace/checkout/internal/domain/cart"
	"github.com/formaplace/checkout/internal/domain/catalog"
)

type cartItemDTO struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"sessionId"`
	Quantity    int     `json:"quantity"`
	PriceAtTime float64 `json:"priceAtTime"`
}

type cartDTO struct {
	Items      []cartItemDTO `json:"items"`
	ItemsCount int           `json:"itemsCount"`
	Subtotal   float64       `json:"subtotal"`
	Total      float64       `json:"total"`
}

func toCartDTO(s cart.Summary) cartDTO {
	items := make([]cartItemDTO, len(s.Items))
	for i, it := range s.Items {
		items[i] = cartItemDTO{
			ID:          it.ID,
			SessionID:   it.SessionID,
			Quantity:    it.Quantity,
			PriceAtTime: it.PriceAtTime.InexactFloat64(),
		}
	}
	return cartDTO{
		Items:      items,
		ItemsCount: s.ItemsCount,
		Subtotal:   s.Subtotal.InexactFloat64(),
		Total:      s.Total.InexactFloat64(),
	}
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	summary, err := h.carts.Summary(r.Context(), ownerFromRequest(r))
	if err != nil {
		h.cartError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartDTO(summary))
}

type addItemRequest struct {
	SessionID string `json:"sessionId"`
	Quantity  int    `json:"quantity"`
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId required")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	c, err := h.carts.AddItem(r.Context(), ownerFromRequest(r), req.SessionID, req.Quantity)
	if err != nil {
		h.cartError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartDTO(cart.Summarize(c.ID, c.Items, decimal.Zero)))
}

type updateItemRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	var req updateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	itemID := chi.URLParam(r, "itemID")
	c, err := h.carts.UpdateItemQuantity(r.Context(), ownerFromRequest(r), itemID, req.Quantity)
	if err != nil {
		h.cartError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartDTO(cart.Summarize(c.ID, c.Items, decimal.Zero)))
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	c, err := h.carts.RemoveItem(r.Context(), ownerFromRequest(r), itemID)
	if err != nil {
		h.cartError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartDTO(cart.Summarize(c.ID, c.Items, decimal.Zero)))
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.Clear(r.Context(), ownerFromRequest(r)); err != nil {
		h.cartError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cartDTO{Items: []cartItemDTO{}})
}

type mergeRequest struct {
	SessionToken string `json:"sessionToken"`
}

// mergeCart transfers the anonymous cart into the authenticated user's cart.
// Called by the front end once after login; safe to retry.
func (h *Handler) mergeCart(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SessionToken == "" {
		writeError(w, http.StatusBadRequest, "sessionToken required")
		return
	}

	c, err := h.carts.Merge(r.Context(), req.SessionToken, userID)
	if err != nil {
		h.cartError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartDTO(cart.Summarize(c.ID, c.Items, decimal.Zero)))
}

type formationDTO struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Slug  string `json:"slug"`
}

func (h *Handler) listFormations(w http.ResponseWriter, r *http.Request) {
	formations, err := h.catalog.ListFormations(r.Context())
	if err != nil {
		h.cartError(w, r, err)
		return
	}

	out := make([]formationDTO, len(formations))
	for i, f := range formations {
		out[i] = formationDTO{ID: f.ID, Title: f.Title, Slug: f.Slug}
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionDTO struct {
	ID             string  `json:"id"`
	FormationID    string  `json:"formationId"`
	Title          string  `json:"title"`
	Price          float64 `json:"price"`
	AvailableSpots int     `json:"availableSpots"`
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	formationID := chi.URLParam(r, "formationID")
	sessions, err := h.catalog.ListSessions(r.Context(), formationID)
	if err != nil {
		h.cartError(w, r, err)
		return
	}

	out := make([]sessionDTO, len(sessions))
	for i, s := range sessions {
		out[i] = sessionDTO{
			ID:             s.ID,
			FormationID:    s.FormationID,
			Title:          s.Title,
			Price:          s.Price.InexactFloat64(),
			AvailableSpots: s.AvailableSpots,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// cartError maps domain errors to HTTP responses.
func (h *Handler) cartError(w http.ResponseWriter, r *http.Request, err error) {
	var capErr *cart.CapacityExceededError
	switch {
	case errors.Is(err, cart.ErrNoOwner):
		writeError(w, http.StatusBadRequest, "cart identity required")
	case errors.Is(err, cart.ErrCartNotFound), errors.Is(err, cart.ErrItemNotFound),
		errors.Is(err, catalog.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &capErr):
		writeError(w, http.StatusUnprocessableEntity, capErr.Error())
	case errors.Is(err, cart.ErrCartClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zctx.From(r.Context()).Error("Cart request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
