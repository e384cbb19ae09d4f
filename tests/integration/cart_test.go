//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"testing"
)

// anonHeaders returns headers identifying a fresh anonymous cart session.
func anonHeaders(token string) map[string]string {
	return map[string]string{"X-Cart-Session": token}
}

func userHeaders(userID string) map[string]string {
	return map[string]string{"X-User-ID": userID}
}

func TestCart_EmptyOnFirstGet(t *testing.T) {
	resp := doRequest(t, http.MethodGet, "/api/cart", nil, anonHeaders("it-empty-cart"))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cart := decodeJSON[cartResponse](t, resp)
	if len(cart.Items) != 0 {
		t.Errorf("expected empty cart, got %d items", len(cart.Items))
	}
	if cart.Total != 0 {
		t.Errorf("expected zero total, got %v", cart.Total)
	}
}

func TestCart_NoIdentity(t *testing.T) {
	resp := doRequest(t, http.MethodGet, "/api/cart", nil, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without identity headers, got %d", resp.StatusCode)
	}
}

func TestCart_AddAndMergeQuantities(t *testing.T) {
	h := anonHeaders("it-add-merge")
	add := map[string]any{"sessionId": "sess-go-2026-10", "quantity": 1}

	resp := doRequest(t, http.MethodPost, "/api/cart/items", add, h)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first add: expected 200, got %d", resp.StatusCode)
	}

	// Adding the same session again merges into one line.
	resp = doRequest(t, http.MethodPost, "/api/cart/items", add, h)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second add: expected 200, got %d", resp.StatusCode)
	}

	cart := decodeJSON[cartResponse](t, resp)
	if len(cart.Items) != 1 {
		t.Fatalf("expected 1 line, got %d", len(cart.Items))
	}
	if cart.Items[0].Quantity != 2 {
		t.Errorf("expected quantity 2, got %d", cart.Items[0].Quantity)
	}
	if want := 2 * 890.00; cart.Subtotal != want {
		t.Errorf("expected subtotal %v, got %v", want, cart.Subtotal)
	}
}

func TestCart_UnknownSession(t *testing.T) {
	h := anonHeaders("it-unknown-session")
	add := map[string]any{"sessionId": "sess-does-not-exist", "quantity": 1}

	resp := doRequest(t, http.MethodPost, "/api/cart/items", add, h)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	body := decodeJSON[errorResponse](t, resp)
	if body.Message == "" {
		t.Error("expected error message")
	}
}

func TestCart_CapacityExceeded(t *testing.T) {
	h := anonHeaders("it-capacity")
	// The November data engineering cohort seeds 18 spots.
	add := map[string]any{"sessionId": "sess-data-2026-11", "quantity": 19}

	resp := doRequest(t, http.MethodPost, "/api/cart/items", add, h)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestCart_RemoveIsIdempotent(t *testing.T) {
	h := anonHeaders("it-remove")
	add := map[string]any{"sessionId": "sess-cloud-2026-09", "quantity": 1}

	resp := doRequest(t, http.MethodPost, "/api/cart/items", add, h)
	cart := decodeJSON[cartResponse](t, resp)
	resp.Body.Close()
	if len(cart.Items) != 1 {
		t.Fatalf("expected 1 item after add, got %d", len(cart.Items))
	}
	itemID := cart.Items[0].ID

	path := fmt.Sprintf("/api/cart/items/%s", itemID)
	resp = doRequest(t, http.MethodDelete, path, nil, h)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first remove: expected 200, got %d", resp.StatusCode)
	}

	// Removing an already-removed item succeeds quietly.
	resp = doRequest(t, http.MethodDelete, path, nil, h)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second remove: expected 200, got %d", resp.StatusCode)
	}

	cart = decodeJSON[cartResponse](t, resp)
	if len(cart.Items) != 0 {
		t.Errorf("expected empty cart, got %d items", len(cart.Items))
	}
}

func TestCart_UpdateQuantity(t *testing.T) {
	h := anonHeaders("it-update")
	add := map[string]any{"sessionId": "sess-go-2027-01", "quantity": 1}

	resp := doRequest(t, http.MethodPost, "/api/cart/items", add, h)
	cart := decodeJSON[cartResponse](t, resp)
	resp.Body.Close()
	itemID := cart.Items[0].ID

	path := fmt.Sprintf("/api/cart/items/%s", itemID)
	resp = doRequest(t, http.MethodPatch, path, map[string]any{"quantity": 3}, h)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cart = decodeJSON[cartResponse](t, resp)
	if cart.Items[0].Quantity != 3 {
		t.Errorf("expected quantity 3, got %d", cart.Items[0].Quantity)
	}

	// Quantity zero removes the line.
	resp = doRequest(t, http.MethodPatch, path, map[string]any{"quantity": 0}, h)
	cart = decodeJSON[cartResponse](t, resp)
	resp.Body.Close()
	if len(cart.Items) != 0 {
		t.Errorf("expected empty cart after zero quantity, got %d items", len(cart.Items))
	}
}

func TestCart_MergeAnonymousIntoUser(t *testing.T) {
	anon := anonHeaders("it-merge-token")
	user := userHeaders("it-merge-user")

	resp := doRequest(t, http.MethodPost, "/api/cart/items",
		map[string]any{"sessionId": "sess-cloud-2026-09", "quantity": 2}, anon)
	resp.Body.Close()

	merge := map[string]any{"sessionToken": "it-merge-token"}
	resp = doRequest(t, http.MethodPost, "/api/cart/merge", merge, user)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("merge: expected 200, got %d", resp.StatusCode)
	}

	cart := decodeJSON[cartResponse](t, resp)
	if len(cart.Items) != 1 || cart.Items[0].Quantity != 2 {
		t.Fatalf("expected merged cart with quantity 2, got %+v", cart.Items)
	}

	// The anonymous cart is gone; a fresh one is empty.
	resp = doRequest(t, http.MethodGet, "/api/cart", nil, anon)
	cart = decodeJSON[cartResponse](t, resp)
	resp.Body.Close()
	if len(cart.Items) != 0 {
		t.Errorf("expected anonymous cart consumed by merge, got %d items", len(cart.Items))
	}

	// Merge requires an authenticated caller.
	resp = doRequest(t, http.MethodPost, "/api/cart/merge", merge, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("merge without user: expected 401, got %d", resp.StatusCode)
	}
}

func TestCart_Clear(t *testing.T) {
	h := anonHeaders("it-clear")
	resp := doRequest(t, http.MethodPost, "/api/cart/items",
		map[string]any{"sessionId": "sess-go-2026-10", "quantity": 1}, h)
	resp.Body.Close()

	resp = doRequest(t, http.MethodDelete, "/api/cart", nil, h)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cart := decodeJSON[cartResponse](t, resp)
	if len(cart.Items) != 0 || cart.Total != 0 {
		t.Errorf("expected empty cart after clear, got %+v", cart)
	}
}

func TestListFormations(t *testing.T) {
	resp := doGet(t, "/api/formations")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	formations := decodeJSON[[]formationResponse](t, resp)
	if len(formations) != 3 {
		t.Fatalf("expected 3 formations, got %d", len(formations))
	}
	seen := map[string]bool{}
	for _, f := range formations {
		seen[f.Slug] = true
	}
	if !seen["backend-engineering-go"] {
		t.Errorf("backend-engineering-go formation missing from %v", formations)
	}
}

func TestListSessions(t *testing.T) {
	resp := doGet(t, "/api/formations/form-go-backend/sessions")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	sessions := decodeJSON[[]sessionResponse](t, resp)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	for _, s := range sessions {
		if s.FormationID != "form-go-backend" {
			t.Errorf("unexpected formation id %q", s.FormationID)
		}
		if s.Price <= 0 {
			t.Errorf("session %s has non-positive price %v", s.ID, s.Price)
		}
	}
}
