// Package provider implements the HTTP client for the payment provider and
// the verification of its signed webhook deliveries. The provider is a black
// box: this package knows its wire contract, nothing else.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"

	"github.com/formaplace/checkout/internal/domain/billing"
)

var _ billing.Provider = (*Client)(nil)

// Client talks to the payment provider's REST API.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

// NewClient creates a provider Client. The secret key is sent as a bearer
// token on every call.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		secretKey: secretKey,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

type checkoutSessionPayload struct {
	PriceID    string            `json:"price_id,omitempty"`
	Amount     string            `json:"amount"`
	Currency   string            `json:"currency"`
	SuccessURL string            `json:"success_url,omitempty"`
	CancelURL  string            `json:"cancel_url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type checkoutSessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession creates a hosted checkout session and returns its
// redirect URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, req billing.CheckoutSessionRequest) (*billing.CheckoutSession, error) {
	payload := checkoutSessionPayload{
		PriceID:    req.PriceID,
		Amount:     req.Amount.StringFixed(2),
		Currency:   req.Currency,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Metadata:   req.Metadata,
	}

	var resp checkoutSessionResponse
	if err := c.post(ctx, "/v1/checkout/sessions", payload, &resp); err != nil {
		return nil, errors.Wrap(err, "create checkout session")
	}
	return &billing.CheckoutSession{ID: resp.ID, URL: resp.URL}, nil
}

type subscriptionResponse struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart *int64 `json:"current_period_start"`
	CurrentPeriodEnd   *int64 `json:"current_period_end"`
}

// GetSubscription fetches the provider's current view of a subscription.
func (c *Client) GetSubscription(ctx context.Context, providerSubID string) (*billing.ProviderSubscription, error) {
	var resp subscriptionResponse
	if err := c.get(ctx, "/v1/subscriptions/"+providerSubID, &resp); err != nil {
		return nil, errors.Wrapf(err, "get subscription %s", providerSubID)
	}

	return &billing.ProviderSubscription{
		ID:                 resp.ID,
		CustomerID:         resp.Customer,
		Status:             resp.Status,
		CancelAtPeriodEnd:  resp.CancelAtPeriodEnd,
		CurrentPeriodStart: unixPtr(resp.CurrentPeriodStart),
		CurrentPeriodEnd:   unixPtr(resp.CurrentPeriodEnd),
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "provider request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("provider returned %d: %s", resp.StatusCode, snippet)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode provider response")
	}
	return nil
}

func unixPtr(sec *int64) *time.Time {
	if sec == nil {
		return nil
	}
	t := time.Unix(*sec, 0).UTC()
	return &t
}
