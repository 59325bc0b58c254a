// Package payments wraps the hosted-checkout payment provider: session
// creation, authoritative session retrieval, and webhook event parsing.
package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mellowpix/petportraits/internal/models"
)

type Client struct {
	apiKey        string
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	log           *slog.Logger
}

type LineItem struct {
	Name             string `json:"name"`
	AmountMinorUnits int    `json:"amount"`
	Currency         string `json:"currency"`
	Quantity         int    `json:"quantity"`
}

type CheckoutParams struct {
	LineItems  []LineItem
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CheckoutSession is the provider's record of one hosted checkout. Retrieve
// is the authoritative source for amount, customer and shipping; the webhook
// payload alone is never trusted for those.
type CheckoutSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int               `json:"amount_total"`
	Currency      string            `json:"currency"`
	CustomerEmail string            `json:"customer_email"`
	Metadata      map[string]string `json:"metadata"`
	Shipping      *models.Recipient `json:"shipping"`
}

// WebhookEvent is the parsed provider notification.
type WebhookEvent struct {
	Type      string `json:"type"`
	SessionID string
}

// EventCheckoutCompleted is the only event kind the fulfillment pipeline
// acts on.
const EventCheckoutCompleted = "checkout.session.completed"

func NewClient(apiKey, baseURL, webhookSecret string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:        apiKey,
		baseURL:       strings.TrimRight(baseURL, "/"),
		webhookSecret: webhookSecret,
		httpClient:    &http.Client{Timeout: timeout},
		log:           log,
	}
}

func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	if len(params.LineItems) == 0 {
		return nil, fmt.Errorf("checkout requires at least one line item")
	}
	payload := map[string]any{
		"line_items":  params.LineItems,
		"success_url": params.SuccessURL,
		"cancel_url":  params.CancelURL,
		"metadata":    params.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal checkout payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/checkout/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	var session CheckoutSession
	if err := c.do(req, &session); err != nil {
		return nil, err
	}
	if session.ID == "" || session.URL == "" {
		return nil, fmt.Errorf("invalid checkout response (missing id or url)")
	}
	return &session, nil
}

func (c *Client) RetrieveSession(ctx context.Context, id string) (*CheckoutSession, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/checkout/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	var session CheckoutSession
	if err := c.do(req, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, fmt.Errorf("invalid session response (missing id)")
	}
	return &session, nil
}

// ParseWebhookEvent verifies the signature (HMAC-SHA256 of the raw body
// with the shared webhook secret) and extracts the event kind and checkout
// session id.
func (c *Client) ParseWebhookEvent(payload []byte, signature string) (*WebhookEvent, error) {
	if c.webhookSecret != "" {
		mac := hmac.New(sha256.New, []byte(c.webhookSecret))
		mac.Write(payload)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
			return nil, fmt.Errorf("webhook signature mismatch")
		}
	}

	var evt struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID string `json:"id"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("parse webhook payload: %w", err)
	}
	if evt.Data.Object.ID == "" {
		return nil, fmt.Errorf("webhook missing checkout session id")
	}
	return &WebhookEvent{Type: evt.Type, SessionID: evt.Data.Object.ID}, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payment request: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("payment provider error", "status", resp.StatusCode, "url", req.URL.String(), "body", truncateBody(rawBody))
		}
		return fmt.Errorf("payment error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}
	if err := json.Unmarshal(rawBody, out); err != nil {
		return fmt.Errorf("decode payment response: %w (body=%s)", err, truncateBody(rawBody))
	}
	return nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
