// Package fulfillment wraps the print-on-demand provider: order placement,
// shipping-rate quotes, and mockup task management.
package fulfillment

import (
	"bytes"
	"context"
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
	apiKey     string
	baseURL    string
	storeID    string
	httpClient *http.Client
	log        *slog.Logger
}

// Rate is one named shipping option with price and delivery-window bounds.
type Rate struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Rate            string `json:"rate"`
	Currency        string `json:"currency"`
	MinDeliveryDays int    `json:"minDeliveryDays"`
	MaxDeliveryDays int    `json:"maxDeliveryDays"`
}

// ShippingItem identifies one line for a rate quote. The shipping API works
// in catalog variant ids, not store variant ids.
type ShippingItem struct {
	CatalogVariantID int64 `json:"variant_id"`
	Quantity         int   `json:"quantity"`
}

// MockupStatus values returned by GetMockupResult.
const (
	MockupPending   = "pending"
	MockupCompleted = "completed"
	MockupFailed    = "failed"
)

type MockupResult struct {
	Status string
	URL    string
}

func NewClient(apiKey, baseURL, storeID string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		storeID:    storeID,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// CreateOrder places the order with the payment session id as external id.
// The provider dedupes on external id, which backstops duplicate webhook
// delivery on top of the local ledger.
func (c *Client) CreateOrder(ctx context.Context, order models.FulfillmentOrder) (string, error) {
	if order.ExternalID == "" {
		return "", fmt.Errorf("external id is required")
	}
	if len(order.Items) == 0 {
		return "", fmt.Errorf("order requires at least one item")
	}

	items := make([]map[string]any, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]any{
			"variant_id": item.VariantID,
			"quantity":   item.Quantity,
			"files": []map[string]string{
				{"url": item.AssetURL},
			},
		})
	}
	payload := map[string]any{
		"external_id": order.ExternalID,
		"recipient":   order.Recipient,
		"items":       items,
	}

	var parsed struct {
		Result struct {
			ID int64 `json:"id"`
		} `json:"result"`
	}
	if err := c.post(ctx, "/orders", payload, &parsed); err != nil {
		return "", err
	}
	if parsed.Result.ID == 0 {
		return "", fmt.Errorf("order response missing id")
	}
	return fmt.Sprintf("%d", parsed.Result.ID), nil
}

// GetShippingRates quotes shipping for the destination. Items must carry
// catalog variant ids; translating store ids is the caller's job.
func (c *Client) GetShippingRates(ctx context.Context, recipient models.Recipient, items []ShippingItem) ([]Rate, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("shipping quote requires at least one item")
	}
	payload := map[string]any{
		"recipient": map[string]string{
			"address1":     recipient.Address1,
			"city":         recipient.City,
			"country_code": recipient.CountryCode,
			"state_code":   recipient.StateCode,
			"zip":          recipient.Zip,
		},
		"items": items,
	}

	var parsed struct {
		Result []Rate `json:"result"`
	}
	if err := c.post(ctx, "/shipping/rates", payload, &parsed); err != nil {
		return nil, err
	}
	return parsed.Result, nil
}

// DirectMockupURL constructs an API-call-free mockup URL for products the
// provider renders on the fly. Empty when the product has no direct
// template.
func (c *Client) DirectMockupURL(catalogProductID, catalogVariantID int64, imageURL string) string {
	if catalogProductID == 0 || catalogVariantID == 0 || imageURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/mockup-generator/render/%d/%d?image_url=%s",
		c.baseURL, catalogProductID, catalogVariantID, url.QueryEscape(imageURL))
}

// CreateMockupTask starts an asynchronous mockup render and returns the
// task key for polling.
func (c *Client) CreateMockupTask(ctx context.Context, catalogProductID, catalogVariantID int64, imageURL string) (string, error) {
	payload := map[string]any{
		"variant_ids": []int64{catalogVariantID},
		"files": []map[string]any{
			{"placement": "default", "image_url": imageURL},
		},
	}
	endpoint := fmt.Sprintf("/mockup-generator/create-task/%d", catalogProductID)

	var parsed struct {
		Result struct {
			TaskKey string `json:"task_key"`
			Status  string `json:"status"`
		} `json:"result"`
	}
	if err := c.post(ctx, endpoint, payload, &parsed); err != nil {
		return "", err
	}
	if parsed.Result.TaskKey == "" {
		return "", fmt.Errorf("mockup task response missing task key")
	}
	return parsed.Result.TaskKey, nil
}

// GetMockupResult polls a mockup task. Outstanding tasks report pending,
// not an error.
func (c *Client) GetMockupResult(ctx context.Context, taskKey string) (*MockupResult, error) {
	if taskKey == "" {
		return nil, fmt.Errorf("task key is required")
	}
	endpoint := "/mockup-generator/task?task_key=" + url.QueryEscape(taskKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)

	var parsed struct {
		Result struct {
			Status  string `json:"status"`
			Mockups []struct {
				MockupURL string `json:"mockup_url"`
			} `json:"mockups"`
		} `json:"result"`
	}
	if err := c.doJSON(req, &parsed); err != nil {
		return nil, err
	}

	switch parsed.Result.Status {
	case "completed":
		if len(parsed.Result.Mockups) == 0 {
			return nil, fmt.Errorf("completed mockup task has no mockups")
		}
		return &MockupResult{Status: MockupCompleted, URL: parsed.Result.Mockups[0].MockupURL}, nil
	case "failed":
		return &MockupResult{Status: MockupFailed}, nil
	default:
		return &MockupResult{Status: MockupPending}, nil
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if c.storeID != "" {
		req.Header.Set("X-PF-Store-Id", c.storeID)
	}
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fulfillment request: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("fulfillment provider error", "status", resp.StatusCode, "url", req.URL.String(), "body", truncateBody(rawBody))
		}
		return fmt.Errorf("fulfillment error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}
	if err := json.Unmarshal(rawBody, out); err != nil {
		return fmt.Errorf("decode fulfillment response: %w (body=%s)", err, truncateBody(rawBody))
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
