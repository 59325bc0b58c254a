// Package imagegen talks to the portrait generation provider. With no API
// key configured it serves deterministic placeholder output instead, so the
// product stays demonstrable without live credentials.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrInsufficientBalance signals the provider account ran out of credits.
// Surfaced to the caller as payment-required, never downgraded to test mode.
var ErrInsufficientBalance = errors.New("generation provider balance exhausted")

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// Request describes one generation unit: a single style applied to a single
// subject at one aspect ratio.
type Request struct {
	Prompt         string
	Style          string
	AspectRatio    string
	SourceImageURL string
}

type Image struct {
	URL string
}

func NewClient(apiKey, baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// TestMode reports whether the client has no credentials and will produce
// placeholder output.
func (c *Client) TestMode() bool {
	return c.apiKey == ""
}

func (c *Client) Generate(ctx context.Context, req Request) (*Image, error) {
	if req.AspectRatio == "" {
		req.AspectRatio = "1:1"
	}
	if c.TestMode() {
		return placeholder(req), nil
	}

	input := map[string]any{
		"prompt":       req.Prompt,
		"style":        req.Style,
		"aspect_ratio": req.AspectRatio,
	}
	if req.SourceImageURL != "" {
		input["image_url"] = req.SourceImageURL
	}
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	fullURL := c.baseURL + "/v1/generations"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post generation: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusPaymentRequired || insufficientBalanceBody(rawBody) {
		if c.log != nil {
			c.log.Error("generation provider balance exhausted", "status", resp.StatusCode, "body", truncateBody(rawBody))
		}
		return nil, ErrInsufficientBalance
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("generation request failed", "status", resp.StatusCode, "url", fullURL, "body", truncateBody(rawBody))
		}
		return nil, fmt.Errorf("generation error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var parsed struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode generation response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if len(parsed.Images) == 0 {
		return nil, fmt.Errorf("no images in generation response")
	}
	return &Image{URL: parsed.Images[0].URL}, nil
}

// placeholder builds a deterministic stand-in image URL from the request so
// repeated test-mode calls for the same unit yield the same output.
func placeholder(req Request) *Image {
	dims := "1024x1024"
	switch req.AspectRatio {
	case "2:3":
		dims = "800x1200"
	case "3:2":
		dims = "1200x800"
	case "4:5":
		dims = "960x1200"
	}
	label := url.QueryEscape(req.Style)
	return &Image{URL: fmt.Sprintf("https://placehold.co/%s/png?text=%s", dims, label)}
}

func insufficientBalanceBody(body []byte) bool {
	var parsed struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}
	return parsed.Code == "insufficient_credits"
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
