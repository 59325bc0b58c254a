// Package moderation is the content safety gate: local text heuristics plus
// an external NSFW classification call for uploaded images.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Classification thresholds, per category probability. Any single breach
// rejects the image.
const (
	pornThreshold    = 0.3
	sexyThreshold    = 0.5
	hentaiThreshold  = 0.4
	blendedThreshold = 0.4
)

// DegradedReason marks a fail-open result so operators can tell a degraded
// pass from a true "safe" classification.
const DegradedReason = "moderation_degraded"

// ImageResult is the outcome of classifying one uploaded image.
type ImageResult struct {
	OK      bool
	Reasons []string
	// Degraded is set when the provider was unavailable and the
	// fail-open policy let the image through unclassified.
	Degraded bool
}

type Client struct {
	apiKey     string
	baseURL    string
	failClosed bool
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(apiKey, baseURL string, failClosed bool, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		failClosed: failClosed,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// ValidateImage classifies the image behind dataURL (or a plain URL) against
// the NSFW thresholds. When the provider is unreachable or no API key is
// configured the gate fails open: the image is treated as safe with a
// degraded-mode reason, unless fail-closed was configured. Blocking real pet
// photos because the moderation dependency is down is the worse failure.
func (c *Client) ValidateImage(ctx context.Context, dataURL string) ImageResult {
	if strings.TrimSpace(dataURL) == "" {
		return ImageResult{OK: false, Reasons: []string{"no image provided"}}
	}

	if c.apiKey == "" {
		return c.degraded("moderation api key not configured")
	}

	scores, err := c.classify(ctx, dataURL)
	if err != nil {
		return c.degraded(err.Error())
	}

	var reasons []string
	if scores.Porn >= pornThreshold {
		reasons = append(reasons, fmt.Sprintf("explicit content detected (%.2f)", scores.Porn))
	}
	if scores.Sexy >= sexyThreshold {
		reasons = append(reasons, fmt.Sprintf("suggestive content detected (%.2f)", scores.Sexy))
	}
	if scores.Hentai >= hentaiThreshold {
		reasons = append(reasons, fmt.Sprintf("stylized explicit content detected (%.2f)", scores.Hentai))
	}
	blended := (scores.Porn+scores.Hentai)/2 + scores.Sexy/2
	if blended >= blendedThreshold {
		reasons = append(reasons, fmt.Sprintf("overall content score too high (%.2f)", blended))
	}

	if len(reasons) > 0 {
		return ImageResult{OK: false, Reasons: reasons}
	}
	return ImageResult{OK: true}
}

func (c *Client) degraded(cause string) ImageResult {
	if c.failClosed {
		if c.log != nil {
			c.log.Error("moderation unavailable, failing closed", "cause", cause)
		}
		return ImageResult{OK: false, Reasons: []string{"image moderation is unavailable, please try again later"}}
	}
	if c.log != nil {
		c.log.Warn("moderation unavailable, failing open", "cause", cause)
	}
	return ImageResult{OK: true, Reasons: []string{DegradedReason}, Degraded: true}
}

// scores holds the per-category probabilities returned by the provider.
type scores struct {
	Porn    float64 `json:"porn"`
	Sexy    float64 `json:"sexy"`
	Hentai  float64 `json:"hentai"`
	Neutral float64 `json:"neutral"`
	Drawing float64 `json:"drawing"`
}

func (c *Client) classify(ctx context.Context, dataURL string) (*scores, error) {
	body, err := json.Marshal(map[string]string{"image": dataURL})
	if err != nil {
		return nil, fmt.Errorf("marshal classify payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post classify: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("moderation classify failed", "status", resp.StatusCode, "body", truncateBody(rawBody))
		}
		return nil, fmt.Errorf("moderation error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var parsed struct {
		Scores scores `json:"scores"`
	}
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode classify response: %w (body=%s)", err, truncateBody(rawBody))
	}
	return &parsed.Scores, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
