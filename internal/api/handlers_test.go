package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mellowpix/petportraits/internal/config"
	"github.com/mellowpix/petportraits/internal/fulfillment"
	"github.com/mellowpix/petportraits/internal/imagegen"
	"github.com/mellowpix/petportraits/internal/models"
	"github.com/mellowpix/petportraits/internal/moderation"
	"github.com/mellowpix/petportraits/internal/payments"
	"github.com/mellowpix/petportraits/internal/repository"
	"github.com/mellowpix/petportraits/internal/service"
)

// The fakes below mirror the provider and store contracts so the handler
// tests can run the full request path without MySQL or the real providers.

type stubSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func (m *stubSessionStore) GetOrCreate(ctx context.Context, ip, fingerprint string, ttl time.Duration) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = map[string]*models.Session{}
	}
	now := time.Now()
	if fingerprint != "" {
		for _, s := range m.sessions {
			if s.Fingerprint == fingerprint && !s.Expired(now) {
				cp := *s
				return &cp, false, nil
			}
		}
	}
	for _, s := range m.sessions {
		if s.IPAddress == ip && !s.Expired(now) {
			cp := *s
			return &cp, false, nil
		}
	}
	session := &models.Session{ID: uuid.NewString(), IPAddress: ip, Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
	m.sessions[session.ID] = session
	cp := *session
	return &cp, true, nil
}

func (m *stubSessionStore) GetByID(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *stubSessionStore) Update(ctx context.Context, id string, expectedVersion int64, upd models.SessionUpdate) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	if s.Version != expectedVersion {
		return nil, repository.ErrVersionConflict
	}
	if upd.PetName != nil {
		s.PetName = *upd.PetName
	}
	if upd.PetType != nil {
		s.PetType = *upd.PetType
	}
	if upd.PhotoURL != nil {
		s.PhotoURL = *upd.PhotoURL
	}
	if upd.SelectedStyles != nil {
		s.SelectedStyles = upd.SelectedStyles
	}
	if upd.GeneratedStyles != nil {
		s.GeneratedStyles = upd.GeneratedStyles
	}
	if upd.FreeUsed != nil {
		s.FreeUsed = *upd.FreeUsed
	}
	if upd.PaidUsed != nil {
		s.PaidUsed = *upd.PaidUsed
	}
	if upd.PurchaseMade != nil {
		s.PurchaseMade = *upd.PurchaseMade
	}
	if upd.BonusGenerations != nil {
		s.BonusGenerations = *upd.BonusGenerations
	}
	s.Version++
	cp := *s
	return &cp, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, req imagegen.Request) (*imagegen.Image, error) {
	return &imagegen.Image{URL: fmt.Sprintf("https://img.example/%s/%s", req.Style, req.AspectRatio)}, nil
}

func (stubGenerator) TestMode() bool { return true }

type stubPayments struct {
	mu        sync.Mutex
	checkouts map[string]*payments.CheckoutSession
}

func (p *stubPayments) CreateCheckoutSession(ctx context.Context, params payments.CheckoutParams) (*payments.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("cs_%d", len(p.checkouts)+1)
	session := &payments.CheckoutSession{
		ID:            id,
		URL:           "https://pay.example/" + id,
		PaymentStatus: "paid",
		Metadata:      params.Metadata,
	}
	if p.checkouts == nil {
		p.checkouts = map[string]*payments.CheckoutSession{}
	}
	p.checkouts[id] = session
	return session, nil
}

func (p *stubPayments) RetrieveSession(ctx context.Context, id string) (*payments.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.checkouts[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown checkout session %q", id)
}

type stubPrinter struct{}

func (stubPrinter) CreateOrder(ctx context.Context, order models.FulfillmentOrder) (string, error) {
	return "order-1", nil
}

func (stubPrinter) GetShippingRates(ctx context.Context, recipient models.Recipient, items []fulfillment.ShippingItem) ([]fulfillment.Rate, error) {
	return []fulfillment.Rate{{ID: "STANDARD", Name: "Flat Rate", Rate: "5.99", Currency: "USD"}}, nil
}

func (stubPrinter) DirectMockupURL(catalogProductID, catalogVariantID int64, imageURL string) string {
	return fmt.Sprintf("https://print.example/render/%d/%d", catalogProductID, catalogVariantID)
}

func (stubPrinter) CreateMockupTask(ctx context.Context, catalogProductID, catalogVariantID int64, imageURL string) (string, error) {
	return "task-1", nil
}

func (stubPrinter) GetMockupResult(ctx context.Context, taskKey string) (*fulfillment.MockupResult, error) {
	return &fulfillment.MockupResult{Status: fulfillment.MockupCompleted, URL: "https://print.example/m.png"}, nil
}

type stubLedger struct {
	mu       sync.Mutex
	statuses map[string]string
}

func (l *stubLedger) Claim(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.statuses == nil {
		l.statuses = map[string]string{}
	}
	if _, ok := l.statuses[id]; ok {
		return false, nil
	}
	l.statuses[id] = "processing"
	return true, nil
}

func (l *stubLedger) MarkCompleted(ctx context.Context, id, orderRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[id] = "completed"
	return nil
}

func (l *stubLedger) MarkFailed(ctx context.Context, id, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[id] = "failed"
	return nil
}

func (l *stubLedger) Release(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.statuses, id)
	return nil
}

type stubModerator struct {
	reject bool
}

func (m stubModerator) ValidateImage(ctx context.Context, dataURL string) moderation.ImageResult {
	if m.reject {
		return moderation.ImageResult{OK: false, Reasons: []string{"image contains explicit content"}}
	}
	return moderation.ImageResult{OK: true}
}

type stubPhotoStore struct{}

func (stubPhotoStore) UploadDataURL(ctx context.Context, dataURL string) (string, error) {
	return "https://cdn.example/uploads/photo.png", nil
}

// stubParser accepts any payload carrying the X-Payment-Signature value
// "valid" and decodes {"type": ..., "sessionId": ...}.
type stubParser struct{}

func (stubParser) ParseWebhookEvent(payload []byte, signature string) (*payments.WebhookEvent, error) {
	if signature != "valid" {
		return nil, fmt.Errorf("signature mismatch")
	}
	var raw struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	return &payments.WebhookEvent{Type: raw.Type, SessionID: raw.SessionID}, nil
}

type harness struct {
	server   *httptest.Server
	payments *stubPayments
}

func newHarness(t *testing.T, moderator ImageModerator) *harness {
	t.Helper()
	cfg := config.Config{
		BaseURL:              "https://pet.example",
		AdditionalStylePrice: 100,
		PaymentCurrency:      "usd",
		SessionTTL:           time.Hour,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := &stubSessionStore{}
	pay := &stubPayments{}
	sessions := service.NewSessionService(cfg, store)
	generation := service.NewGenerationService(cfg, log, sessions, stubGenerator{})
	checkout := service.NewCheckoutService(cfg, sessions, pay)
	fulfillmentSvc := service.NewFulfillmentService(cfg, log, sessions, pay, stubPrinter{}, &stubLedger{})
	breeds := service.NewBreedService(&stubBreedStore{}, nil)

	srv := NewServer(cfg, log, sessions, generation, checkout, fulfillmentSvc, breeds, moderator, stubPhotoStore{}, stubParser{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{server: ts, payments: pay}
}

type stubBreedStore struct{}

func (stubBreedStore) RecordUse(ctx context.Context, name, petType string, threshold int) (*models.CustomBreed, error) {
	return &models.CustomBreed{Name: name, PetType: petType, Uses: 1}, nil
}

func (h *harness) post(t *testing.T, path string, body map[string]any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.server.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

// TestPurchaseUnlocksAdditionalGeneration drives the whole visitor journey:
// free generation, quota exhaustion, checkout, payment webhook, and the
// post-purchase generation the payment unlocked.
func TestPurchaseUnlocksAdditionalGeneration(t *testing.T) {
	h := newHarness(t, stubModerator{})

	// New session.
	status, body := h.post(t, "/api/sessions/check", map[string]any{"fingerprint": "fp-123"}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["created"])
	assert.EqualValues(t, 3, body["remainingFree"])
	sessionID := body["sessionId"].(string)

	// Same fingerprint resolves the same session.
	status, body = h.post(t, "/api/sessions/check", map[string]any{"fingerprint": "fp-123"}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["created"])
	assert.Equal(t, sessionID, body["sessionId"])

	// Free generation: three styles, photo goes through moderation + upload.
	status, body = h.post(t, "/api/generate", map[string]any{
		"sessionId": sessionID,
		"petName":   "Biscuit",
		"petType":   "dog",
		"breed":     "Corgi",
		"photoData": "data:image/png;base64,aGVsbG8=",
		"styles":    []string{"royal", "astronaut", "watercolor"},
	}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["testMode"])
	assert.EqualValues(t, 0, body["remainingFree"])
	results := body["results"].(map[string]any)
	require.Len(t, results, 3)

	// The free quota is spent: the paid path demands a purchase.
	status, body = h.post(t, "/api/generate-additional", map[string]any{
		"sessionId": sessionID,
		"style":     "pop-art",
	}, nil)
	require.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "payment_required", body["error"])

	// Start the micro-checkout for one more style.
	status, body = h.post(t, "/api/checkout-additional", map[string]any{
		"sessionId":   sessionID,
		"fingerprint": "fp-123",
		"style":       "pop-art",
	}, nil)
	require.Equal(t, http.StatusOK, status)
	checkoutID := body["checkoutSessionId"].(string)
	assert.NotEmpty(t, body["url"])

	// Provider confirms payment.
	status, _ = h.post(t, "/api/webhook/payments", map[string]any{
		"type":      payments.EventCheckoutCompleted,
		"sessionId": checkoutID,
	}, map[string]string{"X-Payment-Signature": "valid"})
	require.Equal(t, http.StatusOK, status)

	// The purchase unlocked exactly one more generation.
	status, body = h.post(t, "/api/generate-additional", map[string]any{
		"sessionId": sessionID,
		"style":     "pop-art",
	}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["remainingFree"])

	// And only one: the balance is spent again.
	status, body = h.post(t, "/api/generate-additional", map[string]any{
		"sessionId": sessionID,
		"style":     "cyberpunk",
	}, nil)
	require.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "payment_required", body["error"])
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t, stubModerator{})

	status, body := h.post(t, "/api/webhook/payments", map[string]any{
		"type":      payments.EventCheckoutCompleted,
		"sessionId": "cs_1",
	}, map[string]string{"X-Payment-Signature": "forged"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_webhook", body["error"])
}

func TestGenerateRejectsModeratedPhoto(t *testing.T) {
	h := newHarness(t, stubModerator{reject: true})

	status, body := h.post(t, "/api/sessions/check", map[string]any{"fingerprint": "fp-x"}, nil)
	require.Equal(t, http.StatusOK, status)
	sessionID := body["sessionId"].(string)

	status, body = h.post(t, "/api/generate", map[string]any{
		"sessionId": sessionID,
		"petName":   "Biscuit",
		"photoData": "data:image/png;base64,aGVsbG8=",
		"styles":    []string{"royal", "astronaut", "watercolor"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "moderation_rejected", body["error"])
}

func TestGenerateRejectsBlockedPetName(t *testing.T) {
	h := newHarness(t, stubModerator{})

	status, body := h.post(t, "/api/sessions/check", map[string]any{"fingerprint": "fp-y"}, nil)
	require.Equal(t, http.StatusOK, status)
	sessionID := body["sessionId"].(string)

	status, body = h.post(t, "/api/generate", map[string]any{
		"sessionId": sessionID,
		"petName":   "visit www.spam.example today",
		"styles":    []string{"royal", "astronaut", "watercolor"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "moderation_rejected", body["error"])
}

func TestGenerateWrongStyleCount(t *testing.T) {
	h := newHarness(t, stubModerator{})

	status, body := h.post(t, "/api/sessions/check", map[string]any{"fingerprint": "fp-z"}, nil)
	require.Equal(t, http.StatusOK, status)
	sessionID := body["sessionId"].(string)

	status, body = h.post(t, "/api/generate", map[string]any{
		"sessionId": sessionID,
		"styles":    []string{"royal"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", body["error"])
}

func TestCheckoutPriceMismatch(t *testing.T) {
	h := newHarness(t, stubModerator{})

	status, body := h.post(t, "/api/sessions/check", map[string]any{"fingerprint": "fp-p"}, nil)
	require.Equal(t, http.StatusOK, status)
	sessionID := body["sessionId"].(string)

	status, body = h.post(t, "/api/checkout", map[string]any{
		"sessionId":  sessionID,
		"productId":  "poster-12x18",
		"variantUrl": "https://img.example/royal/2:3",
		"price":      1,
	}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "price_mismatch", body["error"])
}

func TestShippingRatesAndMockup(t *testing.T) {
	h := newHarness(t, stubModerator{})

	status, body := h.post(t, "/api/shipping-rates", map[string]any{
		"productIds": []string{"poster-12x18"},
		"recipient":  map[string]any{"country_code": "US", "zip": "97201"},
	}, nil)
	require.Equal(t, http.StatusOK, status)
	rates := body["rates"].([]any)
	require.Len(t, rates, 1)

	status, body = h.post(t, "/api/mockup", map[string]any{
		"productId": "poster-12x18",
		"imageUrl":  "https://img.example/royal/2:3",
	}, nil)
	require.Equal(t, http.StatusOK, status)
	mockup := body["mockup"].(map[string]any)
	assert.Equal(t, "ready", mockup["status"])

	resp, err := http.Get(h.server.URL + "/api/mockup/task-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "ready", decoded["mockup"].(map[string]any)["status"])
}

func TestUnknownSessionReturnsNotFound(t *testing.T) {
	h := newHarness(t, stubModerator{})

	status, body := h.post(t, "/api/generate", map[string]any{
		"sessionId": "does-not-exist",
		"styles":    []string{"royal", "astronaut", "watercolor"},
	}, nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "session_not_found", body["error"])
}
