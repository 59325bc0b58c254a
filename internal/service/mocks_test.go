package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mellowpix/petportraits/internal/fulfillment"
	"github.com/mellowpix/petportraits/internal/imagegen"
	"github.com/mellowpix/petportraits/internal/models"
	"github.com/mellowpix/petportraits/internal/payments"
	"github.com/mellowpix/petportraits/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memSessionStore mirrors the repository contract in memory, including the
// version compare-and-swap on Update.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func newMemSessionStore(seed ...*models.Session) *memSessionStore {
	store := &memSessionStore{sessions: map[string]*models.Session{}}
	for _, s := range seed {
		cp := *s
		store.sessions[s.ID] = &cp
	}
	return store
}

func (m *memSessionStore) GetOrCreate(ctx context.Context, ip, fingerprint string, ttl time.Duration) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	session := &models.Session{
		ID:          uuid.NewString(),
		IPAddress:   ip,
		Fingerprint: fingerprint,
		ExpiresAt:   now.Add(ttl),
	}
	m.sessions[session.ID] = session
	cp := *session
	return &cp, true, nil
}

func (m *memSessionStore) GetByID(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionStore) Update(ctx context.Context, id string, expectedVersion int64, upd models.SessionUpdate) (*models.Session, error) {
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

// fakeGenerator returns a deterministic URL per unit, or the configured
// error for styles listed in failStyles.
type fakeGenerator struct {
	mu         sync.Mutex
	testMode   bool
	err        error
	failStyles map[string]error
	calls      []imagegen.Request
}

func (g *fakeGenerator) Generate(ctx context.Context, req imagegen.Request) (*imagegen.Image, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if err, ok := g.failStyles[req.Style]; ok {
		return nil, err
	}
	return &imagegen.Image{URL: fmt.Sprintf("https://img.example/%s/%s", req.Style, req.AspectRatio)}, nil
}

func (g *fakeGenerator) TestMode() bool { return g.testMode }

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// fakePayments records checkout creations and serves retrievals from a map.
type fakePayments struct {
	mu        sync.Mutex
	created   []payments.CheckoutParams
	checkouts map[string]*payments.CheckoutSession
	createErr error
}

func (p *fakePayments) CreateCheckoutSession(ctx context.Context, params payments.CheckoutParams) (*payments.CheckoutSession, error) {
	p.mu.Lock()
	p.created = append(p.created, params)
	p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &payments.CheckoutSession{ID: "cs_test_1", URL: "https://pay.example/cs_test_1"}, nil
}

func (p *fakePayments) RetrieveSession(ctx context.Context, id string) (*payments.CheckoutSession, error) {
	if s, ok := p.checkouts[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown checkout session %q", id)
}

func (p *fakePayments) lastCreated() payments.CheckoutParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created[len(p.created)-1]
}

// fakePrinter stands in for the print provider.
type fakePrinter struct {
	mu          sync.Mutex
	orders      []models.FulfillmentOrder
	orderErr    error
	directURL   string
	taskKey     string
	taskErr     error
	mockup      *fulfillment.MockupResult
	rates       []fulfillment.Rate
	rateErr     error
	ratesCalled bool
}

func (p *fakePrinter) CreateOrder(ctx context.Context, order models.FulfillmentOrder) (string, error) {
	p.mu.Lock()
	p.orders = append(p.orders, order)
	p.mu.Unlock()
	if p.orderErr != nil {
		return "", p.orderErr
	}
	return "order-42", nil
}

func (p *fakePrinter) GetShippingRates(ctx context.Context, recipient models.Recipient, items []fulfillment.ShippingItem) ([]fulfillment.Rate, error) {
	p.ratesCalled = true
	if p.rateErr != nil {
		return nil, p.rateErr
	}
	return p.rates, nil
}

func (p *fakePrinter) DirectMockupURL(catalogProductID, catalogVariantID int64, imageURL string) string {
	return p.directURL
}

func (p *fakePrinter) CreateMockupTask(ctx context.Context, catalogProductID, catalogVariantID int64, imageURL string) (string, error) {
	if p.taskErr != nil {
		return "", p.taskErr
	}
	return p.taskKey, nil
}

func (p *fakePrinter) GetMockupResult(ctx context.Context, taskKey string) (*fulfillment.MockupResult, error) {
	if p.mockup == nil {
		return &fulfillment.MockupResult{Status: fulfillment.MockupPending}, nil
	}
	return p.mockup, nil
}

// memLedger is the in-memory idempotency ledger.
type memLedger struct {
	mu       sync.Mutex
	statuses map[string]string
	details  map[string]string
	claimErr error
}

func newMemLedger() *memLedger {
	return &memLedger{statuses: map[string]string{}, details: map[string]string{}}
}

func (l *memLedger) Claim(ctx context.Context, paymentSessionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimErr != nil {
		return false, l.claimErr
	}
	if _, ok := l.statuses[paymentSessionID]; ok {
		return false, nil
	}
	l.statuses[paymentSessionID] = "processing"
	return true, nil
}

func (l *memLedger) MarkCompleted(ctx context.Context, paymentSessionID, orderRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[paymentSessionID] = "completed"
	l.details[paymentSessionID] = orderRef
	return nil
}

func (l *memLedger) MarkFailed(ctx context.Context, paymentSessionID, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[paymentSessionID] = "failed"
	l.details[paymentSessionID] = detail
	return nil
}

func (l *memLedger) Release(ctx context.Context, paymentSessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.statuses, paymentSessionID)
	return nil
}

func (l *memLedger) status(paymentSessionID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[paymentSessionID]
}
