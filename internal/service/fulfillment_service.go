package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mellowpix/petportraits/internal/catalog"
	"github.com/mellowpix/petportraits/internal/config"
	"github.com/mellowpix/petportraits/internal/fulfillment"
	"github.com/mellowpix/petportraits/internal/models"
	"github.com/mellowpix/petportraits/internal/payments"
)

// PrintProvider is the print-on-demand provider surface. Implemented by
// fulfillment.Client.
type PrintProvider interface {
	CreateOrder(ctx context.Context, order models.FulfillmentOrder) (string, error)
	GetShippingRates(ctx context.Context, recipient models.Recipient, items []fulfillment.ShippingItem) ([]fulfillment.Rate, error)
	DirectMockupURL(catalogProductID, catalogVariantID int64, imageURL string) string
	CreateMockupTask(ctx context.Context, catalogProductID, catalogVariantID int64, imageURL string) (string, error)
	GetMockupResult(ctx context.Context, taskKey string) (*fulfillment.MockupResult, error)
}

// EventLedger is the local idempotency ledger for payment-completed events.
// Implemented by repository.FulfillmentRepository.
type EventLedger interface {
	Claim(ctx context.Context, paymentSessionID string) (bool, error)
	MarkCompleted(ctx context.Context, paymentSessionID, orderRef string) error
	MarkFailed(ctx context.Context, paymentSessionID, detail string) error
	Release(ctx context.Context, paymentSessionID string) error
}

// FulfillmentService turns confirmed payments into fulfillment orders and
// serves mockups and shipping quotes.
type FulfillmentService struct {
	cfg      config.Config
	log      *slog.Logger
	sessions *SessionService
	payments PaymentProvider
	printer  PrintProvider
	ledger   EventLedger
}

func NewFulfillmentService(cfg config.Config, log *slog.Logger, sessions *SessionService, pay PaymentProvider, printer PrintProvider, ledger EventLedger) *FulfillmentService {
	return &FulfillmentService{cfg: cfg, log: log, sessions: sessions, payments: pay, printer: printer, ledger: ledger}
}

// HandleCheckoutCompleted processes one payment-completed event. A non-nil
// error means the caller should signal failure so the provider redelivers;
// permanent problems (unmapped product, missing address) are logged, marked
// in the ledger, and swallowed; the payment itself stays valid.
func (s *FulfillmentService) HandleCheckoutCompleted(ctx context.Context, event *payments.WebhookEvent) error {
	if event.Type != payments.EventCheckoutCompleted {
		s.log.Info("ignoring webhook event", "type", event.Type)
		return nil
	}

	// Never trust the inbound payload for money or addresses: re-retrieve.
	checkout, err := s.payments.RetrieveSession(ctx, event.SessionID)
	if err != nil {
		return fmt.Errorf("retrieve checkout session: %w", err)
	}
	if checkout.PaymentStatus != "paid" {
		s.log.Warn("checkout completed event for unpaid session", "payment_session", checkout.ID, "status", checkout.PaymentStatus)
		return nil
	}

	claimed, err := s.ledger.Claim(ctx, checkout.ID)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		s.log.Info("duplicate payment event ignored", "payment_session", checkout.ID)
		return nil
	}

	switch models.CheckoutType(checkout.Metadata["type"]) {
	case models.CheckoutAdditionalGeneration:
		return s.grantAdditionalGeneration(ctx, checkout)
	case models.CheckoutProductPurchase:
		return s.fulfillProductPurchase(ctx, checkout)
	default:
		s.log.Error("payment event with unknown intent type", "payment_session", checkout.ID, "type", checkout.Metadata["type"])
		return s.ledger.MarkFailed(ctx, checkout.ID, "unknown checkout intent type")
	}
}

// grantAdditionalGeneration credits the session with one purchased style
// generation: purchase flag on, bonus balance up by one.
func (s *FulfillmentService) grantAdditionalGeneration(ctx context.Context, checkout *payments.CheckoutSession) error {
	sessionID := checkout.Metadata["session_id"]
	if sessionID == "" {
		s.log.Error("additional generation payment missing session id", "payment_session", checkout.ID)
		return s.ledger.MarkFailed(ctx, checkout.ID, "metadata missing session_id")
	}

	_, err := s.sessions.Mutate(ctx, sessionID, func(current *models.Session) (models.SessionUpdate, error) {
		purchased := true
		bonus := current.BonusGenerations + 1
		return models.SessionUpdate{PurchaseMade: &purchased, BonusGenerations: &bonus}, nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			s.log.Error("additional generation payment for unknown session", "payment_session", checkout.ID, "session", sessionID)
			return s.ledger.MarkFailed(ctx, checkout.ID, "session not found")
		}
		// Transient store failure: drop the claim so redelivery retries.
		if relErr := s.ledger.Release(ctx, checkout.ID); relErr != nil {
			s.log.Error("release claim failed", "payment_session", checkout.ID, "err", relErr)
		}
		return fmt.Errorf("grant bonus generation: %w", err)
	}

	s.log.Info("granted additional generation", "payment_session", checkout.ID, "session", sessionID, "style", checkout.Metadata["style"])
	return s.ledger.MarkCompleted(ctx, checkout.ID, "")
}

// fulfillProductPurchase maps the product, builds the order around the
// generated artwork, and places it with the payment session id as external
// correlation id.
func (s *FulfillmentService) fulfillProductPurchase(ctx context.Context, checkout *payments.CheckoutSession) error {
	productID := checkout.Metadata["product_id"]
	product, err := catalog.Lookup(productID)
	if err != nil {
		// Payment succeeded, fulfillment cannot: an explicit split.
		s.log.Error("payment for unmapped product, fulfillment aborted", "payment_session", checkout.ID, "product_id", productID)
		return s.ledger.MarkFailed(ctx, checkout.ID, fmt.Sprintf("unmapped product id %q", productID))
	}

	if checkout.Shipping == nil {
		s.log.Error("product purchase without shipping address", "payment_session", checkout.ID)
		return s.ledger.MarkFailed(ctx, checkout.ID, "missing shipping address")
	}

	assetURL := checkout.Metadata["variant_url"]
	if assetURL == "" {
		s.log.Error("product purchase without artwork url", "payment_session", checkout.ID)
		return s.ledger.MarkFailed(ctx, checkout.ID, "metadata missing variant_url")
	}

	recipient := *checkout.Shipping
	if recipient.Email == "" {
		recipient.Email = checkout.CustomerEmail
	}

	order := models.FulfillmentOrder{
		ExternalID: checkout.ID,
		Recipient:  recipient,
		Items: []models.OrderItem{{
			VariantID: product.StoreVariantID,
			Quantity:  1,
			AssetURL:  assetURL,
		}},
	}

	orderRef, err := s.printer.CreateOrder(ctx, order)
	if err != nil {
		if relErr := s.ledger.Release(ctx, checkout.ID); relErr != nil {
			s.log.Error("release claim failed", "payment_session", checkout.ID, "err", relErr)
		}
		return fmt.Errorf("create fulfillment order: %w", err)
	}

	s.log.Info("fulfillment order placed", "payment_session", checkout.ID, "order_ref", orderRef, "product", product.ID)
	return s.ledger.MarkCompleted(ctx, checkout.ID, orderRef)
}

// MockupStatus values surfaced to the UI.
const (
	MockupStatusReady      = "ready"
	MockupStatusProcessing = "processing"
	MockupStatusFallback   = "fallback"
)

type MockupResponse struct {
	Status    string `json:"status"`
	MockupURL string `json:"mockupUrl,omitempty"`
	TaskKey   string `json:"taskKey,omitempty"`
}

// CreateMockup renders a product preview with a three-tier fallback: a
// direct render URL when the product supports it, otherwise an async task,
// and when task creation fails the raw artwork itself. The UI must never
// end up with a dead image.
func (s *FulfillmentService) CreateMockup(ctx context.Context, productID, imageURL string) (*MockupResponse, error) {
	if imageURL == "" {
		return nil, Validationf("image url is required")
	}
	product, err := catalog.Lookup(productID)
	if err != nil {
		return nil, err
	}

	if product.SupportsDirectMockup {
		if direct := s.printer.DirectMockupURL(product.CatalogProductID, product.CatalogVariantID, imageURL); direct != "" {
			return &MockupResponse{Status: MockupStatusReady, MockupURL: direct}, nil
		}
	}

	taskKey, err := s.printer.CreateMockupTask(ctx, product.CatalogProductID, product.CatalogVariantID, imageURL)
	if err != nil {
		s.log.Warn("mockup task creation failed, falling back to artwork", "product", productID, "err", err)
		return &MockupResponse{Status: MockupStatusFallback, MockupURL: imageURL}, nil
	}
	return &MockupResponse{Status: MockupStatusProcessing, TaskKey: taskKey}, nil
}

// PollMockup resolves an async mockup task. Outstanding tasks report
// processing, never not-found.
func (s *FulfillmentService) PollMockup(ctx context.Context, taskKey string) (*MockupResponse, error) {
	result, err := s.printer.GetMockupResult(ctx, taskKey)
	if err != nil {
		return nil, fmt.Errorf("poll mockup task: %w", err)
	}
	switch result.Status {
	case fulfillment.MockupCompleted:
		return &MockupResponse{Status: MockupStatusReady, MockupURL: result.URL}, nil
	case fulfillment.MockupFailed:
		return nil, fmt.Errorf("mockup task failed")
	default:
		return &MockupResponse{Status: MockupStatusProcessing, TaskKey: taskKey}, nil
	}
}

// QuoteShipping translates internal product ids to catalog variant ids and
// asks the provider for rate options. An unmapped id fails before any
// external call.
func (s *FulfillmentService) QuoteShipping(ctx context.Context, productIDs []string, recipient models.Recipient) ([]fulfillment.Rate, error) {
	if len(productIDs) == 0 {
		return nil, Validationf("at least one product id is required")
	}
	if recipient.CountryCode == "" {
		return nil, Validationf("recipient country code is required")
	}

	items := make([]fulfillment.ShippingItem, 0, len(productIDs))
	for _, id := range productIDs {
		product, err := catalog.Lookup(id)
		if err != nil {
			return nil, err
		}
		items = append(items, fulfillment.ShippingItem{
			CatalogVariantID: product.CatalogVariantID,
			Quantity:         1,
		})
	}

	rates, err := s.printer.GetShippingRates(ctx, recipient, items)
	if err != nil {
		return nil, fmt.Errorf("get shipping rates: %w", err)
	}
	return rates, nil
}
