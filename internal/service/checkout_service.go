package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mellowpix/petportraits/internal/catalog"
	"github.com/mellowpix/petportraits/internal/config"
	"github.com/mellowpix/petportraits/internal/models"
	"github.com/mellowpix/petportraits/internal/payments"
	"github.com/mellowpix/petportraits/internal/quota"
)

// ErrPriceMismatch rejects a client-supplied price that disagrees with the
// server-side catalog. The client never gets to set what it pays.
var ErrPriceMismatch = errors.New("price does not match catalog")

// PaymentProvider is the hosted-checkout provider surface. Implemented by
// payments.Client.
type PaymentProvider interface {
	CreateCheckoutSession(ctx context.Context, params payments.CheckoutParams) (*payments.CheckoutSession, error)
	RetrieveSession(ctx context.Context, id string) (*payments.CheckoutSession, error)
}

type CheckoutService struct {
	cfg      config.Config
	sessions *SessionService
	provider PaymentProvider
}

func NewCheckoutService(cfg config.Config, sessions *SessionService, provider PaymentProvider) *CheckoutService {
	return &CheckoutService{cfg: cfg, sessions: sessions, provider: provider}
}

type CheckoutResult struct {
	URL       string `json:"url"`
	SessionID string `json:"checkoutSessionId"`
}

type ProductCheckoutRequest struct {
	SessionID    string
	ProductID    string
	VariantURL   string
	PriceMinor   int
	ShippingCost int
	Origin       string
}

// CreateAdditionalCheckout starts a fixed micro-price checkout for one more
// style generation. Metadata carries everything the webhook needs to resume.
func (s *CheckoutService) CreateAdditionalCheckout(ctx context.Context, sessionID, fingerprint, style, origin string) (*CheckoutResult, error) {
	if strings.TrimSpace(style) == "" {
		return nil, Validationf("style is required")
	}
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.HasGenerated(style) {
		return nil, quota.ErrStyleAlreadyGenerated
	}

	checkout, err := s.provider.CreateCheckoutSession(ctx, payments.CheckoutParams{
		LineItems: []payments.LineItem{{
			Name:             fmt.Sprintf("Additional portrait style: %s", style),
			AmountMinorUnits: s.cfg.AdditionalStylePrice,
			Currency:         s.cfg.PaymentCurrency,
			Quantity:         1,
		}},
		SuccessURL: s.returnURL(origin, "/generation-success"),
		CancelURL:  s.returnURL(origin, "/generation-cancelled"),
		Metadata: map[string]string{
			"type":        string(models.CheckoutAdditionalGeneration),
			"style":       style,
			"session_id":  session.ID,
			"fingerprint": fingerprint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create additional checkout: %w", err)
	}
	return &CheckoutResult{URL: checkout.URL, SessionID: checkout.ID}, nil
}

// CreateProductCheckout starts a physical product purchase. The price is
// cross-checked against the catalog; a mismatch is a validation failure.
func (s *CheckoutService) CreateProductCheckout(ctx context.Context, req ProductCheckoutRequest) (*CheckoutResult, error) {
	if req.VariantURL == "" {
		return nil, Validationf("variant url is required")
	}
	product, err := catalog.Lookup(req.ProductID)
	if err != nil {
		return nil, err
	}
	if req.PriceMinor != 0 && req.PriceMinor != product.PriceMinorUnits {
		return nil, fmt.Errorf("%w: got %d, catalog says %d", ErrPriceMismatch, req.PriceMinor, product.PriceMinorUnits)
	}
	if req.ShippingCost < 0 {
		return nil, Validationf("shipping cost cannot be negative")
	}

	session, err := s.sessions.GetByID(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	lineItems := []payments.LineItem{{
		Name:             product.Name,
		AmountMinorUnits: product.PriceMinorUnits,
		Currency:         s.cfg.PaymentCurrency,
		Quantity:         1,
	}}
	if req.ShippingCost > 0 {
		lineItems = append(lineItems, payments.LineItem{
			Name:             "Shipping",
			AmountMinorUnits: req.ShippingCost,
			Currency:         s.cfg.PaymentCurrency,
			Quantity:         1,
		})
	}

	checkout, err := s.provider.CreateCheckoutSession(ctx, payments.CheckoutParams{
		LineItems:  lineItems,
		SuccessURL: s.returnURL(req.Origin, "/order-success"),
		CancelURL:  s.returnURL(req.Origin, "/order-cancelled"),
		Metadata: map[string]string{
			"type":          string(models.CheckoutProductPurchase),
			"product_id":    product.ID,
			"product_name":  product.Name,
			"variant_url":   req.VariantURL,
			"variant_id":    product.StoreVariantID,
			"shipping_cost": strconv.Itoa(req.ShippingCost),
			"session_id":    session.ID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create product checkout: %w", err)
	}
	return &CheckoutResult{URL: checkout.URL, SessionID: checkout.ID}, nil
}

// returnURL builds success/cancel destinations from the request origin,
// falling back to the configured base URL.
func (s *CheckoutService) returnURL(origin, path string) string {
	base := strings.TrimRight(strings.TrimSpace(origin), "/")
	if base == "" || (!strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://")) {
		base = s.cfg.BaseURL
	}
	return base + path
}
