// Package api exposes the REST surface: session checks, generation,
// checkout, mockups, shipping quotes and the payment webhook receiver.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mellowpix/petportraits/internal/catalog"
	"github.com/mellowpix/petportraits/internal/config"
	"github.com/mellowpix/petportraits/internal/imagegen"
	"github.com/mellowpix/petportraits/internal/moderation"
	"github.com/mellowpix/petportraits/internal/payments"
	"github.com/mellowpix/petportraits/internal/quota"
	"github.com/mellowpix/petportraits/internal/service"
)

// ImageModerator is the image half of the content safety gate.
type ImageModerator interface {
	ValidateImage(ctx context.Context, dataURL string) moderation.ImageResult
}

// PhotoStore persists uploaded visitor photos and returns public URLs.
type PhotoStore interface {
	UploadDataURL(ctx context.Context, dataURL string) (string, error)
}

// WebhookParser verifies and decodes inbound payment events.
type WebhookParser interface {
	ParseWebhookEvent(payload []byte, signature string) (*payments.WebhookEvent, error)
}

type Server struct {
	cfg         config.Config
	log         *slog.Logger
	sessions    *service.SessionService
	generation  *service.GenerationService
	checkout    *service.CheckoutService
	fulfillment *service.FulfillmentService
	breeds      *service.BreedService
	moderator   ImageModerator
	photos      PhotoStore
	webhooks    WebhookParser
	router      *chi.Mux
}

func NewServer(cfg config.Config, log *slog.Logger,
	sessions *service.SessionService,
	generation *service.GenerationService,
	checkout *service.CheckoutService,
	fulfillment *service.FulfillmentService,
	breeds *service.BreedService,
	moderator ImageModerator,
	photos PhotoStore,
	webhooks WebhookParser,
) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:         cfg,
		log:         log,
		sessions:    sessions,
		generation:  generation,
		checkout:    checkout,
		fulfillment: fulfillment,
		breeds:      breeds,
		moderator:   moderator,
		photos:      photos,
		webhooks:    webhooks,
		router:      r,
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions/check", s.handleSessionCheck)
		r.Post("/generate", s.handleGenerate)
		r.Post("/generate-additional", s.handleGenerateAdditional)
		r.Post("/generate-multi-subject", s.handleGenerateMultiSubject)
		r.Post("/checkout", s.handleCheckout)
		r.Post("/checkout-additional", s.handleCheckoutAdditional)
		r.Post("/shipping-rates", s.handleShippingRates)
		r.Post("/mockup", s.handleCreateMockup)
		r.Get("/mockup/{taskKey}", s.handlePollMockup)
		r.Post("/webhook/payments", s.handlePaymentWebhook)
		r.Post("/upload", s.handleUpload)
		r.Post("/breeds/verify", s.handleBreedVerify)
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // generation fan-out is slow
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.cfg.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeSuccess(w http.ResponseWriter, payload map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message, suggestion string) {
	body := map[string]any{
		"success": false,
		"error":   code,
		"message": message,
	}
	if suggestion != "" {
		body["suggestion"] = suggestion
	}
	s.writeJSON(w, status, body)
}

// writeServiceError maps domain errors onto the envelope's status taxonomy.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, "session_not_found", "Session not found. Please start over.", "")
	case errors.Is(err, quota.ErrFreeQuotaExhausted):
		s.writeError(w, http.StatusPaymentRequired, "quota_exhausted", "Free generations used up. Purchase an additional style to continue.", "")
	case errors.Is(err, quota.ErrPaymentRequired):
		s.writeError(w, http.StatusPaymentRequired, "payment_required", "Additional styles require a purchase.", "")
	case errors.Is(err, imagegen.ErrInsufficientBalance):
		s.writeError(w, http.StatusPaymentRequired, "provider_balance_exhausted", "The image generation account is out of credits.", "Top up the provider balance or switch to test mode.")
	case errors.Is(err, quota.ErrStyleAlreadyGenerated):
		s.writeError(w, http.StatusBadRequest, "style_already_generated", "This style was already generated for your session.", "")
	case errors.Is(err, catalog.ErrUnmappedProduct):
		s.writeError(w, http.StatusBadRequest, "unknown_product", err.Error(), "")
	case errors.Is(err, service.ErrPriceMismatch):
		s.writeError(w, http.StatusBadRequest, "price_mismatch", "The submitted price does not match the catalog.", "")
	case errors.Is(err, service.ErrSessionConflict):
		s.writeError(w, http.StatusInternalServerError, "conflict", "Your session is busy, please retry.", "")
	default:
		s.log.Error("request failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "Something went wrong. Please try again.", "")
	}
}

func isValidation(err error) bool {
	return service.IsValidation(err)
}

// clientIP strips the port from the RealIP-resolved remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
