package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mellowpix/petportraits/internal/models"
	"github.com/mellowpix/petportraits/internal/moderation"
	"github.com/mellowpix/petportraits/internal/quota"
	"github.com/mellowpix/petportraits/internal/service"
)

type sessionCheckRequest struct {
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	var req sessionCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Request body must be valid JSON.", "")
		return
	}

	session, created, err := s.sessions.Check(r.Context(), clientIP(r), strings.TrimSpace(req.Fingerprint))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeSuccess(w, map[string]any{
		"sessionId":       session.ID,
		"created":         created,
		"remainingFree":   quota.RemainingFree(session),
		"generatedStyles": session.GeneratedStyles,
		"purchaseMade":    session.PurchaseMade,
		"petName":         session.PetName,
		"photoUrl":        session.PhotoURL,
	})
}

type generateRequest struct {
	SessionID  string   `json:"sessionId"`
	PetName    string   `json:"petName"`
	PetType    string   `json:"petType"`
	Breed      string   `json:"breed"`
	PhotoURL   string   `json:"photoUrl"`
	PhotoData  string   `json:"photoData"`
	Styles     []string `json:"styles"`
	ProductIDs []string `json:"productIds"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Request body must be valid JSON.", "")
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "missing_session", "sessionId is required.", "")
		return
	}

	// Content safety runs before any metered work.
	if req.PetName != "" {
		if res := moderation.ValidateText(req.PetName, "pet name"); !res.OK {
			s.writeError(w, http.StatusBadRequest, "moderation_rejected", res.Reason, "")
			return
		}
	}
	if req.Breed != "" {
		if res := moderation.ValidateText(req.Breed, "breed"); !res.OK {
			s.writeError(w, http.StatusBadRequest, "moderation_rejected", res.Reason, "")
			return
		}
	}

	var warnings []string
	if req.PhotoData != "" {
		photoURL, warn, ok := s.gatekeepAndStore(w, r, req.PhotoData)
		if !ok {
			return
		}
		req.PhotoURL = photoURL
		warnings = warn
	}

	outcome, err := s.generation.GenerateInitial(r.Context(), service.InitialRequest{
		SessionID:  req.SessionID,
		PetName:    req.PetName,
		PetType:    req.PetType,
		Breed:      req.Breed,
		PhotoURL:   req.PhotoURL,
		Styles:     req.Styles,
		ProductIDs: req.ProductIDs,
	})
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	payload := map[string]any{
		"testMode":      outcome.TestMode,
		"results":       outcome.Results,
		"remainingFree": quota.RemainingFree(outcome.Session),
	}
	if len(warnings) > 0 {
		payload["warnings"] = warnings
	}
	s.writeSuccess(w, payload)
}

type generateAdditionalRequest struct {
	SessionID  string   `json:"sessionId"`
	Style      string   `json:"style"`
	ProductIDs []string `json:"productIds"`
}

func (s *Server) handleGenerateAdditional(w http.ResponseWriter, r *http.Request) {
	var req generateAdditionalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Request body must be valid JSON.", "")
		return
	}
	if req.SessionID == "" || req.Style == "" {
		s.writeError(w, http.StatusBadRequest, "missing_fields", "sessionId and style are required.", "")
		return
	}

	outcome, err := s.generation.GenerateAdditional(r.Context(), req.SessionID, req.Style, req.ProductIDs)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	s.writeSuccess(w, map[string]any{
		"testMode":      outcome.TestMode,
		"results":       outcome.Results,
		"remainingFree": quota.RemainingFree(outcome.Session),
	})
}

type multiSubjectRequest struct {
	SessionID string `json:"sessionId"`
	Subjects  []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Type      string `json:"type"`
		Breed     string `json:"breed"`
		Gender    string `json:"gender"`
		AgeGroup  string `json:"ageGroup"`
		Ethnicity string `json:"ethnicity"`
		PhotoURL  string `json:"photoUrl"`
	} `json:"subjects"`
	Styles     []string `json:"styles"`
	ProductIDs []string `json:"productIds"`
}

func (s *Server) handleGenerateMultiSubject(w http.ResponseWriter, r *http.Request) {
	var req multiSubjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Request body must be valid JSON.", "")
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "missing_session", "sessionId is required.", "")
		return
	}

	subjects := make([]models.Subject, 0, len(req.Subjects))
	for _, sub := range req.Subjects {
		if sub.Name != "" {
			if res := moderation.ValidateText(sub.Name, "subject name"); !res.OK {
				s.writeError(w, http.StatusBadRequest, "moderation_rejected", res.Reason, "")
				return
			}
		}
		subjects = append(subjects, models.Subject{
			ID:        sub.ID,
			Name:      sub.Name,
			Type:      models.SubjectType(sub.Type),
			Breed:     sub.Breed,
			Gender:    sub.Gender,
			AgeGroup:  sub.AgeGroup,
			Ethnicity: sub.Ethnicity,
			PhotoURL:  sub.PhotoURL,
		})
	}

	outcome, err := s.generation.GenerateMultiSubject(r.Context(), service.MultiSubjectRequest{
		SessionID:  req.SessionID,
		Subjects:   subjects,
		Styles:     req.Styles,
		ProductIDs: req.ProductIDs,
	})
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	s.writeSuccess(w, map[string]any{
		"testMode":      outcome.TestMode,
		"results":       outcome.Results,
		"remainingFree": quota.RemainingFree(outcome.Session),
	})
}

type checkoutRequest struct {
	SessionID    string `json:"sessionId"`
	ProductID    string `json:"productId"`
	VariantURL   string `json:"variantUrl"`
	Price        int    `json:"price"`
	ShippingCost int    `json:"shippingCost"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Request body must be valid JSON.", "")
		return
	}
	if req.SessionID == "" || req.ProductID == "" {
		s.writeError(w, http.StatusBadRequest, "missing_fields", "sessionId and productId are required.", "")
		return
	}

	result, err := s.checkout.CreateProductCheckout(r.Context(), service.ProductCheckoutRequest{
		SessionID:    req.SessionID,
		ProductID:    req.ProductID,
		VariantURL:   req.VariantURL,
		PriceMinor:   req.Price,
		ShippingCost: req.ShippingCost,
		Origin:       r.Header.Get("Origin"),
	})
	if err != nil {
		if isValidation(err) {
			s.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
			return
		}
		s.writeServiceError(w, err)
		return
	}

	s.writeSuccess(w, map[string]any{
		"url":               result.URL,
		"checkoutSessionId": result.SessionID,
	})
}

type checkoutAdditionalRequest struct {
	SessionID   string `json:"sessionId"`
	Fingerprint string `json:"fingerprint"`
	Style       string `json:"style"`
}

func (s *Server) handleCheckoutAdditional(w http.ResponseWriter, r *http.Request) {
	var req checkoutAdditionalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Request body must be valid JSON.", "")
		return
	}
	if req.SessionID == "" || req.Style == "" {
		s.writeError(w, http.StatusBadRequest, "missing_fields", "sessionId and style are required.", "")
		return
	}

	result, err := s.checkout.CreateAdditionalCheckout(r.Context(), req.SessionID, req.Fingerprint, req.Style, r.Header.Get("Origin"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeSuccess(w, map[string]any{
		"url":               result.URL,
		"checkoutSessionId": result.SessionID,
	})
}

type shippingRatesRequest struct {
	ProductIDs []string         `json:"productIds"`
	Recipient  models.Recipient `json:"recipient"`
}

func (s *Server) handleShippingRates(w http.ResponseWriter, r *http.Request) {
	var req shippingRatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Request body must be valid JSON.", "")
		return
	}

	rates, err := s.fulfillment.QuoteShipping(r.Context(), req.ProductIDs, req.Recipient)
	if err != nil {
		if isValidation(err) {
			s.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
			return
		}
		s.writeServiceError(w, err)
		return
	}

	s.writeSuccess(w, map[string]any{"rates": rates})
}

type mockupRequest struct {
	ProductID string `json:"productId"`
	ImageURL  string `json:"imageUrl"`
}

func (s *Server) handleCreateMockup(w http.ResponseWriter, r *http.Request) {
	var req mockupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Request body must be valid JSON.", "")
		return
	}
	if req.ProductID == "" || req.ImageURL == "" {
		s.writeError(w, http.StatusBadRequest, "missing_fields", "productId and imageUrl are required.", "")
		return
	}

	mockup, err := s.fulfillment.CreateMockup(r.Context(), req.ProductID, req.ImageURL)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"mockup": mockup})
}

func (s *Server) handlePollMockup(w http.ResponseWriter, r *http.Request) {
	taskKey := chi.URLParam(r, "taskKey")
	if taskKey == "" {
		s.writeError(w, http.StatusBadRequest, "missing_task_key", "taskKey is required.", "")
		return
	}

	mockup, err := s.fulfillment.PollMockup(r.Context(), taskKey)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"mockup": mockup})
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_body", "Could not read webhook body.", "")
		return
	}

	event, err := s.webhooks.ParseWebhookEvent(body, r.Header.Get("X-Payment-Signature"))
	if err != nil {
		s.log.Error("webhook rejected", "err", err)
		s.writeError(w, http.StatusBadRequest, "invalid_webhook", "Webhook verification failed.", "")
		return
	}

	// Errors here are transient: fail the delivery so the provider retries.
	if err := s.fulfillment.HandleCheckoutCompleted(r.Context(), event); err != nil {
		s.log.Error("webhook processing failed", "event", event.Type, "payment_session", event.SessionID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "webhook_failed", "Event processing failed, will retry.", "")
		return
	}
	s.writeSuccess(w, map[string]any{"received": true})
}

type uploadRequest struct {
	Image string `json:"image"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Request body must be valid JSON.", "")
		return
	}
	if req.Image == "" {
		s.writeError(w, http.StatusBadRequest, "missing_image", "image is required.", "")
		return
	}

	url, warnings, ok := s.gatekeepAndStore(w, r, req.Image)
	if !ok {
		return
	}

	payload := map[string]any{"url": url}
	if len(warnings) > 0 {
		payload["warnings"] = warnings
	}
	s.writeSuccess(w, payload)
}

// gatekeepAndStore moderates a data-URL image and uploads it. When it
// returns ok=false the error response was already written.
func (s *Server) gatekeepAndStore(w http.ResponseWriter, r *http.Request, dataURL string) (string, []string, bool) {
	result := s.moderator.ValidateImage(r.Context(), dataURL)
	if !result.OK {
		s.writeError(w, http.StatusBadRequest, "moderation_rejected", strings.Join(result.Reasons, "; "), "")
		return "", nil, false
	}
	var warnings []string
	if result.Degraded {
		warnings = result.Reasons
	}

	url, err := s.photos.UploadDataURL(r.Context(), dataURL)
	if err != nil {
		s.log.Error("photo upload failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "upload_failed", "Could not store the photo. Please try again.", "")
		return "", nil, false
	}
	return url, warnings, true
}

type breedVerifyRequest struct {
	Name    string `json:"name"`
	PetType string `json:"petType"`
}

func (s *Server) handleBreedVerify(w http.ResponseWriter, r *http.Request) {
	var req breedVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Request body must be valid JSON.", "")
		return
	}

	verification, err := s.breeds.Verify(r.Context(), req.Name, req.PetType)
	if err != nil {
		if isValidation(err) {
			s.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
			return
		}
		s.writeServiceError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"breed": verification})
}

// writeGenerationError adds the validation-vs-entitlement split for the
// generation paths: style-count and subject mistakes are 400s, quota and
// balance problems are 402s.
func (s *Server) writeGenerationError(w http.ResponseWriter, err error) {
	if isValidation(err) {
		s.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}
	s.writeServiceError(w, err)
}
