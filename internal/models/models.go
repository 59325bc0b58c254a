package models

import "time"

type SubjectType string

const (
	SubjectPet    SubjectType = "pet"
	SubjectPerson SubjectType = "person"
)

type CheckoutType string

const (
	CheckoutAdditionalGeneration CheckoutType = "additional_generation"
	CheckoutProductPurchase      CheckoutType = "product_purchase"
)

// Session is the durable per-visitor record of generation entitlements.
// Identified primarily by a client-supplied fingerprint, secondarily by IP.
type Session struct {
	ID               string
	IPAddress        string
	Fingerprint      string
	PetName          string
	PetType          string
	PhotoURL         string
	SelectedStyles   []string
	GeneratedStyles  []string
	FreeUsed         int
	PaidUsed         int
	PurchaseMade     bool
	BonusGenerations int
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

func (s *Session) HasGenerated(style string) bool {
	for _, g := range s.GeneratedStyles {
		if g == style {
			return true
		}
	}
	return false
}

// SessionUpdate is a partial merge: nil fields are left untouched.
type SessionUpdate struct {
	PetName          *string
	PetType          *string
	PhotoURL         *string
	SelectedStyles   []string
	GeneratedStyles  []string
	FreeUsed         *int
	PaidUsed         *int
	PurchaseMade     *bool
	BonusGenerations *int
}

// Subject is one portrait subject in a multi-subject request.
type Subject struct {
	ID       string
	Name     string
	Type     SubjectType
	PhotoURL string
	// Pet subjects carry a breed, person subjects demographic attributes.
	Breed     string
	Gender    string
	AgeGroup  string
	Ethnicity string
}

// GenerationUnit is one (style, subject, product) combination sent to the
// generation provider. Ephemeral, never persisted.
type GenerationUnit struct {
	Style     string
	Subject   Subject
	ProductID string
}

// Variant is one generated output, tagged with the product whose aspect
// ratio it was rendered for (empty when product-agnostic).
type Variant struct {
	URL       string `json:"url"`
	Style     string `json:"style"`
	ProductID string `json:"productId,omitempty"`
	TestMode  bool   `json:"testMode,omitempty"`
}

// CheckoutIntent travels as payment-provider metadata so the fulfillment
// pipeline can reconstruct context from the webhook event alone.
type CheckoutIntent struct {
	Type         CheckoutType
	SessionID    string
	Fingerprint  string
	Style        string
	ProductID    string
	ProductName  string
	VariantURL   string
	VariantID    string
	ShippingCost int
}

// Recipient is the shipping destination for a fulfillment order.
type Recipient struct {
	Name        string `json:"name"`
	Address1    string `json:"address1"`
	Address2    string `json:"address2,omitempty"`
	City        string `json:"city"`
	StateCode   string `json:"state_code,omitempty"`
	CountryCode string `json:"country_code"`
	Zip         string `json:"zip"`
	Email       string `json:"email,omitempty"`
}

// FulfillmentOrder is derived per payment-completed event, never stored here.
type FulfillmentOrder struct {
	ExternalID string
	Recipient  Recipient
	Items      []OrderItem
}

type OrderItem struct {
	VariantID string
	Quantity  int
	AssetURL  string
}

// CustomBreed is a visitor-submitted breed name pending promotion. A name
// becomes validated once enough distinct submissions agree on it.
type CustomBreed struct {
	ID        int64
	Name      string
	PetType   string
	Uses      int
	Validated bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
