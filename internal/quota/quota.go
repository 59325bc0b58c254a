// Package quota holds the pure entitlement rules over a session. No I/O:
// the caller reads the session, asks, and commits the outcome itself.
package quota

import (
	"errors"
	"fmt"

	"github.com/mellowpix/petportraits/internal/models"
)

// FreeLimit is the number of style generations every session gets for free.
const FreeLimit = 3

// InitialStyleCount is the exact number of styles the first generation call
// must request. A product rule, enforced as a hard validation error.
const InitialStyleCount = 3

var (
	ErrFreeQuotaExhausted    = errors.New("free generation quota exhausted")
	ErrPaymentRequired       = errors.New("payment required for additional generation")
	ErrStyleAlreadyGenerated = errors.New("style already generated for this session")
)

// CanGenerateFree reports whether the session may consume a free generation.
func CanGenerateFree(s *models.Session) bool {
	return s.FreeUsed < FreeLimit || s.BonusGenerations > 0
}

// RemainingFree counts generations left on the free path, including any
// purchase-granted bonus balance.
func RemainingFree(s *models.Session) int {
	remaining := FreeLimit - s.FreeUsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining + s.BonusGenerations
}

// ValidateInitialStyles enforces the exactly-three-styles rule for the
// first generation call of a session.
func ValidateInitialStyles(styles []string) error {
	if len(styles) != InitialStyleCount {
		return fmt.Errorf("initial generation requires exactly %d styles, got %d", InitialStyleCount, len(styles))
	}
	seen := make(map[string]struct{}, len(styles))
	for _, style := range styles {
		if style == "" {
			return fmt.Errorf("style name cannot be empty")
		}
		if _, dup := seen[style]; dup {
			return fmt.Errorf("duplicate style %q in initial selection", style)
		}
		seen[style] = struct{}{}
	}
	return nil
}

// AuthorizeFree gates the initial free generation path.
func AuthorizeFree(s *models.Session) error {
	if s.FreeUsed >= FreeLimit && s.BonusGenerations == 0 {
		return ErrFreeQuotaExhausted
	}
	return nil
}

// AuthorizeAdditional gates the paid single-style path. Every post-initial
// generation demands payment proof: a confirmed purchase on the session with
// bonus balance left to draw down. Bonus generations alone never bypass the
// gate.
func AuthorizeAdditional(s *models.Session, style string) error {
	if style == "" {
		return fmt.Errorf("style is required")
	}
	if s.HasGenerated(style) {
		return ErrStyleAlreadyGenerated
	}
	if !s.PurchaseMade || s.BonusGenerations <= 0 {
		return ErrPaymentRequired
	}
	return nil
}
