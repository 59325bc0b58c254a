package service

import (
	"context"
	"fmt"
	"regexp"

	"github.com/mellowpix/petportraits/internal/models"
	"github.com/mellowpix/petportraits/internal/moderation"
)

// PromotionThreshold is the submission count at which a custom breed name
// is auto-promoted to validated.
const PromotionThreshold = 3

// BreedStore is the durable (name, pet_type) registry. Implemented by
// repository.BreedRepository.
type BreedStore interface {
	RecordUse(ctx context.Context, name, petType string, threshold int) (*models.CustomBreed, error)
}

// BreedValidator is the plausibility heuristic, consumed as a black box.
type BreedValidator interface {
	Plausible(ctx context.Context, name, petType string) (bool, error)
}

type BreedService struct {
	store     BreedStore
	validator BreedValidator
}

func NewBreedService(store BreedStore, validator BreedValidator) *BreedService {
	if validator == nil {
		validator = defaultBreedValidator{}
	}
	return &BreedService{store: store, validator: validator}
}

type BreedVerification struct {
	Name      string `json:"name"`
	PetType   string `json:"petType"`
	Plausible bool   `json:"plausible"`
	Uses      int    `json:"uses"`
	Validated bool   `json:"validated"`
}

// Verify moderates the submitted name, consults the validator, and records
// the use; the registry survives restarts and the increment-and-promote is
// a single conditional update.
func (s *BreedService) Verify(ctx context.Context, name, petType string) (*BreedVerification, error) {
	if res := moderation.ValidateText(name, "breed name"); !res.OK {
		return nil, Validationf("%s", res.Reason)
	}
	if res := moderation.ValidateText(petType, "pet type"); !res.OK {
		return nil, Validationf("%s", res.Reason)
	}

	plausible, err := s.validator.Plausible(ctx, name, petType)
	if err != nil {
		return nil, fmt.Errorf("validate breed: %w", err)
	}
	if !plausible {
		return &BreedVerification{Name: name, PetType: petType, Plausible: false}, nil
	}

	breed, err := s.store.RecordUse(ctx, name, petType, PromotionThreshold)
	if err != nil {
		return nil, err
	}
	return &BreedVerification{
		Name:      breed.Name,
		PetType:   breed.PetType,
		Plausible: true,
		Uses:      breed.Uses,
		Validated: breed.Validated,
	}, nil
}

var breedNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z '\-]{1,60}$`)

// defaultBreedValidator accepts anything that looks like a breed name.
type defaultBreedValidator struct{}

func (defaultBreedValidator) Plausible(_ context.Context, name, _ string) (bool, error) {
	return breedNamePattern.MatchString(name), nil
}
