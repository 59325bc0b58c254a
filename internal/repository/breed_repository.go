package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mellowpix/petportraits/internal/models"
)

type BreedRepository struct {
	db *sql.DB
}

func NewBreedRepository(db *sql.DB) *BreedRepository {
	return &BreedRepository{db: db}
}

// RecordUse registers one submission of a custom breed name and promotes it
// to validated once it reaches the threshold. The increment and the
// threshold check happen in a single statement so two concurrent
// submissions can never lose a count.
func (r *BreedRepository) RecordUse(ctx context.Context, name, petType string, threshold int) (*models.CustomBreed, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	petType = strings.ToLower(strings.TrimSpace(petType))
	if name == "" || petType == "" {
		return nil, fmt.Errorf("breed name and pet type are required")
	}

	const upsert = `
INSERT INTO custom_breeds (name, pet_type, uses, validated)
VALUES (?, ?, 1, 0)
ON DUPLICATE KEY UPDATE
    uses = uses + 1,
    validated = IF(uses >= ?, 1, validated)`
	if _, err := r.db.ExecContext(ctx, upsert, name, petType, threshold); err != nil {
		return nil, fmt.Errorf("record breed use: %w", err)
	}
	return r.Get(ctx, name, petType)
}

func (r *BreedRepository) Get(ctx context.Context, name, petType string) (*models.CustomBreed, error) {
	const query = `
SELECT id, name, pet_type, uses, validated, created_at, updated_at
FROM custom_breeds WHERE name = ? AND pet_type = ?`
	row := r.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(name)), strings.ToLower(strings.TrimSpace(petType)))
	var b models.CustomBreed
	var validated int
	if err := row.Scan(&b.ID, &b.Name, &b.PetType, &b.Uses, &validated, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan custom breed: %w", err)
	}
	b.Validated = validated != 0
	return &b, nil
}
