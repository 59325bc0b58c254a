package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mellowpix/petportraits/internal/models"
)

// ErrVersionConflict is returned when a compare-and-swap update loses the
// race against a concurrent writer. Callers re-read and retry.
var ErrVersionConflict = errors.New("session version conflict")

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) DB() *sql.DB {
	return r.db
}

const sessionColumns = `id, ip_address, COALESCE(fingerprint, ''), COALESCE(pet_name, ''), COALESCE(pet_type, ''), COALESCE(photo_url, ''), COALESCE(selected_styles, '[]'), COALESCE(generated_styles, '[]'), free_used, paid_used, purchase_made, bonus_generations, version, created_at, updated_at, expires_at`

// GetOrCreate resolves the visitor's session. An unexpired session matching
// the fingerprint wins over one matching only the IP; with neither, a fresh
// session is created with all counters zeroed. Expired rows are treated as
// absent, never extended.
func (r *SessionRepository) GetOrCreate(ctx context.Context, ip, fingerprint string, ttl time.Duration) (*models.Session, bool, error) {
	if fingerprint != "" {
		session, err := r.findLive(ctx, "fingerprint = ?", fingerprint)
		if err != nil {
			return nil, false, err
		}
		if session != nil {
			return session, false, nil
		}
	}
	session, err := r.findLive(ctx, "ip_address = ?", ip)
	if err != nil {
		return nil, false, err
	}
	if session != nil {
		return session, false, nil
	}

	now := time.Now().UTC()
	created := &models.Session{
		ID:          uuid.NewString(),
		IPAddress:   ip,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	const query = `
INSERT INTO sessions (id, ip_address, fingerprint, selected_styles, generated_styles, expires_at)
VALUES (?, ?, NULLIF(?, ''), '[]', '[]', ?)`
	if _, err := r.db.ExecContext(ctx, query, created.ID, ip, fingerprint, created.ExpiresAt); err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	return created, true, nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	return r.findLive(ctx, "id = ?", id)
}

func (r *SessionRepository) findLive(ctx context.Context, where string, arg any) (*models.Session, error) {
	query := fmt.Sprintf(`
SELECT %s FROM sessions
WHERE %s AND expires_at > NOW()
ORDER BY created_at DESC LIMIT 1`, sessionColumns, where)
	row := r.db.QueryRowContext(ctx, query, arg)
	return scanSession(row)
}

// Update applies a partial merge guarded by the session's version: the
// write only lands if no other writer got there first. expectedVersion is
// the version the caller read; on conflict ErrVersionConflict is returned.
func (r *SessionRepository) Update(ctx context.Context, id string, expectedVersion int64, upd models.SessionUpdate) (*models.Session, error) {
	sets := []string{"version = version + 1", "updated_at = NOW()"}
	args := []any{}

	appendSet := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if upd.PetName != nil {
		appendSet("pet_name", *upd.PetName)
	}
	if upd.PetType != nil {
		appendSet("pet_type", *upd.PetType)
	}
	if upd.PhotoURL != nil {
		appendSet("photo_url", *upd.PhotoURL)
	}
	if upd.SelectedStyles != nil {
		appendSet("selected_styles", marshalStyles(upd.SelectedStyles))
	}
	if upd.GeneratedStyles != nil {
		appendSet("generated_styles", marshalStyles(upd.GeneratedStyles))
	}
	if upd.FreeUsed != nil {
		appendSet("free_used", *upd.FreeUsed)
	}
	if upd.PaidUsed != nil {
		appendSet("paid_used", *upd.PaidUsed)
	}
	if upd.PurchaseMade != nil {
		appendSet("purchase_made", boolToInt(*upd.PurchaseMade))
	}
	if upd.BonusGenerations != nil {
		appendSet("bonus_generations", *upd.BonusGenerations)
	}

	query := fmt.Sprintf(`UPDATE sessions SET %s WHERE id = ? AND version = ?`, strings.Join(sets, ", "))
	args = append(args, id, expectedVersion)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		existing, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, nil
		}
		return nil, ErrVersionConflict
	}
	return r.GetByID(ctx, id)
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var s models.Session
	var purchaseMade int
	var selected, generated string
	err := row.Scan(&s.ID, &s.IPAddress, &s.Fingerprint, &s.PetName, &s.PetType, &s.PhotoURL,
		&selected, &generated, &s.FreeUsed, &s.PaidUsed, &purchaseMade, &s.BonusGenerations,
		&s.Version, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.PurchaseMade = purchaseMade != 0
	s.SelectedStyles = unmarshalStyles(selected)
	s.GeneratedStyles = unmarshalStyles(generated)
	return &s, nil
}

func marshalStyles(styles []string) string {
	b, err := json.Marshal(styles)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStyles(raw string) []string {
	var styles []string
	if err := json.Unmarshal([]byte(raw), &styles); err != nil {
		return nil
	}
	return styles
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
