package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mellowpix/petportraits/internal/config"
	"github.com/mellowpix/petportraits/internal/models"
	"github.com/mellowpix/petportraits/internal/repository"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionConflict = errors.New("session update kept conflicting, giving up")
)

// SessionStore is the durable backing for visitor sessions. Implemented by
// repository.SessionRepository.
type SessionStore interface {
	GetOrCreate(ctx context.Context, ip, fingerprint string, ttl time.Duration) (*models.Session, bool, error)
	GetByID(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, id string, expectedVersion int64, upd models.SessionUpdate) (*models.Session, error)
}

type SessionService struct {
	cfg   config.Config
	store SessionStore
}

func NewSessionService(cfg config.Config, store SessionStore) *SessionService {
	return &SessionService{cfg: cfg, store: store}
}

// Check resolves or creates the visitor's session, fingerprint before IP.
func (s *SessionService) Check(ctx context.Context, ip, fingerprint string) (*models.Session, bool, error) {
	session, created, err := s.store.GetOrCreate(ctx, ip, fingerprint, s.cfg.SessionTTL)
	if err != nil {
		return nil, false, fmt.Errorf("get or create session: %w", err)
	}
	return session, created, nil
}

func (s *SessionService) GetByID(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

const maxUpdateAttempts = 5

// Mutate applies fn under optimistic concurrency: read, compute the partial
// update, compare-and-swap on the session version, retry on conflict. This
// is what keeps two concurrent generation commits for one session from
// losing each other's writes.
func (s *SessionService) Mutate(ctx context.Context, id string, fn func(*models.Session) (models.SessionUpdate, error)) (*models.Session, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		session, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read session: %w", err)
		}
		if session == nil {
			return nil, ErrSessionNotFound
		}

		upd, err := fn(session)
		if err != nil {
			return nil, err
		}

		updated, err := s.store.Update(ctx, id, session.Version, upd)
		if err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("update session: %w", err)
		}
		if updated == nil {
			return nil, ErrSessionNotFound
		}
		return updated, nil
	}
	return nil, ErrSessionConflict
}
