package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mellowpix/petportraits/internal/models"
	"github.com/mellowpix/petportraits/internal/repository"
)

func TestCheckFingerprintWinsOverIP(t *testing.T) {
	byFingerprint := &models.Session{ID: "fp-session", IPAddress: "9.9.9.9", Fingerprint: "fp-1", ExpiresAt: time.Now().Add(time.Hour)}
	byIP := &models.Session{ID: "ip-session", IPAddress: "1.2.3.4", ExpiresAt: time.Now().Add(time.Hour)}
	svc := NewSessionService(testConfig(), newMemSessionStore(byFingerprint, byIP))

	// Fingerprint match wins even when the IP points at another session.
	session, created, err := svc.Check(context.Background(), "1.2.3.4", "fp-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "fp-session", session.ID)

	// No fingerprint falls back to IP.
	session, created, err = svc.Check(context.Background(), "1.2.3.4", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ip-session", session.ID)

	// Neither matches: a fresh session.
	session, created, err = svc.Check(context.Background(), "5.6.7.8", "fp-new")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, session.ID)
}

func TestCheckIgnoresExpiredSessions(t *testing.T) {
	expired := &models.Session{ID: "old", Fingerprint: "fp-1", FreeUsed: 3, ExpiresAt: time.Now().Add(-time.Minute)}
	svc := NewSessionService(testConfig(), newMemSessionStore(expired))

	session, created, err := svc.Check(context.Background(), "1.2.3.4", "fp-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "old", session.ID)
	assert.Zero(t, session.FreeUsed)
}

// conflictingStore rejects every update with a version conflict.
type conflictingStore struct {
	*memSessionStore
	attempts int
}

func (c *conflictingStore) Update(ctx context.Context, id string, expectedVersion int64, upd models.SessionUpdate) (*models.Session, error) {
	c.attempts++
	return nil, repository.ErrVersionConflict
}

func TestMutateGivesUpAfterRepeatedConflicts(t *testing.T) {
	store := &conflictingStore{memSessionStore: newMemSessionStore(&models.Session{ID: "s1"})}
	svc := NewSessionService(testConfig(), store)

	_, err := svc.Mutate(context.Background(), "s1", func(current *models.Session) (models.SessionUpdate, error) {
		used := current.FreeUsed + 1
		return models.SessionUpdate{FreeUsed: &used}, nil
	})
	assert.ErrorIs(t, err, ErrSessionConflict)
	assert.Equal(t, maxUpdateAttempts, store.attempts)
}

func TestMutateUnknownSession(t *testing.T) {
	svc := NewSessionService(testConfig(), newMemSessionStore())

	_, err := svc.Mutate(context.Background(), "missing", func(current *models.Session) (models.SessionUpdate, error) {
		return models.SessionUpdate{}, nil
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
