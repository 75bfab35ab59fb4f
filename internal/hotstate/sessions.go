package hotstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/porterhq/dispatch/internal/database"
	"github.com/porterhq/dispatch/internal/models"
)

const sessionKeyPrefix = "session:"

// SessionStore holds the device-to-porter session map consulted by the
// push-notification collaborator.
type SessionStore interface {
	Set(ctx context.Context, session *models.DeviceSession, ttl time.Duration) error
	Get(ctx context.Context, deviceID string) (*models.DeviceSession, error)
	Delete(ctx context.Context, deviceID string) error
}

type sessionStore struct {
	redis *database.Redis
}

// NewSessionStore creates a Redis-backed device session store.
func NewSessionStore(redis *database.Redis) SessionStore {
	return &sessionStore{redis: redis}
}

// Set writes a device session with TTL.
func (s *sessionStore) Set(ctx context.Context, session *models.DeviceSession, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal device session: %w", err)
	}
	if err := s.redis.Set(ctx, sessionKeyPrefix+session.DeviceID, data, ttl); err != nil {
		return fmt.Errorf("failed to write device session: %w", err)
	}
	return nil
}

// Get returns a device session, or nil if none is stored.
func (s *sessionStore) Get(ctx context.Context, deviceID string) (*models.DeviceSession, error) {
	data, err := s.redis.Get(ctx, sessionKeyPrefix+deviceID)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device session: %w", err)
	}

	var session models.DeviceSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device session: %w", err)
	}
	return &session, nil
}

// Delete removes a device session.
func (s *sessionStore) Delete(ctx context.Context, deviceID string) error {
	return s.redis.Delete(ctx, sessionKeyPrefix+deviceID)
}
