// Package hotstate provides Hot-State Store access: TTL-bounded
// availability, last-known locations with a geo index, device sessions, and
// rate-limit counters, all backed by Redis. Everything here is derived
// state, rebuildable from the next heartbeat or location update.
package hotstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/porterhq/dispatch/internal/database"
	"github.com/porterhq/dispatch/internal/models"
)

const (
	availabilityKeyPrefix = "availability:"
	onlineSetKey          = "availability:online"
)

// AvailabilityStore holds per-porter availability state and the online set.
type AvailabilityStore interface {
	Set(ctx context.Context, state *models.AvailabilityState, ttl time.Duration) error
	Get(ctx context.Context, porterID uuid.UUID) (*models.AvailabilityState, error)
	Heartbeat(ctx context.Context, porterID uuid.UUID, ttl time.Duration) (*models.AvailabilityState, error)
	OnlineIDs(ctx context.Context) ([]uuid.UUID, error)
	OnlineCount(ctx context.Context) (int64, error)
	IsOnline(ctx context.Context, porterID uuid.UUID) (bool, error)
	Remove(ctx context.Context, porterID uuid.UUID) error
}

type availabilityStore struct {
	redis *database.Redis
}

// NewAvailabilityStore creates a Redis-backed availability store.
func NewAvailabilityStore(redis *database.Redis) AvailabilityStore {
	return &availabilityStore{redis: redis}
}

func availabilityKey(porterID uuid.UUID) string {
	return availabilityKeyPrefix + porterID.String()
}

// Set writes the availability state and adjusts the online-set membership in
// a single MULTI/EXEC transaction so readers never observe one without the
// other.
func (s *availabilityStore) Set(ctx context.Context, state *models.AvailabilityState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal availability state: %w", err)
	}

	pipe := s.redis.Client().TxPipeline()
	pipe.Set(ctx, availabilityKey(state.PorterID), data, ttl)
	if state.Online {
		pipe.SAdd(ctx, onlineSetKey, state.PorterID.String())
	} else {
		pipe.SRem(ctx, onlineSetKey, state.PorterID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write availability state: %w", err)
	}
	return nil
}

// Get returns the availability state, or nil if none is stored.
func (s *availabilityStore) Get(ctx context.Context, porterID uuid.UUID) (*models.AvailabilityState, error) {
	data, err := s.redis.Get(ctx, availabilityKey(porterID))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read availability state: %w", err)
	}

	var state models.AvailabilityState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal availability state: %w", err)
	}
	return &state, nil
}

// Heartbeat refreshes lastSeen and the TTL of an existing state. Returns nil
// without error when no state is stored (the porter must go online first).
func (s *availabilityStore) Heartbeat(ctx context.Context, porterID uuid.UUID, ttl time.Duration) (*models.AvailabilityState, error) {
	state, err := s.Get(ctx, porterID)
	if err != nil || state == nil {
		return nil, err
	}

	state.LastSeen = time.Now().UTC()
	if err := s.Set(ctx, state, ttl); err != nil {
		return nil, err
	}
	return state, nil
}

// OnlineIDs returns the current online set. Members whose state key has
// expired are dropped from the result and lazily removed from the set, so
// membership tracks live TTLs.
func (s *availabilityStore) OnlineIDs(ctx context.Context) ([]uuid.UUID, error) {
	members, err := s.redis.Client().SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read online set: %w", err)
	}
	if len(members) == 0 {
		return []uuid.UUID{}, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, availabilityKeyPrefix+m)
	}
	values, err := s.redis.Client().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read availability states: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	var stale []interface{}
	for i, m := range members {
		if values[i] == nil {
			stale = append(stale, m)
			continue
		}
		id, err := uuid.Parse(m)
		if err != nil {
			stale = append(stale, m)
			continue
		}
		ids = append(ids, id)
	}
	if len(stale) > 0 {
		// Best-effort cleanup of expired members.
		s.redis.Client().SRem(ctx, onlineSetKey, stale...)
	}
	return ids, nil
}

// OnlineCount returns the size of the online set.
func (s *availabilityStore) OnlineCount(ctx context.Context) (int64, error) {
	count, err := s.redis.Client().SCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online set: %w", err)
	}
	return count, nil
}

// IsOnline reports membership of the online set, verifying the state key
// has not expired.
func (s *availabilityStore) IsOnline(ctx context.Context, porterID uuid.UUID) (bool, error) {
	member, err := s.redis.Client().SIsMember(ctx, onlineSetKey, porterID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check online set: %w", err)
	}
	if !member {
		return false, nil
	}

	state, err := s.Get(ctx, porterID)
	if err != nil {
		return false, err
	}
	if state == nil || !state.Online {
		s.redis.Client().SRem(ctx, onlineSetKey, porterID.String())
		return false, nil
	}
	return true, nil
}

// Remove deletes the state entry and the set membership. Used when a porter
// is suspended.
func (s *availabilityStore) Remove(ctx context.Context, porterID uuid.UUID) error {
	pipe := s.redis.Client().TxPipeline()
	pipe.Del(ctx, availabilityKey(porterID))
	pipe.SRem(ctx, onlineSetKey, porterID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove availability state: %w", err)
	}
	return nil
}
