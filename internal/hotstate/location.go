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
	lastLocationKeyPrefix = "location:last:"
	geoIndexKey           = "location:geo"
)

// GeoMatch is one raw hit from the geo index radius search.
type GeoMatch struct {
	PorterID       uuid.UUID
	Latitude       float64
	Longitude      float64
	DistanceMeters float64
}

// LocationStore holds last-known locations and the geo index used for
// radius queries.
type LocationStore interface {
	SetLast(ctx context.Context, loc *models.LastLocation, ttl time.Duration) error
	GetLast(ctx context.Context, porterID uuid.UUID) (*models.LastLocation, error)
	BatchLast(ctx context.Context, porterIDs []uuid.UUID) (map[uuid.UUID]*models.LastLocation, error)
	SearchRadius(ctx context.Context, lat, lng, radiusMeters float64) ([]GeoMatch, error)
	Remove(ctx context.Context, porterID uuid.UUID) error
}

type locationStore struct {
	redis *database.Redis
}

// NewLocationStore creates a Redis-backed location store.
func NewLocationStore(redis *database.Redis) LocationStore {
	return &locationStore{redis: redis}
}

func lastLocationKey(porterID uuid.UUID) string {
	return lastLocationKeyPrefix + porterID.String()
}

// SetLast writes the last-known location and updates the geo index in one
// pipeline. The geo member has no TTL of its own; stale members are filtered
// against the TTL-bounded last-location key at query time.
func (s *locationStore) SetLast(ctx context.Context, loc *models.LastLocation, ttl time.Duration) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to marshal last location: %w", err)
	}

	pipe := s.redis.Client().TxPipeline()
	pipe.Set(ctx, lastLocationKey(loc.PorterID), data, ttl)
	pipe.GeoAdd(ctx, geoIndexKey, &redis.GeoLocation{
		Name:      loc.PorterID.String(),
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write last location: %w", err)
	}
	return nil
}

// GetLast returns the last-known location, or nil when none is stored or
// the entry expired.
func (s *locationStore) GetLast(ctx context.Context, porterID uuid.UUID) (*models.LastLocation, error) {
	data, err := s.redis.Get(ctx, lastLocationKey(porterID))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last location: %w", err)
	}

	var loc models.LastLocation
	if err := json.Unmarshal([]byte(data), &loc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last location: %w", err)
	}
	return &loc, nil
}

// BatchLast returns last-known locations for the given porters. Missing or
// expired entries are absent from the result map.
func (s *locationStore) BatchLast(ctx context.Context, porterIDs []uuid.UUID) (map[uuid.UUID]*models.LastLocation, error) {
	result := make(map[uuid.UUID]*models.LastLocation, len(porterIDs))
	if len(porterIDs) == 0 {
		return result, nil
	}

	keys := make([]string, 0, len(porterIDs))
	for _, id := range porterIDs {
		keys = append(keys, lastLocationKey(id))
	}
	values, err := s.redis.Client().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read last locations: %w", err)
	}

	for i, v := range values {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var loc models.LastLocation
		if err := json.Unmarshal([]byte(raw), &loc); err != nil {
			continue
		}
		result[porterIDs[i]] = &loc
	}
	return result, nil
}

// SearchRadius queries the geo index for porters within radiusMeters of the
// given coordinate, ascending by distance.
func (s *locationStore) SearchRadius(ctx context.Context, lat, lng, radiusMeters float64) ([]GeoMatch, error) {
	locations, err := s.redis.Client().GeoSearchLocation(ctx, geoIndexKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Latitude:   lat,
			Longitude:  lng,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to search geo index: %w", err)
	}

	matches := make([]GeoMatch, 0, len(locations))
	for _, loc := range locations {
		id, err := uuid.Parse(loc.Name)
		if err != nil {
			continue
		}
		matches = append(matches, GeoMatch{
			PorterID:       id,
			Latitude:       loc.Latitude,
			Longitude:      loc.Longitude,
			DistanceMeters: loc.Dist,
		})
	}
	return matches, nil
}

// Remove deletes the last-location entry and the geo index member. Used
// when a porter goes offline so stale coordinates never match a scan.
func (s *locationStore) Remove(ctx context.Context, porterID uuid.UUID) error {
	pipe := s.redis.Client().TxPipeline()
	pipe.Del(ctx, lastLocationKey(porterID))
	pipe.ZRem(ctx, geoIndexKey, porterID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove last location: %w", err)
	}
	return nil
}
