package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/porterhq/dispatch/internal/events"
	"github.com/porterhq/dispatch/internal/geo"
	"github.com/porterhq/dispatch/internal/hotstate"
	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
	"github.com/porterhq/dispatch/internal/repository"
)

// LocationConfig holds the location service policy knobs.
type LocationConfig struct {
	LastLocationTTL   time.Duration
	SnapshotInterval  time.Duration
	RetentionDays     int
	RateLimitFailOpen bool
}

// LocationService handles the location hot path: low-latency last-known
// writes, periodic durable snapshots, and radius queries.
type LocationService interface {
	UpdateLocation(ctx context.Context, req UpdateLocationRequest) (*models.LastLocation, error)
	LastLocation(ctx context.Context, porterID uuid.UUID) (*models.LastLocation, error)
	BatchLastLocations(ctx context.Context, porterIDs []uuid.UUID) (map[uuid.UUID]*models.LastLocation, error)
	FindNearbyPorters(ctx context.Context, req NearbyRequest) ([]*models.NearbyPorter, error)
	LocationHistory(ctx context.Context, porterID uuid.UUID, orderID *string, limit int) ([]*models.LocationSnapshot, error)
	CleanupOldHistory(ctx context.Context) (int64, error)
}

// UpdateLocationRequest is one location ping from a porter device.
type UpdateLocationRequest struct {
	PorterID      uuid.UUID `json:"-"`
	Latitude      float64   `json:"lat" validate:"required_with=Longitude"`
	Longitude     float64   `json:"lng"`
	Accuracy      *float64  `json:"accuracy,omitempty"`
	OrderID       *string   `json:"order_id,omitempty"`
	CorrelationID string    `json:"-"`
}

// NearbyRequest is a radius query around a coordinate.
type NearbyRequest struct {
	Latitude     float64 `json:"lat"`
	Longitude    float64 `json:"lng"`
	RadiusMeters float64 `json:"radius_meters" validate:"gte=0"`
	OnlineOnly   bool    `json:"online_only"`
}

type locationService struct {
	store        hotstate.LocationStore
	availability hotstate.AvailabilityStore
	history      repository.LocationRepository
	porters      repository.PorterRepository
	limiter      hotstate.RateLimiter
	publisher    events.Publisher
	cfg          LocationConfig
	// snapshotDue caches the last durable snapshot time per porter so the
	// hot path usually skips the history lookup.
	snapshotDue *gocache.Cache
	logger      *slog.Logger
	now         func() time.Time
}

// NewLocationService creates the location service.
func NewLocationService(
	store hotstate.LocationStore,
	availability hotstate.AvailabilityStore,
	history repository.LocationRepository,
	porters repository.PorterRepository,
	limiter hotstate.RateLimiter,
	publisher events.Publisher,
	cfg LocationConfig,
	logger *slog.Logger,
) LocationService {
	return &locationService{
		store:        store,
		availability: availability,
		history:      history,
		porters:      porters,
		limiter:      limiter,
		publisher:    publisher,
		cfg:          cfg,
		snapshotDue:  gocache.New(cfg.SnapshotInterval, 2*cfg.SnapshotInterval),
		logger:       logger,
		now:          time.Now,
	}
}

// UpdateLocation writes the hot last-known location, then best-effort takes
// a durable snapshot when one is due and publishes PorterLocationUpdated.
// Only the hot write can fail the call; excess updates are shed by the
// per-porter rate limit.
func (s *locationService) UpdateLocation(ctx context.Context, req UpdateLocationRequest) (*models.LastLocation, error) {
	if !geo.ValidCoordinates(req.Latitude, req.Longitude) {
		return nil, apierrors.NewValidationError("location", "coordinates out of range")
	}

	allowed, err := s.limiter.Allow(ctx, req.PorterID)
	if err != nil {
		// Limiter outage: fail-open keeps the hot path alive, fail-closed
		// sheds everything.
		s.logger.Warn("rate limiter unavailable", slog.Any("error", err))
		allowed = s.cfg.RateLimitFailOpen
	}
	if !allowed {
		locationUpdatesShedTotal.Inc()
		return nil, apierrors.ErrRateLimited
	}

	loc := &models.LastLocation{
		PorterID:  req.PorterID,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Accuracy:  req.Accuracy,
		OrderID:   req.OrderID,
		Timestamp: s.now().UTC(),
	}
	if err := s.store.SetLast(ctx, loc, s.cfg.LastLocationTTL); err != nil {
		s.logger.Error("failed to write last location", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}

	s.snapshotIfDue(ctx, loc)

	if err := s.publisher.Publish(ctx, req.PorterID.String(), events.TypePorterLocationUpdated, req.CorrelationID, events.PorterLocationUpdated{
		PorterID:  req.PorterID.String(),
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Accuracy:  req.Accuracy,
		OrderID:   req.OrderID,
	}); err != nil {
		eventPublishFailuresTotal.WithLabelValues(events.TypePorterLocationUpdated).Inc()
		s.logger.Error("failed to publish location event", slog.Any("error", err))
	}
	return loc, nil
}

// snapshotIfDue inserts a durable history row when the last snapshot is at
// least SnapshotInterval old. Failures are swallowed; the hot write already
// succeeded.
func (s *locationService) snapshotIfDue(ctx context.Context, loc *models.LastLocation) {
	key := loc.PorterID.String()
	if _, fresh := s.snapshotDue.Get(key); fresh {
		return
	}

	last, err := s.history.LatestCapturedAt(ctx, loc.PorterID)
	if err != nil {
		snapshotWriteFailuresTotal.Inc()
		s.logger.Warn("failed to read latest snapshot time", slog.Any("error", err))
		return
	}
	if last != nil && loc.Timestamp.Sub(*last) < s.cfg.SnapshotInterval {
		// Remember the window so subsequent updates skip the lookup.
		s.snapshotDue.Set(key, struct{}{}, s.cfg.SnapshotInterval-loc.Timestamp.Sub(*last))
		return
	}

	snapshot := &models.LocationSnapshot{
		PorterID:   loc.PorterID,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		Accuracy:   loc.Accuracy,
		OrderID:    loc.OrderID,
		CapturedAt: loc.Timestamp,
	}
	if err := s.history.InsertSnapshot(ctx, snapshot); err != nil {
		snapshotWriteFailuresTotal.Inc()
		s.logger.Warn("failed to insert location snapshot", slog.Any("error", err))
		return
	}
	s.snapshotDue.SetDefault(key, struct{}{})
}

// LastLocation returns the hot last-known location, or nil when expired.
func (s *locationService) LastLocation(ctx context.Context, porterID uuid.UUID) (*models.LastLocation, error) {
	loc, err := s.store.GetLast(ctx, porterID)
	if err != nil {
		s.logger.Error("failed to read last location", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	return loc, nil
}

// BatchLastLocations returns hot last-known locations for many porters.
func (s *locationService) BatchLastLocations(ctx context.Context, porterIDs []uuid.UUID) (map[uuid.UUID]*models.LastLocation, error) {
	locs, err := s.store.BatchLast(ctx, porterIDs)
	if err != nil {
		s.logger.Error("failed to batch read last locations", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	return locs, nil
}

// FindNearbyPorters queries the geo index, drops entries whose hot location
// expired, optionally intersects the online set, joins dispatchable porter
// profiles, and returns results ascending by haversine distance. A zero
// radius matches only porters within one meter of the coordinate.
func (s *locationService) FindNearbyPorters(ctx context.Context, req NearbyRequest) ([]*models.NearbyPorter, error) {
	if !geo.ValidCoordinates(req.Latitude, req.Longitude) {
		return nil, apierrors.NewValidationError("location", "coordinates out of range")
	}
	if req.RadiusMeters < 0 {
		return nil, apierrors.NewValidationError("radius_meters", "radius must not be negative")
	}

	searchRadius := req.RadiusMeters
	if searchRadius < 1 {
		searchRadius = 1
	}
	matches, err := s.store.SearchRadius(ctx, req.Latitude, req.Longitude, searchRadius)
	if err != nil {
		s.logger.Error("failed to search geo index", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	if len(matches) == 0 {
		return []*models.NearbyPorter{}, nil
	}

	ids := lo.Map(matches, func(m hotstate.GeoMatch, _ int) uuid.UUID { return m.PorterID })

	// Geo index members have no TTL; the last-location keys do. Anything
	// without a live key is stale.
	live, err := s.store.BatchLast(ctx, ids)
	if err != nil {
		s.logger.Error("failed to batch read last locations", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}

	onlineIDs, err := s.availability.OnlineIDs(ctx)
	if err != nil {
		s.logger.Error("failed to read online set", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	online := make(map[uuid.UUID]bool, len(onlineIDs))
	for _, id := range onlineIDs {
		online[id] = true
	}

	profiles, err := s.porters.GetByIDs(ctx, ids)
	if err != nil {
		s.logger.Error("failed to load porter profiles", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}

	results := make([]*models.NearbyPorter, 0, len(matches))
	for _, m := range matches {
		loc, ok := live[m.PorterID]
		if !ok {
			continue
		}
		if req.OnlineOnly && !online[m.PorterID] {
			continue
		}
		profile, ok := profiles[m.PorterID]
		if !ok || !profile.Dispatchable() {
			continue
		}

		distance := geo.Haversine(req.Latitude, req.Longitude, loc.Latitude, loc.Longitude)
		if req.RadiusMeters < 1 {
			if distance > 1 {
				continue
			}
		} else if distance > req.RadiusMeters {
			continue
		}

		results = append(results, &models.NearbyPorter{
			PorterID:       m.PorterID,
			Latitude:       loc.Latitude,
			Longitude:      loc.Longitude,
			DistanceMeters: distance,
			VehicleType:    profile.VehicleType,
			Online:         online[m.PorterID],
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].DistanceMeters < results[j].DistanceMeters
	})
	return results, nil
}

// LocationHistory returns durable snapshots, newest first.
func (s *locationService) LocationHistory(ctx context.Context, porterID uuid.UUID, orderID *string, limit int) ([]*models.LocationSnapshot, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	snapshots, err := s.history.History(ctx, porterID, orderID, limit)
	if err != nil {
		s.logger.Error("failed to read location history", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	return snapshots, nil
}

// CleanupOldHistory prunes snapshots older than the retention window.
// Called by the scheduler.
func (s *locationService) CleanupOldHistory(ctx context.Context) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	return s.history.DeleteOlderThan(ctx, cutoff)
}
