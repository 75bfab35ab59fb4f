package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/porterhq/dispatch/internal/events"
	"github.com/porterhq/dispatch/internal/geo"
	"github.com/porterhq/dispatch/internal/hotstate"
	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
)

// AvailabilityService tracks which porters are online. All reads and writes
// go to the hot store; state wins over events on failure.
type AvailabilityService interface {
	SetAvailability(ctx context.Context, req SetAvailabilityRequest) (*models.AvailabilityState, error)
	GetAvailability(ctx context.Context, porterID uuid.UUID) (*models.AvailabilityState, error)
	Heartbeat(ctx context.Context, porterID uuid.UUID) (*models.AvailabilityState, error)
	OnlinePorterIDs(ctx context.Context) ([]uuid.UUID, error)
	OnlinePorterCount(ctx context.Context) (int64, error)
}

// SetAvailabilityRequest toggles a porter online or offline.
type SetAvailabilityRequest struct {
	PorterID      uuid.UUID        `json:"-"`
	Online        bool             `json:"online"`
	Location      *models.GeoPoint `json:"location,omitempty"`
	CorrelationID string           `json:"-"`
}

type availabilityService struct {
	store     hotstate.AvailabilityStore
	locations hotstate.LocationStore
	porters   PorterService
	publisher events.Publisher
	stateTTL  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewAvailabilityService creates the availability service.
func NewAvailabilityService(
	store hotstate.AvailabilityStore,
	locations hotstate.LocationStore,
	porters PorterService,
	publisher events.Publisher,
	stateTTL time.Duration,
	logger *slog.Logger,
) AvailabilityService {
	return &availabilityService{
		store:     store,
		locations: locations,
		porters:   porters,
		publisher: publisher,
		stateTTL:  stateTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// SetAvailability writes the state and the online-set membership in one hot
// store transaction, then publishes PorterOnline/PorterOffline best-effort.
// Hot-store errors fail the call; publish errors do not.
func (s *availabilityService) SetAvailability(ctx context.Context, req SetAvailabilityRequest) (*models.AvailabilityState, error) {
	if req.Location != nil && !geo.ValidCoordinates(req.Location.Latitude, req.Location.Longitude) {
		return nil, apierrors.NewValidationError("location", "coordinates out of range")
	}

	// Unverified porters may be online; verification is enforced where it
	// matters, in nearby queries and offer creation.
	if _, err := s.porters.Get(ctx, req.PorterID); err != nil {
		return nil, err
	}

	state := &models.AvailabilityState{
		PorterID: req.PorterID,
		Online:   req.Online,
		LastSeen: s.now().UTC(),
		Location: req.Location,
	}
	if err := s.store.Set(ctx, state, s.stateTTL); err != nil {
		s.logger.Error("failed to write availability state", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}

	if !req.Online {
		// Going offline also drops the porter from the geo index so stale
		// coordinates never match a nearby scan.
		if err := s.locations.Remove(ctx, req.PorterID); err != nil {
			s.logger.Warn("failed to remove offline porter from geo index", slog.Any("error", err))
		}
	}

	eventType := events.TypePorterOffline
	if req.Online {
		eventType = events.TypePorterOnline
	}
	presence := events.PorterPresence{PorterID: req.PorterID.String()}
	if req.Location != nil {
		presence.Latitude = &req.Location.Latitude
		presence.Longitude = &req.Location.Longitude
	}
	if err := s.publisher.Publish(ctx, req.PorterID.String(), eventType, req.CorrelationID, presence); err != nil {
		eventPublishFailuresTotal.WithLabelValues(eventType).Inc()
		s.logger.Error("failed to publish availability event",
			slog.String("event_type", eventType),
			slog.Any("error", err),
		)
	}
	return state, nil
}

// GetAvailability returns the hot state, or nil when none is stored.
func (s *availabilityService) GetAvailability(ctx context.Context, porterID uuid.UUID) (*models.AvailabilityState, error) {
	state, err := s.store.Get(ctx, porterID)
	if err != nil {
		s.logger.Error("failed to read availability state", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	return state, nil
}

// Heartbeat refreshes lastSeen and the TTL. A porter with no stored state
// must go online first.
func (s *availabilityService) Heartbeat(ctx context.Context, porterID uuid.UUID) (*models.AvailabilityState, error) {
	state, err := s.store.Heartbeat(ctx, porterID, s.stateTTL)
	if err != nil {
		s.logger.Error("failed to refresh heartbeat", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	if state == nil {
		return nil, apierrors.NewNotFoundError("Availability state")
	}
	return state, nil
}

// OnlinePorterIDs returns the current online set.
func (s *availabilityService) OnlinePorterIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := s.store.OnlineIDs(ctx)
	if err != nil {
		s.logger.Error("failed to read online set", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	return ids, nil
}

// OnlinePorterCount returns the fleet's online counter.
func (s *availabilityService) OnlinePorterCount(ctx context.Context) (int64, error) {
	count, err := s.store.OnlineCount(ctx)
	if err != nil {
		s.logger.Error("failed to count online set", slog.Any("error", err))
		return 0, apierrors.ErrServiceUnavailable
	}
	return count, nil
}
