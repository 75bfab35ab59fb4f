package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/porterhq/dispatch/internal/events"
	"github.com/porterhq/dispatch/internal/hotstate"
	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
	"github.com/porterhq/dispatch/internal/repository"
)

// PorterService manages porter profiles, their verification lifecycle, and
// device sessions.
type PorterService interface {
	Register(ctx context.Context, req RegisterPorterRequest) (*models.Porter, error)
	Get(ctx context.Context, porterID uuid.UUID) (*models.Porter, error)
	GetByUser(ctx context.Context, userID uuid.UUID) (*models.Porter, error)
	RequestVerification(ctx context.Context, porterID uuid.UUID, correlationID string) error
	Verify(ctx context.Context, req VerificationDecisionRequest) error
	RejectVerification(ctx context.Context, req VerificationDecisionRequest) error
	Suspend(ctx context.Context, req SuspensionRequest) error
	Unsuspend(ctx context.Context, req SuspensionRequest) error
	VerificationHistory(ctx context.Context, porterID uuid.UUID, limit int) ([]*models.VerificationRecord, error)
	// Dispatchable reports whether the porter may receive offers and appear
	// in nearby results. Served from a short-lived cache.
	Dispatchable(ctx context.Context, porterID uuid.UUID) (bool, error)
	RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (*models.DeviceSession, error)
}

// RegisterPorterRequest creates a new porter profile.
type RegisterPorterRequest struct {
	UserID        uuid.UUID          `json:"-"`
	Name          string             `json:"name" validate:"required,min=1,max=200"`
	Phone         string             `json:"phone" validate:"required,min=5,max=32"`
	VehicleType   models.VehicleType `json:"vehicle_type" validate:"required"`
	Metadata      json.RawMessage    `json:"metadata,omitempty"`
	CorrelationID string             `json:"-"`
}

// VerificationDecisionRequest carries an admin verification decision.
type VerificationDecisionRequest struct {
	PorterID      uuid.UUID `json:"-"`
	Reviewer      string    `json:"reviewer" validate:"required"`
	Notes         *string   `json:"notes,omitempty"`
	Reason        *string   `json:"reason,omitempty"`
	CorrelationID string    `json:"-"`
}

// SuspensionRequest carries an admin suspension decision.
type SuspensionRequest struct {
	PorterID      uuid.UUID `json:"-"`
	By            string    `json:"by" validate:"required"`
	Reason        *string   `json:"reason,omitempty"`
	CorrelationID string    `json:"-"`
}

// RegisterDeviceRequest records a porter's device session.
type RegisterDeviceRequest struct {
	PorterID uuid.UUID `json:"-"`
	DeviceID string    `json:"device_id" validate:"required"`
	Platform string    `json:"platform" validate:"required,oneof=ios android"`
}

type porterService struct {
	porters      repository.PorterRepository
	sessions     repository.SessionRepository
	hotSessions  hotstate.SessionStore
	availability hotstate.AvailabilityStore
	locations    hotstate.LocationStore
	publisher    events.Publisher
	cache        *gocache.Cache
	sessionTTL   time.Duration
	logger       *slog.Logger
}

// NewPorterService creates the porter registry. profileCacheTTL bounds how
// long a dispatchability decision may lag a verify/suspend transition.
func NewPorterService(
	porters repository.PorterRepository,
	sessions repository.SessionRepository,
	hotSessions hotstate.SessionStore,
	availability hotstate.AvailabilityStore,
	locations hotstate.LocationStore,
	publisher events.Publisher,
	profileCacheTTL time.Duration,
	logger *slog.Logger,
) PorterService {
	return &porterService{
		porters:      porters,
		sessions:     sessions,
		hotSessions:  hotSessions,
		availability: availability,
		locations:    locations,
		publisher:    publisher,
		cache:        gocache.New(profileCacheTTL, 2*profileCacheTTL),
		sessionTTL:   24 * time.Hour,
		logger:       logger,
	}
}

// publish emits an event best-effort: failures are logged and metered,
// never surfaced, because the state change has already committed.
func (s *porterService) publish(ctx context.Context, partitionKey, eventType, correlationID string, payload any) {
	if err := s.publisher.Publish(ctx, partitionKey, eventType, correlationID, payload); err != nil {
		eventPublishFailuresTotal.WithLabelValues(eventType).Inc()
		s.logger.Error("failed to publish event",
			slog.String("event_type", eventType),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
	}
}

// Register creates a porter profile in PENDING verification status.
func (s *porterService) Register(ctx context.Context, req RegisterPorterRequest) (*models.Porter, error) {
	if !req.VehicleType.Valid() {
		return nil, apierrors.NewValidationError("vehicle_type", "unknown vehicle type")
	}

	existing, err := s.porters.GetByUserID(ctx, req.UserID)
	if err != nil {
		s.logger.Error("failed to look up porter by user", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	if existing != nil {
		return nil, apierrors.NewConflictError("A porter profile already exists for this user")
	}

	porter := &models.Porter{
		UserID:      req.UserID,
		Name:        req.Name,
		Phone:       req.Phone,
		VehicleType: req.VehicleType,
		Metadata:    req.Metadata,
	}
	if err := s.porters.Create(ctx, porter); err != nil {
		s.logger.Error("failed to create porter", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}

	s.publish(ctx, porter.UserID.String(), events.TypePorterRegistered, req.CorrelationID, events.PorterRegistered{
		UserID:      porter.UserID.String(),
		PorterID:    porter.ID.String(),
		VehicleType: string(porter.VehicleType),
	})
	return porter, nil
}

// Get retrieves a porter profile.
func (s *porterService) Get(ctx context.Context, porterID uuid.UUID) (*models.Porter, error) {
	porter, err := s.porters.GetByID(ctx, porterID)
	if err != nil {
		s.logger.Error("failed to get porter", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	if porter == nil {
		return nil, apierrors.NewNotFoundError("Porter")
	}
	return porter, nil
}

// GetByUser retrieves the porter profile owned by a user.
func (s *porterService) GetByUser(ctx context.Context, userID uuid.UUID) (*models.Porter, error) {
	porter, err := s.porters.GetByUserID(ctx, userID)
	if err != nil {
		s.logger.Error("failed to get porter by user", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	if porter == nil {
		return nil, apierrors.NewNotFoundError("Porter")
	}
	return porter, nil
}

// RequestVerification moves a PENDING porter to UNDER_REVIEW.
func (s *porterService) RequestVerification(ctx context.Context, porterID uuid.UUID, correlationID string) error {
	updated, err := s.porters.UpdateVerificationStatus(ctx, porterID,
		models.VerificationPending, models.VerificationUnderReview, nil, nil)
	if err != nil {
		s.logger.Error("failed to request verification", slog.Any("error", err))
		return apierrors.ErrServiceUnavailable
	}
	if !updated {
		return s.verificationTransitionConflict(ctx, porterID, models.VerificationPending)
	}

	s.cache.Delete(porterID.String())
	s.publish(ctx, porterID.String(), events.TypePorterVerificationRequested, correlationID, events.PorterVerificationRequested{
		PorterID: porterID.String(),
	})
	return nil
}

// Verify marks an UNDER_REVIEW porter VERIFIED.
func (s *porterService) Verify(ctx context.Context, req VerificationDecisionRequest) error {
	updated, err := s.porters.UpdateVerificationStatus(ctx, req.PorterID,
		models.VerificationUnderReview, models.VerificationVerified, &req.Reviewer, req.Notes)
	if err != nil {
		s.logger.Error("failed to verify porter", slog.Any("error", err))
		return apierrors.ErrServiceUnavailable
	}
	if !updated {
		return s.verificationTransitionConflict(ctx, req.PorterID, models.VerificationUnderReview)
	}

	s.cache.Delete(req.PorterID.String())
	s.publish(ctx, req.PorterID.String(), events.TypePorterVerified, req.CorrelationID, events.PorterVerificationDecided{
		PorterID: req.PorterID.String(),
	})
	return nil
}

// RejectVerification marks an UNDER_REVIEW porter REJECTED.
func (s *porterService) RejectVerification(ctx context.Context, req VerificationDecisionRequest) error {
	notes := req.Notes
	if notes == nil {
		notes = req.Reason
	}
	updated, err := s.porters.UpdateVerificationStatus(ctx, req.PorterID,
		models.VerificationUnderReview, models.VerificationRejected, &req.Reviewer, notes)
	if err != nil {
		s.logger.Error("failed to reject verification", slog.Any("error", err))
		return apierrors.ErrServiceUnavailable
	}
	if !updated {
		return s.verificationTransitionConflict(ctx, req.PorterID, models.VerificationUnderReview)
	}

	s.cache.Delete(req.PorterID.String())
	s.publish(ctx, req.PorterID.String(), events.TypePorterVerificationRejected, req.CorrelationID, events.PorterVerificationDecided{
		PorterID: req.PorterID.String(),
		Reason:   req.Reason,
	})
	return nil
}

// verificationTransitionConflict distinguishes a missing porter from a
// porter in the wrong status.
func (s *porterService) verificationTransitionConflict(ctx context.Context, porterID uuid.UUID, expected models.VerificationStatus) error {
	porter, err := s.porters.GetByID(ctx, porterID)
	if err != nil {
		s.logger.Error("failed to get porter", slog.Any("error", err))
		return apierrors.ErrServiceUnavailable
	}
	if porter == nil {
		return apierrors.NewNotFoundError("Porter")
	}
	return apierrors.NewConflictError(
		"Porter is in status " + porter.VerificationStatus.String() + ", expected " + expected.String())
}

// Suspend flips the suspension flag and evicts the porter from the online
// set and geo index so no further offers or nearby matches reach them.
func (s *porterService) Suspend(ctx context.Context, req SuspensionRequest) error {
	updated, err := s.porters.SetSuspended(ctx, req.PorterID, true, req.Reason)
	if err != nil {
		s.logger.Error("failed to suspend porter", slog.Any("error", err))
		return apierrors.ErrServiceUnavailable
	}
	if !updated {
		return s.suspensionConflict(ctx, req.PorterID, true)
	}

	s.cache.Delete(req.PorterID.String())
	if err := s.availability.Remove(ctx, req.PorterID); err != nil {
		s.logger.Warn("failed to evict suspended porter from online set", slog.Any("error", err))
	}
	if err := s.locations.Remove(ctx, req.PorterID); err != nil {
		s.logger.Warn("failed to evict suspended porter from geo index", slog.Any("error", err))
	}

	s.publish(ctx, req.PorterID.String(), events.TypePorterSuspended, req.CorrelationID, events.PorterSuspensionChanged{
		PorterID: req.PorterID.String(),
		By:       req.By,
		Reason:   req.Reason,
	})
	return nil
}

// Unsuspend clears the suspension flag.
func (s *porterService) Unsuspend(ctx context.Context, req SuspensionRequest) error {
	updated, err := s.porters.SetSuspended(ctx, req.PorterID, false, nil)
	if err != nil {
		s.logger.Error("failed to unsuspend porter", slog.Any("error", err))
		return apierrors.ErrServiceUnavailable
	}
	if !updated {
		return s.suspensionConflict(ctx, req.PorterID, false)
	}

	s.cache.Delete(req.PorterID.String())
	s.publish(ctx, req.PorterID.String(), events.TypePorterUnsuspended, req.CorrelationID, events.PorterSuspensionChanged{
		PorterID: req.PorterID.String(),
		By:       req.By,
	})
	return nil
}

func (s *porterService) suspensionConflict(ctx context.Context, porterID uuid.UUID, suspending bool) error {
	porter, err := s.porters.GetByID(ctx, porterID)
	if err != nil {
		s.logger.Error("failed to get porter", slog.Any("error", err))
		return apierrors.ErrServiceUnavailable
	}
	if porter == nil {
		return apierrors.NewNotFoundError("Porter")
	}
	if suspending {
		return apierrors.NewConflictError("Porter is already suspended")
	}
	return apierrors.NewConflictError("Porter is not suspended")
}

// VerificationHistory returns the porter's verification log.
func (s *porterService) VerificationHistory(ctx context.Context, porterID uuid.UUID, limit int) ([]*models.VerificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	records, err := s.porters.VerificationHistory(ctx, porterID, limit)
	if err != nil {
		s.logger.Error("failed to read verification history", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	return records, nil
}

// Dispatchable answers from the profile cache, falling back to the porters
// table on a miss.
func (s *porterService) Dispatchable(ctx context.Context, porterID uuid.UUID) (bool, error) {
	if cached, ok := s.cache.Get(porterID.String()); ok {
		return cached.(bool), nil
	}

	porter, err := s.porters.GetByID(ctx, porterID)
	if err != nil {
		s.logger.Error("failed to get porter", slog.Any("error", err))
		return false, apierrors.ErrServiceUnavailable
	}
	dispatchable := porter != nil && porter.Dispatchable()
	s.cache.SetDefault(porterID.String(), dispatchable)
	return dispatchable, nil
}

// RegisterDevice records a device session in the hot store and upserts the
// durable row consulted by the push-notification collaborator.
func (s *porterService) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (*models.DeviceSession, error) {
	porter, err := s.porters.GetByID(ctx, req.PorterID)
	if err != nil {
		s.logger.Error("failed to get porter", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	if porter == nil {
		return nil, apierrors.NewNotFoundError("Porter")
	}

	session := &models.DeviceSession{
		DeviceID: req.DeviceID,
		PorterID: req.PorterID,
		Platform: req.Platform,
	}
	if err := s.sessions.Upsert(ctx, session); err != nil {
		s.logger.Error("failed to upsert device session", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	if err := s.hotSessions.Set(ctx, session, s.sessionTTL); err != nil {
		s.logger.Warn("failed to write hot device session", slog.Any("error", err))
	}
	return session, nil
}
