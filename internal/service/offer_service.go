package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/porterhq/dispatch/internal/events"
	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
	"github.com/porterhq/dispatch/internal/repository"
)

// Idempotency operation names. A key reserved for one operation cannot be
// replayed against another.
const (
	opAcceptOffer       = "offer.accept"
	opRejectOffer       = "offer.reject"
	opRequestWithdrawal = "earnings.withdraw"
)

// OfferConfig holds the offer policy knobs.
type OfferConfig struct {
	OfferTimeout        time.Duration
	MaxConcurrentOffers int
}

// OfferService owns the offer state machine. Acceptance is linearized per
// order: across any set of concurrent attempts for the same order, exactly
// one succeeds and the rest fail with CONFLICT.
type OfferService interface {
	Create(ctx context.Context, req CreateOfferRequest) (*models.JobOffer, error)
	Accept(ctx context.Context, req AcceptOfferRequest) (*models.JobOffer, error)
	Reject(ctx context.Context, req RejectOfferRequest) (*models.JobOffer, error)
	// ExpireOffers bulk-expires overdue PENDING offers. Called by the
	// scheduler.
	ExpireOffers(ctx context.Context) (int64, error)
	GetPorterOffers(ctx context.Context, porterID uuid.UUID, status *models.OfferStatus, limit int) ([]*models.JobOffer, error)
	GetOrderOffers(ctx context.Context, orderID string) ([]*models.JobOffer, error)
	// RevokeSiblings revokes all other PENDING offers for an order. Also
	// invoked by the OrderAssigned consumer to reconcile missed
	// post-accept revocations.
	RevokeSiblings(ctx context.Context, orderID string, exceptID uuid.UUID) (int64, error)
}

// CreateOfferRequest dispatches an offer to one porter. Called by the
// upstream order dispatcher.
type CreateOfferRequest struct {
	OrderID       string    `json:"order_id" validate:"required"`
	PorterID      uuid.UUID `json:"porter_id" validate:"required"`
	CorrelationID string    `json:"-"`
}

// AcceptOfferRequest is one porter's attempt to take an offer.
type AcceptOfferRequest struct {
	OfferID        uuid.UUID `json:"-"`
	PorterID       uuid.UUID `json:"porter_id" validate:"required"`
	UserID         uuid.UUID `json:"-"`
	IdempotencyKey string    `json:"-"`
	CorrelationID  string    `json:"-"`
}

// RejectOfferRequest declines a PENDING offer.
type RejectOfferRequest struct {
	OfferID        uuid.UUID `json:"-"`
	PorterID       uuid.UUID `json:"porter_id" validate:"required"`
	UserID         uuid.UUID `json:"-"`
	Reason         *string   `json:"reason,omitempty"`
	IdempotencyKey string    `json:"-"`
	CorrelationID  string    `json:"-"`
}

type offerService struct {
	offers      repository.OfferRepository
	porters     PorterService
	idempotency IdempotencyService
	publisher   events.Publisher
	cfg         OfferConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewOfferService creates the offer service.
func NewOfferService(
	offers repository.OfferRepository,
	porters PorterService,
	idempotency IdempotencyService,
	publisher events.Publisher,
	cfg OfferConfig,
	logger *slog.Logger,
) OfferService {
	return &offerService{
		offers:      offers,
		porters:     porters,
		idempotency: idempotency,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *offerService) publish(ctx context.Context, partitionKey, eventType, correlationID string, payload any) {
	if err := s.publisher.Publish(ctx, partitionKey, eventType, correlationID, payload); err != nil {
		eventPublishFailuresTotal.WithLabelValues(eventType).Inc()
		s.logger.Error("failed to publish offer event",
			slog.String("event_type", eventType),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
	}
}

// Create inserts a PENDING offer with the configured timeout, capped by the
// porter's concurrent-offer budget.
func (s *offerService) Create(ctx context.Context, req CreateOfferRequest) (*models.JobOffer, error) {
	dispatchable, err := s.porters.Dispatchable(ctx, req.PorterID)
	if err != nil {
		return nil, err
	}
	if !dispatchable {
		return nil, apierrors.NewConflictError("Porter is not eligible to receive offers")
	}

	pending, err := s.offers.CountPending(ctx, req.PorterID)
	if err != nil {
		s.logger.Error("failed to count pending offers", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	if pending >= s.cfg.MaxConcurrentOffers {
		return nil, apierrors.NewConflictError(
			fmt.Sprintf("Porter already has %d pending offers", pending))
	}

	now := s.now().UTC()
	offer := &models.JobOffer{
		OrderID:       req.OrderID,
		PorterID:      req.PorterID,
		CorrelationID: req.CorrelationID,
		OfferedAt:     now,
		ExpiresAt:     now.Add(s.cfg.OfferTimeout),
	}
	if err := s.offers.Create(ctx, offer); err != nil {
		s.logger.Error("failed to create offer", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}

	s.publish(ctx, req.PorterID.String(), events.TypePorterOfferCreated, req.CorrelationID, events.PorterOfferCreated{
		OfferID:   offer.ID.String(),
		OrderID:   offer.OrderID,
		PorterID:  offer.PorterID.String(),
		ExpiresAt: offer.ExpiresAt,
	})
	return offer, nil
}

// Accept resolves the acceptance race. The repository transaction decides
// the winner; afterwards sibling offers are revoked and PorterAcceptedJob
// is published, both best-effort — the accepted offer is already durable
// and the OrderAssigned consumer reconciles missed revocations.
func (s *offerService) Accept(ctx context.Context, req AcceptOfferRequest) (*models.JobOffer, error) {
	if req.IdempotencyKey == "" {
		return s.accept(ctx, req)
	}

	response, replayed, err := s.idempotency.Execute(ctx, req.IdempotencyKey, req.UserID, opAcceptOffer,
		func(ctx context.Context) (any, error) {
			return s.accept(ctx, req)
		})
	if err != nil {
		return nil, err
	}
	if replayed {
		s.logger.Info("replayed accept-offer response",
			slog.String("offer_id", req.OfferID.String()),
			slog.String("idempotency_key", req.IdempotencyKey),
		)
	}

	var offer models.JobOffer
	if err := json.Unmarshal(response, &offer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached offer: %w", err)
	}
	return &offer, nil
}

func (s *offerService) accept(ctx context.Context, req AcceptOfferRequest) (*models.JobOffer, error) {
	result, err := s.offers.Accept(ctx, req.OfferID, req.PorterID, s.now().UTC())
	if err != nil {
		s.logger.Error("failed to run accept transaction", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}

	offerDecisionsTotal.WithLabelValues(string(result.Outcome)).Inc()

	switch result.Outcome {
	case models.AcceptOK:
		// fall through below
	case models.AcceptNotFound:
		return nil, apierrors.NewNotFoundError("Offer")
	case models.AcceptNotOwned:
		return nil, apierrors.NewConflictError("Offer belongs to a different porter")
	case models.AcceptNotPending:
		return nil, apierrors.NewOfferConflictError(
			"Offer is no longer pending", result.Offer.OfferStatus.String())
	case models.AcceptExpired:
		return nil, apierrors.NewOfferConflictError(
			"Offer has expired", result.Offer.OfferStatus.String())
	case models.AcceptOrderTaken:
		status := string(models.OfferRevoked)
		if result.Offer != nil {
			status = result.Offer.OfferStatus.String()
		}
		return nil, apierrors.NewOfferConflictError(
			"Order was assigned to another porter", status)
	default:
		return nil, apierrors.ErrInternal
	}

	offer := result.Offer
	if _, err := s.RevokeSiblings(ctx, offer.OrderID, offer.ID); err != nil {
		// Logged only; the OrderAssigned consumer reconciles.
		s.logger.Error("failed to revoke sibling offers",
			slog.String("order_id", offer.OrderID),
			slog.Any("error", err),
		)
	}

	s.publish(ctx, offer.PorterID.String(), events.TypePorterAcceptedJob, req.CorrelationID, events.PorterOfferDecided{
		OfferID:  offer.ID.String(),
		OrderID:  offer.OrderID,
		PorterID: offer.PorterID.String(),
	})
	return offer, nil
}

// Reject declines a PENDING offer.
func (s *offerService) Reject(ctx context.Context, req RejectOfferRequest) (*models.JobOffer, error) {
	if req.IdempotencyKey == "" {
		return s.reject(ctx, req)
	}

	response, _, err := s.idempotency.Execute(ctx, req.IdempotencyKey, req.UserID, opRejectOffer,
		func(ctx context.Context) (any, error) {
			return s.reject(ctx, req)
		})
	if err != nil {
		return nil, err
	}

	var offer models.JobOffer
	if err := json.Unmarshal(response, &offer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached offer: %w", err)
	}
	return &offer, nil
}

func (s *offerService) reject(ctx context.Context, req RejectOfferRequest) (*models.JobOffer, error) {
	result, err := s.offers.Reject(ctx, req.OfferID, req.PorterID, req.Reason, s.now().UTC())
	if err != nil {
		s.logger.Error("failed to reject offer", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}

	switch result.Outcome {
	case models.AcceptOK:
	case models.AcceptNotFound:
		return nil, apierrors.NewNotFoundError("Offer")
	case models.AcceptNotOwned:
		return nil, apierrors.NewConflictError("Offer belongs to a different porter")
	default:
		return nil, apierrors.NewOfferConflictError(
			"Offer is no longer pending", result.Offer.OfferStatus.String())
	}

	offer := result.Offer
	s.publish(ctx, offer.PorterID.String(), events.TypePorterRejectedJob, req.CorrelationID, events.PorterOfferDecided{
		OfferID:  offer.ID.String(),
		OrderID:  offer.OrderID,
		PorterID: offer.PorterID.String(),
		Reason:   req.Reason,
	})
	return offer, nil
}

// ExpireOffers bulk-expires PENDING offers past their deadline.
func (s *offerService) ExpireOffers(ctx context.Context) (int64, error) {
	expired, err := s.offers.ExpireDue(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.logger.Info("expired overdue offers", slog.Int64("count", expired))
	}
	return expired, nil
}

// GetPorterOffers lists a porter's offers, optionally filtered by status.
func (s *offerService) GetPorterOffers(ctx context.Context, porterID uuid.UUID, status *models.OfferStatus, limit int) ([]*models.JobOffer, error) {
	if status != nil && !status.Valid() {
		return nil, apierrors.NewValidationError("status", "unknown offer status")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offers, err := s.offers.ListByPorter(ctx, porterID, status, limit)
	if err != nil {
		s.logger.Error("failed to list porter offers", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	return offers, nil
}

// GetOrderOffers lists all offers for an order.
func (s *offerService) GetOrderOffers(ctx context.Context, orderID string) ([]*models.JobOffer, error) {
	offers, err := s.offers.ListByOrder(ctx, orderID)
	if err != nil {
		s.logger.Error("failed to list order offers", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	return offers, nil
}

// RevokeSiblings revokes all other PENDING offers for the order.
func (s *offerService) RevokeSiblings(ctx context.Context, orderID string, exceptID uuid.UUID) (int64, error) {
	revoked, err := s.offers.RevokeOthers(ctx, orderID, exceptID, repository.RevokeReasonOrderAssigned, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if revoked > 0 {
		s.logger.Info("revoked sibling offers",
			slog.String("order_id", orderID),
			slog.Int64("count", revoked),
		)
	}
	return revoked, nil
}
