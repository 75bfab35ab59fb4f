// Package consumer subscribes to upstream order and payment events and
// applies their side effects. All handlers are idempotent: the bus delivers
// at least once.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/porterhq/dispatch/internal/events"
	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
	"github.com/porterhq/dispatch/internal/repository"
	"github.com/porterhq/dispatch/internal/service"
)

// Handlers applies upstream event side effects.
type Handlers struct {
	offers   repository.OfferRepository
	porters  repository.PorterRepository
	earnings service.EarningsService
	offerSvc service.OfferService
	logger   *slog.Logger
}

// NewHandlers creates the upstream event handlers.
func NewHandlers(
	offers repository.OfferRepository,
	porters repository.PorterRepository,
	earnings service.EarningsService,
	offerSvc service.OfferService,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		offers:   offers,
		porters:  porters,
		earnings: earnings,
		offerSvc: offerSvc,
		logger:   logger,
	}
}

// Handle dispatches one envelope to its handler. Unknown event types are
// skipped.
func (h *Handlers) Handle(ctx context.Context, envelope *events.Envelope) error {
	switch envelope.Type {
	case events.TypeOrderCompleted:
		var payload events.OrderCompleted
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal OrderCompleted: %w", err)
		}
		return h.HandleOrderCompleted(ctx, &payload)
	case events.TypePaymentPayoutProcessed:
		var payload events.PaymentPayoutProcessed
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal PaymentPayoutProcessed: %w", err)
		}
		return h.HandlePayoutProcessed(ctx, &payload)
	case events.TypeOrderAssigned:
		var payload events.OrderAssigned
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return fmt.Errorf("failed to unmarshal OrderAssigned: %w", err)
		}
		return h.HandleOrderAssigned(ctx, &payload)
	default:
		h.logger.Debug("skipping unknown event type", slog.String("event_type", envelope.Type))
		return nil
	}
}

// HandleOrderCompleted records the job payment for the porter holding the
// accepted offer and bumps their completed-jobs counter. Redeliveries are
// absorbed by the unique job-payment constraint.
func (h *Handlers) HandleOrderCompleted(ctx context.Context, payload *events.OrderCompleted) error {
	porterID, err := uuid.Parse(payload.PorterID)
	if err != nil {
		h.logger.Warn("OrderCompleted with invalid porter id", slog.String("porter_id", payload.PorterID))
		return nil
	}

	offer, err := h.offers.GetAccepted(ctx, payload.OrderID, porterID)
	if err != nil {
		return fmt.Errorf("failed to look up accepted offer: %w", err)
	}
	if offer == nil {
		h.logger.Warn("OrderCompleted without a matching accepted offer",
			slog.String("order_id", payload.OrderID),
			slog.String("porter_id", payload.PorterID),
		)
		return nil
	}
	if payload.Amount <= 0 {
		h.logger.Warn("OrderCompleted without a payable amount",
			slog.String("order_id", payload.OrderID),
			slog.Int64("amount", payload.Amount),
		)
		return nil
	}

	description := "job payment for order " + payload.OrderID
	_, err = h.earnings.RecordEarnings(ctx, service.RecordEarningsRequest{
		PorterID:    porterID,
		Type:        models.EarningJobPayment,
		Amount:      payload.Amount,
		OrderID:     &payload.OrderID,
		Description: &description,
	})
	if err != nil {
		var apiErr *apierrors.APIError
		if errors.As(err, &apiErr) && apiErr.Code == "conflict" {
			// Redelivery: the payment is already recorded.
			return nil
		}
		return fmt.Errorf("failed to record job payment: %w", err)
	}

	if err := h.porters.IncrementCompletedJobs(ctx, porterID); err != nil {
		return fmt.Errorf("failed to increment completed jobs: %w", err)
	}

	h.logger.Info("recorded job payment",
		slog.String("order_id", payload.OrderID),
		slog.String("porter_id", payload.PorterID),
		slog.Int64("amount", payload.Amount),
	)
	return nil
}

// HandlePayoutProcessed flips CONFIRMED earnings tagged with the payout to
// PAID_OUT once the payout completes. The bulk update only touches
// CONFIRMED rows, so redelivery is a no-op.
func (h *Handlers) HandlePayoutProcessed(ctx context.Context, payload *events.PaymentPayoutProcessed) error {
	if payload.Status != events.PayoutStatusCompleted {
		h.logger.Debug("ignoring payout in non-terminal status",
			slog.String("payout_id", payload.PayoutID),
			slog.String("status", payload.Status),
		)
		return nil
	}

	_, err := h.earnings.MarkPayoutProcessed(ctx, payload.PayoutID, payload.Status)
	if err != nil {
		return fmt.Errorf("failed to reconcile payout %s: %w", payload.PayoutID, err)
	}
	return nil
}

// HandleOrderAssigned reconciles sibling offers: any PENDING offer for an
// order already assigned elsewhere is revoked. This covers accept-path
// revocations lost to a crash after commit.
func (h *Handlers) HandleOrderAssigned(ctx context.Context, payload *events.OrderAssigned) error {
	porterID, err := uuid.Parse(payload.PorterID)
	if err != nil {
		h.logger.Warn("OrderAssigned with invalid porter id", slog.String("porter_id", payload.PorterID))
		return nil
	}

	exceptID := uuid.Nil
	offer, err := h.offers.GetAccepted(ctx, payload.OrderID, porterID)
	if err != nil {
		return fmt.Errorf("failed to look up accepted offer: %w", err)
	}
	if offer != nil {
		exceptID = offer.ID
	}

	if _, err := h.offerSvc.RevokeSiblings(ctx, payload.OrderID, exceptID); err != nil {
		return fmt.Errorf("failed to revoke sibling offers: %w", err)
	}
	return nil
}
