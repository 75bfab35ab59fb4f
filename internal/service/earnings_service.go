package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/porterhq/dispatch/internal/models"
	apierrors "github.com/porterhq/dispatch/internal/pkg/errors"
	"github.com/porterhq/dispatch/internal/repository"
)

// EarningsService records accruals, reports balances, and guards
// withdrawals against double-spend.
type EarningsService interface {
	RecordEarnings(ctx context.Context, req RecordEarningsRequest) (*models.PorterEarning, error)
	EarningsSummary(ctx context.Context, porterID uuid.UUID) (*models.EarningsSummary, error)
	RecentEarnings(ctx context.Context, porterID uuid.UUID, limit int) ([]*models.PorterEarning, error)
	OrderEarnings(ctx context.Context, orderID string) ([]*models.PorterEarning, error)
	UpdateEarningStatus(ctx context.Context, req UpdateEarningStatusRequest) (*models.PorterEarning, error)
	RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*models.PorterEarning, error)
	// MarkPayoutProcessed reconciles a completed payout. Called by the
	// PaymentPayoutProcessed consumer.
	MarkPayoutProcessed(ctx context.Context, payoutID, payoutStatus string) (int64, error)
}

// RecordEarningsRequest accrues one earning row.
type RecordEarningsRequest struct {
	PorterID    uuid.UUID          `json:"-"`
	Type        models.EarningType `json:"type" validate:"required"`
	Amount      int64              `json:"amount" validate:"required"`
	OrderID     *string            `json:"order_id,omitempty"`
	Description *string            `json:"description,omitempty"`
	Metadata    json.RawMessage    `json:"metadata,omitempty"`
}

// UpdateEarningStatusRequest transitions an earning's settlement status.
type UpdateEarningStatusRequest struct {
	EarningID    uuid.UUID            `json:"-"`
	Status       models.EarningStatus `json:"status" validate:"required"`
	PayoutID     *string              `json:"payout_id,omitempty"`
	PayoutStatus *string              `json:"payout_status,omitempty"`
}

// WithdrawalRequest asks to withdraw from the confirmed balance.
type WithdrawalRequest struct {
	PorterID       uuid.UUID `json:"-"`
	UserID         uuid.UUID `json:"-"`
	Amount         int64     `json:"amount" validate:"required,gt=0"`
	IdempotencyKey string    `json:"-"`
}

// earningTransitions enumerates the legal settlement transitions.
var earningTransitions = map[models.EarningStatus][]models.EarningStatus{
	models.EarningPending:   {models.EarningConfirmed, models.EarningCancelled},
	models.EarningConfirmed: {models.EarningPaidOut, models.EarningCancelled},
}

func transitionAllowed(from, to models.EarningStatus) bool {
	for _, allowed := range earningTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type earningsService struct {
	earnings    repository.EarningRepository
	idempotency IdempotencyService
	logger      *slog.Logger
	now         func() time.Time
}

// NewEarningsService creates the earnings service.
func NewEarningsService(earnings repository.EarningRepository, idempotency IdempotencyService, logger *slog.Logger) EarningsService {
	return &earningsService{
		earnings:    earnings,
		idempotency: idempotency,
		logger:      logger,
		now:         time.Now,
	}
}

// RecordEarnings inserts a PENDING earning and bumps the porter aggregate.
func (s *earningsService) RecordEarnings(ctx context.Context, req RecordEarningsRequest) (*models.PorterEarning, error) {
	if !req.Type.Valid() {
		return nil, apierrors.NewValidationError("type", "unknown earning type")
	}
	if req.Amount == 0 {
		return nil, apierrors.NewValidationError("amount", "amount must not be zero")
	}
	if req.Amount < 0 && req.Type != models.EarningAdjustment {
		return nil, apierrors.NewValidationError("amount", "only adjustments may be negative")
	}

	earning := &models.PorterEarning{
		PorterID:    req.PorterID,
		Type:        req.Type,
		Amount:      req.Amount,
		OrderID:     req.OrderID,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	inserted, err := s.earnings.Record(ctx, earning)
	if err != nil {
		s.logger.Error("failed to record earning", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	if !inserted {
		return nil, apierrors.NewConflictError("A job payment for this order and porter already exists")
	}
	return earning, nil
}

// EarningsSummary returns {total, pending, confirmed} in minor units.
func (s *earningsService) EarningsSummary(ctx context.Context, porterID uuid.UUID) (*models.EarningsSummary, error) {
	summary, err := s.earnings.Summary(ctx, porterID)
	if err != nil {
		s.logger.Error("failed to read earnings summary", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	return summary, nil
}

// RecentEarnings lists a porter's earnings, newest first.
func (s *earningsService) RecentEarnings(ctx context.Context, porterID uuid.UUID, limit int) ([]*models.PorterEarning, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	earnings, err := s.earnings.ListRecent(ctx, porterID, limit)
	if err != nil {
		s.logger.Error("failed to list recent earnings", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	return earnings, nil
}

// OrderEarnings lists all earnings attached to an order.
func (s *earningsService) OrderEarnings(ctx context.Context, orderID string) ([]*models.PorterEarning, error) {
	earnings, err := s.earnings.ListByOrder(ctx, orderID)
	if err != nil {
		s.logger.Error("failed to list order earnings", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	return earnings, nil
}

// UpdateEarningStatus applies a settlement transition. Anything outside
// PENDING→CONFIRMED, PENDING→CANCELLED, CONFIRMED→PAID_OUT,
// CONFIRMED→CANCELLED is a conflict.
func (s *earningsService) UpdateEarningStatus(ctx context.Context, req UpdateEarningStatusRequest) (*models.PorterEarning, error) {
	if !req.Status.Valid() {
		return nil, apierrors.NewValidationError("status", "unknown earning status")
	}

	earning, err := s.earnings.GetByID(ctx, req.EarningID)
	if err != nil {
		s.logger.Error("failed to get earning", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	if earning == nil {
		return nil, apierrors.NewNotFoundError("Earning")
	}
	if !transitionAllowed(earning.Status, req.Status) {
		return nil, apierrors.NewConflictError(fmt.Sprintf(
			"Cannot transition earning from %s to %s", earning.Status, req.Status))
	}

	updated, err := s.earnings.UpdateStatus(ctx, req.EarningID, earning.Status, req.Status, req.PayoutID, req.PayoutStatus, s.now().UTC())
	if err != nil {
		s.logger.Error("failed to update earning status", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	if !updated {
		// Lost a race with a concurrent transition.
		return nil, apierrors.NewConflictError("Earning status changed concurrently")
	}
	return s.earnings.GetByID(ctx, req.EarningID)
}

// RequestWithdrawal inserts a negative ADJUSTMENT hold after the balance
// check, both inside one repository transaction so concurrent withdrawals
// cannot overdraw.
func (s *earningsService) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*models.PorterEarning, error) {
	if req.Amount <= 0 {
		return nil, apierrors.NewValidationError("amount", "amount must be positive")
	}

	if req.IdempotencyKey == "" {
		return s.requestWithdrawal(ctx, req)
	}

	response, _, err := s.idempotency.Execute(ctx, req.IdempotencyKey, req.UserID, opRequestWithdrawal,
		func(ctx context.Context) (any, error) {
			return s.requestWithdrawal(ctx, req)
		})
	if err != nil {
		return nil, err
	}

	var hold models.PorterEarning
	if err := json.Unmarshal(response, &hold); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached withdrawal: %w", err)
	}
	return &hold, nil
}

func (s *earningsService) requestWithdrawal(ctx context.Context, req WithdrawalRequest) (*models.PorterEarning, error) {
	description := "withdrawal request"
	hold, err := s.earnings.RequestWithdrawal(ctx, req.PorterID, req.Amount, &description)
	if errors.Is(err, repository.ErrInsufficientBalance) {
		return nil, apierrors.NewConflictError("Withdrawal amount exceeds confirmed balance")
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierrors.NewNotFoundError("Porter")
	}
	if err != nil {
		s.logger.Error("failed to request withdrawal", slog.Any("error", err))
		return nil, apierrors.ErrServiceUnavailable
	}
	return hold, nil
}

// MarkPayoutProcessed flips CONFIRMED earnings tagged with the payout to
// PAID_OUT.
func (s *earningsService) MarkPayoutProcessed(ctx context.Context, payoutID, payoutStatus string) (int64, error) {
	updated, err := s.earnings.MarkPaidOut(ctx, payoutID, payoutStatus, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if updated > 0 {
		s.logger.Info("reconciled payout",
			slog.String("payout_id", payoutID),
			slog.Int64("earnings", updated),
		)
	}
	return updated, nil
}
