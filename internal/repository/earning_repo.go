package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/porterhq/dispatch/internal/models"
)

// ErrInsufficientBalance is returned when a withdrawal exceeds the porter's
// confirmed balance.
var ErrInsufficientBalance = errors.New("withdrawal amount exceeds confirmed balance")

// EarningRepository defines data access for porter earnings.
type EarningRepository interface {
	// Record inserts an earning and bumps the porter's aggregate counter in
	// one transaction. Returns false when a JOB_PAYMENT for the same
	// (order, porter) already exists.
	Record(ctx context.Context, earning *models.PorterEarning) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.PorterEarning, error)
	Summary(ctx context.Context, porterID uuid.UUID) (*models.EarningsSummary, error)
	ListRecent(ctx context.Context, porterID uuid.UUID, limit int) ([]*models.PorterEarning, error)
	ListByOrder(ctx context.Context, orderID string) ([]*models.PorterEarning, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.EarningStatus, payoutID, payoutStatus *string, now time.Time) (bool, error)
	// RequestWithdrawal checks the confirmed balance and inserts the
	// negative ADJUSTMENT hold in the same transaction, serialized per
	// porter by a row lock.
	RequestWithdrawal(ctx context.Context, porterID uuid.UUID, amount int64, description *string) (*models.PorterEarning, error)
	MarkPaidOut(ctx context.Context, payoutID, payoutStatus string, now time.Time) (int64, error)
}

type earningRepo struct {
	pool *pgxpool.Pool
}

// NewEarningRepository creates a new earning repository.
func NewEarningRepository(pool *pgxpool.Pool) EarningRepository {
	return &earningRepo{pool: pool}
}

const earningColumns = `id, porter_id, type, amount, status, order_id, description,
	       payout_id, payout_status, withdrawal_request, metadata, created_at, updated_at, payout_at`

func scanEarning(row pgx.Row) (*models.PorterEarning, error) {
	var e models.PorterEarning
	err := row.Scan(
		&e.ID,
		&e.PorterID,
		&e.Type,
		&e.Amount,
		&e.Status,
		&e.OrderID,
		&e.Description,
		&e.PayoutID,
		&e.PayoutStatus,
		&e.WithdrawalRequest,
		&e.Metadata,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.PayoutAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Record inserts an earning row and increments the porter's aggregate
// earnings counter atomically. JOB_PAYMENT rows are deduplicated by the
// partial unique index on (order_id, porter_id); a duplicate insert is a
// no-op and Record returns false.
func (r *earningRepo) Record(ctx context.Context, earning *models.PorterEarning) (bool, error) {
	if earning.ID == uuid.Nil {
		earning.ID = uuid.New()
	}
	if earning.Status == "" {
		earning.Status = models.EarningPending
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO porter_earnings (id, porter_id, type, amount, status, order_id, description, withdrawal_request, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id, porter_id) WHERE type = 'JOB_PAYMENT' DO NOTHING`,
		earning.ID,
		earning.PorterID,
		earning.Type,
		earning.Amount,
		earning.Status,
		earning.OrderID,
		earning.Description,
		earning.WithdrawalRequest,
		earning.Metadata,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE porters SET total_earnings = total_earnings + $1, updated_at = now()
		WHERE id = $2`,
		earning.Amount, earning.PorterID,
	)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// GetByID retrieves an earning by id.
func (r *earningRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PorterEarning, error) {
	query := `SELECT ` + earningColumns + ` FROM porter_earnings WHERE id = $1`

	earning, err := scanEarning(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return earning, nil
}

// Summary aggregates a porter's balances. Confirmed is the withdrawable
// balance: confirmed earnings plus pending withdrawal holds (holds are
// negative rows).
func (r *earningRepo) Summary(ctx context.Context, porterID uuid.UUID) (*models.EarningsSummary, error) {
	query := `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE status <> 'CANCELLED'), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'PENDING' AND NOT withdrawal_request), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'CONFIRMED'), 0)
			+ COALESCE(SUM(amount) FILTER (WHERE status = 'PENDING' AND withdrawal_request), 0)
		FROM porter_earnings
		WHERE porter_id = $1`

	var summary models.EarningsSummary
	err := r.pool.QueryRow(ctx, query, porterID).Scan(&summary.Total, &summary.Pending, &summary.Confirmed)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListRecent returns a porter's earnings, newest first.
func (r *earningRepo) ListRecent(ctx context.Context, porterID uuid.UUID, limit int) ([]*models.PorterEarning, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+earningColumns+` FROM porter_earnings WHERE porter_id = $1 ORDER BY created_at DESC LIMIT $2`,
		porterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEarnings(rows)
}

// ListByOrder returns all earnings attached to an order.
func (r *earningRepo) ListByOrder(ctx context.Context, orderID string) ([]*models.PorterEarning, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+earningColumns+` FROM porter_earnings WHERE order_id = $1 ORDER BY created_at DESC`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEarnings(rows)
}

// UpdateStatus transitions an earning conditionally on its current status.
// Returns false when the earning is missing or not in the expected status.
func (r *earningRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.EarningStatus, payoutID, payoutStatus *string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE porter_earnings
		SET status = $1,
		    payout_id = COALESCE($2, payout_id),
		    payout_status = COALESCE($3, payout_status),
		    payout_at = CASE WHEN $1 = 'PAID_OUT' THEN $4 ELSE payout_at END,
		    updated_at = $4
		WHERE id = $5 AND status = $6`,
		to, payoutID, payoutStatus, now, id, from,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RequestWithdrawal inserts a negative ADJUSTMENT hold after verifying the
// confirmed balance covers it. The porter row is locked for the duration of
// the transaction so concurrent withdrawals cannot double-spend.
func (r *earningRepo) RequestWithdrawal(ctx context.Context, porterID uuid.UUID, amount int64, description *string) (*models.PorterEarning, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM porters WHERE id = $1 FOR UPDATE)`,
		porterID,
	).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, pgx.ErrNoRows
	}

	var confirmed int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount) FILTER (WHERE status = 'CONFIRMED'), 0)
		     + COALESCE(SUM(amount) FILTER (WHERE status = 'PENDING' AND withdrawal_request), 0)
		FROM porter_earnings
		WHERE porter_id = $1`,
		porterID,
	).Scan(&confirmed)
	if err != nil {
		return nil, err
	}
	if amount > confirmed {
		return nil, ErrInsufficientBalance
	}

	hold := &models.PorterEarning{
		ID:                uuid.New(),
		PorterID:          porterID,
		Type:              models.EarningAdjustment,
		Amount:            -amount,
		Status:            models.EarningPending,
		Description:       description,
		WithdrawalRequest: true,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO porter_earnings (id, porter_id, type, amount, status, description, withdrawal_request)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING created_at, updated_at`,
		hold.ID, hold.PorterID, hold.Type, hold.Amount, hold.Status, hold.Description,
	).Scan(&hold.CreatedAt, &hold.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return hold, nil
}

// MarkPaidOut bulk-flips CONFIRMED earnings tagged with the payout to
// PAID_OUT.
func (r *earningRepo) MarkPaidOut(ctx context.Context, payoutID, payoutStatus string, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE porter_earnings
		SET status = 'PAID_OUT', payout_status = $1, payout_at = $2, updated_at = $2
		WHERE payout_id = $3 AND status = 'CONFIRMED'`,
		payoutStatus, now, payoutID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectEarnings(rows pgx.Rows) ([]*models.PorterEarning, error) {
	var earnings []*models.PorterEarning
	for rows.Next() {
		earning, err := scanEarning(rows)
		if err != nil {
			return nil, err
		}
		earnings = append(earnings, earning)
	}
	return earnings, rows.Err()
}
